package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// Guard tracks cumulative resource consumption against a configured cap.
// It is safe for concurrent use by many cycles.
type Guard struct {
	counter Counter
	limit   int64
	logger  *slog.Logger

	mu    sync.Mutex
	usage map[string]*UsageRecord
}

// NewGuard creates a guard with the given limit. A nil counter uses an in-memory one.
// A non-positive limit disables capping.
func NewGuard(limit int64, counter Counter) *Guard {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	return &Guard{
		counter: counter,
		limit:   limit,
		logger:  slog.Default().With("component", "budget"),
		usage:   make(map[string]*UsageRecord),
	}
}

// Limit returns the configured cap.
func (g *Guard) Limit() int64 {
	return g.limit
}

// RecordUsage adds amount to the shared counter on behalf of agentID.
func (g *Guard) RecordUsage(ctx context.Context, agentID string, amount int64) (contracts.BudgetStatus, error) {
	if amount < 0 {
		return contracts.BudgetStatus{}, fmt.Errorf("budget: negative usage %d for %s", amount, agentID)
	}

	total, err := g.counter.Add(ctx, amount)
	if err != nil {
		// FAIL-CLOSED: an unknown total is treated as exhausted.
		g.logger.ErrorContext(ctx, "usage record failed", "agent", agentID, "error", err)
		return g.failClosed(), fmt.Errorf("budget: record usage for %s: %w", agentID, err)
	}

	g.mu.Lock()
	rec, ok := g.usage[agentID]
	if !ok {
		rec = &UsageRecord{AgentID: agentID}
		g.usage[agentID] = rec
	}
	rec.Amount += amount
	rec.Invocations++
	g.mu.Unlock()

	st := contracts.NewBudgetStatus(total, g.limit)
	if st.State != contracts.BudgetNormal {
		g.logger.WarnContext(ctx, "budget threshold reached",
			"state", st.State, "used", st.Used, "limit", st.Limit, "agent", agentID)
	}
	return st, nil
}

// Status returns the current budget snapshot.
func (g *Guard) Status(ctx context.Context) (contracts.BudgetStatus, error) {
	total, err := g.counter.Load(ctx)
	if err != nil {
		g.logger.ErrorContext(ctx, "status read failed", "error", err)
		return g.failClosed(), fmt.Errorf("budget: read status: %w", err)
	}
	return contracts.NewBudgetStatus(total, g.limit), nil
}

// Reset clears the counter and the per-agent breakdown.
func (g *Guard) Reset(ctx context.Context) error {
	if err := g.counter.Reset(ctx); err != nil {
		return fmt.Errorf("budget: reset: %w", err)
	}
	g.mu.Lock()
	g.usage = make(map[string]*UsageRecord)
	g.mu.Unlock()
	return nil
}

// Usage returns the per-agent breakdown recorded by this process, sorted by agent ID.
func (g *Guard) Usage() []UsageRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]UsageRecord, 0, len(g.usage))
	for _, r := range g.usage {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (g *Guard) failClosed() contracts.BudgetStatus {
	return contracts.BudgetStatus{
		Used:    g.limit,
		Limit:   g.limit,
		Percent: 100,
		State:   contracts.BudgetExceeded,
	}
}
