package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// CostFunc returns the budget units charged for one agent invocation.
type CostFunc func(res *contracts.AgentResult) int64

// UnitCost charges one unit per invocation.
func UnitCost(*contracts.AgentResult) int64 { return 1 }

// Registry maps roles to agents and dispatches them concurrently.
type Registry struct {
	mu     sync.RWMutex
	agents []Agent
	byRole map[contracts.AgentRole]Agent

	poolSize int
	cost     CostFunc
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPoolSize caps concurrent agent invocations. Zero means one slot per agent.
func WithPoolSize(n int) Option {
	return func(r *Registry) {
		r.poolSize = n
	}
}

// WithCostFunc sets how each invocation is charged to the budget.
func WithCostFunc(f CostFunc) Option {
	return func(r *Registry) {
		if f != nil {
			r.cost = f
		}
	}
}

// WithDispatchRate paces agent dispatch to at most rps starts per second.
func WithDispatchRate(rps float64, burst int) Option {
	return func(r *Registry) {
		if rps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byRole: make(map[contracts.AgentRole]Agent),
		cost:   UnitCost,
		logger: slog.Default().With("component", "agent_registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent. Roles are unique keys; register once at startup.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Role() == "" {
		return fmt.Errorf("agents: agent must declare a role")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRole[a.Role()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRole, a.Role())
	}
	r.byRole[a.Role()] = a
	r.agents = append(r.agents, a)
	return nil
}

// Get returns the agent registered for role.
func (r *Registry) Get(role contracts.AgentRole) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byRole[role]
	return a, ok
}

// Roles lists registered roles in sorted order.
func (r *Registry) Roles() []contracts.AgentRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.AgentRole, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Role())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) snapshot() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Agent(nil), r.agents...)
}

// RunAndSynthesize invokes every registered agent concurrently and merges the
// results. It never returns an error:
//   - a panicking, failing or slow agent yields a zero-confidence result;
//   - an EXCEEDED budget stops further dispatch and flags BudgetTruncated;
//   - a cancelled ctx reaches in-flight agents and flags Cancelled.
//
// In-flight agents are allowed to finish. Results follow registration order.
func (r *Registry) RunAndSynthesize(ctx context.Context, p *contracts.Proposal, guard BudgetGuard, timeout time.Duration) *contracts.SynthesisResult {
	if p == nil {
		return Synthesize(nil)
	}
	agents := r.snapshot()
	pool := r.poolSize
	if pool <= 0 || pool > len(agents) {
		pool = len(agents)
	}

	results := make([]*contracts.AgentResult, len(agents))
	sem := make(chan struct{}, max(pool, 1))
	var wg sync.WaitGroup
	var truncated, cancelled bool
	var skipped []contracts.AgentRole

dispatch:
	for i, a := range agents {
		if ctx.Err() != nil {
			cancelled = true
			skipped = appendRoles(skipped, agents[i:])
			break
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				cancelled = true
				skipped = appendRoles(skipped, agents[i:])
				break
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			cancelled = true
			skipped = appendRoles(skipped, agents[i:])
			break dispatch
		}
		if guard != nil {
			st, err := guard.Status(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "budget status unavailable, treating as exceeded", "error", err)
			}
			if err != nil || st.Exceeded() {
				<-sem
				truncated = true
				skipped = appendRoles(skipped, agents[i:])
				r.logger.WarnContext(ctx, "budget exceeded, dispatch stopped",
					"proposal_id", p.ID, "dispatched", i, "skipped", len(agents)-i)
				break
			}
		}

		wg.Add(1)
		go func(idx int, a Agent) {
			defer wg.Done()
			defer func() { <-sem }()

			res := r.invoke(ctx, a, p, timeout)
			results[idx] = res
			if guard != nil {
				// Usage is charged even when the caller cancelled: the work happened.
				if _, err := guard.RecordUsage(context.WithoutCancel(ctx), a.ID(), r.cost(res)); err != nil {
					r.logger.WarnContext(ctx, "usage not recorded", "agent", a.ID(), "error", err)
				}
			}
		}(i, a)
	}
	wg.Wait()

	if ctx.Err() != nil {
		cancelled = true
	}

	completed := make([]*contracts.AgentResult, 0, len(agents))
	for _, res := range results {
		if res != nil {
			completed = append(completed, res)
		}
	}

	syn := Synthesize(completed)
	syn.BudgetTruncated = truncated
	syn.Cancelled = cancelled
	syn.Skipped = skipped

	attrs := []any{
		"proposal_id", p.ID,
		"agents", len(completed),
		"confidence", syn.Confidence,
		"budget_truncated", truncated,
		"cancelled", cancelled,
	}
	if syn.NoUsableSignal() {
		r.logger.WarnContext(ctx, "synthesis produced no usable signal", attrs...)
	} else {
		r.logger.InfoContext(ctx, "synthesis complete", attrs...)
	}
	return syn
}

// invoke runs one agent under the failure shield and timeout. The agent
// goroutine may outlive invoke if it ignores ctx; its result is then dropped.
func (r *Registry) invoke(ctx context.Context, a Agent, p *contracts.Proposal, timeout time.Duration) *contracts.AgentResult {
	start := time.Now()
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan *contracts.AgentResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- contracts.FailedResult(a.ID(), a.Role(), fmt.Sprintf("agent panicked: %v", rec))
			}
		}()
		res, err := a.Analyze(actx, p.Clone())
		switch {
		case err != nil:
			done <- contracts.FailedResult(a.ID(), a.Role(), fmt.Sprintf("agent failed: %v", err))
		case res == nil:
			done <- contracts.FailedResult(a.ID(), a.Role(), "agent returned no result")
		default:
			done <- normalize(res, a)
		}
	}()

	var res *contracts.AgentResult
	select {
	case res = <-done:
	case <-actx.Done():
		reason := "agent timed out"
		if ctx.Err() != nil {
			reason = "agent cancelled"
		}
		res = contracts.FailedResult(a.ID(), a.Role(), fmt.Sprintf("%s after %s", reason, time.Since(start).Round(time.Millisecond)))
	}
	res.DurationMs = time.Since(start).Milliseconds()
	if res.Failed {
		r.logger.WarnContext(ctx, "agent failed", "agent", a.ID(), "role", a.Role(), "reason", res.Analysis)
	}
	return res
}

// normalize stamps identity and clamps confidence into [0, 1].
func normalize(res *contracts.AgentResult, a Agent) *contracts.AgentResult {
	out := *res
	out.AgentID = a.ID()
	out.Role = a.Role()
	switch {
	case out.Confidence < 0 || out.Confidence != out.Confidence:
		out.Confidence = 0
	case out.Confidence > 1:
		out.Confidence = 1
	}
	out.Concerns = append([]string(nil), res.Concerns...)
	out.Recommendations = append([]string(nil), res.Recommendations...)
	return &out
}

func appendRoles(dst []contracts.AgentRole, agents []Agent) []contracts.AgentRole {
	for _, a := range agents {
		dst = append(dst, a.Role())
	}
	return dst
}
