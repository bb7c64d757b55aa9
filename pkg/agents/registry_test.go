package agents_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/icgl/pkg/agents"
	"github.com/Mindburn-Labs/icgl/pkg/budget"
	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

func testProposal() *contracts.Proposal {
	return &contracts.Proposal{ID: "prop-1", Title: "Adopt Postgres", Decision: "Use Postgres.", Status: contracts.StatusUnderReview}
}

func okAgent(id string, role contracts.AgentRole, conf float64, recs ...string) agents.Agent {
	return &agents.FuncAgent{AgentID: id, AgentRole: role, Fn: func(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
		return &contracts.AgentResult{Analysis: "ok", Confidence: conf, Recommendations: recs}, nil
	}}
}

func newRegistry(t *testing.T, opts []agents.Option, as ...agents.Agent) *agents.Registry {
	t.Helper()
	r := agents.NewRegistry(opts...)
	for _, a := range as {
		require.NoError(t, r.Register(a))
	}
	return r
}

func TestRegister_DuplicateRole(t *testing.T) {
	r := agents.NewRegistry()
	require.NoError(t, r.Register(okAgent("a", contracts.RoleArchitect, 0.5)))
	err := r.Register(okAgent("b", contracts.RoleArchitect, 0.5))
	require.ErrorIs(t, err, agents.ErrDuplicateRole)
	assert.Equal(t, 1, r.Len())
}

func TestRun_OneFailingAgentOfN(t *testing.T) {
	failing := &agents.FuncAgent{AgentID: "bad", AgentRole: contracts.RoleFailure, Fn: func(context.Context, *contracts.Proposal) (*contracts.AgentResult, error) {
		return nil, errors.New("model unavailable")
	}}
	r := newRegistry(t, nil,
		okAgent("a", contracts.RoleArchitect, 0.8),
		okAgent("s", contracts.RoleSecurity, 0.6),
		failing,
		okAgent("p", contracts.RolePolicy, 0.7),
	)

	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, time.Second)
	require.Len(t, syn.Results, 4)

	zero := 0
	for _, res := range syn.Results {
		if res.Confidence == 0 {
			zero++
			assert.True(t, res.Failed)
			assert.Contains(t, res.Analysis, "model unavailable")
		}
	}
	assert.Equal(t, 1, zero)
	assert.InDelta(t, 0.7, syn.Confidence, 1e-9)
	assert.False(t, syn.Partial())
}

func TestRun_ResultsInRegistrationOrder(t *testing.T) {
	slow := &agents.FuncAgent{AgentID: "slow", AgentRole: "SLOW", Fn: func(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
		time.Sleep(30 * time.Millisecond)
		return &contracts.AgentResult{Confidence: 0.5}, nil
	}}
	r := newRegistry(t, nil, slow, okAgent("fast", "FAST", 0.5))
	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, time.Second)
	require.Len(t, syn.Results, 2)
	assert.Equal(t, "slow", syn.Results[0].AgentID)
	assert.Equal(t, "fast", syn.Results[1].AgentID)
}

func TestRun_PanicIsShielded(t *testing.T) {
	boom := &agents.FuncAgent{AgentID: "boom", AgentRole: "BOOM", Fn: func(context.Context, *contracts.Proposal) (*contracts.AgentResult, error) {
		panic("nil map write")
	}}
	r := newRegistry(t, nil, boom, okAgent("a", contracts.RoleArchitect, 0.9))

	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, time.Second)
	require.Len(t, syn.Results, 2)
	assert.True(t, syn.Results[0].Failed)
	assert.Contains(t, syn.Results[0].Analysis, "panicked")
	assert.InDelta(t, 0.9, syn.Confidence, 1e-9)
}

func TestRun_TimeoutIsFailure(t *testing.T) {
	hang := &agents.FuncAgent{AgentID: "hang", AgentRole: "HANG", Fn: func(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := newRegistry(t, nil, hang, okAgent("a", contracts.RoleArchitect, 0.4))

	start := time.Now()
	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, 50*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, syn.Results, 2)
	assert.True(t, syn.Results[0].Failed)
	assert.Equal(t, 0.0, syn.Results[0].Confidence)
	assert.False(t, syn.Cancelled)
}

func TestRun_IgnoringContextStillTimesOut(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stubborn := &agents.FuncAgent{AgentID: "stubborn", AgentRole: "STUBBORN", Fn: func(context.Context, *contracts.Proposal) (*contracts.AgentResult, error) {
		<-block
		return &contracts.AgentResult{Confidence: 1}, nil
	}}
	r := newRegistry(t, nil, stubborn)
	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, 20*time.Millisecond)
	require.Len(t, syn.Results, 1)
	assert.Contains(t, syn.Results[0].Analysis, "timed out")
	assert.True(t, syn.NoUsableSignal())
}

func TestRun_AllFailYieldsNoUsableSignal(t *testing.T) {
	fail := func(id string, role contracts.AgentRole) agents.Agent {
		return &agents.FuncAgent{AgentID: id, AgentRole: role, Fn: func(context.Context, *contracts.Proposal) (*contracts.AgentResult, error) {
			return nil, errors.New("down")
		}}
	}
	r := newRegistry(t, nil, fail("a", "A"), fail("b", "B"))
	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, time.Second)
	assert.Len(t, syn.Results, 2)
	assert.Equal(t, 0.0, syn.Confidence)
	assert.True(t, syn.NoUsableSignal())
}

func TestRun_BudgetExceededBeforeDispatch(t *testing.T) {
	guard := budget.NewGuard(1, nil)
	_, err := guard.RecordUsage(context.Background(), "earlier", 1)
	require.NoError(t, err)

	r := newRegistry(t, nil, okAgent("a", "A", 0.5), okAgent("b", "B", 0.5))
	syn := r.RunAndSynthesize(context.Background(), testProposal(), guard, time.Second)
	assert.Empty(t, syn.Results)
	assert.True(t, syn.BudgetTruncated)
	assert.Equal(t, []contracts.AgentRole{"A", "B"}, syn.Skipped)
}

// unavailableGuard reports a zero status together with an error.
type unavailableGuard struct{}

func (unavailableGuard) Status(context.Context) (contracts.BudgetStatus, error) {
	return contracts.BudgetStatus{}, errors.New("counter unreachable")
}

func (unavailableGuard) RecordUsage(context.Context, string, int64) (contracts.BudgetStatus, error) {
	return contracts.BudgetStatus{}, errors.New("counter unreachable")
}

func TestRun_BudgetStatusErrorStopsDispatch(t *testing.T) {
	r := newRegistry(t, nil, okAgent("a", "A", 0.5), okAgent("b", "B", 0.5))
	syn := r.RunAndSynthesize(context.Background(), testProposal(), unavailableGuard{}, time.Second)
	assert.Empty(t, syn.Results)
	assert.True(t, syn.BudgetTruncated)
	assert.Equal(t, []contracts.AgentRole{"A", "B"}, syn.Skipped)
}

func TestRun_BudgetExceededMidDispatch(t *testing.T) {
	guard := budget.NewGuard(2, nil)
	r := newRegistry(t, []agents.Option{agents.WithPoolSize(1)},
		okAgent("a", "A", 0.5), okAgent("b", "B", 0.5), okAgent("c", "C", 0.5))

	syn := r.RunAndSynthesize(context.Background(), testProposal(), guard, time.Second)
	require.Len(t, syn.Results, 2)
	assert.True(t, syn.BudgetTruncated)
	assert.Equal(t, []contracts.AgentRole{"C"}, syn.Skipped)

	st, err := guard.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.BudgetExceeded, st.State)
}

func TestRun_UsageRecordedOncePerInvocation(t *testing.T) {
	guard := budget.NewGuard(1000, nil)
	r := newRegistry(t, []agents.Option{agents.WithCostFunc(func(*contracts.AgentResult) int64 { return 10 })},
		okAgent("a", "A", 0.5), okAgent("b", "B", 0.5), okAgent("c", "C", 0.5))

	r.RunAndSynthesize(context.Background(), testProposal(), guard, time.Second)
	st, err := guard.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), st.Used)
	for _, u := range guard.Usage() {
		assert.Equal(t, int64(1), u.Invocations)
	}
}

func TestRun_CancellationPropagates(t *testing.T) {
	var sawCancel atomic.Bool
	started := make(chan struct{})
	waiter := &agents.FuncAgent{AgentID: "w", AgentRole: "W", Fn: func(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return nil, ctx.Err()
	}}
	r := newRegistry(t, nil, waiter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	syn := r.RunAndSynthesize(ctx, testProposal(), nil, 10*time.Second)
	assert.True(t, syn.Cancelled)
	assert.True(t, syn.Partial())
	require.Len(t, syn.Results, 1)
	assert.True(t, syn.Results[0].Failed)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
}

func TestRun_PreCancelledSkipsAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRegistry(t, nil, okAgent("a", "A", 0.5))
	syn := r.RunAndSynthesize(ctx, testProposal(), nil, time.Second)
	assert.True(t, syn.Cancelled)
	assert.Empty(t, syn.Results)
	assert.Equal(t, []contracts.AgentRole{"A"}, syn.Skipped)
}

func TestRun_PoolSizeBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	mk := func(role contracts.AgentRole) agents.Agent {
		return &agents.FuncAgent{AgentID: string(role), AgentRole: role, Fn: func(context.Context, *contracts.Proposal) (*contracts.AgentResult, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return &contracts.AgentResult{Confidence: 0.5}, nil
		}}
	}
	r := newRegistry(t, []agents.Option{agents.WithPoolSize(2)}, mk("A"), mk("B"), mk("C"), mk("D"), mk("E"))
	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, time.Second)
	assert.Len(t, syn.Results, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_ConfidenceClampedAndIdentityStamped(t *testing.T) {
	liar := &agents.FuncAgent{AgentID: "liar", AgentRole: "LIAR", Fn: func(context.Context, *contracts.Proposal) (*contracts.AgentResult, error) {
		return &contracts.AgentResult{AgentID: "someone-else", Confidence: 7}, nil
	}}
	r := newRegistry(t, nil, liar)
	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, time.Second)
	require.Len(t, syn.Results, 1)
	assert.Equal(t, "liar", syn.Results[0].AgentID)
	assert.Equal(t, 1.0, syn.Results[0].Confidence)
}

func TestRun_AgentCannotMutateProposal(t *testing.T) {
	mut := &agents.FuncAgent{AgentID: "m", AgentRole: "M", Fn: func(_ context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
		p.Title = "hijacked"
		p.PolicyCodes = append(p.PolicyCodes, "P-X-01")
		return &contracts.AgentResult{Confidence: 0.5}, nil
	}}
	p := testProposal()
	newRegistry(t, nil, mut).RunAndSynthesize(context.Background(), p, nil, time.Second)
	assert.Equal(t, "Adopt Postgres", p.Title)
	assert.Empty(t, p.PolicyCodes)
}

func TestRun_DispatchRatePacing(t *testing.T) {
	r := newRegistry(t, []agents.Option{agents.WithDispatchRate(1000, 1)},
		okAgent("a", "A", 0.5), okAgent("b", "B", 0.5))
	syn := r.RunAndSynthesize(context.Background(), testProposal(), nil, time.Second)
	assert.Len(t, syn.Results, 2)
}
