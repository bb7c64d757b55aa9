package cycle_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/icgl/pkg/agents"
	"github.com/Mindburn-Labs/icgl/pkg/artifacts"
	"github.com/Mindburn-Labs/icgl/pkg/budget"
	"github.com/Mindburn-Labs/icgl/pkg/contracts"
	"github.com/Mindburn-Labs/icgl/pkg/cycle"
	"github.com/Mindburn-Labs/icgl/pkg/hdal"
	"github.com/Mindburn-Labs/icgl/pkg/kb"
	"github.com/Mindburn-Labs/icgl/pkg/policy"
	"github.com/Mindburn-Labs/icgl/pkg/sentinel"
)

// flakyKB fails CommitTransition on demand.
type flakyKB struct {
	kb.KnowledgeBase
	failCommit atomic.Bool
}

func (f *flakyKB) CommitTransition(ctx context.Context, t kb.Transition) error {
	if f.failCommit.Load() {
		return errors.New("disk full")
	}
	return f.KnowledgeBase.CommitTransition(ctx, t)
}

type fixture struct {
	engine    *cycle.Engine
	kb        kb.KnowledgeBase
	authority *hdal.Authority
	registry  *agents.Registry
	guard     *budget.Guard
}

func newFixture(t *testing.T, store kb.KnowledgeBase, opts ...cycle.Option) *fixture {
	t.Helper()
	if store == nil {
		store = kb.NewMemoryStore()
	}
	enforcer, err := policy.NewEnforcer()
	require.NoError(t, err)

	registry := agents.NewRegistry()
	builtins, err := agents.Builtins()
	require.NoError(t, err)
	for _, a := range builtins {
		require.NoError(t, registry.Register(a))
	}

	signer, err := hdal.NewSigner([]byte("cycle-test-secret-0123456789"))
	require.NoError(t, err)
	authority := hdal.NewAuthority(signer)
	guard := budget.NewGuard(1000, nil)

	e, err := cycle.New(cycle.Components{
		KB:        store,
		Enforcer:  enforcer,
		Policies:  policy.DefaultPolicySet(),
		Sentinel:  sentinel.New(nil),
		Agents:    registry,
		Budget:    guard,
		Authority: authority,
	}, append([]cycle.Option{cycle.WithAgentTimeout(2 * time.Second)}, opts...)...)
	require.NoError(t, err)
	return &fixture{engine: e, kb: store, authority: authority, registry: registry, guard: guard}
}

func adr() cycle.Submission {
	return cycle.Submission{
		Title:        "Adopt Postgres for the ledger",
		Context:      "The ledger needs durable, transactional storage with point-in-time recovery.",
		Decision:     "Use managed Postgres 16 with streaming replicas.",
		Consequences: []string{"ops must run backups"},
		PolicyCodes:  []string{"P-DATA-01"},
	}
}

func TestNew_MissingComponents(t *testing.T) {
	_, err := cycle.New(cycle.Components{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "knowledge base")
	assert.Contains(t, err.Error(), "decision authority")
}

func TestStartCycle_ReachesReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	h, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.NoError(t, err)

	assert.Equal(t, contracts.StatusUnderReview, h.Proposal.Status)
	assert.Equal(t, "alice", h.Proposal.RequestedBy)
	assert.Empty(t, h.Proposal.DecisionID)
	require.NotNil(t, h.Synthesis)
	assert.Len(t, h.Synthesis.Results, f.registry.Len())
	require.NotNil(t, h.Entry)
	assert.Equal(t, contracts.StatusDraft, h.Entry.FromStatus)
	assert.Equal(t, contracts.StatusUnderReview, h.Entry.ToStatus)
	assert.Equal(t, uint64(1), h.Entry.Sequence)

	stored, err := f.kb.GetProposal(ctx, h.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusUnderReview, stored.Status)

	st, err := f.guard.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(f.registry.Len()), st.Used)
}

func TestStartCycle_BypassHumanRaisesAuthorityAlert(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	h, err := f.engine.StartCycle(ctx, cycle.Submission{Title: "Bypass Human", Decision: "skip signature"}, "mallory")
	require.NoError(t, err, "drift is advisory, not a policy failure")
	assert.Equal(t, contracts.StatusUnderReview, h.Proposal.Status)

	var bypass int
	for _, a := range h.Alerts {
		if a.Category == contracts.CategoryAuthorityBypass {
			bypass++
		}
	}
	assert.GreaterOrEqual(t, bypass, 1)

	stored, err := f.kb.GetProposal(ctx, h.Proposal.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Alerts, len(h.Alerts))
	assert.Equal(t, len(h.Alerts), h.Entry.Alerts)
}

func TestStartCycle_PolicyFailureStaysDraft(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub := adr()
	sub.Decision = "Amend P-GOV-01 so that reviews are optional."
	h, err := f.engine.StartCycle(ctx, sub, "alice")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeImmutabilityViolation, contracts.CodeOf(err))
	assert.ErrorIs(t, err, contracts.ErrPolicyViolation)

	require.NotNil(t, h)
	assert.Equal(t, contracts.StatusDraft, h.Proposal.Status)
	require.NotEmpty(t, h.Violations)
	assert.Equal(t, "P-GOV-01", h.Violations[0].PolicyCode)
	assert.Nil(t, h.Synthesis, "no agent runs after a policy failure")

	logs, err := f.engine.GetLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, contracts.StatusDraft, logs[0].FromStatus)
	assert.Equal(t, contracts.StatusDraft, logs[0].ToStatus)
	assert.Contains(t, logs[0].Violation, "IMMUTABILITY_VIOLATION")

	st, err := f.guard.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Used)
}

func TestStartCycle_UnknownPolicyCode(t *testing.T) {
	f := newFixture(t, nil)
	sub := adr()
	sub.PolicyCodes = []string{"P-NOPE-99"}

	h, err := f.engine.StartCycle(context.Background(), sub, "alice")
	require.Error(t, err)
	assert.Equal(t, contracts.CodePolicyViolation, contracts.CodeOf(err))
	assert.Equal(t, contracts.StatusDraft, h.Proposal.Status)
}

func TestFullCycle_LargeContextRoundTrips(t *testing.T) {
	store, err := kb.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f := newFixture(t, store)
	ctx := context.Background()

	sub := adr()
	sub.Context = strings.Repeat("Ωx", 25_000)
	h, err := f.engine.StartCycle(ctx, sub, "alice")
	require.NoError(t, err)

	h, err = f.engine.Decide(ctx, h.Proposal.ID, "bob", contracts.DecisionApprove, "Durability wins")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAccepted, h.Proposal.Status)

	stored, err := store.GetProposal(ctx, h.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, utf8.RuneCountInString(sub.Context), utf8.RuneCountInString(stored.Context))
	assert.Equal(t, sub.Context, stored.Context)
	assert.Equal(t, h.Decision.ID, stored.DecisionID)
	require.NoError(t, f.engine.VerifyLog(ctx))
}

func TestDecide_Outcomes(t *testing.T) {
	tests := []struct {
		action    contracts.DecisionAction
		want      contracts.ProposalStatus
		wantBound bool
	}{
		{contracts.DecisionApprove, contracts.StatusAccepted, true},
		{contracts.DecisionReject, contracts.StatusRejected, true},
		{contracts.DecisionConditional, contracts.StatusConditional, true},
		{contracts.DecisionRequestChanges, contracts.StatusDraft, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			start, err := f.engine.StartCycle(ctx, adr(), "alice")
			require.NoError(t, err)

			h, err := f.engine.Decide(ctx, start.Proposal.ID, "bob", tt.action, "reasoned verdict")
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Proposal.Status)
			require.NotNil(t, h.Decision)
			assert.Equal(t, h.Decision.ID, h.Entry.DecisionID)

			stored, err := f.kb.GetProposal(ctx, start.Proposal.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBound, stored.DecisionID != "")

			_, bound := f.authority.Bound(start.Proposal.ID)
			assert.Equal(t, tt.wantBound, bound)

			// The decision is kept in history either way.
			d, err := f.engine.VerifyDecision(ctx, h.Decision.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.action, d.Action)
		})
	}
}

func TestDecide_DuplicateKeepsFirstBinding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	start, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.NoError(t, err)

	first, err := f.engine.Decide(ctx, start.Proposal.ID, "bob", contracts.DecisionApprove, "ship it")
	require.NoError(t, err)

	_, err = f.engine.Decide(ctx, start.Proposal.ID, "carol", contracts.DecisionReject, "changed my mind")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeDuplicateDecision, contracts.CodeOf(err))
	assert.ErrorIs(t, err, contracts.ErrSignature)

	stored, err := f.kb.GetProposal(ctx, start.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAccepted, stored.Status)
	assert.Equal(t, first.Decision.ID, stored.DecisionID)
}

func TestDecide_PreconditionFailuresLeaveProposalDecidable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	start, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.NoError(t, err)
	id := start.Proposal.ID

	_, err = f.engine.Decide(ctx, id, "bob", "MAYBE", "hmm")
	assert.Equal(t, contracts.CodeInvalidAction, contracts.CodeOf(err))

	_, err = f.engine.Decide(ctx, id, "bob", contracts.DecisionApprove, "  ")
	assert.Equal(t, contracts.CodeMissingRationale, contracts.CodeOf(err))

	_, err = f.engine.Decide(ctx, id, "", contracts.DecisionApprove, "ok")
	assert.Equal(t, contracts.CodeSignatureError, contracts.CodeOf(err))

	h, err := f.engine.Decide(ctx, id, "bob", contracts.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAccepted, h.Proposal.Status)
}

func TestDecide_OnlyUnderReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sub := adr()
	sub.PolicyCodes = []string{"P-NOPE-99"}
	h, err := f.engine.StartCycle(ctx, sub, "alice")
	require.Error(t, err)

	_, err = f.engine.Decide(ctx, h.Proposal.ID, "bob", contracts.DecisionApprove, "ok")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidTransition, contracts.CodeOf(err))

	_, err = f.engine.Decide(ctx, "missing", "bob", contracts.DecisionApprove, "ok")
	assert.Equal(t, contracts.CodeNotFound, contracts.CodeOf(err))
}

func TestConditional_ResolveThenApprove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	start, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.NoError(t, err)
	id := start.Proposal.ID

	cond, err := f.engine.Decide(ctx, id, "bob", contracts.DecisionConditional, "needs a DR drill")
	require.NoError(t, err)

	// A conditional proposal cannot be decided again until resolved.
	_, err = f.engine.Decide(ctx, id, "bob", contracts.DecisionApprove, "too early")
	assert.Equal(t, contracts.CodeDuplicateDecision, contracts.CodeOf(err))

	_, err = f.engine.ResolveConditions(ctx, id, "")
	assert.Equal(t, contracts.CodeMissingRationale, contracts.CodeOf(err))

	res, err := f.engine.ResolveConditions(ctx, id, "DR drill passed on 2026-10-01")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusUnderReview, res.Proposal.Status)
	assert.Empty(t, res.Proposal.DecisionID)
	assert.Equal(t, cond.Decision.ID, res.Entry.DecisionID)
	require.NotNil(t, res.Synthesis)

	final, err := f.engine.Decide(ctx, id, "bob", contracts.DecisionApprove, "conditions met")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAccepted, final.Proposal.Status)

	_, err = f.kb.GetHumanDecision(ctx, cond.Decision.ID)
	require.NoError(t, err, "conditional decision stays in history")

	_, err = f.engine.ResolveConditions(ctx, id, "again")
	assert.Equal(t, contracts.CodeInvalidTransition, contracts.CodeOf(err))
}

func TestRequestChanges_Rerun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	start, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.NoError(t, err)
	id := start.Proposal.ID

	_, err = f.engine.Rerun(ctx, id)
	assert.Equal(t, contracts.CodeInvalidTransition, contracts.CodeOf(err))

	_, err = f.engine.Decide(ctx, id, "bob", contracts.DecisionRequestChanges, "add a rollback plan")
	require.NoError(t, err)

	again, err := f.engine.Rerun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusUnderReview, again.Proposal.Status)

	h, err := f.engine.Decide(ctx, id, "bob", contracts.DecisionReject, "still no rollback plan")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, h.Proposal.Status)
}

func TestGetNewLogsSince_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.StartCycle(ctx, adr(), "alice")
		require.NoError(t, err)
	}

	entries, cur, err := f.engine.GetNewLogsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, cycle.Cursor(3), cur)

	again, cur2, err := f.engine.GetNewLogsSince(ctx, cur)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, cur, cur2)

	_, err = f.engine.StartCycle(ctx, adr(), "alice")
	require.NoError(t, err)
	fresh, cur3, err := f.engine.GetNewLogsSince(ctx, cur2)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, cycle.Cursor(4), cur3)
}

func TestPersistenceFailure_IsFatal(t *testing.T) {
	store := &flakyKB{KnowledgeBase: kb.NewMemoryStore()}
	f := newFixture(t, store)
	ctx := context.Background()

	store.failCommit.Store(true)
	h, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.Error(t, err)
	assert.Equal(t, contracts.CodePersistenceFailure, contracts.CodeOf(err))
	assert.ErrorIs(t, err, contracts.ErrPersistence)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, h)
	assert.Equal(t, contracts.StatusDraft, h.Proposal.Status)

	stored, err := store.GetProposal(ctx, h.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDraft, stored.Status, "last committed state")

	logs, err := f.engine.GetLogs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)

	store.failCommit.Store(false)
	review, err := f.engine.Rerun(ctx, h.Proposal.ID)
	require.NoError(t, err)

	store.failCommit.Store(true)
	_, err = f.engine.Decide(ctx, review.Proposal.ID, "bob", contracts.DecisionApprove, "ok")
	assert.Equal(t, contracts.CodePersistenceFailure, contracts.CodeOf(err))
	_, bound := f.authority.Bound(review.Proposal.ID)
	assert.False(t, bound, "an unpersisted decision must not stay bound")

	store.failCommit.Store(false)
	done, err := f.engine.Decide(ctx, review.Proposal.ID, "bob", contracts.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAccepted, done.Proposal.Status)
}

func TestTerminalIffDecisionBound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	actions := []contracts.DecisionAction{
		contracts.DecisionApprove, contracts.DecisionReject,
		contracts.DecisionConditional, contracts.DecisionRequestChanges, "",
	}
	var ids []string
	for _, a := range actions {
		h, err := f.engine.StartCycle(ctx, adr(), "alice")
		require.NoError(t, err)
		ids = append(ids, h.Proposal.ID)
		if a != "" {
			_, err = f.engine.Decide(ctx, h.Proposal.ID, "bob", a, "because")
			require.NoError(t, err)
		}
	}

	for _, id := range ids {
		p, err := f.kb.GetProposal(ctx, id)
		require.NoError(t, err)
		decided := p.Status.IsTerminal() || p.Status == contracts.StatusConditional
		assert.Equal(t, decided, p.DecisionID != "", "proposal %s in %s", id, p.Status)
		if p.DecisionID != "" {
			d, err := f.kb.GetHumanDecision(ctx, p.DecisionID)
			require.NoError(t, err)
			assert.Equal(t, id, d.ProposalID)
		}
	}

	logs, err := f.engine.GetLogs(ctx)
	require.NoError(t, err)
	for _, e := range logs {
		if e.ToStatus.IsTerminal() {
			assert.NotEmpty(t, e.DecisionID, "entry %d reached %s without a decision", e.Sequence, e.ToStatus)
		}
	}
}

func TestArchive_SynthesisSurvivesRestart(t *testing.T) {
	store := kb.NewMemoryStore()
	archive := artifacts.NewArchive(artifacts.NewMemoryStore())
	f := newFixture(t, store, cycle.WithArchive(archive))
	ctx := context.Background()

	h, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.NoError(t, err)
	require.NotEmpty(t, h.Entry.ReportHash)

	var report cycle.Report
	require.NoError(t, archive.Load(ctx, h.Entry.ReportHash, &report))
	assert.Equal(t, h.Proposal.ID, report.ProposalID)
	assert.Equal(t, "1.0.0", report.PolicyVersion)

	restarted := newFixture(t, store, cycle.WithArchive(archive))
	d, err := restarted.engine.Decide(ctx, h.Proposal.ID, "bob", contracts.DecisionApprove, "ok")
	require.NoError(t, err)
	require.NotNil(t, d.Synthesis)
	assert.Equal(t, h.Synthesis.Confidence, d.Synthesis.Confidence)
}

func TestStartCycle_CancelledDuringSynthesis(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	require.NoError(t, f.registry.Register(&agents.FuncAgent{
		AgentID:   "slow",
		AgentRole: "SLOW",
		Fn: func(ctx context.Context, _ *contracts.Proposal) (*contracts.AgentResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	h, err := f.engine.StartCycle(ctx, adr(), "alice")
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, contracts.ErrCancelled)
	assert.Equal(t, contracts.CodeCancelled, contracts.CodeOf(err))
	require.NotNil(t, h.Synthesis)
	assert.True(t, h.Synthesis.Cancelled)

	stored, err := f.kb.GetProposal(context.Background(), h.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDraft, stored.Status)
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]contracts.ProposalStatus{
		{contracts.StatusDraft, contracts.StatusUnderReview},
		{contracts.StatusDraft, contracts.StatusDraft},
		{contracts.StatusUnderReview, contracts.StatusAccepted},
		{contracts.StatusUnderReview, contracts.StatusRejected},
		{contracts.StatusUnderReview, contracts.StatusConditional},
		{contracts.StatusUnderReview, contracts.StatusDraft},
		{contracts.StatusConditional, contracts.StatusUnderReview},
	}
	for _, tr := range allowed {
		assert.True(t, cycle.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]contracts.ProposalStatus{
		{contracts.StatusDraft, contracts.StatusAccepted},
		{contracts.StatusConditional, contracts.StatusAccepted},
		{contracts.StatusAccepted, contracts.StatusUnderReview},
		{contracts.StatusRejected, contracts.StatusDraft},
	}
	for _, tr := range denied {
		assert.False(t, cycle.CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}
