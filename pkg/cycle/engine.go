// Package cycle is the Governance Cycle Engine: the state machine that runs a
// proposal through the policy enforcer, the drift sentinel and the agent
// registry, then applies the signed human decision.
//
// Phases within one cycle never overlap or reorder:
//
//	policy check -> sentinel scan -> agent synthesis -> (later) human decision
//
// Every state change is written to the knowledge base together with its
// learning-log entry in one CommitTransition call. A failed write is fatal
// to the operation and leaves the proposal at its last committed state.
package cycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/icgl/pkg/agents"
	"github.com/Mindburn-Labs/icgl/pkg/artifacts"
	"github.com/Mindburn-Labs/icgl/pkg/contracts"
	"github.com/Mindburn-Labs/icgl/pkg/hdal"
	"github.com/Mindburn-Labs/icgl/pkg/kb"
	"github.com/Mindburn-Labs/icgl/pkg/observability"
	"github.com/Mindburn-Labs/icgl/pkg/policy"
	"github.com/Mindburn-Labs/icgl/pkg/sentinel"
)

// DefaultAgentTimeout bounds each agent invocation when none is configured.
const DefaultAgentTimeout = 30 * time.Second

// Components are the collaborators the engine is constructed with. All are
// required except Budget, which disables capping when nil.
type Components struct {
	KB        kb.KnowledgeBase
	Enforcer  *policy.Enforcer
	Policies  *policy.PolicySet
	Sentinel  *sentinel.Sentinel
	Agents    *agents.Registry
	Budget    agents.BudgetGuard
	Authority *hdal.Authority
}

// Submission is the caller-supplied content of a new proposal.
type Submission struct {
	Title        string   `json:"title"`
	Context      string   `json:"context"`
	Decision     string   `json:"decision"`
	Consequences []string `json:"consequences,omitempty"`
	PolicyCodes  []string `json:"policy_codes,omitempty"`
}

// Handle is the outcome of one engine operation. Proposal is always the last
// committed state.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Handle struct {
	Proposal   *contracts.Proposal         `json:"proposal"`
	Violations []contracts.Violation       `json:"violations,omitempty"`
	Alerts     []contracts.SentinelAlert   `json:"alerts,omitempty"`
	Synthesis  *contracts.SynthesisResult  `json:"synthesis,omitempty"`
	Decision   *contracts.HumanDecision    `json:"decision,omitempty"`
	Entry      *contracts.LearningLogEntry `json:"entry,omitempty"`
}

// Cursor is a position in the learning log: the last sequence seen.
type Cursor uint64

// Option configures an Engine.
type Option func(*Engine)

// WithAgentTimeout sets the per-agent timeout.
func WithAgentTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithArchive stores a report of every review pass and records its digest.
func WithArchive(a *artifacts.Archive) Option {
	return func(e *Engine) {
		e.archive = a
	}
}

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) {
		if p != nil {
			e.obs = p
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine sequences governance cycles. Cycles for different proposals may run
// concurrently; callers serialize operations on the same proposal.
type Engine struct {
	kb        kb.KnowledgeBase
	enforcer  *policy.Enforcer
	policies  *policy.PolicySet
	sentinel  *sentinel.Sentinel
	agents    *agents.Registry
	budget    agents.BudgetGuard
	authority *hdal.Authority

	archive *artifacts.Archive
	obs     *observability.Provider
	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	syntheses map[string]*contracts.SynthesisResult
}

// New validates the components and builds an engine.
func New(c Components, opts ...Option) (*Engine, error) {
	var missing []string
	if c.KB == nil {
		missing = append(missing, "knowledge base")
	}
	if c.Enforcer == nil {
		missing = append(missing, "policy enforcer")
	}
	if c.Policies == nil {
		missing = append(missing, "policy set")
	}
	if c.Sentinel == nil {
		missing = append(missing, "sentinel")
	}
	if c.Agents == nil {
		missing = append(missing, "agent registry")
	}
	if c.Authority == nil {
		missing = append(missing, "decision authority")
	}
	if len(missing) > 0 {
		return nil, errors.New("cycle: missing " + strings.Join(missing, ", "))
	}

	e := &Engine{
		kb:        c.KB,
		enforcer:  c.Enforcer,
		policies:  c.Policies,
		sentinel:  c.Sentinel,
		agents:    c.Agents,
		budget:    c.Budget,
		authority: c.Authority,
		obs:       observability.NewNoop(),
		timeout:   DefaultAgentTimeout,
		clock:     time.Now,
		logger:    slog.Default().With("component", "cycle"),
		syntheses: make(map[string]*contracts.SynthesisResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// now is microsecond-truncated UTC so timestamps survive every store.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

// StartCycle creates a DRAFT proposal and runs it to the human decision point.
//
// On a policy failure the proposal stays DRAFT, the violation is logged, and
// the structured error is returned together with the handle. On a
// persistence failure the error is fatal and carries PERSISTENCE_FAILURE.
func (e *Engine) StartCycle(ctx context.Context, sub Submission, humanID string) (h *Handle, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "cycle.start")
	defer func() { done(err) }()

	now := e.now()
	p := &contracts.Proposal{
		ID:           uuid.NewString(),
		Title:        sub.Title,
		Context:      sub.Context,
		Decision:     sub.Decision,
		Consequences: append([]string(nil), sub.Consequences...),
		PolicyCodes:  append([]string(nil), sub.PolicyCodes...),
		Status:       contracts.StatusDraft,
		RequestedBy:  strings.TrimSpace(humanID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Statistics describe prior knowledge, so they are read before the new
	// proposal is stored.
	view := e.knowledgeView(ctx)

	if err := e.kb.AddProposal(ctx, p); err != nil {
		e.logger.ErrorContext(ctx, "draft not persisted", "proposal_id", p.ID, "error", err)
		return nil, asPersistence(err, "store draft proposal")
	}
	e.obs.CycleStarted(ctx)
	e.logger.InfoContext(ctx, "cycle started", "proposal_id", p.ID, "requested_by", p.RequestedBy)

	return e.review(ctx, p, view)
}

// Rerun sends a DRAFT proposal (policy failure or requested changes) through
// the cycle again.
func (e *Engine) Rerun(ctx context.Context, proposalID string) (h *Handle, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "cycle.rerun", observability.ProposalOperation(proposalID)...)
	defer func() { done(err) }()

	p, err := e.kb.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != contracts.StatusDraft {
		return &Handle{Proposal: p}, contracts.NewError(contracts.CodeInvalidTransition,
			"proposal %s is %s; only DRAFT proposals can be re-run", p.ID, p.Status)
	}
	return e.review(ctx, p, e.knowledgeView(ctx))
}

// review runs policy check, sentinel scan and synthesis on a DRAFT proposal.
func (e *Engine) review(ctx context.Context, p *contracts.Proposal, view sentinel.KnowledgeView) (*Handle, error) {
	h := &Handle{Proposal: p.Clone()}

	// Phase 1: hard constraints, before any resource-consuming work.
	pctx, pdone := e.obs.TrackOperation(ctx, "cycle.policy_check", observability.ProposalOperation(p.ID)...)
	violations, perr := e.enforcer.Check(pctx, p, e.policies)
	pdone(perr)
	if perr != nil {
		h.Violations = violations
		next := p.Clone()
		next.UpdatedAt = e.now()
		entry := e.newEntry(next, contracts.StatusDraft, contracts.StatusDraft)
		entry.Violation = perr.Error()
		if err := e.commit(ctx, kb.Transition{Proposal: next, Entry: entry}); err != nil {
			return h, err
		}
		h.Proposal, h.Entry = next, entry
		e.logger.InfoContext(ctx, "proposal rejected before review",
			"proposal_id", p.ID, "code", contracts.CodeOf(perr), "violations", len(violations))
		return h, perr
	}

	// Phase 2: advisory drift scan.
	alerts := e.sentinel.Scan(ctx, p, view)
	h.Alerts = alerts
	for category, n := range countByCategory(alerts) {
		e.obs.Alerts(ctx, string(category), n)
	}

	// Phase 3: parallel agent review under the budget guard.
	sctx, sdone := e.obs.TrackOperation(ctx, "cycle.synthesis", observability.ProposalOperation(p.ID)...)
	syn := e.agents.RunAndSynthesize(sctx, p, e.budget, e.timeout)
	sdone(nil)
	h.Synthesis = syn
	for role, n := range failuresByRole(syn) {
		e.obs.AgentFailures(ctx, string(role), n)
	}
	if syn.Cancelled && ctx.Err() != nil {
		e.logger.WarnContext(ctx, "cycle cancelled during synthesis", "proposal_id", p.ID)
		return h, cancelled(ctx, p.ID)
	}

	next := p.Clone()
	next.Alerts = append(next.Alerts, alerts...)
	next.Status = contracts.StatusUnderReview
	next.UpdatedAt = e.now()

	entry := e.newEntry(next, contracts.StatusDraft, contracts.StatusUnderReview)
	entry.Alerts = len(alerts)
	entry.Synthesis = syn.Summary()
	entry.ReportHash = e.archiveReport(ctx, next, alerts, syn)

	if err := e.commit(ctx, kb.Transition{Proposal: next, Entry: entry}); err != nil {
		return h, err
	}
	e.remember(p.ID, syn)
	h.Proposal, h.Entry = next, entry

	if syn.NoUsableSignal() {
		e.logger.WarnContext(ctx, "proposal under review without usable agent signal", "proposal_id", p.ID)
	}
	return h, nil
}

// Decide asks the decision authority to sign a human verdict on a proposal
// under review and applies it:
//
//	APPROVE -> ACCEPTED, REJECT -> REJECTED, CONDITIONAL -> CONDITIONAL,
//	REQUEST_CHANGES -> DRAFT (the decision is kept, the binding released).
func (e *Engine) Decide(ctx context.Context, proposalID, humanID string, action contracts.DecisionAction, rationale string) (h *Handle, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "cycle.decide",
		append(observability.ProposalOperation(proposalID), observability.AttrDecision.String(string(action)))...)
	defer func() { done(err) }()

	p, err := e.kb.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	h = &Handle{Proposal: p}

	// A bound decision is reported as a duplicate by the authority, whatever the status.
	if p.DecisionID == "" && p.Status != contracts.StatusUnderReview {
		return h, contracts.NewError(contracts.CodeInvalidTransition,
			"proposal %s is %s; decisions are taken UNDER_REVIEW", p.ID, p.Status)
	}

	syn := e.synthesisFor(ctx, p.ID)
	h.Synthesis = syn
	d, err := e.authority.ReviewAndSign(ctx, p, syn, humanID, action, rationale)
	if err != nil {
		return h, err
	}

	to, _ := action.TargetStatus()
	if err := checkTransition(p.Status, to, d.ID); err != nil {
		e.authority.Release(p.ID)
		return h, err
	}

	next := p.Clone()
	next.Status = to
	next.UpdatedAt = e.now()
	if action != contracts.DecisionRequestChanges {
		next.DecisionID = d.ID
	}
	entry := e.newEntry(next, p.Status, to)
	entry.DecisionID = d.ID
	entry.Note = d.Rationale

	if err := e.commit(ctx, kb.Transition{Proposal: next, Decision: d, Entry: entry}); err != nil {
		// Nothing was written, so nothing may stay bound.
		e.authority.Release(p.ID)
		return h, err
	}
	if action == contracts.DecisionRequestChanges {
		e.authority.Release(p.ID)
		e.forget(p.ID)
	}
	if to.IsTerminal() {
		e.forget(p.ID)
	}

	h.Proposal, h.Decision, h.Entry = next, d, entry
	return h, nil
}

// ResolveConditions records that the conditions of a CONDITIONAL decision
// are met. The proposal returns to UNDER_REVIEW with a fresh synthesis; the
// conditional decision stays in history but is no longer bound.
func (e *Engine) ResolveConditions(ctx context.Context, proposalID, note string) (h *Handle, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "cycle.resolve", observability.ProposalOperation(proposalID)...)
	defer func() { done(err) }()

	p, err := e.kb.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	h = &Handle{Proposal: p}
	if p.Status != contracts.StatusConditional {
		return h, contracts.NewError(contracts.CodeInvalidTransition,
			"proposal %s is %s; only CONDITIONAL proposals can be resolved", p.ID, p.Status)
	}
	if strings.TrimSpace(note) == "" {
		return h, contracts.NewError(contracts.CodeMissingRationale, "a note describing the met conditions is required")
	}

	syn := e.agents.RunAndSynthesize(ctx, p, e.budget, e.timeout)
	h.Synthesis = syn
	for role, n := range failuresByRole(syn) {
		e.obs.AgentFailures(ctx, string(role), n)
	}
	if syn.Cancelled && ctx.Err() != nil {
		return h, cancelled(ctx, p.ID)
	}

	next := p.Clone()
	next.Status = contracts.StatusUnderReview
	next.DecisionID = ""
	next.UpdatedAt = e.now()

	entry := e.newEntry(next, contracts.StatusConditional, contracts.StatusUnderReview)
	entry.DecisionID = p.DecisionID
	entry.Note = note
	entry.Synthesis = syn.Summary()
	entry.ReportHash = e.archiveReport(ctx, next, nil, syn)

	if err := e.commit(ctx, kb.Transition{Proposal: next, Entry: entry}); err != nil {
		return h, err
	}
	e.authority.Release(p.ID)
	e.remember(p.ID, syn)

	h.Proposal, h.Entry = next, entry
	return h, nil
}

// Proposal returns the persisted proposal.
func (e *Engine) Proposal(ctx context.Context, id string) (*contracts.Proposal, error) {
	return e.kb.GetProposal(ctx, id)
}

// VerifyDecision re-checks the signature of a stored decision.
func (e *Engine) VerifyDecision(ctx context.Context, decisionID string) (*contracts.HumanDecision, error) {
	d, err := e.kb.GetHumanDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if err := e.authority.Verify(d); err != nil {
		return d, err
	}
	return d, nil
}

func (e *Engine) newEntry(p *contracts.Proposal, from, to contracts.ProposalStatus) *contracts.LearningLogEntry {
	return &contracts.LearningLogEntry{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		FromStatus: from,
		ToStatus:   to,
		Timestamp:  p.UpdatedAt,
	}
}

// commit persists one transition atomically.
func (e *Engine) commit(ctx context.Context, t kb.Transition) error {
	from, to := t.Entry.FromStatus, t.Entry.ToStatus
	if err := checkTransition(from, to, t.Entry.DecisionID); err != nil {
		return err
	}
	if err := e.kb.CommitTransition(ctx, t); err != nil {
		e.logger.ErrorContext(ctx, "transition not persisted",
			"proposal_id", t.Proposal.ID, "from", from, "to", to, "error", err)
		return asPersistence(err, "commit transition")
	}
	e.obs.Transition(ctx, string(from), string(to))
	e.logger.InfoContext(ctx, "transition committed",
		"proposal_id", t.Proposal.ID,
		"from", from,
		"to", to,
		"decision_id", t.Entry.DecisionID,
		"sequence", t.Entry.Sequence,
	)
	return nil
}

func (e *Engine) knowledgeView(ctx context.Context) sentinel.KnowledgeView {
	st, err := e.kb.Stats(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "knowledge statistics unavailable, statistical rules see an empty view", "error", err)
		return sentinel.KnowledgeView{}
	}
	return sentinel.KnowledgeView{
		ProposalCount: st.ProposalCount,
		MeanLength:    st.MeanLength,
		PolicyCount:   st.PolicyCount,
	}
}

// asPersistence keeps structured store errors and labels anything else.
// cancelled wraps ctx.Err so errors.Is still matches context.Canceled.
func cancelled(ctx context.Context, proposalID string) error {
	return contracts.WrapError(contracts.CodeCancelled, ctx.Err(), "synthesis for proposal %s was cancelled", proposalID)
}

func asPersistence(err error, op string) error {
	var ge *contracts.GovernanceError
	if errors.As(err, &ge) {
		return err
	}
	return contracts.WrapError(contracts.CodePersistenceFailure, err, "%s failed", op)
}

func countByCategory(alerts []contracts.SentinelAlert) map[contracts.AlertCategory]int {
	out := make(map[contracts.AlertCategory]int)
	for _, a := range alerts {
		out[a.Category]++
	}
	return out
}

func failuresByRole(syn *contracts.SynthesisResult) map[contracts.AgentRole]int {
	out := make(map[contracts.AgentRole]int)
	if syn == nil {
		return out
	}
	for _, r := range syn.Results {
		if r.Failed {
			out[r.Role]++
		}
	}
	return out
}
