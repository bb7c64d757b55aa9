// Package hdal is the Human Decision Authority Layer: the only component that
// produces the signed human decision required to leave review.
package hdal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// Authority validates and signs human decisions. It keeps a binding index so a
// proposal never receives a second active decision.
type Authority struct {
	signer *Signer
	clock  func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	bound map[string]string // proposal id -> decision id
}

// NewAuthority creates an authority that signs with signer.
func NewAuthority(signer *Signer) *Authority {
	return &Authority{
		signer: signer,
		clock:  time.Now,
		logger: slog.Default().With("component", "hdal"),
		bound:  make(map[string]string),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

// ReviewAndSign records a human verdict on p. Preconditions: a signer
// identity, a known action, a non-empty rationale, and no decision already
// bound to the proposal. The returned decision is bound until Release.
func (a *Authority) ReviewAndSign(
	ctx context.Context,
	p *contracts.Proposal,
	syn *contracts.SynthesisResult,
	humanID string,
	action contracts.DecisionAction,
	rationale string,
) (*contracts.HumanDecision, error) {
	if p == nil {
		return nil, contracts.NewError(contracts.CodeSignatureError, "no proposal to decide")
	}
	humanID = strings.TrimSpace(humanID)
	if humanID == "" {
		return nil, contracts.NewError(contracts.CodeSignatureError, "signer identity is required")
	}
	if !action.Valid() {
		return nil, contracts.NewError(contracts.CodeInvalidAction, "unknown decision action %q", action)
	}
	if strings.TrimSpace(rationale) == "" {
		return nil, contracts.NewError(contracts.CodeMissingRationale, "a rationale is required for %s", action)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.bound[p.ID]; ok || p.DecisionID != "" {
		if !ok {
			existing = p.DecisionID
		}
		return nil, &contracts.GovernanceError{
			Code:    contracts.CodeDuplicateDecision,
			Message: "proposal " + p.ID + " already has bound decision " + existing,
		}
	}

	if syn.NoUsableSignal() && action == contracts.DecisionApprove {
		a.logger.WarnContext(ctx, "approval signed without usable agent signal",
			"proposal_id", p.ID, "signer", humanID)
	}

	d := &contracts.HumanDecision{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		Action:     action,
		Rationale:  rationale,
		SignerID:   humanID,
		// Microsecond precision survives every store round trip.
		Timestamp: a.clock().UTC().Truncate(time.Microsecond),
	}
	sig, err := a.signer.Sign(d)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeSignatureError, err, "signing failed")
	}
	d.SignatureHash = sig
	a.bound[p.ID] = d.ID

	a.logger.InfoContext(ctx, "human decision signed",
		"proposal_id", p.ID,
		"decision_id", d.ID,
		"action", action,
		"signer", humanID,
	)
	return d, nil
}

// Verify checks the integrity of a decision.
func (a *Authority) Verify(d *contracts.HumanDecision) error {
	return a.signer.Verify(d)
}

// Bound returns the active decision id for a proposal.
func (a *Authority) Bound(proposalID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.bound[proposalID]
	return id, ok
}

// Bind restores a binding, e.g. after loading persisted state.
func (a *Authority) Bind(proposalID, decisionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bound[proposalID] = decisionID
}

// Release clears the active binding so the proposal can be decided again.
// The engine calls it only for non-terminal outcomes (CONDITIONAL, REQUEST_CHANGES).
func (a *Authority) Release(proposalID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bound, proposalID)
}
