// Package kb defines the Knowledge Base boundary: the durable store of
// proposals, policies, human decisions and the learning log.
package kb

import (
	"context"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// Stats summarises stored proposals for statistical sentinel rules.
type Stats struct {
	ProposalCount int
	MeanLength    float64
	PolicyCount   int
}

// Transition is everything one state change writes. CommitTransition applies
// it atomically: the proposal snapshot, an optional new decision, and the
// learning-log entry either all persist or none do.
type Transition struct {
	Proposal *contracts.Proposal
	Decision *contracts.HumanDecision
	Entry    *contracts.LearningLogEntry
}

// KnowledgeBase is the narrow contract the governance core depends on.
// Writes to distinct keys are safe concurrently; writes to the same proposal
// id are last-writer-wins.
type KnowledgeBase interface {
	AddProposal(ctx context.Context, p *contracts.Proposal) error
	GetProposal(ctx context.Context, id string) (*contracts.Proposal, error)
	UpdateProposalStatus(ctx context.Context, id string, status contracts.ProposalStatus, decisionID string) error

	AddPolicy(ctx context.Context, p contracts.Policy) error
	ListPolicies(ctx context.Context) ([]contracts.Policy, error)

	AddHumanDecision(ctx context.Context, d *contracts.HumanDecision) error
	GetHumanDecision(ctx context.Context, id string) (*contracts.HumanDecision, error)

	// AppendLearningLog assigns Sequence and the chain hashes on e.
	AppendLearningLog(ctx context.Context, e *contracts.LearningLogEntry) error
	// ListLearningLog returns entries with Sequence > afterSeq in order; limit <= 0 means all.
	ListLearningLog(ctx context.Context, afterSeq uint64, limit int) ([]contracts.LearningLogEntry, error)

	CommitTransition(ctx context.Context, t Transition) error
	Stats(ctx context.Context) (Stats, error)
}

func notFound(kind, id string) error {
	return contracts.NewError(contracts.CodeNotFound, "%s %q not found", kind, id)
}

func persistence(err error, op string) error {
	return contracts.WrapError(contracts.CodePersistenceFailure, err, "knowledge base %s failed", op)
}

// checkPolicyAppend enforces append-only policies: re-adding the same rule is
// a no-op and a different rule under an existing code is refused.
func checkPolicyAppend(existing, p contracts.Policy) error {
	if existing.Rule != p.Rule {
		return &contracts.GovernanceError{
			Code:       contracts.CodeImmutabilityViolation,
			Message:    "policy " + p.Code + " already exists with a different rule",
			PolicyCode: p.Code,
		}
	}
	return nil
}

func validateProposal(p *contracts.Proposal) error {
	if p == nil || p.ID == "" {
		return contracts.NewError(contracts.CodePersistenceFailure, "proposal must have an id")
	}
	if !p.Status.Valid() {
		return contracts.NewError(contracts.CodePersistenceFailure, "proposal %s has invalid status %q", p.ID, p.Status)
	}
	return nil
}
