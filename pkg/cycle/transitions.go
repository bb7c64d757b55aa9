package cycle

import "github.com/Mindburn-Labs/icgl/pkg/contracts"

// transitions is the state machine. ACCEPTED and REJECTED have no exits.
var transitions = map[contracts.ProposalStatus][]contracts.ProposalStatus{
	contracts.StatusDraft: {
		contracts.StatusUnderReview,
		contracts.StatusDraft, // policy check failed; violation recorded
	},
	contracts.StatusUnderReview: {
		contracts.StatusAccepted,
		contracts.StatusRejected,
		contracts.StatusConditional,
		contracts.StatusDraft, // changes requested
	},
	contracts.StatusConditional: {
		contracts.StatusUnderReview,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to contracts.ProposalStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition also enforces that terminal states and CONDITIONAL are
// only reached through a signed decision.
func checkTransition(from, to contracts.ProposalStatus, decisionID string) error {
	if !CanTransition(from, to) {
		return contracts.NewError(contracts.CodeInvalidTransition, "transition %s -> %s is not allowed", from, to)
	}
	if from == contracts.StatusUnderReview && to != contracts.StatusDraft && decisionID == "" {
		return contracts.NewError(contracts.CodeInvalidTransition, "transition %s -> %s requires a human decision", from, to)
	}
	return nil
}
