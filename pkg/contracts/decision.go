package contracts

import "time"

// DecisionAction is the outcome a human signs for a proposal.
type DecisionAction string

// DecisionAction constants.
const (
	DecisionApprove        DecisionAction = "APPROVE"
	DecisionReject         DecisionAction = "REJECT"
	DecisionRequestChanges DecisionAction = "REQUEST_CHANGES"
	DecisionConditional    DecisionAction = "CONDITIONAL"
)

// Valid reports whether a is one of the defined actions.
func (a DecisionAction) Valid() bool {
	switch a {
	case DecisionApprove, DecisionReject, DecisionRequestChanges, DecisionConditional:
		return true
	}
	return false
}

// TargetStatus is the proposal status a signed action leads to from UNDER_REVIEW.
func (a DecisionAction) TargetStatus() (ProposalStatus, bool) {
	switch a {
	case DecisionApprove:
		return StatusAccepted, true
	case DecisionReject:
		return StatusRejected, true
	case DecisionConditional:
		return StatusConditional, true
	case DecisionRequestChanges:
		return StatusDraft, true
	}
	return "", false
}

// HumanDecision is the signed, immutable record of a human verdict.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type HumanDecision struct {
	ID            string         `json:"id"`
	ProposalID    string         `json:"proposal_id"`
	Action        DecisionAction `json:"action"`
	Rationale     string         `json:"rationale"`
	SignerID      string         `json:"signer_id"`
	SignatureHash string         `json:"signature_hash"`
	Timestamp     time.Time      `json:"timestamp"`
}
