// Package contracts defines the shared data model of the governance cycle:
// proposals (ADRs), policies, sentinel alerts, agent results, human decisions
// and the learning log.
package contracts

import "time"

// ProposalStatus defines the lifecycle of a proposal.
type ProposalStatus string

// ProposalStatus constants.
const (
	StatusDraft       ProposalStatus = "DRAFT"
	StatusUnderReview ProposalStatus = "UNDER_REVIEW"
	StatusConditional ProposalStatus = "CONDITIONAL"
	StatusAccepted    ProposalStatus = "ACCEPTED"
	StatusRejected    ProposalStatus = "REJECTED"
)

// IsTerminal reports whether no further transition may leave this status.
func (s ProposalStatus) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusUnderReview, StatusConditional, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Proposal is an architectural decision record under governance review.
// Once terminal, a proposal is never mutated again; it can only be superseded.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Proposal struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Context      string          `json:"context"`
	Decision     string          `json:"decision"`
	Consequences []string        `json:"consequences,omitempty"`
	PolicyCodes  []string        `json:"policy_codes,omitempty"`
	Alerts       []SentinelAlert `json:"alerts,omitempty"`
	Status       ProposalStatus  `json:"status"`
	DecisionID   string          `json:"decision_id,omitempty"` // Bound HumanDecision
	RequestedBy  string          `json:"requested_by"`          // Principal that opened the cycle
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the proposal reached ACCEPTED or REJECTED.
func (p *Proposal) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// Clone returns a deep copy so working copies never alias persisted state.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Consequences = append([]string(nil), p.Consequences...)
	c.PolicyCodes = append([]string(nil), p.PolicyCodes...)
	c.Alerts = append([]SentinelAlert(nil), p.Alerts...)
	return &c
}

// Text returns the free-text fields scanned by reviewers and rules.
func (p *Proposal) Text() (title, context, decision string) {
	return p.Title, p.Context, p.Decision
}
