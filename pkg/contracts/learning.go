package contracts

import "time"

// LearningLogEntry records one persisted state transition.
// Sequence is assigned by the knowledge base and is strictly increasing.
// Entries are hash-chained: EntryHash covers the entry and PrevHash.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type LearningLogEntry struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	ProposalID string            `json:"proposal_id"`
	FromStatus ProposalStatus    `json:"from_status"`
	ToStatus   ProposalStatus    `json:"to_status"`
	DecisionID string            `json:"decision_id,omitempty"`
	Violation  string            `json:"violation,omitempty"`
	Alerts     int               `json:"alerts"`
	Synthesis  *SynthesisSummary `json:"synthesis,omitempty"`
	ReportHash string            `json:"report_hash,omitempty"`
	Note       string            `json:"note,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	PrevHash   string            `json:"prev_hash"`
	EntryHash  string            `json:"entry_hash"`
}
