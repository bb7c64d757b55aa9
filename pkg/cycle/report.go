package cycle

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// Report is the evidence archived for one review pass.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Report struct {
	ProposalID    string                     `json:"proposal_id"`
	PolicyVersion string                     `json:"policy_version"`
	Alerts        []contracts.SentinelAlert  `json:"alerts"`
	Synthesis     *contracts.SynthesisResult `json:"synthesis"`
	GeneratedAt   time.Time                  `json:"generated_at"`
}

// archiveReport stores the report when an archive is configured. Archiving
// is evidence, not state: failures are logged and the cycle continues.
func (e *Engine) archiveReport(ctx context.Context, p *contracts.Proposal, alerts []contracts.SentinelAlert, syn *contracts.SynthesisResult) string {
	if e.archive == nil {
		return ""
	}
	digest, err := e.archive.Put(ctx, Report{
		ProposalID:    p.ID,
		PolicyVersion: e.policies.Version(),
		Alerts:        alerts,
		Synthesis:     syn,
		GeneratedAt:   e.now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "synthesis report not archived", "proposal_id", p.ID, "error", err)
		return ""
	}
	return digest
}

// synthesisFor returns the latest synthesis for a proposal: from memory, or
// from the archived report referenced by the learning log.
func (e *Engine) synthesisFor(ctx context.Context, proposalID string) *contracts.SynthesisResult {
	e.mu.Lock()
	syn, ok := e.syntheses[proposalID]
	e.mu.Unlock()
	if ok || e.archive == nil {
		return syn
	}

	entries, err := e.kb.ListLearningLog(ctx, 0, 0)
	if err != nil {
		e.logger.WarnContext(ctx, "learning log unavailable for synthesis lookup", "proposal_id", proposalID, "error", err)
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.ProposalID != proposalID || entry.ReportHash == "" {
			continue
		}
		var r Report
		if err := e.archive.Load(ctx, entry.ReportHash, &r); err != nil {
			e.logger.WarnContext(ctx, "archived report unreadable", "proposal_id", proposalID, "digest", entry.ReportHash, "error", err)
			return nil
		}
		e.remember(proposalID, r.Synthesis)
		return r.Synthesis
	}
	return nil
}

func (e *Engine) remember(proposalID string, syn *contracts.SynthesisResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syntheses[proposalID] = syn
}

func (e *Engine) forget(proposalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.syntheses, proposalID)
}
