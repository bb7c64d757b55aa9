package contracts

// AgentRole is the registry key of a reviewing agent. Roles are unique per registry.
type AgentRole string

// Built-in reviewer roles. Deployers may register additional roles.
const (
	RoleArchitect AgentRole = "ARCHITECT"
	RoleSecurity  AgentRole = "SECURITY"
	RolePolicy    AgentRole = "POLICY"
	RoleFailure   AgentRole = "FAILURE"
)

// AgentResult is produced exactly once per agent invocation per cycle.
// A failed invocation yields Confidence 0 with the failure reason as Analysis.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AgentResult struct {
	AgentID         string    `json:"agent_id"`
	Role            AgentRole `json:"role"`
	Analysis        string    `json:"analysis"`
	Concerns        []string  `json:"concerns,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Confidence      float64   `json:"confidence"`
	Failed          bool      `json:"failed,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
}

// FailedResult builds the zero-confidence result that stands in for a failed agent.
func FailedResult(agentID string, role AgentRole, reason string) *AgentResult {
	return &AgentResult{
		AgentID:    agentID,
		Role:       role,
		Analysis:   reason,
		Confidence: 0,
		Failed:     true,
	}
}

// SynthesisResult is the consensus view over one cycle's agent results.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type SynthesisResult struct {
	Results         []*AgentResult `json:"results"`
	Recommendations []string       `json:"recommendations"`
	Concerns        []string       `json:"concerns"`
	Confidence      float64        `json:"confidence"`
	BudgetTruncated bool           `json:"budget_truncated,omitempty"`
	Cancelled       bool           `json:"cancelled,omitempty"`
	Skipped         []AgentRole    `json:"skipped,omitempty"`
}

// NoUsableSignal reports an all-zero synthesis. Callers must not treat it as a pass.
func (s *SynthesisResult) NoUsableSignal() bool {
	return s == nil || s.Confidence == 0
}

// Partial reports whether dispatch stopped early.
func (s *SynthesisResult) Partial() bool {
	return s != nil && (s.BudgetTruncated || s.Cancelled)
}

// SynthesisSummary is the compact form of a synthesis kept in the learning log.
type SynthesisSummary struct {
	Agents          int      `json:"agents"`
	Failed          int      `json:"failed"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations,omitempty"`
	Concerns        []string `json:"concerns,omitempty"`
	BudgetTruncated bool     `json:"budget_truncated,omitempty"`
	Cancelled       bool     `json:"cancelled,omitempty"`
}

// Summary condenses s for persistence.
func (s *SynthesisResult) Summary() *SynthesisSummary {
	if s == nil {
		return nil
	}
	failed := 0
	for _, r := range s.Results {
		if r.Failed {
			failed++
		}
	}
	return &SynthesisSummary{
		Agents:          len(s.Results),
		Failed:          failed,
		Confidence:      s.Confidence,
		Recommendations: s.Recommendations,
		Concerns:        s.Concerns,
		BudgetTruncated: s.BudgetTruncated,
		Cancelled:       s.Cancelled,
	}
}
