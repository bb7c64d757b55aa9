package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// check is one heuristic: when the proposal text lacks (or contains) any of
// the terms, the concern and recommendation are raised.
type check struct {
	terms          []string
	raiseIfPresent bool
	concern        string
	recommendation string
}

// reviewer is a deterministic keyword reviewer standing in for a model-backed agent.
type reviewer struct {
	id     string
	role   contracts.AgentRole
	checks []check
	focus  string
}

func (r *reviewer) ID() string                { return r.id }
func (r *reviewer) Role() contracts.AgentRole { return r.role }

func (r *reviewer) Analyze(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.ToLower(p.Title + "\n" + p.Context + "\n" + p.Decision + "\n" + strings.Join(p.Consequences, "\n"))

	res := &contracts.AgentResult{AgentID: r.id, Role: r.role}
	for _, c := range r.checks {
		found := containsAny(text, c.terms)
		if found != c.raiseIfPresent {
			continue
		}
		if c.concern != "" {
			res.Concerns = append(res.Concerns, c.concern)
		}
		if c.recommendation != "" {
			res.Recommendations = append(res.Recommendations, c.recommendation)
		}
	}

	// Fewer open concerns means a more confident review; never below 0.3.
	res.Confidence = max(0.3, 0.9-0.1*float64(len(res.Concerns)))
	res.Analysis = fmt.Sprintf("%s review of %q: %d concern(s), %d recommendation(s)",
		r.focus, p.Title, len(res.Concerns), len(res.Recommendations))
	return res, nil
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// NewArchitectAgent reviews structural soundness and documented trade-offs.
func NewArchitectAgent() Agent {
	return &reviewer{
		id:    "architect",
		role:  contracts.RoleArchitect,
		focus: "architecture",
		checks: []check{
			{terms: []string{"alternative", "instead of", "trade-off", "tradeoff"}, concern: "No alternatives or trade-offs are discussed", recommendation: "Document the alternatives considered"},
			{terms: []string{"migrat", "rollout", "phase"}, recommendation: "Describe the migration or rollout plan"},
			{terms: []string{"rewrite everything", "big bang"}, raiseIfPresent: true, concern: "Change is all-at-once with no incremental path"},
		},
	}
}

// NewSecurityAgent reviews secrets handling, exposure and authentication.
func NewSecurityAgent() Agent {
	return &reviewer{
		id:    "security",
		role:  contracts.RoleSecurity,
		focus: "security",
		checks: []check{
			{terms: []string{"password", "secret", "api key", "token"}, raiseIfPresent: true, concern: "Proposal handles credentials", recommendation: "Store credentials in a secret manager and rotate them"},
			{terms: []string{"public", "internet", "expose"}, raiseIfPresent: true, concern: "Proposal widens network exposure", recommendation: "Add a threat model for the exposed surface"},
			{terms: []string{"bypass", "skip signature", "auto-approve", "auto approve"}, raiseIfPresent: true, concern: "Proposal weakens the human decision step"},
			{terms: []string{"encrypt", "tls"}, recommendation: "State encryption at rest and in transit"},
		},
	}
}

// NewPolicyAgent reviews policy references and compliance posture.
func NewPolicyAgent() Agent {
	return &policyReviewer{reviewer: reviewer{
		id:    "policy",
		role:  contracts.RolePolicy,
		focus: "policy",
		checks: []check{
			{terms: []string{"audit", "log"}, recommendation: "Confirm the change keeps the audit trail intact"},
		},
	}}
}

// policyReviewer extends the keyword checks with a policy-reference check.
type policyReviewer struct {
	reviewer
}

func (r *policyReviewer) Analyze(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
	res, err := r.reviewer.Analyze(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(p.PolicyCodes) == 0 {
		res.Concerns = append(res.Concerns, "Proposal references no governing policy")
		res.Recommendations = append(res.Recommendations, "Reference the policies this decision falls under")
		res.Confidence = max(0.3, res.Confidence-0.1)
	}
	return res, nil
}

// NewFailureAgent reviews failure modes and recovery.
func NewFailureAgent() Agent {
	return &reviewer{
		id:    "failure",
		role:  contracts.RoleFailure,
		focus: "failure-mode",
		checks: []check{
			{terms: []string{"rollback", "revert", "roll back"}, concern: "No rollback path is described", recommendation: "Define a rollback procedure"},
			{terms: []string{"timeout", "retry", "fallback", "degrade"}, concern: "Failure handling is not described", recommendation: "Specify timeouts, retries and degraded behaviour"},
			{terms: []string{"single point of failure", "only one instance"}, raiseIfPresent: true, concern: "Design has a single point of failure"},
		},
	}
}

// Builtins returns the built-in reviewers for the given roles; empty means all.
func Builtins(roles ...contracts.AgentRole) ([]Agent, error) {
	all := map[contracts.AgentRole]func() Agent{
		contracts.RoleArchitect: NewArchitectAgent,
		contracts.RoleSecurity:  NewSecurityAgent,
		contracts.RolePolicy:    NewPolicyAgent,
		contracts.RoleFailure:   NewFailureAgent,
	}
	if len(roles) == 0 {
		roles = []contracts.AgentRole{contracts.RoleArchitect, contracts.RoleSecurity, contracts.RolePolicy, contracts.RoleFailure}
	}
	out := make([]Agent, 0, len(roles))
	for _, role := range roles {
		f, ok := all[contracts.AgentRole(strings.ToUpper(string(role)))]
		if !ok {
			return nil, fmt.Errorf("agents: no built-in reviewer for role %q", role)
		}
		out = append(out, f())
	}
	return out, nil
}
