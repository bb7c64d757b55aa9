package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// File is the on-disk shape of a policy set.
type File struct {
	Version     string             `yaml:"version" json:"version"`
	Policies    []contracts.Policy `yaml:"policies" json:"policies"`
	Constraints []Constraint       `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// LoadPolicyFile reads a YAML policy file and builds its set and constraints.
func LoadPolicyFile(path string) (*PolicySet, []Constraint, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return ParsePolicyFile(data)
}

// ParsePolicyFile parses YAML policy file content.
func ParsePolicyFile(data []byte) (*PolicySet, []Constraint, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	for i := range f.Policies {
		if f.Policies[i].Severity != "" {
			sev, err := contracts.ParseSeverity(string(f.Policies[i].Severity))
			if err != nil {
				return nil, nil, fmt.Errorf("policy %s: %w", f.Policies[i].Code, err)
			}
			f.Policies[i].Severity = sev
		}
		if f.Policies[i].ID == "" {
			f.Policies[i].ID = f.Policies[i].Code
		}
	}
	set, err := NewPolicySet(f.Version, f.Policies...)
	if err != nil {
		return nil, nil, err
	}
	return set, f.Constraints, nil
}

// DefaultPolicies returns the baseline governance policies.
func DefaultPolicies() []contracts.Policy {
	return []contracts.Policy{
		{
			ID:         "P-GOV-01",
			Code:       "P-GOV-01",
			Title:      "Human decision authority",
			Rule:       "Only a signed human decision may move a proposal to ACCEPTED or REJECTED.",
			Severity:   contracts.SeverityCritical,
			EnforcedBy: []string{"policy_enforcer", "hdal", "cycle_engine"},
		},
		{
			ID:         "P-GOV-02",
			Code:       "P-GOV-02",
			Title:      "Policy immutability",
			Rule:       "Existing policy rules are never edited in place; changes are superseding proposals.",
			Severity:   contracts.SeverityCritical,
			EnforcedBy: []string{"policy_enforcer"},
		},
		{
			ID:         "P-DATA-01",
			Code:       "P-DATA-01",
			Title:      "Audit trail integrity",
			Rule:       "Every state transition is recorded in the learning log.",
			Severity:   contracts.SeverityHigh,
			EnforcedBy: []string{"cycle_engine", "knowledge_base"},
		},
		{
			ID:         "P-RES-01",
			Code:       "P-RES-01",
			Title:      "Bounded review cost",
			Rule:       "Agent review stops dispatching once the resource budget is exceeded.",
			Severity:   contracts.SeverityMedium,
			EnforcedBy: []string{"budget_guard", "agent_registry"},
		},
	}
}

// DefaultPolicySet returns a set holding DefaultPolicies at version 1.0.0.
func DefaultPolicySet() *PolicySet {
	set, err := NewPolicySet("1.0.0", DefaultPolicies()...)
	if err != nil {
		panic(fmt.Sprintf("default policies invalid: %v", err))
	}
	return set
}
