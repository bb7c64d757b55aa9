// Package policy implements the Policy Enforcer: the fail-fast gate that
// validates a proposal against hard, non-overridable constraints before any
// resource-consuming review starts.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// PolicySet is an append-only collection of policies keyed by code.
// Adding a new policy bumps the minor version; re-adding an identical policy is a no-op;
// re-adding a code with a different rule is an immutability violation.
type PolicySet struct {
	mu      sync.RWMutex
	byCode  map[string]contracts.Policy
	order   []string
	version *semver.Version
}

// NewPolicySet creates a set at the given semantic version ("" means 0.0.0).
func NewPolicySet(version string, policies ...contracts.Policy) (*PolicySet, error) {
	if version == "" {
		version = "0.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("policy set version %q: %w", version, err)
	}
	s := &PolicySet{
		byCode:  make(map[string]contracts.Policy),
		version: v,
	}
	for _, p := range policies {
		if err := s.add(p, false); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a policy and bumps the minor version.
func (s *PolicySet) Add(p contracts.Policy) error {
	return s.add(p, true)
}

func (s *PolicySet) add(p contracts.Policy, bump bool) error {
	if !p.ValidCode() {
		return contracts.NewError(contracts.CodePolicyViolation, "malformed policy code %q", p.Code)
	}
	if strings.TrimSpace(p.Rule) == "" {
		return contracts.NewError(contracts.CodePolicyViolation, "policy %s has empty rule text", p.Code)
	}
	if p.Severity == "" {
		p.Severity = contracts.SeverityMedium
	}
	if p.Severity.Rank() < 0 {
		return contracts.NewError(contracts.CodePolicyViolation, "policy %s has unknown severity %q", p.Code, p.Severity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byCode[p.Code]; ok {
		if existing.Rule != p.Rule {
			return &contracts.GovernanceError{
				Code:       contracts.CodeImmutabilityViolation,
				Message:    fmt.Sprintf("policy %s rule text cannot be edited directly; submit a proposal", p.Code),
				PolicyCode: p.Code,
			}
		}
		return nil
	}

	s.byCode[p.Code] = p
	s.order = append(s.order, p.Code)
	if bump {
		next := s.version.IncMinor()
		s.version = &next
	}
	return nil
}

// Lookup returns the policy registered under code.
func (s *PolicySet) Lookup(code string) (contracts.Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byCode[code]
	return p, ok
}

// Has reports whether code is registered.
func (s *PolicySet) Has(code string) bool {
	_, ok := s.Lookup(code)
	return ok
}

// Codes returns all codes in sorted order.
func (s *PolicySet) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Policies returns the policies in insertion order.
func (s *PolicySet) Policies() []contracts.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Policy, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, s.byCode[c])
	}
	return out
}

// Len returns the number of policies.
func (s *PolicySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Version returns the semantic version of the set.
func (s *PolicySet) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version.String()
}

// AtLeast reports whether the set version satisfies ">= min".
func (s *PolicySet) AtLeast(min string) (bool, error) {
	c, err := semver.NewConstraint(">= " + min)
	if err != nil {
		return false, fmt.Errorf("policy version constraint %q: %w", min, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.Check(s.version), nil
}
