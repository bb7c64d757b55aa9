package contracts

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PolicyCodePattern is the shape every policy code must match: P-<CATEGORY>-<NN>.
var PolicyCodePattern = regexp.MustCompile(`^P-[A-Z]+-[0-9]{2,}$`)

// Severity is an ordered impact level shared by policies and sentinel alerts.
type Severity string

// Severity constants, lowest first.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the position of s in LOW < MEDIUM < HIGH < CRITICAL, or -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is ranked at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	if s.Rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Policy is append-only reference data. Changing a rule is itself a governed
// proposal, never a direct mutation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Policy struct {
	ID         string    `json:"id" yaml:"id"`
	Code       string    `json:"code" yaml:"code"`
	Title      string    `json:"title" yaml:"title"`
	Rule       string    `json:"rule" yaml:"rule"`
	Severity   Severity  `json:"severity" yaml:"severity"`
	EnforcedBy []string  `json:"enforced_by,omitempty" yaml:"enforced_by,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

// ValidCode reports whether the policy code matches PolicyCodePattern.
func (p Policy) ValidCode() bool {
	return PolicyCodePattern.MatchString(p.Code)
}
