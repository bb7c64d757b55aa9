package sentinel

// DefaultRules is the baseline rule set.
func DefaultRules() []Descriptor {
	return []Descriptor{
		{
			ID:       "authority-bypass-human",
			Kind:     KindKeyword,
			Category: "AUTHORITY_BYPASS",
			Severity: "CRITICAL",
			Action:   "ESCALATE",
			Message:  "language suggests removing the human decision",
			Terms:    []string{"bypass human", "bypass the human", "bypass hdal", "bypass the hdal", "no human review"},
		},
		{
			ID:       "authority-skip-signature",
			Kind:     KindKeyword,
			Category: "AUTHORITY_BYPASS",
			Severity: "CRITICAL",
			Action:   "ESCALATE",
			Message:  "language suggests skipping the decision signature",
			Terms:    []string{"skip signature", "skip the signature", "skip signing", "unsigned approval"},
		},
		{
			ID:       "authority-auto-approve",
			Kind:     KindKeyword,
			Category: "AUTHORITY_BYPASS",
			Severity: "HIGH",
			Action:   "ESCALATE",
			Message:  "language suggests automatic approval",
			Terms:    []string{"auto-approve", "auto approve", "automatically approve"},
		},
		{
			ID:       "data-integrity-audit",
			Kind:     KindKeyword,
			Category: "DATA_INTEGRITY",
			Severity: "HIGH",
			Action:   "BLOCK",
			Message:  "language suggests weakening the audit trail",
			Terms:    []string{"disable audit", "delete logs", "purge logs", "purge the audit", "truncate the learning log", "rewrite history"},
		},
		{
			ID:       "scope-creep",
			Kind:     KindRegex,
			Category: "SCOPE_CREEP",
			Severity: "LOW",
			Action:   "LOG",
			Message:  "decision widens its own scope",
			Pattern:  `(?i)\bwhile we(?:'re| are) at it\b|\band also\b`,
		},
		{
			ID:        "anomalous-length",
			Kind:      KindLength,
			Category:  "SCOPE_CREEP",
			Severity:  "LOW",
			Action:    "LOG",
			MaxLength: 20000,
			Factor:    3,
		},
		{
			ID:         "anomalous-policy-density",
			Kind:       KindPolicyDensity,
			Category:   "UNKNOWN",
			Severity:   "MEDIUM",
			Action:     "LOG",
			MaxDensity: 10,
			MinRefs:    3,
		},
	}
}
