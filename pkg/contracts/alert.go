package contracts

// AlertCategory classifies the kind of drift a sentinel rule detected.
type AlertCategory string

// AlertCategory constants.
const (
	CategoryAuthorityBypass AlertCategory = "AUTHORITY_BYPASS"
	CategoryDataIntegrity   AlertCategory = "DATA_INTEGRITY"
	CategoryScopeCreep      AlertCategory = "SCOPE_CREEP"
	CategoryUnknown         AlertCategory = "UNKNOWN"
)

// ParseAlertCategory maps unknown names to CategoryUnknown.
func ParseAlertCategory(v string) AlertCategory {
	switch c := AlertCategory(v); c {
	case CategoryAuthorityBypass, CategoryDataIntegrity, CategoryScopeCreep:
		return c
	}
	return CategoryUnknown
}

// AlertAction is the default handling suggested by the rule that fired.
type AlertAction string

// AlertAction constants.
const (
	ActionLog      AlertAction = "LOG"
	ActionBlock    AlertAction = "BLOCK"
	ActionEscalate AlertAction = "ESCALATE"
)

// SentinelAlert is immutable once attached to a proposal.
type SentinelAlert struct {
	ID       string        `json:"id"`
	Category AlertCategory `json:"category"`
	Severity Severity      `json:"severity"`
	RuleID   string        `json:"rule_id"`
	Message  string        `json:"message"`
	Action   AlertAction   `json:"action"`
}
