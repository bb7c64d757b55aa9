package contracts

// BudgetState is the threshold band of cumulative resource usage.
type BudgetState string

// BudgetState constants, lowest first.
const (
	BudgetNormal   BudgetState = "NORMAL"
	BudgetWarning  BudgetState = "WARNING"
	BudgetCritical BudgetState = "CRITICAL"
	BudgetExceeded BudgetState = "EXCEEDED"
)

// Threshold percentages of the configured limit.
const (
	WarningThreshold  = 70.0
	CriticalThreshold = 90.0
	ExceededThreshold = 100.0
)

// BudgetStatus is a snapshot of the budget guard.
type BudgetStatus struct {
	Used    int64       `json:"used"`
	Limit   int64       `json:"limit"`
	Percent float64     `json:"percent"`
	State   BudgetState `json:"state"`
}

// NewBudgetStatus derives percent and state from used and limit.
// A non-positive limit means the budget is uncapped.
func NewBudgetStatus(used, limit int64) BudgetStatus {
	st := BudgetStatus{Used: used, Limit: limit, State: BudgetNormal}
	if limit <= 0 {
		return st
	}
	st.Percent = float64(used) / float64(limit) * 100
	switch {
	case st.Percent >= ExceededThreshold:
		st.State = BudgetExceeded
	case st.Percent >= CriticalThreshold:
		st.State = BudgetCritical
	case st.Percent >= WarningThreshold:
		st.State = BudgetWarning
	}
	return st
}

// Exceeded reports whether no further dispatch is allowed.
func (s BudgetStatus) Exceeded() bool {
	return s.State == BudgetExceeded
}
