// Package budget provides the resource budget guard for governance cycles.
// Usage is accumulated through a single atomic increment per agent invocation;
// when the backing counter cannot be read the guard fails closed and reports EXCEEDED.
package budget

import (
	"context"
)

// Counter is the shared usage counter behind a Guard.
// Implementations must make Add atomic: concurrent calls never lose updates.
type Counter interface {
	// Add increments the counter by amount and returns the new total.
	Add(ctx context.Context, amount int64) (int64, error)
	// Load returns the current total.
	Load(ctx context.Context) (int64, error)
	// Reset sets the total back to zero.
	Reset(ctx context.Context) error
}

// UsageRecord is one agent's share of the consumed budget.
type UsageRecord struct {
	AgentID     string `json:"agent_id"`
	Amount      int64  `json:"amount"`
	Invocations int64  `json:"invocations"`
}
