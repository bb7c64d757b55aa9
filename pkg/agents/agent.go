// Package agents owns the pool of pluggable reviewing agents. It fans a
// proposal out to every registered agent concurrently, isolates failures,
// and synthesizes the individual results into one consensus view.
package agents

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// ErrDuplicateRole is returned when a role is registered twice.
var ErrDuplicateRole = errors.New("agents: role already registered")

// Agent reviews a proposal. Analyze may block on network or model calls and
// may fail; the registry shields the cycle from both.
type Agent interface {
	ID() string
	Role() contracts.AgentRole
	Analyze(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error)
}

// BudgetGuard is the slice of the budget guard the registry depends on.
type BudgetGuard interface {
	Status(ctx context.Context) (contracts.BudgetStatus, error)
	RecordUsage(ctx context.Context, agentID string, amount int64) (contracts.BudgetStatus, error)
}

// FuncAgent adapts a function to the Agent interface.
type FuncAgent struct {
	AgentID   string
	AgentRole contracts.AgentRole
	Fn        func(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error)
}

// ID implements Agent.
func (f *FuncAgent) ID() string { return f.AgentID }

// Role implements Agent.
func (f *FuncAgent) Role() contracts.AgentRole { return f.AgentRole }

// Analyze implements Agent.
func (f *FuncAgent) Analyze(ctx context.Context, p *contracts.Proposal) (*contracts.AgentResult, error) {
	return f.Fn(ctx, p)
}
