package budget

import (
	"context"
	"sync/atomic"
)

// MemoryCounter implements Counter with a process-local atomic integer.
type MemoryCounter struct {
	total atomic.Int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

func (c *MemoryCounter) Add(ctx context.Context, amount int64) (int64, error) {
	return c.total.Add(amount), nil
}

func (c *MemoryCounter) Load(ctx context.Context) (int64, error) {
	return c.total.Load(), nil
}

func (c *MemoryCounter) Reset(ctx context.Context) error {
	c.total.Store(0)
	return nil
}
