package budget_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Mindburn-Labs/icgl/pkg/budget"
	"github.com/Mindburn-Labs/icgl/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_Thresholds(t *testing.T) {
	ctx := context.Background()
	g := budget.NewGuard(100, nil)

	st, err := g.RecordUsage(ctx, "architect", 95)
	require.NoError(t, err)
	assert.Equal(t, contracts.BudgetCritical, st.State)

	st, err = g.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BudgetCritical, st.State)
	assert.InDelta(t, 95.0, st.Percent, 0.001)

	st, err = g.RecordUsage(ctx, "security", 5)
	require.NoError(t, err)
	assert.Equal(t, contracts.BudgetExceeded, st.State)
	assert.True(t, st.Exceeded())
}

func TestGuard_WarningBand(t *testing.T) {
	g := budget.NewGuard(100, budget.NewMemoryCounter())
	st, err := g.RecordUsage(context.Background(), "a", 70)
	require.NoError(t, err)
	assert.Equal(t, contracts.BudgetWarning, st.State)
}

func TestGuard_ConcurrentNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	g := budget.NewGuard(1_000_000, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = g.RecordUsage(ctx, "agent", 1)
			}
		}()
	}
	wg.Wait()

	st, err := g.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), st.Used)

	usage := g.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(5000), usage[0].Invocations)
}

func TestGuard_RejectsNegativeUsage(t *testing.T) {
	_, err := budget.NewGuard(10, nil).RecordUsage(context.Background(), "a", -1)
	assert.Error(t, err)
}

type brokenCounter struct{}

func (brokenCounter) Add(context.Context, int64) (int64, error) { return 0, errors.New("down") }
func (brokenCounter) Load(context.Context) (int64, error)       { return 0, errors.New("down") }
func (brokenCounter) Reset(context.Context) error               { return errors.New("down") }

func TestGuard_FailsClosed(t *testing.T) {
	ctx := context.Background()
	g := budget.NewGuard(100, brokenCounter{})

	st, err := g.Status(ctx)
	assert.Error(t, err)
	assert.Equal(t, contracts.BudgetExceeded, st.State)

	st, err = g.RecordUsage(ctx, "a", 1)
	assert.Error(t, err)
	assert.True(t, st.Exceeded())
	assert.Empty(t, g.Usage())
}

func TestGuard_Reset(t *testing.T) {
	ctx := context.Background()
	g := budget.NewGuard(10, nil)
	_, _ = g.RecordUsage(ctx, "a", 10)
	require.NoError(t, g.Reset(ctx))

	st, err := g.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Used)
	assert.Empty(t, g.Usage())
}
