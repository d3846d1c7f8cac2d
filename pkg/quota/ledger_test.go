package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenartlab/eden2-sub000/internal/storage"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger, err := NewLedger(db)
	require.NoError(t, err)
	return ledger
}

func TestLedger_VerifyBalance(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()
	require.NoError(t, ledger.Grant(ctx, "u", 5, 3))

	assert.NoError(t, ledger.VerifyBalance(ctx, "u", 8))

	err := ledger.VerifyBalance(ctx, "u", 8.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	var ib *InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, 8.0, ib.Available)

	assert.ErrorIs(t, ledger.VerifyBalance(ctx, "stranger", 1), ErrInsufficientBalance)
	assert.NoError(t, ledger.VerifyBalance(ctx, "stranger", 0))
}

func TestLedger_Spend(t *testing.T) {
	t.Run("should draw subscription before regular", func(t *testing.T) {
		ledger := setupTestLedger(t)
		ctx := context.Background()
		require.NoError(t, ledger.Grant(ctx, "u", 5, 3))

		require.NoError(t, ledger.Spend(ctx, "u", 6))

		b, err := ledger.Balance(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, Balance{Regular: 2, Subscription: 0}, b)
	})

	t.Run("should only touch subscription when it covers the cost", func(t *testing.T) {
		ledger := setupTestLedger(t)
		ctx := context.Background()
		require.NoError(t, ledger.Grant(ctx, "u", 5, 3))

		require.NoError(t, ledger.Spend(ctx, "u", 2))

		b, err := ledger.Balance(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, Balance{Regular: 5, Subscription: 1}, b)
	})

	t.Run("should be a no-op for zero cost", func(t *testing.T) {
		ledger := setupTestLedger(t)
		assert.NoError(t, ledger.Spend(context.Background(), "nobody", 0))
	})

	t.Run("should refuse to overdraw", func(t *testing.T) {
		ledger := setupTestLedger(t)
		ctx := context.Background()
		require.NoError(t, ledger.Grant(ctx, "u", 1, 1))

		assert.ErrorIs(t, ledger.Spend(ctx, "u", 3), ErrInsufficientBalance)

		b, err := ledger.Balance(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, 2.0, b.Total())
	})

	t.Run("should stay consistent under concurrent spends", func(t *testing.T) {
		ledger := setupTestLedger(t)
		ctx := context.Background()
		require.NoError(t, ledger.Grant(ctx, "u", 10, 0))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = ledger.Spend(ctx, "u", 1)
			}()
		}
		wg.Wait()

		b, err := ledger.Balance(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.Total())
	})
}

func TestLedger_Refund(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()
	require.NoError(t, ledger.Grant(ctx, "u", 0, 3))
	require.NoError(t, ledger.Spend(ctx, "u", 3))

	require.NoError(t, ledger.Refund(ctx, "u", 1.5))
	require.NoError(t, ledger.Refund(ctx, "u", 0))

	b, err := ledger.Balance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, Balance{Regular: 1.5, Subscription: 0}, b, "refunds credit the regular balance")
}

func TestProratedRefund(t *testing.T) {
	tests := []struct {
		name      string
		cost      float64
		n         int
		completed int
		want      float64
	}{
		{name: "nothing completed", cost: 8, n: 4, completed: 0, want: 8},
		{name: "half completed", cost: 8, n: 4, completed: 2, want: 4},
		{name: "all completed", cost: 8, n: 4, completed: 4, want: 0},
		{name: "single sample failed", cost: 3, n: 1, completed: 0, want: 3},
		{name: "more results than samples", cost: 8, n: 2, completed: 5, want: 0},
		{name: "zero samples treated as one", cost: 2, n: 0, completed: 0, want: 2},
		{name: "free task", cost: 0, n: 4, completed: 1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ProratedRefund(tt.cost, tt.n, tt.completed), 1e-9)
		})
	}
}
