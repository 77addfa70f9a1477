package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDebitInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	w := NewMemory()

	ok, err := w.Debit(ctx, "u1", 10, "job x")
	require.NoError(t, err)
	assert.False(t, ok, "insufficient funds is false, not an error")

	require.NoError(t, w.Credit(ctx, "u1", 25, "top up"))
	ok, err = w.Debit(ctx, "u1", 10, "job x")
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err := w.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
}
