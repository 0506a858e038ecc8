package memory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/ledger"
	"tollgate/internal/memory"
	"tollgate/internal/model"
	"tollgate/internal/repository"
)

func newTestMemory(t *testing.T, maxTurns int) (*memory.Memory, *repository.MemStore) {
	t.Helper()
	store := repository.NewMemStore()
	require.NoError(t, store.CreateAccount(context.Background(), &model.Account{
		ID:       1,
		Balance:  10,
		MemoryOn: true,
	}))
	l := ledger.New(store, nil)
	return memory.New(store, l, maxTurns), store
}

func TestAppend_FIFOEviction(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemory(t, 3)

	for i := 1; i <= 5; i++ {
		require.NoError(t, mem.Append(ctx, 1, "user", fmt.Sprintf("msg-%d", i)))
	}

	turns, err := mem.Read(ctx, 1)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "msg-3", turns[0].Content)
	assert.Equal(t, "msg-4", turns[1].Content)
	assert.Equal(t, "msg-5", turns[2].Content)
}

func TestSetEnabled_HidesWithoutDiscarding(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemory(t, 10)

	require.NoError(t, mem.Append(ctx, 1, "user", "hello"))
	require.NoError(t, mem.Append(ctx, 1, "assistant", "hi"))

	require.NoError(t, mem.SetEnabled(ctx, 1, false))

	turns, err := mem.Read(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, turns, "disabled memory reads empty")

	require.NoError(t, mem.Append(ctx, 1, "user", "ignored"))

	require.NoError(t, mem.SetEnabled(ctx, 1, true))
	turns, err = mem.Read(ctx, 1)
	require.NoError(t, err)
	require.Len(t, turns, 2, "history survives the toggle, disabled appends are dropped")
	assert.Equal(t, "hello", turns[0].Content)
}

func TestReset_ClearsHistory(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemory(t, 10)

	require.NoError(t, mem.Append(ctx, 1, "user", "hello"))
	require.NoError(t, mem.Reset(ctx, 1))

	turns, err := mem.Read(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
