// Package memory keeps the bounded per-account conversation window fed to
// providers as context.
package memory

import (
	"context"
	"fmt"
	"sync"

	"tollgate/internal/model"
	"tollgate/internal/repository"
)

// AccountMutator serializes account preference updates with the rest of the
// account's writes. The ledger implements it.
type AccountMutator interface {
	UpdateAccount(ctx context.Context, accountID int64, fn func(*model.Account)) (*model.Account, error)
}

const shardCount = 32

// Memory owns the turn windows. Appends evict oldest-first once the window
// exceeds maxTurns. Disabling memory hides the window without discarding it;
// only an explicit Reset drops history.
type Memory struct {
	store    repository.Store
	accounts AccountMutator
	maxTurns int
	locks    [shardCount]sync.Mutex
}

func New(store repository.Store, accounts AccountMutator, maxTurns int) *Memory {
	return &Memory{store: store, accounts: accounts, maxTurns: maxTurns}
}

func (m *Memory) lockFor(accountID int64) *sync.Mutex {
	return &m.locks[uint64(accountID)%shardCount]
}

// Append adds one turn to the window. A no-op while memory is disabled.
func (m *Memory) Append(ctx context.Context, accountID int64, role, content string) error {
	acc, err := m.store.LoadAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("memory append: %w", err)
	}
	if !acc.MemoryOn {
		return nil
	}

	mu := m.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	turns, err := m.store.LoadMemory(ctx, accountID)
	if err != nil {
		return fmt.Errorf("memory append: %w", err)
	}
	turns = append(turns, model.Turn{Role: role, Content: content})
	if len(turns) > m.maxTurns {
		turns = turns[len(turns)-m.maxTurns:]
	}
	if err := m.store.SaveMemory(ctx, accountID, turns); err != nil {
		return fmt.Errorf("memory append: %w", err)
	}
	return nil
}

// Read returns the window in order, empty while memory is disabled.
func (m *Memory) Read(ctx context.Context, accountID int64) ([]model.Turn, error) {
	acc, err := m.store.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("memory read: %w", err)
	}
	if !acc.MemoryOn {
		return nil, nil
	}
	turns, err := m.store.LoadMemory(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("memory read: %w", err)
	}
	return turns, nil
}

// Reset discards the stored window.
func (m *Memory) Reset(ctx context.Context, accountID int64) error {
	mu := m.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.store.SaveMemory(ctx, accountID, nil); err != nil {
		return fmt.Errorf("memory reset: %w", err)
	}
	return nil
}

// SetEnabled toggles the account's memory flag. The stored window survives
// the toggle.
func (m *Memory) SetEnabled(ctx context.Context, accountID int64, on bool) error {
	_, err := m.accounts.UpdateAccount(ctx, accountID, func(acc *model.Account) {
		acc.MemoryOn = on
	})
	if err != nil {
		return fmt.Errorf("memory toggle: %w", err)
	}
	return nil
}
