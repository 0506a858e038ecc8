package repository

import (
	"context"
	"errors"
	"time"

	"tollgate/internal/model"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// Store is the persistence contract the core is written against. Strong
// read-after-write consistency per account is assumed; the engine behind it
// is interchangeable (Postgres+Redis in production, MemStore in tests).
type Store interface {
	CreateAccount(ctx context.Context, acc *model.Account) error
	LoadAccount(ctx context.Context, id int64) (*model.Account, error)
	SaveAccount(ctx context.Context, acc *model.Account) error

	AppendUsage(ctx context.Context, rec model.UsageRecord) error
	AccountStats(ctx context.Context, id int64) (*model.UsageStats, error)
	GlobalStats(ctx context.Context) (*model.UsageStats, error)

	LoadMemory(ctx context.Context, id int64) ([]model.Turn, error)
	SaveMemory(ctx context.Context, id int64, turns []model.Turn) error

	// ListDueBonuses returns accounts whose next_bonus_at has elapsed.
	ListDueBonuses(ctx context.Context, now time.Time, limit int) ([]*model.Account, error)
}
