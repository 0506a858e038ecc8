package service

import (
	"context"

	"tollgate/internal/model"
)

// Service defines the business operations of the dispatch core.
// All transport layers (HTTP, NATS) depend on this interface, not on the
// concrete wiring.
type Service interface {
	Chat(ctx context.Context, req model.ChatRequest) (*model.ChatResult, error)

	Balance(ctx context.Context, accountID int64) (int64, error)
	Credit(ctx context.Context, accountID, amount int64, reason string) (int64, error)
	AccountStats(ctx context.Context, accountID int64) (*model.UsageStats, error)
	GlobalStats(ctx context.Context) (*model.UsageStats, error)

	SetBanned(ctx context.Context, accountID int64, banned bool) error
	SetProvider(ctx context.Context, accountID int64, name string) error
	SetLanguage(ctx context.Context, accountID int64, lang string) error
	SetMemoryEnabled(ctx context.Context, accountID int64, on bool) error
	ResetMemory(ctx context.Context, accountID int64) error
}
