package service

import (
	"context"

	"tollgate/internal/dispatch"
	"tollgate/internal/ledger"
	"tollgate/internal/memory"
	"tollgate/internal/model"
	"tollgate/internal/provider"
)

// Core implements Service over the dispatcher, ledger and memory components.
type Core struct {
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Ledger
	memory     *memory.Memory
}

func NewCore(d *dispatch.Dispatcher, l *ledger.Ledger, m *memory.Memory) *Core {
	return &Core{dispatcher: d, ledger: l, memory: m}
}

func (c *Core) Chat(ctx context.Context, req model.ChatRequest) (*model.ChatResult, error) {
	return c.dispatcher.Handle(ctx, req)
}

func (c *Core) Balance(ctx context.Context, accountID int64) (int64, error) {
	return c.ledger.Balance(ctx, accountID)
}

func (c *Core) Credit(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	return c.ledger.Credit(ctx, accountID, amount, reason)
}

func (c *Core) AccountStats(ctx context.Context, accountID int64) (*model.UsageStats, error) {
	return c.ledger.AccountStats(ctx, accountID)
}

func (c *Core) GlobalStats(ctx context.Context) (*model.UsageStats, error) {
	return c.ledger.GlobalStats(ctx)
}

func (c *Core) SetBanned(ctx context.Context, accountID int64, banned bool) error {
	_, err := c.ledger.UpdateAccount(ctx, accountID, func(acc *model.Account) {
		acc.Banned = banned
	})
	return err
}

func (c *Core) SetProvider(ctx context.Context, accountID int64, name string) error {
	kind, err := provider.ParseKind(name)
	if err != nil {
		return err
	}
	_, err = c.ledger.UpdateAccount(ctx, accountID, func(acc *model.Account) {
		acc.Provider = string(kind)
	})
	return err
}

func (c *Core) SetLanguage(ctx context.Context, accountID int64, lang string) error {
	_, err := c.ledger.UpdateAccount(ctx, accountID, func(acc *model.Account) {
		acc.Language = lang
	})
	return err
}

func (c *Core) SetMemoryEnabled(ctx context.Context, accountID int64, on bool) error {
	return c.memory.SetEnabled(ctx, accountID, on)
}

func (c *Core) ResetMemory(ctx context.Context, accountID int64) error {
	return c.memory.Reset(ctx, accountID)
}
