package worker

import (
	"context"
	"log/slog"
	"time"

	"tollgate/internal/ledger"
	"tollgate/internal/repository"
)

const bonusBatchSize = 100

// BonusWorker periodically sweeps premium accounts whose monthly bonus is
// due and credits it through the ledger.
type BonusWorker struct {
	ledger   *ledger.Ledger
	store    repository.Store
	interval time.Duration
}

func NewBonusWorker(l *ledger.Ledger, store repository.Store, interval time.Duration) *BonusWorker {
	return &BonusWorker{ledger: l, store: store, interval: interval}
}

func (w *BonusWorker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("Bonus worker is running", "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *BonusWorker) sweep(ctx context.Context) {
	due, err := w.store.ListDueBonuses(ctx, time.Now(), bonusBatchSize)
	if err != nil {
		slog.Error("worker: bonus sweep failed", "error", err)
		return
	}
	for _, acc := range due {
		granted, err := w.ledger.GrantTierBonus(ctx, acc.ID)
		if err != nil {
			slog.Error("worker: bonus grant failed", "account_id", acc.ID, "error", err)
			continue
		}
		if granted > 0 {
			slog.Info("worker: monthly bonus granted", "account_id", acc.ID, "tokens", granted)
		}
	}
}

func (w *BonusWorker) Stop(ctx context.Context) error {
	return nil
}
