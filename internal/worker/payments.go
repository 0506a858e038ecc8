package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"tollgate/internal/ledger"
	"tollgate/internal/model"
)

// PaymentsTopic is published by the payment gateway once a purchase clears.
const PaymentsTopic = "payments.completed"

// PaymentWorker listens for completed payments and credits the purchased
// tokens, activating the subscription tier when the payment carries one.
type PaymentWorker struct {
	ledger   *ledger.Ledger
	natsConn *nats.Conn
}

func NewPaymentWorker(l *ledger.Ledger, nc *nats.Conn) *PaymentWorker {
	return &PaymentWorker{ledger: l, natsConn: nc}
}

// Start subscribes to the payments topic and blocks until ctx is cancelled.
func (w *PaymentWorker) Start(ctx context.Context) error {
	// QueueSubscribe so that with several replicas each payment is credited
	// exactly once.
	sub, err := w.natsConn.QueueSubscribe(PaymentsTopic, "payment_group", func(m *nats.Msg) {
		var event model.PaymentEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			slog.Error("worker: failed to unmarshal payment event", "error", err)
			return
		}
		if err := w.handle(ctx, event); err != nil {
			slog.Error("worker: failed to apply payment",
				"account_id", event.AccountID,
				"payment_id", event.PaymentID,
				"error", err,
			)
			return
		}
		slog.Info("worker: payment applied",
			"account_id", event.AccountID,
			"payment_id", event.PaymentID,
			"tokens", event.Tokens,
		)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Payment worker is running")

	<-ctx.Done()

	slog.Info("Payment worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

func (w *PaymentWorker) handle(ctx context.Context, event model.PaymentEvent) error {
	tokens := event.Tokens
	tier, hasTier := model.Tiers[event.Tier]
	if hasTier && tokens == 0 {
		tokens = tier.Tokens
	}

	if _, err := w.ledger.Credit(ctx, event.AccountID, tokens, "purchase:"+event.PaymentID); err != nil {
		return err
	}
	if !hasTier {
		return nil
	}
	_, err := w.ledger.UpdateAccount(ctx, event.AccountID, func(acc *model.Account) {
		acc.Premium = true
		acc.Tier = tier.ID
		acc.NextBonusAt = time.Now().AddDate(0, 1, 0)
	})
	return err
}

func (w *PaymentWorker) Stop(ctx context.Context) error {
	return nil
}
