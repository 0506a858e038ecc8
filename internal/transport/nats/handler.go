package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tollgate/internal/model"
	"tollgate/internal/service"
)

const (
	chatTopic   = "chat.requests"
	creditTopic = "commands.credit"
	queueGroup  = "dispatch_group"
)

// Handler serves chat requests over NATS request-reply and credit commands
// as fire-and-forget, delegating to the dispatch service.
type Handler struct {
	svc  service.Service
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.Service, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to the command topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe(chatTopic, queueGroup, func(m *nats.Msg) {
		var req model.ChatRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("nats: failed to unmarshal chat request", "error", err)
			return
		}
		res, err := h.svc.Chat(ctx, req)
		if err != nil {
			slog.Error("nats: chat dispatch failed", "account_id", req.AccountID, "error", err)
			res = &model.ChatResult{OK: false, Reason: model.ReasonInternal}
		}
		if m.Reply == "" {
			return
		}
		data, _ := json.Marshal(res)
		if err := m.Respond(data); err != nil {
			slog.Error("nats: failed to respond", "account_id", req.AccountID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe(creditTopic, queueGroup, func(m *nats.Msg) {
		var req struct {
			AccountID int64  `json:"account_id"`
			Amount    int64  `json:"amount"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("nats: failed to unmarshal credit command", "error", err)
			return
		}
		if _, err := h.svc.Credit(ctx, req.AccountID, req.Amount, req.Reason); err != nil {
			slog.Error("nats: credit failed", "account_id", req.AccountID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
