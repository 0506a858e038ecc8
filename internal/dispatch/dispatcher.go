// Package dispatch orchestrates one billable request: rate check, ledger
// reservation, provider attempts with retry and fallback, settlement.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"tollgate/internal/ledger"
	"tollgate/internal/memory"
	"tollgate/internal/model"
	"tollgate/internal/provider"
	"tollgate/internal/ratelimit"
)

// state names the phases of a request. Each request moves strictly forward:
// received → rate_checked → reserved → attempt(i) → settled | failed.
type state string

const (
	stateReceived    state = "received"
	stateRateChecked state = "rate_checked"
	stateReserved    state = "reserved"
	stateAttempt     state = "attempt"
	stateSettled     state = "settled"
	stateFailed      state = "failed"
)

// Config bounds the provider attempt loop.
type Config struct {
	MaxRetries     uint64        // extra attempts per provider after the first
	BaseBackoff    time.Duration // exponential backoff base between attempts
	AttemptTimeout time.Duration // per-attempt deadline, below the transport's budget
}

// Dispatcher routes requests to providers and settles the ledger exactly once
// per request on every path, including cancellation.
type Dispatcher struct {
	ledger    *ledger.Ledger
	limiter   ratelimit.Limiter
	memory    *memory.Memory
	providers map[provider.Kind]provider.Provider
	chatOrder []provider.Kind
	cfg       Config
}

// New builds a dispatcher over a closed provider set. chatOrder is the
// deterministic fallback order for provider-agnostic chat requests.
func New(l *ledger.Ledger, rl ratelimit.Limiter, mem *memory.Memory,
	providers []provider.Provider, chatOrder []provider.Kind, cfg Config) *Dispatcher {

	byKind := make(map[provider.Kind]provider.Provider, len(providers))
	for _, p := range providers {
		byKind[p.Kind()] = p
	}
	return &Dispatcher{
		ledger:    l,
		limiter:   rl,
		memory:    mem,
		providers: byKind,
		chatOrder: chatOrder,
		cfg:       cfg,
	}
}

// Handle runs the request through the state machine. A non-nil error means
// infrastructure failed (storage, cancellation); user-facing failures come
// back as a ChatResult with a Reason and never an error.
func (d *Dispatcher) Handle(ctx context.Context, req model.ChatRequest) (*model.ChatResult, error) {
	log := slog.With("account_id", req.AccountID, "operation", req.Operation)
	log.Debug("dispatch", "state", stateReceived)

	acc, err := d.ledger.EnsureAccount(ctx, req.AccountID, "")
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if acc.Banned {
		return failed(model.ReasonAccountBanned), nil
	}

	candidates, err := d.candidates(req, acc)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	allowed, err := d.limiter.Allow(ctx, req.AccountID, string(candidates[0].Kind()))
	if err != nil {
		return nil, fmt.Errorf("dispatch: rate limit: %w", err)
	}
	if !allowed {
		log.Info("dispatch: rate limited")
		return failed(model.ReasonRateLimited), nil
	}
	log.Debug("dispatch", "state", stateRateChecked)

	// Reservations are sized to the worst case over all fallback candidates
	// so a cheaper-than-estimated settlement only ever releases excess hold.
	var estimate int64
	preq := provider.Request{Prompt: req.Payload, Style: req.Style, HD: req.HD}
	for _, p := range candidates {
		if c := p.Cost(preq); c > estimate {
			estimate = c
		}
	}

	res, err := d.ledger.Reserve(ctx, req.AccountID, req.Operation, estimate)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			log.Info("dispatch: insufficient balance", "estimate", estimate)
			return failed(model.ReasonInsufficientBalance), nil
		}
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	log.Debug("dispatch", "state", stateReserved, "estimate", estimate)

	// Settle guard: whatever path exits this function, the reservation never
	// stays open. Settled paths below make this a no-op.
	lastKind := candidates[0].Kind()
	defer func() {
		if !res.Open() {
			return
		}
		if rerr := d.ledger.Release(context.WithoutCancel(ctx), res, string(lastKind)); rerr != nil {
			log.Error("dispatch: failed to release reservation", "error", rerr)
		}
	}()

	if req.Operation == model.OpChat {
		turns, err := d.memory.Read(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		preq.History = turns
	}

	for i, p := range candidates {
		if !p.Healthy() {
			log.Info("dispatch: skipping unhealthy provider", "provider", p.Kind())
			continue
		}
		lastKind = p.Kind()
		log.Debug("dispatch", "state", stateAttempt, "provider", p.Kind(), "ordinal", i)

		resp, err := d.attempt(ctx, p, preq)
		if err == nil {
			return d.settle(ctx, log, req, res, p, resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !provider.IsRetriable(err) {
			// Permanent rejection: no charge, no further providers.
			log.Info("dispatch: provider rejected request", "provider", p.Kind(), "error", err)
			if rerr := d.ledger.Release(ctx, res, string(p.Kind())); rerr != nil {
				return nil, fmt.Errorf("dispatch: %w", rerr)
			}
			return failed(model.ReasonProviderRejected), nil
		}
		log.Warn("dispatch: provider attempts exhausted", "provider", p.Kind(), "error", err)
	}

	log.Warn("dispatch: all providers unavailable")
	if rerr := d.ledger.Release(ctx, res, string(lastKind)); rerr != nil {
		return nil, fmt.Errorf("dispatch: %w", rerr)
	}
	log.Debug("dispatch", "state", stateFailed)
	return failed(model.ReasonAllProvidersUnavailable), nil
}

// attempt calls one provider with bounded exponential backoff. Only errors
// the provider classifies as retriable are retried.
func (d *Dispatcher) attempt(ctx context.Context, p provider.Provider, preq provider.Request) (*provider.Response, error) {
	var resp *provider.Response
	backoff := retry.WithMaxRetries(d.cfg.MaxRetries, retry.NewExponential(d.cfg.BaseBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()

		r, err := p.Generate(attemptCtx, preq)
		if err != nil {
			if provider.IsRetriable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) settle(ctx context.Context, log *slog.Logger, req model.ChatRequest,
	res *ledger.Reservation, p provider.Provider, resp *provider.Response) (*model.ChatResult, error) {

	if err := d.ledger.Commit(ctx, res, string(p.Kind()), resp.MeteredCost); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	if req.Operation == model.OpChat {
		if err := d.memory.Append(ctx, req.AccountID, "user", req.Payload); err != nil {
			log.Error("dispatch: failed to append user turn", "error", err)
		} else if err := d.memory.Append(ctx, req.AccountID, "assistant", resp.Content); err != nil {
			log.Error("dispatch: failed to append assistant turn", "error", err)
		}
	}

	log.Debug("dispatch", "state", stateSettled, "provider", p.Kind(), "charged", resp.MeteredCost)
	return &model.ChatResult{OK: true, Content: resp.Content, TokensCharged: resp.MeteredCost}, nil
}

// candidates resolves the deterministic provider order for this request: an
// explicit override pins a single provider, otherwise the account preference
// leads the configured fallback order. Image requests go to image providers.
func (d *Dispatcher) candidates(req model.ChatRequest, acc *model.Account) ([]provider.Provider, error) {
	if req.Operation == model.OpImage {
		p, ok := d.providers[provider.KindDalle]
		if !ok {
			return nil, errors.New("no image provider configured")
		}
		return []provider.Provider{p}, nil
	}

	if req.Provider != "" {
		kind, err := provider.ParseKind(req.Provider)
		if err != nil {
			return nil, err
		}
		p, ok := d.providers[kind]
		if !ok || p.Operation() != req.Operation {
			return nil, fmt.Errorf("provider %s not available for %s", kind, req.Operation)
		}
		return []provider.Provider{p}, nil
	}

	var order []provider.Kind
	if preferred, err := provider.ParseKind(acc.Provider); err == nil {
		order = append(order, preferred)
	}
	for _, k := range d.chatOrder {
		if len(order) == 0 || k != order[0] {
			order = append(order, k)
		}
	}

	var out []provider.Provider
	for _, k := range order {
		if p, ok := d.providers[k]; ok && p.Operation() == model.OpChat {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no chat provider configured")
	}
	return out, nil
}

func failed(reason model.Reason) *model.ChatResult {
	return &model.ChatResult{OK: false, Reason: reason}
}
