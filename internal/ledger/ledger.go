// Package ledger is the authoritative token balance store. Every billable
// operation moves through a Reservation: a short-lived hold that must settle
// as exactly one commit or one release before the request returns.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tollgate/internal/model"
	"tollgate/internal/repository"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrBalanceOverflow     = errors.New("balance overflow")

	// ErrReservationSettled is the double-commit / double-release guard. It
	// signals a programming error in the caller, never a user condition.
	ErrReservationSettled = errors.New("reservation already settled")
)

// UsageTopic carries a model.UsageEvent for every settlement.
const UsageTopic = "usage.settled"

// SignupTokens is the free balance granted on first interaction.
const SignupTokens = 5

const shardCount = 64

type resState int32

const (
	stateOpen resState = iota
	stateCommitted
	stateReleased
)

// Reservation is an in-flight hold against one account. It is owned by the
// dispatcher call that created it and is not safe to share across requests.
type Reservation struct {
	AccountID int64
	Amount    int64
	Operation model.Operation
	CreatedAt time.Time

	state atomic.Int32
}

func (r *Reservation) Open() bool { return resState(r.state.Load()) == stateOpen }

// shard serializes all balance mutations for the accounts hashed onto it.
// held tracks open reservations so concurrent reserves cannot overcommit.
type shard struct {
	mu   sync.Mutex
	held map[int64]int64
}

// Ledger applies debits and credits with per-account linearizability.
// Balances live in the Store; holds are in-process because a reservation
// never outlives the request that created it.
type Ledger struct {
	store  repository.Store
	bus    repository.MessageBus
	shards [shardCount]shard
	now    func() time.Time
}

func New(store repository.Store, bus repository.MessageBus) *Ledger {
	l := &Ledger{store: store, bus: bus, now: time.Now}
	for i := range l.shards {
		l.shards[i].held = make(map[int64]int64)
	}
	return l
}

func (l *Ledger) shardFor(id int64) *shard {
	return &l.shards[uint64(id)%shardCount]
}

// Reserve holds amount against the account's available balance. Available is
// balance minus all other open holds, so concurrent reservations for the same
// account can never jointly exceed the balance.
func (l *Ledger) Reserve(ctx context.Context, accountID int64, op model.Operation, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	sh := l.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acc, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	if acc.Balance-sh.held[accountID] < amount {
		return nil, ErrInsufficientBalance
	}
	sh.held[accountID] += amount

	return &Reservation{
		AccountID: accountID,
		Amount:    amount,
		Operation: op,
		CreatedAt: l.now(),
	}, nil
}

// Commit settles a reservation as a successful charge of actual tokens.
// actual may be below the reserved amount (the excess hold is returned); it
// is never allowed above it, overruns require a new reservation.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, provider string, actual int64) error {
	if actual < 0 {
		return ErrInvalidAmount
	}
	if actual > res.Amount {
		slog.Warn("ledger: metered cost above reservation, clamping",
			"account_id", res.AccountID, "reserved", res.Amount, "metered", actual)
		actual = res.Amount
	}

	if !res.state.CompareAndSwap(int32(stateOpen), int32(stateCommitted)) {
		return fmt.Errorf("commit of %d tokens for account %d: %w", actual, res.AccountID, ErrReservationSettled)
	}

	sh := l.shardFor(res.AccountID)
	sh.mu.Lock()
	acc, err := l.store.LoadAccount(ctx, res.AccountID)
	if err == nil {
		acc.Balance -= actual
		acc.LastSeenAt = l.now()
		err = l.store.SaveAccount(ctx, acc)
	}
	if err != nil {
		// The charge did not land; reopen so the caller's settle guard can
		// release the hold.
		res.state.Store(int32(stateOpen))
		sh.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	l.releaseHold(sh, res.AccountID, res.Amount)
	sh.mu.Unlock()

	l.appendUsage(ctx, res, provider, actual, model.OutcomeSuccess)
	return nil
}

// Release settles a reservation as a full refund: the entire hold returns to
// the available balance and a refunded usage record is appended.
func (l *Ledger) Release(ctx context.Context, res *Reservation, provider string) error {
	if !res.state.CompareAndSwap(int32(stateOpen), int32(stateReleased)) {
		return fmt.Errorf("release for account %d: %w", res.AccountID, ErrReservationSettled)
	}

	sh := l.shardFor(res.AccountID)
	sh.mu.Lock()
	l.releaseHold(sh, res.AccountID, res.Amount)
	sh.mu.Unlock()

	l.appendUsage(ctx, res, provider, res.Amount, model.OutcomeRefunded)
	return nil
}

func (l *Ledger) releaseHold(sh *shard, accountID, amount int64) {
	sh.held[accountID] -= amount
	if sh.held[accountID] <= 0 {
		delete(sh.held, accountID)
	}
}

func (l *Ledger) appendUsage(ctx context.Context, res *Reservation, provider string, tokens int64, outcome model.Outcome) {
	rec := model.UsageRecord{
		AccountID: res.AccountID,
		Provider:  provider,
		Operation: res.Operation,
		Tokens:    tokens,
		Outcome:   outcome,
		CreatedAt: l.now(),
	}
	if err := l.store.AppendUsage(ctx, rec); err != nil {
		slog.Error("ledger: failed to append usage record",
			"account_id", res.AccountID, "outcome", outcome, "error", err)
	}
	if l.bus == nil {
		return
	}
	data, _ := json.Marshal(model.UsageEvent(rec))
	if err := l.bus.Publish(UsageTopic, data); err != nil {
		slog.Error("ledger: failed to publish usage event",
			"account_id", res.AccountID, "error", err)
	}
}

// Credit adds tokens to an account: purchase, monthly bonus or admin grant.
func (l *Ledger) Credit(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	sh := l.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acc, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	if acc.Balance > math.MaxInt64-amount {
		return 0, ErrBalanceOverflow
	}
	acc.Balance += amount
	if err := l.store.SaveAccount(ctx, acc); err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}

	slog.Info("ledger: credited tokens",
		"account_id", accountID, "amount", amount, "reason", reason, "balance", acc.Balance)
	return acc.Balance, nil
}

// GrantTierBonus credits the account's monthly subscription bonus and
// schedules the next grant. Returns the bonus amount, zero if none was due.
func (l *Ledger) GrantTierBonus(ctx context.Context, accountID int64) (int64, error) {
	sh := l.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acc, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("tier bonus: %w", err)
	}
	tier, ok := model.Tiers[acc.Tier]
	if !ok || !acc.Premium || acc.NextBonusAt.After(l.now()) {
		return 0, nil
	}
	if acc.Balance > math.MaxInt64-tier.MonthlyBonus {
		return 0, ErrBalanceOverflow
	}
	acc.Balance += tier.MonthlyBonus
	acc.NextBonusAt = l.now().AddDate(0, 1, 0)
	if err := l.store.SaveAccount(ctx, acc); err != nil {
		return 0, fmt.Errorf("tier bonus: %w", err)
	}
	return tier.MonthlyBonus, nil
}

// EnsureAccount returns the account, creating it with the signup balance on
// first interaction.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID int64, username string) (*model.Account, error) {
	acc, err := l.store.LoadAccount(ctx, accountID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	now := l.now()
	acc = &model.Account{
		ID:         accountID,
		Username:   username,
		Balance:    SignupTokens,
		Provider:   "openai",
		Language:   "en",
		MemoryOn:   true,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := l.store.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return l.store.LoadAccount(ctx, accountID)
		}
		return nil, err
	}
	slog.Info("ledger: created account", "account_id", accountID, "username", username)
	return acc, nil
}

// UpdateAccount applies fn to the account under its serialization granule.
// It exists so other components can flip account preferences (memory toggle,
// provider choice, ban flag) without racing balance writes.
func (l *Ledger) UpdateAccount(ctx context.Context, accountID int64, fn func(*model.Account)) (*model.Account, error) {
	sh := l.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acc, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	fn(acc)
	if err := l.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Balance returns the persisted balance without considering open holds.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	acc, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// AccountStats aggregates the usage log for one account.
func (l *Ledger) AccountStats(ctx context.Context, accountID int64) (*model.UsageStats, error) {
	return l.store.AccountStats(ctx, accountID)
}

// GlobalStats aggregates the usage log across all accounts.
func (l *Ledger) GlobalStats(ctx context.Context) (*model.UsageStats, error) {
	return l.store.GlobalStats(ctx)
}
