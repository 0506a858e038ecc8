package model

import "time"

// Operation is the kind of billable work a request asks for.
type Operation string

const (
	OpChat  Operation = "chat"
	OpImage Operation = "image"
)

// Outcome records how a settlement ended in the usage log.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRefunded Outcome = "refunded"
)

// Account is the billing identity of one end user. Balance is only ever
// mutated through the ledger; it never goes negative.
type Account struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Balance     int64     `json:"balance"`
	Provider    string    `json:"provider"`
	Language    string    `json:"language"`
	MemoryOn    bool      `json:"memory_on"`
	Premium     bool      `json:"premium"`
	Tier        string    `json:"tier"`
	Banned      bool      `json:"banned"`
	NextBonusAt time.Time `json:"next_bonus_at"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// UsageRecord is one append-only entry in the usage log.
type UsageRecord struct {
	AccountID int64     `json:"account_id"`
	Provider  string    `json:"provider"`
	Operation Operation `json:"operation"`
	Tokens    int64     `json:"tokens"`
	Outcome   Outcome   `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageStats aggregates the usage log for one account or globally.
type UsageStats struct {
	Requests    int64            `json:"requests"`
	TokensSpent int64            `json:"tokens_spent"`
	Refunds     int64            `json:"refunds"`
	ByProvider  map[string]int64 `json:"by_provider"`
	ByOperation map[string]int64 `json:"by_operation"`
}

// Turn is one entry of a conversation window.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is what the transport layer hands to the dispatcher.
type ChatRequest struct {
	AccountID int64     `json:"account_id"`
	Operation Operation `json:"operation"`
	Payload   string    `json:"payload"`
	Provider  string    `json:"provider,omitempty"` // explicit override, empty = account preference
	Style     string    `json:"style,omitempty"`    // image operations only
	HD        bool      `json:"hd,omitempty"`
}

// Reason classifies a failed dispatch for the transport layer to render.
type Reason string

const (
	ReasonRateLimited             Reason = "rate_limited"
	ReasonInsufficientBalance     Reason = "insufficient_balance"
	ReasonProviderRejected        Reason = "provider_rejected"
	ReasonAllProvidersUnavailable Reason = "all_providers_unavailable"
	ReasonAccountBanned           Reason = "account_banned"
	ReasonInternal                Reason = "internal_error"
)

// ChatResult is the structured outcome of one dispatched request.
type ChatResult struct {
	OK            bool   `json:"ok"`
	Reason        Reason `json:"reason,omitempty"`
	Content       string `json:"content,omitempty"`
	TokensCharged int64  `json:"tokens_charged"`
}

// UsageEvent is published on the bus whenever a reservation settles.
type UsageEvent struct {
	AccountID int64     `json:"account_id"`
	Provider  string    `json:"provider"`
	Operation Operation `json:"operation"`
	Tokens    int64     `json:"tokens"`
	Outcome   Outcome   `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentEvent arrives on the bus when the payment gateway confirms a
// purchase: credit Tokens to AccountID.
type PaymentEvent struct {
	AccountID int64     `json:"account_id"`
	Tokens    int64     `json:"tokens"`
	Tier      string    `json:"tier,omitempty"`
	PaymentID string    `json:"payment_id"`
	CreatedAt time.Time `json:"created_at"`
}
