// Package provider wraps each AI backend behind one generate capability.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"tollgate/internal/model"
)

// Kind is the closed set of configured backends. Unknown names are rejected
// at config load, never at dispatch time.
type Kind string

const (
	KindOpenAI  Kind = "openai"
	KindClaude  Kind = "claude"
	KindMistral Kind = "mistral"
	KindDalle   Kind = "dalle"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindOpenAI, KindClaude, KindMistral, KindDalle:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Request is the uniform generate input: the prompt plus the trailing
// conversation window, and image options where they apply.
type Request struct {
	Prompt  string
	History []model.Turn
	Style   string
	HD      bool
}

// Response is the uniform generate output. MeteredCost is in billing tokens,
// not model text tokens.
type Response struct {
	Content     string
	MeteredCost int64
}

// Error classifies a failed generate call. Retriable failures (timeouts,
// 5xx, quota pressure) are worth another attempt; the rest abort the request.
type Error struct {
	Provider  Kind
	Reason    string
	Retriable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}

// IsRetriable reports whether err is a transient provider failure.
func IsRetriable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retriable
}

// Provider is the capability every backend adapter implements.
type Provider interface {
	Kind() Kind
	Operation() model.Operation
	// Cost is the worst-case billing cost of the request, used to size the
	// ledger reservation before the call.
	Cost(req Request) int64
	// Healthy is a cheap short-circuit: false while the backend is in a
	// cooldown after a connection-level failure.
	Healthy() bool
	Generate(ctx context.Context, req Request) (*Response, error)
}

// retriableStatus classifies an HTTP status from a vendor API.
func retriableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= 500
}

const downCooldown = 30 * time.Second

// health flips a provider unavailable for a cooldown after the transport
// itself fails, so fallbacks skip it instead of waiting out a timeout.
type health struct {
	downUntil atomic.Int64
}

func (h *health) Healthy() bool {
	return time.Now().UnixNano() >= h.downUntil.Load()
}

func (h *health) markDown() {
	h.downUntil.Store(time.Now().Add(downCooldown).UnixNano())
}

func (h *health) markUp() {
	h.downUntil.Store(0)
}
