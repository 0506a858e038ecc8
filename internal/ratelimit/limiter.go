// Package ratelimit bounds request volume per (account, provider) pair.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Limiter answers whether one more request is allowed right now. Allow
// counts the request when it permits it; a denied request is not counted.
type Limiter interface {
	Allow(ctx context.Context, accountID int64, provider string) (bool, error)
}

const shardCount = 32

type window struct {
	start time.Time
	count int
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// WindowLimiter is a fixed-window counter with lazy rollover: the first call
// after a window elapses resets the counter, no background sweep runs.
type WindowLimiter struct {
	limit  int
	period time.Duration
	shards [shardCount]windowShard
	now    func() time.Time
}

func NewWindowLimiter(limit int, period time.Duration) *WindowLimiter {
	l := &WindowLimiter{limit: limit, period: period, now: time.Now}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

func key(accountID int64, provider string) string {
	return fmt.Sprintf("%d:%s", accountID, provider)
}

func (l *WindowLimiter) shardFor(k string) *windowShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *WindowLimiter) Allow(ctx context.Context, accountID int64, provider string) (bool, error) {
	k := key(accountID, provider)
	sh := l.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	w := sh.windows[k]
	if w == nil || now.Sub(w.start) >= l.period {
		w = &window{start: now}
		sh.windows[k] = w
	}
	if w.count >= l.limit {
		return false, nil
	}
	w.count++
	return true, nil
}
