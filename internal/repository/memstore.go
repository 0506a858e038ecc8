package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"tollgate/internal/model"
)

// MemStore is an in-process Store used by tests and local development.
type MemStore struct {
	mu       sync.Mutex
	accounts map[int64]model.Account
	usage    []model.UsageRecord
	memories map[int64][]model.Turn
}

func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[int64]model.Account),
		memories: make(map[int64][]model.Turn),
	}
}

func (s *MemStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; ok {
		return ErrAccountExists
	}
	s.accounts[acc.ID] = *acc
	return nil
}

func (s *MemStore) LoadAccount(ctx context.Context, id int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

func (s *MemStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; !ok {
		return ErrAccountNotFound
	}
	s.accounts[acc.ID] = *acc
	return nil
}

func (s *MemStore) AppendUsage(ctx context.Context, rec model.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

// Usage returns a copy of the usage log for test assertions.
func (s *MemStore) Usage() []model.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *MemStore) AccountStats(ctx context.Context, id int64) (*model.UsageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregate(func(r model.UsageRecord) bool { return r.AccountID == id }), nil
}

func (s *MemStore) GlobalStats(ctx context.Context) (*model.UsageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregate(func(model.UsageRecord) bool { return true }), nil
}

func (s *MemStore) aggregate(match func(model.UsageRecord) bool) *model.UsageStats {
	st := &model.UsageStats{
		ByProvider:  make(map[string]int64),
		ByOperation: make(map[string]int64),
	}
	for _, r := range s.usage {
		if !match(r) {
			continue
		}
		st.Requests++
		switch r.Outcome {
		case model.OutcomeSuccess:
			st.TokensSpent += r.Tokens
		case model.OutcomeRefunded:
			st.Refunds++
		}
		st.ByProvider[r.Provider]++
		st.ByOperation[string(r.Operation)]++
	}
	return st
}

func (s *MemStore) LoadMemory(ctx context.Context, id int64) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.memories[id]
	out := make([]model.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemStore) SaveMemory(ctx context.Context, id int64, turns []model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]model.Turn, len(turns))
	copy(cp, turns)
	s.memories[id] = cp
	return nil
}

func (s *MemStore) ListDueBonuses(ctx context.Context, now time.Time, limit int) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.Account
	for _, acc := range s.accounts {
		if acc.Premium && !acc.Banned && !acc.NextBonusAt.After(now) {
			a := acc
			due = append(due, &a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextBonusAt.Before(due[j].NextBonusAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
