package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tollgate/internal/model"
)

// PostgresStore keeps accounts, usage records and memory windows in Postgres,
// with a Redis read-through cache in front of the hot rows. The cache has no
// TTL: Postgres is the source of truth and every write refreshes the cache.
type PostgresStore struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

func NewPostgresStore(db *pgxpool.Pool, rdb *redis.Client) *PostgresStore {
	return &PostgresStore{db: db, rdb: rdb}
}

func accountKey(id int64) string { return fmt.Sprintf("account:%d", id) }
func memoryKey(id int64) string  { return fmt.Sprintf("memory:%d", id) }

func (s *PostgresStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, username, balance, provider, language, memory_on,
		                      premium, tier, banned, next_bonus_at, created_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		acc.ID, acc.Username, acc.Balance, acc.Provider, acc.Language, acc.MemoryOn,
		acc.Premium, acc.Tier, acc.Banned, acc.NextBonusAt, acc.CreatedAt, acc.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountExists
	}
	return s.cacheAccount(ctx, acc)
}

// LoadAccount reads the account from the Redis cache, warming it from
// Postgres on a miss.
func (s *PostgresStore) LoadAccount(ctx context.Context, id int64) (*model.Account, error) {
	raw, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var acc model.Account
		if err := json.Unmarshal(raw, &acc); err == nil {
			return &acc, nil
		}
		// Poisoned cache entry: fall through to the database.
		slog.Warn("store: dropping unreadable cached account", "account_id", id)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get account: %w", err)
	}

	acc, err := s.selectAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cacheAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *PostgresStore) selectAccount(ctx context.Context, id int64) (*model.Account, error) {
	var acc model.Account
	err := s.db.QueryRow(ctx, `
		SELECT id, username, balance, provider, language, memory_on,
		       premium, tier, banned, next_bonus_at, created_at, last_seen_at
		FROM accounts WHERE id = $1`, id,
	).Scan(&acc.ID, &acc.Username, &acc.Balance, &acc.Provider, &acc.Language, &acc.MemoryOn,
		&acc.Premium, &acc.Tier, &acc.Banned, &acc.NextBonusAt, &acc.CreatedAt, &acc.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &acc, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE accounts SET username=$2, balance=$3, provider=$4, language=$5,
		       memory_on=$6, premium=$7, tier=$8, banned=$9, next_bonus_at=$10,
		       last_seen_at=$11
		WHERE id=$1`,
		acc.ID, acc.Username, acc.Balance, acc.Provider, acc.Language,
		acc.MemoryOn, acc.Premium, acc.Tier, acc.Banned, acc.NextBonusAt, acc.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return s.cacheAccount(ctx, acc)
}

func (s *PostgresStore) cacheAccount(ctx context.Context, acc *model.Account) error {
	raw, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := s.rdb.Set(ctx, accountKey(acc.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set account: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendUsage(ctx context.Context, rec model.UsageRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (account_id, provider, operation, tokens, outcome, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.AccountID, rec.Provider, rec.Operation, rec.Tokens, rec.Outcome, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) AccountStats(ctx context.Context, id int64) (*model.UsageStats, error) {
	return s.stats(ctx, "WHERE account_id = $1", id)
}

func (s *PostgresStore) GlobalStats(ctx context.Context) (*model.UsageStats, error) {
	return s.stats(ctx, "")
}

func (s *PostgresStore) stats(ctx context.Context, where string, args ...any) (*model.UsageStats, error) {
	st := &model.UsageStats{
		ByProvider:  make(map[string]int64),
		ByOperation: make(map[string]int64),
	}

	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens) FILTER (WHERE outcome = 'success'), 0),
		       COUNT(*) FILTER (WHERE outcome = 'refunded')
		FROM usage_records `+where, args...,
	).Scan(&st.Requests, &st.TokensSpent, &st.Refunds)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT provider, operation, COUNT(*)
		FROM usage_records `+where+` GROUP BY provider, operation`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider, operation string
		var count int64
		if err := rows.Scan(&provider, &operation, &count); err != nil {
			return nil, fmt.Errorf("scan usage breakdown: %w", err)
		}
		st.ByProvider[provider] += count
		st.ByOperation[operation] += count
	}
	return st, rows.Err()
}

func (s *PostgresStore) LoadMemory(ctx context.Context, id int64) ([]model.Turn, error) {
	raw, err := s.rdb.Get(ctx, memoryKey(id)).Bytes()
	if err == nil {
		var turns []model.Turn
		if err := json.Unmarshal(raw, &turns); err == nil {
			return turns, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get memory: %w", err)
	}

	var turns []model.Turn
	err = s.db.QueryRow(ctx,
		`SELECT turns FROM memory_windows WHERE account_id = $1`, id,
	).Scan(&turns)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select memory window: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) SaveMemory(ctx context.Context, id int64, turns []model.Turn) error {
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal memory window: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO memory_windows (account_id, turns, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET turns = $2, updated_at = $3`,
		id, raw, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert memory window: %w", err)
	}
	if err := s.rdb.Set(ctx, memoryKey(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueBonuses(ctx context.Context, now time.Time, limit int) ([]*model.Account, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, username, balance, provider, language, memory_on,
		       premium, tier, banned, next_bonus_at, created_at, last_seen_at
		FROM accounts
		WHERE premium AND NOT banned AND next_bonus_at <= $1
		ORDER BY next_bonus_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due bonuses: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		var acc model.Account
		if err := rows.Scan(&acc.ID, &acc.Username, &acc.Balance, &acc.Provider, &acc.Language,
			&acc.MemoryOn, &acc.Premium, &acc.Tier, &acc.Banned, &acc.NextBonusAt,
			&acc.CreatedAt, &acc.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, &acc)
	}
	return accounts, rows.Err()
}
