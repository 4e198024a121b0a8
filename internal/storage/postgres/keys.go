package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/payledger/internal/domain/idempotency"
	"github.com/xenking/payledger/internal/domain/risk"
)

var _ idempotency.Store = (*IdempotencyStore)(nil)

// IdempotencyStore keeps processed-event keys in the idempotency_keys table.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore returns an IdempotencyStore that uses the given pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// InsertIfAbsent implements idempotency.Store. An expired key is taken over
// as if it were absent.
func (s *IdempotencyStore) InsertIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	var got string
	err := conn(ctx, s.pool).QueryRow(ctx, `INSERT INTO idempotency_keys (key, expires_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= $3
		RETURNING key`, key, now.Add(ttl), now).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert idempotency key")
	}
	return true, nil
}

// Delete implements idempotency.Store.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if _, err := conn(ctx, s.pool).Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return errors.Wrap(err, "delete idempotency key")
	}
	return nil
}

// DeleteExpired removes expired keys and reports how many were removed.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := conn(ctx, s.pool).Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "delete expired keys")
	}
	return tag.RowsAffected(), nil
}

var _ risk.Counter = (*Counter)(nil)

// Counter is a fixed-window counter in the rate_counters table.
type Counter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewCounter returns a Counter that uses the given pool.
func NewCounter(pool *pgxpool.Pool) *Counter {
	return &Counter{pool: pool, now: time.Now}
}

// Incr implements risk.Counter. A key whose window ended restarts at one.
func (c *Counter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := c.now().UTC()
	var n int64
	err := conn(ctx, c.pool).QueryRow(ctx, `INSERT INTO rate_counters (key, count, window_end) VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_counters.window_end <= $3 THEN 1 ELSE rate_counters.count + 1 END,
			window_end = CASE WHEN rate_counters.window_end <= $3 THEN EXCLUDED.window_end ELSE rate_counters.window_end END
		RETURNING count`, key, now.Add(window), now).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "increment counter")
	}
	return n, nil
}

var _ risk.BlacklistStore = (*BlacklistStore)(nil)

// BlacklistStore implements risk.BlacklistStore.
type BlacklistStore struct {
	pool *pgxpool.Pool
}

// NewBlacklistStore returns a BlacklistStore that uses the given pool.
func NewBlacklistStore(pool *pgxpool.Pool) *BlacklistStore {
	return &BlacklistStore{pool: pool}
}

// Contains implements risk.Blacklist.
func (s *BlacklistStore) Contains(ctx context.Context, kind risk.EntryKind, value string) (bool, error) {
	var found bool
	err := conn(ctx, s.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM blacklist WHERE kind = $1 AND value = $2)`,
		string(kind), value,
	).Scan(&found)
	if err != nil {
		return false, errors.Wrap(err, "query blacklist")
	}
	return found, nil
}

// Add implements risk.BlacklistStore. Entries are written in one batch.
func (s *BlacklistStore) Add(ctx context.Context, entries ...risk.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO blacklist (kind, value, reason) VALUES ($1, $2, $3)
			ON CONFLICT (kind, value) DO UPDATE SET reason = EXCLUDED.reason`,
			string(e.Kind), e.Value, e.Reason)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "insert blacklist entries")
	}
	return nil
}

// Scan implements risk.BlacklistStore.
func (s *BlacklistStore) Scan(ctx context.Context, fn func(risk.Entry) error) error {
	rows, err := conn(ctx, s.pool).Query(ctx, `SELECT kind, value, reason FROM blacklist`)
	if err != nil {
		return errors.Wrap(err, "scan blacklist")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e    risk.Entry
			kind string
		)
		if err := rows.Scan(&kind, &e.Value, &e.Reason); err != nil {
			return errors.Wrap(err, "scan blacklist row")
		}
		e.Kind = risk.EntryKind(kind)
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
