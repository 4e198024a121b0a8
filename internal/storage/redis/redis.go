// Package redis implements the short-lived stores (idempotency keys, rate
// counters and the blacklist) on Redis for deployments running several
// replicas of the API.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/payledger/internal/domain/idempotency"
	"github.com/xenking/payledger/internal/domain/risk"
)

const (
	idempotencyPrefix = "payledger:idem:"
	counterPrefix     = "payledger:rate:"
	blacklistPrefix   = "payledger:blacklist:"
)

var blacklistKinds = []risk.EntryKind{risk.EntryIP, risk.EntryEmail, risk.EntryCard}

// NewClient parses a redis:// URL and verifies the server answers PING.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// IdempotencyStore keeps processed-event keys with a native TTL.
type IdempotencyStore struct {
	rdb redis.Cmdable
}

// NewIdempotencyStore returns an IdempotencyStore over rdb.
func NewIdempotencyStore(rdb redis.Cmdable) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb}
}

// InsertIfAbsent implements idempotency.Store with SET NX.
func (s *IdempotencyStore) InsertIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, idempotencyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "set idempotency key")
	}
	return ok, nil
}

// Delete implements idempotency.Store.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "delete idempotency key")
	}
	return nil
}

var _ risk.Counter = (*Counter)(nil)

// Counter is a fixed-window counter. The window starts on the first hit.
type Counter struct {
	rdb redis.Cmdable
}

// NewCounter returns a Counter over rdb.
func NewCounter(rdb redis.Cmdable) *Counter {
	return &Counter{rdb: rdb}
}

// Incr implements risk.Counter.
func (c *Counter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counterPrefix+key)
		pipe.ExpireNX(ctx, counterPrefix+key, window)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "increment counter")
	}
	return incr.Val(), nil
}

var _ risk.BlacklistStore = (*BlacklistStore)(nil)

// BlacklistStore keeps one hash per entry kind, mapping value to reason.
type BlacklistStore struct {
	rdb redis.Cmdable
}

// NewBlacklistStore returns a BlacklistStore over rdb.
func NewBlacklistStore(rdb redis.Cmdable) *BlacklistStore {
	return &BlacklistStore{rdb: rdb}
}

// Contains implements risk.Blacklist.
func (s *BlacklistStore) Contains(ctx context.Context, kind risk.EntryKind, value string) (bool, error) {
	found, err := s.rdb.HExists(ctx, blacklistPrefix+string(kind), value).Result()
	if err != nil {
		return false, errors.Wrap(err, "query blacklist")
	}
	return found, nil
}

// Add implements risk.BlacklistStore.
func (s *BlacklistStore) Add(ctx context.Context, entries ...risk.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.HSet(ctx, blacklistPrefix+string(e.Kind), e.Value, e.Reason)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "add blacklist entries")
	}
	return nil
}

// Scan implements risk.BlacklistStore.
func (s *BlacklistStore) Scan(ctx context.Context, fn func(risk.Entry) error) error {
	for _, kind := range blacklistKinds {
		iter := s.rdb.HScan(ctx, blacklistPrefix+string(kind), 0, "", 500).Iterator()
		for iter.Next(ctx) {
			value := iter.Val()
			if !iter.Next(ctx) {
				break
			}
			if err := fn(risk.Entry{Kind: kind, Value: value, Reason: iter.Val()}); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return errors.Wrapf(err, "scan %s blacklist", kind)
		}
	}
	return nil
}
