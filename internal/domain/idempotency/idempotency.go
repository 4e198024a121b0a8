package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// DefaultTTL is how long processed-event marks are retained.
const DefaultTTL = 24 * time.Hour

// ErrEmptyKey is returned when no key can be derived for an event.
var ErrEmptyKey = errors.New("idempotency key is empty")

// Store records processed-event keys. InsertIfAbsent must be atomic: of any
// number of concurrent calls with the same key, exactly one reports inserted.
type Store interface {
	InsertIfAbsent(ctx context.Context, key string, ttl time.Duration) (inserted bool, err error)
	Delete(ctx context.Context, key string) error
}

// Key derives the deduplication key of a provider notification. The provider
// event id is preferred; without one the key falls back to the order and the
// reported status, so a redelivered status change is still recognised.
func Key(provider, externalEventID, orderID, externalStatus string) string {
	if id := strings.TrimSpace(externalEventID); id != "" {
		return provider + ":evt:" + id
	}
	if orderID == "" || externalStatus == "" {
		return ""
	}
	return provider + ":ord:" + orderID + ":" + strings.ToLower(strings.TrimSpace(externalStatus))
}

// Guard marks events as processed.
type Guard struct {
	store Store
	ttl   time.Duration
}

// NewGuard creates a Guard. A non-positive ttl selects DefaultTTL.
func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// CheckAndMark atomically marks key as processed and reports whether it had
// already been marked.
func (g *Guard) CheckAndMark(ctx context.Context, key string) (alreadyProcessed bool, err error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	inserted, err := g.store.InsertIfAbsent(ctx, key, g.ttl)
	if err != nil {
		return false, errors.Wrap(err, "mark event")
	}
	return !inserted, nil
}

// Release removes the mark so a redelivery is processed again. It is used
// when handling failed before any state was applied.
func (g *Guard) Release(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := g.store.Delete(ctx, key); err != nil {
		return errors.Wrap(err, "release event mark")
	}
	return nil
}
