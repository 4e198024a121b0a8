package risk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// EntryKind is the attribute a blacklist entry matches.
type EntryKind string

const (
	EntryIP    EntryKind = "ip"
	EntryEmail EntryKind = "email"
	EntryCard  EntryKind = "card"
)

// ErrUnknownEntryKind is returned for entries of an unsupported kind.
var ErrUnknownEntryKind = errors.New("unknown blacklist entry kind")

// Valid reports whether k is a supported kind.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryIP, EntryEmail, EntryCard:
		return true
	}
	return false
}

// Entry is one blacklisted value.
type Entry struct {
	Kind   EntryKind
	Value  string
	Reason string
}

// Normalize lower-cases and trims the value so lookups are case-insensitive.
func (e Entry) Normalize() Entry {
	e.Value = normalizeValue(e.Value)
	return e
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Blacklist answers membership queries.
type Blacklist interface {
	Contains(ctx context.Context, kind EntryKind, value string) (bool, error)
}

// BlacklistStore is the durable blacklist.
type BlacklistStore interface {
	Blacklist
	Add(ctx context.Context, entries ...Entry) error
	// Scan calls fn for every stored entry.
	Scan(ctx context.Context, fn func(Entry) error) error
}

// CachedBlacklistConfig tunes CachedBlacklist.
type CachedBlacklistConfig struct {
	// TTL bounds how long a lookup result is served from memory.
	TTL time.Duration
	// ExpectedEntries and FalsePositiveRate size the bloom snapshot.
	ExpectedEntries   uint
	FalsePositiveRate float64
	// RefreshInterval rebuilds the snapshot from the store.
	RefreshInterval time.Duration
}

type cachedResult struct {
	hit     bool
	expires time.Time
}

// CachedBlacklist fronts a BlacklistStore with a bloom filter snapshot used
// as a negative prefilter and a short TTL cache of store answers. Entries
// added to the store by another process become visible after the next
// refresh.
type CachedBlacklist struct {
	store BlacklistStore
	cfg   CachedBlacklistConfig
	now   func() time.Time

	mu          sync.RWMutex
	filter      *bloom.BloomFilter
	cache       map[string]cachedResult
	refreshedAt time.Time

	// Keys added while a refresh scans the store, replayed into its
	// snapshot at swap time. seq orders them against each scan's start.
	refreshing int
	seq        uint64
	added      []addedKey
}

type addedKey struct {
	seq uint64
	key string
}

var _ Blacklist = (*CachedBlacklist)(nil)

// NewCachedBlacklist creates a CachedBlacklist. Until the first Refresh every
// lookup goes to the store.
func NewCachedBlacklist(store BlacklistStore, cfg CachedBlacklistConfig) *CachedBlacklist {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.ExpectedEntries == 0 {
		cfg.ExpectedEntries = 100_000
	}
	if cfg.FalsePositiveRate <= 0 {
		cfg.FalsePositiveRate = 0.001
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	return &CachedBlacklist{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[string]cachedResult),
	}
}

func cacheKey(kind EntryKind, value string) string {
	return string(kind) + ":" + value
}

// Contains reports whether value of kind is blacklisted.
func (b *CachedBlacklist) Contains(ctx context.Context, kind EntryKind, value string) (bool, error) {
	key := cacheKey(kind, normalizeValue(value))
	now := b.now()

	b.mu.RLock()
	absent := b.filter != nil && !b.filter.TestString(key)
	res, cached := b.cache[key]
	b.mu.RUnlock()

	if absent {
		return false, nil
	}
	if cached && now.Before(res.expires) {
		return res.hit, nil
	}

	hit, err := b.store.Contains(ctx, kind, normalizeValue(value))
	if err != nil {
		return false, errors.Wrap(err, "query blacklist store")
	}

	b.mu.Lock()
	b.cache[key] = cachedResult{hit: hit, expires: now.Add(b.cfg.TTL)}
	b.mu.Unlock()

	return hit, nil
}

// Add stores entries and makes them visible to this instance immediately.
func (b *CachedBlacklist) Add(ctx context.Context, entries ...Entry) error {
	for i := range entries {
		if !entries[i].Kind.Valid() {
			return errors.Wrapf(ErrUnknownEntryKind, "entry %q", entries[i].Kind)
		}
		entries[i] = entries[i].Normalize()
	}
	if err := b.store.Add(ctx, entries...); err != nil {
		return errors.Wrap(err, "add blacklist entries")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		key := cacheKey(e.Kind, e.Value)
		if b.filter != nil {
			b.filter.AddString(key)
		}
		delete(b.cache, key)
		if b.refreshing > 0 {
			b.seq++
			b.added = append(b.added, addedKey{seq: b.seq, key: key})
		}
	}
	return nil
}

// Refresh rebuilds the bloom snapshot from the store and drops the cache.
// Entries added through this instance during the scan are carried into the
// new snapshot.
func (b *CachedBlacklist) Refresh(ctx context.Context) error {
	b.mu.Lock()
	b.refreshing++
	start := b.seq
	b.mu.Unlock()

	filter := bloom.NewWithEstimates(b.cfg.ExpectedEntries, b.cfg.FalsePositiveRate)
	var n int
	err := b.store.Scan(ctx, func(e Entry) error {
		e = e.Normalize()
		filter.AddString(cacheKey(e.Kind, e.Value))
		n++
		return nil
	})

	b.mu.Lock()
	if err == nil {
		for _, a := range b.added {
			if a.seq > start {
				filter.AddString(a.key)
			}
		}
		b.filter = filter
		b.cache = make(map[string]cachedResult)
		b.refreshedAt = b.now()
	}
	b.refreshing--
	if b.refreshing == 0 {
		b.added = nil
	}
	b.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "scan blacklist")
	}

	zctx.From(ctx).Debug("Blacklist snapshot refreshed", zap.Int("entries", n))
	return nil
}

// RefreshedAt returns when the snapshot was last rebuilt.
func (b *CachedBlacklist) RefreshedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.refreshedAt
}

// Run refreshes the snapshot periodically until ctx is cancelled.
func (b *CachedBlacklist) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	if err := b.Refresh(ctx); err != nil {
		lg.Warn("Initial blacklist refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Refresh(ctx); err != nil {
				lg.Warn("Blacklist refresh failed", zap.Error(err))
			}
		}
	}
}
