package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockStore struct {
	mu      sync.Mutex
	keys    map[string]time.Duration
	err     error
	lastTTL time.Duration
}

func newMockStore() *mockStore {
	return &mockStore{keys: make(map[string]time.Duration)}
}

func (m *mockStore) InsertIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTTL = ttl
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = ttl
	return true, nil
}

func (m *mockStore) Delete(_ context.Context, key string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// --- Tests ---

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		eventID  string
		orderID  string
		status   string
		want     string
	}{
		{name: "event id preferred", provider: "card", eventID: "evt_1", orderID: "o1", status: "paid", want: "card:evt:evt_1"},
		{name: "fallback to order and status", provider: "pix_b", orderID: "o1", status: "PAID", want: "pix_b:ord:o1:paid"},
		{name: "blank event id falls back", provider: "pix_a", eventID: "  ", orderID: "o2", status: "approved", want: "pix_a:ord:o2:approved"},
		{name: "nothing to key on", provider: "pix_a", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.provider, tt.eventID, tt.orderID, tt.status))
		})
	}
}

func TestGuard_CheckAndMark(t *testing.T) {
	store := newMockStore()
	g := NewGuard(store, 0)

	dup, err := g.CheckAndMark(context.Background(), "card:evt:1")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, DefaultTTL, store.lastTTL)

	dup, err = g.CheckAndMark(context.Background(), "card:evt:1")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestGuard_EmptyKey(t *testing.T) {
	g := NewGuard(newMockStore(), time.Hour)

	_, err := g.CheckAndMark(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyKey)
	require.NoError(t, g.Release(context.Background(), ""))
}

func TestGuard_Release(t *testing.T) {
	g := NewGuard(newMockStore(), time.Hour)

	_, err := g.CheckAndMark(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, g.Release(context.Background(), "k"))

	dup, err := g.CheckAndMark(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestGuard_StoreError(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("unavailable")
	g := NewGuard(store, time.Hour)

	_, err := g.CheckAndMark(context.Background(), "k")
	require.Error(t, err)
	require.Error(t, g.Release(context.Background(), "k"))
}

func TestGuard_ConcurrentSingleWinner(t *testing.T) {
	g := NewGuard(newMockStore(), time.Hour)

	var (
		wg    sync.WaitGroup
		fresh atomic.Int64
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, err := g.CheckAndMark(context.Background(), "pix_b:evt:42")
			if assert.NoError(t, err) && !dup {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fresh.Load())
}
