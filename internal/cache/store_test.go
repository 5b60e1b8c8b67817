package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store standing in for redis.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	gets    int
	sets    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*Entry)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return s.entries[key], nil
}

func (s *fakeStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.entries[key] = entry
	return nil
}

func (s *fakeStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func TestWriteThroughToStore(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c := New(testConfig(), WithStore(store))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "Define entropy.", "u1", "free", payload{Answer: "x"}, 0.9))
	assert.Equal(t, 1, store.sets)
}

func TestStoreHitPromotesToMemory(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c := New(testConfig(), WithStore(store))
	defer c.Close()
	ctx := context.Background()

	// Seed the store directly, bypassing the memory layer.
	key := Key("Define entropy.", "u1", "free")
	store.entries[key] = &Entry{
		Key:          key,
		PromptVector: Vectorize("Define entropy."),
		UserID:       "u1",
		Tier:         "free",
		Quality:      0.9,
		CreatedAt:    time.Now(),
		Payload:      []byte(`{"answer":"from store"}`),
	}

	hit, ok := c.Get(ctx, "Define entropy.", "u1", "free")
	require.True(t, ok)
	assert.Equal(t, LayerExact, hit.Layer)
	assert.Equal(t, uint64(1), c.Stats().Promotions)

	// Second read is served from memory without another store probe.
	getsAfterFirst := store.gets
	_, ok = c.Get(ctx, "Define entropy.", "u1", "free")
	require.True(t, ok)
	assert.Equal(t, getsAfterFirst, store.gets)
}

func TestExpiredStoreEntryIsMiss(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c := New(testConfig(), WithStore(store))
	defer c.Close()
	ctx := context.Background()

	key := Key("old question", "u1", "free")
	store.entries[key] = &Entry{
		Key:       key,
		UserID:    "u1",
		Tier:      "free",
		Quality:   0.9,
		CreatedAt: time.Now().Add(-100 * time.Hour),
		Payload:   []byte(`{}`),
	}

	_, ok := c.Get(ctx, "old question", "u1", "free")
	assert.False(t, ok)
}
