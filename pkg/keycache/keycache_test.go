package keycache

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice/pkg/action"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	keys  map[string]ed25519.PublicKey
	errs  map[string]error
	// delay simulates network latency, to hold concurrent misses in
	// flight together.
	delay time.Duration
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{
		calls: make(map[string]int),
		keys:  make(map[string]ed25519.PublicKey),
		errs:  make(map[string]error),
	}
}

func (f *countingFetcher) addKey(issuer, keyID string) ed25519.PublicKey {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	f.keys[issuer+":"+keyID] = pub
	return pub
}

func (f *countingFetcher) Calls(issuer, keyID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[issuer+":"+keyID]
}

func (f *countingFetcher) FetchKey(_ context.Context, issuer, keyID string) (ed25519.PublicKey, error) {
	key := issuer + ":" + keyID
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if pub, ok := f.keys[key]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: no such key", ErrKeyNotFound)
}

func newTestCache(t *testing.T, capacity int, fetcher Fetcher) (*Cache, *time.Time) {
	t.Helper()
	c, err := New(capacity, fetcher, nil)
	require.NoError(t, err)
	now := time.Unix(1756000000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestResolveCachesPositive(t *testing.T) {
	fetcher := newCountingFetcher()
	want := fetcher.addKey("alice.example.com", "key-1")
	cache, _ := newTestCache(t, 10, fetcher)

	for i := 0; i < 3; i++ {
		got, err := cache.Resolve(context.Background(), "alice.example.com", "key-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 1, fetcher.Calls("alice.example.com", "key-1"))
}

func TestNegativeEntryIsCircuitBreaker(t *testing.T) {
	fetcher := newCountingFetcher()
	fetcher.errs["down.example.com:key-1"] = errors.New("connection refused")
	cache, now := newTestCache(t, 10, fetcher)

	_, err := cache.Resolve(context.Background(), "down.example.com", "key-1")
	require.ErrorIs(t, err, action.ErrKeyUnavailable)
	assert.Equal(t, 1, fetcher.Calls("down.example.com", "key-1"))

	// Before the TTL the recorded failure is served without a fetch.
	_, err = cache.Resolve(context.Background(), "down.example.com", "key-1")
	require.ErrorIs(t, err, action.ErrKeyUnavailable)
	assert.Equal(t, 1, fetcher.Calls("down.example.com", "key-1"))

	// Past the network-error TTL the fetch is retried.
	*now = now.Add(ttlNetworkError + time.Second)
	_, err = cache.Resolve(context.Background(), "down.example.com", "key-1")
	require.ErrorIs(t, err, action.ErrKeyUnavailable)
	assert.Equal(t, 2, fetcher.Calls("down.example.com", "key-1"))
}

func TestPersistentFailureCachedLonger(t *testing.T) {
	fetcher := newCountingFetcher()
	fetcher.errs["gone.example.com:key-1"] = fmt.Errorf("%w: retired", ErrKeyNotFound)
	cache, now := newTestCache(t, 10, fetcher)

	_, err := cache.Resolve(context.Background(), "gone.example.com", "key-1")
	require.ErrorIs(t, err, action.ErrKeyUnavailable)

	// A network-class TTL later the persistent entry still holds.
	*now = now.Add(ttlNetworkError + time.Second)
	_, err = cache.Resolve(context.Background(), "gone.example.com", "key-1")
	require.ErrorIs(t, err, action.ErrKeyUnavailable)
	assert.Equal(t, 1, fetcher.Calls("gone.example.com", "key-1"))

	*now = now.Add(ttlPersistentError)
	_, _ = cache.Resolve(context.Background(), "gone.example.com", "key-1")
	assert.Equal(t, 2, fetcher.Calls("gone.example.com", "key-1"))
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	fetcher := newCountingFetcher()
	fetcher.addKey("alice.example.com", "key-1")
	fetcher.delay = 50 * time.Millisecond
	cache, _ := newTestCache(t, 10, fetcher)

	const n = 16
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Resolve(context.Background(), "alice.example.com", "key-1"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load(), "all concurrent callers must resolve")
	assert.Equal(t, 1, fetcher.Calls("alice.example.com", "key-1"),
		"concurrent misses for the same key must trigger exactly one fetch")
}

func TestLRUEviction(t *testing.T) {
	fetcher := newCountingFetcher()
	fetcher.addKey("a.example.com", "k")
	fetcher.addKey("b.example.com", "k")
	fetcher.addKey("c.example.com", "k")
	cache, _ := newTestCache(t, 2, fetcher)

	ctx := context.Background()
	_, err := cache.Resolve(ctx, "a.example.com", "k")
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, "b.example.com", "k")
	require.NoError(t, err)

	// Touch a so b becomes least recently used.
	_, err = cache.Resolve(ctx, "a.example.com", "k")
	require.NoError(t, err)

	_, err = cache.Resolve(ctx, "c.example.com", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	// b was evicted and needs a refetch; a is still cached.
	_, err = cache.Resolve(ctx, "b.example.com", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Calls("b.example.com", "k"))
	assert.Equal(t, 1, fetcher.Calls("a.example.com", "k"))
}

func TestInvalidate(t *testing.T) {
	fetcher := newCountingFetcher()
	fetcher.addKey("alice.example.com", "key-1")
	cache, _ := newTestCache(t, 10, fetcher)

	_, err := cache.Resolve(context.Background(), "alice.example.com", "key-1")
	require.NoError(t, err)
	cache.Invalidate("alice.example.com", "key-1")

	_, err = cache.Resolve(context.Background(), "alice.example.com", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Calls("alice.example.com", "key-1"))
}

func TestCapacityFallback(t *testing.T) {
	cache, err := New(0, newCountingFetcher(), nil)
	require.NoError(t, err)
	assert.NotNil(t, cache)
}
