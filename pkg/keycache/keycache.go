// Package keycache resolves (issuer, keyID) pairs to public key material
// through a bounded LRU cache with positive and negative entries.
//
// Negative entries act as a circuit breaker: a failed fetch is remembered
// for a TTL chosen by failure class, so repeated verifications against an
// unreachable or malicious host do not hammer the network. Concurrent
// misses for the same key are coalesced into a single fetch.
package keycache

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/latticehq/lattice/pkg/action"
)

// DefaultCapacity bounds memory when no capacity is configured
// (federation.key_failure_cache_size).
const DefaultCapacity = 100

// Positive-entry lifetime. Remote instances are expected to keep a key id
// stable for at least this long after rotation.
const validTTL = 24 * time.Hour

// Negative-entry lifetimes by failure class.
const (
	ttlNetworkError    = 5 * time.Minute
	ttlPersistentError = time.Hour
)

// Fetch failure classes recorded in negative entries.
var (
	// ErrKeyNotFound: the issuer answered but does not publish the key id.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyForbidden: the issuer refused to serve its key document.
	ErrKeyForbidden = errors.New("key fetch forbidden")
	// ErrKeyParse: the key document was unparseable or the material invalid.
	ErrKeyParse = errors.New("key document unparseable")
)

// Fetcher obtains key material from the network.
type Fetcher interface {
	FetchKey(ctx context.Context, issuer, keyID string) (ed25519.PublicKey, error)
}

type entry struct {
	// key is set for positive entries.
	key ed25519.PublicKey
	// err is set for negative entries and records the original failure.
	err error
	// expiresAt bounds the entry's validity either way.
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool { return now.After(e.expiresAt) }

// Cache is the bounded (issuer, keyID) → key material cache. Lookups for
// distinct keys proceed fully in parallel; only identical in-flight misses
// are serialized behind one fetch.
type Cache struct {
	entries *lru.Cache[string, *entry]
	fetcher Fetcher
	group   singleflight.Group
	log     *slog.Logger

	// now is the clock, overridable in tests.
	now func() time.Time
}

// New creates a cache of the given capacity backed by fetcher. Capacity
// values below 1 fall back to DefaultCapacity.
func New(capacity int, fetcher Fetcher, log *slog.Logger) (*Cache, error) {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[string, *entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("keycache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{entries: entries, fetcher: fetcher, log: log, now: time.Now}, nil
}

func cacheKey(issuer, keyID string) string { return issuer + ":" + keyID }

// Resolve implements token.KeyResolver.
//
// A fresh positive entry returns immediately. A fresh negative entry
// returns the recorded failure without touching the network. A miss (or
// expired entry) triggers exactly one fetch per (issuer, keyID) regardless
// of concurrent callers.
func (c *Cache) Resolve(ctx context.Context, issuer, keyID string) (ed25519.PublicKey, error) {
	key := cacheKey(issuer, keyID)

	if e, ok := c.entries.Get(key); ok {
		if !e.expired(c.now()) {
			if e.err != nil {
				return nil, fmt.Errorf("%w (cached until %s): %w",
					action.ErrKeyUnavailable, e.expiresAt.Format(time.RFC3339), e.err)
			}
			return e.key, nil
		}
		c.entries.Remove(key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// entry between our miss and acquiring the flight.
		if e, ok := c.entries.Get(key); ok && !e.expired(c.now()) {
			if e.err != nil {
				return nil, fmt.Errorf("%w: %w", action.ErrKeyUnavailable, e.err)
			}
			return e.key, nil
		}

		material, err := c.fetcher.FetchKey(ctx, issuer, keyID)
		if err != nil {
			ttl := classifyTTL(err)
			c.entries.Add(key, &entry{err: err, expiresAt: c.now().Add(ttl)})
			c.log.Debug("key fetch failed, caching negative entry",
				"issuer", issuer, "key_id", keyID, "ttl", ttl, "error", err)
			return nil, fmt.Errorf("%w: %w", action.ErrKeyUnavailable, err)
		}

		c.entries.Add(key, &entry{key: material, expiresAt: c.now().Add(validTTL)})
		c.log.Debug("key fetched and cached", "issuer", issuer, "key_id", keyID)
		return material, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ed25519.PublicKey), nil
}

// Invalidate removes an entry immediately. Used on detected key rotation.
func (c *Cache) Invalidate(issuer, keyID string) {
	c.entries.Remove(cacheKey(issuer, keyID))
}

// Len returns the number of cached entries, positive and negative.
func (c *Cache) Len() int { return c.entries.Len() }

// classifyTTL picks the negative-entry TTL for a fetch error. Persistent
// failures (missing key, refusal, bad material) are remembered longer than
// transient network failures.
func classifyTTL(err error) time.Duration {
	switch {
	case errors.Is(err, ErrKeyNotFound),
		errors.Is(err, ErrKeyForbidden),
		errors.Is(err, ErrKeyParse):
		return ttlPersistentError
	default:
		return ttlNetworkError
	}
}
