package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// KeySet manages a tenant's signing keys and supports rotation without
// downtime: Sign always uses the current key, while verification of
// previously issued tokens can still find retired keys by id.
type KeySet interface {
	// Current returns the active signing key and its id.
	Current() (kid string, key ed25519.PrivateKey, err error)
	// PublicKey returns the public half of a key by id, for serving the
	// issuer's key document to remote verifiers.
	PublicKey(kid string) (ed25519.PublicKey, bool)
}

// retainedKeys bounds how many retired keys an InMemoryKeySet keeps for
// verification of older tokens.
const retainedKeys = 10

// InMemoryKeySet holds Ed25519 keys in memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
	order      []string
}

// NewInMemoryKeySet generates an initial key and returns the set.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a new current key. Older keys remain resolvable until
// evicted by the retention bound.
func (ks *InMemoryKeySet) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = priv
	ks.order = append(ks.order, kid)
	ks.currentKID = kid

	for len(ks.order) > retainedKeys {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
	return nil
}

func (ks *InMemoryKeySet) Current() (string, ed25519.PrivateKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[ks.currentKID]
	if !ok {
		return "", nil, fmt.Errorf("no active signing key")
	}
	return ks.currentKID, key, nil
}

func (ks *InMemoryKeySet) PublicKey(kid string) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[kid]
	if !ok {
		return nil, false
	}
	return key.Public().(ed25519.PublicKey), true
}
