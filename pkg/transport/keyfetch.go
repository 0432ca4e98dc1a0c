package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/latticehq/lattice/pkg/keycache"
)

// KeyDocument is the wire form an instance serves for one of its signing
// keys.
type KeyDocument struct {
	KeyID string `json:"keyId"`
	// Alg is always "EdDSA".
	Alg string `json:"alg"`
	// PublicKey is the raw Ed25519 public key, base64url without padding.
	PublicKey string `json:"publicKey"`
}

// HTTPKeyFetcher implements keycache.Fetcher against the well-known key
// endpoint of remote instances.
type HTTPKeyFetcher struct {
	client *http.Client
	scheme string
}

func NewHTTPKeyFetcher(client *http.Client) *HTTPKeyFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPKeyFetcher{client: client, scheme: "https"}
}

// WithScheme returns a copy using the given URL scheme.
func (f *HTTPKeyFetcher) WithScheme(scheme string) *HTTPKeyFetcher {
	cp := *f
	cp.scheme = scheme
	return &cp
}

func (f *HTTPKeyFetcher) keyURL(issuer, keyID string) string {
	return fmt.Sprintf("%s://%s/.well-known/lattice/keys/%s",
		f.scheme, issuer, url.PathEscape(keyID))
}

// FetchKey retrieves and decodes the issuer's key document. Failure
// classes map onto the key cache's negative-entry taxonomy: a missing or
// refused key is persistent, decode problems are ErrKeyParse, anything
// else is treated as a transient network failure by the cache.
func (f *HTTPKeyFetcher) FetchKey(ctx context.Context, issuer, keyID string) (ed25519.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.keyURL(issuer, keyID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keycache.ErrKeyParse, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key from %s: %w", issuer, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s has no key %s", keycache.ErrKeyNotFound, issuer, keyID)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s refused key %s", keycache.ErrKeyForbidden, issuer, keyID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch key from %s: status %d", issuer, resp.StatusCode)
	}

	var doc KeyDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", keycache.ErrKeyParse, err)
	}
	if doc.Alg != "" && doc.Alg != "EdDSA" {
		return nil, fmt.Errorf("%w: unsupported alg %q", keycache.ErrKeyParse, doc.Alg)
	}
	raw, err := base64.RawURLEncoding.DecodeString(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %w", keycache.ErrKeyParse, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d",
			keycache.ErrKeyParse, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
