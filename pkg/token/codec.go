package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/canonical"
)

// KeyResolver resolves an issuer's public key material. Resolution may
// suspend on network I/O; implementations are expected to cache.
type KeyResolver interface {
	Resolve(ctx context.Context, issuer, keyID string) (ed25519.PublicKey, error)
}

// Codec signs and verifies action tokens. The zero value is usable; Now
// defaults to time.Now.
type Codec struct {
	// Now is the clock used for expiry checks. Overridable in tests.
	Now func() time.Time
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Sign serializes claims canonically and signs them with the key set's
// current key. Identical logical content always yields an identical token,
// and therefore an identical action id (Ed25519 signatures are
// deterministic).
func (c *Codec) Sign(ks KeySet, claims *Claims) (tok string, id string, err error) {
	kid, key, err := ks.Current()
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", action.ErrKeyUnavailable, err)
	}
	claims.KeyID = kid
	if err := claims.wellFormed(); err != nil {
		return "", "", err
	}

	header, err := canonical.Marshal(map[string]string{
		"alg": "EdDSA",
		"kid": kid,
		"typ": "JWT",
	})
	if err != nil {
		return "", "", err
	}
	payload, err := canonical.Marshal(claims)
	if err != nil {
		return "", "", err
	}

	signingString := base64.RawURLEncoding.EncodeToString(header) +
		"." + base64.RawURLEncoding.EncodeToString(payload)

	sig, err := jwt.SigningMethodEdDSA.Sign(signingString, key)
	if err != nil {
		return "", "", fmt.Errorf("signing failed: %w", err)
	}

	tok = signingString + "." + base64.RawURLEncoding.EncodeToString(sig)
	return tok, canonical.ActionID([]byte(tok)), nil
}

// DecodeUnverified parses a token's claims without checking the signature.
// Used to discover (issuer, keyID) before key resolution, and by callers
// that only need routing information. Never trust unverified claims for
// anything else.
func DecodeUnverified(tok string) (*Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", action.ErrMalformed, len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", action.ErrMalformed, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload JSON: %v", action.ErrMalformed, err)
	}
	if err := claims.wellFormed(); err != nil {
		return nil, err
	}
	return &claims, nil
}

// Verify parses and verifies a token: structural parse, key resolution
// through the resolver (one cache lookup, possibly a network fetch),
// signature check over the received bytes, then expiry check. It never
// mutates shared state.
//
// Failures map onto the engine taxonomy: ErrMalformed, ErrKeyUnavailable,
// ErrSignatureInvalid, ErrExpired.
func (c *Codec) Verify(ctx context.Context, tok string, resolver KeyResolver) (*Claims, error) {
	claims, err := DecodeUnverified(tok)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(tok, ".")
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header segment: %v", action.ErrMalformed, err)
	}
	var hdr struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(header, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header JSON: %v", action.ErrMalformed, err)
	}
	if hdr.Alg != "EdDSA" {
		return nil, fmt.Errorf("%w: unexpected alg %q", action.ErrSignatureInvalid, hdr.Alg)
	}
	// The kid header and k claim must agree; a mismatch is a forgery
	// attempt or a bug, either way the signature is not acceptable.
	if hdr.Kid != "" && hdr.Kid != claims.KeyID {
		return nil, fmt.Errorf("%w: kid header %q does not match k claim %q",
			action.ErrSignatureInvalid, hdr.Kid, claims.KeyID)
	}

	pub, err := resolver.Resolve(ctx, claims.Issuer, claims.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s#%s: %v", action.ErrKeyUnavailable, claims.Issuer, claims.KeyID, err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature segment: %v", action.ErrMalformed, err)
	}
	signingString := parts[0] + "." + parts[1]
	if err := jwt.SigningMethodEdDSA.Verify(signingString, sig, pub); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrSignatureInvalid, err)
	}

	if claims.Expired(c.now()) {
		return nil, fmt.Errorf("%w: exp %d", action.ErrExpired, claims.ExpiresAt)
	}

	return claims, nil
}
