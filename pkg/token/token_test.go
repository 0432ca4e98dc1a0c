package token_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/token"
)

// keySetResolver serves public keys straight from a local key set,
// standing in for the key fetch cache.
type keySetResolver struct {
	ks *token.InMemoryKeySet
}

func (r keySetResolver) Resolve(_ context.Context, _, keyID string) (ed25519.PublicKey, error) {
	pub, ok := r.ks.PublicKey(keyID)
	if !ok {
		return nil, fmt.Errorf("unknown key %s", keyID)
	}
	return pub, nil
}

func newClaims() *token.Claims {
	return &token.Claims{
		Issuer:   "alice.example.com",
		Type:     "POST",
		Content:  json.RawMessage(`{"text":"hello"}`),
		Audience: "bob.example.com",
		IssuedAt: 1756000000,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{}

	tok, id, err := codec.Sign(ks, newClaims())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Contains(t, id, "a1~")

	claims, err := codec.Verify(context.Background(), tok, keySetResolver{ks})
	require.NoError(t, err)
	assert.Equal(t, "alice.example.com", claims.Issuer)
	assert.Equal(t, "POST", claims.Type)
	assert.Equal(t, "bob.example.com", claims.Audience)
	assert.JSONEq(t, `{"text":"hello"}`, string(claims.Content))
}

func TestSignDeterministic(t *testing.T) {
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{}

	tok1, id1, err := codec.Sign(ks, newClaims())
	require.NoError(t, err)
	tok2, id2, err := codec.Sign(ks, newClaims())
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2, "identical logical content must yield an identical token")
	assert.Equal(t, id1, id2)
}

// flipSegmentByte decodes segment seg of a compact token, flips one bit
// of byte i and re-encodes. Mutating decoded bytes rather than base64
// text avoids the unused trailing bits of the final base64 character.
func flipSegmentByte(t *testing.T, tok string, seg, i int) string {
	t.Helper()
	parts := strings.Split(tok, ".")
	raw, err := base64.RawURLEncoding.DecodeString(parts[seg])
	require.NoError(t, err)
	raw[i] ^= 0x80
	parts[seg] = base64.RawURLEncoding.EncodeToString(raw)
	return strings.Join(parts, ".")
}

func TestVerifyRejectsFlippedPayloadBytes(t *testing.T) {
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{}

	tok, _, err := codec.Sign(ks, newClaims())
	require.NoError(t, err)

	resolver := keySetResolver{ks}
	payloadLen := len(decodeSegment(t, tok, 1))
	for i := 0; i < payloadLen; i++ {
		_, verr := codec.Verify(context.Background(), flipSegmentByte(t, tok, 1, i), resolver)
		require.Error(t, verr, "payload byte %d flipped must not verify", i)
	}
}

func TestVerifyRejectsFlippedSignatureBytes(t *testing.T) {
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{}

	tok, _, err := codec.Sign(ks, newClaims())
	require.NoError(t, err)

	resolver := keySetResolver{ks}
	sigLen := len(decodeSegment(t, tok, 2))
	for i := 0; i < sigLen; i++ {
		_, verr := codec.Verify(context.Background(), flipSegmentByte(t, tok, 2, i), resolver)
		require.ErrorIs(t, verr, action.ErrSignatureInvalid, "signature byte %d", i)
	}
}

func decodeSegment(t *testing.T, tok string, seg int) []byte {
	t.Helper()
	parts := strings.Split(tok, ".")
	raw, err := base64.RawURLEncoding.DecodeString(parts[seg])
	require.NoError(t, err)
	return raw
}

func TestVerifyExpired(t *testing.T) {
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{Now: func() time.Time { return time.Unix(1756100000, 0) }}

	claims := newClaims()
	claims.ExpiresAt = 1756050000
	tok, _, err := codec.Sign(ks, claims)
	require.NoError(t, err)

	_, err = codec.Verify(context.Background(), tok, keySetResolver{ks})
	assert.ErrorIs(t, err, action.ErrExpired)
}

func TestVerifyMalformed(t *testing.T) {
	codec := &token.Codec{}
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	resolver := keySetResolver{ks}

	for _, tok := range []string{"", "x", "a.b", "a.b.c.d", "!!!.???.###"} {
		_, err := codec.Verify(context.Background(), tok, resolver)
		assert.ErrorIs(t, err, action.ErrMalformed, "token %q", tok)
	}
}

func TestVerifyKeyUnavailable(t *testing.T) {
	signer, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	other, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{}

	tok, _, err := codec.Sign(signer, newClaims())
	require.NoError(t, err)

	// The resolver only knows the other key set's keys.
	_, err = codec.Verify(context.Background(), tok, keySetResolver{other})
	assert.ErrorIs(t, err, action.ErrKeyUnavailable)
}

func TestSignRejectsIncompleteClaims(t *testing.T) {
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{}

	claims := newClaims()
	claims.Issuer = ""
	_, _, err = codec.Sign(ks, claims)
	assert.ErrorIs(t, err, action.ErrMalformed)
}

func TestRotationKeepsOldKeysVerifiable(t *testing.T) {
	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := &token.Codec{}

	tok, _, err := codec.Sign(ks, newClaims())
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())
	_, err = codec.Verify(context.Background(), tok, keySetResolver{ks})
	assert.NoError(t, err, "tokens signed before rotation must still verify")

	tok2, _, err := codec.Sign(ks, newClaims())
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2, "rotation changes the signing key")
}

func TestClaimsToAction(t *testing.T) {
	claims := &token.Claims{
		Issuer:     "alice.example.com",
		KeyID:      "key-1",
		Type:       "REACT:LIKE",
		ParentID:   "a1~parent",
		Audience:   "bob.example.com",
		IssuedAt:   1756000000,
		Visibility: "F",
		Flags:      "r",
	}
	a := claims.ToAction("a1~id")
	assert.Equal(t, "a1~id", a.ID)
	assert.Equal(t, "REACT", a.Type)
	assert.Equal(t, "LIKE", a.SubType)
	assert.Equal(t, "REACT:LIKE", a.FullType())
	assert.Equal(t, action.VisibilityFollower, a.Visibility)
	assert.Equal(t, time.Unix(1756000000, 0).UTC(), a.CreatedAt)
	assert.True(t, a.ExpiresAt.IsZero())
}
