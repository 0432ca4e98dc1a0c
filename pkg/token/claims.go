// Package token signs and verifies federated action tokens.
//
// A token is a compact JWS (EdDSA / Ed25519) whose payload is the RFC 8785
// canonical encoding of the signable claim set. Server-local metadata (the
// action's x field) is never part of the signed payload.
package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/latticehq/lattice/pkg/action"
)

// Claims is the signable claim set of an action token. Field names follow
// the federation wire format and must not change.
type Claims struct {
	// Issuer is the id-tag of the action creator, e.g. "alice.example.com".
	Issuer string `json:"iss"`
	// KeyID identifies the signing key, for rotation support.
	KeyID string `json:"k"`
	// Type is the action type with optional subtype, e.g. "REACT:LIKE".
	Type string `json:"t"`
	// Content is the action-specific payload.
	Content json.RawMessage `json:"c,omitempty"`
	// ParentID links the action into a thread hierarchy.
	ParentID string `json:"p,omitempty"`
	// Attachments lists content-addressed file ids, in order.
	Attachments []string `json:"a,omitempty"`
	// Audience is the id-tag of the addressee.
	Audience string `json:"aud,omitempty"`
	// Subject references an action or resource without creating hierarchy.
	Subject string `json:"sub,omitempty"`
	// IssuedAt is the creation time as a Unix timestamp.
	IssuedAt int64 `json:"iat"`
	// ExpiresAt is an optional expiry as a Unix timestamp.
	ExpiresAt int64 `json:"exp,omitempty"`
	// Flags carries the capability flag string.
	Flags string `json:"f,omitempty"`
	// Visibility is the single-letter visibility level.
	Visibility string `json:"v,omitempty"`
}

// wellFormed checks the structural invariants every token must satisfy
// before any cryptographic work is done.
func (c *Claims) wellFormed() error {
	if c.Issuer == "" {
		return fmt.Errorf("%w: missing iss claim", action.ErrMalformed)
	}
	if c.KeyID == "" {
		return fmt.Errorf("%w: missing k claim", action.ErrMalformed)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: missing t claim", action.ErrMalformed)
	}
	if c.IssuedAt == 0 {
		return fmt.Errorf("%w: missing iat claim", action.ErrMalformed)
	}
	return nil
}

// Expired reports whether the claims carry an expiry in the past.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != 0 && now.Unix() >= c.ExpiresAt
}

// ToAction converts verified claims into an Action with the given id.
// Status is left zero; the verifier pipeline decides the initial status.
func (c *Claims) ToAction(id string) *action.Action {
	typ, subType := action.SplitType(c.Type)
	a := &action.Action{
		ID:          id,
		IssuerTag:   c.Issuer,
		Type:        typ,
		SubType:     subType,
		ParentID:    c.ParentID,
		AudienceTag: c.Audience,
		Content:     c.Content,
		Attachments: c.Attachments,
		Subject:     c.Subject,
		CreatedAt:   time.Unix(c.IssuedAt, 0).UTC(),
		Visibility:  action.ParseVisibility(c.Visibility),
		Flags:       c.Flags,
	}
	if c.ExpiresAt != 0 {
		a.ExpiresAt = time.Unix(c.ExpiresAt, 0).UTC()
	}
	return a
}
