// Package action defines the federated action data model: the signed,
// content-addressed documents exchanged between instances, their status
// lifecycle, capability flags and visibility levels.
package action

import (
	"encoding/json"
	"strings"
	"time"
)

// TenantID identifies a tenant hosted on this instance.
type TenantID int64

// Visibility controls who may see an action. The zero value means direct
// (audience only).
type Visibility rune

const (
	VisibilityDirect       Visibility = 0
	VisibilityPublic       Visibility = 'P'
	VisibilityVerified     Visibility = 'V'
	VisibilitySecondDegree Visibility = '2'
	VisibilityFollower     Visibility = 'F'
	VisibilityConnected    Visibility = 'C'
)

// Valid reports whether v is one of the defined visibility levels.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityDirect, VisibilityPublic, VisibilityVerified,
		VisibilitySecondDegree, VisibilityFollower, VisibilityConnected:
		return true
	}
	return false
}

func (v Visibility) String() string {
	if v == VisibilityDirect {
		return ""
	}
	return string(rune(v))
}

// ParseVisibility converts the single-letter wire form back to a Visibility.
func ParseVisibility(s string) Visibility {
	if s == "" {
		return VisibilityDirect
	}
	return Visibility([]rune(s)[0])
}

// Action is the canonical entity persisted through the metadata adapter.
// ID is the content hash of the canonical signed payload and immutable.
// X holds server-local metadata and is never part of the signed payload.
type Action struct {
	ID          string          `json:"id"`
	IssuerTag   string          `json:"issuer"`
	Type        string          `json:"type"`
	SubType     string          `json:"subType,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	AudienceTag string          `json:"audienceTag,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt,omitzero"`
	Visibility  Visibility      `json:"visibility,omitempty"`
	Flags       string          `json:"flags,omitempty"`
	Status      Status          `json:"status"`
	X           json.RawMessage `json:"x,omitempty"`
}

// FullType returns the wire form of the type, "TYPE" or "TYPE:SUBTYPE".
func (a *Action) FullType() string {
	return JoinType(a.Type, a.SubType)
}

// CreateAction is a local creation request as received from a client.
type CreateAction struct {
	Type        string          `json:"type"`
	SubType     string          `json:"subType,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	AudienceTag string          `json:"audienceTag,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	ExpiresAt   time.Time       `json:"expiresAt,omitzero"`
	Visibility  Visibility      `json:"visibility,omitempty"`
	Flags       string          `json:"flags,omitempty"`
	X           json.RawMessage `json:"x,omitempty"`
}

// SplitType splits "REACT:LIKE" into ("REACT", "LIKE"). No colon means no
// subtype.
func SplitType(full string) (typ, subType string) {
	if i := strings.IndexByte(full, ':'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

// JoinType is the inverse of SplitType.
func JoinType(typ, subType string) string {
	if subType == "" {
		return typ
	}
	return typ + ":" + subType
}

// Capability flags. An uppercase letter enables a capability by default on
// the type; the lowercase letter in an action's flag string disables it.
const (
	FlagReactions = 'R'
	FlagComments  = 'C'
	FlagOpen      = 'O'
)

// CapabilityEnabled reports whether the capability is enabled on flags.
// Capabilities default to enabled; the lowercase form disables.
func CapabilityEnabled(flags string, capability rune) bool {
	return !strings.ContainsRune(flags, capability|0x20)
}

// CanReact reports whether reactions are accepted on an action with flags.
func CanReact(flags string) bool { return CapabilityEnabled(flags, FlagReactions) }

// CanComment reports whether comments are accepted on an action with flags.
func CanComment(flags string) bool { return CapabilityEnabled(flags, FlagComments) }

// IsOpen reports whether the action is open (anyone can join/subscribe
// without an invitation).
func IsOpen(flags string) bool { return strings.ContainsRune(flags, FlagOpen) }

// ApplyKeyPattern substitutes action fields into a dedupe key pattern such
// as "{type}:{parent}:{issuer}". Unknown placeholders are left untouched.
func ApplyKeyPattern(pattern, typ, issuer, audience, parent, subject string) string {
	r := strings.NewReplacer(
		"{type}", typ,
		"{issuer}", issuer,
		"{audience}", audience,
		"{parent}", parent,
		"{subject}", subject,
	)
	return r.Replace(pattern)
}
