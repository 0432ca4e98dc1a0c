// Package meta defines the metadata-adapter contract through which the
// action engine persists and queries actions, tokens and audience
// profiles. Reference in-memory and SQLite implementations are provided;
// the engine itself depends only on the Adapter interface.
package meta

import (
	"context"

	"github.com/latticehq/lattice/pkg/action"
)

// Profile records what the tenant knows about a remote identity.
type Profile struct {
	IDTag string
	// Following: the tenant follows this identity.
	Following bool
	// Follower: this identity follows the tenant.
	Follower bool
	// Connected: the bidirectional connection handshake completed.
	Connected bool
	// ConnectionPending: we issued a request that has not been answered.
	ConnectionPending bool
}

// Mutual reports a fully established two-way connection.
func (p *Profile) Mutual() bool { return p != nil && p.Connected }

// ProfilePatch applies partial updates; nil fields are untouched.
type ProfilePatch struct {
	Following         *bool
	Follower          *bool
	Connected         *bool
	ConnectionPending *bool
}

// ListOptions filters ListActions. Zero fields mean no filter.
type ListOptions struct {
	Types    []string
	Subject  string
	ParentID string
	Statuses []action.Status
}

// Adapter is the persistence contract required of the environment.
// Actions are keyed by (tenant, action id); a dedupe key, when present,
// is unique per tenant and makes re-creation fail with ErrDuplicate.
type Adapter interface {
	// CreateAction persists a new action. A duplicate id or dedupe key
	// returns action.ErrDuplicate and leaves the stored row untouched.
	CreateAction(ctx context.Context, tenant action.TenantID, a *action.Action, dedupeKey string) error
	GetAction(ctx context.Context, tenant action.TenantID, id string) (*action.Action, error)
	GetActionByKey(ctx context.Context, tenant action.TenantID, dedupeKey string) (*action.Action, error)
	ListActions(ctx context.Context, tenant action.TenantID, opts ListOptions) ([]*action.Action, error)

	// UpdateStatus patches an action's status, enforcing the lifecycle
	// state machine: an illegal transition fails with
	// action.ErrStatusTransition and does not modify the row.
	UpdateStatus(ctx context.Context, tenant action.TenantID, id string, to action.Status) error

	// PatchX shallow-merges patch into the action's server-local x
	// metadata. x is mutable after signing; it is never part of the
	// signed payload.
	PatchX(ctx context.Context, tenant action.TenantID, id string, patch map[string]any) error

	// StoreToken and GetToken persist the signed wire form alongside the
	// action, for delivery and re-delivery.
	StoreToken(ctx context.Context, tenant action.TenantID, id, token string) error
	GetToken(ctx context.Context, tenant action.TenantID, id string) (string, error)

	ReadProfile(ctx context.Context, tenant action.TenantID, idTag string) (*Profile, error)
	UpdateProfile(ctx context.Context, tenant action.TenantID, idTag string, patch ProfilePatch) error
	// ListFollowerTags returns the id-tags following this tenant, for
	// broadcast fan-out.
	ListFollowerTags(ctx context.Context, tenant action.TenantID) ([]string, error)

	// ReadTenantTag resolves a tenant's own id-tag.
	ReadTenantTag(ctx context.Context, tenant action.TenantID) (string, error)
}
