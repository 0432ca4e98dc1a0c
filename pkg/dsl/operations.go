package dsl

import (
	"context"
	"fmt"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/meta"
)

// Operation names. This set is closed: the evaluator rejects anything else
// at definition load time.
const (
	// OpSetStatus sets the current action's status.
	OpSetStatus = "set_status"
	// OpForwardToAudience re-delivers the action to another audience.
	OpForwardToAudience = "forward_to_audience"
	// OpEnqueueNotification queues a user-facing notification.
	OpEnqueueNotification = "enqueue_notification"
	// OpPatchRelatedAction patches the x metadata of the parent or subject
	// action.
	OpPatchRelatedAction = "patch_related_action"
	// OpCreateAction creates a follow-up action issued by the tenant.
	OpCreateAction = "create_action"
	// OpUpdateProfile patches the issuer's profile relationship facts.
	OpUpdateProfile = "update_profile"
	// OpLog emits a structured log line.
	OpLog = "log"
	// OpAbort stops rule execution and rejects the trigger.
	OpAbort = "abort"
)

// ProfileOp carries the update_profile parameters. Nil fields are left
// untouched.
type ProfileOp struct {
	Following         *bool `json:"following,omitempty"`
	Follower          *bool `json:"follower,omitempty"`
	Connected         *bool `json:"connected,omitempty"`
	ConnectionPending *bool `json:"connectionPending,omitempty"`
}

// Patch converts to the adapter's patch form.
func (p *ProfileOp) Patch() meta.ProfilePatch {
	return meta.ProfilePatch{
		Following:         p.Following,
		Follower:          p.Follower,
		Connected:         p.Connected,
		ConnectionPending: p.ConnectionPending,
	}
}

// Operation is one tagged-variant step of a rule. Op selects the variant;
// the other fields are its parameters.
type Operation struct {
	Op string `json:"op"`

	// Status for set_status (single letter).
	Status string `json:"status,omitempty"`
	// Audience for forward_to_audience.
	Audience string `json:"audience,omitempty"`
	// Target for patch_related_action: "parent" or "subject".
	Target string `json:"target,omitempty"`
	// Patch for patch_related_action; merged into the target's x metadata.
	Patch map[string]any `json:"patch,omitempty"`
	// Action for create_action.
	Action *action.CreateAction `json:"action,omitempty"`
	// Profile for update_profile.
	Profile *ProfileOp `json:"profile,omitempty"`
	// Message for enqueue_notification, log and abort.
	Message string `json:"message,omitempty"`
}

func (o *Operation) validate() error {
	switch o.Op {
	case OpSetStatus:
		if _, err := action.ParseStatus(o.Status); err != nil {
			return fmt.Errorf("%s: %w", o.Op, err)
		}
	case OpForwardToAudience:
		if o.Audience == "" {
			return fmt.Errorf("%s: audience required", o.Op)
		}
	case OpEnqueueNotification:
		if o.Message == "" {
			return fmt.Errorf("%s: message required", o.Op)
		}
	case OpPatchRelatedAction:
		if o.Target != "parent" && o.Target != "subject" {
			return fmt.Errorf("%s: target must be parent or subject, got %q", o.Op, o.Target)
		}
		if len(o.Patch) == 0 {
			return fmt.Errorf("%s: patch required", o.Op)
		}
	case OpCreateAction:
		if o.Action == nil || o.Action.Type == "" {
			return fmt.Errorf("%s: action with type required", o.Op)
		}
	case OpUpdateProfile:
		if o.Profile == nil {
			return fmt.Errorf("%s: profile required", o.Op)
		}
	case OpLog, OpAbort:
		// message optional
	default:
		return fmt.Errorf("unknown operation %q", o.Op)
	}
	return nil
}

// Capabilities is the narrow surface through which operations take effect.
// The host (pipeline engine) implements it per dispatched action; the
// evaluator never touches storage or network directly.
type Capabilities interface {
	// SetStatus requests a status transition on the current action. The
	// lifecycle state machine still applies; illegal transitions fail.
	SetStatus(ctx context.Context, status action.Status) error
	// ForwardToAudience enqueues delivery of the current action's token to
	// another audience.
	ForwardToAudience(ctx context.Context, audienceTag string) error
	// EnqueueNotification queues a user-facing notification about the
	// current action.
	EnqueueNotification(ctx context.Context, message string) error
	// PatchRelatedAction shallow-merges patch into the x metadata of the
	// current action's parent or subject.
	PatchRelatedAction(ctx context.Context, target string, patch map[string]any) error
	// CreateAction creates and processes a follow-up action issued by the
	// tenant.
	CreateAction(ctx context.Context, req action.CreateAction) error
	// UpdateProfile patches the current issuer's stored profile.
	UpdateProfile(ctx context.Context, idTag string, patch meta.ProfilePatch) error
}
