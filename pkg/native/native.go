// Package native holds the compiled hook handlers for the built-in
// action types: connection and follow handshakes, invitations, reactions,
// comments and approvals. They run before any declarative rules for the
// same trigger and populate the relationship state those rules read.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/hook"
	"github.com/latticehq/lattice/pkg/meta"
	"github.com/latticehq/lattice/pkg/settings"
)

// Hooks bundles the dependencies the native handlers share.
type Hooks struct {
	meta     meta.Adapter
	settings settings.Store
	log      *slog.Logger
}

func New(m meta.Adapter, s settings.Store, log *slog.Logger) *Hooks {
	if log == nil {
		log = slog.Default()
	}
	return &Hooks{meta: m, settings: s, log: log}
}

// Register binds every native handler to the dispatcher.
func (h *Hooks) Register(d *hook.Dispatcher) {
	reg := func(typ string, trigger action.Trigger, name string, fn func(context.Context, *hook.Context) (hook.Result, error)) {
		d.Register(typ, trigger, hook.KindNative, hook.HandlerFunc{HandlerName: name, Fn: fn})
	}

	reg("CONN", action.TriggerOnCreate, "conn/request", h.connCreate)
	reg("CONN", action.TriggerOnReceive, "conn/receive", h.connReceive)
	reg("CONN", action.TriggerOnAccept, "conn/accept", h.connAccept)
	reg("CONN", action.TriggerOnReject, "conn/reject", h.connReject)

	reg("FLLW", action.TriggerOnCreate, "fllw/request", h.fllwCreate)
	reg("FLLW", action.TriggerOnReceive, "fllw/receive", h.fllwReceive)

	reg("PRINVT", action.TriggerOnReceive, "prinvt/receive", h.prinvtReceive)

	reg("REACT", action.TriggerOnReceive, "react/receive", h.reactReceive)
	reg("CMNT", action.TriggerOnReceive, "cmnt/receive", h.cmntReceive)

	reg("APRV", action.TriggerOnReceive, "aprv/receive", h.aprvReceive)
}

func boolPtr(b bool) *bool { return &b }

func statusPtr(s action.Status) *action.Status { return &s }

// connCreate marks the audience's profile pending when the tenant issues
// a connection request.
func (h *Hooks) connCreate(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	if hc.Action.AudienceTag == "" {
		return hook.Result{}, nil
	}
	err := h.meta.UpdateProfile(ctx, hc.Tenant, hc.Action.AudienceTag, meta.ProfilePatch{
		ConnectionPending: boolPtr(true),
	})
	return hook.Result{}, err
}

// connReceive decides what an inbound connection request becomes. The
// mutuality check comes first: if the tenant already has a pending
// request toward the issuer, the two requests complete the handshake and
// the action activates regardless of any later rule or setting. Otherwise
// profile.connection_mode and federation.auto_accept_followers apply.
func (h *Hooks) connReceive(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	issuer := hc.Action.IssuerTag

	profile, err := h.meta.ReadProfile(ctx, hc.Tenant, issuer)
	if err == nil && profile.ConnectionPending {
		err := h.meta.UpdateProfile(ctx, hc.Tenant, issuer, meta.ProfilePatch{
			Connected:         boolPtr(true),
			ConnectionPending: boolPtr(false),
		})
		if err != nil {
			return hook.Result{}, err
		}
		return hook.Result{
			StatusOverride: statusPtr(action.StatusActive),
			Note:           "mutual connection completed",
		}, nil
	}

	mode, err := h.settings.GetString(ctx, int64(hc.Tenant), settings.KeyConnectionMode)
	if err != nil {
		return hook.Result{}, err
	}
	switch mode {
	case "I":
		return hook.Result{Reject: true, Note: "connection requests ignored"}, nil
	case "A":
		err := h.meta.UpdateProfile(ctx, hc.Tenant, issuer, meta.ProfilePatch{
			Connected: boolPtr(true),
		})
		if err != nil {
			return hook.Result{}, err
		}
		return hook.Result{StatusOverride: statusPtr(action.StatusActive)}, nil
	}

	autoAccept, err := h.settings.GetBool(ctx, int64(hc.Tenant), settings.KeyAutoAcceptFollowers)
	if err != nil {
		return hook.Result{}, err
	}
	if autoAccept {
		err := h.meta.UpdateProfile(ctx, hc.Tenant, issuer, meta.ProfilePatch{
			Follower: boolPtr(true),
		})
		if err != nil {
			return hook.Result{}, err
		}
		return hook.Result{StatusOverride: statusPtr(action.StatusActive)}, nil
	}
	return hook.Result{StatusOverride: statusPtr(action.StatusConfirmation)}, nil
}

// connAccept completes the handshake from our side and answers the
// issuer with a reciprocal connection request, which their pending state
// resolves to active.
func (h *Hooks) connAccept(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	issuer := hc.Action.IssuerTag
	err := h.meta.UpdateProfile(ctx, hc.Tenant, issuer, meta.ProfilePatch{
		Connected:         boolPtr(true),
		ConnectionPending: boolPtr(false),
	})
	if err != nil {
		return hook.Result{}, err
	}
	return hook.Result{
		FollowUps: []action.CreateAction{{Type: "CONN", AudienceTag: issuer}},
	}, nil
}

func (h *Hooks) connReject(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	err := h.meta.UpdateProfile(ctx, hc.Tenant, hc.Action.IssuerTag, meta.ProfilePatch{
		ConnectionPending: boolPtr(false),
	})
	return hook.Result{}, err
}

// fllwCreate records that the tenant now follows the audience.
func (h *Hooks) fllwCreate(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	if hc.Action.AudienceTag == "" {
		return hook.Result{}, nil
	}
	err := h.meta.UpdateProfile(ctx, hc.Tenant, hc.Action.AudienceTag, meta.ProfilePatch{
		Following: boolPtr(true),
	})
	return hook.Result{}, err
}

// fllwReceive records the new follower; federation.auto_accept_followers
// decides between immediate activation and a confirmation step.
func (h *Hooks) fllwReceive(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	err := h.meta.UpdateProfile(ctx, hc.Tenant, hc.Action.IssuerTag, meta.ProfilePatch{
		Follower: boolPtr(true),
	})
	if err != nil {
		return hook.Result{}, err
	}
	autoAccept, err := h.settings.GetBool(ctx, int64(hc.Tenant), settings.KeyAutoAcceptFollowers)
	if err != nil {
		return hook.Result{}, err
	}
	if autoAccept {
		return hook.Result{StatusOverride: statusPtr(action.StatusActive)}, nil
	}
	return hook.Result{StatusOverride: statusPtr(action.StatusConfirmation)}, nil
}

// prinvtReceive parks inbound private invitations for a user decision.
func (h *Hooks) prinvtReceive(context.Context, *hook.Context) (hook.Result, error) {
	return hook.Result{StatusOverride: statusPtr(action.StatusConfirmation)}, nil
}

// reactReceive enforces the parent's reaction capability and maintains
// its reaction counter in x metadata.
func (h *Hooks) reactReceive(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	parent, err := h.relatedParent(ctx, hc)
	if err != nil {
		return hook.Result{Reject: true, Note: "parent not found"}, nil
	}
	if !action.CanReact(parent.Flags) {
		return hook.Result{Reject: true, Note: "reactions disabled on parent"}, nil
	}
	if err := h.bumpCounter(ctx, hc.Tenant, parent, "reactions"); err != nil {
		return hook.Result{}, err
	}
	return hook.Result{}, nil
}

// cmntReceive enforces the parent's comment capability and maintains its
// comment counter.
func (h *Hooks) cmntReceive(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	parent, err := h.relatedParent(ctx, hc)
	if err != nil {
		return hook.Result{Reject: true, Note: "parent not found"}, nil
	}
	if !action.CanComment(parent.Flags) {
		return hook.Result{Reject: true, Note: "comments disabled on parent"}, nil
	}
	if err := h.bumpCounter(ctx, hc.Tenant, parent, "comments"); err != nil {
		return hook.Result{}, err
	}
	return hook.Result{}, nil
}

func (h *Hooks) relatedParent(ctx context.Context, hc *hook.Context) (*action.Action, error) {
	if hc.Action.ParentID == "" {
		return nil, fmt.Errorf("action %s has no parent", hc.Action.ID)
	}
	return h.meta.GetAction(ctx, hc.Tenant, hc.Action.ParentID)
}

// bumpCounter increments a numeric counter in the parent's x metadata.
// The hook marker guarantees at-most-once execution per (action,
// trigger), so the read-increment-write is not double-counted on
// redelivery.
func (h *Hooks) bumpCounter(ctx context.Context, tenant action.TenantID, parent *action.Action, key string) error {
	count := 0
	if len(parent.X) > 0 {
		var x map[string]any
		if err := json.Unmarshal(parent.X, &x); err == nil {
			if n, ok := x[key].(float64); ok {
				count = int(n)
			}
		}
	}
	return h.meta.PatchX(ctx, tenant, parent.ID, map[string]any{key: count + 1})
}

// aprvReceive applies a remote approval: the subject is an action of
// ours awaiting the audience's confirmation, and activates.
func (h *Hooks) aprvReceive(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	if hc.Action.Subject == "" {
		return hook.Result{Reject: true, Note: "approval without subject"}, nil
	}
	subject, err := h.meta.GetAction(ctx, hc.Tenant, hc.Action.Subject)
	if err != nil {
		return hook.Result{Reject: true, Note: "approval subject not found"}, nil
	}
	// Only the action's audience may approve it.
	if subject.AudienceTag != hc.Action.IssuerTag {
		return hook.Result{Reject: true, Note: "approval issuer is not the subject audience"}, nil
	}
	if subject.Status == action.StatusConfirmation {
		if err := h.meta.UpdateStatus(ctx, hc.Tenant, subject.ID, action.StatusActive); err != nil {
			return hook.Result{}, err
		}
		h.log.Info("action approved by audience",
			"action_id", subject.ID, "approver", hc.Action.IssuerTag)
	}
	return hook.Result{StatusOverride: statusPtr(action.StatusNotification)}, nil
}
