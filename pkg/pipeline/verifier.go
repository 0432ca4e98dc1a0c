package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/canonical"
	"github.com/latticehq/lattice/pkg/dsl"
	"github.com/latticehq/lattice/pkg/hook"
	"github.com/latticehq/lattice/pkg/settings"
)

// Receive processes one inbound raw token: verification, schema
// validation, permission check, persistence, on_receive hook dispatch and
// the auto-approve pass, in that order.
//
// Verification, schema and permission failures are terminal: the action
// is dropped, logged for audit and never retried. Storage failures
// propagate so the caller's scheduler can retry the stage.
func (e *Engine) Receive(ctx context.Context, tenant action.TenantID, rawToken string) (*action.Action, error) {
	claims, err := e.codec.Verify(ctx, rawToken, e.resolver)
	if err != nil {
		e.audit(tenant, "", "token verification failed", err)
		return nil, err
	}
	id := canonical.ActionID([]byte(rawToken))

	def, ok := e.registry.Lookup(claims.Type)
	if !ok {
		err := fmt.Errorf("%w: %s", action.ErrUnknownType, claims.Type)
		e.audit(tenant, id, "unknown action type", err)
		return nil, err
	}

	a := claims.ToAction(id)
	a.Status = initialStatus(def)

	if err := def.Validate(a); err != nil {
		e.audit(tenant, id, "schema validation failed", err)
		return nil, err
	}
	if err := e.checkInboundPermission(ctx, tenant, def, a); err != nil {
		e.audit(tenant, id, "permission denied", err)
		return nil, err
	}

	// Content addressing makes persistence idempotent: a concurrent or
	// repeated delivery of the same token converges on the same id, the
	// duplicate insert is a no-op and the hook marker keeps side effects
	// at-most-once. Ephemeral types skip this stage entirely and exist
	// only for the duration of their hook dispatch.
	if !def.Behavior.Ephemeral {
		err = e.meta.CreateAction(ctx, tenant, a, e.dedupeKey(def, a))
		switch {
		case errors.Is(err, action.ErrDuplicate):
			if stored, getErr := e.meta.GetAction(ctx, tenant, a.ID); getErr == nil {
				a = stored
			}
		case err != nil:
			return nil, fmt.Errorf("pipeline: persist inbound action: %w", err)
		default:
			if err := e.meta.StoreToken(ctx, tenant, id, rawToken); err != nil {
				return nil, fmt.Errorf("pipeline: store inbound token: %w", err)
			}
		}
	}

	res, err := e.hooks.Dispatch(ctx, &hook.Context{
		Tenant:  tenant,
		Trigger: action.TriggerOnReceive,
		Action:  a,
	})
	if err != nil {
		e.log.Error("on_receive dispatch failed", "action_id", id, "error", err)
	}
	status := e.applyResult(ctx, tenant, a, res, !def.Behavior.Ephemeral)

	if status == action.StatusConfirmation {
		if err := e.tryAutoApprove(ctx, tenant, def, a); err != nil {
			e.log.Warn("auto-approve pass failed", "action_id", id, "error", err)
		}
	}

	e.log.Info("action received",
		"tenant", tenant, "action_id", id, "type", a.FullType(),
		"issuer", a.IssuerTag, "status", a.Status.String())
	return a, nil
}

// checkInboundPermission enforces addressing and relationship rules
// before an inbound action is stored.
func (e *Engine) checkInboundPermission(ctx context.Context, tenant action.TenantID, def *dsl.CompiledDefinition, a *action.Action) error {
	tag, err := e.meta.ReadTenantTag(ctx, tenant)
	if err != nil {
		return fmt.Errorf("pipeline: resolve tenant tag: %w", err)
	}
	if a.IssuerTag == tag {
		return fmt.Errorf("%w: tenant is the issuer", action.ErrPermissionDenied)
	}
	if a.AudienceTag != "" && a.AudienceTag != tag && !def.Behavior.Broadcast {
		return fmt.Errorf("%w: audience %s is not this tenant", action.ErrPermissionDenied, a.AudienceTag)
	}
	if def.Behavior.AllowUnknown {
		return nil
	}
	profile, err := e.meta.ReadProfile(ctx, tenant, a.IssuerTag)
	if err != nil || (!profile.Connected && !profile.Following && !profile.Follower) {
		return fmt.Errorf("%w: no relationship with issuer %s", action.ErrPermissionDenied, a.IssuerTag)
	}
	return nil
}

// tryAutoApprove activates an approvable action awaiting confirmation
// when federation.auto_approve is on and the issuer is already connected.
// Relationship facts are read after the native hooks ran, so mutuality
// established by them is taken into account before any approval.
func (e *Engine) tryAutoApprove(ctx context.Context, tenant action.TenantID, def *dsl.CompiledDefinition, a *action.Action) error {
	if !def.Behavior.Approvable {
		return nil
	}
	enabled, err := e.settings.GetBool(ctx, int64(tenant), settings.KeyAutoApprove)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	profile, err := e.meta.ReadProfile(ctx, tenant, a.IssuerTag)
	if err != nil || !profile.Connected {
		return nil
	}

	if err := e.meta.UpdateStatus(ctx, tenant, a.ID, action.StatusActive); err != nil {
		return err
	}
	a.Status = action.StatusActive
	e.log.Info("action auto-approved", "tenant", tenant, "action_id", a.ID, "issuer", a.IssuerTag)

	// The approval is itself a signed action so the issuer learns of it.
	_, err = e.Create(ctx, tenant, action.CreateAction{
		Type:        "APRV",
		AudienceTag: a.IssuerTag,
		Subject:     a.ID,
	})
	if err != nil && !errors.Is(err, action.ErrDuplicate) {
		return fmt.Errorf("issue approval action: %w", err)
	}
	return nil
}

// Accept resolves a CONFIRMATION action to ACTIVE, dispatching on_accept
// hooks first. Hook status overrides win over the default activation.
func (e *Engine) Accept(ctx context.Context, tenant action.TenantID, id string) error {
	return e.resolveConfirmation(ctx, tenant, id, action.TriggerOnAccept, action.StatusActive)
}

// Reject resolves a CONFIRMATION action to DELETED, dispatching on_reject
// hooks first.
func (e *Engine) Reject(ctx context.Context, tenant action.TenantID, id string) error {
	return e.resolveConfirmation(ctx, tenant, id, action.TriggerOnReject, action.StatusDeleted)
}

func (e *Engine) resolveConfirmation(ctx context.Context, tenant action.TenantID, id string, trigger action.Trigger, target action.Status) error {
	a, err := e.meta.GetAction(ctx, tenant, id)
	if err != nil {
		return err
	}
	if a.Status != action.StatusConfirmation {
		return fmt.Errorf("%w: action %s is %s, not awaiting confirmation",
			action.ErrStatusTransition, id, a.Status)
	}

	res, err := e.hooks.Dispatch(ctx, &hook.Context{
		Tenant:  tenant,
		Trigger: trigger,
		Action:  a,
	})
	if err != nil {
		e.log.Error("confirmation dispatch failed",
			"action_id", id, "trigger", trigger, "error", err)
	}
	if res.StatusOverride == nil {
		res.StatusOverride = &target
	}
	e.applyResult(ctx, tenant, a, res, true)
	return nil
}

// audit records a dropped inbound action. Drops are terminal and never
// retried, so the log line is the only trace they leave.
func (e *Engine) audit(tenant action.TenantID, actionID, reason string, err error) {
	e.log.Warn("inbound action dropped",
		"tenant", tenant, "action_id", actionID, "reason", reason, "error", err)
}

// DecodeInboxRequest parses the inbox wire form.
func DecodeInboxRequest(body []byte) (string, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("%w: inbox request: %v", action.ErrMalformed, err)
	}
	if req.Token == "" {
		return "", fmt.Errorf("%w: inbox request missing token", action.ErrMalformed)
	}
	return req.Token, nil
}
