package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/dsl"
	"github.com/latticehq/lattice/pkg/hook"
	"github.com/latticehq/lattice/pkg/meta"
	"github.com/latticehq/lattice/pkg/settings"
	"github.com/latticehq/lattice/pkg/token"
)

// Create processes a local creation request: definition defaults are
// applied, the token is signed, the action persisted, on_create hooks
// dispatched and one delivery job enqueued per destination. The stored
// action is returned.
func (e *Engine) Create(ctx context.Context, tenant action.TenantID, req action.CreateAction) (*action.Action, error) {
	fullType := action.JoinType(req.Type, req.SubType)
	def, ok := e.registry.Lookup(fullType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", action.ErrUnknownType, fullType)
	}

	issuerTag, err := e.meta.ReadTenantTag(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve tenant tag: %w", err)
	}

	visibility, err := e.defaultVisibility(ctx, tenant, def, req.Visibility)
	if err != nil {
		return nil, err
	}
	flags := req.Flags
	if flags == "" {
		flags = def.Defaults.Flags
	}

	claims := &token.Claims{
		Issuer:      issuerTag,
		Type:        fullType,
		Content:     req.Content,
		ParentID:    req.ParentID,
		Attachments: req.Attachments,
		Audience:    req.AudienceTag,
		Subject:     req.Subject,
		IssuedAt:    nowUnix(e.codec),
		Flags:       flags,
		Visibility:  visibility.String(),
	}
	if !req.ExpiresAt.IsZero() {
		claims.ExpiresAt = req.ExpiresAt.Unix()
	}

	tok, id, err := e.codec.Sign(e.keys, claims)
	if err != nil {
		return nil, fmt.Errorf("pipeline: sign action: %w", err)
	}

	a := claims.ToAction(id)
	a.Status = initialStatus(def)
	a.X = req.X

	if !def.Behavior.Ephemeral {
		if err := e.meta.CreateAction(ctx, tenant, a, e.dedupeKey(def, a)); err != nil {
			if errors.Is(err, action.ErrDuplicate) {
				return nil, err
			}
			return nil, fmt.Errorf("pipeline: persist action: %w", err)
		}
		if err := e.meta.StoreToken(ctx, tenant, id, tok); err != nil {
			return nil, fmt.Errorf("pipeline: store token: %w", err)
		}
	}

	res, err := e.hooks.Dispatch(ctx, &hook.Context{
		Tenant:  tenant,
		Trigger: action.TriggerOnCreate,
		Action:  a,
	})
	if err != nil {
		e.log.Error("on_create dispatch failed", "action_id", id, "error", err)
	}
	status := e.applyResult(ctx, tenant, a, res, !def.Behavior.Ephemeral)
	if status == action.StatusDeleted {
		return a, fmt.Errorf("%w: creation rejected by hook", action.ErrPermissionDenied)
	}

	for _, destination := range e.destinations(ctx, tenant, issuerTag, def, a) {
		e.enqueueDelivery(tenant, id, tok, destination)
	}

	e.log.Info("action created",
		"tenant", tenant, "action_id", id, "type", fullType, "status", status.String())
	return a, nil
}

// defaultVisibility resolves the effective visibility: the request wins,
// then the definition default, then the tenant's privacy setting.
func (e *Engine) defaultVisibility(ctx context.Context, tenant action.TenantID, def *dsl.CompiledDefinition, requested action.Visibility) (action.Visibility, error) {
	if requested != action.VisibilityDirect {
		if !requested.Valid() {
			return 0, fmt.Errorf("%w: invalid visibility %q", action.ErrSchemaViolation, requested)
		}
		return requested, nil
	}
	if def.Defaults.Visibility != "" {
		return action.ParseVisibility(def.Defaults.Visibility), nil
	}
	v, err := e.settings.GetString(ctx, int64(tenant), settings.KeyDefaultVisibility)
	if err != nil {
		return 0, fmt.Errorf("pipeline: read default visibility: %w", err)
	}
	return action.ParseVisibility(v), nil
}

func initialStatus(def *dsl.CompiledDefinition) action.Status {
	if def.Defaults.Status != "" {
		s, err := action.ParseStatus(def.Defaults.Status)
		if err == nil {
			return s
		}
	}
	return action.StatusActive
}

// dedupeKey builds the per-tenant uniqueness key from the definition's
// pattern, or "" when the type has no pattern.
func (e *Engine) dedupeKey(def *dsl.CompiledDefinition, a *action.Action) string {
	if def.KeyPattern == "" {
		return ""
	}
	return action.ApplyKeyPattern(def.KeyPattern,
		a.FullType(), a.IssuerTag, a.AudienceTag, a.ParentID, a.Subject)
}

// destinations resolves where a locally created action is delivered:
// the explicit audience, every follower for broadcast types, every
// active subscriber of the parent for subscribable parent types, and
// the subject action's issuer for deliver-to-subject-owner types. The
// tenant itself is never a destination.
func (e *Engine) destinations(ctx context.Context, tenant action.TenantID, issuerTag string, def *dsl.CompiledDefinition, a *action.Action) []string {
	seen := map[string]bool{issuerTag: true}
	var out []string
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		out = append(out, tag)
	}

	add(a.AudienceTag)

	if def.Behavior.Broadcast {
		followers, err := e.meta.ListFollowerTags(ctx, tenant)
		if err != nil {
			e.log.Error("broadcast fan-out failed", "action_id", a.ID, "error", err)
		}
		for _, tag := range followers {
			add(tag)
		}
	}

	if a.ParentID != "" {
		for _, tag := range e.subscriberTags(ctx, tenant, a.ParentID) {
			add(tag)
		}
	}

	if def.Behavior.DeliverToSubjectOwner && a.Subject != "" {
		if subject, err := e.meta.GetAction(ctx, tenant, a.Subject); err == nil {
			add(subject.IssuerTag)
		}
	}
	return out
}

// subscriberTags lists the issuers of active subscriptions on parentID,
// when the parent's type is subscribable.
func (e *Engine) subscriberTags(ctx context.Context, tenant action.TenantID, parentID string) []string {
	parent, err := e.meta.GetAction(ctx, tenant, parentID)
	if err != nil {
		return nil
	}
	pdef, ok := e.registry.Lookup(parent.FullType())
	if !ok || !pdef.Behavior.Subscribable {
		return nil
	}
	subs, err := e.meta.ListActions(ctx, tenant, meta.ListOptions{
		Types:    []string{"SUBS"},
		ParentID: parentID,
		Statuses: []action.Status{action.StatusActive},
	})
	if err != nil {
		e.log.Error("subscriber fan-out failed", "parent_id", parentID, "error", err)
		return nil
	}
	tags := make([]string, 0, len(subs))
	for _, sub := range subs {
		tags = append(tags, sub.IssuerTag)
	}
	return tags
}
