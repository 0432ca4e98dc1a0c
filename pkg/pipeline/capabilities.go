package pipeline

import (
	"context"
	"fmt"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/meta"
)

// actionCapabilities implements dsl.Capabilities for one dispatched
// action. Status overrides and follow-ups are collected and applied by
// the pipeline after the rule run, so the dispatcher's ordering contract
// holds; the other operations take effect immediately.
type actionCapabilities struct {
	engine *Engine
	tenant action.TenantID
	action *action.Action

	statusOverride *action.Status
	followUps      []action.CreateAction
}

func (c *actionCapabilities) SetStatus(_ context.Context, status action.Status) error {
	c.statusOverride = &status
	return nil
}

func (c *actionCapabilities) ForwardToAudience(ctx context.Context, audienceTag string) error {
	tok, err := c.engine.meta.GetToken(ctx, c.tenant, c.action.ID)
	if err != nil {
		return fmt.Errorf("forward %s: %w", c.action.ID, err)
	}
	c.engine.enqueueDelivery(c.tenant, c.action.ID, tok, audienceTag)
	return nil
}

func (c *actionCapabilities) EnqueueNotification(ctx context.Context, message string) error {
	return c.engine.notifier.Notify(ctx, c.tenant, c.action.ID, message)
}

func (c *actionCapabilities) PatchRelatedAction(ctx context.Context, target string, patch map[string]any) error {
	var id string
	switch target {
	case "parent":
		id = c.action.ParentID
	case "subject":
		id = c.action.Subject
	}
	if id == "" {
		return fmt.Errorf("patch_related_action: action %s has no %s", c.action.ID, target)
	}
	return c.engine.meta.PatchX(ctx, c.tenant, id, patch)
}

func (c *actionCapabilities) CreateAction(_ context.Context, req action.CreateAction) error {
	c.followUps = append(c.followUps, req)
	return nil
}

func (c *actionCapabilities) UpdateProfile(ctx context.Context, idTag string, patch meta.ProfilePatch) error {
	return c.engine.meta.UpdateProfile(ctx, c.tenant, idTag, patch)
}
