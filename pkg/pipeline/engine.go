// Package pipeline wires the action engine together: local creation,
// inbound verification and outbound delivery, running as tasks on a
// shared scheduler. The engine owns no storage or transport itself; all
// effects go through the injected collaborator interfaces.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/dsl"
	"github.com/latticehq/lattice/pkg/hook"
	"github.com/latticehq/lattice/pkg/meta"
	"github.com/latticehq/lattice/pkg/scheduler"
	"github.com/latticehq/lattice/pkg/settings"
	"github.com/latticehq/lattice/pkg/token"
	"github.com/latticehq/lattice/pkg/transport"
)

// DefaultMaxDeliveryAttempts caps retries per delivery job.
const DefaultMaxDeliveryAttempts = 5

// Notifier receives user-facing notifications enqueued by rules and by
// delivery failure surfacing.
type Notifier interface {
	Notify(ctx context.Context, tenant action.TenantID, actionID, message string) error
}

// LogNotifier logs notifications. The default when no queue is wired.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, tenant action.TenantID, actionID, message string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "tenant", tenant, "action_id", actionID, "message", message)
	return nil
}

// Config collects the engine's collaborators. Meta, Keys, Resolver,
// Registry, Transport and Scheduler are required.
type Config struct {
	Meta      meta.Adapter
	Settings  settings.Store
	Codec     *token.Codec
	Keys      token.KeySet
	Resolver  token.KeyResolver
	Registry  *dsl.Registry
	Hooks     *hook.Dispatcher
	Transport transport.Transport
	Scheduler scheduler.Scheduler
	Notifier  Notifier
	Log       *slog.Logger

	// MaxDeliveryAttempts caps retries per delivery job; 0 means
	// DefaultMaxDeliveryAttempts.
	MaxDeliveryAttempts int
}

// Engine is the action processing pipeline.
type Engine struct {
	meta     meta.Adapter
	settings settings.Store
	codec    *token.Codec
	keys     token.KeySet
	resolver token.KeyResolver
	registry *dsl.Registry
	rules    *dsl.Engine
	hooks    *hook.Dispatcher
	trans    transport.Transport
	sched    scheduler.Scheduler
	notifier Notifier
	log      *slog.Logger

	maxAttempts int

	jobMu sync.RWMutex
	jobs  map[string]*DeliveryJob
}

func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Meta == nil:
		return nil, errors.New("pipeline: meta adapter required")
	case cfg.Keys == nil:
		return nil, errors.New("pipeline: key set required")
	case cfg.Resolver == nil:
		return nil, errors.New("pipeline: key resolver required")
	case cfg.Registry == nil:
		return nil, errors.New("pipeline: registry required")
	case cfg.Transport == nil:
		return nil, errors.New("pipeline: transport required")
	case cfg.Scheduler == nil:
		return nil, errors.New("pipeline: scheduler required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	codec := cfg.Codec
	if codec == nil {
		codec = &token.Codec{}
	}
	store := cfg.Settings
	if store == nil {
		store = settings.NewMemoryStore(settings.Defaults())
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = hook.NewDispatcher(hook.NewMemoryMarkerStore(), log)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	maxAttempts := cfg.MaxDeliveryAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxDeliveryAttempts
	}
	return &Engine{
		meta:        cfg.Meta,
		settings:    store,
		codec:       codec,
		keys:        cfg.Keys,
		resolver:    cfg.Resolver,
		registry:    cfg.Registry,
		rules:       dsl.NewEngine(log),
		hooks:       hooks,
		trans:       cfg.Transport,
		sched:       cfg.Scheduler,
		notifier:    notifier,
		log:         log,
		maxAttempts: maxAttempts,
		jobs:        make(map[string]*DeliveryJob),
	}, nil
}

// Hooks exposes the dispatcher for native handler registration.
func (e *Engine) Hooks() *hook.Dispatcher { return e.hooks }

// BindDefinitions registers a declarative hook handler for every (type,
// trigger) pair that carries rules in the registry. Call once after the
// definition set is loaded, before processing starts.
func (e *Engine) BindDefinitions() {
	for _, typ := range e.registry.Types() {
		def, ok := e.registry.Lookup(typ)
		if !ok {
			continue
		}
		for trigger := range def.Rules {
			e.hooks.Register(typ, trigger, hook.KindDeclarative, &ruleHandler{engine: e, def: def})
		}
	}
}

// ruleHandler adapts a compiled definition's rule set to the hook
// dispatcher's handler contract.
type ruleHandler struct {
	engine *Engine
	def    *dsl.CompiledDefinition
}

func (h *ruleHandler) Name() string { return "dsl:" + h.def.Type }

func (h *ruleHandler) Handle(ctx context.Context, hc *hook.Context) (hook.Result, error) {
	scope, err := h.engine.buildScope(ctx, hc.Tenant, hc.Action)
	if err != nil {
		return hook.Result{}, err
	}
	caps := &actionCapabilities{engine: h.engine, tenant: hc.Tenant, action: hc.Action}
	outcome, err := h.engine.rules.Run(ctx, h.def, hc.Trigger, scope, caps)
	if err != nil {
		return hook.Result{}, err
	}
	res := hook.Result{FollowUps: caps.followUps}
	if caps.statusOverride != nil {
		res.StatusOverride = caps.statusOverride
	}
	if outcome.Aborted {
		res.Reject = true
		res.Note = outcome.Rule
	}
	return res, nil
}

// buildScope assembles the read-only rule evaluation context for one
// action: resolved settings, relationship facts about the counterparty
// and the parent action's fields.
func (e *Engine) buildScope(ctx context.Context, tenant action.TenantID, a *action.Action) (*dsl.Scope, error) {
	vals := map[string]any{}
	for _, key := range []string{settings.KeyAutoAcceptFollowers, settings.KeyAutoApprove} {
		v, err := e.settings.GetBool(ctx, int64(tenant), key)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read setting %s: %w", key, err)
		}
		vals[key] = v
	}
	for _, key := range []string{settings.KeyDefaultVisibility, settings.KeyConnectionMode} {
		v, err := e.settings.GetString(ctx, int64(tenant), key)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read setting %s: %w", key, err)
		}
		vals[key] = v
	}

	scope := &dsl.Scope{Action: a, Settings: vals}

	if party, err := e.counterparty(ctx, tenant, a); err == nil && party != "" {
		if profile, err := e.meta.ReadProfile(ctx, tenant, party); err == nil {
			scope.Audience = dsl.AudienceFacts{
				Mutual:    profile.Mutual(),
				Connected: profile.Connected,
				Following: profile.Following,
				Pending:   profile.ConnectionPending,
			}
		}
	}

	if a.ParentID != "" {
		if parent, err := e.meta.GetAction(ctx, tenant, a.ParentID); err == nil {
			scope.Related = dsl.RelatedVars(parent)
		}
	}
	return scope, nil
}

// counterparty names the remote side of an action from the tenant's
// perspective: the audience for locally issued actions, the issuer for
// inbound ones.
func (e *Engine) counterparty(ctx context.Context, tenant action.TenantID, a *action.Action) (string, error) {
	tag, err := e.meta.ReadTenantTag(ctx, tenant)
	if err != nil {
		return "", err
	}
	if a.IssuerTag == tag {
		return a.AudienceTag, nil
	}
	return a.IssuerTag, nil
}

// applyResult folds a hook dispatch result into stored state: status
// overrides go through the lifecycle state machine, follow-up actions are
// created locally. Ephemeral actions have no stored row, so persisted
// false keeps the override on the in-memory action only. Returns the
// action's effective status.
func (e *Engine) applyResult(ctx context.Context, tenant action.TenantID, a *action.Action, res hook.Result, persisted bool) action.Status {
	status := a.Status
	if res.Reject {
		override := action.StatusDeleted
		res.StatusOverride = &override
	}
	if res.StatusOverride != nil && *res.StatusOverride != status {
		if !persisted {
			if next, err := action.Transition(status, *res.StatusOverride); err == nil {
				status = next
				a.Status = status
			}
		} else if err := e.meta.UpdateStatus(ctx, tenant, a.ID, *res.StatusOverride); err != nil {
			e.log.Warn("hook status override rejected",
				"action_id", a.ID, "from", status, "to", *res.StatusOverride, "error", err)
		} else {
			status = *res.StatusOverride
			a.Status = status
		}
	}
	for _, followUp := range res.FollowUps {
		if _, err := e.Create(ctx, tenant, followUp); err != nil {
			e.log.Error("follow-up action failed",
				"parent_id", a.ID, "type", followUp.Type, "error", err)
		}
	}
	return status
}

func nowUnix(codec *token.Codec) int64 {
	if codec.Now != nil {
		return codec.Now().Unix()
	}
	return time.Now().Unix()
}
