package dsl

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/latticehq/lattice/pkg/action"
)

// Outcome reports what a trigger's rule list did.
type Outcome struct {
	// Matched: some rule's guard evaluated true and its ops ran.
	Matched bool
	// Rule is the matched rule's description, when set.
	Rule string
	// Aborted: the matched rule executed an abort operation; the caller
	// should reject the trigger.
	Aborted bool
}

// Engine executes compiled rule lists. It is stateless; all effects go
// through the Capabilities passed per call.
type Engine struct {
	log *slog.Logger
}

func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log}
}

// Run evaluates the trigger's rules in declaration order and executes the
// operations of the first rule whose guard is true (first-match-wins). A
// guard evaluation error disqualifies only that rule. Operation errors
// propagate to the caller.
func (e *Engine) Run(ctx context.Context, def *CompiledDefinition, trigger action.Trigger, scope *Scope, caps Capabilities) (Outcome, error) {
	for i, cr := range def.rules[trigger] {
		if cr.guard != nil {
			ok, err := cr.guard.eval(scope)
			if err != nil {
				e.log.Warn("guard evaluation failed, skipping rule",
					"type", def.Type, "trigger", trigger, "rule", i, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		outcome := Outcome{Matched: true, Rule: cr.rule.Description}
		for _, op := range cr.rule.Ops {
			abort, err := e.execute(ctx, def, trigger, scope, caps, op)
			if err != nil {
				return outcome, err
			}
			if abort {
				outcome.Aborted = true
				return outcome, nil
			}
		}
		return outcome, nil
	}
	return Outcome{}, nil
}

func (e *Engine) execute(ctx context.Context, def *CompiledDefinition, trigger action.Trigger, scope *Scope, caps Capabilities, op Operation) (abort bool, err error) {
	switch op.Op {
	case OpSetStatus:
		status, err := action.ParseStatus(op.Status)
		if err != nil {
			return false, err
		}
		return false, caps.SetStatus(ctx, status)
	case OpForwardToAudience:
		return false, caps.ForwardToAudience(ctx, op.Audience)
	case OpEnqueueNotification:
		return false, caps.EnqueueNotification(ctx, op.Message)
	case OpPatchRelatedAction:
		return false, caps.PatchRelatedAction(ctx, op.Target, op.Patch)
	case OpCreateAction:
		return false, caps.CreateAction(ctx, *op.Action)
	case OpUpdateProfile:
		return false, caps.UpdateProfile(ctx, scope.Action.IssuerTag, op.Profile.Patch())
	case OpLog:
		e.log.Info(op.Message,
			"type", def.Type, "trigger", trigger, "action_id", scope.Action.ID)
		return false, nil
	case OpAbort:
		e.log.Info("rule aborted trigger",
			"type", def.Type, "trigger", trigger, "action_id", scope.Action.ID,
			"message", op.Message)
		return true, nil
	}
	// validate() rejects unknown ops at load time.
	return false, fmt.Errorf("dsl: unknown operation %q", op.Op)
}
