package dsl

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/latticehq/lattice/pkg/action"
)

// guardEnv declares the read-only variables rule guards may reference.
// CEL has no loops or recursion, so every guard terminates.
func guardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("settings", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("audience", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("related", cel.MapType(cel.StringType, cel.DynType)),
	)
}

type guard struct {
	expr string
	prg  cel.Program
}

func compileGuard(env *cel.Env, expr string) (*guard, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("dsl: compile guard %q: %w", expr, issues.Err())
	}
	// Expressions over dyn values (map lookups, content fields) infer a
	// dyn output; those are checked for bool at evaluation time instead.
	if out := ast.OutputType(); out != cel.BoolType && out != cel.DynType {
		return nil, fmt.Errorf("dsl: guard %q must produce bool, got %s", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dsl: program guard %q: %w", expr, err)
	}
	return &guard{expr: expr, prg: prg}, nil
}

func (g *guard) eval(scope *Scope) (bool, error) {
	val, _, err := g.prg.Eval(scope.activation())
	if err != nil {
		return false, fmt.Errorf("dsl: eval guard %q: %w", g.expr, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("dsl: guard %q produced %T, want bool", g.expr, val.Value())
	}
	return b, nil
}

// AudienceFacts are the relationship facts about the action's counterparty
// as known to the tenant.
type AudienceFacts struct {
	Mutual    bool
	Connected bool
	Following bool
	Pending   bool
}

// Scope is the read-only evaluation context for one (action, trigger)
// dispatch.
type Scope struct {
	Action *action.Action
	// Settings holds the tenant's resolved setting values by key.
	Settings map[string]any
	Audience AudienceFacts
	// Related exposes the parent action's fields, or nil when the action
	// has no parent.
	Related map[string]any
}

func (s *Scope) activation() map[string]any {
	related := s.Related
	if related == nil {
		related = map[string]any{"exists": false}
	}
	settings := s.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return map[string]any{
		"action": actionVars(s.Action),
		"settings": settings,
		"audience": map[string]any{
			"mutual":    s.Audience.Mutual,
			"connected": s.Audience.Connected,
			"following": s.Audience.Following,
			"pending":   s.Audience.Pending,
		},
		"related": related,
	}
}

// actionVars flattens an action into the guard variable map. Content is
// decoded so guards can reach into it (action.content.text etc).
func actionVars(a *action.Action) map[string]any {
	if a == nil {
		return map[string]any{}
	}
	var content any
	if len(a.Content) > 0 {
		// Guards see raw strings on decode failure rather than erroring.
		if err := json.Unmarshal(a.Content, &content); err != nil {
			content = string(a.Content)
		}
	}
	return map[string]any{
		"id":          a.ID,
		"issuer":      a.IssuerTag,
		"type":        a.Type,
		"subType":     a.SubType,
		"fullType":    a.FullType(),
		"parentId":    a.ParentID,
		"audienceTag": a.AudienceTag,
		"subject":     a.Subject,
		"status":      a.Status.String(),
		"visibility":  a.Visibility.String(),
		"flags":       a.Flags,
		"content":     content,
	}
}

// RelatedVars builds the related activation for a parent action.
func RelatedVars(parent *action.Action) map[string]any {
	if parent == nil {
		return nil
	}
	vars := actionVars(parent)
	vars["exists"] = true
	return vars
}
