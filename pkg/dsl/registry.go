package dsl

import (
	"fmt"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/latticehq/lattice/pkg/action"
)

type compiledRule struct {
	rule  Rule
	guard *guard // nil means unconditional
}

// CompiledDefinition is a Definition with its content schema and guard
// programs compiled. Immutable after load.
type CompiledDefinition struct {
	Definition

	schema *jsonschema.Schema
	rules  map[action.Trigger][]compiledRule
}

// Registry holds the compiled definition set behind an atomically swapped
// immutable snapshot. Lookups never block, even during a reload.
type Registry struct {
	env      *cel.Env
	snapshot atomic.Pointer[map[string]*CompiledDefinition]
}

// NewRegistry returns an empty registry.
func NewRegistry() (*Registry, error) {
	env, err := guardEnv()
	if err != nil {
		return nil, fmt.Errorf("dsl: build guard env: %w", err)
	}
	r := &Registry{env: env}
	empty := map[string]*CompiledDefinition{}
	r.snapshot.Store(&empty)
	return r, nil
}

func (r *Registry) compile(d *Definition) (*CompiledDefinition, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	cd := &CompiledDefinition{
		Definition: *d,
		rules:      make(map[action.Trigger][]compiledRule, len(d.Rules)),
	}
	if len(d.ContentSchema) > 0 {
		schema, err := compileSchema(d.Type, d.ContentSchema)
		if err != nil {
			return nil, err
		}
		cd.schema = schema
	}
	for trigger, rules := range d.Rules {
		compiled := make([]compiledRule, 0, len(rules))
		for _, rule := range rules {
			cr := compiledRule{rule: rule}
			if rule.When != "" {
				g, err := compileGuard(r.env, rule.When)
				if err != nil {
					return nil, fmt.Errorf("dsl: definition %s: %s: %w", d.Type, trigger, err)
				}
				cr.guard = g
			}
			compiled = append(compiled, cr)
		}
		cd.rules[trigger] = compiled
	}
	return cd, nil
}

// Load compiles defs and replaces the whole definition set. Either every
// definition compiles and the snapshot is swapped, or the registry is left
// unchanged.
func (r *Registry) Load(defs ...*Definition) error {
	next := make(map[string]*CompiledDefinition, len(defs))
	for _, d := range defs {
		cd, err := r.compile(d)
		if err != nil {
			return err
		}
		if _, dup := next[cd.Type]; dup {
			return fmt.Errorf("dsl: duplicate definition for type %s", cd.Type)
		}
		next[cd.Type] = cd
	}
	r.snapshot.Store(&next)
	return nil
}

// Register compiles one definition and adds or replaces it copy-on-write.
func (r *Registry) Register(d *Definition) error {
	cd, err := r.compile(d)
	if err != nil {
		return err
	}
	for {
		old := r.snapshot.Load()
		next := make(map[string]*CompiledDefinition, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[cd.Type] = cd
		if r.snapshot.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// Lookup resolves a full type ("REACT" or "REACT:LIKE"). The full form is
// tried first, then the base type.
func (r *Registry) Lookup(fullType string) (*CompiledDefinition, bool) {
	snap := *r.snapshot.Load()
	if d, ok := snap[fullType]; ok {
		return d, true
	}
	base, _ := action.SplitType(fullType)
	d, ok := snap[base]
	return d, ok
}

// Types returns the registered type names.
func (r *Registry) Types() []string {
	snap := *r.snapshot.Load()
	out := make([]string, 0, len(snap))
	for t := range snap {
		out = append(out, t)
	}
	return out
}
