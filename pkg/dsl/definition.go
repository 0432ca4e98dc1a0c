// Package dsl implements the declarative action type system: JSON type
// definitions with content schemas, capability defaults and guarded rule
// sets, evaluated against a read-only context and executed through a
// closed operation vocabulary.
//
// Sandboxing is by construction: guards are CEL expressions (terminating,
// side-effect-free) and rules can only request operations from the fixed
// set in operations.go, executed by the host through the Capabilities
// interface. A definition can never run arbitrary code.
package dsl

import (
	"encoding/json"
	"fmt"

	"github.com/latticehq/lattice/pkg/action"
)

// Behavior declares how the platform treats actions of a type.
type Behavior struct {
	// Broadcast actions fan out to all followers instead of a single
	// audience.
	Broadcast bool `json:"broadcast,omitempty"`
	// AllowUnknown accepts inbound actions from issuers with no stored
	// profile relationship.
	AllowUnknown bool `json:"allowUnknown,omitempty"`
	// Approvable actions participate in the auto-approve pass when
	// federation.auto_approve is enabled.
	Approvable bool `json:"approvable,omitempty"`
	// DeliverToSubjectOwner also delivers the action to the owner of the
	// subject action's issuer, when distinct from the audience.
	DeliverToSubjectOwner bool `json:"deliverToSubjectOwner,omitempty"`
	// Ephemeral actions are forwarded but never persisted; they exist
	// only for the duration of their hook dispatch.
	Ephemeral bool `json:"ephemeral,omitempty"`
	// Subscribable actions accept SUBS children, and new children fan out
	// to every active subscriber.
	Subscribable bool `json:"subscribable,omitempty"`
}

// Defaults are applied by the creator when the request leaves them unset.
type Defaults struct {
	// Visibility is the single-letter default ("" direct, "P", "V", "2",
	// "F", "C"). An empty value defers to the tenant's
	// privacy.default_visibility setting.
	Visibility string `json:"visibility,omitempty"`
	// Status is the single-letter initial status; empty means ACTIVE.
	Status string `json:"status,omitempty"`
	// Flags is the default capability flag string.
	Flags string `json:"flags,omitempty"`
}

// Fields constrains which top-level action fields a type accepts. Field
// names follow the wire payload: parentId, audienceTag, content, subject,
// attachments, expiresAt.
type Fields struct {
	Required  []string `json:"required,omitempty"`
	Forbidden []string `json:"forbidden,omitempty"`
}

// Rule is one guarded step of a trigger's rule list. An empty When always
// matches. Rules run in declaration order and the first match wins.
type Rule struct {
	Description string      `json:"description,omitempty"`
	When        string      `json:"when,omitempty"`
	Ops         []Operation `json:"ops"`
}

// Definition is one action type as loaded from JSON.
type Definition struct {
	Type        string   `json:"type"`
	Version     int      `json:"version"`
	Description string   `json:"description,omitempty"`
	SubTypes    []string `json:"subTypes,omitempty"`

	Fields Fields `json:"fields,omitempty"`
	// ContentSchema is a JSON Schema (draft 2020-12) for the content field.
	ContentSchema json.RawMessage `json:"contentSchema,omitempty"`
	// MaxContentBytes caps the serialized content size; 0 means unlimited.
	MaxContentBytes int `json:"maxContentBytes,omitempty"`

	Behavior Behavior `json:"behavior,omitempty"`
	// KeyPattern builds the per-tenant dedupe key, e.g.
	// "{type}:{parent}:{issuer}". Empty disables deduplication by key.
	KeyPattern string `json:"keyPattern,omitempty"`
	Defaults   Defaults `json:"defaults,omitempty"`

	// Rules maps trigger name to its ordered rule list.
	Rules map[action.Trigger][]Rule `json:"rules,omitempty"`
}

// validate checks structural well-formedness before compilation.
func (d *Definition) validate() error {
	if d.Type == "" {
		return fmt.Errorf("dsl: definition missing type")
	}
	if d.Version < 1 {
		return fmt.Errorf("dsl: definition %s: version must be >= 1", d.Type)
	}
	if d.Defaults.Status != "" {
		if _, err := action.ParseStatus(d.Defaults.Status); err != nil {
			return fmt.Errorf("dsl: definition %s: %w", d.Type, err)
		}
	}
	if d.Defaults.Visibility != "" && !action.ParseVisibility(d.Defaults.Visibility).Valid() {
		return fmt.Errorf("dsl: definition %s: invalid default visibility %q", d.Type, d.Defaults.Visibility)
	}
	for trigger, rules := range d.Rules {
		if !trigger.Valid() {
			return fmt.Errorf("dsl: definition %s: unknown trigger %q", d.Type, trigger)
		}
		for i, rule := range rules {
			if len(rule.Ops) == 0 {
				return fmt.Errorf("dsl: definition %s: %s rule %d has no ops", d.Type, trigger, i)
			}
			for _, op := range rule.Ops {
				if err := op.validate(); err != nil {
					return fmt.Errorf("dsl: definition %s: %s rule %d: %w", d.Type, trigger, i, err)
				}
			}
		}
	}
	return nil
}

// ParseDefinition decodes and validates a single JSON definition document.
func ParseDefinition(doc []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("dsl: parse definition: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
