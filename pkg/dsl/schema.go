package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/latticehq/lattice/pkg/action"
)

func compileSchema(typ string, doc json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("lattice://definitions/%s.schema.json", strings.ToLower(typ))
	if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("dsl: load schema for %s: %w", typ, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("dsl: compile schema for %s: %w", typ, err)
	}
	return schema, nil
}

// fieldPresent reports whether the named wire field is set on a.
func fieldPresent(a *action.Action, field string) (bool, bool) {
	switch field {
	case "parentId":
		return a.ParentID != "", true
	case "audienceTag":
		return a.AudienceTag != "", true
	case "content":
		return len(a.Content) > 0, true
	case "subject":
		return a.Subject != "", true
	case "attachments":
		return len(a.Attachments) > 0, true
	case "expiresAt":
		return !a.ExpiresAt.IsZero(), true
	}
	return false, false
}

// Validate checks a against the definition's field constraints, subtype
// enumeration, content size limit and content schema. Every violation is
// collected and reported; the error wraps action.ErrSchemaViolation.
func (d *CompiledDefinition) Validate(a *action.Action) error {
	var violations []string

	for _, field := range d.Fields.Required {
		present, known := fieldPresent(a, field)
		if !known {
			violations = append(violations, fmt.Sprintf("unknown required field %q in definition", field))
			continue
		}
		if !present {
			violations = append(violations, fmt.Sprintf("field %q is required", field))
		}
	}
	for _, field := range d.Fields.Forbidden {
		if present, known := fieldPresent(a, field); known && present {
			violations = append(violations, fmt.Sprintf("field %q is forbidden", field))
		}
	}

	if a.SubType != "" && len(d.SubTypes) > 0 && !slices.Contains(d.SubTypes, a.SubType) {
		violations = append(violations, fmt.Sprintf("subtype %q not in %v", a.SubType, d.SubTypes))
	}
	if a.SubType != "" && len(d.SubTypes) == 0 {
		violations = append(violations, fmt.Sprintf("type %s does not accept subtypes", d.Type))
	}

	if d.MaxContentBytes > 0 && len(a.Content) > d.MaxContentBytes {
		violations = append(violations,
			fmt.Sprintf("content is %d bytes, limit %d", len(a.Content), d.MaxContentBytes))
	}

	if d.schema != nil && len(a.Content) > 0 {
		var content any
		if err := json.Unmarshal(a.Content, &content); err != nil {
			violations = append(violations, fmt.Sprintf("content is not valid JSON: %v", err))
		} else if err := d.schema.Validate(content); err != nil {
			violations = append(violations, flattenSchemaError(err)...)
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", action.ErrSchemaViolation, a.FullType(),
		strings.Join(violations, "; "))
}

// flattenSchemaError walks a jsonschema validation error tree and returns
// every leaf cause, so all offending fields are reported at once.
func flattenSchemaError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, fmt.Sprintf("content%s: %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return leaves
}
