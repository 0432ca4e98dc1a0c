//go:build property
// +build property

// Package canonical_test contains property-based tests for canonical
// encoding and content-address determinism.
package canonical_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/latticehq/lattice/pkg/canonical"
)

// TestMarshalDeterminism verifies canonical encoding is a pure function.
// Property: Marshal(obj) == Marshal(obj) for any obj
func TestMarshalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical encoding is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			first, err1 := canonical.Marshal(obj)
			second, err2 := canonical.Marshal(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return bytes.Equal(first, second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestMarshalKeyOrder verifies object keys are emitted sorted regardless
// of construction order.
// Property: decoded key sequence of Marshal(obj) is sorted
func TestMarshalKeyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("object keys are sorted", prop.ForAll(
		func(keys []string) bool {
			obj := make(map[string]any, len(keys))
			for _, k := range keys {
				if k != "" {
					obj[k] = true
				}
			}
			encoded, err := canonical.Marshal(obj)
			if err != nil {
				return false
			}
			dec := json.NewDecoder(bytes.NewReader(encoded))
			if _, err := dec.Token(); err != nil { // opening brace
				return false
			}
			prev := ""
			for dec.More() {
				tok, err := dec.Token()
				if err != nil {
					return false
				}
				key := tok.(string)
				if strings.Compare(prev, key) > 0 {
					return false
				}
				prev = key
				if _, err := dec.Token(); err != nil { // value
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestMarshalRoundTrip verifies canonical encoding loses no information.
// Property: Unmarshal(Marshal(obj)) == obj
func TestMarshalRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoding round-trips", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			encoded, err := canonical.Marshal(obj)
			if err != nil {
				return false
			}
			var decoded map[string]any
			if err := json.Unmarshal(encoded, &decoded); err != nil {
				return false
			}
			if len(decoded) != len(obj) {
				return false
			}
			for k, v := range obj {
				if decoded[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestActionIDBindsContent verifies the content address changes with the
// payload.
// Property: payload1 != payload2 implies ActionID(payload1) != ActionID(payload2)
func TestActionIDBindsContent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct payloads get distinct ids", prop.ForAll(
		func(a, b string) bool {
			idA := canonical.ActionID([]byte(a))
			idB := canonical.ActionID([]byte(b))
			if a == b {
				return idA == idB
			}
			return idA != idB
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
