package dsl

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed definitions/*.json
var builtinFS embed.FS

// BuiltinDefinitions parses the embedded definition set shipped with the
// engine.
func BuiltinDefinitions() ([]*Definition, error) {
	entries, err := builtinFS.ReadDir("definitions")
	if err != nil {
		return nil, fmt.Errorf("dsl: read builtin definitions: %w", err)
	}
	defs := make([]*Definition, 0, len(entries))
	for _, entry := range entries {
		doc, err := builtinFS.ReadFile("definitions/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("dsl: read %s: %w", entry.Name(), err)
		}
		d, err := ParseDefinition(doc)
		if err != nil {
			return nil, fmt.Errorf("dsl: %s: %w", entry.Name(), err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// LoadDirectory parses every *.json definition in dir. Used for operator
// supplied types on top of the builtin set.
func LoadDirectory(dir string) ([]*Definition, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("dsl: scan %s: %w", dir, err)
	}
	var defs []*Definition
	for _, path := range matches {
		doc, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("dsl: read %s: %w", path, err)
		}
		d, err := ParseDefinition(doc)
		if err != nil {
			return nil, fmt.Errorf("dsl: %s: %w", filepath.Base(path), err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}
