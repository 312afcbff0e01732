// Package model loads the documentation model served to viewer clients: JSON
// Schema collections, layered YAML instance files, the cross-layer link
// registry, changesets, and annotations. Everything is read from the dr CLI's
// on-disk layout; missing optional inputs degrade to empty results rather
// than errors.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
)

// SchemaCollection is the payload served for the schema specification: every
// JSON Schema file found in the schema directory, keyed by filename.
type SchemaCollection struct {
	Version     string                     `json:"version"`
	Type        string                     `json:"type"`
	Description string                     `json:"description"`
	Source      string                     `json:"source"`
	Schemas     map[string]json.RawMessage `json:"schemas"`
	SchemaCount int                        `json:"schema_count"`
}

var schemaFileGlob = glob.MustCompile("*.schema.json")

// LoadSchemaCollection reads every *.schema.json file from dir. It fails if
// the directory does not exist or a schema file cannot be parsed.
func LoadSchemaCollection(dir string) (*SchemaCollection, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !schemaFileGlob.Match(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	schemas := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("schema %s is not valid JSON", name)
		}
		schemas[name] = json.RawMessage(raw)
	}

	return &SchemaCollection{
		Version:     "0.2.0",
		Type:        "schema-collection",
		Description: "JSON Schema definitions from dr CLI",
		Source:      "dr-cli",
		Schemas:     schemas,
		SchemaCount: len(schemas),
	}, nil
}

// LoadLinkRegistry reads the cross-layer link registry JSON from the schema
// directory and returns it verbatim.
func LoadLinkRegistry(dir string) (json.RawMessage, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "link-registry.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read link registry: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("link registry is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
