package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrChangesetNotFound is returned for changeset IDs with no directory on
// disk.
var ErrChangesetNotFound = errors.New("changeset not found")

// ChangesetRegistry lists the known changesets.
type ChangesetRegistry struct {
	Version    string          `json:"version"`
	Changesets json.RawMessage `json:"changesets"`
}

// Changeset pairs a changeset's metadata with its recorded changes.
type Changeset struct {
	Metadata json.RawMessage `json:"metadata"`
	Changes  ChangeLog       `json:"changes"`
}

// ChangeLog is the contents of a changeset's changes file.
type ChangeLog struct {
	Version string   `json:"version"`
	Changes []Change `json:"changes"`
}

// Change is one recorded model operation within a changeset. Before and After
// are present depending on the operation: add carries Data, update carries
// Before and After, delete carries Before.
type Change struct {
	Timestamp   string          `json:"timestamp"`
	Operation   string          `json:"operation"`
	ElementID   string          `json:"element_id"`
	Layer       string          `json:"layer"`
	ElementType string          `json:"element_type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`

	// Diff is a unified diff of Before and After, populated for update
	// operations when the changeset is loaded.
	Diff string `json:"diff,omitempty"`
}

// ChangesetStore reads changesets from the dr data directory.
//
// Instances should be created with NewChangesetStore.
type ChangesetStore struct {
	dir string
}

// NewChangesetStore creates a store reading from dir, the directory holding
// registry.json and the per-changeset subdirectories.
func NewChangesetStore(dir string) *ChangesetStore {
	return &ChangesetStore{dir: dir}
}

// Registry returns the changeset registry. A missing registry file yields an
// empty registry rather than an error.
func (s *ChangesetStore) Registry() (*ChangesetRegistry, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "registry.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &ChangesetRegistry{
				Version:    "1.0",
				Changesets: json.RawMessage("[]"),
			}, nil
		}
		return nil, fmt.Errorf("failed to read changeset registry: %w", err)
	}

	var registry ChangesetRegistry
	if err := json.Unmarshal(raw, &registry); err != nil {
		return nil, fmt.Errorf("failed to parse changeset registry: %w", err)
	}
	return &registry, nil
}

// Get returns the changeset with the given ID, its update operations
// annotated with unified diffs. Returns ErrChangesetNotFound if the changeset
// directory or its files are missing.
func (s *ChangesetStore) Get(id string) (*Changeset, error) {
	dir := filepath.Join(s.dir, filepath.Base(id))
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, ErrChangesetNotFound
	}

	metadata, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChangesetNotFound
		}
		return nil, fmt.Errorf("failed to read changeset metadata: %w", err)
	}

	rawChanges, err := os.ReadFile(filepath.Join(dir, "changes.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChangesetNotFound
		}
		return nil, fmt.Errorf("failed to read changeset changes: %w", err)
	}

	var changes ChangeLog
	if err := json.Unmarshal(rawChanges, &changes); err != nil {
		return nil, fmt.Errorf("failed to parse changeset changes: %w", err)
	}

	for i := range changes.Changes {
		change := &changes.Changes[i]
		if len(change.Before) == 0 || len(change.After) == 0 {
			continue
		}
		change.Diff = diffJSON(change.Before, change.After, change.ElementID)
	}

	return &Changeset{
		Metadata: json.RawMessage(metadata),
		Changes:  changes,
	}, nil
}

// diffJSON renders a unified diff between two JSON documents, pretty-printed
// so the diff follows field boundaries.
func diffJSON(before, after json.RawMessage, label string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(prettyJSON(before), prettyJSON(after), true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	diff.WriteString(fmt.Sprintf("--- %s (before)\n", label))
	diff.WriteString(fmt.Sprintf("+++ %s (after)\n", label))
	for _, patch := range patches {
		diff.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}
	return diff.String()
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
