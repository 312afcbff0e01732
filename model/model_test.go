package model_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docrobotics/viewerd/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadSchemaCollection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "motivation-layer.schema.json"), `{"title":"Motivation"}`)
	writeFile(t, filepath.Join(dir, "business-layer.schema.json"), `{"title":"Business"}`)
	writeFile(t, filepath.Join(dir, "link-registry.json"), `{"metadata":{}}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a schema")

	collection, err := model.LoadSchemaCollection(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if collection.SchemaCount != 2 {
		t.Errorf("expected 2 schemas, got %d", collection.SchemaCount)
	}
	if _, ok := collection.Schemas["motivation-layer.schema.json"]; !ok {
		t.Error("expected schemas keyed by filename")
	}
	if _, ok := collection.Schemas["link-registry.json"]; ok {
		t.Error("expected only *.schema.json files to be collected")
	}
	if collection.Type != "schema-collection" || collection.Source != "dr-cli" {
		t.Errorf("unexpected collection header: %+v", collection)
	}
}

func TestLoadSchemaCollectionMissingDir(t *testing.T) {
	_, err := model.LoadSchemaCollection(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestLoaderLoad(t *testing.T) {
	root := t.TempDir()
	modelDir := filepath.Join(root, "documentation-robotics", "model")

	writeFile(t, filepath.Join(modelDir, "manifest.yaml"), `
version: "0.3.0"
project:
  name: sample
  description: Sample project model
statistics:
  total_elements: 3
layers:
  motivation:
    name: Motivation
    path: documentation-robotics/model/motivation
  application:
    name: Application
    path: documentation-robotics/model/application
  disabled_layer:
    name: Disabled
    path: documentation-robotics/model/disabled
    enabled: false
`)

	writeFile(t, filepath.Join(modelDir, "motivation", "goals.yaml"), `
improve-docs:
  name: Improve Documentation
  priority: high
reduce-toil:
  id: motivation.goal.reduce-toil
  name: Reduce Toil
  priority: medium
  relationships:
    realizes:
      - application.service.automation
`)

	writeFile(t, filepath.Join(modelDir, "application", "services.yaml"), `
automation:
  id: application.service.automation
  name: Automation Service
  type: service
  uses: application.component.scheduler
`)

	loader := model.NewLoader(modelDir)
	m, err := loader.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Version != "0.3.0" {
		t.Errorf("expected manifest version, got %q", m.Version)
	}
	if m.Metadata.Description != "Sample project model" {
		t.Errorf("unexpected description %q", m.Metadata.Description)
	}
	if _, ok := m.Layers["Disabled_layer"]; ok {
		t.Error("expected disabled layers to be skipped")
	}

	motivation, ok := m.Layers["Motivation"]
	if !ok {
		t.Fatalf("expected Motivation layer, got %v", m.Layers)
	}
	if len(motivation.Elements) != 2 {
		t.Fatalf("expected 2 motivation elements, got %d", len(motivation.Elements))
	}

	byID := make(map[string]model.Element)
	for _, el := range motivation.Elements {
		byID[el.ID] = el
	}

	improve, ok := byID["motivation.improve-docs"]
	if !ok {
		t.Fatalf("expected generated id motivation.improve-docs, got %v", byID)
	}
	if improve.Type != "goal" {
		t.Errorf("expected priority in motivation layer to infer goal, got %q", improve.Type)
	}
	if improve.Name != "Improve Documentation" {
		t.Errorf("unexpected element name %q", improve.Name)
	}
	if improve.LayerID != "Motivation" {
		t.Errorf("expected normalized layer id, got %q", improve.LayerID)
	}
	if improve.Visual.Size.Width != 200 || improve.Visual.Style.BackgroundColor != "#e3f2fd" {
		t.Errorf("expected default visual block, got %+v", improve.Visual)
	}

	if _, ok := byID["motivation.goal.reduce-toil"]; !ok {
		t.Error("expected explicit element ids to be kept")
	}

	// Declared relationship, target reduced to its element id.
	if len(motivation.Relationships) != 1 {
		t.Fatalf("expected 1 motivation relationship, got %d", len(motivation.Relationships))
	}
	rel := motivation.Relationships[0]
	if rel.Type != "realizes" || rel.TargetID != "automation" {
		t.Errorf("unexpected relationship: %+v", rel)
	}

	// Implicit relationship key on the application element.
	application := m.Layers["Application"]
	if len(application.Relationships) != 1 {
		t.Fatalf("expected 1 application relationship, got %d", len(application.Relationships))
	}
	if application.Relationships[0].Type != "uses" {
		t.Errorf("expected implicit uses relationship, got %+v", application.Relationships[0])
	}

	// The declared motivation->application relationship is a cross-layer
	// reference; the implicit uses key is not considered.
	if len(m.References) != 1 {
		t.Fatalf("expected 1 cross-layer reference, got %d", len(m.References))
	}
	ref := m.References[0]
	if ref.Source.LayerID != "Motivation" || ref.Target.LayerID != "Application" || ref.Type != "realizes" {
		t.Errorf("unexpected reference: %+v", ref)
	}
}

func TestLoaderMissingManifest(t *testing.T) {
	loader := model.NewLoader(t.TempDir())
	if _, err := loader.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestChangesetStore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "registry.json"), `{"version":"1.0","changesets":{"cs-1":{"name":"First"}}}`)
	writeFile(t, filepath.Join(dir, "cs-1", "metadata.json"), `{"id":"cs-1","name":"First"}`)
	writeFile(t, filepath.Join(dir, "cs-1", "changes.json"), `{
		"version": "1.0",
		"changes": [
			{
				"operation": "update",
				"element_id": "application.service.auth",
				"before": {"status": "planned"},
				"after": {"status": "in-development"}
			},
			{
				"operation": "delete",
				"element_id": "business.service.legacy",
				"before": {"status": "deprecated"}
			}
		]
	}`)

	store := model.NewChangesetStore(dir)

	registry, err := store.Registry()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registry.Version != "1.0" {
		t.Errorf("unexpected registry version %q", registry.Version)
	}

	changeset, err := store.Get("cs-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changeset.Changes.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changeset.Changes.Changes))
	}

	update := changeset.Changes.Changes[0]
	if update.Diff == "" {
		t.Error("expected a diff for the update operation")
	}
	if !strings.Contains(update.Diff, "application.service.auth") {
		t.Errorf("expected the diff header to carry the element id, got %q", update.Diff)
	}

	del := changeset.Changes.Changes[1]
	if del.Diff != "" {
		t.Errorf("expected no diff without an after state, got %q", del.Diff)
	}
}

func TestChangesetStoreMissing(t *testing.T) {
	store := model.NewChangesetStore(t.TempDir())

	registry, err := store.Registry()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var changesets []any
	if err := json.Unmarshal(registry.Changesets, &changesets); err != nil {
		t.Fatalf("expected empty changesets list, got %s (%v)", registry.Changesets, err)
	}
	if len(changesets) != 0 {
		t.Errorf("expected no changesets, got %d", len(changesets))
	}

	if _, err := store.Get("nope"); !errors.Is(err, model.ErrChangesetNotFound) {
		t.Errorf("expected ErrChangesetNotFound, got %v", err)
	}
}

func TestAnnotationStore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "annotations.json"), `{
		"annotations": [
			{"id": "ann-1", "elementId": "el-1", "author": "Alice", "content": "first"},
			{"id": "ann-2", "elementId": "el-2", "author": "Bob", "content": "second",
			 "replies": [{"id": "reply-1", "author": "Alice", "content": "agreed"}]}
		]
	}`)

	store := model.NewAnnotationStore(dir)

	all, err := store.List("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all.Annotations) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(all.Annotations))
	}
	if len(all.Annotations[1].Replies) != 1 {
		t.Errorf("expected 1 reply, got %d", len(all.Annotations[1].Replies))
	}

	filtered, err := store.List("el-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(filtered.Annotations) != 1 || filtered.Annotations[0].ID != "ann-1" {
		t.Errorf("unexpected filtered annotations: %+v", filtered.Annotations)
	}
}

func TestAnnotationStoreMissingFile(t *testing.T) {
	store := model.NewAnnotationStore(t.TempDir())

	list, err := store.List("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list.Annotations) != 0 {
		t.Errorf("expected empty annotations, got %d", len(list.Annotations))
	}
}
