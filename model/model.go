package model

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the dr CLI model manifest (manifest.yaml). Layers map on-disk
// YAML directories to the layers of the served model.
type Manifest struct {
	Version    string                 `yaml:"version"`
	Project    map[string]any         `yaml:"project"`
	Statistics map[string]any         `yaml:"statistics"`
	Layers     map[string]LayerConfig `yaml:"layers"`
}

// LayerConfig describes one layer entry in the manifest.
type LayerConfig struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Enabled *bool  `yaml:"enabled"`
}

func (c LayerConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Model is the assembled model payload served to viewer clients.
type Model struct {
	Version    string           `json:"version"`
	Metadata   Metadata         `json:"metadata"`
	Layers     map[string]Layer `json:"layers"`
	References []Reference      `json:"references"`
}

// Metadata describes the model's provenance.
type Metadata struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Source      string         `json:"source"`
	Project     map[string]any `json:"project"`
	Statistics  map[string]any `json:"statistics"`
}

// Layer groups the elements and intra-layer relationships of one model layer.
type Layer struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Elements      []Element      `json:"elements"`
	Relationships []Relationship `json:"relationships"`
}

// Element is a single model element in viewer format.
type Element struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	LayerID    string         `json:"layerId"`
	Properties map[string]any `json:"properties"`
	Visual     Visual         `json:"visual"`
}

// Visual carries default rendering hints for an element.
type Visual struct {
	Position Position `json:"position"`
	Size     Size     `json:"size"`
	Style    Style    `json:"style"`
}

// Position is an element's canvas position.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Size is an element's rendered size.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Style holds an element's colors.
type Style struct {
	BackgroundColor string `json:"backgroundColor"`
	BorderColor     string `json:"borderColor"`
}

// Relationship links two elements within a layer.
type Relationship struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Reference links elements across layers.
type Reference struct {
	Source ReferenceEnd `json:"source"`
	Target ReferenceEnd `json:"target"`
	Type   string       `json:"type"`
}

// ReferenceEnd is one endpoint of a cross-layer reference.
type ReferenceEnd struct {
	LayerID   string `json:"layerId"`
	ElementID string `json:"elementId"`
}

func defaultVisual() Visual {
	return Visual{
		Size:  Size{Width: 200, Height: 100},
		Style: Style{BackgroundColor: "#e3f2fd", BorderColor: "#1976d2"},
	}
}

// Property keys that imply a relationship to another element even without an
// explicit relationships block.
var implicitRelationshipKeys = []string{
	"deployedTo", "realizes", "uses", "implements", "accesses",
	"serves", "triggers", "flowsTo", "composedOf", "aggregates",
	"specializes", "associatedWith",
}

var layerIDMap = map[string]string{
	"motivation":  "Motivation",
	"business":    "Business",
	"security":    "Security",
	"application": "Application",
	"technology":  "Technology",
	"api":         "Api",
	"data_model":  "DataModel",
	"datastore":   "Datastore",
	"ux":          "Ux",
	"navigation":  "Navigation",
	"apm":         "ApmObservability",
}

// normalizeLayerID converts the manifest's lowercase underscore layer IDs to
// the PascalCase form viewer clients expect.
func normalizeLayerID(layerID string) string {
	if mapped, ok := layerIDMap[layerID]; ok {
		return mapped
	}
	if layerID == "" {
		return layerID
	}
	return strings.ToUpper(layerID[:1]) + layerID[1:]
}

// Loader assembles Model payloads from the dr CLI's on-disk model layout.
//
// Instances should be created with NewLoader.
type Loader struct {
	modelDir string
	logger   *slog.Logger
}

// LoaderOption represents the options for the Loader.
type LoaderOption func(*Loader)

// NewLoader creates a loader reading from modelDir, the directory containing
// manifest.yaml and the per-layer subdirectories.
func NewLoader(modelDir string, options ...LoaderOption) *Loader {
	l := &Loader{
		modelDir: modelDir,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// WithLoaderLogger sets the logger for the loader.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger.With(slog.String("component", "model"))
	}
}

// Load reads the manifest and every enabled layer's YAML instance files, and
// assembles the viewer model. Unreadable individual layer files are logged
// and skipped; a missing manifest is an error.
func (l *Loader) Load() (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(l.modelDir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read model manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse model manifest: %w", err)
	}

	layers := make(map[string]Layer)

	layerIDs := make([]string, 0, len(manifest.Layers))
	for layerID := range manifest.Layers {
		layerIDs = append(layerIDs, layerID)
	}
	sort.Strings(layerIDs)

	for _, layerID := range layerIDs {
		cfg := manifest.Layers[layerID]
		if !cfg.enabled() {
			continue
		}

		elements := l.loadLayerElements(layerID, cfg)
		relationships := extractRelationships(elements)

		normalized := normalizeLayerID(layerID)
		name := cfg.Name
		if name == "" {
			name = normalized
		}

		layers[normalized] = Layer{
			ID:            normalized,
			Type:          name,
			Name:          name,
			Elements:      elements,
			Relationships: relationships,
		}
	}

	version := manifest.Version
	if version == "" {
		version = "0.1.0"
	}
	description := "Model from dr CLI"
	if d, ok := manifest.Project["description"].(string); ok && d != "" {
		description = d
	}

	model := &Model{
		Version: version,
		Metadata: Metadata{
			Type:        "yaml-instance",
			Description: description,
			Source:      "dr-cli",
			Project:     manifest.Project,
			Statistics:  manifest.Statistics,
		},
		Layers:     layers,
		References: extractReferences(layers),
	}

	totalElements := 0
	totalRelationships := 0
	for _, layer := range layers {
		totalElements += len(layer.Elements)
		totalRelationships += len(layer.Relationships)
	}
	l.logger.Info("model assembled",
		slog.Int("layers", len(layers)),
		slog.Int("elements", totalElements),
		slog.Int("relationships", totalRelationships),
		slog.Int("references", len(model.References)))

	return model, nil
}

func (l *Loader) loadLayerElements(layerID string, cfg LayerConfig) []Element {
	layerDir := l.resolveLayerDir(cfg.Path)

	files, err := filepath.Glob(filepath.Join(layerDir, "*.yaml"))
	if err != nil || len(files) == 0 {
		return nil
	}
	sort.Strings(files)

	var elements []Element
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			l.logger.Warn("failed to read layer file",
				slog.String("file", file), slog.String("err", err.Error()))
			continue
		}

		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			l.logger.Warn("failed to parse layer file",
				slog.String("file", file), slog.String("err", err.Error()))
			continue
		}

		names := make([]string, 0, len(doc))
		for name := range doc {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			props, ok := doc[name].(map[string]any)
			if !ok {
				continue
			}

			id, _ := props["id"].(string)
			if id == "" {
				id = fmt.Sprintf("%s.%s", layerID, name)
			}
			displayName, _ := props["name"].(string)
			if displayName == "" {
				displayName = name
			}

			elements = append(elements, Element{
				ID:         id,
				Type:       inferElementType(props, filepath.Base(file), layerID),
				Name:       displayName,
				LayerID:    normalizeLayerID(layerID),
				Properties: props,
				Visual:     defaultVisual(),
			})
		}
	}
	return elements
}

// resolveLayerDir handles the two path styles found in manifests: paths that
// incorrectly repeat the documentation-robotics/model/ prefix, and paths
// relative to the model's parent directory.
func (l *Loader) resolveLayerDir(rawPath string) string {
	const prefix = "documentation-robotics/model/"
	if idx := strings.Index(rawPath, prefix); idx >= 0 {
		return filepath.Join(l.modelDir, rawPath[idx+len(prefix):])
	}
	return filepath.Join(filepath.Dir(l.modelDir), rawPath)
}

// relationshipTargets returns the relationship map declared on an element
// plus any implicit relationship properties, keyed by relationship type.
func relationshipTargets(props map[string]any, includeImplicit bool) map[string]any {
	targets := make(map[string]any)
	if declared, ok := props["relationships"].(map[string]any); ok {
		for relType, target := range declared {
			targets[relType] = target
		}
	}
	if includeImplicit {
		for _, key := range implicitRelationshipKeys {
			if target, ok := props[key]; ok {
				if _, exists := targets[key]; !exists {
					targets[key] = target
				}
			}
		}
	}
	return targets
}

// targetIDs normalizes a relationship target value to a list of ID strings.
// Targets may be a single string or a list; anything else is ignored.
func targetIDs(target any) []string {
	switch v := target.(type) {
	case string:
		return []string{v}
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

func extractRelationships(elements []Element) []Relationship {
	var relationships []Relationship

	for _, element := range elements {
		targets := relationshipTargets(element.Properties, true)

		relTypes := make([]string, 0, len(targets))
		for relType := range targets {
			relTypes = append(relTypes, relType)
		}
		sort.Strings(relTypes)

		for _, relType := range relTypes {
			for _, targetID := range targetIDs(targets[relType]) {
				// Targets use dot notation (layer.type.element-id); keep
				// only the element ID.
				parts := strings.Split(targetID, ".")
				actualTargetID := targetID
				if len(parts) > 1 {
					actualTargetID = parts[len(parts)-1]
				}

				relationships = append(relationships, Relationship{
					ID:         fmt.Sprintf("%s-%s-%s", element.ID, relType, actualTargetID),
					SourceID:   element.ID,
					TargetID:   actualTargetID,
					Type:       relType,
					Properties: map[string]any{},
				})
			}
		}
	}
	return relationships
}

// extractReferences finds relationships whose target lives in a different
// layer than the source element. Only explicitly declared relationships are
// considered.
func extractReferences(layers map[string]Layer) []Reference {
	references := []Reference{}

	layerIDs := make([]string, 0, len(layers))
	for layerID := range layers {
		layerIDs = append(layerIDs, layerID)
	}
	sort.Strings(layerIDs)

	for _, layerID := range layerIDs {
		for _, element := range layers[layerID].Elements {
			targets := relationshipTargets(element.Properties, false)

			relTypes := make([]string, 0, len(targets))
			for relType := range targets {
				relTypes = append(relTypes, relType)
			}
			sort.Strings(relTypes)

			for _, relType := range relTypes {
				for _, targetID := range targetIDs(targets[relType]) {
					parts := strings.Split(targetID, ".")
					targetLayer := normalizeLayerID(parts[0])
					actualTargetID := targetID
					if len(parts) > 1 {
						actualTargetID = parts[len(parts)-1]
					}

					if targetLayer == layerID {
						continue
					}

					references = append(references, Reference{
						Source: ReferenceEnd{LayerID: layerID, ElementID: element.ID},
						Target: ReferenceEnd{LayerID: targetLayer, ElementID: actualTargetID},
						Type:   relType,
					})
				}
			}
		}
	}
	return references
}
