package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Annotation is a review comment attached to a model element.
type Annotation struct {
	ID        string  `json:"id"`
	ElementID string  `json:"elementId"`
	Author    string  `json:"author"`
	Content   string  `json:"content"`
	Status    string  `json:"status,omitempty"`
	CreatedAt string  `json:"createdAt,omitempty"`
	Replies   []Reply `json:"replies,omitempty"`
}

// Reply is a threaded response to an annotation.
type Reply struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// AnnotationList is the payload served for annotation queries.
type AnnotationList struct {
	Annotations []Annotation `json:"annotations"`
}

// AnnotationStore reads annotations from the dr data directory.
//
// Instances should be created with NewAnnotationStore.
type AnnotationStore struct {
	path string
}

// NewAnnotationStore creates a store reading from the annotations file under
// dir.
func NewAnnotationStore(dir string) *AnnotationStore {
	return &AnnotationStore{path: filepath.Join(dir, "annotations.json")}
}

// List returns the stored annotations, optionally filtered to those attached
// to elementID. An empty elementID returns everything; a missing annotations
// file yields an empty list.
func (s *AnnotationStore) List(elementID string) (*AnnotationList, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AnnotationList{Annotations: []Annotation{}}, nil
		}
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}

	var list AnnotationList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to parse annotations: %w", err)
	}
	if list.Annotations == nil {
		list.Annotations = []Annotation{}
	}

	if elementID == "" {
		return &list, nil
	}

	filtered := make([]Annotation, 0, len(list.Annotations))
	for _, ann := range list.Annotations {
		if ann.ElementID == elementID {
			filtered = append(filtered, ann)
		}
	}
	return &AnnotationList{Annotations: filtered}, nil
}
