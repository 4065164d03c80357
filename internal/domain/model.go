package domain

import (
	"fmt"
	"strings"
	"time"
)

// ModelType is the closed set of model families held by the registry.
type ModelType string

const (
	ModelTypeDocument ModelType = "DOCUMENT"
	ModelTypeFace     ModelType = "FACE"
	ModelTypeRisk     ModelType = "RISK"
	ModelTypeAnomaly  ModelType = "ANOMALY"
)

// KnownModelTypes returns every model type in a fixed order.
func KnownModelTypes() []ModelType {
	return []ModelType{ModelTypeDocument, ModelTypeFace, ModelTypeRisk, ModelTypeAnomaly}
}

// ParseModelType accepts a model type name in any case.
func ParseModelType(s string) (ModelType, error) {
	t := ModelType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidModelType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known model types.
func (t ModelType) Valid() bool {
	switch t {
	case ModelTypeDocument, ModelTypeFace, ModelTypeRisk, ModelTypeAnomaly:
		return true
	}
	return false
}

// ModelArtifact is the catalog entry of one published model version.
// The classifier and scaler live together in a single blob keyed by ID.
// Once published an artifact is never mutated.
type ModelArtifact struct {
	ID          string             `json:"id"`
	Type        ModelType          `json:"type"`
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Accuracy    float64            `json:"accuracy"`
	TrainedAt   time.Time          `json:"trainedAt"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	Schema      FeatureSchema      `json:"featureSchema"`
	Importances map[string]float64 `json:"featureImportances,omitempty"`

	// Blob bookkeeping
	BlobSize int64  `json:"blobSize"`
	Checksum string `json:"checksum"`
}

// Catalog is an immutable snapshot of all published artifacts in publish order.
// Writers build a new Catalog and swap it in; readers never see a partial one.
type Catalog struct {
	Artifacts   []*ModelArtifact `json:"models"`
	PublishedAt time.Time        `json:"publishedAt"`
}

// Find returns the artifact with the given id.
func (c *Catalog) Find(id string) (*ModelArtifact, bool) {
	if c == nil {
		return nil, false
	}
	for _, a := range c.Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// OfType returns the artifacts of one type in publish order.
func (c *Catalog) OfType(t ModelType) []*ModelArtifact {
	if c == nil {
		return nil
	}
	var out []*ModelArtifact
	for _, a := range c.Artifacts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// With returns a new catalog with a appended. The receiver is left untouched.
func (c *Catalog) With(a *ModelArtifact, now time.Time) *Catalog {
	var existing []*ModelArtifact
	if c != nil {
		existing = c.Artifacts
	}
	next := make([]*ModelArtifact, 0, len(existing)+1)
	next = append(next, existing...)
	next = append(next, a)
	return &Catalog{Artifacts: next, PublishedAt: now}
}

// FeatureSchema fixes the column layout an artifact's classifier was trained on.
type FeatureSchema struct {
	Numerical   []string             `json:"numerical"`
	Categorical []CategoricalFeature `json:"categorical"`
	Derived     []DerivedFeature     `json:"derived,omitempty"`
}

// CategoricalFeature is one-hot encoded over Vocabulary in order.
type CategoricalFeature struct {
	Name       string   `json:"name"`
	Vocabulary []string `json:"vocabulary"`
}

// DerivedFeature is a numeric column computed by a CEL expression over
// the engineered features.
type DerivedFeature struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// Columns returns the encoded column names: numerical, then derived, then
// one "name=value" column per vocabulary entry.
func (s FeatureSchema) Columns() []string {
	cols := make([]string, 0, len(s.Numerical)+len(s.Derived))
	cols = append(cols, s.Numerical...)
	for _, d := range s.Derived {
		cols = append(cols, d.Name)
	}
	for _, c := range s.Categorical {
		for _, v := range c.Vocabulary {
			cols = append(cols, OneHotColumn(c.Name, v))
		}
	}
	return cols
}

// NumericWidth is the number of leading columns that go through the scaler.
func (s FeatureSchema) NumericWidth() int {
	return len(s.Numerical) + len(s.Derived)
}

// Empty reports whether the schema defines no columns at all.
func (s FeatureSchema) Empty() bool {
	return len(s.Numerical) == 0 && len(s.Categorical) == 0 && len(s.Derived) == 0
}

// OneHotColumn names the indicator column of a categorical value.
func OneHotColumn(feature, value string) string {
	return feature + "=" + value
}
