package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BundleFormat identifies the blob encoding. Bump it when the layout changes.
const BundleFormat = "kestrel.bundle/v1"

// Classifier kinds a bundle can carry.
const (
	KindLogistic = "logistic"
)

// Bundle is the unit persisted as an artifact blob: the schema the model was
// trained on, the scaler fit with it, and the classifier itself.
type Bundle struct {
	Format   string               `json:"format"`
	Kind     string               `json:"kind"`
	Schema   domain.FeatureSchema `json:"schema"`
	Scaler   *StandardScaler      `json:"scaler"`
	Logistic *LogisticRegression  `json:"logistic,omitempty"`
}

// NewLogisticBundle pairs a fitted scaler and classifier with their schema.
func NewLogisticBundle(schema domain.FeatureSchema, scaler *StandardScaler, clf *LogisticRegression) *Bundle {
	return &Bundle{
		Format:   BundleFormat,
		Kind:     KindLogistic,
		Schema:   schema,
		Scaler:   scaler,
		Logistic: clf,
	}
}

// Classifier returns the bundle's classifier.
func (b *Bundle) Classifier() Classifier {
	switch b.Kind {
	case KindLogistic:
		return b.Logistic
	}
	return nil
}

// Importances returns per-column importances when the classifier supports them.
func (b *Bundle) Importances() map[string]float64 {
	if e, ok := b.Classifier().(Explainable); ok {
		return e.FeatureImportances()
	}
	return nil
}

// Validate checks that scaler, classifier and schema agree on the column layout.
func (b *Bundle) Validate() error {
	if b.Format != BundleFormat {
		return fmt.Errorf("unsupported bundle format %q", b.Format)
	}
	if b.Scaler == nil {
		return fmt.Errorf("bundle has no scaler")
	}
	if err := b.Scaler.validate(); err != nil {
		return err
	}
	if b.Scaler.Width() != b.Schema.NumericWidth() {
		return fmt.Errorf("scaler width %d does not match schema numeric width %d",
			b.Scaler.Width(), b.Schema.NumericWidth())
	}

	switch b.Kind {
	case KindLogistic:
		if b.Logistic == nil {
			return fmt.Errorf("logistic bundle has no classifier")
		}
		if err := b.Logistic.validate(); err != nil {
			return err
		}
		cols := b.Schema.Columns()
		if len(cols) != len(b.Logistic.Columns) {
			return fmt.Errorf("classifier has %d columns, schema has %d", len(b.Logistic.Columns), len(cols))
		}
		for i := range cols {
			if cols[i] != b.Logistic.Columns[i] {
				return fmt.Errorf("column %d: classifier %q, schema %q", i, b.Logistic.Columns[i], cols[i])
			}
		}
	default:
		return fmt.Errorf("unknown classifier kind %q", b.Kind)
	}
	return nil
}

// Encode serializes the bundle.
func (b *Bundle) Encode() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return json.Marshal(b)
}

// DecodeBundle parses and validates a blob. Any failure is ErrModelUnloadable.
func DecodeBundle(payload []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrModelUnloadable, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrModelUnloadable, err)
	}
	return &b, nil
}

// Checksum returns the hex SHA-256 of a blob.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
