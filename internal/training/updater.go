// Package training refits model artifacts from labeled batches.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// Registry is the part of the model registry the updater needs.
type Registry interface {
	LoadLatest(ctx context.Context, t domain.ModelType) (*registry.Model, error)
	Publish(ctx context.Context, req registry.PublishRequest) (*domain.ModelArtifact, error)
}

// Updater fits a new scaler and classifier pair on a batch and publishes it
// as the next version of a model type. It never mutates an existing artifact.
type Updater struct {
	registry Registry
	pipeline *features.Pipeline
	opts     ml.TrainOptions
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewUpdater creates an Updater. The pipeline must be the one scoring uses.
func NewUpdater(reg Registry, pipeline *features.Pipeline, cfg domain.TrainingConfig, m *metrics.Metrics) *Updater {
	return &Updater{
		registry: reg,
		pipeline: pipeline,
		opts: ml.TrainOptions{
			Iterations:   cfg.Iterations,
			LearningRate: cfg.LearningRate,
			L2:           cfg.L2,
		},
		metrics: m,
		now:     time.Now,
	}
}

// Update trains on batch and returns the id of the published artifact.
func (u *Updater) Update(ctx context.Context, t domain.ModelType, batch domain.TrainingBatch) (string, error) {
	start := time.Now()

	a, err := u.update(ctx, t, batch)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	u.metrics.ObserveTraining(string(t), outcome, time.Since(start))

	if err != nil {
		slog.Warn("training failed", "type", t, "records", len(batch.Records), "error", err)
		return "", err
	}

	slog.Info("training completed",
		"type", t,
		"id", a.ID,
		"version", a.Version,
		"records", len(batch.Records),
		"accuracy", a.Accuracy,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a.ID, nil
}

func (u *Updater) update(ctx context.Context, t domain.ModelType, batch domain.TrainingBatch) (*domain.ModelArtifact, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModelType, t)
	}
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	current, err := u.registry.LoadLatest(ctx, t)
	if err != nil {
		return nil, err
	}

	vectors := make([]domain.FeatureVector, len(batch.Records))
	for i, raw := range batch.Records {
		vectors[i] = u.pipeline.Build(ctx, raw)
	}

	schema := deriveSchema(current.Artifact.Schema, vectors)
	enc, err := features.NewEncoder(schema)
	if err != nil {
		return nil, err
	}

	rows := make([]features.Row, len(vectors))
	numeric := make([][]float64, len(vectors))
	missing := make([][]bool, len(vectors))
	for i, fv := range vectors {
		row, err := enc.Encode(fv)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", domain.ErrValidation, i, err)
		}
		rows[i] = row
		numeric[i] = row.Numeric
		missing[i] = row.Missing
	}

	scaler := ml.FitScaler(numeric, missing, schema.NumericWidth())

	X := make([][]float64, len(rows))
	for i, row := range rows {
		x, err := row.Vector(scaler)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", domain.ErrValidation, i, err)
		}
		X[i] = x
	}

	clf, err := ml.FitLogistic(schema.Columns(), X, batch.Labels, u.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	return u.registry.Publish(ctx, registry.PublishRequest{
		Type:      t,
		Name:      current.Artifact.Name,
		Accuracy:  clf.Accuracy(X, batch.Labels),
		TrainedAt: u.now(),
		Bundle:    ml.NewLogisticBundle(schema, scaler, clf),
		Source:    registry.SourceTraining,
	})
}

func validateBatch(batch domain.TrainingBatch) error {
	if len(batch.Records) != len(batch.Labels) {
		return fmt.Errorf("%w: %d feature rows but %d labels",
			domain.ErrValidation, len(batch.Records), len(batch.Labels))
	}
	if len(batch.Records) == 0 {
		return fmt.Errorf("%w: empty training batch", domain.ErrValidation)
	}

	var pos, neg int
	for i, l := range batch.Labels {
		switch l {
		case 0:
			neg++
		case 1:
			pos++
		default:
			return fmt.Errorf("%w: label %d is %d, expected 0 or 1", domain.ErrValidation, i, l)
		}
	}
	if pos == 0 || neg == 0 {
		return fmt.Errorf("%w: batch needs both classes (%d positive, %d negative)", domain.ErrValidation, pos, neg)
	}
	return nil
}

// deriveSchema keeps the numerical and derived columns of base and rebuilds
// each categorical vocabulary from the values seen in the batch.
func deriveSchema(base domain.FeatureSchema, vectors []domain.FeatureVector) domain.FeatureSchema {
	schema := domain.FeatureSchema{
		Numerical: append([]string(nil), base.Numerical...),
		Derived:   append([]domain.DerivedFeature(nil), base.Derived...),
	}

	for _, c := range base.Categorical {
		seen := make(map[string]bool)
		for _, fv := range vectors {
			if v, ok := fv.Categorical[c.Name]; ok {
				seen[v] = true
			}
		}
		vocab := make([]string, 0, len(seen))
		for v := range seen {
			vocab = append(vocab, v)
		}
		sort.Strings(vocab)
		schema.Categorical = append(schema.Categorical, domain.CategoricalFeature{Name: c.Name, Vocabulary: vocab})
	}

	return schema
}
