// Package scoring turns a raw record into an explainable risk score using the
// latest artifact of a model type.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/registry"
)

var tracer = otel.Tracer("kestrel-scoring")

// ModelSource resolves loaded artifacts. *registry.Registry implements it.
type ModelSource interface {
	Load(ctx context.Context, id string) (*registry.Model, error)
	LoadLatest(ctx context.Context, t domain.ModelType) (*registry.Model, error)
}

// Tiers partitions [0,100] into LOW [0,MediumFrom), MEDIUM [MediumFrom,HighFrom)
// and HIGH [HighFrom,100].
type Tiers struct {
	MediumFrom float64
	HighFrom   float64
}

// DefaultTiers returns the 33/67 split.
func DefaultTiers() Tiers {
	return Tiers{MediumFrom: 33, HighFrom: 67}
}

// Validate rejects boundaries that leave a gap or overlap.
func (t Tiers) Validate() error {
	if t.MediumFrom < 0 || t.HighFrom > 100 || t.MediumFrom > t.HighFrom {
		return fmt.Errorf("%w: tier boundaries must satisfy 0 <= medium (%v) <= high (%v) <= 100",
			domain.ErrValidation, t.MediumFrom, t.HighFrom)
	}
	return nil
}

// Level returns the tier of score.
func (t Tiers) Level(score float64) domain.RiskLevel {
	switch {
	case score >= t.HighFrom:
		return domain.RiskHigh
	case score >= t.MediumFrom:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Action is derived from the tier so both share the HIGH boundary.
func (t Tiers) Action(level domain.RiskLevel) string {
	if level == domain.RiskHigh {
		return domain.ActionEnhanced
	}
	return domain.ActionStandard
}

// Config configures a Scorer.
type Config struct {
	Tiers                 Tiers
	SignificanceThreshold float64
	BatchConcurrency      int
	Metrics               *metrics.Metrics
}

// ConfigFrom maps the service configuration onto a scorer configuration.
func ConfigFrom(cfg domain.ScoringConfig, m *metrics.Metrics) Config {
	return Config{
		Tiers:                 Tiers{MediumFrom: cfg.MediumFrom, HighFrom: cfg.HighFrom},
		SignificanceThreshold: cfg.SignificanceThreshold,
		BatchConcurrency:      cfg.BatchConcurrency,
		Metrics:               m,
	}
}

// Scorer is the inference engine. It holds no per-request state and is safe
// for concurrent use.
type Scorer struct {
	models      ModelSource
	pipeline    *features.Pipeline
	tiers       Tiers
	threshold   float64
	concurrency int
	metrics     *metrics.Metrics
}

// New creates a Scorer.
func New(models ModelSource, pipeline *features.Pipeline, cfg Config) (*Scorer, error) {
	if err := cfg.Tiers.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	return &Scorer{
		models:      models,
		pipeline:    pipeline,
		tiers:       cfg.Tiers,
		threshold:   cfg.SignificanceThreshold,
		concurrency: cfg.BatchConcurrency,
		metrics:     cfg.Metrics,
	}, nil
}

// Score scores raw against the latest artifact of t.
func (s *Scorer) Score(ctx context.Context, t domain.ModelType, raw domain.RawRecord) (*domain.ScoringResult, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModelType, t)
	}
	return s.score(ctx, t, raw, func(ctx context.Context) (*registry.Model, error) {
		return s.models.LoadLatest(ctx, t)
	})
}

// ScoreWith scores raw against one specific artifact, e.g. to replay an
// audited decision on the exact model that produced it.
func (s *Scorer) ScoreWith(ctx context.Context, modelID string, raw domain.RawRecord) (*domain.ScoringResult, error) {
	var t domain.ModelType
	return s.score(ctx, t, raw, func(ctx context.Context) (*registry.Model, error) {
		return s.models.Load(ctx, modelID)
	})
}

// ScoreBatch scores records concurrently. Results are in input order; the
// first failure cancels the rest.
func (s *Scorer) ScoreBatch(ctx context.Context, t domain.ModelType, records []domain.RawRecord) ([]*domain.ScoringResult, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModelType, t)
	}

	// Resolve once so every record in the batch sees the same artifact.
	model, err := s.models.LoadLatest(ctx, t)
	if err != nil {
		return nil, err
	}
	resolve := func(context.Context) (*registry.Model, error) { return model, nil }

	results := make([]*domain.ScoringResult, len(records))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i := range records {
		g.Go(func() error {
			res, err := s.score(ctx, t, records[i], resolve)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Scorer) score(
	ctx context.Context,
	t domain.ModelType,
	raw domain.RawRecord,
	resolve func(context.Context) (*registry.Model, error),
) (*domain.ScoringResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "scoring.score")
	defer span.End()

	res, model, err := s.evaluate(ctx, raw, resolve)
	if model != nil {
		t = model.Artifact.Type
		span.SetAttributes(
			attribute.String("model.id", model.Artifact.ID),
			attribute.String("model.version", model.Artifact.Version),
		)
	}
	span.SetAttributes(attribute.String("model.type", string(t)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncrementScoreError(string(t), errorKind(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("risk.score", res.RiskScore),
		attribute.String("risk.level", string(res.RiskLevel)),
	)
	s.metrics.ObserveScore(string(t), string(res.RiskLevel), time.Since(start))

	slog.Debug("record scored",
		"type", t,
		"model_id", res.ModelID,
		"risk_score", res.RiskScore,
		"risk_level", res.RiskLevel,
		"trace_id", trace.SpanContextFromContext(ctx).TraceID().String(),
	)
	return res, nil
}

func (s *Scorer) evaluate(
	ctx context.Context,
	raw domain.RawRecord,
	resolve func(context.Context) (*registry.Model, error),
) (*domain.ScoringResult, *registry.Model, error) {
	model, err := resolve(ctx)
	if err != nil {
		return nil, nil, err
	}

	fv := s.pipeline.Build(ctx, raw)

	row, err := model.Encoder.Encode(fv)
	if err != nil {
		return nil, model, err
	}
	x, err := row.Vector(model.Bundle.Scaler)
	if err != nil {
		return nil, model, fmt.Errorf("%w: %v", domain.ErrFeatureSchema, err)
	}
	p, err := model.Bundle.Classifier().PredictProba(x)
	if err != nil {
		return nil, model, fmt.Errorf("%w: %v", domain.ErrFeatureSchema, err)
	}

	res := s.Result(p, model.Artifact.Importances)
	res.ModelID = model.Artifact.ID
	res.ModelVersion = model.Artifact.Version
	return res, model, nil
}

// Result builds the scoring result of a positive-class probability p.
// It depends only on its inputs.
func (s *Scorer) Result(p float64, importances map[string]float64) *domain.ScoringResult {
	p = math.Max(0, math.Min(1, p))
	score := math.Round(p*10000) / 100
	level := s.tiers.Level(score)

	factors := significantFactors(importances, s.threshold)

	res := &domain.ScoringResult{
		RiskScore:         score,
		RiskLevel:         level,
		Confidence:        math.Round(math.Max(p, 1-p)*10000) / 10000,
		RiskFactors:       make([]string, 0, len(factors)),
		RecommendedAction: s.tiers.Action(level),
	}

	if len(factors) == 0 {
		res.Explanation = domain.NoRiskFactorsExplanation
		return res
	}

	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		w := strconv.FormatFloat(f.weight, 'f', 2, 64)
		res.RiskFactors = append(res.RiskFactors, f.name+": "+w)
		parts = append(parts, f.name+" ("+w+")")
	}
	res.Explanation = "risk factors: " + strings.Join(parts, ", ")
	return res
}

type factor struct {
	name   string
	weight float64
}

// significantFactors returns the features above threshold by descending
// importance, ties by name.
func significantFactors(importances map[string]float64, threshold float64) []factor {
	var out []factor
	for name, w := range importances {
		if w > threshold {
			out = append(out, factor{name: name, weight: w})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return out[i].name < out[j].name
	})
	return out
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrFeatureSchema):
		return "feature_schema"
	case errors.Is(err, domain.ErrModelUnloadable):
		return "unloadable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
