// Package registry holds the versioned catalog of model artifacts.
//
// Readers (List, Get, GetLatest, Load) work on an immutable catalog snapshot
// and never block. Writers serialize per model type, persist the artifact
// blob first, and only then publish a new catalog that references it.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/ml"
)

var tracer = otel.Tracer("kestrel-registry")

// Publish sources, reported in metrics and logs.
const (
	SourceUpload   = "upload"
	SourceTraining = "training"
	SourceSeed     = "seed"
)

// Config wires the registry's collaborators. Only Store is required.
type Config struct {
	Store    domain.ModelStore
	Cache    domain.Cache
	CacheTTL time.Duration
	Bus      domain.EventBus
	Metrics  *metrics.Metrics

	// Now is overridable in tests.
	Now func() time.Time
}

// Model is a loaded artifact: the catalog entry, its decoded bundle, and the
// encoder compiled for its schema.
type Model struct {
	Artifact *domain.ModelArtifact
	Bundle   *ml.Bundle
	Encoder  *features.Encoder
}

// Registry is safe for concurrent use.
type Registry struct {
	store    domain.ModelStore
	cache    domain.Cache
	cacheTTL time.Duration
	bus      domain.EventBus
	metrics  *metrics.Metrics
	now      func() time.Time

	catalog   atomic.Pointer[domain.Catalog]
	catalogMu sync.Mutex
	typeMu    map[domain.ModelType]*sync.Mutex

	loads  singleflight.Group
	loaded sync.Map // artifact id -> *Model
}

// New loads the catalog from the store and seeds a default artifact for
// every model type that has none.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{
		store:    cfg.Store,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		typeMu:   make(map[domain.ModelType]*sync.Mutex),
	}
	for _, t := range domain.KnownModelTypes() {
		r.typeMu[t] = &sync.Mutex{}
	}

	catalog, err := cfg.Store.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	r.catalog.Store(catalog)

	if err := r.seed(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

// List returns every artifact in publish order.
func (r *Registry) List(ctx context.Context) []*domain.ModelArtifact {
	c := r.catalog.Load()
	out := make([]*domain.ModelArtifact, len(c.Artifacts))
	copy(out, c.Artifacts)
	return out
}

// Get returns the artifact with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*domain.ModelArtifact, error) {
	a, ok := r.catalog.Load().Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return a, nil
}

// GetLatest returns the artifact of type t with the highest semantic
// version. Versions compare numerically, so 1.10.0 is newer than 1.2.0.
// Equal versions fall back to the later CreatedAt.
func (r *Registry) GetLatest(ctx context.Context, t domain.ModelType) (*domain.ModelArtifact, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModelType, t)
	}
	a := latest(r.catalog.Load().OfType(t))
	if a == nil {
		return nil, fmt.Errorf("%w: no %s model", domain.ErrNotFound, t)
	}
	return a, nil
}

func latest(artifacts []*domain.ModelArtifact) *domain.ModelArtifact {
	var best *domain.ModelArtifact
	var bestVer *semver.Version
	for _, a := range artifacts {
		v, err := semver.NewVersion(a.Version)
		if err != nil {
			continue
		}
		if best == nil {
			best, bestVer = a, v
			continue
		}
		switch cmp := v.Compare(bestVer); {
		case cmp > 0:
			best, bestVer = a, v
		case cmp == 0 && a.CreatedAt.After(best.CreatedAt):
			best, bestVer = a, v
		}
	}
	return best
}

// UploadRequest is an externally produced bundle to register.
type UploadRequest struct {
	Type    domain.ModelType
	Name    string
	Version string
	Payload []byte

	// Accuracy is optional; the bundle carries no evaluation of its own.
	Accuracy float64
}

// Upload validates and registers a serialized bundle. It returns the new id.
func (r *Registry) Upload(ctx context.Context, req UploadRequest) (string, error) {
	if !req.Type.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidModelType, req.Type)
	}
	if len(req.Payload) == 0 {
		return "", fmt.Errorf("%w: empty model payload", domain.ErrValidation)
	}

	bundle, err := ml.DecodeBundle(req.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	a, err := r.publish(ctx, publishInput{
		Type:     req.Type,
		Name:     req.Name,
		Version:  req.Version,
		Accuracy: req.Accuracy,
		Bundle:   bundle,
		Payload:  req.Payload,
		Source:   SourceUpload,
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// PublishRequest registers an in-process bundle, e.g. from the online updater.
// An empty Version publishes the next minor version after the current latest.
type PublishRequest struct {
	Type      domain.ModelType
	Name      string
	Version   string
	Accuracy  float64
	TrainedAt time.Time
	Bundle    *ml.Bundle
	Source    string
}

// Publish encodes and registers req.Bundle.
func (r *Registry) Publish(ctx context.Context, req PublishRequest) (*domain.ModelArtifact, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModelType, req.Type)
	}
	if req.Bundle == nil {
		return nil, fmt.Errorf("%w: bundle is required", domain.ErrValidation)
	}
	payload, err := req.Bundle.Encode()
	if err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = SourceTraining
	}
	return r.publish(ctx, publishInput{
		Type:      req.Type,
		Name:      req.Name,
		Version:   req.Version,
		Accuracy:  req.Accuracy,
		TrainedAt: req.TrainedAt,
		Bundle:    req.Bundle,
		Payload:   payload,
		Source:    source,
	})
}

type publishInput struct {
	ID        string
	Type      domain.ModelType
	Name      string
	Version   string
	Accuracy  float64
	TrainedAt time.Time
	Bundle    *ml.Bundle
	Payload   []byte
	Source    string
}

func (r *Registry) publish(ctx context.Context, in publishInput) (*domain.ModelArtifact, error) {
	ctx, span := tracer.Start(ctx, "registry.publish",
		trace.WithAttributes(
			attribute.String("model.type", string(in.Type)),
			attribute.String("publish.source", in.Source),
		),
	)
	defer span.End()

	a, err := r.publishLocked(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model.id", a.ID),
		attribute.String("model.version", a.Version),
	)

	r.metrics.IncrementPublished(string(a.Type), in.Source)
	slog.Info("model published",
		"id", a.ID,
		"type", a.Type,
		"version", a.Version,
		"source", in.Source,
	)
	r.announce(ctx, a)

	return a, nil
}

func (r *Registry) publishLocked(ctx context.Context, in publishInput) (*domain.ModelArtifact, error) {
	// A schema whose derived features do not compile could never be loaded.
	enc, err := features.NewEncoder(in.Bundle.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	mu := r.typeMu[in.Type]
	mu.Lock()
	defer mu.Unlock()

	existing := r.catalog.Load().OfType(in.Type)

	version, err := resolveVersion(in.Version, existing)
	if err != nil {
		return nil, err
	}

	name := in.Name
	if name == "" {
		name = defaultName(in.Type)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now().UTC()
	trainedAt := in.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = now
	}

	a := &domain.ModelArtifact{
		ID:          id,
		Type:        in.Type,
		Name:        name,
		Version:     version,
		Accuracy:    in.Accuracy,
		TrainedAt:   trainedAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Schema:      in.Bundle.Schema,
		Importances: in.Bundle.Importances(),
		BlobSize:    int64(len(in.Payload)),
		Checksum:    ml.Checksum(in.Payload),
	}

	// The blob must be durable before any catalog references it.
	if err := r.store.PutBlob(ctx, a, in.Payload); err != nil {
		return nil, wrapPersistence(err)
	}

	if err := r.appendToCatalog(ctx, a); err != nil {
		return nil, err
	}

	r.cacheBlob(ctx, a.ID, in.Payload)
	r.loaded.Store(a.ID, &Model{Artifact: a, Bundle: in.Bundle, Encoder: enc})

	return a, nil
}

// appendToCatalog persists current+a and swaps the in-memory snapshot only
// after the store accepted it.
func (r *Registry) appendToCatalog(ctx context.Context, a *domain.ModelArtifact) error {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()

	next := r.catalog.Load().With(a, a.CreatedAt)
	if err := r.store.PublishCatalog(ctx, next); err != nil {
		return wrapPersistence(err)
	}
	r.catalog.Store(next)
	return nil
}

// resolveVersion validates an explicit version or derives the next minor one.
func resolveVersion(requested string, existing []*domain.ModelArtifact) (string, error) {
	if requested == "" {
		cur := latest(existing)
		if cur == nil {
			return "1.0.0", nil
		}
		v, _ := semver.NewVersion(cur.Version)
		next := v.IncMinor()
		return next.String(), nil
	}

	v, err := semver.NewVersion(requested)
	if err != nil {
		return "", fmt.Errorf("%w: invalid version %q: %v", domain.ErrValidation, requested, err)
	}
	for _, a := range existing {
		if ev, err := semver.NewVersion(a.Version); err == nil && ev.Equal(v) {
			return "", fmt.Errorf("%w: version %s already exists for %s", domain.ErrValidation, v, a.Type)
		}
	}
	return v.String(), nil
}

func defaultName(t domain.ModelType) string {
	return strings.ToLower(string(t)) + "-model"
}

func wrapPersistence(err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
}

// Load returns the decoded model of an artifact. Artifacts are immutable, so
// each id is decoded at most once; concurrent first loads share one decode.
func (r *Registry) Load(ctx context.Context, id string) (*Model, error) {
	if m, ok := r.loaded.Load(id); ok {
		return m.(*Model), nil
	}

	v, err, _ := r.loads.Do(id, func() (any, error) {
		if m, ok := r.loaded.Load(id); ok {
			return m, nil
		}

		ctx, span := tracer.Start(ctx, "registry.load", trace.WithAttributes(attribute.String("model.id", id)))
		defer span.End()

		a, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		payload, err := r.blob(ctx, a)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if ml.Checksum(payload) != a.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch for %s", domain.ErrModelUnloadable, id)
		}

		bundle, err := ml.DecodeBundle(payload)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		enc, err := features.NewEncoder(bundle.Schema)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrModelUnloadable, err)
		}

		m := &Model{Artifact: a, Bundle: bundle, Encoder: enc}
		r.loaded.Store(id, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// LoadLatest resolves and loads the latest artifact of t.
func (r *Registry) LoadLatest(ctx context.Context, t domain.ModelType) (*Model, error) {
	a, err := r.GetLatest(ctx, t)
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, a.ID)
}

func (r *Registry) blob(ctx context.Context, a *domain.ModelArtifact) ([]byte, error) {
	if r.cache != nil {
		if data, err := r.cache.Get(ctx, domain.CacheNamespaceBlob, a.ID); err == nil && data != nil {
			return data, nil
		}
	}
	data, err := r.store.GetBlob(ctx, a)
	if err != nil {
		return nil, err
	}
	r.cacheBlob(ctx, a.ID, data)
	return data, nil
}

func (r *Registry) cacheBlob(ctx context.Context, id string, payload []byte) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, domain.CacheNamespaceBlob, id, payload, r.cacheTTL); err != nil {
		slog.Debug("failed to cache model blob", "id", id, "error", err)
	}
}

// announce tells other replicas about a new artifact. Failures are logged only:
// the catalog in the store is already the source of truth.
func (r *Registry) announce(ctx context.Context, a *domain.ModelArtifact) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.ModelPublishedEvent{
		ID:          a.ID,
		Type:        a.Type,
		Version:     a.Version,
		PublishedAt: a.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, domain.TopicModelPublished, payload); err != nil {
		slog.Warn("failed to announce published model", "id", a.ID, "error", err)
	}
}

// Refresh reloads the catalog from the store, picking up artifacts other
// replicas published. Artifacts already visible here stay visible even when
// the store catalog lacks them.
func (r *Registry) Refresh(ctx context.Context) error {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()

	fresh, err := r.store.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload catalog: %w", err)
	}
	if next := mergeCatalog(r.catalog.Load(), fresh); next != nil {
		r.catalog.Store(next)
	}
	return nil
}

// mergeCatalog returns fresh followed by the artifacts only cur knows, or nil
// when fresh adds nothing to cur.
func mergeCatalog(cur, fresh *domain.Catalog) *domain.Catalog {
	if fresh == nil {
		return nil
	}
	if cur == nil {
		return fresh
	}
	known := make(map[string]bool, len(cur.Artifacts))
	for _, a := range cur.Artifacts {
		known[a.ID] = true
	}
	inFresh := make(map[string]bool, len(fresh.Artifacts))
	added := false
	for _, a := range fresh.Artifacts {
		inFresh[a.ID] = true
		if !known[a.ID] {
			added = true
		}
	}
	if !added {
		return nil
	}

	merged := make([]*domain.ModelArtifact, 0, len(fresh.Artifacts)+len(cur.Artifacts))
	merged = append(merged, fresh.Artifacts...)
	for _, a := range cur.Artifacts {
		if !inFresh[a.ID] {
			merged = append(merged, a)
		}
	}
	return &domain.Catalog{Artifacts: merged, PublishedAt: fresh.PublishedAt}
}

// OnModelPublished is a bus handler that refreshes the catalog when another
// replica announces an artifact this one does not know yet.
func (r *Registry) OnModelPublished(ctx context.Context, msg *domain.Message) error {
	var ev domain.ModelPublishedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("failed to parse model published event: %w", err)
	}
	if _, ok := r.catalog.Load().Find(ev.ID); ok {
		return nil
	}
	return r.Refresh(ctx)
}

// Types returns the model types that currently have at least one artifact.
func (r *Registry) Types() []domain.ModelType {
	seen := make(map[domain.ModelType]bool)
	for _, a := range r.catalog.Load().Artifacts {
		seen[a.Type] = true
	}
	out := make([]domain.ModelType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
