package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// Registry is the model registry as seen by the API.
type Registry interface {
	List(ctx context.Context) []*domain.ModelArtifact
	Get(ctx context.Context, id string) (*domain.ModelArtifact, error)
	GetLatest(ctx context.Context, t domain.ModelType) (*domain.ModelArtifact, error)
	Upload(ctx context.Context, req registry.UploadRequest) (string, error)
}

// Scorer is the inference engine as seen by the API.
type Scorer interface {
	Score(ctx context.Context, t domain.ModelType, raw domain.RawRecord) (*domain.ScoringResult, error)
	ScoreWith(ctx context.Context, modelID string, raw domain.RawRecord) (*domain.ScoringResult, error)
	ScoreBatch(ctx context.Context, t domain.ModelType, records []domain.RawRecord) ([]*domain.ScoringResult, error)
}

// Trainer runs a training batch synchronously.
type Trainer interface {
	Update(ctx context.Context, t domain.ModelType, batch domain.TrainingBatch) (string, error)
}

// pinger is any backend with a health check.
type pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the collaborators of the API handlers. Store, Cache and Bus are
// optional. Bus also carries async training requests when AsyncTraining is set.
type Deps struct {
	Registry Registry
	Scorer   Scorer
	Trainer  Trainer
	Store    domain.ModelStore
	Cache    domain.Cache
	Bus      domain.EventBus

	AsyncTraining  bool
	Version        string
	MaxUploadBytes int64
	MaxBatchSize   int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 64 << 20
	}
	if deps.MaxBatchSize <= 0 {
		deps.MaxBatchSize = 1000
	}
	return &Handler{deps: deps}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	for name, p := range map[string]pinger{
		"store": h.deps.Store,
		"cache": h.deps.Cache,
		"bus":   h.deps.Bus,
	} {
		if p == nil {
			continue
		}
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = "down"
			continue
		}
		checks[name] = "up"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Ready reports whether every model type can be resolved.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, t := range domain.KnownModelTypes() {
		if _, err := h.deps.Registry.GetLatest(r.Context(), t); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": fmt.Sprintf("no %s model", t),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListModels handles GET /models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.deps.Registry.List(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// GetModel handles GET /models/{id}.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	a, err := h.deps.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetLatestModel handles GET /models/latest/{type}.
func (h *Handler) GetLatestModel(w http.ResponseWriter, r *http.Request) {
	t, err := domain.ParseModelType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.deps.Registry.GetLatest(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UploadModel handles POST /models?type=&name=&version=[&accuracy=].
// The bundle is the raw request body or the "file" part of a multipart form.
func (h *Handler) UploadModel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	t, err := domain.ParseModelType(q.Get("type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var accuracy float64
	if s := q.Get("accuracy"); s != "" {
		accuracy, err = strconv.ParseFloat(s, 64)
		if err != nil || accuracy < 0 || accuracy > 1 {
			writeError(w, r, fmt.Errorf("%w: accuracy must be a number in [0,1]", domain.ErrValidation))
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes)
	payload, err := readUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	id, err := h.deps.Registry.Upload(r.Context(), registry.UploadRequest{
		Type:     t,
		Name:     q.Get("name"),
		Version:  q.Get("version"),
		Payload:  payload,
		Accuracy: accuracy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func readUpload(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: multipart upload needs a \"file\" part: %v", domain.ErrValidation, err)
		}
		defer f.Close()
		return readAll(f)
	}
	return readAll(r.Body)
}

func readAll(rd io.Reader) ([]byte, error) {
	data, err := io.ReadAll(rd)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrValidation, tooLarge.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read payload: %v", domain.ErrValidation, err)
	}
	return data, nil
}

// Score handles POST /score/{type}. ?model_id= pins a specific artifact of
// that type instead of the latest one.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t, err := domain.ParseModelType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var raw domain.RawRecord
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	var res *domain.ScoringResult
	if id := r.URL.Query().Get("model_id"); id != "" {
		a, err := h.deps.Registry.Get(ctx, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if a.Type != t {
			writeError(w, r, fmt.Errorf("%w: model %s is %s, not %s", domain.ErrValidation, id, a.Type, t))
			return
		}
		res, err = h.deps.Scorer.ScoreWith(ctx, id, raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		res, err = h.deps.Scorer.Score(ctx, t, raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// ScoreBatch handles POST /score/{type}/batch.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	t, err := domain.ParseModelType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var records []domain.RawRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body, expected an array of records",
		})
		return
	}
	if len(records) == 0 || len(records) > h.deps.MaxBatchSize {
		writeError(w, r, fmt.Errorf("%w: batch must hold 1 to %d records", domain.ErrValidation, h.deps.MaxBatchSize))
		return
	}

	results, err := h.deps.Scorer.ScoreBatch(r.Context(), t, records)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Train handles POST /models/{type}/train. With ?async=true the batch is
// handed to the training worker over the event bus and 202 is returned.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t, err := domain.ParseModelType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var batch domain.TrainingBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(batch.Records) != len(batch.Labels) {
		writeError(w, r, fmt.Errorf("%w: %d feature rows but %d labels",
			domain.ErrValidation, len(batch.Records), len(batch.Labels)))
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if !h.deps.AsyncTraining || h.deps.Bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "async training not available",
			})
			return
		}

		req := domain.TrainingRequest{
			RequestID: uuid.New().String(),
			Type:      t,
			Batch:     batch,
		}
		payload, err := json.Marshal(req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := h.deps.Bus.Publish(ctx, domain.TopicTrainingRequested, payload); err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"requestId": req.RequestID,
			"status":    "queued",
		})
		return
	}

	id, err := h.deps.Trainer.Update(ctx, t, batch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// writeError maps the error taxonomy onto HTTP. Internal errors are logged
// with detail and returned opaquely.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case domain.IsUserFacing(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
