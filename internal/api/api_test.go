package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/training"
)

type testEnv struct {
	server   *Server
	registry *registry.Registry
	bus      *bus.ChannelBus
}

// createTestServer wires a server over a file store in a temp dir with the
// seeded default models.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := repository.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	reg, err := registry.New(ctx, registry.Config{Store: store, Metrics: m})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	pipeline := features.NewPipeline(nil)
	scorer, err := scoring.New(reg, pipeline, scoring.ConfigFrom(domain.DefaultConfig().Scoring, m))
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}
	updater := training.NewUpdater(reg, pipeline, domain.TrainingConfig{
		Iterations:   200,
		LearningRate: 0.5,
		L2:           0.001,
	}, m)

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.ServerConfig{
		Host:           "localhost",
		Port:           8080,
		ReadTimeout:    30,
		WriteTimeout:   30,
		MaxUploadBytes: 1 << 20,
	}
	server := NewServer(cfg, Deps{
		Registry:      reg,
		Scorer:        scorer,
		Trainer:       updater,
		Store:         store,
		Bus:           eventBus,
		AsyncTraining: true,
		Version:       "test-v1",
		MaxBatchSize:  10,
	}, m, promReg)

	return &testEnv{server: server, registry: reg, bus: eventBus}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return b
}

func trust(v float64) *float64 { return &v }

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/health", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %s", resp.Status)
	}
	if resp.Version != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp.Version)
	}
	if resp.Checks["store"] != "up" || resp.Checks["bus"] != "up" {
		t.Errorf("expected store and bus up, got %v", resp.Checks)
	}
	if _, ok := resp.Checks["cache"]; ok {
		t.Error("expected no cache check without a cache")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/ready", nil, "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200 with seeded models, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestModelEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/models", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Models []domain.ModelArtifact `json:"models"`
			Count  int                    `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != len(domain.KnownModelTypes()) || len(resp.Models) != resp.Count {
			t.Errorf("expected one seeded model per type, got count %d with %d models", resp.Count, len(resp.Models))
		}
	})

	t.Run("GetByID", func(t *testing.T) {
		id := registry.SeedID(domain.ModelTypeRisk)
		rr := env.do(t, http.MethodGet, "/models/"+id, nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var a domain.ModelArtifact
		if err := json.Unmarshal(rr.Body.Bytes(), &a); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if a.ID != id || a.Type != domain.ModelTypeRisk {
			t.Errorf("expected seeded RISK model, got %s/%s", a.ID, a.Type)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/models/does-not-exist", nil, "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Latest", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/models/latest/document", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var a domain.ModelArtifact
		json.Unmarshal(rr.Body.Bytes(), &a)
		if a.Type != domain.ModelTypeDocument || a.Version != registry.SeedVersion {
			t.Errorf("expected seeded DOCUMENT %s, got %s %s", registry.SeedVersion, a.Type, a.Version)
		}
	})

	t.Run("LatestInvalidType", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/models/latest/CREDIT", nil, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestUploadModel(t *testing.T) {
	env := createTestServer(t)

	payload, err := ml.DefaultBundle().Encode()
	if err != nil {
		t.Fatalf("failed to encode bundle: %v", err)
	}

	t.Run("RawBody", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/models?type=RISK&name=risk-v2&version=2.0.0&accuracy=0.93",
			payload, "application/octet-stream")
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["id"] == "" {
			t.Fatal("expected an id in the response")
		}

		latest, err := env.registry.GetLatest(context.Background(), domain.ModelTypeRisk)
		if err != nil {
			t.Fatalf("GetLatest failed: %v", err)
		}
		if latest.ID != resp["id"] || latest.Version != "2.0.0" || latest.Accuracy != 0.93 {
			t.Errorf("expected uploaded model as latest, got %s %s %v", latest.ID, latest.Version, latest.Accuracy)
		}
	})

	t.Run("Multipart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "model.json")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		fw.Write(payload)
		mw.Close()

		rr := env.do(t, http.MethodPost, "/models?type=face&name=face-v2", buf.Bytes(), mw.FormDataContentType())
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		latest, _ := env.registry.GetLatest(context.Background(), domain.ModelTypeFace)
		if latest.Version != "1.1.0" {
			t.Errorf("expected auto-assigned version 1.1.0, got %s", latest.Version)
		}
	})

	tests := []struct {
		name   string
		target string
		body   []byte
	}{
		{"missing type", "/models?name=x", payload},
		{"unknown type", "/models?type=CREDIT&name=x", payload},
		{"bad accuracy", "/models?type=RISK&name=x&accuracy=7", payload},
		{"empty payload", "/models?type=RISK&name=x", nil},
		{"garbage payload", "/models?type=RISK&name=x", []byte("not a model")},
		{"bad version", "/models?type=RISK&name=x&version=latest", payload},
		{"too large", "/models?type=RISK&name=x", bytes.Repeat([]byte("a"), 2<<20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.registry.List(context.Background()))
			rr := env.do(t, http.MethodPost, tt.target, tt.body, "application/octet-stream")
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if after := len(env.registry.List(context.Background())); after != before {
				t.Errorf("expected catalog unchanged, went from %d to %d", before, after)
			}
		})
	}
}

func TestScoreEndpoint(t *testing.T) {
	env := createTestServer(t)

	record := domain.RawRecord{
		FirstName:    "Ada",
		DateOfBirth:  "1985-04-12",
		CreatedAt:    "2024-01-01",
		Email:        "ada@gmail.com",
		Status:       "active",
		DocumentType: "passport",
		TrustScore:   trust(80),
	}

	t.Run("Latest", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/RISK", mustJSON(t, record), "application/json")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res domain.ScoringResult
		if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if res.RiskScore < 0 || res.RiskScore > 100 {
			t.Errorf("risk score %v out of range", res.RiskScore)
		}
		if res.RiskLevel == "" || res.RecommendedAction == "" || res.Explanation == "" {
			t.Errorf("expected a complete result, got %+v", res)
		}
		if res.ModelID != registry.SeedID(domain.ModelTypeRisk) {
			t.Errorf("expected seeded model, got %s", res.ModelID)
		}
	})

	t.Run("PinnedModel", func(t *testing.T) {
		id := registry.SeedID(domain.ModelTypeAnomaly)
		rr := env.do(t, http.MethodPost, "/score/anomaly?model_id="+id, mustJSON(t, record), "application/json")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res domain.ScoringResult
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.ModelID != id {
			t.Errorf("expected pinned model %s, got %s", id, res.ModelID)
		}
	})

	t.Run("PinnedModelWrongType", func(t *testing.T) {
		id := registry.SeedID(domain.ModelTypeAnomaly)
		rr := env.do(t, http.MethodPost, "/score/RISK?model_id="+id, mustJSON(t, record), "application/json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("PinnedModelUnknown", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/RISK?model_id=nope", mustJSON(t, record), "application/json")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("InvalidType", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/CREDIT", mustJSON(t, record), "application/json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/RISK", []byte("{invalid"), "application/json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestScoreBatchEndpoint(t *testing.T) {
	env := createTestServer(t)

	records := []domain.RawRecord{
		{Email: "a@gmail.com", Status: "active", TrustScore: trust(90)},
		{Status: "suspended", TrustScore: trust(5)},
		{},
	}

	rr := env.do(t, http.MethodPost, "/score/RISK/batch", mustJSON(t, records), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var results []domain.ScoringResult
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(results) != len(records) {
		t.Fatalf("expected %d results, got %d", len(records), len(results))
	}
	if results[1].RiskScore < results[0].RiskScore {
		t.Errorf("expected the suspended low-trust record to score at least as high: %v < %v",
			results[1].RiskScore, results[0].RiskScore)
	}

	t.Run("Empty", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/RISK/batch", []byte("[]"), "application/json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		many := make([]domain.RawRecord, 11)
		rr := env.do(t, http.MethodPost, "/score/RISK/batch", mustJSON(t, many), "application/json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func labeledBatch() domain.TrainingBatch {
	var batch domain.TrainingBatch
	for i := 0; i < 8; i++ {
		batch.Records = append(batch.Records, domain.RawRecord{
			Email:        "x@mailinator.com",
			Status:       "suspended",
			DocumentType: "national_id",
			TrustScore:   trust(float64(5 + i)),
		})
		batch.Labels = append(batch.Labels, 1)

		batch.Records = append(batch.Records, domain.RawRecord{
			Email:        "y@gmail.com",
			Status:       "active",
			DocumentType: "passport",
			TrustScore:   trust(float64(85 + i)),
		})
		batch.Labels = append(batch.Labels, 0)
	}
	return batch
}

func TestTrainEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("Sync", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/models/RISK/train", mustJSON(t, labeledBatch()), "application/json")
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		latest, _ := env.registry.GetLatest(context.Background(), domain.ModelTypeRisk)
		if latest.ID != resp["id"] || latest.Version != "1.1.0" {
			t.Errorf("expected trained model %s as 1.1.0, got %s %s", resp["id"], latest.ID, latest.Version)
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		batch := labeledBatch()
		batch.Labels = batch.Labels[1:]
		rr := env.do(t, http.MethodPost, "/models/RISK/train", mustJSON(t, batch), "application/json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("SingleClass", func(t *testing.T) {
		batch := labeledBatch()
		for i := range batch.Labels {
			batch.Labels[i] = 1
		}
		rr := env.do(t, http.MethodPost, "/models/FACE/train", mustJSON(t, batch), "application/json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		latest, _ := env.registry.GetLatest(context.Background(), domain.ModelTypeFace)
		if latest.Version != registry.SeedVersion {
			t.Errorf("expected FACE unchanged at %s, got %s", registry.SeedVersion, latest.Version)
		}
	})

	t.Run("Async", func(t *testing.T) {
		received := make(chan domain.TrainingRequest, 1)
		sub, err := env.bus.Subscribe(context.Background(), domain.TopicTrainingRequested,
			func(ctx context.Context, msg *domain.Message) error {
				var req domain.TrainingRequest
				if err := json.Unmarshal(msg.Payload, &req); err != nil {
					return err
				}
				received <- req
				return nil
			})
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		rr := env.do(t, http.MethodPost, "/models/DOCUMENT/train?async=true", mustJSON(t, labeledBatch()), "application/json")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "queued" || resp["requestId"] == "" {
			t.Errorf("unexpected response %v", resp)
		}

		select {
		case req := <-received:
			if req.RequestID != resp["requestId"] || req.Type != domain.ModelTypeDocument {
				t.Errorf("expected request %s for DOCUMENT, got %s for %s", resp["requestId"], req.RequestID, req.Type)
			}
			if len(req.Batch.Records) != len(labeledBatch().Records) {
				t.Errorf("expected the full batch on the bus, got %d records", len(req.Batch.Records))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for training request")
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := createTestServer(t)

	env.do(t, http.MethodPost, "/score/RISK", []byte(`{"status":"active"}`), "application/json")
	env.do(t, http.MethodGet, "/models/"+registry.SeedID(domain.ModelTypeFace), nil, "")

	rr := env.do(t, http.MethodGet, "/metrics", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()

	for _, want := range []string{
		`kestrel_http_requests_total{method="POST",route="/score/{type}",status="200"} 1`,
		`route="/models/{id}"`,
		`kestrel_score_outcomes_total{model_type="RISK"`,
		`kestrel_models_published_total{model_type="RISK",source="seed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %s", want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	env := createTestServer(t)

	t.Run("RequestIDPropagation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "custom-request-id")

		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got != "custom-request-id" {
			t.Errorf("expected request ID 'custom-request-id', got '%s'", got)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected a trace ID header")
		}
	})

	t.Run("GeneratedRequestID", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil, "")
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected a generated request ID")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/score/RISK", nil)
		req.Header.Set("Origin", "https://console.example.com")

		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
			t.Errorf("expected origin echoed, got %s", got)
		}
	})

	t.Run("RecoverFromPanic", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
