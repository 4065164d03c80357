package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testArtifact(id string, t domain.ModelType, version string) *domain.ModelArtifact {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.ModelArtifact{
		ID:        id,
		Type:      t,
		Name:      "risk-model",
		Version:   version,
		Accuracy:  0.91,
		TrainedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
		Schema: domain.FeatureSchema{
			Numerical: []string{domain.FeatureAge, domain.FeatureRiskScore},
			Categorical: []domain.CategoricalFeature{
				{Name: domain.FeatureStatus, Vocabulary: []string{"active", "pending"}},
			},
		},
		Importances: map[string]float64{domain.FeatureAge: 0.25, domain.FeatureRiskScore: 0.75},
		BlobSize:    3,
		Checksum:    "abc",
	}
}

// exerciseStore runs the shared ModelStore contract against any backend.
func exerciseStore(t *testing.T, store domain.ModelStore) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("EmptyCatalog", func(t *testing.T) {
		catalog, err := store.LoadCatalog(ctx)
		if err != nil {
			t.Fatalf("LoadCatalog failed: %v", err)
		}
		if len(catalog.Artifacts) != 0 {
			t.Errorf("expected empty catalog, got %d artifacts", len(catalog.Artifacts))
		}
	})

	first := testArtifact("a-1", domain.ModelTypeRisk, "1.0.0")
	second := testArtifact("a-2", domain.ModelTypeDocument, "1.0.0")

	t.Run("PutAndGetBlob", func(t *testing.T) {
		if err := store.PutBlob(ctx, first, []byte("one")); err != nil {
			t.Fatalf("PutBlob failed: %v", err)
		}

		data, err := store.GetBlob(ctx, first)
		if err != nil {
			t.Fatalf("GetBlob failed: %v", err)
		}
		if string(data) != "one" {
			t.Errorf("expected 'one', got '%s'", string(data))
		}
	})

	t.Run("GetMissingBlob", func(t *testing.T) {
		_, err := store.GetBlob(ctx, testArtifact("missing", domain.ModelTypeRisk, "9.9.9"))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PublishAndLoad", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Second)
		catalog := (&domain.Catalog{}).With(first, now)
		if err := store.PublishCatalog(ctx, catalog); err != nil {
			t.Fatalf("PublishCatalog failed: %v", err)
		}

		_ = store.PutBlob(ctx, second, []byte("two"))
		catalog = catalog.With(second, now.Add(time.Second))
		if err := store.PublishCatalog(ctx, catalog); err != nil {
			t.Fatalf("PublishCatalog failed: %v", err)
		}

		loaded, err := store.LoadCatalog(ctx)
		if err != nil {
			t.Fatalf("LoadCatalog failed: %v", err)
		}
		if len(loaded.Artifacts) != 2 {
			t.Fatalf("expected 2 artifacts, got %d", len(loaded.Artifacts))
		}
		if loaded.Artifacts[0].ID != "a-1" || loaded.Artifacts[1].ID != "a-2" {
			t.Errorf("expected publish order [a-1 a-2], got [%s %s]", loaded.Artifacts[0].ID, loaded.Artifacts[1].ID)
		}

		got := loaded.Artifacts[0]
		if got.Version != "1.0.0" || got.Type != domain.ModelTypeRisk {
			t.Errorf("expected RISK 1.0.0, got %s %s", got.Type, got.Version)
		}
		if len(got.Schema.Categorical) != 1 || got.Schema.Categorical[0].Vocabulary[1] != "pending" {
			t.Errorf("feature schema not preserved: %+v", got.Schema)
		}
		if got.Importances[domain.FeatureRiskScore] != 0.75 {
			t.Errorf("expected importance 0.75, got %v", got.Importances[domain.FeatureRiskScore])
		}
		if !got.TrainedAt.Equal(first.TrainedAt) {
			t.Errorf("expected trained_at %v, got %v", first.TrainedAt, got.TrainedAt)
		}
	})
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := New(domain.RepositoryConfig{Driver: "file", ModelPath: dir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)

	t.Run("BlobLayout", func(t *testing.T) {
		if _, err := os.Stat(filepath.Join(dir, "blobs", "RISK", "a-1.bin")); err != nil {
			t.Errorf("expected blob file: %v", err)
		}
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Errorf("unexpected temp file %s", e.Name())
			}
		}
	})

	t.Run("FailedPublishKeepsCatalog", func(t *testing.T) {
		fs := store.(*FileStore)
		before, _ := fs.LoadCatalog(context.Background())

		// Make the directory read-only so the temp file cannot be created.
		if err := os.Chmod(dir, 0o555); err != nil {
			t.Skip("chmod not supported")
		}
		defer os.Chmod(dir, 0o755)

		if f, err := os.CreateTemp(dir, "probe"); err == nil {
			// Running as root ignores permissions.
			f.Close()
			os.Remove(f.Name())
			t.Skip("directory permissions not enforced")
		}

		next := before.With(testArtifact("a-3", domain.ModelTypeRisk, "2.0.0"), time.Now())
		err := fs.PublishCatalog(context.Background(), next)
		if !errors.Is(err, domain.ErrPersistence) {
			t.Fatalf("expected ErrPersistence, got %v", err)
		}

		os.Chmod(dir, 0o755)
		after, _ := fs.LoadCatalog(context.Background())
		if len(after.Artifacts) != len(before.Artifacts) {
			t.Errorf("expected %d artifacts after failed publish, got %d", len(before.Artifacts), len(after.Artifacts))
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	store, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)

	t.Run("DuplicateVersionRejected", func(t *testing.T) {
		ctx := context.Background()
		catalog, _ := store.LoadCatalog(ctx)
		dup := testArtifact("a-dup", domain.ModelTypeRisk, "1.0.0")

		err := store.PublishCatalog(ctx, catalog.With(dup, time.Now()))
		if !errors.Is(err, domain.ErrPersistence) {
			t.Fatalf("expected ErrPersistence, got %v", err)
		}

		after, _ := store.LoadCatalog(ctx)
		if len(after.Artifacts) != len(catalog.Artifacts) {
			t.Errorf("expected catalog unchanged, got %d artifacts", len(after.Artifacts))
		}
	})
}

func TestPostgresStore(t *testing.T) {
	host := os.Getenv("KESTREL_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("KESTREL_TEST_POSTGRES_HOST not set")
	}

	store, err := New(domain.RepositoryConfig{
		Driver:           "postgres",
		PostgresHost:     host,
		PostgresUser:     os.Getenv("KESTREL_TEST_POSTGRES_USER"),
		PostgresPassword: os.Getenv("KESTREL_TEST_POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("KESTREL_TEST_POSTGRES_DB"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind result: %s", got)
	}

	lite := &SQLStore{driver: "sqlite"}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite query must be unchanged, got %s", q)
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
