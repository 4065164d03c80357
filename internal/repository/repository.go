// Package repository provides model catalog and blob persistence.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a model store based on configuration.
func New(cfg domain.RepositoryConfig) (domain.ModelStore, error) {
	switch cfg.Driver {
	case "file", "":
		return NewFileStore(cfg.ModelPath)
	case "sqlite", "postgres":
		return newSQLStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}

// SQLStore implements domain.ModelStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func newSQLStore(cfg domain.RepositoryConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// LoadCatalog reads every artifact in publish order.
func (s *SQLStore) LoadCatalog(ctx context.Context) (*domain.Catalog, error) {
	query := `
		SELECT id, type, name, version, accuracy, trained_at, created_at, updated_at,
			   feature_schema, importances, blob_size, checksum
		FROM model_artifacts
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	catalog := &domain.Catalog{}
	for rows.Next() {
		var a domain.ModelArtifact
		var schema string
		var importances sql.NullString

		if err := rows.Scan(
			&a.ID, &a.Type, &a.Name, &a.Version, &a.Accuracy,
			&a.TrainedAt, &a.CreatedAt, &a.UpdatedAt,
			&schema, &importances, &a.BlobSize, &a.Checksum,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(schema), &a.Schema); err != nil {
			return nil, fmt.Errorf("failed to parse feature schema for %s: %w", a.ID, err)
		}
		if importances.Valid && importances.String != "" {
			if err := json.Unmarshal([]byte(importances.String), &a.Importances); err != nil {
				return nil, fmt.Errorf("failed to parse importances for %s: %w", a.ID, err)
			}
		}

		catalog.Artifacts = append(catalog.Artifacts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var publishedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT published_at FROM catalog_meta WHERE id = 1`).Scan(&publishedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if publishedAt.Valid {
		catalog.PublishedAt = publishedAt.Time
	}

	return catalog, nil
}

// PublishCatalog inserts the artifacts not yet stored and stamps the
// catalog, all in one transaction. Catalogs only grow, so existing rows
// are left as they are.
func (s *SQLStore) PublishCatalog(ctx context.Context, catalog *domain.Catalog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback()

	insert := s.rebind(`
		INSERT INTO model_artifacts (
			id, seq, type, name, version, accuracy, trained_at, created_at, updated_at,
			feature_schema, importances, blob_size, checksum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)

	for i, a := range catalog.Artifacts {
		schema, err := json.Marshal(a.Schema)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
		importances, err := json.Marshal(a.Importances)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}

		if _, err := tx.ExecContext(ctx, insert,
			a.ID, i, string(a.Type), a.Name, a.Version, a.Accuracy,
			a.TrainedAt.UTC(), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
			string(schema), string(importances), a.BlobSize, a.Checksum,
		); err != nil {
			return fmt.Errorf("%w: insert artifact %s: %v", domain.ErrPersistence, a.ID, err)
		}
	}

	stamp := s.rebind(`
		INSERT INTO catalog_meta (id, published_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET published_at = excluded.published_at
	`)
	if _, err := tx.ExecContext(ctx, stamp, catalog.PublishedAt.UTC()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// PutBlob stores the bundle bytes of an artifact. The row is committed before
// it returns, so a catalog that later references it never dangles.
func (s *SQLStore) PutBlob(ctx context.Context, artifact *domain.ModelArtifact, payload []byte) error {
	// A blob is only rewritten when a previous attempt failed before its
	// catalog entry was published, e.g. a seed interrupted mid-way.
	query := `
		INSERT INTO model_blobs (id, type, payload, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		artifact.ID, string(artifact.Type), payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: write blob %s: %v", domain.ErrPersistence, artifact.ID, err)
	}
	return nil
}

// GetBlob returns the bundle bytes of an artifact.
func (s *SQLStore) GetBlob(ctx context.Context, artifact *domain.ModelArtifact) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM model_blobs WHERE id = ?`), artifact.ID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, artifact.ID)
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
