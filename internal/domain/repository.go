// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ModelStore persists the artifact catalog and the artifact blobs.
// Blobs are addressed by artifact id. The catalog is replaced as a whole:
// a reader of LoadCatalog sees either the previous or the next catalog, never a mix.
type ModelStore interface {
	// Catalog operations
	LoadCatalog(ctx context.Context) (*Catalog, error)
	PublishCatalog(ctx context.Context, catalog *Catalog) error

	// Blob operations. PutBlob must be durable before it returns.
	PutBlob(ctx context.Context, artifact *ModelArtifact, payload []byte) error
	GetBlob(ctx context.Context, artifact *ModelArtifact) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for model store initialization.
type RepositoryConfig struct {
	// Driver is the store driver: "file", "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// File store
	ModelPath string `koanf:"model_path"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
