package repository

// Schema definitions for the Kestrel model store.
// Compatible with both SQLite and PostgreSQL.

// schemaModelArtifacts holds the catalog. seq preserves publish order;
// rows are only ever inserted.
const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    accuracy REAL NOT NULL,
    trained_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    feature_schema TEXT NOT NULL,
    importances TEXT,
    blob_size INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    UNIQUE (type, version)
);

CREATE INDEX IF NOT EXISTS idx_model_artifacts_type ON model_artifacts(type);
CREATE INDEX IF NOT EXISTS idx_model_artifacts_seq ON model_artifacts(seq);
`

// schemaModelBlobs holds serialized classifier bundles keyed by artifact id.
const schemaModelBlobs = `
CREATE TABLE IF NOT EXISTS model_blobs (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload BYTEA NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// schemaCatalogMeta records when the catalog was last published.
const schemaCatalogMeta = `
CREATE TABLE IF NOT EXISTS catalog_meta (
    id INTEGER PRIMARY KEY,
    published_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaModelArtifacts,
		schemaModelBlobs,
		schemaCatalogMeta,
	}
}
