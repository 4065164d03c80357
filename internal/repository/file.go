package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const catalogFile = "catalog.json"

// FileStore keeps the catalog as one JSON file and each blob as its own file:
//
//	<root>/catalog.json
//	<root>/blobs/<TYPE>/<id>.bin
//
// Every write goes to a temporary file in the target directory, is synced,
// and is then renamed into place, so readers see whole files only.
type FileStore struct {
	root string
}

// NewFileStore creates the directory layout under root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		root = "./models"
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// LoadCatalog reads catalog.json. A missing file is an empty catalog.
func (s *FileStore) LoadCatalog(ctx context.Context) (*domain.Catalog, error) {
	data, err := os.ReadFile(filepath.Join(s.root, catalogFile))
	if errors.Is(err, fs.ErrNotExist) {
		return &domain.Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var catalog domain.Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return &catalog, nil
}

// PublishCatalog atomically replaces catalog.json.
func (s *FileStore) PublishCatalog(ctx context.Context, catalog *domain.Catalog) error {
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := writeFileAtomic(s.root, catalogFile, data); err != nil {
		return fmt.Errorf("%w: publish catalog: %v", domain.ErrPersistence, err)
	}
	return nil
}

// PutBlob durably writes the blob of an artifact.
func (s *FileStore) PutBlob(ctx context.Context, artifact *domain.ModelArtifact, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(s.root, "blobs", string(artifact.Type))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := writeFileAtomic(dir, artifact.ID+".bin", payload); err != nil {
		return fmt.Errorf("%w: write blob %s: %v", domain.ErrPersistence, artifact.ID, err)
	}
	return nil
}

// GetBlob reads the blob of an artifact.
func (s *FileStore) GetBlob(ctx context.Context, artifact *domain.ModelArtifact) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(artifact))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, artifact.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", artifact.ID, err)
	}
	return data, nil
}

// Ping checks that the model directory is reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) blobPath(a *domain.ModelArtifact) string {
	return filepath.Join(s.root, "blobs", string(a.Type), a.ID+".bin")
}

// writeFileAtomic writes data to dir/name through a synced temp file and rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir makes a rename durable. Directory fsync is unsupported on some
// platforms, so its error is ignored.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
