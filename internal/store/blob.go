// Package store implements the storage collaborators: a filesystem blob store
// for uploaded sources and a SQLite database for sessions, artifacts, and
// conversation turns.
package store

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/lectern-ai/platform/internal/errors"
)

// BlobStore keeps uploaded files under one data directory, addressed by
// opaque handles. Handles keep the original extension so format detection
// and ffmpeg keep working on the stored path.
type BlobStore struct {
	dir string
}

// NewBlobStore creates the data directory if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "create blob dir")
	}
	return &BlobStore{dir: dir}, nil
}

// Store writes the reader's content and returns the new handle.
func (b *BlobStore) Store(name string, r io.Reader) (string, error) {
	handle := uuid.NewString() + strings.ToLower(filepath.Ext(name))

	f, err := os.Create(filepath.Join(b.dir, handle))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "create blob")
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, r); err != nil {
		_ = os.Remove(f.Name())
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "write blob")
	}
	return handle, nil
}

// Path resolves a handle to its on-disk path. External tools (ffmpeg) need a
// real file path, so the store exposes one instead of only readers.
func (b *BlobStore) Path(handle string) (string, error) {
	if handle == "" || handle != filepath.Base(handle) {
		return "", apperrors.Newf(apperrors.CodeInvalidRequest, "malformed blob handle %q", handle)
	}
	path := filepath.Join(b.dir, handle)
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.Wrapf(err, apperrors.CodeNotFound, "blob %s", handle)
	}
	return path, nil
}

// Read returns the blob's content.
func (b *BlobStore) Read(handle string) ([]byte, error) {
	path, err := b.Path(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeInternal, "read blob %s", handle)
	}
	return data, nil
}

// Delete removes the blob. Deleting a missing handle is not an error.
func (b *BlobStore) Delete(handle string) error {
	path, err := b.Path(handle)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Remove(path)
}
