// Package blobstore stores uploaded report files. Content and metadata live
// side by side on an afero filesystem, so the same store runs on disk in
// production and in memory in tests.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrEmptyFile       = errors.New("file is empty")
)

// DefaultMaxFileSize is used when a store is created without a limit (10 MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Category    string    `json:"category"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
}

// ---------------------------------------------------------------------------
// afero implementation
// ---------------------------------------------------------------------------

// FSBlobStore keeps each blob as "<id>.bin" with a "<id>.json" metadata file.
type FSBlobStore struct {
	fs      afero.Fs
	maxSize int64
}

// NewFSBlobStore wraps an existing filesystem.
func NewFSBlobStore(fs afero.Fs, maxSize int64) *FSBlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &FSBlobStore{fs: fs, maxSize: maxSize}
}

// NewDiskBlobStore stores blobs under dir, creating it if needed.
func NewDiskBlobStore(dir string, maxSize int64) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return NewFSBlobStore(afero.NewBasePathFs(afero.NewOsFs(), dir), maxSize), nil
}

// NewMemoryBlobStore returns a store backed by an in-memory filesystem.
func NewMemoryBlobStore(maxSize int64) *FSBlobStore {
	return NewFSBlobStore(afero.NewMemMapFs(), maxSize)
}

// MaxSize returns the largest accepted blob in bytes.
func (s *FSBlobStore) MaxSize() int64 { return s.maxSize }

func contentPath(id string) string { return path.Join("/", id+".bin") }
func metaPath(id string) string    { return path.Join("/", id+".json") }

// Upload reads the content, computes a SHA-256 hash, and writes content and
// metadata. Content over the size limit is rejected before anything is
// written.
func (s *FSBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()

	if err := afero.WriteFile(s.fs, contentPath(meta.ID), data, 0o640); err != nil {
		return nil, fmt.Errorf("write blob %s: %w", meta.ID, err)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := afero.WriteFile(s.fs, metaPath(meta.ID), raw, 0o640); err != nil {
		_ = s.fs.Remove(contentPath(meta.ID))
		return nil, fmt.Errorf("write metadata %s: %w", meta.ID, err)
	}

	out := meta // copy
	return &out, nil
}

// Download returns the blob content and its metadata.
func (s *FSBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := afero.ReadFile(s.fs, contentPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

// Delete removes a blob and its metadata.
func (s *FSBlobStore) Delete(_ context.Context, id string) error {
	if !validID(id) {
		return ErrBlobNotFound
	}
	if err := s.fs.Remove(metaPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete metadata %s: %w", id, err)
	}
	if err := s.fs.Remove(contentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}

// GetMetadata returns blob metadata without content.
func (s *FSBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	if !validID(id) {
		return nil, ErrBlobNotFound
	}
	raw, err := afero.ReadFile(s.fs, metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}
	var meta BlobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return &meta, nil
}

// validID rejects anything that is not a generated id, which also keeps
// callers from escaping the store root.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
