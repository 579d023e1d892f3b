// Package storage defines the blob store interface used for failure
// snapshots. The abstraction keeps the scrape layer independent of where
// captured HTML lands (Google Cloud Storage, the local filesystem, or memory
// during development).
package storage

import (
	"context"
	"fmt"
	"strings"

	gstorage "cloud.google.com/go/storage"

	"github.com/pricehound/pricehound/internal/storage/gcs"
	"github.com/pricehound/pricehound/internal/storage/local"
	"github.com/pricehound/pricehound/internal/storage/memory"
)

// BlobStore persists a named object and returns a URI for later retrieval.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// NoOpStore discards all writes. It is useful for dry runs where pages are
// scraped but failure snapshots are not wanted.
type NoOpStore struct{}

// PutObject does nothing and reports an empty URI.
func (NoOpStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", nil
}

// WithPrefix returns a store that nests every object path under prefix.
func WithPrefix(store BlobStore, prefix string) BlobStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return store
	}
	return prefixStore{inner: store, prefix: prefix}
}

type prefixStore struct {
	inner  BlobStore
	prefix string
}

func (p prefixStore) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	return p.inner.PutObject(ctx, p.prefix+"/"+path, contentType, data)
}

// Config selects and parameterizes a blob store backend.
type Config struct {
	// Provider is one of "gcs", "local", "memory", or "noop".
	Provider string `mapstructure:"provider"`
	// Bucket names the GCS bucket; required when Provider is "gcs".
	Bucket string `mapstructure:"bucket"`
	// BaseDir roots the local store; required when Provider is "local".
	BaseDir string `mapstructure:"base_dir"`
}

// New builds the blob store named by cfg.Provider. The GCS client
// authenticates via Application Default Credentials.
func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.BaseDir})
	case "memory":
		return memory.New(), nil
	case "noop", "":
		return NoOpStore{}, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
