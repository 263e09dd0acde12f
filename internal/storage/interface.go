package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys of all objects under the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Stat returns the size in bytes and last-modified time of an object
	Stat(ctx context.Context, key string) (int64, time.Time, error)
}
