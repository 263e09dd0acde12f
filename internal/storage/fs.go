package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStorage implements ObjectStorage on the local filesystem. It is used for
// single-node deployments and as the staging area for chunked uploads.
type FSStorage struct {
	root    string
	baseURL string
}

// FSConfig holds configuration for filesystem storage
type FSConfig struct {
	Root    string
	BaseURL string // URL prefix for serving files, e.g. "/s"
}

// NewFSStorage creates a filesystem storage rooted at cfg.Root
func NewFSStorage(cfg *FSConfig) (*FSStorage, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("fs storage root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FSStorage{
		root:    cfg.Root,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}, nil
}

// path maps a storage key to a filesystem path, rejecting traversal
func (s *FSStorage) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	return filepath.Join(s.root, clean), nil
}

// Upload writes an object to the filesystem
func (s *FSStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, reader); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Download opens an object for reading
func (s *FSStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// GetURL returns the serving URL for an object
func (s *FSStorage) GetURL(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, key)
}

// Delete removes an object, pruning now-empty parent directories up to the root
func (s *FSStorage) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	// Prune empty parents so abandoned session directories do not pile up.
	dir := filepath.Dir(path)
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Exists checks if an object exists
func (s *FSStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// List returns the keys of all objects under the given prefix
func (s *FSStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return keys, nil
}

// Stat returns the size in bytes and last-modified time of an object
func (s *FSStorage) Stat(ctx context.Context, key string) (int64, time.Time, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Size(), info.ModTime(), nil
}
