package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/storage"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	// ErrEmptyUpload is returned when a non-chunked call carries no file body.
	ErrEmptyUpload = errors.New("no file provided")
)

// Result describes a stored file ready to be attached as a dataset resource.
type Result struct {
	Filename string
	Key      string
	URL      string
	Mime     string
	Size     int64
	SHA1     string
}

// Service stores uploaded files, either in one request or reassembled from a
// chunked session, into the destination blob storage.
type Service struct {
	chunks  *ChunkStore
	dest    storage.ObjectStorage
	maxSize int64
}

// NewService creates an upload service. maxSize of zero disables the size limit.
func NewService(chunks *ChunkStore, dest storage.ObjectStorage, maxSize int64) *Service {
	return &Service{chunks: chunks, dest: dest, maxSize: maxSize}
}

// destKey buckets stored files under the dataset so a dataset's artifacts
// share one listable prefix.
func destKey(datasetID, filename string) string {
	return fmt.Sprintf("resources/%s/%s/%s", datasetID, uuid.New().String(), SafeFilename(filename))
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Store saves a complete file arriving in a single request.
func (s *Service) Store(ctx context.Context, datasetID, filename string, data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}

	key := destKey(datasetID, filename)
	contentType := contentTypeFor(filename)
	if err := s.dest.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	hash := sha1.Sum(data)
	return &Result{
		Filename: SafeFilename(filename),
		Key:      key,
		URL:      s.dest.GetURL(key),
		Mime:     contentType,
		Size:     int64(len(data)),
		SHA1:     hex.EncodeToString(hash[:]),
	}, nil
}

// ReceiveChunk stages one part of a chunked session.
func (s *Service) ReceiveChunk(ctx context.Context, chunk Chunk, data []byte) error {
	if s.maxSize > 0 && chunk.Size > s.maxSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, chunk.Size)
	}
	return s.chunks.Save(ctx, chunk, data)
}

// Finalize reassembles a completed chunked session into the destination
// storage and returns the stored artifact.
func (s *Service) Finalize(ctx context.Context, datasetID, sessionUUID, filename string, totalParts int) (*Result, error) {
	if totalParts <= 0 {
		meta, err := s.chunks.ReadMeta(ctx, sessionUUID)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, fmt.Errorf("%w: unknown session %s", ErrMissingPart, sessionUUID)
		}
		totalParts = meta.TotalParts
		if filename == "" {
			filename = meta.Filename
		}
	}

	key := destKey(datasetID, filename)
	contentType := contentTypeFor(filename)
	combined, err := s.chunks.Combine(ctx, sessionUUID, filename, totalParts, s.dest, key, contentType)
	if err != nil {
		return nil, err
	}
	if s.maxSize > 0 && combined.Size > s.maxSize {
		// Too late to refuse the parts, but the assembled artifact is not kept.
		_ = s.dest.Delete(ctx, key)
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, combined.Size)
	}

	return &Result{
		Filename: SafeFilename(filename),
		Key:      key,
		URL:      s.dest.GetURL(key),
		Mime:     contentType,
		Size:     combined.Size,
		SHA1:     combined.Checksum,
	}, nil
}

// Resource converts a stored upload into a dataset resource entry.
func (r *Result) Resource() domain.Resource {
	now := time.Now()
	return domain.Resource{
		ID:       uuid.New().String(),
		Title:    r.Filename,
		URL:      r.URL,
		Format:   strings.TrimPrefix(path.Ext(r.Filename), "."),
		Mime:     r.Mime,
		FileSize: r.Size,
		Checksum: &domain.Checksum{Type: "sha1", Value: r.SHA1},
		Created:  now,
		Modified: now,
	}
}

// ReadLimited reads the full body while enforcing the size limit without
// buffering more than limit+1 bytes.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrFileTooLarge, limit)
	}
	return data, nil
}
