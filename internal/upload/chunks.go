// Package upload implements resumable chunked uploads: sequentially-uploaded
// byte ranges staged in a blob store and reassembled exactly once into the
// destination storage.
package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/civicdata/harvester/internal/logger"
	"github.com/civicdata/harvester/internal/storage"
)

var (
	// ErrChunkSizeMismatch is returned when a part's actual byte length does
	// not equal its declared chunk size. The part is rejected before being
	// stored, protecting against silent truncation.
	ErrChunkSizeMismatch = errors.New("chunk size does not match declared size")

	// ErrMissingPart is returned by Combine when a declared part was never
	// received. A finalize call before all parts arrived is a client
	// protocol violation, not a race the server masks.
	ErrMissingPart = errors.New("missing chunk part")
)

// metaFile is the per-session metadata object name.
const metaFile = "chunks.json"

// Chunk identifies one incoming part of an upload session.
type Chunk struct {
	UUID       string
	Filename   string
	Index      int
	TotalParts int
	Size       int64 // declared byte length of this part
}

// Meta is the session metadata record, rewritten after every received part so
// completeness and staleness are always inspectable.
type Meta struct {
	UUID       string    `json:"uuid"`
	Filename   string    `json:"filename"`
	TotalParts int       `json:"totalparts"`
	LastChunk  time.Time `json:"lastchunk"`
}

// ChunkStore stages upload parts in a blob store namespace keyed by session
// UUID. Sessions are independent; the only cross-session path is the
// retention sweep.
type ChunkStore struct {
	store  storage.ObjectStorage
	prefix string
}

// NewChunkStore creates a chunk store over the given blob storage, using
// prefix as the chunk namespace.
func NewChunkStore(store storage.ObjectStorage, prefix string) *ChunkStore {
	if prefix == "" {
		prefix = "chunks"
	}
	return &ChunkStore{store: store, prefix: strings.TrimSuffix(prefix, "/")}
}

func (c *ChunkStore) partKey(uuid string, index int) string {
	return fmt.Sprintf("%s/%s/%d", c.prefix, uuid, index)
}

func (c *ChunkStore) metaKey(uuid string) string {
	return fmt.Sprintf("%s/%s/%s", c.prefix, uuid, metaFile)
}

// Save verifies and stores one part, then rewrites the session metadata.
// Parts may arrive out of order; each is stored independently by index.
func (c *ChunkStore) Save(ctx context.Context, chunk Chunk, data []byte) error {
	if int64(len(data)) != chunk.Size {
		return fmt.Errorf("%w: declared %d, received %d", ErrChunkSizeMismatch, chunk.Size, len(data))
	}

	key := c.partKey(chunk.UUID, chunk.Index)
	if err := c.store.Upload(ctx, key, bytes.NewReader(data), chunk.Size, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to store chunk: %w", err)
	}

	meta := Meta{
		UUID:       chunk.UUID,
		Filename:   chunk.Filename,
		TotalParts: chunk.TotalParts,
		LastChunk:  time.Now(),
	}
	return c.writeMeta(ctx, meta)
}

func (c *ChunkStore) writeMeta(ctx context.Context, meta Meta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	key := c.metaKey(meta.UUID)
	if err := c.store.Upload(ctx, key, bytes.NewReader(encoded), int64(len(encoded)), "application/json"); err != nil {
		return fmt.Errorf("failed to store chunk metadata: %w", err)
	}
	return nil
}

// ReadMeta returns the metadata record of a session, or nil when none exists.
// Storage failures are reported, not mistaken for an unknown session.
func (c *ChunkStore) ReadMeta(ctx context.Context, uuid string) (*Meta, error) {
	key := c.metaKey(uuid)
	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check chunk metadata: %w", err)
	}
	if !exists {
		return nil, nil
	}
	r, err := c.store.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk metadata: %w", err)
	}
	defer r.Close()
	var meta Meta
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
	}
	return &meta, nil
}

// CombineResult describes the reassembled artifact.
type CombineResult struct {
	Size     int64
	Checksum string // sha1 hex digest
}

// Combine concatenates parts strictly in index order 0..totalParts-1 into the
// destination storage, deleting each part immediately after it is appended so
// peak staging usage stays bounded, then deletes the metadata record.
func (c *ChunkStore) Combine(ctx context.Context, uuid, filename string, totalParts int, dest storage.ObjectStorage, destKey, contentType string) (*CombineResult, error) {
	// The destination upload needs the total size up front.
	var total int64
	for i := 0; i < totalParts; i++ {
		size, _, err := c.store.Stat(ctx, c.partKey(uuid, i))
		if err != nil {
			return nil, fmt.Errorf("%w: part %d of %s", ErrMissingPart, i, uuid)
		}
		total += size
	}

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < totalParts; i++ {
			key := c.partKey(uuid, i)
			part, err := c.store.Download(ctx, key)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to read part %d: %w", i, err))
				return
			}
			_, err = io.Copy(pw, part)
			part.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to append part %d: %w", i, err))
				return
			}
			if err := c.store.Delete(ctx, key); err != nil {
				logger.CtxWarn(ctx, "Failed to delete consumed part %s: %v", key, err)
			}
		}
		pw.Close()
	}()

	hasher := sha1.New()
	tee := io.TeeReader(pr, hasher)
	if err := dest.Upload(ctx, destKey, tee, total, contentType); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("failed to write assembled file: %w", err)
	}

	if err := c.store.Delete(ctx, c.metaKey(uuid)); err != nil {
		logger.CtxWarn(ctx, "Failed to delete chunk metadata for %s: %v", uuid, err)
	}

	return &CombineResult{
		Size:     total,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Sweep deletes every session whose last-chunk timestamp is older than the
// retention window, complete or not, together with its parts and metadata.
// This is the only cleanup path for abandoned uploads. Returns the number of
// sessions removed.
func (c *ChunkStore) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	keys, err := c.store.List(ctx, c.prefix+"/")
	if err != nil {
		return 0, fmt.Errorf("failed to list chunk sessions: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	sessions := make(map[string][]string)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, c.prefix+"/")
		uuid, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		sessions[uuid] = append(sessions[uuid], key)
	}

	swept := 0
	for uuid, sessionKeys := range sessions {
		meta, err := c.ReadMeta(ctx, uuid)
		if err != nil {
			logger.CtxWarn(ctx, "Unreadable chunk metadata for %s: %v", uuid, err)
			continue
		}
		// Sessions newer than the window survive regardless of completeness.
		// A metadata-less session is aged by its parts so lost metadata cannot
		// leak orphans forever.
		if meta != nil {
			if meta.LastChunk.After(cutoff) {
				continue
			}
		} else if c.newestPart(ctx, sessionKeys).After(cutoff) {
			continue
		}
		for _, key := range sessionKeys {
			if err := c.store.Delete(ctx, key); err != nil {
				logger.CtxWarn(ctx, "Failed to delete stale chunk %s: %v", key, err)
			}
		}
		swept++
	}
	return swept, nil
}

// newestPart returns the most recent storage timestamp among a session's
// objects, or the zero time when none can be statted.
func (c *ChunkStore) newestPart(ctx context.Context, keys []string) time.Time {
	var newest time.Time
	for _, key := range keys {
		if _, mod, err := c.store.Stat(ctx, key); err == nil && mod.After(newest) {
			newest = mod
		}
	}
	return newest
}

// ParseIndex parses a part index received as a form value or header.
func ParseIndex(raw string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || i < 0 {
		return 0, fmt.Errorf("invalid part index %q", raw)
	}
	return i, nil
}

// SafeFilename strips any path components from a client-supplied filename.
func SafeFilename(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}
