package upload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/civicdata/harvester/internal/storage"
)

func newTestService(t *testing.T, maxSize int64) (*Service, storage.ObjectStorage) {
	t.Helper()
	chunks, dest := newTestStore(t)
	return NewService(chunks, dest, maxSize), dest
}

func TestStoreWholeFile(t *testing.T) {
	svc, dest := newTestService(t, 0)
	ctx := context.Background()

	result, err := svc.Store(ctx, "ds-1", "report.json", []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if result.Filename != "report.json" {
		t.Errorf("unexpected filename %q", result.Filename)
	}
	if result.Mime != "application/json" {
		t.Errorf("unexpected mime %q", result.Mime)
	}
	if result.Size != 8 {
		t.Errorf("unexpected size %d", result.Size)
	}
	if !strings.HasPrefix(result.Key, "resources/ds-1/") {
		t.Errorf("unexpected key %q", result.Key)
	}
	if ok, _ := dest.Exists(ctx, result.Key); !ok {
		t.Error("expected stored object to exist")
	}
}

func TestStoreRejectsEmptyAndOversized(t *testing.T) {
	svc, _ := newTestService(t, 8)
	ctx := context.Background()

	if _, err := svc.Store(ctx, "ds-1", "f.csv", nil); !errors.Is(err, ErrEmptyUpload) {
		t.Errorf("expected ErrEmptyUpload, got %v", err)
	}
	if _, err := svc.Store(ctx, "ds-1", "f.csv", []byte("way past limit")); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestFinalizeFromMeta(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	parts := [][]byte{[]byte("hello "), []byte("world")}
	for i, p := range parts {
		chunk := Chunk{UUID: "s-1", Filename: "greeting.txt", Index: i, TotalParts: 2, Size: int64(len(p))}
		if err := svc.ReceiveChunk(ctx, chunk, p); err != nil {
			t.Fatalf("receive part %d: %v", i, err)
		}
	}

	// No totalparts or filename given: both come from the session metadata.
	result, err := svc.Finalize(ctx, "ds-1", "s-1", "", 0)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.Filename != "greeting.txt" {
		t.Errorf("expected filename from metadata, got %q", result.Filename)
	}
	if result.Size != 11 {
		t.Errorf("unexpected size %d", result.Size)
	}
}

func TestFinalizeUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, 0)
	if _, err := svc.Finalize(context.Background(), "ds-1", "never-seen", "", 0); !errors.Is(err, ErrMissingPart) {
		t.Errorf("expected ErrMissingPart, got %v", err)
	}
}

func TestFinalizeEnforcesSizeOnAssembly(t *testing.T) {
	svc, dest := newTestService(t, 10)
	ctx := context.Background()

	// Each part is under the limit; the assembled file is not.
	for i := 0; i < 2; i++ {
		chunk := Chunk{UUID: "s-1", Filename: "big.bin", Index: i, TotalParts: 2, Size: 8}
		if err := svc.ReceiveChunk(ctx, chunk, []byte("12345678")); err != nil {
			t.Fatalf("receive part %d: %v", i, err)
		}
	}

	if _, err := svc.Finalize(ctx, "ds-1", "s-1", "big.bin", 2); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	keys, err := dest.List(ctx, "resources/")
	if err != nil {
		t.Fatalf("list destination: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected oversized artifact removed, found %v", keys)
	}
}

func TestResultResource(t *testing.T) {
	r := &Result{
		Filename: "data.json",
		Key:      "resources/ds-1/u/data.json",
		URL:      "/s/resources/ds-1/u/data.json",
		Mime:     "application/json",
		Size:     42,
		SHA1:     "deadbeef",
	}
	res := r.Resource()
	if res.Title != "data.json" || res.Format != "json" || res.FileSize != 42 {
		t.Errorf("unexpected resource %+v", res)
	}
	if res.Checksum == nil || res.Checksum.Type != "sha1" || res.Checksum.Value != "deadbeef" {
		t.Errorf("unexpected checksum %+v", res.Checksum)
	}
}

func TestReadLimited(t *testing.T) {
	data, err := ReadLimited(strings.NewReader("12345"), 10)
	if err != nil || string(data) != "12345" {
		t.Fatalf("expected full read, got %q, %v", data, err)
	}
	if _, err := ReadLimited(strings.NewReader("12345"), 4); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestValidateImage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))); err != nil {
		t.Fatalf("encode test image: %v", err)
	}

	info, err := ValidateImage(buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if info.Format != "png" || info.Width != 3 || info.Height != 2 {
		t.Errorf("unexpected info %+v", info)
	}

	if _, err := ValidateImage(buf.Bytes(), []string{"jpeg"}); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("expected ErrUnsupportedImage for disallowed format, got %v", err)
	}
	if _, err := ValidateImage([]byte("not an image"), nil); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("expected ErrUnsupportedImage for garbage, got %v", err)
	}
}
