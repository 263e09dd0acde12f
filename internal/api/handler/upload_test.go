package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/storage"
	"github.com/civicdata/harvester/internal/upload"
)

func newUploadRouter(t *testing.T) (*gin.Engine, *repository.DatasetRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	datasets := repository.NewDatasetRepository(db)

	staging, err := storage.NewFSStorage(&storage.FSConfig{Root: t.TempDir(), BaseURL: "/s"})
	if err != nil {
		t.Fatalf("staging storage: %v", err)
	}
	dest, err := storage.NewFSStorage(&storage.FSConfig{Root: t.TempDir(), BaseURL: "/s"})
	if err != nil {
		t.Fatalf("dest storage: %v", err)
	}
	svc := upload.NewService(upload.NewChunkStore(staging, "chunks"), dest, 0)

	h := NewUploadHandler(svc, datasets)
	r := gin.New()
	r.POST("/api/1/datasets/:id/upload", h.Upload)
	r.POST("/api/1/datasets/:id/upload/raw", h.UploadRaw)
	return r, datasets
}

func seedAPIDataset(t *testing.T, datasets *repository.DatasetRepository) *domain.Dataset {
	t.Helper()
	ds := &domain.Dataset{ID: "ds-1", Title: "Uploads target"}
	if err := datasets.Create(context.Background(), ds); err != nil {
		t.Fatalf("seed dataset: %v", err)
	}
	return ds
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestUploadSingleShot(t *testing.T) {
	r, datasets := newUploadRouter(t)
	seedAPIDataset(t, datasets)

	buf, contentType := multipartBody(t, nil, "data.json", []byte(`{"a":1}`))
	req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/ds-1/upload", buf)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Errorf("expected success, got %v", body)
	}

	ds, err := datasets.GetByID(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("reload dataset: %v", err)
	}
	if len(ds.Resources) != 1 || ds.Resources[0].Title != "data.json" {
		t.Errorf("expected resource attached, got %+v", ds.Resources)
	}
}

func TestUploadUnknownDataset(t *testing.T) {
	r, _ := newUploadRouter(t)

	buf, contentType := multipartBody(t, nil, "data.json", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/nope/upload", buf)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUploadMissingFile(t *testing.T) {
	r, datasets := newUploadRouter(t)
	seedAPIDataset(t, datasets)

	buf, contentType := multipartBody(t, map[string]string{"filename": "x"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/ds-1/upload", buf)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUploadChunkedSession(t *testing.T) {
	r, datasets := newUploadRouter(t)
	seedAPIDataset(t, datasets)

	parts := []string{"hello ", "world"}
	for i, part := range parts {
		fields := map[string]string{
			"uuid":       "sess-1",
			"filename":   "greeting.txt",
			"partindex":  fmt.Sprintf("%d", i),
			"totalparts": "2",
			"chunksize":  fmt.Sprintf("%d", len(part)),
		}
		buf, contentType := multipartBody(t, fields, "blob", []byte(part))
		req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/ds-1/upload", buf)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("part %d status %d: %s", i, w.Code, w.Body.String())
		}
	}

	// Finalize: totalparts without a file body.
	fields := map[string]string{
		"uuid":       "sess-1",
		"filename":   "greeting.txt",
		"totalparts": "2",
	}
	buf, contentType := multipartBody(t, fields, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/ds-1/upload", buf)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("finalize status %d: %s", w.Code, w.Body.String())
	}
	ds, err := datasets.GetByID(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("reload dataset: %v", err)
	}
	if len(ds.Resources) != 1 || ds.Resources[0].FileSize != 11 {
		t.Errorf("expected assembled resource of 11 bytes, got %+v", ds.Resources)
	}
}

func TestUploadChunkSizeMismatch(t *testing.T) {
	r, datasets := newUploadRouter(t)
	seedAPIDataset(t, datasets)

	fields := map[string]string{
		"uuid":       "sess-1",
		"filename":   "f.bin",
		"partindex":  "0",
		"totalparts": "2",
		"chunksize":  "999",
	}
	buf, contentType := multipartBody(t, fields, "blob", []byte("tiny"))
	req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/ds-1/upload", buf)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body)
	}
}

func TestUploadRawHeaders(t *testing.T) {
	r, datasets := newUploadRouter(t)
	seedAPIDataset(t, datasets)

	parts := []string{"raw ", "bytes"}
	for i, part := range parts {
		req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/ds-1/upload/raw", strings.NewReader(part))
		req.Header.Set("Upload-UUID", "sess-raw")
		req.Header.Set("Upload-Filename", "raw.bin")
		req.Header.Set("Upload-Part-Index", fmt.Sprintf("%d", i))
		req.Header.Set("Upload-Total-Parts", "2")
		req.Header.Set("Upload-Chunk-Size", fmt.Sprintf("%d", len(part)))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("raw part %d status %d: %s", i, w.Code, w.Body.String())
		}
	}

	// Finalize: empty body, no part index.
	req := httptest.NewRequest(http.MethodPost, "/api/1/datasets/ds-1/upload/raw", nil)
	req.Header.Set("Upload-UUID", "sess-raw")
	req.Header.Set("Upload-Filename", "raw.bin")
	req.Header.Set("Upload-Total-Parts", "2")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("raw finalize status %d: %s", w.Code, w.Body.String())
	}
	ds, err := datasets.GetByID(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("reload dataset: %v", err)
	}
	if len(ds.Resources) != 1 || ds.Resources[0].FileSize != 9 {
		t.Errorf("expected assembled resource of 9 bytes, got %+v", ds.Resources)
	}
}
