package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/civicdata/harvester/internal/api/middleware"
	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/upload"
)

// Chunked uploads carry their session coordinates either as multipart form
// fields or, on the raw variant, as these headers.
const (
	headerUUID       = "Upload-UUID"
	headerFilename   = "Upload-Filename"
	headerPartIndex  = "Upload-Part-Index"
	headerTotalParts = "Upload-Total-Parts"
	headerChunkSize  = "Upload-Chunk-Size"
)

// UploadHandler handles dataset file uploads, single-shot and chunked.
type UploadHandler struct {
	uploads  *upload.Service
	datasets *repository.DatasetRepository
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(uploads *upload.Service, datasets *repository.DatasetRepository) *UploadHandler {
	return &UploadHandler{uploads: uploads, datasets: datasets}
}

// chunkForm carries the chunked-session coordinates of one request.
type chunkForm struct {
	uuid       string
	filename   string
	partIndex  string
	totalParts int
	chunkSize  int64
}

func formValue(c *gin.Context, field, header string) string {
	if v := c.PostForm(field); v != "" {
		return v
	}
	return c.GetHeader(header)
}

func parseChunkForm(c *gin.Context) chunkForm {
	totalParts, _ := strconv.Atoi(formValue(c, "totalparts", headerTotalParts))
	chunkSize, _ := strconv.ParseInt(formValue(c, "chunksize", headerChunkSize), 10, 64)
	return chunkForm{
		uuid:       formValue(c, "uuid", headerUUID),
		filename:   formValue(c, "filename", headerFilename),
		partIndex:  formValue(c, "partindex", headerPartIndex),
		totalParts: totalParts,
		chunkSize:  chunkSize,
	}
}

// Upload handles POST /api/1/datasets/:id/upload. Three shapes share the
// route: a plain multipart upload, one part of a chunked session
// (totalparts > 1 with a file body), and the finalize call of a chunked
// session (totalparts > 1 without a file body).
func (h *UploadHandler) Upload(c *gin.Context) {
	dataset, ok := h.lookupDataset(c)
	if !ok {
		return
	}
	form := parseChunkForm(c)

	file, fileHeader, err := c.Request.FormFile("file")
	hasFile := err == nil

	if form.totalParts > 1 {
		if !hasFile {
			h.finalize(c, dataset, form)
			return
		}
		defer file.Close()
		if form.filename == "" && fileHeader != nil {
			form.filename = fileHeader.Filename
		}
		h.receiveChunk(c, form, file)
		return
	}

	if !hasFile {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No file provided"})
		return
	}
	defer file.Close()
	if form.filename == "" && fileHeader != nil {
		form.filename = fileHeader.Filename
	}
	h.storeWhole(c, dataset, form.filename, file)
}

// UploadRaw handles POST /api/1/datasets/:id/upload/raw: the chunk bytes
// travel as the request body and the session coordinates as Upload-* headers.
// An empty body finalizes the session.
func (h *UploadHandler) UploadRaw(c *gin.Context) {
	dataset, ok := h.lookupDataset(c)
	if !ok {
		return
	}
	form := parseChunkForm(c)

	if form.totalParts > 1 {
		if c.Request.ContentLength == 0 || form.partIndex == "" {
			h.finalize(c, dataset, form)
			return
		}
		h.receiveChunk(c, form, c.Request.Body)
		return
	}
	h.storeWhole(c, dataset, form.filename, c.Request.Body)
}

func (h *UploadHandler) receiveChunk(c *gin.Context, form chunkForm, body io.Reader) {
	ctx := c.Request.Context()
	log := middleware.GetLogger(c)

	if form.uuid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing upload session UUID"})
		return
	}
	index, err := upload.ParseIndex(form.partIndex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	data, err := io.ReadAll(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Failed to read chunk body"})
		return
	}

	chunk := upload.Chunk{
		UUID:       form.uuid,
		Filename:   form.filename,
		Index:      index,
		TotalParts: form.totalParts,
		Size:       form.chunkSize,
	}
	if err := h.uploads.ReceiveChunk(ctx, chunk, data); err != nil {
		if errors.Is(err, upload.ErrChunkSizeMismatch) || errors.Is(err, upload.ErrFileTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		log.WithError(err).Error("Failed to store chunk")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to store chunk"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "uuid": form.uuid, "part": index})
}

func (h *UploadHandler) finalize(c *gin.Context, dataset *domain.Dataset, form chunkForm) {
	ctx := c.Request.Context()
	log := middleware.GetLogger(c)

	if form.uuid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing upload session UUID"})
		return
	}

	result, err := h.uploads.Finalize(ctx, dataset.ID, form.uuid, form.filename, form.totalParts)
	if err != nil {
		if errors.Is(err, upload.ErrMissingPart) || errors.Is(err, upload.ErrFileTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		log.WithError(err).Error("Failed to combine chunks")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to combine chunks"})
		return
	}
	h.attachResource(c, dataset, result)
}

func (h *UploadHandler) storeWhole(c *gin.Context, dataset *domain.Dataset, filename string, body io.Reader) {
	ctx := c.Request.Context()
	log := middleware.GetLogger(c)

	if filename == "" {
		filename = uuid.New().String()
	}
	data, err := io.ReadAll(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Failed to read file body"})
		return
	}

	result, err := h.uploads.Store(ctx, dataset.ID, filename, data)
	if err != nil {
		if errors.Is(err, upload.ErrEmptyUpload) || errors.Is(err, upload.ErrFileTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		log.WithError(err).Error("Failed to store upload")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to store upload"})
		return
	}
	h.attachResource(c, dataset, result)
}

// attachResource appends the stored artifact to the dataset's resource list
// and returns it.
func (h *UploadHandler) attachResource(c *gin.Context, dataset *domain.Dataset, result *upload.Result) {
	ctx := c.Request.Context()
	log := middleware.GetLogger(c)

	resource := result.Resource()
	dataset.Resources = append(dataset.Resources, resource)
	if err := h.datasets.Update(ctx, dataset); err != nil {
		log.WithError(err).Error("Failed to attach resource to dataset")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to attach resource"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "resource": resource})
}

func (h *UploadHandler) lookupDataset(c *gin.Context) (*domain.Dataset, bool) {
	dataset, err := h.datasets.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Dataset not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to load dataset"})
		}
		return nil, false
	}
	return dataset, true
}
