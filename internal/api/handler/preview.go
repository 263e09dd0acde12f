package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest"
)

// PreviewHandler handles dry-run harvest previews.
type PreviewHandler struct {
	sources *harvest.SourceService
	engine  *harvest.Engine
}

// NewPreviewHandler creates a new preview handler.
func NewPreviewHandler(sources *harvest.SourceService, engine *harvest.Engine) *PreviewHandler {
	return &PreviewHandler{sources: sources, engine: engine}
}

// previewPayload describes an unsaved source configuration to preview.
type previewPayload struct {
	Name    string              `json:"name"`
	URL     string              `json:"url" binding:"required"`
	Backend string              `json:"backend" binding:"required"`
	Config  domain.SourceConfig `json:"config"`
}

// PreviewConfig handles POST /api/1/harvest/source/preview: a dry run of a
// raw configuration that has never been saved.
func (h *PreviewHandler) PreviewConfig(c *gin.Context) {
	var payload previewPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	job, err := h.engine.PreviewFromConfig(c.Request.Context(), payload.Name, payload.URL, payload.Backend, payload.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// PreviewSource handles GET /api/1/harvest/source/:id/preview: a dry run of
// an existing source.
func (h *PreviewHandler) PreviewSource(c *gin.Context) {
	src, err := h.sources.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}

	job, err := h.engine.Preview(c.Request.Context(), src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}
