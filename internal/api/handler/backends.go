package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/civicdata/harvester/internal/harvest/backend"
)

// BackendHandler exposes the registered backend catalog.
type BackendHandler struct{}

// NewBackendHandler creates a new backend handler.
func NewBackendHandler() *BackendHandler {
	return &BackendHandler{}
}

// ListBackends handles GET /api/1/harvest/backends, returning every
// registered backend with its declared filters and features.
func (h *BackendHandler) ListBackends(c *gin.Context) {
	c.JSON(http.StatusOK, backend.All())
}
