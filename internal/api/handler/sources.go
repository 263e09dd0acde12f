package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/scheduler"
)

// SourceHandler handles harvest source endpoints.
type SourceHandler struct {
	sources *harvest.SourceService
	engine  *harvest.Engine
	jobs    *repository.JobRepository
}

// NewSourceHandler creates a new source handler.
func NewSourceHandler(sources *harvest.SourceService, engine *harvest.Engine, jobs *repository.JobRepository) *SourceHandler {
	return &SourceHandler{sources: sources, engine: engine, jobs: jobs}
}

// sourcePayload is the request body for creating or updating a source.
type sourcePayload struct {
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	URL          string              `json:"url"`
	Backend      string              `json:"backend"`
	Config       domain.SourceConfig `json:"config"`
	Owner        string              `json:"owner"`
	Organization string              `json:"organization"`
	Autoarchive  *bool               `json:"autoarchive"`
}

// ListSources handles GET /api/1/harvest/sources.
func (h *SourceHandler) ListSources(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sources, err := h.sources.List(c.Request.Context(), repository.ListOptions{
		Owner:        c.Query("owner"),
		Organization: c.Query("organization"),
		Backend:      c.Query("backend"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sources"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sources, "total": len(sources)})
}

// CreateSource handles POST /api/1/harvest/sources.
func (h *SourceHandler) CreateSource(c *gin.Context) {
	var payload sourcePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	src := &domain.HarvestSource{
		Name:           payload.Name,
		Description:    payload.Description,
		URL:            payload.URL,
		Backend:        payload.Backend,
		Config:         payload.Config,
		OwnerID:        payload.Owner,
		OrganizationID: payload.Organization,
		Autoarchive:    true,
	}
	if payload.Autoarchive != nil {
		src.Autoarchive = *payload.Autoarchive
	}

	if err := h.sources.Create(c.Request.Context(), src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, src)
}

// GetSource handles GET /api/1/harvest/source/:id. Lookup resolves
// soft-deleted sources too.
func (h *SourceHandler) GetSource(c *gin.Context) {
	src, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, src)
}

// UpdateSource handles PUT /api/1/harvest/source/:id.
func (h *SourceHandler) UpdateSource(c *gin.Context) {
	src, ok := h.lookup(c)
	if !ok {
		return
	}

	var payload sourcePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	src.Name = payload.Name
	src.Description = payload.Description
	src.URL = payload.URL
	src.Backend = payload.Backend
	src.Config = payload.Config
	src.OwnerID = payload.Owner
	src.OrganizationID = payload.Organization
	if payload.Autoarchive != nil {
		src.Autoarchive = *payload.Autoarchive
	}

	if err := h.sources.Update(c.Request.Context(), src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, src)
}

// DeleteSource handles DELETE /api/1/harvest/source/:id (soft delete).
func (h *SourceHandler) DeleteSource(c *gin.Context) {
	if err := h.sources.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete source"})
		return
	}
	c.Status(http.StatusNoContent)
}

// validatePayload is the request body of the validation endpoint.
type validatePayload struct {
	State       string `json:"state" binding:"required"`
	Comment     string `json:"comment"`
	ValidatedBy string `json:"validated_by"`
}

// ValidateSource handles POST /api/1/harvest/source/:id/validate, accepting
// or refusing a pending source.
func (h *SourceHandler) ValidateSource(c *gin.Context) {
	var payload validatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	var (
		src *domain.HarvestSource
		err error
	)
	switch domain.ValidationState(payload.State) {
	case domain.ValidationAccepted:
		src, err = h.sources.Accept(c.Request.Context(), c.Param("id"), payload.ValidatedBy, payload.Comment)
	case domain.ValidationRefused:
		src, err = h.sources.Reject(c.Request.Context(), c.Param("id"), payload.ValidatedBy, payload.Comment)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "State must be accepted or refused"})
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		case errors.Is(err, harvest.ErrNotPending), errors.Is(err, harvest.ErrCommentRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Validation failed"})
		}
		return
	}
	c.JSON(http.StatusOK, src)
}

// RunSource handles POST /api/1/harvest/source/:id/run, enqueueing an
// immediate harvest of the source.
func (h *SourceHandler) RunSource(c *gin.Context) {
	handle, err := h.engine.Launch(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": handle})
}

// schedulePayload accepts either a full cron expression or individual fields.
type schedulePayload struct {
	Cron       string `json:"cron"`
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfMonth string `json:"day_of_month"`
	Month      string `json:"month"`
	DayOfWeek  string `json:"day_of_week"`
}

// ScheduleSource handles POST /api/1/harvest/source/:id/schedule.
func (h *SourceHandler) ScheduleSource(c *gin.Context) {
	src, ok := h.lookup(c)
	if !ok {
		return
	}

	var payload schedulePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	var err error
	if payload.Cron != "" {
		err = h.sources.Schedule(c.Request.Context(), src, payload.Cron)
	} else {
		crontab := scheduler.Crontab{
			Minute:      defaultField(payload.Minute),
			Hour:        defaultField(payload.Hour),
			DayOfMonth:  defaultField(payload.DayOfMonth),
			MonthOfYear: defaultField(payload.Month),
			DayOfWeek:   defaultField(payload.DayOfWeek),
		}
		err = h.sources.ScheduleFields(c.Request.Context(), src, crontab)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, src)
}

func defaultField(v string) string {
	if v == "" {
		return "*"
	}
	return v
}

// UnscheduleSource handles DELETE /api/1/harvest/source/:id/schedule.
func (h *SourceHandler) UnscheduleSource(c *gin.Context) {
	src, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.sources.Unschedule(c.Request.Context(), src); err != nil {
		if errors.Is(err, harvest.ErrNotScheduled) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unschedule source"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSourceJobs handles GET /api/1/harvest/source/:id/jobs.
func (h *SourceHandler) ListSourceJobs(c *gin.Context) {
	src, ok := h.lookup(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	jobs, err := h.jobs.ListBySource(c.Request.Context(), src.ID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs, "total": len(jobs)})
}

func (h *SourceHandler) lookup(c *gin.Context) (*domain.HarvestSource, bool) {
	src, err := h.sources.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load source"})
		}
		return nil, false
	}
	return src, true
}
