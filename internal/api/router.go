// Package api wires the HTTP surface of the harvester: source administration,
// job inspection, previews and dataset uploads.
package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/civicdata/harvester/internal/api/handler"
	"github.com/civicdata/harvester/internal/api/middleware"
	"github.com/civicdata/harvester/internal/harvest"
	"github.com/civicdata/harvester/internal/repository"
	"github.com/civicdata/harvester/internal/upload"
)

// Deps carries everything the router needs.
type Deps struct {
	DB       *gorm.DB
	Sources  *harvest.SourceService
	Engine   *harvest.Engine
	Jobs     *repository.JobRepository
	Datasets *repository.DatasetRepository
	Uploads  *upload.Service
	CORS     middleware.CORSConfig
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(deps Deps, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORS(deps.CORS))

	healthHandler := handler.NewHealthHandler(deps.DB)
	sourceHandler := handler.NewSourceHandler(deps.Sources, deps.Engine, deps.Jobs)
	jobHandler := handler.NewJobHandler(deps.Jobs)
	backendHandler := handler.NewBackendHandler()
	previewHandler := handler.NewPreviewHandler(deps.Sources, deps.Engine)
	uploadHandler := handler.NewUploadHandler(deps.Uploads, deps.Datasets)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/1")
	{
		hv := v1.Group("/harvest")
		{
			hv.GET("/backends", backendHandler.ListBackends)

			hv.GET("/sources", sourceHandler.ListSources)
			hv.POST("/sources", sourceHandler.CreateSource)

			hv.POST("/source/preview", previewHandler.PreviewConfig)
			hv.GET("/source/:id", sourceHandler.GetSource)
			hv.PUT("/source/:id", sourceHandler.UpdateSource)
			hv.DELETE("/source/:id", sourceHandler.DeleteSource)
			hv.POST("/source/:id/validate", sourceHandler.ValidateSource)
			hv.POST("/source/:id/run", sourceHandler.RunSource)
			hv.POST("/source/:id/schedule", sourceHandler.ScheduleSource)
			hv.DELETE("/source/:id/schedule", sourceHandler.UnscheduleSource)
			hv.GET("/source/:id/jobs", sourceHandler.ListSourceJobs)
			hv.GET("/source/:id/preview", previewHandler.PreviewSource)

			hv.GET("/job/:id", jobHandler.GetJob)
		}

		v1.POST("/datasets/:id/upload", uploadHandler.Upload)
		v1.POST("/datasets/:id/upload/raw", uploadHandler.UploadRaw)
	}

	return r
}
