package api

import (
	"github.com/gin-gonic/gin"
	"github.com/renwei/cvflow/internal/api/handler"
	"github.com/renwei/cvflow/internal/api/middleware"
	"github.com/renwei/cvflow/internal/config"
	"github.com/renwei/cvflow/internal/logger"
)

// NewRouter assembles the HTTP API.
func NewRouter(
	cfg *config.Config,
	log *logger.Logger,
	uploadHandler *handler.UploadHandler,
) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler()
	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Identity())
	{
		v1.POST("/documents", uploadHandler.Upload)
		v1.GET("/documents/current", uploadHandler.CurrentDocument)
		v1.GET("/jobs", uploadHandler.JobHistory)
		v1.GET("/jobs/:id", uploadHandler.JobStatus)
	}

	return r
}
