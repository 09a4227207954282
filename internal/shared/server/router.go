package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	googleauth "pipeline-backend/internal/auth"
	"pipeline-backend/internal/export"
	"pipeline-backend/internal/intake"
	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/services/health"
	"pipeline-backend/internal/shared/config"
	"pipeline-backend/internal/shared/metrics"
	"pipeline-backend/internal/shared/server/middleware"
	"pipeline-backend/internal/shared/server/respond"
)

// RouterDeps are the handlers the router mounts. Nil handlers are skipped.
type RouterDeps struct {
	Config          config.Config
	Health          *health.Service
	PipelineHandler *pipeline.Handler
	ExportHandler   *export.Handler
	IntakeHandler   *intake.WebhookHandler
	GoogleAuth      *googleauth.GoogleService
	RateLimits      map[string]middleware.RateLimitRule
}

// DefaultRateLimits are the per-caller buckets used when RouterDeps sets none.
func DefaultRateLimits() map[string]middleware.RateLimitRule {
	return map[string]middleware.RateLimitRule{
		middleware.GroupDefault: {Rate: 10, Burst: 30},
		middleware.GroupBulk:    {Rate: 0.5, Burst: 2},
		middleware.GroupIntake:  {Rate: 5, Burst: 20},
		middleware.GroupExport:  {Rate: 0.2, Burst: 2},
	}
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	limits := deps.RateLimits
	if limits == nil {
		limits = DefaultRateLimits()
	}

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Auth(deps.Config.Env),
		middleware.RateLimit(middleware.RateLimitConfig{
			Rules:    limits,
			GroupFor: middleware.GroupForPipeline,
		}),
	)

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		report := deps.Health.Status(c.Request.Context())
		status := http.StatusOK
		if !report.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, report)
	})
	api.GET("/metrics", metrics.Handler())
	registerMeRoutes(api)
	if deps.GoogleAuth != nil {
		deps.GoogleAuth.RegisterRoutes(api)
	}

	if deps.PipelineHandler != nil {
		deps.PipelineHandler.RegisterRoutes(api)
	}
	if deps.ExportHandler != nil {
		deps.ExportHandler.RegisterRoutes(api)
	}
	if deps.IntakeHandler != nil {
		deps.IntakeHandler.RegisterRoutes(api)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
