package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/image-job-worker/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	health := handler.NewHealthHandler(deps)
	r.GET("/health", health.Health)
	r.HEAD("/health", health.Health)
	r.GET("/ready", health.Ready)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if deps.Jobs != nil {
		jobHandler := handler.NewJobHandler(deps)

		v1 := r.Group("/api/v1")
		{
			v1.GET("/stats", jobHandler.Stats)

			jobs := v1.Group("/jobs")
			{
				// GET /api/v1/jobs - List jobs with filtering and pagination
				jobs.GET("", jobHandler.ListJobs)

				// GET /api/v1/jobs/:job_id - Get job details
				jobs.GET("/:job_id", jobHandler.GetJob)
			}
		}
	}

	return r
}
