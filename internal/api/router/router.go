package router

import (
	"net/http"

	"github.com/cuongbtq/hpc-dispatcher/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint, unhealthy while the database or broker is unreachable
	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		}
		code := http.StatusOK

		if deps.Health != nil {
			if err := deps.Health.HealthCheck(c.Request.Context()); err != nil {
				body["status"] = "unhealthy"
				body["error"] = err.Error()
				code = http.StatusServiceUnavailable
			}
			body["db_pool"] = deps.Health.Stats()
		}
		if deps.Broker != nil && !deps.Broker.IsConnected() {
			body["status"] = "unhealthy"
			body["broker"] = "disconnected"
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, body)
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Publish a task to the work queue
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:correlation_id - Get job details
			jobs.GET("/:correlation_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:correlation_id/submissions - Submission history
			jobs.GET("/:correlation_id/submissions", jobHandler.ListSubmissions)

			// POST /api/v1/jobs/:correlation_id/requeue - Requeue a dead-lettered or failed job
			jobs.POST("/:correlation_id/requeue", jobHandler.RequeueJob)
		}
	}

	return r
}
