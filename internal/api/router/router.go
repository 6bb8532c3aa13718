package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/taskq/internal/api/handler"
)

// Options tunes the router
type Options struct {
	// EnqueueRPS caps POST /api/v1/jobs per second; 0 disables the limit
	EnqueueRPS   int
	EnqueueBurst int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)
	workerHandler := handler.NewWorkerHandler(deps)
	scheduleHandler := handler.NewScheduleHandler(deps)

	enqueueLimit := RateLimitMiddleware(opts.EnqueueRPS, opts.EnqueueBurst, deps.Logger)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", enqueueLimit, jobHandler.CreateJob)

			// GET /api/v1/jobs - List live jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/logs - Job log lines
			jobs.GET("/:job_id/logs", jobHandler.GetJobLogs)

			// POST /api/v1/jobs/:job_id/requeue - Make a claimed job claimable
			jobs.POST("/:job_id/requeue", jobHandler.RequeueJob)

			// POST /api/v1/jobs/:job_id/fixed - Clear the failed flag
			jobs.POST("/:job_id/fixed", jobHandler.FixJob)

			// POST /api/v1/jobs/:job_id/finish - Force a job finished
			jobs.POST("/:job_id/finish", jobHandler.FinishJob)
		}

		v1.GET("/queues", jobHandler.ListQueues)

		workers := v1.Group("/workers")
		{
			workers.GET("", workerHandler.ListWorkers)
			workers.GET("/:worker_id", workerHandler.GetWorker)
			workers.POST("/:worker_id/shutdown", workerHandler.ShutdownWorker)
		}

		schedules := v1.Group("/schedules")
		{
			schedules.GET("", scheduleHandler.ListSchedules)
			schedules.POST("", scheduleHandler.CreateSchedule)
			schedules.DELETE("/:rule_id", scheduleHandler.DeleteSchedule)
			schedules.POST("/:rule_id/pause", scheduleHandler.PauseSchedule)
		}
	}

	return r
}
