package handler

import (
	"log/slog"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/shared/postgresql"
	"github.com/cuongbtq/taskq/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Admin  *admin.Service
	Store  store.Gateway

	// optional, reported by /health when set
	DBClient     *postgresql.Client
	RabbitClient *rabbitmq.Client
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	admin  *admin.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		admin:  deps.Admin,
	}
}

// WorkerHandler handles worker registry requests
type WorkerHandler struct {
	logger *slog.Logger
	admin  *admin.Service
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger: deps.Logger,
		admin:  deps.Admin,
	}
}

// ScheduleHandler handles schedule rule requests
type ScheduleHandler struct {
	logger *slog.Logger
	admin  *admin.Service
}

// NewScheduleHandler creates a new ScheduleHandler instance
func NewScheduleHandler(deps *Dependencies) *ScheduleHandler {
	return &ScheduleHandler{
		logger: deps.Logger,
		admin:  deps.Admin,
	}
}

// HealthHandler reports store and broker connectivity
type HealthHandler struct {
	store        store.Gateway
	dbClient     *postgresql.Client
	rabbitClient *rabbitmq.Client
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		store:        deps.Store,
		dbClient:     deps.DBClient,
		rabbitClient: deps.RabbitClient,
	}
}
