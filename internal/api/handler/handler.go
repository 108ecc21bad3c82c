package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/image-job-worker/internal/api/storage"
	worker "github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// JobReader is the read side of the job store.
type JobReader interface {
	GetJobByID(ctx context.Context, jobID string) (*worker.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*worker.Job, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        JobReader
	DB          HealthChecker
	Gatherer    prometheus.Gatherer
	ServiceName string
	StartedAt   time.Time
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobReader
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}
