package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

const jobColumns = `id, user_id, service, status, input_image_url, output_image_url,
	room_type, style, credits_used, retry_count, retry_after, error_message,
	claimed_at, heartbeat_at, completed_at, created_at, updated_at`

// Storage handles all image_jobs transitions made by the worker.
// Every transition out of processing is guarded on status so a repeated or
// late call cannot rewrite a terminal row.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimJobs atomically moves up to limit eligible pending jobs to processing
// and returns them oldest first. Rows locked by a concurrent claimer are skipped,
// so two callers never receive the same job.
func (s *Storage) ClaimJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		UPDATE image_jobs
		SET status = $1,
		    claimed_at = NOW(),
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM image_jobs
			WHERE status = $2
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, domain.JobStatusProcessing, domain.JobStatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	// RETURNING order is unspecified.
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	if len(jobs) > 0 {
		s.logger.Debug("Jobs claimed", slog.Int("count", len(jobs)))
	}
	return jobs, nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM image_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Complete marks an in-flight job completed with its permanent output reference.
func (s *Storage) Complete(ctx context.Context, jobID, outputURL string) error {
	query := `
		UPDATE image_jobs
		SET status = $1,
		    output_image_url = $2,
		    error_message = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return s.transition(ctx, "complete", jobID, query,
		domain.JobStatusCompleted, outputURL, jobID, domain.JobStatusProcessing)
}

// Fail marks an in-flight job terminally failed.
func (s *Storage) Fail(ctx context.Context, jobID, message string) error {
	query := `
		UPDATE image_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	return s.transition(ctx, "fail", jobID, query,
		domain.JobStatusFailed, message, jobID, domain.JobStatusProcessing)
}

// Requeue returns an in-flight job to pending with the given retry count,
// not claimable before retryAfter.
func (s *Storage) Requeue(ctx context.Context, jobID string, retryCount int, message string, retryAfter time.Time) error {
	query := `
		UPDATE image_jobs
		SET status = $1,
		    retry_count = $2,
		    retry_after = $3,
		    error_message = $4,
		    claimed_at = NULL,
		    heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
	`
	return s.transition(ctx, "requeue", jobID, query,
		domain.JobStatusPending, retryCount, retryAfter, message, jobID, domain.JobStatusProcessing)
}

func (s *Storage) transition(ctx context.Context, op, jobID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job transition skipped, job not in processing state",
			slog.String("job_id", jobID),
			slog.String("op", op),
		)
		return domain.ErrJobNotInFlight
	}
	return nil
}

// UpdateJobHeartbeats records that the given in-flight jobs are still held by
// this process. Jobs that already left processing are ignored.
func (s *Storage) UpdateJobHeartbeats(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE image_jobs SET heartbeat_at = NOW() WHERE id = ANY($1::uuid[]) AND status = $2`,
		pq.Array(jobIDs), domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeats: %w", err)
	}
	return nil
}

// RecoverStaleJobs returns processing jobs whose heartbeat is older than
// staleBefore to pending, counting the lost attempt. Jobs that reach
// maxRetries this way are failed instead.
func (s *Storage) RecoverStaleJobs(ctx context.Context, staleBefore time.Time, maxRetries int) (int64, error) {
	query := `
		UPDATE image_jobs
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END,
		    error_message = CASE WHEN retry_count + 1 >= $1
		        THEN '[permanent failure] worker stopped responding'
		        ELSE '[stale] worker stopped responding' END,
		    completed_at = CASE WHEN retry_count + 1 >= $1 THEN NOW() ELSE NULL END,
		    retry_after = NULL,
		    claimed_at = NULL,
		    heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM image_jobs
			WHERE status = $4
			  AND COALESCE(heartbeat_at, claimed_at, updated_at) < $5
			FOR UPDATE SKIP LOCKED
		)
	`
	result, err := s.db.ExecContext(ctx, query,
		maxRetries, domain.JobStatusFailed, domain.JobStatusPending, domain.JobStatusProcessing, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
