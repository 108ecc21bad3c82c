// Package sink persists job outcomes: output upload plus the store
// transitions out of processing.
package sink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-job-worker/internal/metrics"
	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// Store is the write side of the job table.
type Store interface {
	Complete(ctx context.Context, jobID, outputURL string) error
	Fail(ctx context.Context, jobID, message string) error
	Requeue(ctx context.Context, jobID string, retryCount int, message string, retryAfter time.Time) error
}

// Uploader stores output bytes and returns a permanent URL.
type Uploader interface {
	Upload(ctx context.Context, userID, jobID string, data []byte, mimeType string) (string, error)
}

// Fetcher downloads provider outputs that arrive as a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*domain.Artifact, error)
}

// Sink implements the worker's result sink.
type Sink struct {
	store    Store
	uploader Uploader
	fetcher  Fetcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a sink. A nil uploader disables upload and every completion
// stores the provider reference.
func New(store Store, uploader Uploader, fetcher Fetcher, m *metrics.Metrics, logger *slog.Logger) *Sink {
	return &Sink{
		store:    store,
		uploader: uploader,
		fetcher:  fetcher,
		metrics:  m,
		logger:   logger,
	}
}

// Complete uploads the artifact and marks the job completed. When upload is
// unavailable or fails, the provider reference is stored instead.
func (s *Sink) Complete(ctx context.Context, job *domain.Job, artifact *domain.Artifact) (string, error) {
	ref, err := s.upload(ctx, job, artifact)
	if err != nil {
		ref = fallbackRef(artifact)
		s.metrics.UploadFallback()
		s.logger.Warn("Upload failed, storing provider reference",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	if ref == "" {
		return "", fmt.Errorf("complete job %s: artifact has neither data nor url", job.ID)
	}

	if err := s.store.Complete(ctx, job.ID, ref); err != nil {
		if errors.Is(err, domain.ErrJobNotInFlight) {
			s.logger.Warn("Job already left processing, completion skipped", slog.String("job_id", job.ID))
		}
		return ref, err
	}
	return ref, nil
}

func (s *Sink) upload(ctx context.Context, job *domain.Job, artifact *domain.Artifact) (string, error) {
	if s.uploader == nil {
		return "", errors.New("upload disabled")
	}

	data, mimeType := artifact.Data, artifact.MIMEType
	if len(data) == 0 {
		if artifact.URL == "" || s.fetcher == nil {
			return "", errors.New("nothing to upload")
		}
		downloaded, err := s.fetcher.Fetch(ctx, artifact.URL)
		if err != nil {
			return "", fmt.Errorf("download provider output: %w", err)
		}
		data, mimeType = downloaded.Data, downloaded.MIMEType
	}

	return s.uploader.Upload(ctx, job.UserID, job.ID, data, mimeType)
}

func fallbackRef(artifact *domain.Artifact) string {
	if artifact.URL != "" {
		return artifact.URL
	}
	if len(artifact.Data) == 0 {
		return ""
	}
	mimeType := artifact.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(artifact.Data)
}

// Settle stores an output reference that was already produced and uploaded.
// It retries a completion whose first store write failed without repeating
// the upload.
func (s *Sink) Settle(ctx context.Context, jobID, outputRef string) error {
	return s.store.Complete(ctx, jobID, outputRef)
}

// Fail marks the job failed.
func (s *Sink) Fail(ctx context.Context, jobID, message string) error {
	return s.store.Fail(ctx, jobID, message)
}

// Requeue returns the job to pending with a new retry count and retry time.
func (s *Sink) Requeue(ctx context.Context, jobID string, retryCount int, message string, retryAfter time.Time) error {
	return s.store.Requeue(ctx, jobID, retryCount, message, retryAfter)
}
