package domain

import (
	"errors"

	worker "github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

var (
	ErrJobNotFound   = worker.ErrJobNotFound
	ErrInvalidCursor = errors.New("invalid cursor")
)

// ValidStatus reports whether status is a job status filter the API accepts.
func ValidStatus(status string) bool {
	switch status {
	case worker.JobStatusPending, worker.JobStatusProcessing, worker.JobStatusCompleted, worker.JobStatusFailed:
		return true
	}
	return false
}

// ValidService reports whether service is a known service identifier.
func ValidService(service string) bool {
	return worker.ClassOf(service) != worker.ClassUnsupported
}
