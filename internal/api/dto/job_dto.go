package dto

import (
	"time"

	worker "github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	Service  string `form:"service"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string  `json:"job_id"`
	UserID         string  `json:"user_id"`
	Service        string  `json:"service"`
	Status         string  `json:"status"`
	InputImageURL  string  `json:"input_image_url"`
	OutputImageURL *string `json:"output_image_url,omitempty"`
	RoomType       *string `json:"room_type,omitempty"`
	Style          *string `json:"style,omitempty"`
	CreditsUsed    int     `json:"credits_used"`
	RetryCount     int     `json:"retry_count"`
	RetryAfter     *string `json:"retry_after,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// NewJobDTO maps a stored job to its JSON view.
func NewJobDTO(job *worker.Job) JobDTO {
	d := JobDTO{
		JobID:         job.ID,
		UserID:        job.UserID,
		Service:       job.Service,
		Status:        job.Status,
		InputImageURL: job.InputImageURL,
		CreditsUsed:   job.CreditsUsed,
		RetryCount:    job.RetryCount,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.OutputImageURL.Valid {
		d.OutputImageURL = &job.OutputImageURL.String
	}
	if job.RoomType.Valid {
		d.RoomType = &job.RoomType.String
	}
	if job.Style.Valid {
		d.Style = &job.Style.String
	}
	if job.ErrorMessage.Valid {
		d.ErrorMessage = &job.ErrorMessage.String
	}
	if job.RetryAfter.Valid {
		s := job.RetryAfter.Time.UTC().Format(time.RFC3339)
		d.RetryAfter = &s
	}
	if job.CompletedAt.Valid {
		s := job.CompletedAt.Time.UTC().Format(time.RFC3339)
		d.CompletedAt = &s
	}
	return d
}
