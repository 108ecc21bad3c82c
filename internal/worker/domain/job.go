package domain

import (
	"database/sql"
	"time"
)

// Job is a row of image_jobs as seen by the worker.
type Job struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	Service        string         `db:"service"`
	Status         string         `db:"status"`
	InputImageURL  string         `db:"input_image_url"`
	OutputImageURL sql.NullString `db:"output_image_url"`
	RoomType       sql.NullString `db:"room_type"`
	Style          sql.NullString `db:"style"`
	CreditsUsed    int            `db:"credits_used"`
	RetryCount     int            `db:"retry_count"`
	RetryAfter     sql.NullTime   `db:"retry_after"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ClaimedAt      sql.NullTime   `db:"claimed_at"`
	HeartbeatAt    sql.NullTime   `db:"heartbeat_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Class returns the provider class of the job's service.
func (j *Job) Class() ProviderClass {
	return ClassOf(j.Service)
}

// Meta is the subset of a job that notification channels need.
type Meta struct {
	JobID       string
	UserID      string
	Service     string
	RoomType    string
	Style       string
	CreditsUsed int
	Attempts    int
	OutputURL   string
}

// MetaOf extracts notification metadata from a job.
func MetaOf(j *Job) Meta {
	return Meta{
		JobID:       j.ID,
		UserID:      j.UserID,
		Service:     j.Service,
		RoomType:    j.RoomType.String,
		Style:       j.Style.String,
		CreditsUsed: j.CreditsUsed,
		Attempts:    j.RetryCount + 1,
	}
}

// Artifact is a provider output: inline bytes, a remote reference, or both.
type Artifact struct {
	Data     []byte
	MIMEType string
	URL      string
}
