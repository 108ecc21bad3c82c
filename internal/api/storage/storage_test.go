package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/image-job-worker/internal/api/domain"
	"github.com/cuongbtq/image-job-worker/internal/testutil"
	worker "github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

func TestStorage_ReadJobs(t *testing.T) {
	db := testutil.NewTestDB(t)
	s := NewStorage(db)
	ctx := context.Background()

	userA, userB := uuid.NewString(), uuid.NewString()
	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)

	insert := func(user, service, status string, createdAt time.Time) string {
		id := uuid.NewString()
		_, err := db.Exec(`
			INSERT INTO image_jobs (id, user_id, service, status, input_image_url, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'https://cdn.example.com/in.jpg', $5, $5)`,
			id, user, service, status, createdAt)
		require.NoError(t, err)
		return id
	}

	oldest := insert(userA, worker.ServiceVirtualStaging, worker.JobStatusCompleted, base)
	middle := insert(userA, worker.ServicePhotoEnhance, worker.JobStatusPending, base.Add(time.Minute))
	newest := insert(userA, worker.ServiceVirtualStaging, worker.JobStatusFailed, base.Add(2*time.Minute))
	insert(userB, worker.ServiceDeclutter, worker.JobStatusPending, base.Add(3*time.Minute))

	t.Run("get by id", func(t *testing.T) {
		job, err := s.GetJobByID(ctx, middle)
		require.NoError(t, err)
		assert.Equal(t, worker.ServicePhotoEnhance, job.Service)
		assert.False(t, job.OutputImageURL.Valid)

		_, err = s.GetJobByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("pages newest first", func(t *testing.T) {
		page, err := s.ListJobs(ctx, JobFilter{UserID: userA, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page, 3, "one extra row signals another page")
		assert.Equal(t, newest, page[0].ID)
		assert.Equal(t, middle, page[1].ID)

		next, err := s.ListJobs(ctx, JobFilter{
			UserID:   userA,
			PageSize: 2,
			Cursor:   &JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
		})
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, oldest, next[0].ID)
	})

	t.Run("filters", func(t *testing.T) {
		jobs, err := s.ListJobs(ctx, JobFilter{Service: worker.ServiceVirtualStaging, Status: worker.JobStatusFailed, PageSize: 10})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, newest, jobs[0].ID)
	})

	t.Run("counts by status", func(t *testing.T) {
		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[worker.JobStatusPending])
		assert.Equal(t, 1, counts[worker.JobStatusCompleted])
		assert.Equal(t, 1, counts[worker.JobStatusFailed])
	})
}
