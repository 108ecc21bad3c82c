package storage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/image-job-worker/internal/testutil"
	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

func newTestStorage(t *testing.T) (*Storage, *sqlx.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	return NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil))), db
}

func insertJob(t *testing.T, db *sqlx.DB, service string, createdAt time.Time, retryAfter *time.Time) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO image_jobs (id, user_id, service, input_image_url, created_at, retry_after)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, uuid.NewString(), service, "https://cdn.example.com/in.jpg", createdAt, retryAfter)
	require.NoError(t, err)
	return id
}

func TestStorage_ClaimJobs(t *testing.T) {
	s, db := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	older := insertJob(t, db, domain.ServiceVirtualStaging, base, nil)
	newer := insertJob(t, db, domain.ServicePhotoEnhance, base.Add(time.Minute), nil)
	future := time.Now().Add(time.Hour)
	insertJob(t, db, domain.ServiceDeclutter, base.Add(-time.Minute), &future)

	jobs, err := s.ClaimJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "job with retry_after in the future is not eligible")

	assert.Equal(t, older, jobs[0].ID)
	assert.Equal(t, newer, jobs[1].ID)
	for _, j := range jobs {
		assert.Equal(t, domain.JobStatusProcessing, j.Status)
		assert.True(t, j.ClaimedAt.Valid)
	}

	again, err := s.ClaimJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed jobs are not returned twice")
}

func TestStorage_ClaimJobs_RespectsLimit(t *testing.T) {
	s, db := newTestStorage(t)
	base := time.Now().Add(-time.Hour)
	for i := range 5 {
		insertJob(t, db, domain.ServiceVirtualStaging, base.Add(time.Duration(i)*time.Second), nil)
	}

	jobs, err := s.ClaimJobs(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestStorage_ClaimJobs_ConcurrentClaimersAreDisjoint(t *testing.T) {
	s, db := newTestStorage(t)
	base := time.Now().Add(-time.Hour)
	for i := range 40 {
		insertJob(t, db, domain.ServiceVirtualStaging, base.Add(time.Duration(i)*time.Millisecond), nil)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimJobs(context.Background(), 15)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				seen[j.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestStorage_Transitions(t *testing.T) {
	s, db := newTestStorage(t)
	ctx := context.Background()

	completed := insertJob(t, db, domain.ServiceVirtualStaging, time.Now().Add(-3*time.Minute), nil)
	failed := insertJob(t, db, domain.ServiceVirtualStaging, time.Now().Add(-2*time.Minute), nil)
	requeued := insertJob(t, db, domain.ServicePhotoEnhance, time.Now().Add(-time.Minute), nil)

	_, err := s.ClaimJobs(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, completed, "https://images.example.com/out.webp"))
	require.NoError(t, s.Fail(ctx, failed, "[permanent failure after 1 attempt(s)] invalid image format"))
	retryAt := time.Now().Add(10 * time.Second)
	require.NoError(t, s.Requeue(ctx, requeued, 1, "[attempt 1/3] ECONNRESET", retryAt))

	job, err := s.GetJobByID(ctx, completed)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "https://images.example.com/out.webp", job.OutputImageURL.String)
	assert.True(t, job.CompletedAt.Valid)

	job, err = s.GetJobByID(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage.String, "invalid image format")

	job, err = s.GetJobByID(ctx, requeued)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.WithinDuration(t, retryAt, job.RetryAfter.Time, time.Second)

	// Completion is idempotent: a second transition on a terminal job is a no-op.
	err = s.Complete(ctx, completed, "https://images.example.com/other.webp")
	assert.ErrorIs(t, err, domain.ErrJobNotInFlight)
	err = s.Fail(ctx, completed, "late failure")
	assert.ErrorIs(t, err, domain.ErrJobNotInFlight)

	job, err = s.GetJobByID(ctx, completed)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "https://images.example.com/out.webp", job.OutputImageURL.String)
}

func TestStorage_GetJobByID_NotFound(t *testing.T) {
	s, _ := newTestStorage(t)

	_, err := s.GetJobByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStorage_RecoverStaleJobs(t *testing.T) {
	s, db := newTestStorage(t)
	ctx := context.Background()

	fresh := insertJob(t, db, domain.ServiceVirtualStaging, time.Now().Add(-time.Hour), nil)
	stale := insertJob(t, db, domain.ServiceVirtualStaging, time.Now().Add(-time.Hour), nil)
	exhausted := insertJob(t, db, domain.ServiceVirtualStaging, time.Now().Add(-time.Hour), nil)

	_, err := s.ClaimJobs(ctx, 10)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	_, err = db.Exec(`UPDATE image_jobs SET heartbeat_at = $1 WHERE id = ANY($2::uuid[])`,
		old, "{"+stale+","+exhausted+"}")
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE image_jobs SET retry_count = 2 WHERE id = $1`, exhausted)
	require.NoError(t, err)

	n, err := s.RecoverStaleJobs(ctx, time.Now().Add(-15*time.Minute), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, err := s.GetJobByID(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)

	job, err = s.GetJobByID(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	job, err = s.GetJobByID(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.RetryCount)
}

func TestStorage_UpdateJobHeartbeats(t *testing.T) {
	s, db := newTestStorage(t)
	ctx := context.Background()

	first := insertJob(t, db, domain.ServiceVirtualStaging, time.Now().Add(-2*time.Hour), nil)
	second := insertJob(t, db, domain.ServicePhotoEnhance, time.Now().Add(-time.Hour), nil)
	_, err := s.ClaimJobs(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, second, "https://cdn.example.com/out.png"))

	_, err = db.Exec(`UPDATE image_jobs SET heartbeat_at = NOW() - INTERVAL '1 hour'`)
	require.NoError(t, err)

	require.NoError(t, s.UpdateJobHeartbeats(ctx, []string{first, second}))
	require.NoError(t, s.UpdateJobHeartbeats(ctx, nil))

	job, err := s.GetJobByID(ctx, first)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), job.HeartbeatAt.Time, time.Minute)

	done, err := s.GetJobByID(ctx, second)
	require.NoError(t, err)
	assert.True(t, done.HeartbeatAt.Time.Before(time.Now().Add(-30*time.Minute)), "terminal rows keep their heartbeat")

	n, err := s.RecoverStaleJobs(ctx, time.Now().Add(-15*time.Minute), 3)
	require.NoError(t, err)
	assert.Zero(t, n, "refreshed job is not stale")
}
