package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// leaseSet is the set of claimed jobs a cycle still holds, including jobs
// waiting for a pool slot.
type leaseSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newLeaseSet(jobs []*domain.Job) *leaseSet {
	ids := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		ids[job.ID] = struct{}{}
	}
	return &leaseSet{ids: ids}
}

func (l *leaseSet) release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, jobID)
}

func (l *leaseSet) held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.ids))
	for id := range l.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// keepLeases refreshes the heartbeat of every held job, and of every job
// with a deferred completion, until the returned func is called.
func (w *Worker) keepLeases(ctx context.Context, logger *slog.Logger, leases *leaseSet) func() {
	if w.heartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids := append(leases.held(), w.unsettledIDs()...)
				if len(ids) == 0 {
					continue
				}
				if err := w.store.UpdateJobHeartbeats(ctx, ids); err != nil {
					logger.Warn("Failed to update job heartbeats", slog.Int("count", len(ids)), slog.Any("error", err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// deferCompletion parks a completed job whose output could not be stored.
// The job stays in processing with a live heartbeat until settleDeferred
// stores it.
func (w *Worker) deferCompletion(jobID, ref string) {
	w.unsettledMu.Lock()
	defer w.unsettledMu.Unlock()
	w.unsettled[jobID] = ref
}

func (w *Worker) forgetCompletion(jobID string) {
	w.unsettledMu.Lock()
	defer w.unsettledMu.Unlock()
	delete(w.unsettled, jobID)
}

func (w *Worker) unsettledIDs() []string {
	w.unsettledMu.Lock()
	defer w.unsettledMu.Unlock()
	ids := make([]string, 0, len(w.unsettled))
	for id := range w.unsettled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Worker) unsettledRefs() map[string]string {
	w.unsettledMu.Lock()
	defer w.unsettledMu.Unlock()
	refs := make(map[string]string, len(w.unsettled))
	for id, ref := range w.unsettled {
		refs[id] = ref
	}
	return refs
}

// settleDeferred retries stored-output writes that failed in earlier cycles.
// Jobs that still cannot be stored get a fresh heartbeat so stale recovery
// leaves them alone and the provider is not called again.
func (w *Worker) settleDeferred(ctx context.Context, logger *slog.Logger) {
	refs := w.unsettledRefs()
	if len(refs) == 0 {
		return
	}

	var pending []string
	for jobID, ref := range refs {
		err := w.sink.Settle(ctx, jobID, ref)
		switch {
		case err == nil:
			logger.Info("Deferred completion stored", slog.String("job_id", jobID))
			w.forgetCompletion(jobID)
		case errors.Is(err, domain.ErrJobNotInFlight):
			logger.Warn("Deferred completion dropped, job no longer in flight", slog.String("job_id", jobID))
			w.forgetCompletion(jobID)
		default:
			logger.Warn("Deferred completion still failing", slog.String("job_id", jobID), slog.Any("error", err))
			pending = append(pending, jobID)
		}
	}

	if len(pending) > 0 {
		sort.Strings(pending)
		if err := w.store.UpdateJobHeartbeats(ctx, pending); err != nil {
			logger.Warn("Failed to update job heartbeats", slog.Int("count", len(pending)), slog.Any("error", err))
		}
	}
}

// settle retries the completion write a bounded number of times.
func (w *Worker) settle(ctx context.Context, jobID, ref string, err error) error {
	for attempt := 1; attempt < w.settleAttempts; attempt++ {
		if err == nil || errors.Is(err, domain.ErrJobNotInFlight) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(w.settleRetryDelay):
		}
		err = w.sink.Settle(ctx, jobID, ref)
	}
	return err
}
