package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeRequeued  outcome = "requeued"
	outcomeFailed    outcome = "failed"
)

// processJob runs fetch -> provider -> persist -> notify for one claimed job
// and always leaves it resolved. It never returns an error; every failure is
// turned into a requeue or a terminal failure.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) (result outcome) {
	class := string(job.Class())
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("service", job.Service),
		slog.Int("retry_count", job.RetryCount),
	)

	start := w.now()
	w.metrics.JobStarted(class)
	defer func() {
		w.metrics.JobFinished(class, string(result), w.now().Sub(start))
	}()

	if w.heartbeatInterval > 0 {
		if err := w.store.UpdateJobHeartbeats(ctx, []string{job.ID}); err != nil {
			logger.Warn("Failed to update job heartbeat", slog.Any("error", err))
		}
	}

	logger.Info("Processing job")

	artifact, err := w.executeSafely(ctx, logger, job)
	if err != nil {
		return w.handleFailure(ctx, logger, job, err)
	}
	return w.handleSuccess(ctx, logger, job, artifact)
}

func (w *Worker) executeSafely(ctx context.Context, logger *slog.Logger, job *domain.Job) (artifact *domain.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job pipeline panicked", slog.String("stack", string(debug.Stack())))
			artifact, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()
	return w.execute(ctx, job)
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) (*domain.Artifact, error) {
	provider, ok := w.providers[job.Class()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedService, job.Service)
	}

	input, err := w.fetcher.Fetch(ctx, job.InputImageURL)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, w.callTimeout)
	}
	defer cancel()

	started := w.now()
	result, err := provider.Generate(callCtx, &domain.GenerateRequest{Job: job, Input: input})
	elapsed := w.now().Sub(started)

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("provider call timeout after %s: %w", w.callTimeout, err)
	}

	if w.usage != nil && result != nil {
		w.usage.Record(ctx, domain.UsageEvent{
			JobID:    job.ID,
			UserID:   job.UserID,
			Service:  job.Service,
			RoomType: job.RoomType.String,
			Style:    job.Style.String,
			Model:    result.Model,
			Usage:    result.Usage,
			Duration: elapsed,
			Success:  err == nil,
		})
	}

	if err != nil {
		return nil, err
	}
	if result == nil || result.Artifact == nil {
		return nil, domain.ErrNoImage
	}
	return result.Artifact, nil
}

// handleSuccess persists and notifies. The job is never turned into a failure
// afterwards: a completion that cannot be stored after the inline retries is
// deferred to later cycles and keeps its heartbeat meanwhile.
// A job that already left processing belongs to another run, which notifies.
func (w *Worker) handleSuccess(ctx context.Context, logger *slog.Logger, job *domain.Job, artifact *domain.Artifact) outcome {
	ref, err := w.sink.Complete(ctx, job, artifact)
	if ref != "" {
		err = w.settle(ctx, job.ID, ref, err)
	}
	switch {
	case errors.Is(err, domain.ErrJobNotInFlight):
		logger.Warn("Job no longer in flight, result discarded")
		return outcomeCompleted
	case err != nil && ref != "":
		w.deferCompletion(job.ID, ref)
		logger.Error("Failed to persist completed job, completion deferred", slog.Any("error", err))
	case err != nil:
		logger.Error("Failed to persist completed job", slog.Any("error", err))
	default:
		logger.Info("Job completed", slog.String("output", ref))
	}

	meta := domain.MetaOf(job)
	meta.OutputURL = ref
	w.notifier.NotifySuccess(ctx, meta)
	return outcomeCompleted
}

// handleFailure requeues a transient failure while attempts remain and fails
// the job otherwise. attempt counts the run that just failed.
func (w *Worker) handleFailure(ctx context.Context, logger *slog.Logger, job *domain.Job, cause error) outcome {
	class := Classify(cause)
	attempt := job.RetryCount + 1

	if class == Transient && attempt < w.maxRetries {
		delay := w.backoff.Delay(job.RetryCount)
		message := fmt.Sprintf("[attempt %d/%d] %s", attempt, w.maxRetries, cause)

		if err := w.sink.Requeue(ctx, job.ID, attempt, message, w.now().Add(delay)); err != nil {
			logger.Error("Failed to requeue job", slog.Any("error", err))
		}
		logger.Warn("Job failed, requeued",
			slog.String("reason", cause.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
		)
		return outcomeRequeued
	}

	message := fmt.Sprintf("[permanent failure after %d attempt(s)] %s", attempt, cause)
	if err := w.sink.Fail(ctx, job.ID, message); err != nil {
		logger.Error("Failed to mark job failed", slog.Any("error", err))
	}
	logger.Error("Job failed",
		slog.String("reason", cause.Error()),
		slog.String("classification", class.String()),
		slog.Int("attempts", attempt),
	)

	w.notifier.NotifyFailure(ctx, domain.MetaOf(job), cause.Error())
	return outcomeFailed
}
