package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// JobFunc runs one job pipeline. It must resolve the job itself; pools only
// schedule it.
type JobFunc func(ctx context.Context, job *domain.Job)

// Pool runs a batch of jobs under some concurrency discipline and returns
// once every job in the batch has finished.
type Pool interface {
	Run(ctx context.Context, jobs []*domain.Job, fn JobFunc)
}

// BoundedPool runs at most N pipelines at once. Admission is FIFO: jobs start
// in submission order, and batches submitted by overlapping cycles queue
// behind each other on the same semaphore.
type BoundedPool struct {
	sem    *semaphore.Weighted
	size   int64
	logger *slog.Logger
}

// NewBoundedPool creates a pool with n slots.
func NewBoundedPool(n int, logger *slog.Logger) *BoundedPool {
	if n < 1 {
		n = 1
	}
	return &BoundedPool{
		sem:    semaphore.NewWeighted(int64(n)),
		size:   int64(n),
		logger: logger,
	}
}

// Size returns the number of concurrent slots.
func (p *BoundedPool) Size() int {
	return int(p.size)
}

// Run blocks until every job has run. Acquisition ignores cancellation of ctx
// so a claimed job is never dropped.
func (p *BoundedPool) Run(ctx context.Context, jobs []*domain.Job, fn JobFunc) {
	acquireCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, job := range jobs {
		if err := p.sem.Acquire(acquireCtx, 1); err != nil {
			// unreachable with a non-cancelable context
			p.logger.Error("Failed to acquire pool slot", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}

		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			defer p.sem.Release(1)
			safeRun(ctx, p.logger, job, fn)
		}(job)
	}
	wg.Wait()
}

// PacedPool runs one pipeline at a time and leaves at least MinDelay between
// the end of one pipeline and the start of the next, whatever the outcome.
// The spacing also holds across batches from overlapping cycles.
type PacedPool struct {
	minDelay time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastDone time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewPacedPool creates a sequential pool with the given spacing.
func NewPacedPool(minDelay time.Duration, logger *slog.Logger) *PacedPool {
	return &PacedPool{
		minDelay: minDelay,
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Run processes jobs in order, one at a time.
func (p *PacedPool) Run(ctx context.Context, jobs []*domain.Job, fn JobFunc) {
	for _, job := range jobs {
		p.runOne(ctx, job, fn)
	}
}

func (p *PacedPool) runOne(ctx context.Context, job *domain.Job, fn JobFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastDone.IsZero() {
		if wait := p.lastDone.Add(p.minDelay).Sub(p.now()); wait > 0 {
			p.sleep(wait)
		}
	}

	defer func() { p.lastDone = p.now() }()
	safeRun(ctx, p.logger, job, fn)
}

func safeRun(ctx context.Context, logger *slog.Logger, job *domain.Job, fn JobFunc) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job pipeline panicked",
				slog.String("job_id", job.ID),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(ctx, job)
}
