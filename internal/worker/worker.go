package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/image-job-worker/internal/metrics"
	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// JobStore is the queue side of the job table.
type JobStore interface {
	ClaimJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	RecoverStaleJobs(ctx context.Context, staleBefore time.Time, maxRetries int) (int64, error)
	UpdateJobHeartbeats(ctx context.Context, jobIDs []string) error
}

// ResultSink persists job outcomes. Complete returns the permanent output
// reference, also when storing it failed; Settle stores such a reference again.
type ResultSink interface {
	Complete(ctx context.Context, job *domain.Job, artifact *domain.Artifact) (string, error)
	Settle(ctx context.Context, jobID, outputRef string) error
	Fail(ctx context.Context, jobID, message string) error
	Requeue(ctx context.Context, jobID string, retryCount int, message string, retryAfter time.Time) error
}

// Provider is an external image producer.
type Provider interface {
	Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResult, error)
}

// Fetcher downloads a job's input image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*domain.Artifact, error)
}

// Notifier delivers outcome notifications. Implementations log their own
// failures; nothing is returned to the scheduler.
type Notifier interface {
	NotifySuccess(ctx context.Context, meta domain.Meta)
	NotifyFailure(ctx context.Context, meta domain.Meta, reason string)
}

// UsageRecorder stores provider usage. Best-effort like Notifier.
type UsageRecorder interface {
	Record(ctx context.Context, event domain.UsageEvent)
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     JobStore
	Sink      ResultSink
	Fetcher   Fetcher
	Providers map[domain.ProviderClass]Provider
	Notifier  Notifier
	Usage     UsageRecorder // optional
	Metrics   *metrics.Metrics

	EditPool    Pool
	EnhancePool Pool

	PollInterval      time.Duration
	BatchSize         int
	MaxRetries        int
	StaleAfter        time.Duration // 0 disables stale recovery
	HeartbeatInterval time.Duration // 0 disables heartbeats
	CallTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Backoff           *Backoff

	// SettleAttempts bounds the completion writes made inline for one job
	// (default 3), SettleRetryDelay is the pause between them (default 1s).
	SettleAttempts   int
	SettleRetryDelay time.Duration

	Now func() time.Time
}

// Worker polls the job table and drives each claimed job to an outcome.
type Worker struct {
	logger    *slog.Logger
	store     JobStore
	sink      ResultSink
	fetcher   Fetcher
	providers map[domain.ProviderClass]Provider
	notifier  Notifier
	usage     UsageRecorder
	metrics   *metrics.Metrics

	pools map[domain.ProviderClass]Pool

	pollInterval      time.Duration
	batchSize         int
	maxRetries        int
	staleAfter        time.Duration
	heartbeatInterval time.Duration
	callTimeout       time.Duration
	shutdownTimeout   time.Duration
	backoff           *Backoff
	settleAttempts    int
	settleRetryDelay  time.Duration
	now               func() time.Time

	// job id -> output reference of completions not yet stored
	unsettledMu sync.Mutex
	unsettled   map[string]string

	cycles   sync.WaitGroup
	cycleSeq atomic.Int64
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	settleAttempts := cfg.SettleAttempts
	if settleAttempts <= 0 {
		settleAttempts = 3
	}
	settleRetryDelay := cfg.SettleRetryDelay
	if settleRetryDelay <= 0 {
		settleRetryDelay = time.Second
	}
	return &Worker{
		logger:    cfg.Logger,
		store:     cfg.Store,
		sink:      cfg.Sink,
		fetcher:   cfg.Fetcher,
		providers: cfg.Providers,
		notifier:  cfg.Notifier,
		usage:     cfg.Usage,
		metrics:   cfg.Metrics,
		pools: map[domain.ProviderClass]Pool{
			domain.ClassEditImage:    cfg.EditPool,
			domain.ClassEnhanceImage: cfg.EnhancePool,
		},
		pollInterval:      cfg.PollInterval,
		batchSize:         cfg.BatchSize,
		maxRetries:        cfg.MaxRetries,
		staleAfter:        cfg.StaleAfter,
		heartbeatInterval: cfg.HeartbeatInterval,
		callTimeout:       cfg.CallTimeout,
		shutdownTimeout:   cfg.ShutdownTimeout,
		backoff:           cfg.Backoff,
		settleAttempts:    settleAttempts,
		settleRetryDelay:  settleRetryDelay,
		now:               now,
		unsettled:         map[string]string{},
	}
}

// ErrShutdownTimeout is returned by Start when in-flight cycles outlive the
// shutdown timeout.
var ErrShutdownTimeout = errors.New("timed out waiting for in-flight jobs")

// Start runs a cycle immediately and then one per poll interval until ctx is
// canceled. A cycle that is still running when the next tick fires keeps
// running; the atomic claim keeps overlapping cycles from sharing jobs.
// After cancellation Start waits for in-flight cycles, which run detached
// from ctx, for at most the shutdown timeout.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("batch_size", w.batchSize),
		slog.Int("max_retries", w.maxRetries),
	)

	w.launchCycle(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, waiting for in-flight jobs")
			return w.drain()
		case <-ticker.C:
			w.launchCycle(ctx)
		}
	}
}

func (w *Worker) launchCycle(ctx context.Context) {
	w.cycles.Add(1)
	go func() {
		defer w.cycles.Done()
		w.RunCycle(context.WithoutCancel(ctx))
	}()
}

func (w *Worker) drain() error {
	done := make(chan struct{})
	go func() {
		w.cycles.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-time.After(w.shutdownTimeout):
		w.logger.Error("Worker stopped with jobs still in flight",
			slog.Duration("shutdown_timeout", w.shutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// CycleSummary reports what a single cycle did.
type CycleSummary struct {
	Claimed   int
	ByClass   map[domain.ProviderClass]int
	Completed int
	Requeued  int
	Failed    int
	Recovered int64
	Duration  time.Duration
	ClaimErr  error
}

func (s *CycleSummary) add(o outcome) {
	switch o {
	case outcomeCompleted:
		s.Completed++
	case outcomeRequeued:
		s.Requeued++
	case outcomeFailed:
		s.Failed++
	}
}

// RunCycle performs one claim-and-dispatch pass and blocks until every claimed
// job is resolved.
func (w *Worker) RunCycle(ctx context.Context) CycleSummary {
	seq := w.cycleSeq.Add(1)
	start := w.now()
	logger := w.logger.With(slog.Int64("cycle", seq))
	summary := CycleSummary{ByClass: map[domain.ProviderClass]int{}}

	w.settleDeferred(ctx, logger)

	if w.staleAfter > 0 {
		n, err := w.store.RecoverStaleJobs(ctx, start.Add(-w.staleAfter), w.maxRetries)
		if err != nil {
			logger.Warn("Stale job recovery failed", slog.Any("error", err))
		} else if n > 0 {
			logger.Warn("Recovered stale in-flight jobs", slog.Int64("count", n))
			summary.Recovered = n
			w.metrics.StaleRecovered(n)
		}
	}

	jobs, err := w.store.ClaimJobs(ctx, w.batchSize)
	if err != nil {
		logger.Error("Failed to claim jobs, skipping cycle", slog.Any("error", err))
		summary.ClaimErr = err
		w.metrics.CycleFinished("claim_error", 0, 0)
		return summary
	}
	if len(jobs) == 0 {
		logger.Debug("No pending jobs")
		w.metrics.CycleFinished("empty", 0, 0)
		return summary
	}

	summary.Claimed = len(jobs)
	partitions := map[domain.ProviderClass][]*domain.Job{}
	for _, job := range jobs {
		class := job.Class()
		partitions[class] = append(partitions[class], job)
		summary.ByClass[class]++
	}

	logger.Info("Claimed jobs",
		slog.Int("count", len(jobs)),
		slog.Int(string(domain.ClassEditImage), summary.ByClass[domain.ClassEditImage]),
		slog.Int(string(domain.ClassEnhanceImage), summary.ByClass[domain.ClassEnhanceImage]),
	)

	// Claimed jobs keep a live heartbeat from claim until resolved, also
	// while they wait for a pool slot.
	leases := newLeaseSet(jobs)
	stopLeases := w.keepLeases(ctx, logger, leases)
	defer stopLeases()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(ctx context.Context, job *domain.Job) {
		o := w.processJob(ctx, job)
		leases.release(job.ID)
		mu.Lock()
		summary.add(o)
		mu.Unlock()
	}

	for class, batch := range partitions {
		pool, ok := w.pools[class]
		if !ok || pool == nil {
			// Unsupported services resolve without touching a provider.
			for _, job := range batch {
				record(ctx, job)
			}
			continue
		}

		wg.Add(1)
		go func(pool Pool, batch []*domain.Job) {
			defer wg.Done()
			pool.Run(ctx, batch, record)
		}(pool, batch)
	}
	wg.Wait()

	summary.Duration = w.now().Sub(start)
	w.metrics.CycleFinished("processed", summary.Claimed, summary.Duration)

	logger.Info("Cycle finished",
		slog.Int("claimed", summary.Claimed),
		slog.Int("completed", summary.Completed),
		slog.Int("requeued", summary.Requeued),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", summary.Duration),
	)
	return summary
}
