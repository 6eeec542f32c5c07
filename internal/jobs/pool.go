package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Harvey-AU/podcore/internal/notifications"
	"github.com/Harvey-AU/podcore/internal/observability"
	"github.com/Harvey-AU/podcore/internal/queue"
)

// Batch is one claim of jobs held under row locks until Commit or Rollback.
type Batch interface {
	Jobs() []queue.Job
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, messages []string, backoff queue.Backoff) (int, error)
	Disable(ctx context.Context, id int64) error
	Commit() error
	Rollback() error
}

// Source hands out batches of due jobs.
type Source interface {
	Claim(ctx context.Context, limit int) (Batch, error)
}

type storeSource struct {
	store *queue.Store
}

// StoreSource adapts a queue.Store to Source.
func StoreSource(store *queue.Store) Source {
	return storeSource{store: store}
}

func (s storeSource) Claim(ctx context.Context, limit int) (Batch, error) {
	return s.store.ClaimDue(ctx, limit)
}

// Alerter receives threshold crossings.
type Alerter interface {
	JobThresholdExceeded(ctx context.Context, alert notifications.JobAlert) error
}

// Config holds worker pool settings.
type Config struct {
	Concurrency     int
	BatchSize       int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	JobTimeout      time.Duration
	ErrorThreshold  int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		BatchSize:       10,
		PollInterval:    time.Second,
		MaxPollInterval: 30 * time.Second,
		JobTimeout:      5 * time.Minute,
		ErrorThreshold:  10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(d.MaxPollInterval, c.PollInterval)
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	return c
}

// Option customises a Pool.
type Option func(*Pool)

// WithBackoff replaces the retry policy.
func WithBackoff(b queue.Backoff) Option {
	return func(p *Pool) { p.backoff = b }
}

// WithAlerter sets where threshold alerts go.
func WithAlerter(a Alerter) Option {
	return func(p *Pool) { p.alerter = a }
}

// Pool runs claimed jobs on a fixed number of executors.
type Pool struct {
	source   Source
	registry *Registry
	cfg      Config
	backoff  queue.Backoff
	alerter  Alerter

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewPool creates a pool. The registry is frozen.
func NewPool(source Source, registry *Registry, cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	registry.Freeze()

	p := &Pool{
		source:   source,
		registry: registry,
		cfg:      cfg,
		backoff:  queue.DefaultBackoff,
		notifyCh: make(chan struct{}, cfg.Concurrency),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Start launches the executors in the background.
func (p *Pool) Start(ctx context.Context) {
	log.Info().
		Int("concurrency", p.cfg.Concurrency).
		Int("batch_size", p.cfg.BatchSize).
		Strs("kinds", p.registry.Names()).
		Msg("Starting worker pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Worker pool exited")
		}
	}()
}

// Run blocks until ctx is cancelled or Stop is called.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		executorID := i
		g.Go(func() error {
			return p.executor(gctx, executorID)
		})
	}
	return g.Wait()
}

// Stop stops claiming, lets in-flight jobs finish, and waits for the
// executors to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		log.Debug().Msg("Stopping worker pool")
		p.stopping.Store(true)
		close(p.stopCh)
	})
	p.wg.Wait()
	log.Debug().Msg("Worker pool stopped")
}

// Notify wakes sleeping executors. It never blocks.
func (p *Pool) Notify() {
	for i := 0; i < cap(p.notifyCh); i++ {
		select {
		case p.notifyCh <- struct{}{}:
		default:
			return
		}
	}
}

func (p *Pool) done(ctx context.Context) bool {
	return p.stopping.Load() || ctx.Err() != nil
}

func (p *Pool) executor(ctx context.Context, executorID int) error {
	log.Debug().Int("executor_id", executorID).Msg("Starting executor")

	idle := 0
	for {
		if p.done(ctx) {
			return nil
		}

		n, err := p.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Int("executor_id", executorID).Msg("Claim cycle failed")
		}
		if err == nil && n > 0 {
			idle = 0
			continue
		}

		sleep := p.pollDelay(idle)
		idle++
		if idle == 1 || idle%10 == 0 {
			log.Debug().Int("executor_id", executorID).Dur("sleep", sleep).Msg("Waiting for due jobs")
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-p.notifyCh:
			idle = 0
		case <-p.stopCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
		timer.Stop()
	}
}

// pollDelay is PollInterval * 1.5^idle, capped at MaxPollInterval.
func (p *Pool) pollDelay(idle int) time.Duration {
	d := time.Duration(float64(p.cfg.PollInterval) * math.Pow(1.5, float64(min(idle, 10))))
	if d > p.cfg.MaxPollInterval {
		d = p.cfg.MaxPollInterval
	}
	return d
}

// RunOnce claims one batch, runs it and commits the outcomes. It returns the
// number of jobs that ran.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	// The claim transaction must survive shutdown long enough to record the
	// outcomes of jobs that already ran.
	claimCtx := context.WithoutCancel(ctx)

	batch, err := p.source.Claim(claimCtx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}

	claimed := batch.Jobs()
	if len(claimed) == 0 {
		return 0, batch.Rollback()
	}
	observability.RecordClaimed(ctx, len(claimed))

	ran := 0
	for _, job := range claimed {
		if p.done(ctx) {
			log.Debug().
				Int("released", len(claimed)-ran).
				Msg("Releasing unstarted jobs on shutdown")
			break
		}
		if err := p.process(ctx, claimCtx, batch, job); err != nil {
			if rbErr := batch.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Msg("Failed to roll back claim")
			}
			return ran, err
		}
		ran++
	}

	if err := batch.Commit(); err != nil {
		return ran, err
	}
	return ran, nil
}

// Drain runs claim cycles until nothing is due.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := p.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// process runs one job and records its outcome on the batch. Only a failure
// to record is returned.
func (p *Pool) process(ctx, recordCtx context.Context, batch Batch, job queue.Job) error {
	spanCtx, span := observability.StartJobSpan(ctx, observability.JobSpanInfo{
		JobID:     job.ID,
		Name:      job.Name,
		NumErrors: job.NumErrors,
	})
	defer span.End()

	start := time.Now()
	runErr := p.execute(spanCtx, job)
	duration := time.Since(start)

	logger := log.With().Int64("job_id", job.ID).Str("job_name", job.Name).Logger()

	if runErr == nil {
		if err := batch.Complete(recordCtx, job.ID); err != nil {
			return fmt.Errorf("failed to complete job %d: %w", job.ID, err)
		}
		observability.RecordJob(ctx, observability.JobMetrics{Name: job.Name, Outcome: "success", Duration: duration})
		logger.Debug().Dur("duration", duration).Msg("Job completed")
		return nil
	}

	span.RecordError(runErr)
	messages := ErrorChain(runErr)

	numErrors, err := batch.Fail(recordCtx, job.ID, messages, p.backoff)
	if err != nil {
		return fmt.Errorf("failed to record failure of job %d: %w", job.ID, err)
	}

	if IsPermanent(runErr) {
		if err := batch.Disable(recordCtx, job.ID); err != nil {
			return fmt.Errorf("failed to disable job %d: %w", job.ID, err)
		}
		observability.RecordJob(ctx, observability.JobMetrics{Name: job.Name, Outcome: "permanent", Duration: duration})
		logger.Error().Err(runErr).Int("num_errors", numErrors).Msg("Job failed permanently, disabled")
		captureJobError(job, numErrors, runErr)
		return nil
	}

	observability.RecordJob(ctx, observability.JobMetrics{Name: job.Name, Outcome: "failure", Duration: duration})
	logger.Warn().Err(runErr).Int("num_errors", numErrors).Msg("Job failed, will retry")

	var pe *panicError
	if errors.As(runErr, &pe) {
		captureJobError(job, numErrors, runErr)
	}
	if numErrors == p.cfg.ErrorThreshold {
		p.thresholdExceeded(recordCtx, job, numErrors, messages)
	}
	return nil
}

// execute decodes and runs the handler under the job timeout. Panics become
// errors carrying the stack.
func (p *Pool) execute(ctx context.Context, job queue.Job) error {
	run, err := p.registry.Prepare(job)
	if err != nil {
		return err
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r, stack: string(debug.Stack())}
			}
		}()
		done <- run(jobCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("job exceeded timeout of %s: %w", p.cfg.JobTimeout, err)
		}
		return err
	case <-jobCtx.Done():
		return fmt.Errorf("job exceeded timeout of %s: %w", p.cfg.JobTimeout, jobCtx.Err())
	}
}

func (p *Pool) thresholdExceeded(ctx context.Context, job queue.Job, numErrors int, messages []string) {
	log.Warn().
		Int64("job_id", job.ID).
		Str("job_name", job.Name).
		Int("num_errors", numErrors).
		Int("threshold", p.cfg.ErrorThreshold).
		Msg("Job error threshold exceeded")

	observability.RecordThresholdExceeded(ctx, job.Name)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_name", job.Name)
		scope.SetExtra("job_id", job.ID)
		scope.SetExtra("num_errors", numErrors)
		sentry.CaptureMessage(fmt.Sprintf("Job %d (%s) exceeded %d errors", job.ID, job.Name, p.cfg.ErrorThreshold))
	})

	if p.alerter == nil {
		return
	}
	alert := notifications.JobAlert{
		JobID:     job.ID,
		Name:      job.Name,
		NumErrors: numErrors,
		Errors:    messages,
	}
	if err := p.alerter.JobThresholdExceeded(ctx, alert); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to send threshold alert")
	}
}

func captureJobError(job queue.Job, numErrors int, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_name", job.Name)
		scope.SetExtra("job_id", job.ID)
		scope.SetExtra("num_errors", numErrors)
		sentry.CaptureException(err)
	})
}
