// Package worker pulls generation job ids off the Redis queue and drives
// each through the attempt controller.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"content-governance/internal/budget"
	"content-governance/internal/errcodes"
	"content-governance/internal/generation"
	"content-governance/internal/models"
)

// Queue is the lease-based dispatch the processor consumes.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	Reschedule(ctx context.Context, jobID string, runAt time.Time) error
	RecordFailure(ctx context.Context, jobID string) (int, error)
	DeadLetter(ctx context.Context, jobID string) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
}

// Driver runs a job to a terminal outcome.
type Driver interface {
	Job(ctx context.Context, jobID string) (models.GenerationJob, error)
	Drive(ctx context.Context, jobID string) (budget.Outcome, error)
}

// Limiter throttles attempts per site. Take returns zero when the attempt
// may start, otherwise how long to wait.
type Limiter interface {
	Take(ctx context.Context, siteID string) (time.Duration, error)
}

// Metrics receives worker outcomes.
type Metrics interface {
	Succeeded()
	Failed()
	DeadLettered()
	RateLimited()
	QueueDepth(n int64)
	InFlight(delta int)
}

type nopMetrics struct{}

func (nopMetrics) Succeeded()       {}
func (nopMetrics) Failed()          {}
func (nopMetrics) DeadLettered()    {}
func (nopMetrics) RateLimited()     {}
func (nopMetrics) QueueDepth(int64) {}
func (nopMetrics) InFlight(int)     {}

// Config tunes the loop.
type Config struct {
	PollInterval       time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ScheduledBatchSize int
	// Lease is the visibility timeout; a running drive renews it every Lease/2.
	Lease time.Duration
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      Config
	queue    Queue
	driver   Driver
	limiter  Limiter
	metrics  Metrics
	logger   *slog.Logger
	workerID string
	now      func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

func WithLimiter(l Limiter) Option { return func(p *Processor) { p.limiter = l } }

func WithMetrics(m Metrics) Option { return func(p *Processor) { p.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

func WithWorkerID(id string) Option { return func(p *Processor) { p.workerID = id } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func NewProcessor(cfg Config, q Queue, d Driver, opts ...Option) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	p := &Processor{
		cfg:     cfg,
		queue:   q,
		driver:  d,
		metrics: nopMetrics{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("worker_id", p.workerID)
	return p
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.Tick(ctx)
		if err != nil {
			p.logger.WarnContext(ctx, "queue unavailable", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Tick performs one round of housekeeping and handles at most one job.
// It reports whether a job was dequeued.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		return false, err
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		p.logger.WarnContext(ctx, "reclaim expired leases", "error", err)
	}
	if len(reclaimed) > 0 {
		p.logger.WarnContext(ctx, "reclaimed expired leases", "job_ids", reclaimed)
		p.metrics.InFlight(-len(reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		p.metrics.QueueDepth(depth)
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		return false, err
	}
	p.metrics.InFlight(1)
	defer p.metrics.InFlight(-1)
	p.handle(ctx, jobID)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) {
	log := p.logger.With("job_id", jobID)

	if p.limiter != nil {
		job, err := p.driver.Job(ctx, jobID)
		if err != nil {
			p.fail(ctx, jobID, err)
			return
		}
		wait, err := p.limiter.Take(ctx, job.SiteID)
		if err != nil {
			log.WarnContext(ctx, "rate limiter unavailable, proceeding", "error", err)
		} else if wait > 0 {
			p.metrics.RateLimited()
			log.InfoContext(ctx, "site rate limited, deferring", "site_id", job.SiteID, "wait", wait)
			p.reschedule(ctx, jobID, wait)
			return
		}
	}

	stop := p.heartbeat(ctx, jobID)
	out, err := p.driver.Drive(ctx, jobID)
	stop()
	if err == nil {
		p.ack(ctx, jobID)
		p.metrics.Succeeded()
		log.InfoContext(ctx, "job finished",
			"state", out.Job.State, "attempts", out.Attempts, "total_cost_usd", out.Job.TotalCostUSD)
		return
	}
	p.fail(ctx, jobID, err)
}

// heartbeat keeps the lease alive while a drive runs. Generation with
// in-drive retries can outlast a single visibility timeout.
func (p *Processor) heartbeat(ctx context.Context, jobID string) func() {
	if p.cfg.Lease <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(p.cfg.Lease / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.queue.ExtendLease(ctx, jobID, p.cfg.Lease); err != nil {
					p.logger.WarnContext(ctx, "extend lease", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// fail decides between dropping, dead-lettering and rescheduling a job.
func (p *Processor) fail(ctx context.Context, jobID string, err error) {
	log := p.logger.With("job_id", jobID)
	code, coded := errcodes.CodeOf(err)

	switch {
	case errors.Is(err, context.Canceled):
		// Lease expiry hands the job to another worker.
		return
	case coded && code == errcodes.StateJobNotFound:
		log.WarnContext(ctx, "job no longer exists, dropping")
		p.ack(ctx, jobID)
		return
	case coded && isProviderCode(code) && !generation.Retryable(err):
		log.ErrorContext(ctx, "provider rejected job, dead-lettering", "error", err)
		p.deadLetter(ctx, jobID)
		return
	}

	p.metrics.Failed()
	attempts, rerr := p.queue.RecordFailure(ctx, jobID)
	if rerr != nil {
		log.ErrorContext(ctx, "record failure", "error", rerr)
	}
	if attempts >= p.cfg.MaxAttempts {
		log.ErrorContext(ctx, "job exceeded system retries, dead-lettering", "attempts", attempts, "error", err)
		p.deadLetter(ctx, jobID)
		return
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	log.WarnContext(ctx, "job failed, rescheduling", "attempts", attempts, "backoff", backoff, "error", err)
	p.reschedule(ctx, jobID, backoff)
}

// ack and reschedule only log errors: the job stays leased and lease expiry
// hands it back to the queue.
func (p *Processor) ack(ctx context.Context, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		p.logger.ErrorContext(ctx, "ack", "job_id", jobID, "error", err)
	}
}

func (p *Processor) reschedule(ctx context.Context, jobID string, after time.Duration) {
	if err := p.queue.Reschedule(ctx, jobID, p.now().Add(after)); err != nil {
		p.logger.ErrorContext(ctx, "reschedule", "job_id", jobID, "after", after, "error", err)
	}
}

func (p *Processor) deadLetter(ctx context.Context, jobID string) {
	if err := p.queue.DeadLetter(ctx, jobID); err != nil {
		p.logger.ErrorContext(ctx, "dead-letter", "job_id", jobID, "error", err)
	}
	p.metrics.DeadLettered()
}

func isProviderCode(code errcodes.Code) bool {
	switch code {
	case errcodes.SystemGenerationUnavailable, errcodes.SystemEmbeddingUnavailable, errcodes.SystemEmbeddingDimension:
		return true
	}
	return false
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
