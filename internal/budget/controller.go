// Package budget drives generation jobs through bounded, cost-capped attempts.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"content-governance/internal/artifact"
	"content-governance/internal/errcodes"
	"content-governance/internal/gates"
	"content-governance/internal/generation"
	"content-governance/internal/models"
	"content-governance/internal/statemachine"
)

const tracerName = "content-governance/budget"

// PageStore is the slice of page persistence the controller needs.
type PageStore interface {
	GetPage(ctx context.Context, id string) (models.ContentPage, error)
	UpdatePageContent(ctx context.Context, id, bodyHTML string, embedding []float32) error
	PutGovernanceCheck(ctx context.Context, pageID string, stage models.GovernanceStage, check models.StageCheck) error
}

// Observer receives controller events for metrics.
type Observer interface {
	CostAccrued(siteID string, usd float64)
	BudgetExhausted(code errcodes.Code)
	AttemptFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) CostAccrued(string, float64)  {}
func (nopObserver) BudgetExhausted(errcodes.Code) {}
func (nopObserver) AttemptFinished(string)        {}

// Controller runs the attempt loop for one job at a time. It is safe for
// concurrent use on different jobs; concurrent drives of the same job are
// serialized by the state machine's version check.
type Controller struct {
	machine   *statemachine.Machine
	pages     PageStore
	pre       *gates.Composer
	post      *gates.Composer
	generator generation.Generator
	embedder  generation.Embedder
	artifacts artifact.Uploader
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	backoff   func(attempt int) time.Duration
	tracer    trace.Tracer
}

type Option func(*Controller)

func WithArtifacts(u artifact.Uploader) Option {
	return func(c *Controller) { c.artifacts = u }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithBackoff sets the pause before the given (1-based) retry attempt.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(c *Controller) { c.backoff = fn }
}

// WithTracerProvider draws spans from tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) { c.tracer = tp.Tracer(tracerName) }
}

// Deps are the required collaborators.
type Deps struct {
	Machine   *statemachine.Machine
	Pages     PageStore
	Pre       *gates.Composer
	Post      *gates.Composer
	Generator generation.Generator
	Embedder  generation.Embedder
}

func New(d Deps, opts ...Option) *Controller {
	c := &Controller{
		machine:   d.Machine,
		pages:     d.Pages,
		pre:       d.Pre,
		post:      d.Post,
		generator: d.Generator,
		embedder:  d.Embedder,
		observer:  nopObserver{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		backoff:   func(int) time.Duration { return 0 },
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exhausted reports whether job may not start another attempt. The cost
// ceiling is checked first so a job that crosses both reports the cost.
// A zero ceiling counts as unset; configuration never produces one.
func Exhausted(job models.GenerationJob) (errcodes.Code, bool) {
	if job.MaxCostUSD > 0 && job.TotalCostUSD >= job.MaxCostUSD {
		return errcodes.AICostLimitExceeded, true
	}
	if job.RetryCount >= job.MaxRetries {
		return errcodes.AIMaxRetryExceeded, true
	}
	return "", false
}

// Outcome summarizes a Run.
type Outcome struct {
	Job      models.GenerationJob   `json:"job"`
	Attempts int                    `json:"attempts"`
	Gates    *models.AllGatesResult `json:"gates,omitempty"`
}

// Completed reports whether the job reached its success state.
func (o Outcome) Completed() bool {
	return o.Job.State == models.StateCompleted
}

// Run drives jobID until it completes or its budget is exhausted. Business
// failures end with the job in FAILED and a nil error. An error is returned
// for a missing job, store failures and non-retryable provider errors.
func (c *Controller) Run(ctx context.Context, jobID string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "budget.run", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	out, err := c.run(ctx, jobID)
	span.SetAttributes(
		attribute.String("final_state", string(out.Job.State)),
		attribute.Int("attempts", out.Attempts),
		attribute.Float64("total_cost_usd", out.Job.TotalCostUSD),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (c *Controller) run(ctx context.Context, jobID string) (Outcome, error) {
	var out Outcome
	job, err := c.machine.Get(ctx, jobID)
	if err != nil {
		return out, err
	}
	out.Job = job

	// Completing a job whose checks passed starts no attempt.
	switch job.State {
	case models.StateCompleted:
		return out, nil
	case models.StatePostcheckPassed:
		out.Job, err = c.complete(ctx, job)
		return out, err
	}
	if c.generator == nil || c.embedder == nil {
		return out, errcodes.New(errcodes.SystemGenerationUnavailable, "no generation provider configured").
			WithDetail("retryable", false)
	}

	for {
		out.Job = job
		if job.State == models.StateCompleted {
			return out, nil
		}
		if code, exhausted := Exhausted(job); exhausted {
			job, err = c.failTerminally(ctx, job, code)
			out.Job = job
			return out, err
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		switch job.State {
		case models.StateFailed, models.StatePostcheckFailed:
			if job, err = c.machine.TransitionTo(ctx, job.ID, models.StateDraft, "retry within budget"); err != nil {
				return out, err
			}
		case models.StatePostcheckPassed:
			out.Job, err = c.complete(ctx, job)
			return out, err
		case models.StatePromptLocked, models.StateProcessing:
			return out, errcodes.Newf(errcodes.StateLocked, "job %s has an attempt in flight (%s)", job.ID, job.State)
		}

		if out.Attempts > 0 {
			if err := c.pause(ctx, out.Attempts); err != nil {
				return out, err
			}
		}
		out.Attempts++
		var res attemptResult
		job, res, err = c.attempt(ctx, job, out.Attempts)
		out.Job = job
		if res.gates != nil {
			out.Gates = res.gates
		}
		c.observer.AttemptFinished(res.outcome)
		if err != nil {
			if generation.Retryable(err) {
				c.logger.WarnContext(ctx, "provider unavailable, retrying within budget",
					"job_id", job.ID, "attempt", out.Attempts, "error", err)
				continue
			}
			return out, err
		}
	}
}

func (c *Controller) pause(ctx context.Context, attempt int) error {
	d := c.backoff(attempt)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// failTerminally moves the job to FAILED with the budget code. A job that is
// already FAILED keeps its state and only has its error fields replaced.
func (c *Controller) failTerminally(ctx context.Context, job models.GenerationJob, code errcodes.Code) (models.GenerationJob, error) {
	c.observer.BudgetExhausted(code)
	c.logger.WarnContext(ctx, "budget exhausted",
		"job_id", job.ID, "error_code", code, "retry_count", job.RetryCount, "max_retries", job.MaxRetries,
		"total_cost_usd", job.TotalCostUSD, "max_cost_usd", job.MaxCostUSD)
	msg := errcodes.Must(code).Message
	if job.State == models.StateFailed {
		return c.machine.Update(ctx, job.ID, func(j *models.GenerationJob) {
			j.ErrorCode = code
			j.ErrorMessage = msg
		})
	}
	return c.machine.TransitionTo(ctx, job.ID, models.StateFailed, "budget exhausted", statemachine.WithError(code, msg))
}

type attemptResult struct {
	outcome string
	gates   *models.AllGatesResult
}

// attempt runs one pre-check, generate, post-check cycle starting from DRAFT
// or PREFLIGHT_APPROVED. Cost and retry bookkeeping commit together with the
// transition out of PROCESSING.
func (c *Controller) attempt(ctx context.Context, job models.GenerationJob, n int) (models.GenerationJob, attemptResult, error) {
	ctx, span := c.tracer.Start(ctx, "budget.attempt", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.Int("attempt", n),
		attribute.Int("retry_count", job.RetryCount),
	))
	defer span.End()

	page, err := c.pages.GetPage(ctx, job.PageID)
	if err != nil {
		return job, attemptResult{outcome: "error"}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("load page %s: %w", job.PageID, err))
	}

	preRes := c.pre.CheckAll(ctx, page)
	if !preRes.AllGatesPassed {
		span.SetAttributes(attribute.StringSlice("failed_gates", preRes.FailedGates))
		c.logger.InfoContext(ctx, "pre-generation gates failed",
			"job_id", job.ID, "attempt", n, "failed_gates", preRes.FailedGates, "reason", preRes.Reason())
		now := c.now()
		job, err = c.machine.Update(ctx, job.ID, func(j *models.GenerationJob) {
			j.RetryCount++
			j.LastRetryAt = &now
		})
		return job, attemptResult{outcome: "pre_gates_failed", gates: &preRes}, err
	}

	if job.State == models.StateDraft {
		if job, err = c.machine.TransitionTo(ctx, job.ID, models.StatePreflightApproved, "pre-generation gates passed"); err != nil {
			return job, attemptResult{outcome: "error"}, err
		}
	}
	prompt := generation.Prompt(page)
	if job, err = c.machine.TransitionTo(ctx, job.ID, models.StatePromptLocked, "prompt locked", statemachine.WithPrompt(prompt)); err != nil {
		return job, attemptResult{outcome: "error"}, err
	}
	if job, err = c.machine.TransitionTo(ctx, job.ID, models.StateProcessing, fmt.Sprintf("attempt %d", n)); err != nil {
		return job, attemptResult{outcome: "error"}, err
	}

	gen, err := c.generator.Generate(ctx, generation.Request{JobID: job.ID, PageID: page.ID, Prompt: job.Prompt})
	cost := gen.CostUSD
	if err != nil {
		return c.failAttempt(ctx, span, job, page.ID, n, cost, errcodes.SystemGenerationUnavailable, err)
	}

	text, err := gates.VisibleText(gen.Text)
	if err != nil {
		text = gen.Text
	}
	emb, err := c.embedder.Embed(ctx, text)
	cost += emb.CostUSD
	if err != nil {
		code := errcodes.SystemEmbeddingUnavailable
		if coded, ok := errcodes.CodeOf(err); ok {
			code = coded
		}
		return c.failAttempt(ctx, span, job, page.ID, n, cost, code, err)
	}
	span.SetAttributes(attribute.Float64("attempt_cost_usd", cost))

	location := c.storeArtifact(ctx, job.ID, n, gen.Text)
	if err := c.pages.UpdatePageContent(ctx, page.ID, gen.Text, emb.Vector); err != nil {
		return c.failAttempt(ctx, span, job, page.ID, n, cost, errcodes.SystemStoreUnavailable, err)
	}
	c.observer.CostAccrued(job.SiteID, cost)
	page.BodyHTML = gen.Text
	page.Embedding = emb.Vector
	c.writeStage(ctx, page.ID, models.StageDuringGeneration, models.StageCheck{
		Passed:    true,
		Reason:    "draft generated",
		CheckedAt: c.now(),
		Details: map[string]any{
			"attempt":  n,
			"model":    gen.Model,
			"cost_usd": cost,
			"artifact": location,
		},
	})

	postRes := c.post.CheckAll(ctx, page)
	c.writeStage(ctx, page.ID, models.StagePostGeneration, models.StageCheck{
		Passed:    postRes.AllGatesPassed,
		Reason:    postRes.Reason(),
		CheckedAt: c.now(),
		Details:   map[string]any{"attempt": n, "failed_gates": postRes.FailedGates},
	})
	if !postRes.AllGatesPassed {
		span.SetAttributes(attribute.StringSlice("failed_gates", postRes.FailedGates))
		job, err = c.machine.TransitionTo(ctx, job.ID, models.StatePostcheckFailed, postRes.Reason(),
			statemachine.WithCost(cost),
			statemachine.WithRetry(),
			statemachine.WithError(postRes.PrimaryCode(), postRes.Reason()),
		)
		return job, attemptResult{outcome: "post_gates_failed", gates: &postRes}, err
	}

	if job, err = c.machine.TransitionTo(ctx, job.ID, models.StatePostcheckPassed, "post-generation gates passed", statemachine.WithCost(cost)); err != nil {
		return job, attemptResult{outcome: "error", gates: &postRes}, err
	}
	job, err = c.complete(ctx, job)
	return job, attemptResult{outcome: "completed", gates: &postRes}, err
}

func (c *Controller) complete(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error) {
	return c.machine.TransitionTo(ctx, job.ID, models.StateCompleted, "generation completed")
}

// failAttempt records a collaborator failure: the job leaves PROCESSING for
// FAILED with the attempt's cost and one retry consumed.
func (c *Controller) failAttempt(ctx context.Context, span trace.Span, job models.GenerationJob, pageID string, n int, cost float64, code errcodes.Code, cause error) (models.GenerationJob, attemptResult, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(code))
	if cost > 0 {
		c.observer.CostAccrued(job.SiteID, cost)
	}
	c.writeStage(ctx, pageID, models.StageDuringGeneration, models.StageCheck{
		Passed:    false,
		Reason:    cause.Error(),
		CheckedAt: c.now(),
		Details:   map[string]any{"attempt": n, "error_code": code, "cost_usd": cost},
	})
	failed, err := c.machine.TransitionTo(ctx, job.ID, models.StateFailed, "attempt failed: "+string(code),
		statemachine.WithCost(cost),
		statemachine.WithRetry(),
		statemachine.WithError(code, cause.Error()),
	)
	if err != nil {
		return job, attemptResult{outcome: "error"}, errors.Join(cause, err)
	}
	var coded *errcodes.Error
	if !errors.As(cause, &coded) || coded.Code != code {
		cause = errcodes.Wrap(code, cause).WithDetail("retryable", generation.IsRetryable(ctx, cause))
	}
	return failed, attemptResult{outcome: "provider_failed"}, cause
}

func (c *Controller) storeArtifact(ctx context.Context, jobID string, n int, body string) string {
	if c.artifacts == nil {
		return ""
	}
	loc, err := c.artifacts.Upload(ctx, artifact.AttemptKey(jobID, n), []byte(body), "text/html; charset=utf-8")
	if err != nil {
		c.logger.WarnContext(ctx, "artifact upload failed", "job_id", jobID, "attempt", n, "error", err)
		return ""
	}
	return loc
}

func (c *Controller) writeStage(ctx context.Context, pageID string, stage models.GovernanceStage, check models.StageCheck) {
	if err := c.pages.PutGovernanceCheck(ctx, pageID, stage, check); err != nil {
		c.logger.WarnContext(ctx, "governance check write failed", "page_id", pageID, "stage", stage, "error", err)
	}
}
