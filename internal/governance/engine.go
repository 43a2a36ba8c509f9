// Package governance is the entry point external callers use: it ties
// preflight, the job state machine, the attempt controller, reservations and
// the publish gates together.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content-governance/internal/budget"
	"content-governance/internal/errcodes"
	"content-governance/internal/gates"
	"content-governance/internal/models"
	"content-governance/internal/preflight"
	"content-governance/internal/reservation"
	"content-governance/internal/statemachine"
	"content-governance/internal/store"
)

// Pages is the page persistence the engine needs.
type Pages interface {
	GetPage(ctx context.Context, id string) (models.ContentPage, error)
	SetPageStatus(ctx context.Context, id string, status models.PageStatus) error
	PutGovernanceCheck(ctx context.Context, pageID string, stage models.GovernanceStage, check models.StageCheck) error
}

// JobIndex finds the job generating a page.
type JobIndex interface {
	GetJobByPage(ctx context.Context, pageID string) (models.GenerationJob, error)
}

// Limits are the per-job budget defaults applied to new jobs.
type Limits struct {
	MaxRetries int
	MaxCostUSD float64
}

// Deps are the engine's collaborators.
type Deps struct {
	Machine      *statemachine.Machine
	Validator    *preflight.Validator
	Controller   *budget.Controller
	Reservations *reservation.Manager
	Pages        Pages
	Jobs         JobIndex
	Publish      *gates.Composer
	Limits       Limits
	Logger       *slog.Logger
	Now          func() time.Time
}

type Engine struct {
	machine      *statemachine.Machine
	validator    *preflight.Validator
	controller   *budget.Controller
	reservations *reservation.Manager
	pages        Pages
	jobs         JobIndex
	publish      *gates.Composer
	limits       Limits
	logger       *slog.Logger
	now          func() time.Time
}

func New(d Deps) *Engine {
	e := &Engine{
		machine:      d.Machine,
		validator:    d.Validator,
		controller:   d.Controller,
		reservations: d.Reservations,
		pages:        d.Pages,
		jobs:         d.Jobs,
		publish:      d.Publish,
		limits:       d.Limits,
		logger:       d.Logger,
		now:          d.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Submission is the outcome of Submit.
type Submission struct {
	Validation models.ValidationResult `json:"validation"`
	Job        *models.GenerationJob   `json:"job,omitempty"`
}

// Submit validates a payload. For a concrete page (not a proposal) it also
// finds or creates the page's job and, when validation passed, moves it from
// DRAFT to PREFLIGHT_APPROVED.
func (e *Engine) Submit(ctx context.Context, p models.ValidationPayload) (Submission, error) {
	res, err := e.validator.Validate(ctx, p)
	if err != nil {
		return Submission{}, err
	}
	sub := Submission{Validation: res}
	if p.IsProposal || p.PageID == "" {
		return sub, nil
	}

	job, err := e.jobForPage(ctx, p.PageID, p.SiteID)
	if err != nil {
		return sub, err
	}
	if res.Passed && job.State == models.StateDraft {
		job, err = e.machine.TransitionTo(ctx, job.ID, models.StatePreflightApproved, "preflight passed")
		if err != nil {
			return sub, err
		}
	}
	sub.Job = &job
	return sub, nil
}

func (e *Engine) jobForPage(ctx context.Context, pageID, siteID string) (models.GenerationJob, error) {
	job, err := e.jobs.GetJobByPage(ctx, pageID)
	if err == nil && job.State != models.StateCompleted {
		return job, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.GenerationJob{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("find job for page %s: %w", pageID, err))
	}
	return e.machine.Init(ctx, statemachine.NewJobParams{
		PageID:     pageID,
		SiteID:     siteID,
		MaxRetries: e.limits.MaxRetries,
		MaxCostUSD: e.limits.MaxCostUSD,
	})
}

// Drive runs a job's attempts until it completes or exhausts its budget.
func (e *Engine) Drive(ctx context.Context, jobID string) (budget.Outcome, error) {
	return e.controller.Run(ctx, jobID)
}

// Job returns a job by id.
func (e *Engine) Job(ctx context.Context, jobID string) (models.GenerationJob, error) {
	return e.machine.Get(ctx, jobID)
}

// Transition applies an external transition request.
func (e *Engine) Transition(ctx context.Context, jobID string, req models.StateTransitionRequest) (models.StateTransitionResponse, error) {
	return e.machine.Apply(ctx, jobID, req)
}

// Publish authorizes the published status for a page whose job completed.
// The publish gate outcome is recorded under the published stage either way;
// the page becomes published only when every gate passed, otherwise blocked.
func (e *Engine) Publish(ctx context.Context, pageID string) (models.AllGatesResult, error) {
	page, err := e.page(ctx, pageID)
	if err != nil {
		return models.AllGatesResult{}, err
	}
	job, err := e.jobs.GetJobByPage(ctx, pageID)
	if errors.Is(err, store.ErrNotFound) {
		return models.AllGatesResult{}, errcodes.Newf(errcodes.StateJobNotFound, "no generation job for page %s", pageID)
	}
	if err != nil {
		return models.AllGatesResult{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("find job for page %s: %w", pageID, err))
	}
	if job.State != models.StateCompleted {
		return models.AllGatesResult{}, errcodes.Newf(errcodes.StateIllegalTransition,
			"job %s is %s, publishing requires %s", job.ID, job.State, models.StateCompleted).
			WithDetail("job_id", job.ID)
	}

	res := e.publish.CheckAll(ctx, page)
	check := models.StageCheck{
		Passed:    res.AllGatesPassed,
		Reason:    res.Reason(),
		CheckedAt: e.now(),
		Details:   map[string]any{"job_id": job.ID, "failed_gates": res.FailedGates},
	}
	if err := e.pages.PutGovernanceCheck(ctx, pageID, models.StagePublished, check); err != nil {
		return res, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("record published check: %w", err))
	}

	// A failed re-check never demotes a published or decommissioned page.
	status := page.Status
	switch {
	case res.AllGatesPassed:
		status = models.PagePublished
	case page.Status != models.PagePublished && page.Status != models.PageDecommissioned:
		status = models.PageBlocked
	}
	if status != page.Status {
		if err := e.pages.SetPageStatus(ctx, pageID, status); err != nil {
			return res, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("set page status: %w", err))
		}
	}
	e.logger.InfoContext(ctx, "publish evaluated",
		"page_id", pageID, "job_id", job.ID, "status", status, "failed_gates", res.FailedGates)

	if res.AllGatesPassed {
		e.fulfilReservation(ctx, page)
	}
	return res, nil
}

func (e *Engine) fulfilReservation(ctx context.Context, page models.ContentPage) {
	holder, err := e.reservations.CheckConflict(ctx, page.SiteID, page.Title, page.Location)
	if err != nil {
		e.logger.WarnContext(ctx, "reservation lookup failed", "page_id", page.ID, "error", err)
		return
	}
	if holder == nil {
		return
	}
	if err := e.reservations.Fulfill(ctx, holder.ID); err != nil {
		e.logger.WarnContext(ctx, "reservation fulfilment failed", "reservation_id", holder.ID, "error", err)
		return
	}
	e.logger.InfoContext(ctx, "reservation fulfilled", "reservation_id", holder.ID, "page_id", page.ID)
}

// Decommission retires a published page and records the decommission stage.
func (e *Engine) Decommission(ctx context.Context, pageID, reason string) error {
	page, err := e.page(ctx, pageID)
	if err != nil {
		return err
	}
	if page.Status != models.PagePublished {
		return errcodes.Newf(errcodes.GatePublishStatus, "page %s is %s, only published pages can be decommissioned", pageID, page.Status).
			WithDetail("status", page.Status)
	}
	check := models.StageCheck{Passed: true, Reason: reason, CheckedAt: e.now()}
	if err := e.pages.PutGovernanceCheck(ctx, pageID, models.StageDecommission, check); err != nil {
		return errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("record decommission check: %w", err))
	}
	if err := e.pages.SetPageStatus(ctx, pageID, models.PageDecommissioned); err != nil {
		return errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("set page status: %w", err))
	}
	e.logger.InfoContext(ctx, "page decommissioned", "page_id", pageID, "reason", reason)
	return nil
}

func (e *Engine) page(ctx context.Context, pageID string) (models.ContentPage, error) {
	page, err := e.pages.GetPage(ctx, pageID)
	if errors.Is(err, store.ErrNotFound) {
		return models.ContentPage{}, fmt.Errorf("page %s: %w", pageID, err)
	}
	if err != nil {
		return models.ContentPage{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("load page %s: %w", pageID, err))
	}
	return page, nil
}

// Reserve locks a content intent.
func (e *Engine) Reserve(ctx context.Context, req reservation.Request) (models.ContentReservation, error) {
	return e.reservations.Reserve(ctx, req)
}

// Release drops a reservation.
func (e *Engine) Release(ctx context.Context, id string) error {
	return e.reservations.Release(ctx, id)
}

// CheckConflict reports the active reservation for an intent, if any.
func (e *Engine) CheckConflict(ctx context.Context, siteID, title, location string) (*models.ContentReservation, error) {
	return e.reservations.CheckConflict(ctx, siteID, title, location)
}

// SweepReservations removes expired reservations.
func (e *Engine) SweepReservations(ctx context.Context) (int64, error) {
	return e.reservations.CleanupExpired(ctx)
}
