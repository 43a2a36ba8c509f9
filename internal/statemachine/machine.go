package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"content-governance/internal/errcodes"
	"content-governance/internal/id"
	"content-governance/internal/models"
	"content-governance/internal/store"
)

// JobStore persists jobs with compare-and-swap on Version.
type JobStore interface {
	CreateJob(ctx context.Context, job models.GenerationJob) error
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	SaveJob(ctx context.Context, job models.GenerationJob, expectedVersion int64) error
}

// Hook observes committed transitions.
type Hook func(job models.GenerationJob, record models.TransitionRecord)

const defaultCASAttempts = 5

// Machine enforces legal transitions for generation jobs. Every write is a
// read-check-write guarded by the job's version, so two concurrent callers
// can never both commit conflicting transitions.
type Machine struct {
	store       JobStore
	logger      *slog.Logger
	now         func() time.Time
	hooks       []Hook
	casAttempts int
}

// Option configures a Machine.
type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithHook(h Hook) Option {
	return func(m *Machine) { m.hooks = append(m.hooks, h) }
}

func New(s JobStore, opts ...Option) *Machine {
	m := &Machine{
		store:       s,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		casAttempts: defaultCASAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewJobParams describes a job to initialize.
type NewJobParams struct {
	PageID     string
	SiteID     string
	MaxRetries int
	MaxCostUSD float64
}

// Init creates a job in DRAFT.
func (m *Machine) Init(ctx context.Context, p NewJobParams) (models.GenerationJob, error) {
	now := m.now()
	job := models.GenerationJob{
		ID:         id.New(),
		PageID:     p.PageID,
		SiteID:     p.SiteID,
		State:      models.StateDraft,
		MaxRetries: p.MaxRetries,
		MaxCostUSD: p.MaxCostUSD,
		History:    []models.TransitionRecord{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return models.GenerationJob{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("create job: %w", err))
	}
	m.logger.InfoContext(ctx, "job created", "job_id", job.ID, "page_id", job.PageID, "state", job.State)
	return job, nil
}

// Get loads a job. A missing job is a STATE_002 precondition error.
func (m *Machine) Get(ctx context.Context, jobID string) (models.GenerationJob, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return models.GenerationJob{}, errcodes.Wrap(errcodes.StateJobNotFound, fmt.Errorf("job %s: %w", jobID, err))
	}
	if err != nil {
		return models.GenerationJob{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("load job %s: %w", jobID, err))
	}
	return job, nil
}

// CanTransitionTo checks target against the job's current state without writing.
func (m *Machine) CanTransitionTo(ctx context.Context, jobID string, target models.JobState) (models.GenerationJob, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return models.GenerationJob{}, err
	}
	return job, CanTransition(job.State, target)
}

type transition struct {
	errorCode    errcodes.Code
	errorMessage string
	costDelta    float64
	retry        bool
	prompt       string
}

// TransitionOption attaches bookkeeping that commits atomically with the transition.
type TransitionOption func(*transition)

// WithError records an error code on the history entry. The job's own
// error fields are only set when the target is FAILED or POSTCHECK_FAILED.
func WithError(code errcodes.Code, message string) TransitionOption {
	return func(t *transition) {
		t.errorCode = code
		t.errorMessage = message
	}
}

// WithCost accrues the cost of the attempt that is leaving PROCESSING.
func WithCost(usd float64) TransitionOption {
	return func(t *transition) { t.costDelta = usd }
}

// WithRetry counts the attempt as a retry and stamps last_retry_at.
func WithRetry() TransitionOption {
	return func(t *transition) { t.retry = true }
}

// WithPrompt fixes the prompt when entering PROMPT_LOCKED.
func WithPrompt(prompt string) TransitionOption {
	return func(t *transition) { t.prompt = prompt }
}

// TransitionTo moves the job to target and appends one history entry.
// Illegal transitions return STATE_001 or STATE_004 and leave the job untouched.
func (m *Machine) TransitionTo(ctx context.Context, jobID string, target models.JobState, reason string, opts ...TransitionOption) (models.GenerationJob, error) {
	var t transition
	for _, opt := range opts {
		opt(&t)
	}
	if t.costDelta < 0 || math.IsNaN(t.costDelta) {
		return models.GenerationJob{}, fmt.Errorf("transition %s: cost delta must be non-negative, got %v", jobID, t.costDelta)
	}

	for attempt := 0; attempt < m.casAttempts; attempt++ {
		current, err := m.Get(ctx, jobID)
		if err != nil {
			return models.GenerationJob{}, err
		}
		if err := CanTransition(current.State, target); err != nil {
			m.logger.WarnContext(ctx, "transition rejected",
				"job_id", jobID, "from_state", current.State, "to_state", target, "error", err)
			return current, err
		}

		next := current.Clone()
		now := m.now()
		if last, ok := current.LastTransition(); ok && !now.After(last.At) {
			now = last.At.Add(time.Nanosecond)
		}
		record := models.TransitionRecord{
			Seq:       id.Seq(),
			From:      current.State,
			To:        target,
			At:        now,
			Reason:    reason,
			ErrorCode: t.errorCode,
		}
		next.History = append(next.History, record)
		next.State = target
		next.Version = current.Version + 1
		next.UpdatedAt = now
		if t.costDelta > 0 {
			next.TotalCostUSD = roundUSD(next.TotalCostUSD + t.costDelta)
		}
		if t.retry {
			next.RetryCount++
			next.LastRetryAt = &now
		}
		if t.prompt != "" && target == models.StatePromptLocked {
			next.Prompt = t.prompt
		}
		if target == models.StateFailed || target == models.StatePostcheckFailed {
			next.ErrorCode = t.errorCode
			next.ErrorMessage = t.errorMessage
			if next.ErrorMessage == "" && t.errorCode != "" {
				if ec, ok := errcodes.Lookup(t.errorCode); ok {
					next.ErrorMessage = ec.Message
				}
			}
		}

		err = m.store.SaveJob(ctx, next, current.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			m.logger.DebugContext(ctx, "transition lost version race, retrying",
				"job_id", jobID, "version", current.Version, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return current, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("save job %s: %w", jobID, err))
		}

		m.logger.InfoContext(ctx, "job transitioned",
			"job_id", jobID, "from_state", record.From, "to_state", record.To, "reason", reason,
			"error_code", record.ErrorCode, "retry_count", next.RetryCount, "total_cost_usd", next.TotalCostUSD)
		for _, h := range m.hooks {
			h(next, record)
		}
		return next, nil
	}
	return models.GenerationJob{}, errcodes.Newf(errcodes.StateConcurrentModification,
		"job %s changed %d times while transitioning to %s", jobID, m.casAttempts, target)
}

// Update mutates non-state fields of a job outside of a transition.
// It is rejected with STATE_004 while the job is locked. State, history,
// identity and version are not editable, and accrued cost never decreases.
func (m *Machine) Update(ctx context.Context, jobID string, mutate func(*models.GenerationJob)) (models.GenerationJob, error) {
	for attempt := 0; attempt < m.casAttempts; attempt++ {
		current, err := m.Get(ctx, jobID)
		if err != nil {
			return models.GenerationJob{}, err
		}
		if IsLocked(current.State) {
			return current, errcodes.Newf(errcodes.StateLocked, "job %s is %s", jobID, current.State)
		}
		next := current.Clone()
		mutate(&next)
		next.ID, next.PageID, next.State = current.ID, current.PageID, current.State
		next.History = current.History
		next.CreatedAt = current.CreatedAt
		if next.TotalCostUSD < current.TotalCostUSD {
			next.TotalCostUSD = current.TotalCostUSD
		}
		next.Version = current.Version + 1
		next.UpdatedAt = m.now()

		err = m.store.SaveJob(ctx, next, current.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return current, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("save job %s: %w", jobID, err))
		}
		return next, nil
	}
	return models.GenerationJob{}, errcodes.Newf(errcodes.StateConcurrentModification, "job %s changed while updating", jobID)
}

// Apply executes an inbound transition request and renders the outcome.
// Business failures are reported in the response; only a missing job or a
// store failure is returned as an error.
func (m *Machine) Apply(ctx context.Context, jobID string, req models.StateTransitionRequest) (models.StateTransitionResponse, error) {
	var opts []TransitionOption
	if req.ErrorCode != "" {
		opts = append(opts, WithError(req.ErrorCode, ""))
	}
	before, err := m.Get(ctx, jobID)
	if err != nil {
		return models.StateTransitionResponse{}, err
	}
	after, err := m.TransitionTo(ctx, jobID, req.TargetState, req.Reason, opts...)
	switch {
	case err == nil:
		prev := after.History[len(after.History)-1].From
		return Respond(after, &prev, nil), nil
	case errcodes.Is(err, errcodes.StateIllegalTransition), errcodes.Is(err, errcodes.StateLocked),
		errcodes.Is(err, errcodes.StateConcurrentModification):
		if after.ID == "" {
			after = before
		}
		return Respond(after, nil, err), nil
	default:
		return models.StateTransitionResponse{}, err
	}
}

// Respond renders a StateTransitionResponse for job.
func Respond(job models.GenerationJob, previous *models.JobState, err error) models.StateTransitionResponse {
	resp := models.StateTransitionResponse{
		Success:            err == nil,
		CurrentState:       job.State,
		PreviousState:      previous,
		AllowedTransitions: AllowedTransitions(job.State),
	}
	if err != nil {
		var coded *errcodes.Error
		if errors.As(err, &coded) {
			payload := coded.Payload()
			resp.Error = &payload
		} else {
			payload := errcodes.Must(errcodes.SystemStoreUnavailable)
			resp.Error = &payload
		}
	}
	return resp
}

func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
