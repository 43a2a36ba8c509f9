package models

import (
	"time"

	"content-governance/internal/errcodes"
)

// JobState enumerates generation job lifecycle states persisted in Postgres.
type JobState string

const (
	StateDraft             JobState = "DRAFT"
	StatePreflightApproved JobState = "PREFLIGHT_APPROVED"
	StatePromptLocked      JobState = "PROMPT_LOCKED"
	StateProcessing        JobState = "PROCESSING"
	StatePostcheckPassed   JobState = "POSTCHECK_PASSED"
	StatePostcheckFailed   JobState = "POSTCHECK_FAILED"
	StateCompleted         JobState = "COMPLETED"
	StateFailed            JobState = "FAILED"
)

// AllJobStates lists every state in lifecycle order.
var AllJobStates = []JobState{
	StateDraft,
	StatePreflightApproved,
	StatePromptLocked,
	StateProcessing,
	StatePostcheckPassed,
	StatePostcheckFailed,
	StateCompleted,
	StateFailed,
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	for _, known := range AllJobStates {
		if s == known {
			return true
		}
	}
	return false
}

// TransitionRecord is one immutable history entry.
type TransitionRecord struct {
	Seq       int64         `json:"seq"`
	From      JobState      `json:"from_state"`
	To        JobState      `json:"to_state"`
	At        time.Time     `json:"timestamp"`
	Reason    string        `json:"reason"`
	ErrorCode errcodes.Code `json:"error_code,omitempty"`
}

// GenerationJob tracks one content page through generation attempts.
type GenerationJob struct {
	ID           string             `json:"id"`
	PageID       string             `json:"page_id"`
	SiteID       string             `json:"site_id"`
	State        JobState           `json:"state"`
	Prompt       string             `json:"prompt,omitempty"`
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	MaxCostUSD   float64            `json:"max_cost_usd"`
	LastRetryAt  *time.Time         `json:"last_retry_at,omitempty"`
	History      []TransitionRecord `json:"transition_history"`
	ErrorCode    errcodes.Code      `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Version      int64              `json:"version"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared history.
func (j GenerationJob) Clone() GenerationJob {
	out := j
	if j.History != nil {
		out.History = make([]TransitionRecord, len(j.History))
		copy(out.History, j.History)
	}
	if j.LastRetryAt != nil {
		t := *j.LastRetryAt
		out.LastRetryAt = &t
	}
	return out
}

// LastTransition returns the most recent history entry, if any.
func (j GenerationJob) LastTransition() (TransitionRecord, bool) {
	if len(j.History) == 0 {
		return TransitionRecord{}, false
	}
	return j.History[len(j.History)-1], true
}

// StateTransitionRequest is the inbound transition command.
type StateTransitionRequest struct {
	TargetState JobState      `json:"target_state"`
	Reason      string        `json:"reason,omitempty"`
	ErrorCode   errcodes.Code `json:"error_code,omitempty"`
}

// StateTransitionResponse is the outbound transition outcome.
type StateTransitionResponse struct {
	Success            bool                `json:"success"`
	CurrentState       JobState            `json:"current_state"`
	PreviousState      *JobState           `json:"previous_state,omitempty"`
	Error              *errcodes.ErrorCode `json:"error,omitempty"`
	AllowedTransitions []JobState          `json:"allowed_transitions"`
}
