package statemachine

import (
	"slices"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

// legalEdges lists every permitted target per state, in the order reported
// as allowed_transitions. COMPLETED has no outgoing edges.
var legalEdges = map[models.JobState][]models.JobState{
	models.StateDraft:             {models.StatePreflightApproved, models.StateFailed},
	models.StatePreflightApproved: {models.StatePromptLocked, models.StateFailed},
	models.StatePromptLocked:      {models.StateProcessing, models.StateFailed},
	models.StateProcessing:        {models.StatePostcheckPassed, models.StatePostcheckFailed, models.StateFailed},
	models.StatePostcheckPassed:   {models.StateCompleted, models.StateFailed},
	models.StatePostcheckFailed:   {models.StateDraft, models.StateFailed},
	models.StateCompleted:         {},
	models.StateFailed:            {models.StateDraft},
}

// AllowedTransitions returns the legal targets from s.
func AllowedTransitions(s models.JobState) []models.JobState {
	return slices.Clone(legalEdges[s])
}

// IsLocked reports whether s forbids field mutation outside of a transition.
func IsLocked(s models.JobState) bool {
	return s == models.StatePromptLocked || s == models.StateProcessing
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s models.JobState) bool {
	edges, ok := legalEdges[s]
	return ok && len(edges) == 0
}

// CanTransition checks the edge from -> to. It returns nil when the edge is
// legal, STATE_004 when a locked state is asked for an illegal target, and
// STATE_001 otherwise.
func CanTransition(from, to models.JobState) error {
	if !from.Valid() || !to.Valid() {
		return errcodes.Newf(errcodes.StateIllegalTransition, "unknown state in %s -> %s", from, to)
	}
	if slices.Contains(legalEdges[from], to) {
		return nil
	}
	if IsLocked(from) {
		return errcodes.Newf(errcodes.StateLocked, "%s is locked; only %v may follow", from, legalEdges[from]).
			WithDetail("from_state", from).
			WithDetail("to_state", to)
	}
	return errcodes.Newf(errcodes.StateIllegalTransition, "%s -> %s", from, to).
		WithDetail("from_state", from).
		WithDetail("to_state", to)
}
