package models

import (
	"encoding/json"
	"time"

	"content-governance/internal/errcodes"
)

// ContentReservation locks a content intent for a site while it is planned.
type ContentReservation struct {
	ID          string     `json:"id"`
	SiteID      string     `json:"site_id"`
	IntentHash  string     `json:"intent_hash"`
	Location    string     `json:"location"`
	ExpiresAt   time.Time  `json:"expires_at"`
	FulfilledAt *time.Time `json:"fulfilled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ActiveAt reports whether the reservation still occupies its intent key at now.
func (r ContentReservation) ActiveAt(now time.Time) bool {
	return r.FulfilledAt == nil && now.Before(r.ExpiresAt)
}

// GateCheckResult is the outcome of a single gate.
type GateCheckResult struct {
	Passed   bool                 `json:"passed"`
	Reason   string               `json:"reason"`
	Code     errcodes.Code        `json:"code,omitempty"`
	Details  map[string]any       `json:"details,omitempty"`
	Warnings []errcodes.ErrorCode `json:"warnings,omitempty"`
}

// NamedGateResult pairs a gate name with its result, in evaluation order.
type NamedGateResult struct {
	Gate   string          `json:"gate"`
	Result GateCheckResult `json:"result"`
}

// AllGatesResult is the AND-composition of an ordered gate list.
type AllGatesResult struct {
	AllGatesPassed bool              `json:"all_gates_passed"`
	Results        []NamedGateResult `json:"-"`
	FailedGates    []string          `json:"failed_gates"`
}

// Reason returns the reason of the first failed gate, or "" when all passed.
func (r AllGatesResult) Reason() string {
	for _, name := range r.FailedGates {
		if res, ok := r.Result(name); ok {
			return res.Reason
		}
	}
	return ""
}

// PrimaryCode returns the code of the first failed gate.
func (r AllGatesResult) PrimaryCode() errcodes.Code {
	for _, name := range r.FailedGates {
		if res, ok := r.Result(name); ok {
			return res.Code
		}
	}
	return ""
}

// Result looks up a gate's result by name.
func (r AllGatesResult) Result(name string) (GateCheckResult, bool) {
	for _, nr := range r.Results {
		if nr.Gate == name {
			return nr.Result, true
		}
	}
	return GateCheckResult{}, false
}

// Warnings collects warnings from every gate in evaluation order.
func (r AllGatesResult) Warnings() []errcodes.ErrorCode {
	var out []errcodes.ErrorCode
	for _, nr := range r.Results {
		out = append(out, nr.Result.Warnings...)
	}
	return out
}

// MarshalJSON renders results as an object whose keys keep evaluation order.
func (r AllGatesResult) MarshalJSON() ([]byte, error) {
	buf := []byte(`{"all_gates_passed":`)
	passed, err := json.Marshal(r.AllGatesPassed)
	if err != nil {
		return nil, err
	}
	buf = append(buf, passed...)
	buf = append(buf, `,"results":{`...)
	for i, nr := range r.Results {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(nr.Gate)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(nr.Result)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, `},"failed_gates":`...)
	failed := r.FailedGates
	if failed == nil {
		failed = []string{}
	}
	fg, err := json.Marshal(failed)
	if err != nil {
		return nil, err
	}
	buf = append(buf, fg...)
	reason, err := json.Marshal(r.Reason())
	if err != nil {
		return nil, err
	}
	buf = append(buf, `,"reason":`...)
	buf = append(buf, reason...)
	buf = append(buf, '}')
	return buf, nil
}

// ValidationPayload is the inbound pre-generation validation request.
type ValidationPayload struct {
	PageID     string    `json:"page_id"`
	SiteID     string    `json:"site_id"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	SiloID     string    `json:"silo_id,omitempty"`
	Keyword    string    `json:"keyword,omitempty"`
	Location   string    `json:"location,omitempty"`
	IsProposal bool      `json:"is_proposal"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// ValidationResult is the outbound pre-generation validation outcome.
type ValidationResult struct {
	Passed         bool                 `json:"passed"`
	Errors         []errcodes.ErrorCode `json:"errors"`
	Warnings       []errcodes.ErrorCode `json:"warnings"`
	ResultingState JobState             `json:"resulting_state"`
}
