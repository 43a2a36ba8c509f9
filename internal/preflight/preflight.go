// Package preflight validates a content intent before any generation work starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"content-governance/internal/errcodes"
	"content-governance/internal/gates"
	"content-governance/internal/geo"
	"content-governance/internal/models"
	"content-governance/internal/silo"
	"content-governance/internal/store"
)

var (
	pathPattern    = regexp.MustCompile(`^/[a-z0-9]+(?:[-/][a-z0-9]+)*/?$`)
	keywordPattern = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} '&-]*$`)
)

const (
	maxKeywordLength = 100
	maxKeywordWords  = 10
)

// SiteDirectory reads sites and their silos.
type SiteDirectory interface {
	GetSite(ctx context.Context, id string) (models.Site, error)
	ListSilos(ctx context.Context, siteID string) ([]models.Silo, error)
}

// ReservationChecker looks up the active reservation of an intent.
type ReservationChecker interface {
	CheckConflict(ctx context.Context, siteID, title, location string) (*models.ContentReservation, error)
}

// StageWriter records the pre_generation governance check.
type StageWriter interface {
	PutGovernanceCheck(ctx context.Context, pageID string, stage models.GovernanceStage, check models.StageCheck) error
}

// Policy holds the structural limits.
type Policy struct {
	MinTitleLength int
	MaxTitleLength int
	MaxPathLength  int
	MinSilos       int
	MaxSilos       int
}

func DefaultPolicy() Policy {
	return Policy{MinTitleLength: 10, MaxTitleLength: 120, MaxPathLength: 200, MinSilos: 3, MaxSilos: 7}
}

// Validator runs the pre-generation checks. Business failures are reported in
// the result; only collaborator failures are returned as errors.
type Validator struct {
	sites        SiteDirectory
	intents      *gates.IntentChecker
	reservations ReservationChecker
	stages       StageWriter
	policy       Policy
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Validator)

// WithIntentChecker enables cannibalization checks for payloads carrying an embedding.
func WithIntentChecker(c *gates.IntentChecker) Option {
	return func(v *Validator) { v.intents = c }
}

func WithReservations(r ReservationChecker) Option {
	return func(v *Validator) { v.reservations = r }
}

func WithStageWriter(w StageWriter) Option {
	return func(v *Validator) { v.stages = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func New(sites SiteDirectory, policy Policy, opts ...Option) *Validator {
	v := &Validator{
		sites:  sites,
		policy: policy,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks p. Proposals are evaluated without recording a stage check.
func (v *Validator) Validate(ctx context.Context, p models.ValidationPayload) (models.ValidationResult, error) {
	res := models.ValidationResult{Errors: []errcodes.ErrorCode{}, Warnings: []errcodes.ErrorCode{}}
	fail := func(code errcodes.Code) { res.Errors = append(res.Errors, errcodes.Must(code)) }

	v.checkPath(p.Path, fail)
	v.checkTitle(p.Title, fail)
	if p.Keyword != "" && !validKeyword(p.Keyword) {
		fail(errcodes.KeywordInvalid)
	}

	siteKnown := true
	if _, err := v.sites.GetSite(ctx, p.SiteID); errors.Is(err, store.ErrNotFound) || p.SiteID == "" {
		siteKnown = false
		fail(errcodes.SiteNotFound)
	} else if err != nil {
		return models.ValidationResult{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("load site %s: %w", p.SiteID, err))
	}

	if siteKnown {
		silos, err := v.sites.ListSilos(ctx, p.SiteID)
		if err != nil {
			return models.ValidationResult{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("list silos for %s: %w", p.SiteID, err))
		}
		idx := silo.NewIndex(silos)
		if hubs := idx.HubCount(p.SiteID); hubs < v.policy.MinSilos || hubs > v.policy.MaxSilos {
			fail(errcodes.SiloCountInvalid)
		}
		if p.SiloID != "" && !idx.BelongsTo(p.SiloID, p.SiteID) {
			fail(errcodes.SiloNotInSite)
		}

		if v.intents != nil && len(p.Embedding) > 0 {
			subject := geo.Subject{ID: p.PageID, Title: p.Title, Path: p.Path, Location: p.Location}
			outcome, err := v.intents.Check(ctx, p.SiteID, subject, p.Embedding)
			if err != nil {
				return models.ValidationResult{}, fmt.Errorf("intent check: %w", err)
			}
			if outcome.Blocked {
				fail(outcome.Code)
			}
			res.Warnings = append(res.Warnings, outcome.Warnings()...)
		}

		if v.reservations != nil {
			holder, err := v.reservations.CheckConflict(ctx, p.SiteID, p.Title, p.Location)
			if err != nil {
				return models.ValidationResult{}, err
			}
			if holder != nil {
				// A non-proposal page may be the fulfilment of that reservation.
				if p.IsProposal {
					fail(errcodes.ReservationConflict)
				} else {
					res.Warnings = append(res.Warnings, errcodes.Must(errcodes.ReservationConflict))
				}
			}
		}
	}

	res.Passed = len(res.Errors) == 0
	res.ResultingState = models.StateDraft
	if res.Passed {
		res.ResultingState = models.StatePreflightApproved
	}

	if !p.IsProposal && p.PageID != "" && v.stages != nil {
		if err := v.stages.PutGovernanceCheck(ctx, p.PageID, models.StagePreGeneration, stageCheck(res, v.now())); err != nil {
			return res, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("record pre_generation check: %w", err))
		}
	}
	v.logger.InfoContext(ctx, "preflight evaluated",
		"page_id", p.PageID, "site_id", p.SiteID, "passed", res.Passed, "errors", len(res.Errors), "warnings", len(res.Warnings))
	return res, nil
}

func (v *Validator) checkPath(path string, fail func(errcodes.Code)) {
	if !strings.HasPrefix(path, "/") {
		fail(errcodes.PathMissingSlash)
		return
	}
	if !pathPattern.MatchString(path) && path != "/" {
		fail(errcodes.PathInvalidFormat)
	}
	if v.policy.MaxPathLength > 0 && len(path) > v.policy.MaxPathLength {
		fail(errcodes.PathTooLong)
	}
}

func (v *Validator) checkTitle(title string, fail func(errcodes.Code)) {
	n := utf8.RuneCountInString(strings.TrimSpace(title))
	switch {
	case n < v.policy.MinTitleLength:
		fail(errcodes.TitleTooShort)
	case v.policy.MaxTitleLength > 0 && n > v.policy.MaxTitleLength:
		fail(errcodes.TitleTooLong)
	}
}

func validKeyword(k string) bool {
	k = strings.TrimSpace(k)
	return utf8.RuneCountInString(k) <= maxKeywordLength &&
		len(strings.Fields(k)) <= maxKeywordWords &&
		keywordPattern.MatchString(k)
}

func stageCheck(res models.ValidationResult, at time.Time) models.StageCheck {
	codes := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		codes = append(codes, string(e.Code))
	}
	check := models.StageCheck{Passed: res.Passed, CheckedAt: at, Details: map[string]any{"errors": codes}}
	if res.Passed {
		check.Reason = "preflight passed"
	} else {
		check.Reason = "preflight failed: " + strings.Join(codes, ", ")
	}
	return check
}
