package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"content-governance/internal/errcodes"
	"content-governance/internal/id"
	"content-governance/internal/intent"
	"content-governance/internal/models"
	"content-governance/internal/store"
)

// DefaultTTL is used when a request carries no TTL.
const DefaultTTL = 7 * 24 * time.Hour

// Store persists reservations. InsertReservation must check and insert
// atomically and return the active holder together with store.ErrConflict.
type Store interface {
	InsertReservation(ctx context.Context, r models.ContentReservation, now time.Time) (models.ContentReservation, error)
	FindActiveReservation(ctx context.Context, siteID, intentHash, location string, now time.Time) (models.ContentReservation, error)
	GetReservation(ctx context.Context, id string) (models.ContentReservation, error)
	DeleteReservation(ctx context.Context, id string) error
	MarkReservationFulfilled(ctx context.Context, id string, at time.Time) error
	DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error)
}

// Request is an inbound reservation request.
type Request struct {
	SiteID   string        `json:"site_id"`
	Title    string        `json:"title"`
	Location string        `json:"location,omitempty"`
	TTLDays  int           `json:"ttl_days,omitempty"`
	TTL      time.Duration `json:"-"`
}

// lifetime resolves the requested TTL; TTL wins over TTLDays.
func (r Request) lifetime(def time.Duration) time.Duration {
	switch {
	case r.TTL > 0:
		return r.TTL
	case r.TTLDays > 0:
		return time.Duration(r.TTLDays) * 24 * time.Hour
	default:
		return def
	}
}

// Manager hands out time-bounded intent locks.
type Manager struct {
	store      Store
	logger     *slog.Logger
	now        func() time.Time
	defaultTTL time.Duration
	onConflict func(siteID string)
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithConflictHook is called once per rejected reserve.
func WithConflictHook(fn func(siteID string)) Option {
	return func(m *Manager) { m.onConflict = fn }
}

func NewManager(s Store, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve locks the (site, title, location) intent until now+TTL. When an
// active reservation already holds the key it fails with RESERVATION_CONFLICT
// carrying the holder's id and expiry.
func (m *Manager) Reserve(ctx context.Context, req Request) (models.ContentReservation, error) {
	if strings.TrimSpace(req.SiteID) == "" {
		return models.ContentReservation{}, errcodes.New(errcodes.SiteNotFound, "site_id is required")
	}
	if intent.Normalize(req.Title) == "" {
		return models.ContentReservation{}, errcodes.New(errcodes.TitleTooShort, "title is required")
	}
	ttl := req.lifetime(m.defaultTTL)
	now := m.now()
	r := models.ContentReservation{
		ID:         id.New(),
		SiteID:     req.SiteID,
		IntentHash: intent.Hash(req.Title, req.Location),
		Location:   intent.Normalize(req.Location),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}

	stored, err := m.store.InsertReservation(ctx, r, now)
	if errors.Is(err, store.ErrConflict) {
		if m.onConflict != nil {
			m.onConflict(req.SiteID)
		}
		m.logger.InfoContext(ctx, "reservation conflict",
			"site_id", req.SiteID, "intent_hash", r.IntentHash, "holder_id", stored.ID, "expires_at", stored.ExpiresAt)
		return models.ContentReservation{}, conflictError(stored)
	}
	if err != nil {
		return models.ContentReservation{}, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("insert reservation: %w", err))
	}
	m.logger.InfoContext(ctx, "reservation created",
		"reservation_id", stored.ID, "site_id", stored.SiteID, "intent_hash", stored.IntentHash, "expires_at", stored.ExpiresAt)
	return stored, nil
}

// CheckConflict reports the active reservation holding the intent key, if any.
// It never writes.
func (m *Manager) CheckConflict(ctx context.Context, siteID, title, location string) (*models.ContentReservation, error) {
	r, err := m.store.FindActiveReservation(ctx, siteID, intent.Hash(title, location), intent.Normalize(location), m.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("find reservation: %w", err))
	}
	return &r, nil
}

// Get returns a reservation by id.
func (m *Manager) Get(ctx context.Context, id string) (models.ContentReservation, error) {
	r, err := m.store.GetReservation(ctx, id)
	if err != nil {
		return models.ContentReservation{}, fmt.Errorf("get reservation %s: %w", id, err)
	}
	return r, nil
}

// Release deletes a reservation. Releasing an unknown id is not an error.
func (m *Manager) Release(ctx context.Context, id string) error {
	if err := m.store.DeleteReservation(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("delete reservation %s: %w", id, err))
	}
	m.logger.InfoContext(ctx, "reservation released", "reservation_id", id)
	return nil
}

// Fulfill marks the reservation as satisfied by a published page, freeing the key.
func (m *Manager) Fulfill(ctx context.Context, id string) error {
	if err := m.store.MarkReservationFulfilled(ctx, id, m.now()); err != nil {
		return fmt.Errorf("fulfil reservation %s: %w", id, err)
	}
	return nil
}

// CleanupExpired deletes every reservation whose expiry has passed.
// Nothing in this package schedules it.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredReservations(ctx, m.now())
	if err != nil {
		return 0, errcodes.Wrap(errcodes.SystemStoreUnavailable, fmt.Errorf("sweep reservations: %w", err))
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "expired reservations removed", "count", n)
	}
	return n, nil
}

func conflictError(holder models.ContentReservation) *errcodes.Error {
	return errcodes.Newf(errcodes.ReservationConflict, "intent reserved by %s until %s",
		holder.ID, holder.ExpiresAt.Format(time.RFC3339)).
		WithDetail("reservation_id", holder.ID).
		WithDetail("expires_at", holder.ExpiresAt)
}

// ConflictExpiry extracts the holder's expiry from a RESERVATION_CONFLICT error.
func ConflictExpiry(err error) (time.Time, bool) {
	var coded *errcodes.Error
	if !errors.As(err, &coded) || coded.Code != errcodes.ReservationConflict {
		return time.Time{}, false
	}
	t, ok := coded.Details["expires_at"].(time.Time)
	return t, ok
}
