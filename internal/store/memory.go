package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"content-governance/internal/models"
)

// Memory is a mutex-guarded in-process store. It backs tests and local runs.
type Memory struct {
	mu           sync.Mutex
	jobs         map[string]models.GenerationJob
	pages        map[string]models.ContentPage
	sites        map[string]models.Site
	silos        map[string]models.Silo
	reservations map[string]models.ContentReservation
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:         make(map[string]models.GenerationJob),
		pages:        make(map[string]models.ContentPage),
		sites:        make(map[string]models.Site),
		silos:        make(map[string]models.Silo),
		reservations: make(map[string]models.ContentReservation),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// --- Jobs -------------------------------------------------------------------

func (m *Memory) CreateJob(_ context.Context, job models.GenerationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return ErrConflict
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.GenerationJob{}, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) GetJobByPage(_ context.Context, pageID string) (models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found  models.GenerationJob
		exists bool
	)
	for _, job := range m.jobs {
		if job.PageID != pageID {
			continue
		}
		if !exists || job.CreatedAt.After(found.CreatedAt) {
			found, exists = job, true
		}
	}
	if !exists {
		return models.GenerationJob{}, ErrNotFound
	}
	return found.Clone(), nil
}

// SaveJob replaces the job iff the stored version equals expectedVersion.
// History entries beyond the stored length are treated as appended; earlier
// entries are never overwritten.
func (m *Memory) SaveJob(_ context.Context, job models.GenerationJob, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := job.Clone()
	next.History = append(current.History[:len(current.History):len(current.History)], job.History[min(len(current.History), len(job.History)):]...)
	m.jobs[job.ID] = next
	return nil
}

func (m *Memory) ListJobs(_ context.Context, state models.JobState) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.GenerationJob, 0)
	for _, job := range m.jobs {
		if state == "" || job.State == state {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Pages ------------------------------------------------------------------

func (m *Memory) PutPage(_ context.Context, page models.ContentPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page.ID] = page.Clone()
	return nil
}

func (m *Memory) GetPage(_ context.Context, id string) (models.ContentPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[id]
	if !ok {
		return models.ContentPage{}, ErrNotFound
	}
	return page.Clone(), nil
}

func (m *Memory) UpdatePageContent(_ context.Context, id, bodyHTML string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[id]
	if !ok {
		return ErrNotFound
	}
	page.BodyHTML = bodyHTML
	page.Embedding = append([]float32(nil), embedding...)
	page.UpdatedAt = time.Now().UTC()
	m.pages[id] = page
	return nil
}

func (m *Memory) SetPageStatus(_ context.Context, id string, status models.PageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[id]
	if !ok {
		return ErrNotFound
	}
	page.Status = status
	page.UpdatedAt = time.Now().UTC()
	m.pages[id] = page
	return nil
}

// PutGovernanceCheck writes exactly one stage key.
func (m *Memory) PutGovernanceCheck(_ context.Context, id string, stage models.GovernanceStage, check models.StageCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[id]
	if !ok {
		return ErrNotFound
	}
	checks := make(map[models.GovernanceStage]models.StageCheck, len(page.GovernanceChecks)+1)
	for k, v := range page.GovernanceChecks {
		checks[k] = v
	}
	checks[stage] = check
	page.GovernanceChecks = checks
	m.pages[id] = page
	return nil
}

// ListEmbeddings returns pages of siteID that carry an embedding, excluding decommissioned pages.
func (m *Memory) ListEmbeddings(_ context.Context, siteID string) ([]models.PageEmbedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PageEmbedding, 0)
	for _, p := range m.pages {
		if p.SiteID != siteID || len(p.Embedding) == 0 || p.Status == models.PageDecommissioned {
			continue
		}
		out = append(out, models.PageEmbedding{
			PageID:    p.ID,
			Title:     p.Title,
			Path:      p.Path,
			Location:  p.Location,
			Embedding: append([]float32(nil), p.Embedding...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out, nil
}

// --- Sites & silos ----------------------------------------------------------

func (m *Memory) PutSite(_ context.Context, site models.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites[site.ID] = site
	return nil
}

func (m *Memory) GetSite(_ context.Context, id string) (models.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[id]
	if !ok {
		return models.Site{}, ErrNotFound
	}
	return site, nil
}

func (m *Memory) PutSilo(_ context.Context, silo models.Silo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silos[silo.ID] = silo
	return nil
}

func (m *Memory) ListSilos(_ context.Context, siteID string) ([]models.Silo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Silo, 0)
	for _, s := range m.silos {
		if s.SiteID == siteID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Reservations -----------------------------------------------------------

// InsertReservation checks and inserts under one lock. On conflict it returns
// the active reservation together with ErrConflict.
func (m *Memory) InsertReservation(_ context.Context, r models.ContentReservation, now time.Time) (models.ContentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reservations {
		if sameIntent(existing, r) && existing.ActiveAt(now) {
			return existing, ErrConflict
		}
	}
	m.reservations[r.ID] = r
	return r, nil
}

func (m *Memory) FindActiveReservation(_ context.Context, siteID, intentHash, location string, now time.Time) (models.ContentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidate := models.ContentReservation{SiteID: siteID, IntentHash: intentHash, Location: location}
	for _, existing := range m.reservations {
		if sameIntent(existing, candidate) && existing.ActiveAt(now) {
			return existing, nil
		}
	}
	return models.ContentReservation{}, ErrNotFound
}

func (m *Memory) GetReservation(_ context.Context, id string) (models.ContentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return models.ContentReservation{}, ErrNotFound
	}
	return r, nil
}

// DeleteReservation is idempotent.
func (m *Memory) DeleteReservation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, id)
	return nil
}

func (m *Memory) MarkReservationFulfilled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return ErrNotFound
	}
	r.FulfilledAt = &at
	m.reservations[id] = r
	return nil
}

// DeleteExpiredReservations removes reservations whose expiry is not after now.
func (m *Memory) DeleteExpiredReservations(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.reservations {
		if !now.Before(r.ExpiresAt) {
			delete(m.reservations, id)
			n++
		}
	}
	return n, nil
}

func sameIntent(a, b models.ContentReservation) bool {
	return a.SiteID == b.SiteID && a.IntentHash == b.IntentHash && a.Location == b.Location
}
