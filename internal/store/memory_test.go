package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"content-governance/internal/models"
)

func TestSaveJobRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := models.GenerationJob{ID: "job-1", PageID: "page-1", State: models.StateDraft}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateJob(ctx, job); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate create to conflict, got %v", err)
	}

	next := job.Clone()
	next.State = models.StatePreflightApproved
	next.Version = 1
	next.History = append(next.History, models.TransitionRecord{From: models.StateDraft, To: models.StatePreflightApproved})
	if err := m.SaveJob(ctx, next, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.SaveJob(ctx, next, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := m.SaveJob(ctx, models.GenerationJob{ID: "missing"}, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, err := m.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StatePreflightApproved || len(got.History) != 1 || got.Version != 1 {
		t.Fatalf("unexpected stored job: %+v", got)
	}
}

func TestSaveJobNeverRewritesHistory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first := models.TransitionRecord{Seq: 1, From: models.StateDraft, To: models.StatePreflightApproved, Reason: "original"}
	if err := m.CreateJob(ctx, models.GenerationJob{ID: "job-1", History: []models.TransitionRecord{first}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	tampered := models.GenerationJob{ID: "job-1", Version: 1, History: []models.TransitionRecord{
		{Seq: 1, Reason: "rewritten"},
		{Seq: 2, From: models.StatePreflightApproved, To: models.StatePromptLocked},
	}}
	if err := m.SaveJob(ctx, tampered, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := m.GetJob(ctx, "job-1")
	if len(got.History) != 2 || got.History[0].Reason != "original" || got.History[1].Seq != 2 {
		t.Fatalf("history was rewritten: %+v", got.History)
	}
}

func TestPutGovernanceCheckKeepsOtherStages(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.PutPage(ctx, models.ContentPage{ID: "p1", SiteID: "s1"})

	var wg sync.WaitGroup
	for _, stage := range []models.GovernanceStage{models.StagePreGeneration, models.StagePostGeneration, models.StagePublished} {
		wg.Add(1)
		go func(stage models.GovernanceStage) {
			defer wg.Done()
			if err := m.PutGovernanceCheck(ctx, "p1", stage, models.StageCheck{Passed: true, Reason: string(stage)}); err != nil {
				t.Errorf("put %s: %v", stage, err)
			}
		}(stage)
	}
	wg.Wait()

	page, _ := m.GetPage(ctx, "p1")
	if len(page.GovernanceChecks) != 3 {
		t.Fatalf("expected three stage keys, got %+v", page.GovernanceChecks)
	}
	if err := m.PutGovernanceCheck(ctx, "nope", models.StagePublished, models.StageCheck{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListEmbeddingsSkipsUnembeddedAndDecommissioned(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.PutPage(ctx, models.ContentPage{ID: "b", SiteID: "s1", Embedding: []float32{1, 0}})
	_ = m.PutPage(ctx, models.ContentPage{ID: "a", SiteID: "s1", Embedding: []float32{0, 1}})
	_ = m.PutPage(ctx, models.ContentPage{ID: "c", SiteID: "s1"})
	_ = m.PutPage(ctx, models.ContentPage{ID: "d", SiteID: "s1", Embedding: []float32{1, 1}, Status: models.PageDecommissioned})
	_ = m.PutPage(ctx, models.ContentPage{ID: "e", SiteID: "s2", Embedding: []float32{1, 1}})

	got, err := m.ListEmbeddings(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].PageID != "a" || got[1].PageID != "b" {
		t.Fatalf("unexpected embeddings: %+v", got)
	}
}

func TestReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := models.ContentReservation{ID: "r1", SiteID: "s1", IntentHash: "h", Location: "austin", ExpiresAt: now.Add(time.Hour)}

	if _, err := m.InsertReservation(ctx, r, now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	other := r
	other.ID = "r2"
	existing, err := m.InsertReservation(ctx, other, now)
	if !errors.Is(err, ErrConflict) || existing.ID != "r1" {
		t.Fatalf("expected conflict against r1, got %+v %v", existing, err)
	}

	// Once expired the key is free again.
	later := now.Add(2 * time.Hour)
	other.ExpiresAt = later.Add(time.Hour)
	if _, err := m.InsertReservation(ctx, other, later); err != nil {
		t.Fatalf("insert after expiry: %v", err)
	}
	n, err := m.DeleteExpiredReservations(ctx, later)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired reservation swept, got %d %v", n, err)
	}
	if err := m.DeleteReservation(ctx, "r1"); err != nil {
		t.Fatalf("delete of missing reservation should be a no-op: %v", err)
	}
}
