package governance

import (
	"context"
	"testing"
	"time"

	"content-governance/internal/budget"
	"content-governance/internal/errcodes"
	"content-governance/internal/gates"
	"content-governance/internal/generation"
	"content-governance/internal/geo"
	"content-governance/internal/models"
	"content-governance/internal/preflight"
	"content-governance/internal/reservation"
	"content-governance/internal/similarity"
	"content-governance/internal/statemachine"
	"content-governance/internal/store"
)

const articleHTML = `<script type="application/ld+json">{"@context":"https://schema.org","@type":"Article","headline":"Emergency Plumbers in Austin"}</script>
<h1>Emergency Plumbers in Austin</h1>
<h2>When to call</h2><p>Burst pipes, flooded basements and failed water heaters all need a fast response from a licensed plumber.</p>
<h2>What it costs</h2><p>Most emergency visits are billed as a call-out fee plus labour, with parts charged at cost and quoted up front.</p>`

type staticGenerator struct{ text string }

func (g staticGenerator) Generate(context.Context, generation.Request) (generation.Result, error) {
	return generation.Result{Text: g.text, Model: "static", CostUSD: 0.5}, nil
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(context.Context, string) (generation.Embedding, error) {
	return generation.Embedding{Vector: []float32{0, 1, 0}}, nil
}

type harness struct {
	store  *store.Memory
	engine *Engine
	clock  time.Time
}

func newHarness(t *testing.T, body string) *harness {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	h := &harness{store: s, clock: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time { return h.clock }

	if err := s.PutSite(ctx, models.Site{ID: "S", Name: "Plumbing Co"}); err != nil {
		t.Fatalf("put site: %v", err)
	}
	for _, id := range []string{"hub-a", "hub-b", "hub-c"} {
		if err := s.PutSilo(ctx, models.Silo{ID: id, SiteID: "S", Name: id}); err != nil {
			t.Fatalf("put silo: %v", err)
		}
	}
	if err := s.PutPage(ctx, models.ContentPage{
		ID: "P", SiteID: "S", SiloID: "hub-a", Title: "Emergency Plumbers in Austin",
		Path: "/plumbing/emergency-austin", Location: "Austin", Status: models.PageDraft,
	}); err != nil {
		t.Fatalf("put page: %v", err)
	}

	policy := gates.DefaultPolicy()
	policy.EmbeddingDimensions = 3
	policy.MinBodyChars = 100
	checker := gates.IntentChecker{
		Finder:        similarity.NewFinder(s),
		Classifier:    similarity.NewClassifier(0),
		Resolver:      geo.NewResolver(false),
		ScanThreshold: similarity.SimilarThreshold,
		Limit:         5,
	}
	collab := gates.Collaborators{SchemaSync: gates.HTMLSchemaSync{}, Performance: gates.DefaultWeightEstimator()}

	machine := statemachine.New(s)
	reservations := reservation.NewManager(s, reservation.WithClock(now))
	validator := preflight.New(s, preflight.DefaultPolicy(),
		preflight.WithIntentChecker(&checker),
		preflight.WithReservations(reservations),
		preflight.WithStageWriter(s),
		preflight.WithClock(now))
	controller := budget.New(budget.Deps{
		Machine:   machine,
		Pages:     s,
		Pre:       gates.PreGeneration(policy),
		Post:      gates.PostGeneration(policy, checker, collab),
		Generator: staticGenerator{text: body},
		Embedder:  staticEmbedder{},
	})
	h.engine = New(Deps{
		Machine:      machine,
		Validator:    validator,
		Controller:   controller,
		Reservations: reservations,
		Pages:        s,
		Jobs:         s,
		Publish:      gates.Publish(policy, collab),
		Limits:       Limits{MaxRetries: 3, MaxCostUSD: 10},
		Now:          now,
	})
	return h
}

func payload() models.ValidationPayload {
	return models.ValidationPayload{
		PageID: "P", SiteID: "S", Path: "/plumbing/emergency-austin",
		Title: "Emergency Plumbers in Austin", SiloID: "hub-a", Location: "Austin",
	}
}

func TestPreflightApprovesThenRejectsSkippingToProcessing(t *testing.T) {
	h := newHarness(t, articleHTML)
	ctx := context.Background()

	sub, err := h.engine.Submit(ctx, payload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sub.Validation.Passed || sub.Job == nil || sub.Job.State != models.StatePreflightApproved {
		t.Fatalf("expected PREFLIGHT_APPROVED, got %+v", sub)
	}

	resp, err := h.engine.Transition(ctx, sub.Job.ID, models.StateTransitionRequest{TargetState: models.StateProcessing})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != errcodes.StateIllegalTransition {
		t.Fatalf("expected STATE_001, got %+v", resp)
	}
	if resp.CurrentState != models.StatePreflightApproved {
		t.Fatalf("state must be unchanged, got %s", resp.CurrentState)
	}
	want := []models.JobState{models.StatePromptLocked, models.StateFailed}
	if len(resp.AllowedTransitions) != 2 || resp.AllowedTransitions[0] != want[0] || resp.AllowedTransitions[1] != want[1] {
		t.Fatalf("unexpected allowed transitions %v", resp.AllowedTransitions)
	}
}

func TestFailedPreflightLeavesJobInDraft(t *testing.T) {
	h := newHarness(t, articleHTML)
	p := payload()
	p.Title = "Short"

	sub, err := h.engine.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Validation.Passed || sub.Job == nil || sub.Job.State != models.StateDraft {
		t.Fatalf("expected DRAFT job after failed preflight, got %+v", sub)
	}
	page, _ := h.store.GetPage(context.Background(), "P")
	if page.GovernanceChecks[models.StagePreGeneration].Passed {
		t.Fatalf("pre_generation stage must record the failure")
	}
}

func TestLifecycleThroughPublishAndDecommission(t *testing.T) {
	h := newHarness(t, articleHTML)
	ctx := context.Background()

	res, err := h.engine.Reserve(ctx, reservation.Request{SiteID: "S", Title: "Emergency Plumbers in Austin", Location: "Austin"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	sub, err := h.engine.Submit(ctx, payload())
	if err != nil || !sub.Validation.Passed {
		t.Fatalf("submit: %+v %v", sub, err)
	}
	if len(sub.Validation.Warnings) == 0 || sub.Validation.Warnings[0].Code != errcodes.ReservationConflict {
		t.Fatalf("expected the page's own reservation as a warning, got %+v", sub.Validation.Warnings)
	}

	if _, err := h.engine.Publish(ctx, "P"); !errcodes.Is(err, errcodes.StateIllegalTransition) {
		t.Fatalf("publishing before completion must fail with STATE_001, got %v", err)
	}

	out, err := h.engine.Drive(ctx, sub.Job.ID)
	if err != nil || !out.Completed() {
		t.Fatalf("drive: %s %v (gates %+v)", out.Job.State, err, out.Gates)
	}

	gatesRes, err := h.engine.Publish(ctx, "P")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !gatesRes.AllGatesPassed {
		t.Fatalf("expected publish gates to pass, failed %v: %s", gatesRes.FailedGates, gatesRes.Reason())
	}
	page, _ := h.store.GetPage(ctx, "P")
	if page.Status != models.PagePublished {
		t.Fatalf("expected published, got %s", page.Status)
	}
	if !page.GovernanceChecks[models.StagePublished].Passed {
		t.Fatalf("expected published stage to be recorded")
	}
	fulfilled, _ := h.store.GetReservation(ctx, res.ID)
	if fulfilled.FulfilledAt == nil {
		t.Fatalf("expected reservation to be fulfilled on publish")
	}

	if err := h.engine.Decommission(ctx, "P", "merged into hub"); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	page, _ = h.store.GetPage(ctx, "P")
	if page.Status != models.PageDecommissioned || !page.GovernanceChecks[models.StageDecommission].Passed {
		t.Fatalf("unexpected page after decommission: %s %+v", page.Status, page.GovernanceChecks)
	}
	if len(page.GovernanceChecks) != 5 {
		t.Fatalf("expected every stage key to be present, got %d", len(page.GovernanceChecks))
	}
	if err := h.engine.Decommission(ctx, "P", "again"); !errcodes.Is(err, errcodes.GatePublishStatus) {
		t.Fatalf("expected GATE_PUBLISH_STATUS for a second decommission, got %v", err)
	}
}

func TestPublishGateFailureBlocksPage(t *testing.T) {
	// No JSON-LD: schema sync fails at publish time only.
	body := `<h1>Emergency Plumbers in Austin</h1>
<h2>When to call</h2><p>Burst pipes, flooded basements and failed water heaters all need a fast response from a licensed plumber.</p>
<h2>What it costs</h2><p>Most emergency visits are billed as a call-out fee plus labour.</p>`
	h := newHarness(t, body)
	ctx := context.Background()

	sub, err := h.engine.Submit(ctx, payload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out, err := h.engine.Drive(ctx, sub.Job.ID); err != nil || !out.Completed() {
		t.Fatalf("drive: %v", err)
	}

	res, err := h.engine.Publish(ctx, "P")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.AllGatesPassed || len(res.FailedGates) != 1 || res.FailedGates[0] != gates.NameSchemaSync {
		t.Fatalf("expected only schema_sync to fail, got %v", res.FailedGates)
	}
	page, _ := h.store.GetPage(ctx, "P")
	if page.Status != models.PageBlocked || page.GovernanceChecks[models.StagePublished].Passed {
		t.Fatalf("expected blocked page with failing published stage, got %s", page.Status)
	}
}

func TestReservationPassthroughs(t *testing.T) {
	h := newHarness(t, articleHTML)
	ctx := context.Background()

	r, err := h.engine.Reserve(ctx, reservation.Request{SiteID: "S", Title: "Best Plumbers", Location: "Austin", TTL: time.Hour})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if holder, _ := h.engine.CheckConflict(ctx, "S", "best plumbers", "austin"); holder == nil || holder.ID != r.ID {
		t.Fatalf("expected normalized lookup to find the reservation")
	}
	h.clock = h.clock.Add(2 * time.Hour)
	if n, err := h.engine.SweepReservations(ctx); err != nil || n != 1 {
		t.Fatalf("expected one expired reservation swept, got %d %v", n, err)
	}
	if err := h.engine.Release(ctx, r.ID); err != nil {
		t.Fatalf("release after sweep must be idempotent: %v", err)
	}
}
