package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"content-governance/internal/app"
	"content-governance/internal/config"
	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

const fixture = `
site: {id: site-1, name: Plumbing Co, domain: plumbing.example}
silos:
  - {id: hub-a, name: Repairs}
  - {id: hub-b, name: Installs}
  - {id: hub-c, name: Emergency}
pages:
  - id: page-1
    silo_id: hub-a
    title: Leak repair in Austin
    path: /repairs/leak-repair-austin
    location: Austin
`

type cliEnv struct {
	ctx     *commandContext
	app     *app.App
	fixture string
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		StoreBackend:       "memory",
		ReservationBackend: "memory",
		GenerationProvider: "openai",
		RedisAddr:          mr.Addr(),
		PriorityQueues:     []string{"high", "default", "low"},
		VisibilityTimeout:  time.Minute,
		RateLimitCapacity:  5,
		RateLimitRefill:    1,
		ArtifactDir:        t.TempDir(),
		Policy:             config.DefaultPolicy(),
	}
	a, err := app.Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(a.Close)

	path := filepath.Join(t.TempDir(), "site.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cctx := newCommandContext(func(context.Context) (*app.App, error) { return a, nil })
	return &cliEnv{ctx: cctx, app: a, fixture: path}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(e.ctx)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestJobLifecycleCommands(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "seed", env.fixture)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	requireContains(t, out, "3 silos, 1 pages")

	out, err = env.run(t, "validate", "--page", "page-1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	requireContains(t, out, "Passed: yes")

	jobs, err := env.app.Store.ListJobs(context.Background(), models.StatePreflightApproved)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one approved job, got %d err=%v", len(jobs), err)
	}
	jobID := jobs[0].ID

	out, err = env.run(t, "jobs", "show", jobID)
	if err != nil {
		t.Fatalf("jobs show: %v", err)
	}
	requireContains(t, out, "PREFLIGHT_APPROVED")
	requireContains(t, out, "preflight passed")

	_, err = env.run(t, "jobs", "transition", jobID, "COMPLETED")
	if err == nil {
		t.Fatalf("expected an illegal transition to fail")
	}
	requireContains(t, err.Error(), "STATE_001")
	requireContains(t, err.Error(), "PROMPT_LOCKED, FAILED")

	out, err = env.run(t, "--json", "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	var listed []models.GenerationJob
	if err := json.Unmarshal([]byte(out), &listed); err != nil || len(listed) != 1 {
		t.Fatalf("expected one job in JSON, got %q err=%v", out, err)
	}

	out, err = env.run(t, "enqueue", jobID, "--priority", "high")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	requireContains(t, out, "Enqueued")
	if depth, _ := env.app.Queue.ReadyDepth(context.Background()); depth != 1 {
		t.Fatalf("expected one ready job, got %d", depth)
	}

	if _, err = env.run(t, "publish-check", "page-1"); err == nil {
		t.Fatalf("publishing before completion must fail")
	}
	requireContains(t, err.Error(), "STATE_001")

	if _, err = env.run(t, "decommission", "page-1"); err == nil {
		t.Fatalf("decommissioning a draft page must fail")
	}
	requireContains(t, err.Error(), "GATE_PUBLISH_STATUS")

	if _, err = env.run(t, "jobs", "list", "--state", "BOGUS"); err == nil {
		t.Fatalf("expected an unknown state to be rejected")
	}

	out, err = env.run(t, "jobs", "transition", jobID, "FAILED", "--error-code", "SITE_001")
	if err != nil {
		t.Fatalf("transition to FAILED: %v", err)
	}
	requireContains(t, out, "PREFLIGHT_APPROVED -> FAILED")
	if depth, _ := env.app.Queue.ReadyDepth(context.Background()); depth != 0 {
		t.Fatalf("failed job must leave the queue, depth %d", depth)
	}
}

func TestReservationCommands(t *testing.T) {
	env := setupCLI(t)
	if _, err := env.run(t, "seed", env.fixture); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := env.run(t, "--json", "reserve", "--site", "site-1", "--title", "Drain cleaning in Dallas", "--location", "Dallas")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	var res models.ContentReservation
	if err := json.Unmarshal([]byte(out), &res); err != nil || res.ID == "" {
		t.Fatalf("expected a reservation, got %q err=%v", out, err)
	}

	_, err = env.run(t, "reserve", "--site", "site-1", "--title", "Drain cleaning in Dallas", "--location", "Dallas")
	if err == nil {
		t.Fatalf("expected a conflicting reservation to fail")
	}
	requireContains(t, err.Error(), "RESERVATION_CONFLICT")
	requireContains(t, err.Error(), "retry after")

	out, err = env.run(t, "check", "--site", "site-1", "--title", "Drain cleaning in Dallas", "--location", "Dallas")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	requireContains(t, out, res.ID)

	if out, err = env.run(t, "release", res.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	out, _ = env.run(t, "check", "--site", "site-1", "--title", "Drain cleaning in Dallas", "--location", "Dallas")
	requireContains(t, out, "No active reservation")

	out, err = env.run(t, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	requireContains(t, out, "Removed 0 expired reservations")
}

func TestOpsCommands(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	requireContains(t, out, "Migrations applied")

	out, err = env.run(t, "dlq")
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	requireContains(t, out, "empty")

	if _, err := env.run(t, "seed", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected a missing fixture to fail")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errcodes.New(errcodes.StateIllegalTransition, "bad edge"), 2},
		{fmt.Errorf("reserve: %w", errcodes.New(errcodes.ReservationConflict, "held")), 2},
		{errcodes.New(errcodes.SystemStoreUnavailable, "down"), 1},
		{fmt.Errorf("plain failure"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
