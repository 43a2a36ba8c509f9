package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

func TestRecorderCounts(t *testing.T) {
	var r Recorder

	before := testutil.ToFloat64(GateFailures.WithLabelValues("format"))
	r.Gate("format", models.GateCheckResult{Passed: false, Code: errcodes.GateFormat})
	r.Gate("format", models.GateCheckResult{Passed: true})
	if got := testutil.ToFloat64(GateFailures.WithLabelValues("format")) - before; got != 1 {
		t.Fatalf("expected one gate failure, got %v", got)
	}

	geoBefore := testutil.ToFloat64(GeoExceptions)
	r.Gate("similarity", models.GateCheckResult{
		Passed:   true,
		Details:  map[string]any{"tier": "NEAR_DUPLICATE"},
		Warnings: []errcodes.ErrorCode{errcodes.Must(errcodes.NearDuplicateIntent), errcodes.Must(errcodes.GeoExceptionGranted)},
	})
	if got := testutil.ToFloat64(GeoExceptions) - geoBefore; got != 1 {
		t.Fatalf("expected one geo exception, got %v", got)
	}

	costBefore := testutil.ToFloat64(CostAccrued)
	r.CostAccrued("site", 0.6)
	r.CostAccrued("site", 0)
	if got := testutil.ToFloat64(CostAccrued) - costBefore; got < 0.599 || got > 0.601 {
		t.Fatalf("expected 0.6 accrued, got %v", got)
	}

	r.Transition(models.GenerationJob{}, models.TransitionRecord{From: models.StateDraft, To: models.StatePreflightApproved})
	if testutil.ToFloat64(Transitions.WithLabelValues("DRAFT", "PREFLIGHT_APPROVED")) < 1 {
		t.Fatalf("transition not counted")
	}
}

func TestHandlerServesGovernanceMetrics(t *testing.T) {
	BudgetExhausted.WithLabelValues(string(errcodes.AICostLimitExceeded)).Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "governance_budget_exhausted_total") {
		t.Fatalf("budget metric missing from exposition")
	}
}
