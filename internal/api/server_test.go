package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubDLQ []string

func (s stubDLQ) DLQPeek(context.Context, int64) ([]string, error) { return s, nil }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := New(func(context.Context) error { return nil }, nil, nil).Router()
	if rec := get(t, healthy, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := get(t, healthy, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}

	down := New(func(context.Context) error { return errors.New("redis: connection refused") }, nil, nil).Router()
	rec := get(t, down, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a dependency is down, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("expected the failure in the body: %s", rec.Body.String())
	}
}

func TestMetricsMounted(t *testing.T) {
	rec := get(t, New(nil, nil, nil).Router(), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "governance_") {
		t.Fatalf("expected governance metrics, got %d", rec.Code)
	}
}

func TestDLQ(t *testing.T) {
	rec := get(t, New(nil, stubDLQ{"job-1", "job-2"}, nil).Router(), "/dlq")
	var body struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 2 || body.Items[0] != "job-1" {
		t.Fatalf("unexpected DLQ body: %+v", body)
	}
}
