package gates

import (
	"context"
	"math"
	"testing"

	"content-governance/internal/errcodes"
	"content-governance/internal/geo"
	"content-governance/internal/models"
	"content-governance/internal/similarity"
	"content-governance/internal/store"
)

// pair returns two unit vectors whose cosine similarity is sim.
func pair(sim float64) ([]float32, []float32) {
	return []float32{1, 0}, []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func newSimilarityGate(t *testing.T, stored models.ContentPage) SimilarityGate {
	t.Helper()
	s := store.NewMemory()
	if err := s.PutPage(context.Background(), stored); err != nil {
		t.Fatalf("put page: %v", err)
	}
	return SimilarityGate{Checker: IntentChecker{
		Finder:        similarity.NewFinder(s),
		Classifier:    similarity.NewClassifier(0),
		Resolver:      geo.NewResolver(false),
		ScanThreshold: similarity.SimilarThreshold,
		Limit:         5,
	}}
}

func TestSimilarityBlocksDuplicateWithoutLocations(t *testing.T) {
	a, b := pair(0.90)
	g := newSimilarityGate(t, models.ContentPage{ID: "A", SiteID: "S", Title: "Best Plumbers", Path: "/plumbers", Embedding: a})

	res := g.Evaluate(context.Background(), models.ContentPage{ID: "B", SiteID: "S", Title: "Top Plumbers", Path: "/top-plumbers", Embedding: b})
	if res.Passed {
		t.Fatalf("expected block, got %+v", res)
	}
	if res.Code != errcodes.NearDuplicateIntent {
		t.Fatalf("expected NEAR_DUPLICATE_INTENT, got %s", res.Code)
	}
	if dup, _ := res.Details["is_duplicate"].(bool); !dup {
		t.Fatalf("expected is_duplicate detail")
	}
}

func TestSimilarityGeoExceptionDowngradesToWarning(t *testing.T) {
	a, b := pair(0.90)
	g := newSimilarityGate(t, models.ContentPage{ID: "A", SiteID: "S", Title: "Best Plumbers", Path: "/plumbers", Location: "Austin", Embedding: a})

	res := g.Evaluate(context.Background(), models.ContentPage{ID: "B", SiteID: "S", Title: "Best Plumbers", Path: "/plumbers-denver", Location: "Denver", Embedding: b})
	if !res.Passed {
		t.Fatalf("expected geo exception to pass, got %+v", res)
	}
	var codes []errcodes.Code
	for _, w := range res.Warnings {
		codes = append(codes, w.Code)
	}
	if len(codes) != 2 || codes[0] != errcodes.NearDuplicateIntent || codes[1] != errcodes.GeoExceptionGranted {
		t.Fatalf("expected duplicate and geo warnings, got %v", codes)
	}
}

func TestSimilarityGeoExceptionDeniedForSameLocation(t *testing.T) {
	a, b := pair(0.97)
	g := newSimilarityGate(t, models.ContentPage{ID: "A", SiteID: "S", Title: "Plumbers", Path: "/a", Location: "Austin", Embedding: a})

	res := g.Evaluate(context.Background(), models.ContentPage{ID: "B", SiteID: "S", Title: "Plumbers", Path: "/b", Location: " austin ", Embedding: b})
	if res.Passed || res.Code != errcodes.ExactDuplicate {
		t.Fatalf("expected EXACT_DUPLICATE block, got %+v", res)
	}
}

func TestSimilarityBelowBlockingThresholdWarns(t *testing.T) {
	a, b := pair(0.75)
	g := newSimilarityGate(t, models.ContentPage{ID: "A", SiteID: "S", Embedding: a})

	res := g.Evaluate(context.Background(), models.ContentPage{ID: "B", SiteID: "S", Embedding: b})
	if !res.Passed {
		t.Fatalf("similar content must not block: %+v", res)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Code != errcodes.SimilarIntent {
		t.Fatalf("expected SIMILAR_INTENT warning, got %+v", res.Warnings)
	}
}

func TestSimilarityIgnoresSelfAndOtherSites(t *testing.T) {
	a, _ := pair(1)
	g := newSimilarityGate(t, models.ContentPage{ID: "A", SiteID: "S", Embedding: a})
	ctx := context.Background()

	if res := g.Evaluate(ctx, models.ContentPage{ID: "A", SiteID: "S", Embedding: a}); !res.Passed {
		t.Fatalf("a page must not collide with itself: %+v", res)
	}
	if res := g.Evaluate(ctx, models.ContentPage{ID: "X", SiteID: "other", Embedding: a}); !res.Passed {
		t.Fatalf("pages of another site must not collide: %+v", res)
	}
}
