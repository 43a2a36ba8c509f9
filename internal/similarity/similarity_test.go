package similarity

import (
	"context"
	"errors"
	"math"
	"testing"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

type staticSource struct {
	pages []models.PageEmbedding
	err   error
}

func (s staticSource) ListEmbeddings(_ context.Context, _ string) ([]models.PageEmbedding, error) {
	return s.pages, s.err
}

func TestCosineSelfSimilarity(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0},
		{0.3, -0.2, 0.9, 4},
		{1e-3, 2e-3, 3e-3},
	}
	for _, v := range vectors {
		got, err := Cosine(v, v)
		if err != nil {
			t.Fatalf("cosine: %v", err)
		}
		if math.Abs(got-1.0) > 1e-9 {
			t.Fatalf("Cosine(v,v) = %v, want 1.0", got)
		}
	}
}

func TestCosineClipsAndHandlesZero(t *testing.T) {
	got, err := Cosine([]float32{1, 0}, []float32{-1, 0})
	if err != nil || got != 0 {
		t.Fatalf("opposite vectors should clip to 0, got %v err=%v", got, err)
	}
	got, err = Cosine([]float32{0, 0}, []float32{1, 0})
	if err != nil || got != 0 {
		t.Fatalf("zero vector should score 0, got %v err=%v", got, err)
	}
}

func TestCosineDimensionMismatch(t *testing.T) {
	_, err := Cosine([]float32{1, 2}, []float32{1, 2, 3})
	if !errcodes.Is(err, errcodes.SystemEmbeddingDimension) {
		t.Fatalf("expected dimension mismatch error, got %v", err)
	}
}

func TestFindSimilarOrderingAndTieBreak(t *testing.T) {
	src := staticSource{pages: []models.PageEmbedding{
		{PageID: "p-c", Embedding: []float32{1, 0}},
		{PageID: "p-a", Embedding: []float32{1, 0}},
		{PageID: "p-b", Embedding: []float32{1, 1}},
		{PageID: "p-far", Embedding: []float32{0, 1}},
		{PageID: "p-self", Embedding: []float32{1, 0}},
		{PageID: "p-wrongdim", Embedding: []float32{1, 0, 0}},
	}}
	f := NewFinder(src)

	got, err := f.FindSimilar(context.Background(), Query{
		SiteID:     "s1",
		Embedding:  []float32{1, 0},
		Threshold:  0.5,
		ExcludeIDs: []string{"p-self"},
	})
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	want := []string{"p-a", "p-c", "p-b"}
	if len(got) != len(want) {
		t.Fatalf("got %d matches, want %d: %+v", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i].PageID != id {
			t.Fatalf("position %d: got %s, want %s", i, got[i].PageID, id)
		}
	}

	limited, _ := f.FindSimilar(context.Background(), Query{Embedding: []float32{1, 0}, Threshold: 0.5, Limit: 1})
	if len(limited) != 1 || limited[0].PageID != "p-a" {
		t.Fatalf("expected limit to keep the top match, got %+v", limited)
	}
}

func TestFindSimilarSourceError(t *testing.T) {
	f := NewFinder(staticSource{err: errors.New("db down")})
	if _, err := f.FindSimilar(context.Background(), Query{SiteID: "s"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Tier
	}{
		{1.0, TierExactDuplicate},
		{0.95, TierExactDuplicate},
		{0.94999, TierNearDuplicate},
		{0.85, TierNearDuplicate},
		{0.84999, TierSimilar},
		{0.70, TierSimilar},
		{0.69999, TierDistinct},
		{0, TierDistinct},
	}
	for _, tc := range cases {
		if got := Classify(tc.score); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestAssess(t *testing.T) {
	c := NewClassifier(0)
	if c.BlockingThreshold() != 0.85 {
		t.Fatalf("default blocking threshold = %v", c.BlockingThreshold())
	}

	a := c.Assess([]models.SimilarContent{
		{PageID: "b", Similarity: 0.90},
		{PageID: "c", Similarity: 0.86},
		{PageID: "d", Similarity: 0.72},
	})
	if !a.IsDuplicate || a.Tier != TierNearDuplicate || a.MaxSimilarity != 0.90 {
		t.Fatalf("unexpected assessment: %+v", a)
	}
	if len(a.Blocking) != 2 {
		t.Fatalf("expected two blocking matches, got %d", len(a.Blocking))
	}

	relaxed := NewClassifier(0.95).Assess([]models.SimilarContent{{PageID: "b", Similarity: 0.90}})
	if relaxed.IsDuplicate {
		t.Fatalf("0.90 should not block at threshold 0.95")
	}

	empty := c.Assess(nil)
	if empty.IsDuplicate || empty.Tier != TierDistinct || empty.Closest != nil {
		t.Fatalf("unexpected empty assessment: %+v", empty)
	}
}
