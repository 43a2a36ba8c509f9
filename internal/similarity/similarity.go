// Package similarity ranks site-scoped content by embedding cosine similarity
// and classifies scores into duplicate tiers.
package similarity

import (
	"context"
	"fmt"
	"math"
	"sort"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

// Cosine returns dot(a,b)/(|a|·|b|) clipped to [0,1].
// Vectors must have equal length; a zero vector scores 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errcodes.Newf(errcodes.SystemEmbeddingDimension, "got %d and %d components", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return clip(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}

func clip(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// EmbeddingSource lists the embeddings of a site's pages.
type EmbeddingSource interface {
	ListEmbeddings(ctx context.Context, siteID string) ([]models.PageEmbedding, error)
}

// Query scopes a nearest-neighbour lookup.
type Query struct {
	SiteID     string
	Embedding  []float32
	Threshold  float64
	ExcludeIDs []string
	Limit      int
}

// Finder ranks stored pages against an embedding.
type Finder struct {
	source EmbeddingSource
}

// NewFinder wires a Finder over source.
func NewFinder(source EmbeddingSource) *Finder {
	return &Finder{source: source}
}

// FindSimilar returns pages with similarity >= Threshold ordered by similarity
// descending, ties broken by page id ascending. Limit <= 0 means no limit.
// Candidates with a different dimension are skipped.
func (f *Finder) FindSimilar(ctx context.Context, q Query) ([]models.SimilarContent, error) {
	candidates, err := f.source.ListEmbeddings(ctx, q.SiteID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings for site %s: %w", q.SiteID, err)
	}
	return Rank(q, candidates), nil
}

// Rank applies the FindSimilar ordering to an in-memory candidate list.
func Rank(q Query, candidates []models.PageEmbedding) []models.SimilarContent {
	excluded := make(map[string]struct{}, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		excluded[id] = struct{}{}
	}

	out := make([]models.SimilarContent, 0)
	for _, c := range candidates {
		if _, skip := excluded[c.PageID]; skip {
			continue
		}
		if len(c.Embedding) != len(q.Embedding) {
			continue
		}
		score, err := Cosine(q.Embedding, c.Embedding)
		if err != nil || score < q.Threshold {
			continue
		}
		out = append(out, models.SimilarContent{
			PageID:     c.PageID,
			Title:      c.Title,
			Path:       c.Path,
			Location:   c.Location,
			Similarity: score,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].PageID < out[j].PageID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
