package similarity

import (
	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

// Tier is a similarity classification.
type Tier string

const (
	TierExactDuplicate Tier = "EXACT_DUPLICATE"
	TierNearDuplicate  Tier = "NEAR_DUPLICATE_INTENT"
	TierSimilar        Tier = "SIMILAR_INTENT"
	TierDistinct       Tier = "DISTINCT_INTENT"
)

// Tier boundaries, inclusive lower bounds.
const (
	ExactDuplicateThreshold = 0.95
	NearDuplicateThreshold  = 0.85
	SimilarThreshold        = 0.70

	DefaultBlockingThreshold = NearDuplicateThreshold
)

// Classify maps a score onto its tier.
func Classify(score float64) Tier {
	switch {
	case score >= ExactDuplicateThreshold:
		return TierExactDuplicate
	case score >= NearDuplicateThreshold:
		return TierNearDuplicate
	case score >= SimilarThreshold:
		return TierSimilar
	default:
		return TierDistinct
	}
}

// Code returns the catalog code describing a tier; distinct content has none.
func (t Tier) Code() errcodes.Code {
	switch t {
	case TierExactDuplicate:
		return errcodes.ExactDuplicate
	case TierNearDuplicate:
		return errcodes.NearDuplicateIntent
	case TierSimilar:
		return errcodes.SimilarIntent
	default:
		return ""
	}
}

// Assessment summarizes a ranked match list.
type Assessment struct {
	MaxSimilarity float64                 `json:"max_similarity"`
	Tier          Tier                    `json:"tier"`
	IsDuplicate   bool                    `json:"is_duplicate"`
	Closest       *models.SimilarContent  `json:"closest,omitempty"`
	Blocking      []models.SimilarContent `json:"blocking,omitempty"`
}

// Classifier decides duplicate status against a blocking threshold.
type Classifier struct {
	blockingThreshold float64
}

// NewClassifier builds a classifier; a non-positive threshold selects the default.
func NewClassifier(blockingThreshold float64) Classifier {
	if blockingThreshold <= 0 {
		blockingThreshold = DefaultBlockingThreshold
	}
	return Classifier{blockingThreshold: blockingThreshold}
}

// BlockingThreshold returns the configured threshold.
func (c Classifier) BlockingThreshold() float64 {
	return c.blockingThreshold
}

// Assess expects matches in FindSimilar order.
func (c Classifier) Assess(matches []models.SimilarContent) Assessment {
	if len(matches) == 0 {
		return Assessment{Tier: TierDistinct}
	}
	closest := matches[0]
	a := Assessment{
		MaxSimilarity: closest.Similarity,
		Tier:          Classify(closest.Similarity),
		IsDuplicate:   closest.Similarity >= c.blockingThreshold,
		Closest:       &closest,
	}
	for _, m := range matches {
		if m.Similarity >= c.blockingThreshold {
			a.Blocking = append(a.Blocking, m)
		}
	}
	return a
}
