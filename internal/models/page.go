package models

import "time"

// PageStatus is the externally visible lifecycle of a content page.
// It is distinct from the generation job state.
type PageStatus string

const (
	PageDraft          PageStatus = "draft"
	PageApproved       PageStatus = "approved"
	PagePublished      PageStatus = "published"
	PageBlocked        PageStatus = "blocked"
	PageDecommissioned PageStatus = "decommissioned"
)

// GovernanceStage names a key of the per-page governance checks map.
// Each stage writes only its own key.
type GovernanceStage string

const (
	StagePreGeneration    GovernanceStage = "pre_generation"
	StageDuringGeneration GovernanceStage = "during_generation"
	StagePostGeneration   GovernanceStage = "post_generation"
	StagePublished        GovernanceStage = "published"
	StageDecommission     GovernanceStage = "decommission"
)

// StageCheck is the outcome one stage recorded for a page.
type StageCheck struct {
	Passed    bool           `json:"passed"`
	Reason    string         `json:"reason,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// ContentPage is the generated page under governance.
type ContentPage struct {
	ID               string                         `json:"id"`
	SiteID           string                         `json:"site_id"`
	SiloID           string                         `json:"silo_id,omitempty"`
	Title            string                         `json:"title"`
	Path             string                         `json:"path"`
	Keyword          string                         `json:"keyword,omitempty"`
	Location         string                         `json:"location,omitempty"`
	BodyHTML         string                         `json:"body_html,omitempty"`
	Embedding        []float32                      `json:"embedding,omitempty"`
	AuthorityScore   float64                        `json:"authority_score"`
	SourceURLs       []string                       `json:"source_urls,omitempty"`
	MediaURLs        []string                       `json:"media_urls,omitempty"`
	GovernanceChecks map[GovernanceStage]StageCheck `json:"governance_checks,omitempty"`
	Status           PageStatus                     `json:"status"`
	CreatedAt        time.Time                      `json:"created_at"`
	UpdatedAt        time.Time                      `json:"updated_at"`
}

// Clone returns a deep copy of the page.
func (p ContentPage) Clone() ContentPage {
	out := p
	if p.Embedding != nil {
		out.Embedding = append([]float32(nil), p.Embedding...)
	}
	if p.SourceURLs != nil {
		out.SourceURLs = append([]string(nil), p.SourceURLs...)
	}
	if p.MediaURLs != nil {
		out.MediaURLs = append([]string(nil), p.MediaURLs...)
	}
	if p.GovernanceChecks != nil {
		out.GovernanceChecks = make(map[GovernanceStage]StageCheck, len(p.GovernanceChecks))
		for k, v := range p.GovernanceChecks {
			out.GovernanceChecks[k] = v
		}
	}
	return out
}

// PageEmbedding is the projection similarity search scans.
type PageEmbedding struct {
	PageID    string
	Title     string
	Path      string
	Location  string
	Embedding []float32
}

// SimilarContent is one ranked similarity match. It is never persisted.
type SimilarContent struct {
	PageID     string  `json:"page_id"`
	Title      string  `json:"title"`
	Path       string  `json:"path"`
	Location   string  `json:"location,omitempty"`
	Similarity float64 `json:"similarity"`
}

// Site owns pages and silos.
type Site struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Silo is a hub page cluster. ParentID references another silo by id; empty means hub.
type Silo struct {
	ID       string `json:"id"`
	SiteID   string `json:"site_id"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
}
