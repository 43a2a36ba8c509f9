package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"content-governance/internal/models"
)

// Fixture describes a site with its silos and pages, as loaded by
// `governctl seed`.
type Fixture struct {
	Site struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Domain string `yaml:"domain"`
	} `yaml:"site"`
	Silos []struct {
		ID       string `yaml:"id"`
		ParentID string `yaml:"parent_id"`
		Name     string `yaml:"name"`
	} `yaml:"silos"`
	Pages []struct {
		ID             string    `yaml:"id"`
		SiloID         string    `yaml:"silo_id"`
		Title          string    `yaml:"title"`
		Path           string    `yaml:"path"`
		Keyword        string    `yaml:"keyword"`
		Location       string    `yaml:"location"`
		BodyHTML       string    `yaml:"body_html"`
		Embedding      []float32 `yaml:"embedding"`
		AuthorityScore float64   `yaml:"authority_score"`
		SourceURLs     []string  `yaml:"source_urls"`
		MediaURLs      []string  `yaml:"media_urls"`
		Status         string    `yaml:"status"`
	} `yaml:"pages"`
}

// LoadFixture parses a fixture file.
func LoadFixture(path string) (Fixture, error) {
	var f Fixture
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read fixture: %w", err)
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Site.ID == "" {
		return f, fmt.Errorf("fixture %s: site.id is required", path)
	}
	return f, nil
}

// Seed writes the fixture's site, silos and pages.
func (a *App) Seed(ctx context.Context, f Fixture, now time.Time) error {
	if err := a.Store.PutSite(ctx, models.Site{ID: f.Site.ID, Name: f.Site.Name, Domain: f.Site.Domain}); err != nil {
		return fmt.Errorf("put site: %w", err)
	}
	for _, s := range f.Silos {
		silo := models.Silo{ID: s.ID, SiteID: f.Site.ID, ParentID: s.ParentID, Name: s.Name}
		if err := a.Store.PutSilo(ctx, silo); err != nil {
			return fmt.Errorf("put silo %s: %w", s.ID, err)
		}
	}
	for _, p := range f.Pages {
		status := models.PageStatus(p.Status)
		if status == "" {
			status = models.PageDraft
		}
		page := models.ContentPage{
			ID:             p.ID,
			SiteID:         f.Site.ID,
			SiloID:         p.SiloID,
			Title:          p.Title,
			Path:           p.Path,
			Keyword:        p.Keyword,
			Location:       p.Location,
			BodyHTML:       p.BodyHTML,
			Embedding:      p.Embedding,
			AuthorityScore: p.AuthorityScore,
			SourceURLs:     p.SourceURLs,
			MediaURLs:      p.MediaURLs,
			Status:         status,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := a.Store.PutPage(ctx, page); err != nil {
			return fmt.Errorf("put page %s: %w", p.ID, err)
		}
	}
	a.Logger.InfoContext(ctx, "fixture seeded", "site_id", f.Site.ID, "silos", len(f.Silos), "pages", len(f.Pages))
	return nil
}
