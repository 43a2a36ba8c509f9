package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"content-governance/internal/errcodes"
	"content-governance/internal/intent"
	"content-governance/internal/models"
)

func parseHTML(body string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// VisibleText returns the whitespace-collapsed text of body, ignoring script and style.
func VisibleText(body string) (string, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

// Outline lists heading texts by level.
type Outline struct {
	H1 []string
	H2 []string
}

func ParseOutline(body string) (Outline, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return Outline{}, err
	}
	var o Outline
	doc.Find("h1").Each(func(_ int, s *goquery.Selection) {
		o.H1 = append(o.H1, strings.TrimSpace(s.Text()))
	})
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		o.H2 = append(o.H2, strings.TrimSpace(s.Text()))
	})
	return o, nil
}

// SchemaSyncChecker verifies that structured data agrees with the page content.
type SchemaSyncChecker interface {
	CheckSchemaSync(ctx context.Context, page models.ContentPage) (inSync bool, reason string, err error)
}

// HTMLSchemaSync compares the JSON-LD headline with the page title and h1.
type HTMLSchemaSync struct{}

func (HTMLSchemaSync) CheckSchemaSync(_ context.Context, page models.ContentPage) (bool, string, error) {
	doc, err := parseHTML(page.BodyHTML)
	if err != nil {
		return false, "", err
	}
	var headlines []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		headlines = append(headlines, jsonLDHeadlines([]byte(s.Text()))...)
	})
	if len(headlines) == 0 {
		return false, "no JSON-LD headline found", nil
	}
	title := intent.Normalize(page.Title)
	matched := false
	for _, h := range headlines {
		if intent.Normalize(h) == title {
			matched = true
			break
		}
	}
	if !matched {
		return false, fmt.Sprintf("JSON-LD headline %q does not match title %q", headlines[0], page.Title), nil
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" && intent.Normalize(h1) != title {
		return false, fmt.Sprintf("h1 %q does not match title %q", h1, page.Title), nil
	}
	return true, "structured data in sync", nil
}

// jsonLDHeadlines pulls headline/name values out of a JSON-LD block,
// following top-level arrays and @graph.
func jsonLDHeadlines(raw []byte) []string {
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil
	}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			for _, key := range []string{"headline", "name"} {
				if s, ok := t[key].(string); ok && s != "" {
					out = append(out, s)
					break
				}
			}
			if graph, ok := t["@graph"]; ok {
				walk(graph)
			}
		}
	}
	walk(node)
	return out
}

// SchemaSyncGate wraps a SchemaSyncChecker.
type SchemaSyncGate struct {
	Checker SchemaSyncChecker
}

func (SchemaSyncGate) Name() string { return NameSchemaSync }

func (g SchemaSyncGate) Evaluate(ctx context.Context, page models.ContentPage) models.GateCheckResult {
	ok, reason, err := g.Checker.CheckSchemaSync(ctx, page)
	if err != nil {
		return Fail(errcodes.GateSchemaSync, "schema sync check failed: "+err.Error())
	}
	if !ok {
		return Fail(errcodes.GateSchemaSync, reason)
	}
	return Pass(reason)
}

// PerformanceEstimator predicts the transfer weight of a rendered page.
type PerformanceEstimator interface {
	EstimateWeightKB(ctx context.Context, page models.ContentPage) (float64, error)
}

// HTMLWeightEstimator sums the markup size and a flat cost per referenced asset.
type HTMLWeightEstimator struct {
	ImageKB      float64
	ScriptKB     float64
	StylesheetKB float64
}

// DefaultWeightEstimator uses typical asset sizes for content pages.
func DefaultWeightEstimator() HTMLWeightEstimator {
	return HTMLWeightEstimator{ImageKB: 120, ScriptKB: 40, StylesheetKB: 25}
}

func (e HTMLWeightEstimator) EstimateWeightKB(_ context.Context, page models.ContentPage) (float64, error) {
	doc, err := parseHTML(page.BodyHTML)
	if err != nil {
		return 0, err
	}
	kb := float64(len(page.BodyHTML)) / 1024
	kb += float64(doc.Find("img[src]").Length()) * e.ImageKB
	kb += float64(doc.Find("script[src]").Length()) * e.ScriptKB
	kb += float64(doc.Find(`link[rel="stylesheet"]`).Length()) * e.StylesheetKB
	return kb, nil
}

// PerformanceGate fails pages whose estimated weight exceeds MaxKB.
type PerformanceGate struct {
	Estimator PerformanceEstimator
	MaxKB     float64
}

func (PerformanceGate) Name() string { return NamePerformance }

func (g PerformanceGate) Evaluate(ctx context.Context, page models.ContentPage) models.GateCheckResult {
	kb, err := g.Estimator.EstimateWeightKB(ctx, page)
	if err != nil {
		return Fail(errcodes.GatePerformance, "weight estimate failed: "+err.Error())
	}
	if g.MaxKB > 0 && kb > g.MaxKB {
		res := Fail(errcodes.GatePerformance, fmt.Sprintf("estimated weight %.0fKB exceeds %.0fKB", kb, g.MaxKB))
		return withDetail(res, "weight_kb", kb)
	}
	return withDetail(Pass("page weight within budget"), "weight_kb", kb)
}
