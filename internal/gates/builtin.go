package gates

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

// Gate names as reported in AllGatesResult.
const (
	NameGovernance       = "governance"
	NameSchemaSync       = "schema_sync"
	NameEmbedding        = "embedding"
	NameAuthoritySources = "authority_sources"
	NameStructure        = "structure"
	NamePublishStatus    = "publish_status"
	NameEligibility      = "eligibility"
	NameSimilarity       = "similarity"
	NameFormat           = "format"
	NamePerformance      = "performance"
	NameMedia            = "media"
)

// GovernanceGate requires each listed stage to have recorded a passing check.
type GovernanceGate struct {
	Stages []models.GovernanceStage
}

func (GovernanceGate) Name() string { return NameGovernance }

func (g GovernanceGate) Evaluate(_ context.Context, page models.ContentPage) models.GateCheckResult {
	var missing, failed []string
	for _, stage := range g.Stages {
		check, ok := page.GovernanceChecks[stage]
		switch {
		case !ok:
			missing = append(missing, string(stage))
		case !check.Passed:
			failed = append(failed, string(stage))
		}
	}
	if len(missing) == 0 && len(failed) == 0 {
		return Pass("all governance stages passed")
	}
	res := Fail(errcodes.GateGovernance, fmt.Sprintf("governance stages incomplete: missing %v, failed %v", missing, failed))
	res = withDetail(res, "missing", missing)
	return withDetail(res, "failed", failed)
}

// EmbeddingGate requires an embedding, of Dimensions components when set.
type EmbeddingGate struct {
	Dimensions int
}

func (EmbeddingGate) Name() string { return NameEmbedding }

func (g EmbeddingGate) Evaluate(_ context.Context, page models.ContentPage) models.GateCheckResult {
	if len(page.Embedding) == 0 {
		return Fail(errcodes.GateEmbedding, "page has no embedding")
	}
	if g.Dimensions > 0 && len(page.Embedding) != g.Dimensions {
		res := Fail(errcodes.GateEmbedding, fmt.Sprintf("embedding has %d components, want %d", len(page.Embedding), g.Dimensions))
		return withDetail(res, "dimensions", len(page.Embedding))
	}
	return Pass("embedding present")
}

// AuthoritySourcesGate requires citations on pages whose authority score exceeds Threshold.
type AuthoritySourcesGate struct {
	Threshold float64
}

func (AuthoritySourcesGate) Name() string { return NameAuthoritySources }

func (g AuthoritySourcesGate) Evaluate(_ context.Context, page models.ContentPage) models.GateCheckResult {
	if page.AuthorityScore > g.Threshold && len(nonEmpty(page.SourceURLs)) == 0 {
		res := Fail(errcodes.GateAuthoritySource,
			fmt.Sprintf("authority score %.2f exceeds %.2f but no source urls are cited", page.AuthorityScore, g.Threshold))
		return withDetail(res, "authority_score", page.AuthorityScore)
	}
	return Pass("source citation requirement met")
}

// StructureGate checks title, path and, when MinBodyChars > 0, visible body text length.
type StructureGate struct {
	MinTitleLength int
	MaxTitleLength int
	MaxPathLength  int
	MinBodyChars   int
}

func (StructureGate) Name() string { return NameStructure }

func (g StructureGate) Evaluate(_ context.Context, page models.ContentPage) models.GateCheckResult {
	var problems []string
	title := strings.TrimSpace(page.Title)
	if n := utf8.RuneCountInString(title); n < g.MinTitleLength {
		problems = append(problems, fmt.Sprintf("title has %d characters, minimum %d", n, g.MinTitleLength))
	} else if g.MaxTitleLength > 0 && n > g.MaxTitleLength {
		problems = append(problems, fmt.Sprintf("title has %d characters, maximum %d", n, g.MaxTitleLength))
	}
	if !strings.HasPrefix(page.Path, "/") {
		problems = append(problems, "path must start with /")
	}
	if g.MaxPathLength > 0 && len(page.Path) > g.MaxPathLength {
		problems = append(problems, fmt.Sprintf("path has %d characters, maximum %d", len(page.Path), g.MaxPathLength))
	}
	if g.MinBodyChars > 0 {
		text, err := VisibleText(page.BodyHTML)
		if err != nil {
			problems = append(problems, "body is not parseable html: "+err.Error())
		} else if n := utf8.RuneCountInString(text); n < g.MinBodyChars {
			problems = append(problems, fmt.Sprintf("body has %d characters of text, minimum %d", n, g.MinBodyChars))
		}
	}
	if len(problems) > 0 {
		return withDetail(Fail(errcodes.GateStructure, strings.Join(problems, "; ")), "problems", problems)
	}
	return Pass("structure complete")
}

// PublishStatusGate allows publishing only from draft or approved.
type PublishStatusGate struct{}

func (PublishStatusGate) Name() string { return NamePublishStatus }

func (PublishStatusGate) Evaluate(_ context.Context, page models.ContentPage) models.GateCheckResult {
	switch page.Status {
	case models.PageDraft, models.PageApproved, "":
		return Pass("status eligible for publishing")
	default:
		return withDetail(Fail(errcodes.GatePublishStatus, fmt.Sprintf("page status %q cannot be published", page.Status)),
			"status", page.Status)
	}
}

// EligibilityGate rejects generation for blocked or decommissioned pages.
type EligibilityGate struct{}

func (EligibilityGate) Name() string { return NameEligibility }

func (EligibilityGate) Evaluate(_ context.Context, page models.ContentPage) models.GateCheckResult {
	switch page.Status {
	case models.PageBlocked, models.PageDecommissioned:
		return Fail(errcodes.GatePublishStatus, fmt.Sprintf("page is %s", page.Status))
	default:
		return Pass("page eligible for generation")
	}
}

// FormatGate requires exactly one h1 and at least MinH2 h2 headings.
type FormatGate struct {
	MinH2 int
}

func (FormatGate) Name() string { return NameFormat }

func (g FormatGate) Evaluate(_ context.Context, page models.ContentPage) models.GateCheckResult {
	outline, err := ParseOutline(page.BodyHTML)
	if err != nil {
		return Fail(errcodes.GateFormat, "body is not parseable html: "+err.Error())
	}
	var problems []string
	if len(outline.H1) != 1 {
		problems = append(problems, fmt.Sprintf("found %d h1 headings, want exactly 1", len(outline.H1)))
	}
	if len(outline.H2) < g.MinH2 {
		problems = append(problems, fmt.Sprintf("found %d h2 headings, want at least %d", len(outline.H2), g.MinH2))
	}
	if len(problems) > 0 {
		res := Fail(errcodes.GateFormat, strings.Join(problems, "; "))
		res = withDetail(res, "h1", len(outline.H1))
		return withDetail(res, "h2", len(outline.H2))
	}
	return Pass("heading outline valid")
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
