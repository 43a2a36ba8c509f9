package gates

import (
	"context"
	"fmt"

	"content-governance/internal/errcodes"
	"content-governance/internal/geo"
	"content-governance/internal/models"
	"content-governance/internal/similarity"
)

// IntentChecker detects cannibalization of a page against the rest of its site.
// The geo exception is consulted only once the closest match is a duplicate.
type IntentChecker struct {
	Finder        *similarity.Finder
	Classifier    similarity.Classifier
	Resolver      *geo.Resolver
	ScanThreshold float64
	Limit         int
}

// IntentOutcome is the verdict of one intent check.
type IntentOutcome struct {
	Assessment similarity.Assessment `json:"assessment"`
	Blocked    bool                  `json:"blocked"`
	Code       errcodes.Code         `json:"code,omitempty"`
	Decisions  []geo.Decision        `json:"geo_decisions,omitempty"`
	Reason     string                `json:"reason"`
}

// Warnings lists the non-blocking codes the outcome should surface.
func (o IntentOutcome) Warnings() []errcodes.ErrorCode {
	if o.Blocked || o.Code == "" {
		return nil
	}
	warnings := []errcodes.ErrorCode{errcodes.Must(o.Code)}
	if o.Assessment.IsDuplicate {
		warnings = append(warnings, errcodes.Must(errcodes.GeoExceptionGranted))
	}
	return warnings
}

// Check ranks the site's pages against embedding and classifies the closest match.
func (c IntentChecker) Check(ctx context.Context, siteID string, subject geo.Subject, embedding []float32) (IntentOutcome, error) {
	var exclude []string
	if subject.ID != "" {
		exclude = []string{subject.ID}
	}
	matches, err := c.Finder.FindSimilar(ctx, similarity.Query{
		SiteID:     siteID,
		Embedding:  embedding,
		Threshold:  c.ScanThreshold,
		ExcludeIDs: exclude,
		Limit:      c.Limit,
	})
	if err != nil {
		return IntentOutcome{}, err
	}

	a := c.Classifier.Assess(matches)
	out := IntentOutcome{Assessment: a, Code: a.Tier.Code()}
	if !a.IsDuplicate {
		if a.Closest != nil {
			out.Reason = fmt.Sprintf("closest page %s at %.4f is below the blocking threshold", a.Closest.PageID, a.MaxSimilarity)
		} else {
			out.Reason = "no similar pages"
		}
		return out, nil
	}

	for _, m := range a.Blocking {
		d := c.Resolver.Resolve(subject, geo.Subject{ID: m.PageID, Title: m.Title, Path: m.Path, Location: m.Location})
		out.Decisions = append(out.Decisions, d)
		if !d.Granted && !out.Blocked {
			out.Blocked = true
			out.Reason = fmt.Sprintf("%s with page %s (%s) at %.4f: %s", a.Tier, m.PageID, m.Path, m.Similarity, d.Reason)
		}
	}
	if !out.Blocked {
		out.Reason = fmt.Sprintf("%s downgraded by geo exception on %d page(s)", a.Tier, len(a.Blocking))
	}
	return out, nil
}

// SimilarityGate blocks pages that cannibalize an existing page of the same site.
type SimilarityGate struct {
	Checker IntentChecker
}

func (SimilarityGate) Name() string { return NameSimilarity }

func (g SimilarityGate) Evaluate(ctx context.Context, page models.ContentPage) models.GateCheckResult {
	if len(page.Embedding) == 0 {
		return Fail(errcodes.GateEmbedding, "cannot check intent without an embedding")
	}
	subject := geo.Subject{ID: page.ID, Title: page.Title, Path: page.Path, Location: page.Location}
	outcome, err := g.Checker.Check(ctx, page.SiteID, subject, page.Embedding)
	if err != nil {
		code, ok := errcodes.CodeOf(err)
		if !ok {
			code = errcodes.SystemStoreUnavailable
		}
		return Fail(code, "similarity lookup failed: "+err.Error())
	}

	var res models.GateCheckResult
	if outcome.Blocked {
		res = Fail(outcome.Code, outcome.Reason)
	} else {
		res = Pass(outcome.Reason)
		res.Warnings = outcome.Warnings()
	}
	res = withDetail(res, "max_similarity", outcome.Assessment.MaxSimilarity)
	res = withDetail(res, "tier", outcome.Assessment.Tier)
	res = withDetail(res, "is_duplicate", outcome.Assessment.IsDuplicate)
	if outcome.Assessment.Closest != nil {
		res = withDetail(res, "closest", *outcome.Assessment.Closest)
	}
	if len(outcome.Decisions) > 0 {
		res = withDetail(res, "geo_decisions", outcome.Decisions)
	}
	return res
}
