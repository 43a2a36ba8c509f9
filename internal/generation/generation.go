// Package generation adapts LLM providers to the generation and embedding
// collaborators the budget controller drives.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

// Request is one generation call.
type Request struct {
	JobID     string
	PageID    string
	Prompt    string
	MaxTokens int
}

// Result is the provider output and what it cost.
type Result struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// Generator turns a prompt into text and a cost.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Embedding is a vector and the cost of producing it.
type Embedding struct {
	Vector  []float32
	Tokens  int64
	CostUSD float64
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// Pricing is USD per 1000 tokens.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
	EmbeddingPer1K  float64
}

func (p Pricing) Generation(promptTokens, completionTokens int64) float64 {
	return round6(float64(promptTokens)/1000*p.PromptPer1K + float64(completionTokens)/1000*p.CompletionPer1K)
}

func (p Pricing) Embedding(tokens int64) float64 {
	return round6(float64(tokens) / 1000 * p.EmbeddingPer1K)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Prompt renders the minimal instruction for a page. Richer prompt building
// belongs to the surrounding platform.
func Prompt(page models.ContentPage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write an HTML article titled %q for the path %s.", page.Title, page.Path)
	if page.Keyword != "" {
		fmt.Fprintf(&b, " Target keyword: %s.", page.Keyword)
	}
	if page.Location != "" {
		fmt.Fprintf(&b, " Location: %s.", page.Location)
	}
	b.WriteString(" Use exactly one h1 and at least two h2 sections.")
	return b.String()
}

// IsRetryable reports whether a provider error is worth another attempt:
// rate limits, server errors and network failures are, client errors are not.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	status := 0
	var oaErr *openai.Error
	var anErr *anthropic.Error
	switch {
	case errors.As(err, &oaErr):
		status = oaErr.StatusCode
	case errors.As(err, &anErr):
		status = anErr.StatusCode
	default:
		slog.WarnContext(ctx, "provider network error, will retry", "error", err)
		return true
	}
	switch {
	case status == 429:
		slog.WarnContext(ctx, "provider rate limited, will retry", "status_code", status)
		return true
	case status >= 500:
		slog.WarnContext(ctx, "provider server error, will retry", "status_code", status)
		return true
	default:
		slog.ErrorContext(ctx, "provider client error, not retryable", "status_code", status)
		return false
	}
}

// unavailable wraps a provider failure in the matching SYSTEM_* code.
func unavailable(ctx context.Context, code errcodes.Code, err error) error {
	return errcodes.Wrap(code, err).WithDetail("retryable", IsRetryable(ctx, err))
}

// Retryable reports the retryable flag recorded on a wrapped provider error.
func Retryable(err error) bool {
	var coded *errcodes.Error
	if !errors.As(err, &coded) {
		return false
	}
	v, _ := coded.Details["retryable"].(bool)
	return v
}
