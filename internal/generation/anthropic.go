package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"content-governance/internal/errcodes"
)

// Anthropic implements Generator over the messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
	pricing   Pricing
}

func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		pricing:   cfg.Pricing,
	}, nil
}

func (c *Anthropic) Generate(ctx context.Context, req Request) (Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, unavailable(ctx, errcodes.SystemGenerationUnavailable, fmt.Errorf("anthropic messages: %w", err))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Result{}, errcodes.Wrap(errcodes.SystemGenerationUnavailable, errors.New("no text in response"))
	}

	res := Result{
		Text:             text.String(),
		Model:            c.model,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}
	res.CostUSD = c.pricing.Generation(res.PromptTokens, res.CompletionTokens)
	slog.DebugContext(ctx, "generation completed",
		"job_id", req.JobID,
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", res.PromptTokens,
		"output_tokens", res.CompletionTokens,
		"stop_reason", resp.StopReason,
		"cost_usd", res.CostUSD)
	return res, nil
}
