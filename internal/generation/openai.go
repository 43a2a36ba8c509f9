package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"content-governance/internal/errcodes"
)

// Config selects a provider endpoint and model.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	Pricing    Pricing
}

// OpenAI implements Generator over chat completions.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
	pricing   Pricing
}

func clientOptions(cfg Config) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return opts
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &OpenAI{
		client:    openai.NewClient(clientOptions(cfg)...),
		model:     model,
		maxTokens: maxTokens,
		pricing:   cfg.Pricing,
	}, nil
}

func (c *OpenAI) Generate(ctx context.Context, req Request) (Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You write publishable HTML content. Reply with the HTML body only."),
			openai.UserMessage(req.Prompt),
		},
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, unavailable(ctx, errcodes.SystemGenerationUnavailable, fmt.Errorf("openai chat: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Result{}, errcodes.Wrap(errcodes.SystemGenerationUnavailable, errors.New("no choices in response"))
	}

	res := Result{
		Text:             resp.Choices[0].Message.Content,
		Model:            c.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	res.CostUSD = c.pricing.Generation(res.PromptTokens, res.CompletionTokens)
	slog.DebugContext(ctx, "generation completed",
		"job_id", req.JobID,
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", res.PromptTokens,
		"completion_tokens", res.CompletionTokens,
		"cost_usd", res.CostUSD)
	return res, nil
}

// OpenAIEmbedder implements Embedder over the embeddings endpoint.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
	pricing    Pricing
}

func NewOpenAIEmbedder(cfg Config, dimensions int) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		client:     openai.NewClient(clientOptions(cfg)...),
		model:      model,
		dimensions: dimensions,
		pricing:    cfg.Pricing,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return Embedding{}, unavailable(ctx, errcodes.SystemEmbeddingUnavailable, fmt.Errorf("openai embeddings: %w", err))
	}
	if len(resp.Data) == 0 {
		return Embedding{}, errcodes.Wrap(errcodes.SystemEmbeddingUnavailable, errors.New("no embedding in response"))
	}
	raw := resp.Data[0].Embedding
	if e.dimensions > 0 && len(raw) != e.dimensions {
		return Embedding{}, errcodes.Newf(errcodes.SystemEmbeddingDimension, "got %d components, want %d", len(raw), e.dimensions)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return Embedding{
		Vector:  vec,
		Tokens:  resp.Usage.PromptTokens,
		CostUSD: e.pricing.Embedding(resp.Usage.PromptTokens),
	}, nil
}
