// Package app assembles the governance engine and its infrastructure from
// configuration. The worker and governctl binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"content-governance/internal/artifact"
	"content-governance/internal/budget"
	"content-governance/internal/config"
	"content-governance/internal/gates"
	"content-governance/internal/generation"
	"content-governance/internal/geo"
	"content-governance/internal/governance"
	"content-governance/internal/id"
	"content-governance/internal/models"
	"content-governance/internal/preflight"
	"content-governance/internal/queue"
	"content-governance/internal/ratelimit"
	"content-governance/internal/reservation"
	"content-governance/internal/similarity"
	"content-governance/internal/statemachine"
	"content-governance/internal/store"
	"content-governance/internal/telemetry"
	"content-governance/internal/worker"
)

// Store is everything the engine persists. Both the memory and Postgres
// stores satisfy it.
type Store interface {
	statemachine.JobStore
	budget.PageStore
	governance.Pages
	governance.JobIndex
	preflight.SiteDirectory
	similarity.EmbeddingSource
	reservation.Store

	Ping(ctx context.Context) error
	ListJobs(ctx context.Context, state models.JobState) ([]models.GenerationJob, error)
	PutPage(ctx context.Context, page models.ContentPage) error
	PutSite(ctx context.Context, site models.Site) error
	PutSilo(ctx context.Context, silo models.Silo) error
}

var (
	_ Store = (*store.Memory)(nil)
	_ Store = (*store.Store)(nil)
)

// App holds the wired components.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   Store
	Engine  *governance.Engine
	Redis   *redis.Client
	Queue   *queue.RedisQueue
	Limiter *ratelimit.TokenBucket
	Tracing *telemetry.Tracing

	pg      *store.Store
	closers []func()
}

// Build connects the configured backends and wires the engine. A missing
// provider key is tolerated: the app still serves reservations and
// inspection, and driving a job fails with SYSTEM_GENERATION_UNAVAILABLE.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := id.Init(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("init id node: %w", err)
	}
	a := &App{Config: cfg, Logger: logger}

	tracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:       cfg.OTelEndpoint,
		Headers:        cfg.OTelHeaders,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: cfg.OTelServiceVersion,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.Tracing = tracing
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	})

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	a.Queue = queue.NewRedisQueue(a.Redis, queue.Options{
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQKey:            cfg.DLQName,
	})
	a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	resStore, err := a.reservationStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	uploader, err := artifact.New(ctx, cfg.ArtifactDir, artifact.S3Config{
		Bucket:    cfg.ArtifactS3Bucket,
		Region:    cfg.ArtifactS3Region,
		Endpoint:  cfg.ArtifactS3Endpoint,
		PathStyle: cfg.ArtifactS3PathStyle,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("artifact storage: %w", err)
	}

	a.Engine = a.wire(resStore, uploader)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	if a.Config.StoreBackend == "memory" {
		a.Logger.Warn("using in-memory store, state is lost on exit")
		return store.NewMemory(), nil
	}
	pg, err := a.postgres(ctx)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func (a *App) postgres(ctx context.Context) (*store.Store, error) {
	if a.pg != nil {
		return a.pg, nil
	}
	pg, err := store.New(ctx, a.Config.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.pg = pg
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *App) reservationStore(ctx context.Context) (reservation.Store, error) {
	switch a.Config.ReservationBackend {
	case "redis":
		return reservation.NewRedisStore(a.Redis), nil
	case a.Config.StoreBackend:
		return a.Store, nil
	case "postgres":
		return a.postgres(ctx)
	default:
		return store.NewMemory(), nil
	}
}

func (a *App) wire(resStore reservation.Store, uploader artifact.Uploader) *governance.Engine {
	cfg := a.Config
	var rec telemetry.Recorder

	machine := statemachine.New(a.Store,
		statemachine.WithLogger(a.Logger),
		statemachine.WithHook(rec.Transition),
	)
	reservations := reservation.NewManager(resStore,
		reservation.WithLogger(a.Logger),
		reservation.WithDefaultTTL(cfg.Policy.Reservations.TTL),
		reservation.WithConflictHook(rec.ReservationConflict),
	)

	gp := GatePolicy(cfg.Policy)
	checker := &gates.IntentChecker{
		Finder:        similarity.NewFinder(a.Store),
		Classifier:    similarity.NewClassifier(cfg.Policy.Similarity.BlockingThreshold),
		Resolver:      geo.NewResolver(cfg.Policy.Similarity.GeoHeuristicFallback),
		ScanThreshold: cfg.Policy.Similarity.ScanThreshold,
		Limit:         cfg.Policy.Similarity.Limit,
	}
	collab := gates.Collaborators{
		SchemaSync:  gates.HTMLSchemaSync{},
		Performance: gates.DefaultWeightEstimator(),
		Media:       gates.NewHTTPMediaInspector(10*time.Second, cfg.MediaMaxBytes),
	}
	pre := gates.PreGeneration(gp).Observe(rec.Gate).WithLogger(a.Logger)
	post := gates.PostGeneration(gp, *checker, collab).Observe(rec.Gate).WithLogger(a.Logger)
	publish := gates.Publish(gp, collab).Observe(rec.Gate).WithLogger(a.Logger)

	validator := preflight.New(a.Store, PreflightPolicy(cfg.Policy),
		preflight.WithIntentChecker(checker),
		preflight.WithReservations(reservations),
		preflight.WithStageWriter(a.Store),
		preflight.WithLogger(a.Logger),
	)

	deps := budget.Deps{Machine: machine, Pages: a.Store, Pre: pre, Post: post}
	if g, err := a.generator(); err != nil {
		a.Logger.Warn("generation provider unavailable", "provider", cfg.GenerationProvider, "error", err)
	} else {
		deps.Generator = g
	}
	if e, err := a.embedder(); err != nil {
		a.Logger.Warn("embedding provider unavailable", "error", err)
	} else {
		deps.Embedder = e
	}
	controller := budget.New(deps,
		budget.WithArtifacts(uploader),
		budget.WithObserver(rec),
		budget.WithLogger(a.Logger),
		budget.WithBackoff(Backoff(cfg.BackoffInitial, cfg.BackoffMax)),
	)

	return governance.New(governance.Deps{
		Machine:      machine,
		Validator:    validator,
		Controller:   controller,
		Reservations: reservations,
		Pages:        a.Store,
		Jobs:         a.Store,
		Publish:      publish,
		Limits:       governance.Limits{MaxRetries: cfg.Policy.Budget.MaxRetries, MaxCostUSD: cfg.Policy.Budget.MaxCostPerJobUSD},
		Logger:       a.Logger,
	})
}

func (a *App) providerConfig(apiKey, model string) generation.Config {
	cfg := a.Config
	return generation.Config{
		APIKey:  apiKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   model,
		Pricing: generation.Pricing{
			PromptPer1K:     cfg.PromptPricePer1K,
			CompletionPer1K: cfg.CompletionPricePer1K,
			EmbeddingPer1K:  cfg.EmbeddingPricePer1K,
		},
	}
}

func (a *App) generator() (generation.Generator, error) {
	cfg := a.Config
	if cfg.GenerationProvider == "anthropic" {
		pc := a.providerConfig(cfg.AnthropicAPIKey, cfg.GenerationModel)
		pc.BaseURL = ""
		return generation.NewAnthropic(pc)
	}
	return generation.NewOpenAI(a.providerConfig(cfg.OpenAIAPIKey, cfg.GenerationModel))
}

func (a *App) embedder() (generation.Embedder, error) {
	pc := a.providerConfig(a.Config.OpenAIAPIKey, a.Config.EmbeddingModel)
	return generation.NewOpenAIEmbedder(pc, a.Config.Policy.Gates.EmbeddingDimensions)
}

// Migrate applies the Postgres schema. It is a no-op for the memory backend.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	return a.pg.RunMigrations(ctx)
}

// Ready checks the store and Redis.
func (a *App) Ready(ctx context.Context) error {
	return errors.Join(a.Store.Ping(ctx), a.Redis.Ping(ctx).Err())
}

// Worker builds a queue processor driving jobs through the engine.
func (a *App) Worker() *worker.Processor {
	cfg := a.Config
	return worker.NewProcessor(worker.Config{
		PollInterval:       cfg.WorkerPollInterval,
		MaxAttempts:        cfg.MaxAttempts,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
		Lease:              cfg.VisibilityTimeout,
	}, a.Queue, a.Engine,
		worker.WithLimiter(a.Limiter),
		worker.WithMetrics(telemetry.Recorder{}),
		worker.WithLogger(a.Logger),
		worker.WithWorkerID(cfg.WorkerID),
	)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// GatePolicy maps the configured policy onto gate thresholds.
func GatePolicy(p config.Policy) gates.Policy {
	return gates.Policy{
		MinTitleLength:           p.Structure.MinTitleLength,
		MaxTitleLength:           p.Structure.MaxTitleLength,
		MaxPathLength:            p.Structure.MaxPathLength,
		MinBodyChars:             p.Structure.MinBodyLength,
		MinH2:                    p.Structure.MinH2,
		EmbeddingDimensions:      p.Gates.EmbeddingDimensions,
		AuthoritySourceThreshold: p.Gates.AuthoritySourceThreshold,
		MaxPageWeightKB:          p.Gates.MaxPageWeightKB,
		MinMediaWidth:            p.Gates.MediaMinWidth,
	}
}

// PreflightPolicy maps the configured policy onto the structural limits.
func PreflightPolicy(p config.Policy) preflight.Policy {
	return preflight.Policy{
		MinTitleLength: p.Structure.MinTitleLength,
		MaxTitleLength: p.Structure.MaxTitleLength,
		MaxPathLength:  p.Structure.MaxPathLength,
		MinSilos:       p.Structure.MinSilos,
		MaxSilos:       p.Structure.MaxSilos,
	}
}

// Backoff doubles the pause between attempts of one drive, capped at max.
func Backoff(initial, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 || initial <= 0 {
			return 0
		}
		d := initial
		for i := 1; i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		return d
	}
}
