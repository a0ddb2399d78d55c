package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	httpadapter "github.com/kirillkom/promo-price-tracker/internal/adapters/http"
	"github.com/kirillkom/promo-price-tracker/internal/catalog"
	"github.com/kirillkom/promo-price-tracker/internal/config"
	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/core/matching"
	"github.com/kirillkom/promo-price-tracker/internal/core/pricing"
	"github.com/kirillkom/promo-price-tracker/internal/core/usecase"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/auth/static"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/llm/openai"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/queue/nats"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/raster"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/resilience"
	"github.com/kirillkom/promo-price-tracker/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/promo-price-tracker/internal/observability/metrics"
)

type App struct {
	Config  config.Config
	Catalog *catalog.Catalog

	Queue    *nats.Queue
	Uploads  *postgres.UploadRepository
	Storage  *localfs.Storage
	Auth     *static.Authenticator
	Pipeline *metrics.PipelineMetrics

	StageUC  *usecase.StageBrochureUseCase
	IngestUC *usecase.IngestBrochureUseCase
	RetryUC  *usecase.RetryUseCase
	MatchUC  *usecase.MatchProductUseCase

	closeFn func()
}

// New wires every adapter. service names the process in logs and metrics;
// registry may be nil.
func New(ctx context.Context, cfg config.Config, service string, registry *prometheus.Registry, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog.loaded", "products", cat.Len(), "absolute_min_price", cat.AbsoluteMinPrice())

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	uploads := postgres.NewUploadRepository(db)
	candidates := postgres.NewCandidateRepository(db)
	prices := postgres.NewPriceRepository(db)

	storage, err := localfs.New(localfs.Options{
		BasePath:      cfg.StoragePath,
		SigningSecret: cfg.BlobSigningSecret,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	auth, err := static.Parse(cfg.AdminTokens)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("parse admin tokens: %w", err)
	}

	pipeline := metrics.NewPipelineMetrics(service, registry)
	executor := resilience.NewExecutor(resilience.DefaultConfig())

	queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
		LagObserver:        pipeline,
		Logger:             logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	inference, err := openai.New(openai.Config{
		BaseURL:        cfg.LLMBaseURL,
		APIKey:         cfg.LLMAPIKey,
		Model:          cfg.LLMModel,
		Temperature:    cfg.LLMTemperature,
		ExtractTimeout: time.Duration(cfg.LLMExtractTimeoutSeconds) * time.Second,
		MatchTimeout:   time.Duration(cfg.LLMMatchTimeoutSeconds) * time.Second,
	}, cat, executor, logger)
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init inference client: %w", err)
	}
	if !inference.Configured() {
		logger.Warn("inference.disabled", "reason", "LLM_API_KEY is empty; extraction returns no candidates")
	}

	keywords := matching.NewKeywordMatcher(cat)
	validator := pricing.NewValidator(cat)

	ingestUC := usecase.NewIngestBrochureUseCase(usecase.IngestDeps{
		Uploads:          uploads,
		Candidates:       candidates,
		Prices:           prices,
		Extractor:        inference,
		Keywords:         keywords,
		Labels:           inference,
		Validator:        validator,
		Catalog:          cat,
		Observer:         pipeline,
		Logger:           logger,
		MatchConcurrency: cfg.MatchConcurrency,
	})
	rasterizer := raster.New(raster.Options{Binary: cfg.PDFToPPMPath})
	retryUC := usecase.NewRetryUseCase(uploads, storage, queue, rasterizer, ingestUC, RasterOptions(cfg), logger)

	return &App{
		Config:   cfg,
		Catalog:  cat,
		Queue:    queue,
		Uploads:  uploads,
		Storage:  storage,
		Auth:     auth,
		Pipeline: pipeline,

		StageUC:  usecase.NewStageBrochureUseCase(uploads, storage),
		IngestUC: ingestUC,
		RetryUC:  retryUC,
		MatchUC:  usecase.NewMatchProductUseCase(keywords, inference, pipeline, logger),

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

// RouterDependencies exposes the app to the HTTP adapter.
func (a *App) RouterDependencies(httpMetrics *metrics.HTTPServerMetrics) httpadapter.Dependencies {
	return httpadapter.Dependencies{
		Stager:   a.StageUC,
		Ingestor: a.IngestUC,
		Matcher:  a.MatchUC,
		Retry:    a.RetryUC,
		Uploads:  a.StageUC,
		Auth:     a.Auth,
		Blobs:    a.Storage,
		Metrics:  httpMetrics,
	}
}

func RasterOptions(cfg config.Config) domain.RasterOptions {
	return domain.RasterOptions{
		MaxPages: cfg.RasterMaxPages,
		Scale:    cfg.RasterScale,
		Quality:  cfg.RasterQuality,
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
