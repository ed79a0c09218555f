// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/config"
	"github.com/markdave123-py/crmrag/internal/core"
	db "github.com/markdave123-py/crmrag/internal/core/database"
	"github.com/markdave123-py/crmrag/internal/core/extractor"
	"github.com/markdave123-py/crmrag/internal/core/ingestion_engine"
	"github.com/markdave123-py/crmrag/internal/core/llm"
	objectclient "github.com/markdave123-py/crmrag/internal/core/object-client"
	"github.com/markdave123-py/crmrag/internal/core/ratelimit"
	"github.com/markdave123-py/crmrag/internal/core/retry"
	"github.com/markdave123-py/crmrag/internal/metrics"
	"github.com/markdave123-py/crmrag/internal/services"
)

type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Providers    []core.AIProvider
	Processor    *ingestion_engine.Processor
	Documents    *services.DocumentService
	Chat         *services.ChatService
	Registry     *prometheus.Registry
	Server       *Server
}

// NewApp connects every dependency named by cfg.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.Registry)

	if a.DBClient, err = newDbClient(appCtx, cfg, logger); err != nil {
		return nil, err
	}
	logger.Info("database initialized and ready", zap.String("driver", cfg.DatabaseDriver))

	if a.ObjectClient, err = newObjectClient(appCtx, cfg, logger); err != nil {
		return nil, err
	}
	logger.Info("file store initialized and ready", zap.String("store", cfg.FileStore))

	limiter := ratelimit.NewRegistry()
	providers := llm.NewRegistry()

	primary, err := providers.NewProvider(appCtx, cfg.AIProvider, providerOptions(cfg, cfg.AIProvider, true, limiter, m, logger))
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the %s provider: %w", cfg.AIProvider, err)
	}
	a.Providers = append(a.Providers, primary)

	if name := cfg.AIFallbackProvider; name != "" && name != cfg.AIProvider {
		fallback, err := providers.NewProvider(appCtx, name, providerOptions(cfg, name, false, limiter, m, logger))
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the %s fallback provider: %w", name, err)
		}
		a.Providers = append(a.Providers, fallback)
	}

	var ocr extractor.OCREngine
	if cfg.OCREnabled {
		ocr, err = extractor.NewTesseractEngine()
		if err != nil {
			logger.Warn("OCR requested but unavailable, images will yield no text", zap.Error(err))
			ocr, err = nil, nil
		}
	}
	documentExtractor := extractor.NewDocconvExtractor(extractor.Options{
		OCR:           ocr,
		MinConfidence: cfg.OCRMinConfidence,
		Logger:        logger,
	})

	ingCfg := ingestion_engine.DefaultIngestConfig()
	ingCfg.ChunkSize = cfg.ChunkSize
	ingCfg.BatchSize = cfg.EmbedBatchSize
	ingCfg.BatchDelay = cfg.EmbedBatchDelay
	ingCfg.MaxContentLength = cfg.MaxContentLength
	ingCfg.SearchThreshold = cfg.SearchThreshold
	ingCfg.SearchLimit = cfg.SearchLimit

	a.Processor = ingestion_engine.NewProcessor(a.DBClient, a.ObjectClient, primary, documentExtractor, ingCfg, m, logger)
	a.Documents = services.NewDocumentService(a.Processor, a.ObjectClient, logger)
	a.Chat = services.NewChatService(a.Documents, logger, a.Providers...)

	a.Server = NewServer(cfg, NewRouter(RouterDeps{
		Config:   cfg,
		Docs:     a.Documents,
		Chat:     a.Chat,
		Gatherer: a.Registry,
		Logger:   logger,
	}), logger)

	return a, nil
}

// Run starts the ingestion workers and serves HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Processor.Start(ctx, a.Config.IngestWorkers)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Server.Shutdown(shutdownCtx)
}

func (a *App) Close() {
	for _, p := range a.Providers {
		if err := p.Close(); err != nil {
			a.Logger.Warn("closing provider", zap.String("provider", p.Name()), zap.Error(err))
		}
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}

func newDbClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.DbClient, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return db.NewDatabaseClient(ctx, cfg, logger)
	case "sqlite":
		return db.NewSQLiteClient(ctx, cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("%w: unknown DATABASE_DRIVER %q", core.ErrInvalidConfig, cfg.DatabaseDriver)
	}
}

func newObjectClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.ObjectClient, error) {
	switch cfg.FileStore {
	case "s3":
		return objectclient.NewS3Client(ctx, cfg, logger)
	case "local":
		return objectclient.NewLocalClient(cfg.LocalStoreDir)
	default:
		return nil, fmt.Errorf("%w: unknown FILE_STORE %q", core.ErrInvalidConfig, cfg.FileStore)
	}
}

// providerOptions maps config onto provider options. Model names and the
// embedding dimension only apply to the primary provider; a fallback keeps
// its own defaults.
func providerOptions(cfg *config.Config, name string, primary bool, limiter *ratelimit.Registry, m *metrics.Metrics, logger *zap.Logger) llm.Options {
	opts := llm.Options{
		MaxConcurrent: cfg.AIMaxConcurrent,
		Limiter:       limiter,
		RateLimit: ratelimit.Config{
			RequestsPerMinute: cfg.AIRequestsPerMinute,
			BurstLimit:        cfg.AIBurstLimit,
			RetryAfterBase:    cfg.AIRetryAfter,
		},
		Retry: retry.Config{
			MaxRetries:    cfg.RetryMax,
			InitialDelay:  cfg.RetryInitialDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			BackoffFactor: cfg.RetryBackoffFactor,
			JitterFactor:  cfg.RetryJitterFactor,
		},
		Metrics: m,
		Logger:  logger,
	}
	if primary {
		opts.ChatModel = cfg.GenModel
		opts.EmbedModel = cfg.EmbedModel
		opts.Dimension = cfg.EmbedDim
	}

	switch name {
	case "gemini":
		opts.APIKey = cfg.AIAPIKey
	case "openai":
		opts.APIKey = cfg.OpenAIAPIKey
		opts.BaseURL = cfg.OpenAIBaseURL
	case "http":
		opts.APIKey = cfg.AIAPIKey
		opts.BaseURL = cfg.EmbedHTTPURL
	}
	return opts
}
