package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rezonia/fiscal-processor/internal/config"
	"github.com/rezonia/fiscal-processor/internal/logger"
	"github.com/rezonia/fiscal-processor/internal/metrics"
	"github.com/rezonia/fiscal-processor/internal/processor"
	"github.com/rezonia/fiscal-processor/internal/ratetable"
	sigxml "github.com/rezonia/fiscal-processor/internal/signature/xml"
	"github.com/rezonia/fiscal-processor/internal/store"
	"github.com/rezonia/fiscal-processor/internal/validator"
)

// app bundles what every command needs
type app struct {
	config   *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	pipeline *processor.Pipeline
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp loads config and builds the pipeline. persistent selects the
// configured store backend; otherwise documents go to a throwaway memory
// store.
func newApp(ctx context.Context, persistent bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	source := ratetable.NewSource(cfg.Pipeline.RateTablePath)
	rates, err := source.Load(ctx)
	if err != nil {
		logger.Sync(log)
		return nil, fmt.Errorf("failed to load rate table from %s: %w", source.Name(), err)
	}

	backend := store.Backend(store.NewMemoryBackend())
	if persistent {
		backend, err = openBackend(ctx, cfg, log)
		if err != nil {
			logger.Sync(log)
			return nil, err
		}
	}
	ledger := store.New(backend,
		store.WithTimeout(cfg.Storage.Timeout),
		store.WithLogger(log),
	)

	m := metrics.New()
	opts := []processor.Option{
		processor.WithStore(ledger),
		processor.WithRates(rates),
		processor.WithRateSource(source),
		processor.WithLogger(log),
		processor.WithMetrics(m),
		processor.WithConcurrency(cfg.Pipeline.Concurrency),
		processor.WithLookahead(cfg.Pipeline.LookaheadBytes),
		processor.WithValidator(validator.New(validator.WithRetroactiveDays(cfg.Pipeline.RetroactiveDays))),
	}
	if cfg.Pipeline.VerifySignature {
		opts = append(opts, processor.WithSignatureInspector(sigxml.NewXMLVerifier()))
	}

	log.Debug("Pipeline ready",
		zap.String("storage", ledger.Backend()),
		zap.String("rates", rates.Version),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
	)

	return &app{
		config:   cfg,
		logger:   log,
		metrics:  m,
		pipeline: processor.NewPipeline(opts...),
	}, nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := store.NewPool(ctx, store.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, log)
		if err != nil {
			return nil, err
		}
		backend := store.NewPostgresBackend(pool, log)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return backend, nil

	case config.BackendFirestore:
		client, err := store.NewFirestoreClient(ctx, cfg.Firestore.ProjectID, cfg.Firestore.DatabaseID)
		if err != nil {
			return nil, err
		}
		return store.NewFirestoreBackend(client, cfg.Firestore.Collection), nil

	default:
		return store.NewMemoryBackend(), nil
	}
}

// Close releases the store and flushes the logger
func (a *app) Close() {
	if err := a.pipeline.Store().Close(); err != nil {
		a.logger.Warn("Failed to close store", zap.Error(err))
	}
	logger.Sync(a.logger)
}
