package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/config"
	"github.com/Zolokon/business-planner-sub000/internal/deadline"
	"github.com/Zolokon/business-planner-sub000/internal/embeddings"
	"github.com/Zolokon/business-planner-sub000/internal/estimate"
	"github.com/Zolokon/business-planner-sub000/internal/events"
	"github.com/Zolokon/business-planner-sub000/internal/extraction"
	"github.com/Zolokon/business-planner-sub000/internal/logging"
	"github.com/Zolokon/business-planner-sub000/internal/pipeline"
	"github.com/Zolokon/business-planner-sub000/internal/retrieval"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
	"github.com/Zolokon/business-planner-sub000/internal/telemetry"
	"github.com/Zolokon/business-planner-sub000/internal/transcription"
	"github.com/Zolokon/business-planner-sub000/internal/vectorstore"
)

// app holds every component a command needs. Close releases them in
// reverse order of construction.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	catalog   *business.Catalog
	store     *tasks.SQLiteStore
	embedder  embeddings.Provider
	index     vectorstore.Index
	runner    *pipeline.Runner
	recorder  *pipeline.Recorder
	nats      *nats.Conn
	completed *events.Subscriber

	closers []func() error
}

// newApp loads configuration from path and wires the pipeline. With
// withEvents set and NATS enabled, created tasks are published and a
// completion subscriber is prepared (not started).
func newApp(ctx context.Context, path string, withEvents bool) (*app, error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return buildApp(ctx, cfg, withEvents)
}

func buildApp(ctx context.Context, cfg *config.Config, withEvents bool) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return tel.Shutdown(sctx)
	})

	logger, err := newLogger(cfg.Logging, tel)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})
	zlog := logger.Underlying()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(cfg.Business)
	if err != nil {
		return nil, err
	}
	a.catalog = catalog

	store, err := tasks.Open(cfg.Storage.Dir, catalog,
		tasks.WithLocation(loc),
		tasks.WithLogger(zlog.Named("tasks")),
		tasks.WithMaxOpenConns(cfg.Storage.MaxOpenConns),
	)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	pcfg := embeddings.FromAppConfig(cfg.Embeddings)
	pcfg.Logger = zlog.Named("embeddings")
	embedder, err := embeddings.NewProvider(pcfg)
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	a.embedder = embedder
	a.closers = append(a.closers, embedder.Close)

	index, err := vectorstore.NewIndex(ctx, cfg.VectorStore, embedder.Dimension(), zlog.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}
	var source retrieval.Source = store
	recorderOpts := []pipeline.RecorderOption{
		pipeline.WithRecorderLogger(zlog.Named("recorder")),
		pipeline.WithEmbedder(embedder),
	}
	if index != nil {
		a.index = index
		a.closers = append(a.closers, index.Close)
		source = retrieval.IndexSource{Index: index}
		recorderOpts = append(recorderOpts, pipeline.WithIndex(index, embedder))
	}

	retriever, err := retrieval.New(embedder, source, retrieval.Config{
		Floor: cfg.Planner.SimilarityFloor,
		TopK:  cfg.Planner.TopK,
	}, zlog.Named("retrieval"))
	if err != nil {
		return nil, err
	}

	extractor, err := extraction.NewExtractor(cfg.LLM, catalog, zlog.Named("extraction"))
	if err != nil {
		return nil, fmt.Errorf("creating extractor: %w", err)
	}

	transcriber, err := transcription.New(cfg.Transcription, zlog.Named("transcription"))
	if err != nil {
		return nil, fmt.Errorf("creating transcriber: %w", err)
	}

	estimator, err := newEstimator(cfg, catalog, zlog.Named("estimate"))
	if err != nil {
		return nil, err
	}

	meter := tel.Meter("planner.pipeline")
	metrics := pipeline.NewMetrics(meter, zlog)

	runnerOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithTracer(tel.Tracer("planner.pipeline")),
		pipeline.WithMetrics(metrics),
	}
	if withEvents && cfg.NATS.Enabled {
		nc, err := events.Connect(cfg.NATS, zlog.Named("nats"))
		if err != nil {
			return nil, err
		}
		a.nats = nc
		a.closers = append(a.closers, func() error {
			nc.Close()
			return nil
		})
		publisher, err := events.NewPublisher(nc, cfg.NATS.CreatedSubject, zlog.Named("events"))
		if err != nil {
			return nil, err
		}
		runnerOpts = append(runnerOpts, pipeline.WithNotifier(publisher))
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Transcriber: transcriber,
		Extractor:   extractor,
		Resolver:    business.NewResolver(catalog),
		Normalizer:  deadline.New(loc),
		Retriever:   retriever,
		Estimator:   estimator,
		Store:       store,
		Embedder:    embedder,
	}, pipeline.Config{
		StageTimeout:        cfg.Planner.StageTimeout.Duration(),
		DefaultDeadlineDays: cfg.Planner.DefaultDeadlineDays,
	}, runnerOpts...)
	if err != nil {
		return nil, err
	}
	a.runner = runner

	recorderOpts = append(recorderOpts, pipeline.WithRecorderMetrics(metrics))
	a.recorder = pipeline.NewRecorder(store, recorderOpts...)

	if a.nats != nil {
		sub, err := events.NewSubscriber(a.nats, a.recorder, events.SubscriberConfig{
			Subject: cfg.NATS.CompletedSubject,
			Queue:   cfg.NATS.QueueGroup,
			Timeout: cfg.Planner.StageTimeout.Duration(),
		}, zlog.Named("events"))
		if err != nil {
			return nil, err
		}
		a.completed = sub
	}

	logger.Info(ctx, "planner initialized",
		zap.String("version", version),
		zap.String("timezone", loc.String()),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("llm", cfg.LLM.Provider),
	)
	return a, nil
}

func newLogger(lc config.LoggingConfig, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	if lc.Level != "" {
		level, err := logging.LevelFromString(lc.Level)
		if err != nil {
			return nil, err
		}
		lcfg.Level = level
	}
	if lc.Format != "" {
		lcfg.Format = lc.Format
	}
	provider := tel.LoggerProvider()
	lcfg.Output.OTEL = provider != nil
	logger, err := logging.NewLogger(lcfg, provider)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, nil
}

func loadCatalog(bc config.BusinessConfig) (*business.Catalog, error) {
	catalog := business.DefaultCatalog()
	if bc.CatalogPath != "" {
		loaded, err := business.LoadCatalog(bc.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("loading business catalog: %w", err)
		}
		catalog = loaded
	}
	if len(bc.TieBreak) == 0 {
		return catalog, nil
	}
	order := make([]business.ID, len(bc.TieBreak))
	for i, id := range bc.TieBreak {
		order[i] = business.ID(id)
	}
	return catalog.WithTieBreak(order)
}

func newEstimator(cfg *config.Config, catalog *business.Catalog, logger *zap.Logger) (*estimate.Estimator, error) {
	ecfg := estimate.Config{
		DefaultMinutes: cfg.Planner.DefaultDurationMinutes,
		MinMinutes:     cfg.Planner.MinDurationMinutes,
		MaxMinutes:     cfg.Planner.MaxDurationMinutes,
		UseHint:        cfg.Planner.UseCapacityHint,
	}
	opts := []estimate.Option{estimate.WithLogger(logger)}
	if ecfg.UseHint {
		if cfg.LLM.Provider != "openai" {
			logger.Warn("capacity hint needs the openai llm provider, disabled",
				zap.String("llm_provider", cfg.LLM.Provider))
			ecfg.UseHint = false
		} else {
			model, err := extraction.NewChatModel(cfg.LLM)
			if err != nil {
				return nil, fmt.Errorf("creating capacity hint model: %w", err)
			}
			opts = append(opts, estimate.WithHint(estimate.NewLLMHint(model, catalog)))
		}
	}
	return estimate.New(ecfg, opts...)
}

// Close releases every component. Errors are joined.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
