package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/adverant/nexus/answer-extraction-worker/internal/assign"
	"github.com/adverant/nexus/answer-extraction-worker/internal/clients"
	"github.com/adverant/nexus/answer-extraction-worker/internal/config"
	"github.com/adverant/nexus/answer-extraction-worker/internal/consensus"
	"github.com/adverant/nexus/answer-extraction-worker/internal/dispatch"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/render"
	"github.com/adverant/nexus/answer-extraction-worker/internal/storage"
)

// pipeline is everything built from configuration
type pipeline struct {
	processor *processor.SubmissionProcessor
	registry  *ocr.Registry
	strategy  consensus.Strategy
	store     storage.Store
	index     *storage.AnswerIndex
}

func (p *pipeline) Close() {
	if p.index != nil {
		_ = p.index.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}

// buildPipeline wires renderer, engines, consensus and storage. withStorage
// false uses the in-memory store and skips the answer index.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger, withStorage bool) (*pipeline, error) {
	p := &pipeline{}

	renderer, err := buildRenderer(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry, err := ocr.NewRegistryFromSpecs(cfg.EngineSpecs(), logger.With("ocr"))
	if err != nil {
		return nil, fmt.Errorf("failed to build engine registry: %w", err)
	}
	if cfg.TesseractEnabled {
		if err := registry.Register(tesseract.New(tesseract.Config{
			Languages: cfg.TesseractLanguages(),
			Timeout:   cfg.EngineTimeout,
		})); err != nil {
			return nil, err
		}
	}
	if registry.Len() == 0 {
		return nil, fmt.Errorf("no recognition engines configured")
	}
	p.registry = registry

	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	for engine, herr := range registry.HealthCheckAll(healthCtx) {
		if herr != nil {
			logger.Warn("Engine health check failed; it will still be dispatched", "engine", engine, "error", herr)
		} else {
			logger.Info("Engine healthy", "engine", engine)
		}
	}
	cancel()

	strategy, ccfg, err := cfg.Consensus()
	if err != nil {
		return nil, err
	}
	var arbiter consensus.Arbiter
	if strategy == consensus.StrategyAIArbiter {
		client, err := clients.NewArbiterClient(clients.ArbiterConfig{
			APIKey:  cfg.ArbiterAPIKey,
			BaseURL: cfg.ArbiterBaseURL,
			Model:   cfg.ArbiterModel,
			Timeout: cfg.ArbiterTimeout,
			Logger:  logger.With("arbiter"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create arbiter client: %w", err)
		}
		arbiter = client
	}
	resolver, err := consensus.New(strategy, ccfg, arbiter)
	if err != nil {
		return nil, err
	}
	p.strategy = strategy

	procCfg := &processor.ProcessorConfig{
		Renderer:            renderer,
		Builder:             assign.NewBuilder(assign.Options{ForceSegmentation: cfg.ForceSegmentation}, logger.With("assign")),
		Dispatcher:          dispatch.New(logger.With("dispatch")),
		Engines:             registry,
		Resolver:            resolver,
		Logger:              logger.With("processor"),
		HTTPClient:          &http.Client{Timeout: 2 * time.Minute},
		MaxFileSize:         cfg.MaxFileSize,
		QuestionConcurrency: cfg.QuestionConcurrency,
		PageCostUSD:         cfg.PageCostUSD,
		ArbiterCallCostUSD:  cfg.ArbiterCallCostUSD,
	}
	if cfg.ArtifactURL != "" {
		procCfg.Archive = clients.NewArtifactClient(cfg.ArtifactURL, cfg.ArtifactTTLDays, logger.With("artifacts"))
	}

	if withStorage {
		if err := p.openStorage(cfg, logger); err != nil {
			return nil, err
		}
		if p.index != nil {
			procCfg.Index = p.index
		}
	} else {
		p.store = storage.NewMemoryStore()
	}

	proc, err := processor.NewSubmissionProcessor(procCfg)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to initialize submission processor: %w", err)
	}
	p.processor = proc
	return p, nil
}

func buildRenderer(cfg *config.Config, logger *logging.Logger) (render.Renderer, error) {
	opts := render.Options{DPI: cfg.RenderDPI, Format: cfg.RenderFormat}
	if cfg.RendererURL != "" {
		return render.NewHTTPRenderer(cfg.RendererURL, opts, logger.With("render")), nil
	}
	r, err := render.NewCommandRenderer(cfg.RendererCommand, opts, logger.With("render"))
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}
	return r, nil
}

func (p *pipeline) openStorage(cfg *config.Config, logger *logging.Logger) error {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; results are kept in memory only")
		p.store = storage.NewMemoryStore()
	} else {
		pg, err := storage.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		logger.Info("PostgreSQL store ready")
		p.store = pg
	}

	if cfg.QdrantURL == "" {
		return nil
	}
	embedder, err := storage.NewEmbeddingClient(cfg.VoyageAPIKey, cfg.VoyageURL, logger.With("embedding"))
	if err != nil {
		logger.Warn("Answer index disabled", "error", err)
		return nil
	}
	qc, err := storage.NewQdrantClient(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		p.Close()
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	p.index = storage.NewAnswerIndex(qc, embedder, logger.With("index"))
	logger.Info("Answer index ready", "collection", cfg.QdrantCollection)
	return nil
}
