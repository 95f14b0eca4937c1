/**
 * Configuration for the Answer Extraction Worker
 *
 * Loads configuration from environment variables (and an optional .env file)
 * through viper. Every key has a default except the ones a deployment must
 * choose: at least one recognition engine, and an arbiter key when the
 * ai_arbiter strategy is selected.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/adverant/nexus/answer-extraction-worker/internal/consensus"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr"
)

// Queue transports
const (
	QueueModeAsynq = "asynq"
	QueueModeRedis = "redis"
)

// Config holds worker configuration
type Config struct {
	NodeEnv  string
	LogLevel string
	HTTPPort string

	// Redis queue configuration
	RedisURL   string
	QueueName  string
	QueueMode  string
	MaxRetries int

	// PostgreSQL; empty selects the in-memory store
	DatabaseURL string

	// Qdrant answer index; empty disables indexing
	QdrantURL        string
	QdrantCollection string
	VoyageAPIKey     string
	VoyageURL        string

	// Worker configuration
	WorkerConcurrency   int
	QuestionConcurrency int
	MaxFileSize         int64
	ProcessingTimeout   time.Duration

	// Rendering; RendererURL takes precedence over RendererCommand
	RendererCommand string
	RendererURL     string
	RenderDPI       int
	RenderFormat    string

	// Recognition engines
	PaddleOCRURL      string
	SuryaURL          string
	Pix2TextURL       string
	VisionURL         string
	EngineTimeout     time.Duration
	MathEngineTimeout time.Duration
	TesseractEnabled  bool
	TesseractLanguage string
	EngineWeights     string

	// Consensus
	ConsensusStrategy string
	DistanceThreshold int
	MergeThreshold    int
	ForceSegmentation bool

	// Arbiter
	ArbiterAPIKey  string
	ArbiterBaseURL string
	ArbiterModel   string
	ArbiterTimeout time.Duration

	// Cost model
	PageCostUSD        float64
	ArbiterCallCostUSD float64

	// Review crop archive; empty disables archiving
	ArtifactURL     string
	ArtifactTTLDays int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", "8097")

	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("queue_name", "answer-extraction:jobs")
	v.SetDefault("queue_mode", QueueModeAsynq)
	v.SetDefault("max_retries", 3)

	v.SetDefault("qdrant_collection", "answer_extractions")

	v.SetDefault("worker_concurrency", 2)
	v.SetDefault("question_concurrency", 4)
	v.SetDefault("max_file_size", 200*1024*1024)
	v.SetDefault("processing_timeout", "5m")

	v.SetDefault("renderer_command", "python3 pdf_to_image_service.py")
	v.SetDefault("render_dpi", 300)
	v.SetDefault("render_format", "png")

	v.SetDefault("engine_timeout", ocr.DefaultTimeout.String())
	v.SetDefault("math_engine_timeout", ocr.MathTimeout.String())
	v.SetDefault("tesseract_enabled", false)
	v.SetDefault("tesseract_language", "eng")

	v.SetDefault("consensus_strategy", string(consensus.StrategyWeighted))
	v.SetDefault("distance_threshold", 3)
	v.SetDefault("merge_threshold", 5)

	v.SetDefault("arbiter_model", "gpt-4o-mini")
	v.SetDefault("arbiter_timeout", "45s")

	v.SetDefault("page_cost_usd", 0.0)
	v.SetDefault("arbiter_call_cost_usd", 0.0)

	v.SetDefault("artifact_ttl_days", 90)
}

// LoadConfig loads configuration from the environment, reading .env first
// when present
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		NodeEnv:  v.GetString("node_env"),
		LogLevel: v.GetString("log_level"),
		HTTPPort: v.GetString("http_port"),

		RedisURL:   v.GetString("redis_url"),
		QueueName:  v.GetString("queue_name"),
		QueueMode:  strings.ToLower(v.GetString("queue_mode")),
		MaxRetries: v.GetInt("max_retries"),

		DatabaseURL: v.GetString("database_url"),

		QdrantURL:        v.GetString("qdrant_url"),
		QdrantCollection: v.GetString("qdrant_collection"),
		VoyageAPIKey:     v.GetString("voyage_api_key"),
		VoyageURL:        v.GetString("voyage_url"),

		WorkerConcurrency:   v.GetInt("worker_concurrency"),
		QuestionConcurrency: v.GetInt("question_concurrency"),
		MaxFileSize:         v.GetInt64("max_file_size"),
		ProcessingTimeout:   v.GetDuration("processing_timeout"),

		RendererCommand: v.GetString("renderer_command"),
		RendererURL:     v.GetString("renderer_url"),
		RenderDPI:       v.GetInt("render_dpi"),
		RenderFormat:    strings.ToLower(v.GetString("render_format")),

		PaddleOCRURL:      v.GetString("paddleocr_url"),
		SuryaURL:          v.GetString("surya_url"),
		Pix2TextURL:       v.GetString("pix2text_url"),
		VisionURL:         v.GetString("vision_url"),
		EngineTimeout:     v.GetDuration("engine_timeout"),
		MathEngineTimeout: v.GetDuration("math_engine_timeout"),
		TesseractEnabled:  v.GetBool("tesseract_enabled"),
		TesseractLanguage: v.GetString("tesseract_language"),
		EngineWeights:     v.GetString("engine_weights"),

		ConsensusStrategy: v.GetString("consensus_strategy"),
		DistanceThreshold: v.GetInt("distance_threshold"),
		MergeThreshold:    v.GetInt("merge_threshold"),
		ForceSegmentation: v.GetBool("force_segmentation"),

		ArbiterAPIKey:  v.GetString("arbiter_api_key"),
		ArbiterBaseURL: v.GetString("arbiter_base_url"),
		ArbiterModel:   v.GetString("arbiter_model"),
		ArbiterTimeout: v.GetDuration("arbiter_timeout"),

		PageCostUSD:        v.GetFloat64("page_cost_usd"),
		ArbiterCallCostUSD: v.GetFloat64("arbiter_call_cost_usd"),

		ArtifactURL:     v.GetString("artifact_url"),
		ArtifactTTLDays: v.GetInt("artifact_ttl_days"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.QueueMode != QueueModeAsynq && c.QueueMode != QueueModeRedis {
		return fmt.Errorf("QUEUE_MODE must be %q or %q, got %q", QueueModeAsynq, QueueModeRedis, c.QueueMode)
	}
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}
	if c.QuestionConcurrency < 1 || c.QuestionConcurrency > 64 {
		return fmt.Errorf("QUESTION_CONCURRENCY must be between 1 and 64, got %d", c.QuestionConcurrency)
	}
	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 {
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive")
	}
	if c.RendererURL == "" && strings.TrimSpace(c.RendererCommand) == "" {
		return fmt.Errorf("RENDERER_URL or RENDERER_COMMAND is required")
	}
	if c.RenderDPI < 72 || c.RenderDPI > 600 {
		return fmt.Errorf("RENDER_DPI must be between 72 and 600, got %d", c.RenderDPI)
	}
	if c.RenderFormat != "png" && c.RenderFormat != "jpeg" {
		return fmt.Errorf("RENDER_FORMAT must be png or jpeg, got %q", c.RenderFormat)
	}
	if len(c.EngineSpecs()) == 0 && !c.TesseractEnabled {
		return fmt.Errorf("at least one recognition engine must be configured (PADDLEOCR_URL, SURYA_URL, PIX2TEXT_URL, VISION_URL or TESSERACT_ENABLED)")
	}
	if c.EngineTimeout <= 0 || c.MathEngineTimeout <= 0 {
		return fmt.Errorf("engine timeouts must be positive")
	}

	strategy, err := consensus.ParseStrategy(c.ConsensusStrategy)
	if err != nil {
		return fmt.Errorf("CONSENSUS_STRATEGY: %w", err)
	}
	if strategy == consensus.StrategyAIArbiter && c.ArbiterAPIKey == "" {
		return fmt.Errorf("ARBITER_API_KEY is required for the ai_arbiter strategy")
	}
	if _, err := consensus.ParseWeights(c.EngineWeights, consensus.DefaultWeights()); err != nil {
		return fmt.Errorf("ENGINE_WEIGHTS: %w", err)
	}
	if c.DistanceThreshold < 0 || c.MergeThreshold < c.DistanceThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= DISTANCE_THRESHOLD <= MERGE_THRESHOLD, got %d and %d",
			c.DistanceThreshold, c.MergeThreshold)
	}
	if c.PageCostUSD < 0 || c.ArbiterCallCostUSD < 0 {
		return fmt.Errorf("cost figures must not be negative")
	}
	if c.QdrantURL != "" && c.VoyageAPIKey == "" {
		return fmt.Errorf("VOYAGE_API_KEY is required when QDRANT_URL is set")
	}

	return nil
}

// EngineSpecs lists the configured remote engines. Math-specialised
// engines get the longer timeout.
func (c *Config) EngineSpecs() []ocr.EngineSpec {
	var specs []ocr.EngineSpec
	add := func(id string, kind ocr.EngineKind, url string, timeout time.Duration) {
		if url != "" {
			specs = append(specs, ocr.EngineSpec{ID: id, Kind: kind, URL: url, Timeout: timeout})
		}
	}
	add("paddleocr", ocr.KindHTTP, c.PaddleOCRURL, c.EngineTimeout)
	add("surya", ocr.KindHTTP, c.SuryaURL, c.EngineTimeout)
	add("pix2text", ocr.KindHTTP, c.Pix2TextURL, c.MathEngineTimeout)
	add("vision", ocr.KindVision, c.VisionURL, c.MathEngineTimeout)
	return specs
}

// Consensus returns the parsed strategy and its tuning
func (c *Config) Consensus() (consensus.Strategy, consensus.Config, error) {
	strategy, err := consensus.ParseStrategy(c.ConsensusStrategy)
	if err != nil {
		return "", consensus.Config{}, err
	}
	weights, err := consensus.ParseWeights(c.EngineWeights, consensus.DefaultWeights())
	if err != nil {
		return "", consensus.Config{}, err
	}
	return strategy, consensus.Config{
		Weights:           weights,
		DistanceThreshold: c.DistanceThreshold,
		MergeThreshold:    c.MergeThreshold,
	}, nil
}

// TesseractLanguages splits TESSERACT_LANGUAGE on "+" or ","
func (c *Config) TesseractLanguages() []string {
	fields := strings.FieldsFunc(c.TesseractLanguage, func(r rune) bool { return r == '+' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// HTTPAddress returns the address the HTTP server should listen on
func (c *Config) HTTPAddress() string {
	if strings.HasPrefix(c.HTTPPort, ":") {
		return c.HTTPPort
	}
	return ":" + c.HTTPPort
}
