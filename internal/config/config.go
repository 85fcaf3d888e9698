// Package config provides configuration loading for the planner.
//
// Configuration comes from an optional YAML file overridden by BP_-prefixed
// environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

// Config holds the complete planner configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Planner       PlannerConfig       `koanf:"planner"`
	Storage       StorageConfig       `koanf:"storage"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	LLM           LLMConfig           `koanf:"llm"`
	Transcription TranscriptionConfig `koanf:"transcription"`
	NATS          NATSConfig          `koanf:"nats"`
	Business      BusinessConfig      `koanf:"business"`
	Logging       LoggingConfig       `koanf:"logging"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// PlannerConfig holds the estimation and scheduling knobs of the pipeline.
type PlannerConfig struct {
	Timezone               string   `koanf:"timezone"`
	SimilarityFloor        float64  `koanf:"similarity_floor"`
	TopK                   int      `koanf:"top_k"`
	DefaultDurationMinutes int      `koanf:"default_duration_minutes"`
	MinDurationMinutes     int      `koanf:"min_duration_minutes"`
	MaxDurationMinutes     int      `koanf:"max_duration_minutes"`
	DefaultDeadlineDays    int      `koanf:"default_deadline_days"`
	UseCapacityHint        bool     `koanf:"use_capacity_hint"`
	StageTimeout           Duration `koanf:"stage_timeout"`
}

// StorageConfig holds SQLite task store configuration.
type StorageConfig struct {
	// Dir is the directory holding planner.db.
	Dir          string `koanf:"dir"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is one of "hash", "fastembed", "tei", "openai".
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// VectorStoreConfig selects where FindSimilar runs.
type VectorStoreConfig struct {
	// Provider is one of "sqlite" (exact scan over the task store),
	// "chromem" or "qdrant".
	Provider         string `koanf:"provider"`
	ChromemPath      string `koanf:"chromem_path"`
	ChromemCompress  bool   `koanf:"chromem_compress"`
	QdrantHost       string `koanf:"qdrant_host"`
	QdrantPort       int    `koanf:"qdrant_port"`
	QdrantCollection string `koanf:"qdrant_collection"`
	QdrantTLS        bool   `koanf:"qdrant_tls"`
}

// LLMConfig configures the structured extractor and the capacity hint.
type LLMConfig struct {
	// Provider is "heuristic" (offline, deterministic) or "openai".
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerMinute float64  `koanf:"requests_per_minute"`
	Burst             int      `koanf:"burst"`
}

// TranscriptionConfig configures the speech-to-text adapter.
type TranscriptionConfig struct {
	// Provider is "openai" or "disabled".
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	Language string `koanf:"language"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
}

// NATSConfig configures the completion event subscriber and publisher.
type NATSConfig struct {
	Enabled          bool   `koanf:"enabled"`
	URL              string `koanf:"url"`
	CompletedSubject string `koanf:"completed_subject"`
	CreatedSubject   string `koanf:"created_subject"`
	QueueGroup       string `koanf:"queue_group"`
}

// BusinessConfig points at an optional catalog override file.
type BusinessConfig struct {
	CatalogPath string `koanf:"catalog_path"`
	TieBreak    []int  `koanf:"tie_break"`
}

// LoggingConfig is the subset of logging.Config exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of telemetry.Config exposed to operators.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Location loads the configured operating timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Planner.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Planner.Timezone, err)
	}
	return loc, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	p := c.Planner
	if _, err := c.Location(); err != nil {
		return err
	}
	if p.SimilarityFloor <= 0 || p.SimilarityFloor > 1 {
		return fmt.Errorf("similarity_floor must be in (0, 1], got %v", p.SimilarityFloor)
	}
	if p.TopK < 1 {
		return fmt.Errorf("top_k must be >= 1, got %d", p.TopK)
	}
	// The store rejects completions outside [tasks.MinDurationMinutes,
	// tasks.MaxDurationMinutes], so the estimator range may only narrow it.
	if p.MinDurationMinutes < tasks.MinDurationMinutes || p.MaxDurationMinutes > tasks.MaxDurationMinutes ||
		p.MaxDurationMinutes < p.MinDurationMinutes {
		return fmt.Errorf("invalid duration range [%d, %d] (must lie within [%d, %d])",
			p.MinDurationMinutes, p.MaxDurationMinutes, tasks.MinDurationMinutes, tasks.MaxDurationMinutes)
	}
	if p.DefaultDurationMinutes < p.MinDurationMinutes || p.DefaultDurationMinutes > p.MaxDurationMinutes {
		return fmt.Errorf("default duration %d outside [%d, %d]", p.DefaultDurationMinutes, p.MinDurationMinutes, p.MaxDurationMinutes)
	}
	if p.StageTimeout.Duration() <= 0 {
		return errors.New("stage_timeout must be positive")
	}

	if err := oneOf("embeddings.provider", c.Embeddings.Provider, "hash", "fastembed", "tei", "openai"); err != nil {
		return err
	}
	if err := oneOf("vectorstore.provider", c.VectorStore.Provider, "sqlite", "chromem", "qdrant"); err != nil {
		return err
	}
	if err := oneOf("llm.provider", c.LLM.Provider, "heuristic", "openai"); err != nil {
		return err
	}
	if err := oneOf("transcription.provider", c.Transcription.Provider, "openai", "disabled"); err != nil {
		return err
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url required when nats is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint required when telemetry is enabled")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %v, got %q", field, allowed, value)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
