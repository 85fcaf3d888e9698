package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "BP_"

	// ConfigPathEnv names the variable that points at the YAML file when no
	// path is passed explicitly.
	ConfigPathEnv = "PLANNER_CONFIG"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest first):
//  1. Environment variables (BP_PLANNER_TOP_K, BP_LLM_API_KEY, ...)
//  2. YAML file at configPath, or $PLANNER_CONFIG when configPath is empty
//  3. Defaults
//
// A missing file is not an error. An existing file must be a regular file no
// larger than 1MB with 0600 or 0400 permissions, since it may carry API keys.
//
// Environment variables map to keys by dropping the prefix, lowercasing and
// splitting on the first underscore:
//
//	BP_PLANNER_SIMILARITY_FLOOR -> planner.similarity_floor
//	BP_VECTORSTORE_PROVIDER     -> vectorstore.provider
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = getEnvString(ConfigPathEnv, "")
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps BP_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Stat the open descriptor, not the path, so the checks cover the bytes we read.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("config path is not a regular file")
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills every zero-valued field.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	p := &cfg.Planner
	if p.Timezone == "" {
		p.Timezone = "Asia/Almaty"
	}
	if p.SimilarityFloor == 0 {
		p.SimilarityFloor = 0.7
	}
	if p.TopK == 0 {
		p.TopK = 5
	}
	if p.MinDurationMinutes == 0 {
		p.MinDurationMinutes = 1
	}
	if p.MaxDurationMinutes == 0 {
		p.MaxDurationMinutes = 480
	}
	if p.DefaultDurationMinutes == 0 {
		p.DefaultDurationMinutes = 60
	}
	if p.DefaultDeadlineDays == 0 {
		p.DefaultDeadlineDays = 7
	}
	if p.StageTimeout == 0 {
		p.StageTimeout = Duration(30 * time.Second)
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = defaultDataDir()
	}

	e := &cfg.Embeddings
	if e.Provider == "" {
		e.Provider = "hash"
	}
	if e.Model == "" {
		switch e.Provider {
		case "openai":
			e.Model = "text-embedding-3-small"
		default:
			e.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if e.BaseURL == "" {
		switch e.Provider {
		case "openai":
			e.BaseURL = "https://api.openai.com/v1"
		default:
			e.BaseURL = "http://localhost:8080"
		}
	}
	if e.Dimension == 0 {
		switch e.Provider {
		case "openai":
			e.Dimension = 1536
		default:
			e.Dimension = 384
		}
	}

	v := &cfg.VectorStore
	if v.Provider == "" {
		v.Provider = "sqlite"
	}
	if v.ChromemPath == "" {
		v.ChromemPath = filepath.Join(cfg.Storage.Dir, "index")
	}
	if v.QdrantHost == "" {
		v.QdrantHost = "localhost"
	}
	if v.QdrantPort == 0 {
		v.QdrantPort = 6334
	}
	if v.QdrantCollection == "" {
		v.QdrantCollection = "planner_tasks"
	}

	l := &cfg.LLM
	if l.Provider == "" {
		l.Provider = "heuristic"
	}
	if l.Model == "" {
		l.Model = "gpt-4o-mini"
	}
	if l.Timeout == 0 {
		l.Timeout = Duration(30 * time.Second)
	}
	if l.RequestsPerMinute == 0 {
		l.RequestsPerMinute = 50
	}
	if l.Burst == 0 {
		l.Burst = 5
	}

	t := &cfg.Transcription
	if t.Provider == "" {
		t.Provider = "disabled"
	}
	if t.Model == "" {
		t.Model = "whisper-1"
	}
	if t.Language == "" {
		t.Language = "ru"
	}

	n := &cfg.NATS
	if n.URL == "" {
		n.URL = "nats://localhost:4222"
	}
	if n.CompletedSubject == "" {
		n.CompletedSubject = "planner.tasks.completed"
	}
	if n.CreatedSubject == "" {
		n.CreatedSubject = "planner.tasks.created"
	}
	if n.QueueGroup == "" {
		n.QueueGroup = "planner"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	tel := &cfg.Telemetry
	if tel.Endpoint == "" {
		tel.Endpoint = "localhost:4317"
	}
	if tel.Protocol == "" {
		tel.Protocol = "grpc"
	}
	if tel.SampleRate == 0 {
		tel.SampleRate = 1.0
	}
	if tel.ServiceName == "" {
		tel.ServiceName = "business-planner"
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".planner")
	}
	return filepath.Join(home, ".local", "share", "planner")
}
