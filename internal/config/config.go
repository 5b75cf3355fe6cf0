package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log       LogConfig      `yaml:"log"`
	VectorDB  VectorDBConfig `yaml:"vector_db"`
	EmbedLLM  LLMConfig      `yaml:"embed_llm"`
	VisionLLM VisionConfig   `yaml:"vision_llm"`
	Database  DatabaseConfig `yaml:"database"`
	RAG       RAGConfig      `yaml:"rag"`
}

type LogConfig struct {
	Level string `yaml:"level" split_words:"true"`
	File  string `yaml:"file" split_words:"true"`
}

type VectorDBConfig struct {
	Path          string `yaml:"path" split_words:"true"`
	InMemory      bool   `yaml:"in_memory" split_words:"true"`
	Compress      bool   `yaml:"compress" split_words:"true"`
	EncryptionKey string `yaml:"encryption_key" split_words:"true"`
}

// LLMConfig describes a model endpoint. Provider is one of openai, mistral,
// ollama, gemini or local (embeddings only).
type LLMConfig struct {
	Provider string `yaml:"provider" split_words:"true"`
	BaseURL  string `yaml:"base_url" split_words:"true"`
	Model    string `yaml:"model" split_words:"true"`
	Key      string `yaml:"key" split_words:"true"`
}

type VisionConfig struct {
	LLMConfig         `yaml:",inline"`
	Timeout           time.Duration `yaml:"timeout" split_words:"true"`
	MaxConcurrency    int           `yaml:"max_concurrency" split_words:"true"`
	RequestsPerSecond float64       `yaml:"requests_per_second" split_words:"true"`
	Burst             int           `yaml:"burst" split_words:"true"`
	CacheSize         int           `yaml:"cache_size" split_words:"true"`
}

// DatabaseConfig configures the optional SQL file registry.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Driver  string `yaml:"driver" split_words:"true"`
	DSN     string `yaml:"dsn" split_words:"true"`
	Debug   bool   `yaml:"debug" split_words:"true"`
}

type RAGConfig struct {
	TopK int `yaml:"top_k" split_words:"true"`
}

const (
	defaultLogLevel       = "info"
	defaultVectorDBPath   = "./chromemdb"
	defaultVisionProvider = "mistral"
	defaultVisionTimeout  = 60 * time.Second
	defaultConcurrency    = 4
	defaultBurst          = 1
	defaultCacheSize      = 256
	defaultEmbedProvider  = "ollama"
	defaultDBDriver       = "sqlite"
)

var defaultModels = map[string]string{
	"mistral": "pixtral-12b-2409",
	"openai":  "gpt-4o-mini",
	"ollama":  "llava",
	"gemini":  "gemini-1.5-flash",
}

var defaultEmbedModels = map[string]string{
	"ollama": "nomic-embed-text",
	"openai": "text-embedding-3-small",
	"gemini": "text-embedding-004",
}

// LoadConfig reads the YAML file at path, then applies .env files and
// environment overrides. A missing file is not an error; the defaults and the
// environment are enough to run.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// ignore errors, the variables might already be set in the shell
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays VECTORDB_PATH, VISION_MODEL and friends. Keys are derived
// from field names so bare variables such as PATH are never picked up.
func (c *Config) applyEnv() error {
	sections := []struct {
		prefix string
		target interface{}
	}{
		{"LOG", &c.Log},
		{"VECTORDB", &c.VectorDB},
		{"EMBED", &c.EmbedLLM},
		{"VISION", &c.VisionLLM},
		{"DATABASE", &c.Database},
		{"RAG", &c.RAG},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return fmt.Errorf("failed to read %s environment: %w", s.prefix, err)
		}
	}

	if c.VisionLLM.Key == "" {
		c.VisionLLM.Key = providerKey(c.VisionLLM.Provider)
	}
	if c.EmbedLLM.Key == "" {
		c.EmbedLLM.Key = providerKey(c.EmbedLLM.Provider)
	}
	return nil
}

// providerKey falls back to the conventional API key variables.
func providerKey(provider string) string {
	switch provider {
	case "mistral":
		return os.Getenv("MISTRAL_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.VectorDB.Path == "" {
		c.VectorDB.Path = defaultVectorDBPath
	}

	if c.VisionLLM.Provider == "" {
		c.VisionLLM.Provider = defaultVisionProvider
		if c.VisionLLM.Key == "" {
			c.VisionLLM.Key = providerKey(defaultVisionProvider)
		}
	}
	if c.VisionLLM.Model == "" {
		c.VisionLLM.Model = defaultModels[c.VisionLLM.Provider]
	}
	if c.VisionLLM.Timeout <= 0 {
		c.VisionLLM.Timeout = defaultVisionTimeout
	}
	if c.VisionLLM.MaxConcurrency <= 0 {
		c.VisionLLM.MaxConcurrency = defaultConcurrency
	}
	if c.VisionLLM.Burst <= 0 {
		c.VisionLLM.Burst = defaultBurst
	}
	if c.VisionLLM.CacheSize == 0 {
		c.VisionLLM.CacheSize = defaultCacheSize
	}

	if c.EmbedLLM.Provider == "" {
		c.EmbedLLM.Provider = defaultEmbedProvider
	}
	if c.EmbedLLM.Model == "" {
		c.EmbedLLM.Model = defaultEmbedModels[c.EmbedLLM.Provider]
	}

	if c.Database.Driver == "" {
		c.Database.Driver = defaultDBDriver
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = 3
	}
}

func (c *Config) Validate() error {
	switch c.VisionLLM.Provider {
	case "mistral", "openai", "ollama", "gemini":
	default:
		return fmt.Errorf("%w: unknown vision provider %q", ErrInvalidConfig, c.VisionLLM.Provider)
	}
	switch c.EmbedLLM.Provider {
	case "ollama", "openai", "gemini", "local":
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.EmbedLLM.Provider)
	}
	if c.Database.Enabled {
		switch c.Database.Driver {
		case "pg", "postgres", "sqlite":
		default:
			return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfig, c.Database.Driver)
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required when the registry is enabled", ErrInvalidConfig)
		}
	}
	// chromem encrypts exports with AES-256
	if k := c.VectorDB.EncryptionKey; k != "" && len(k) != 32 {
		return fmt.Errorf("%w: vector_db.encryption_key must be 32 bytes", ErrInvalidConfig)
	}
	if c.VisionLLM.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: vision_llm.requests_per_second must not be negative", ErrInvalidConfig)
	}
	return nil
}
