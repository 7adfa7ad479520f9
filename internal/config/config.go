// Package config loads application configuration from a YAML file and
// the environment, and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veridian-ai/claimpipe/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Vector    VectorConfig    `yaml:"vector" mapstructure:"vector"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Indexer   IndexerConfig   `yaml:"indexer" mapstructure:"indexer"`
	Pricing   cost.Rates      `yaml:"pricing" mapstructure:"pricing"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	RPS         float64 `yaml:"rps" mapstructure:"rps"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// EmbeddingConfig holds the embedding provider settings. Any
// OpenAI-compatible embeddings endpoint works.
type EmbeddingConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Model      string `yaml:"model" mapstructure:"model"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
}

// VectorConfig holds Weaviate connection settings.
type VectorConfig struct {
	Host   string `yaml:"host" mapstructure:"host"`
	Scheme string `yaml:"scheme" mapstructure:"scheme"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// LedgerConfig configures the idempotent call ledger.
type LedgerConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	WaitPollInterval time.Duration `yaml:"wait_poll_interval" mapstructure:"wait_poll_interval"`
	WaitTimeout      time.Duration `yaml:"wait_timeout" mapstructure:"wait_timeout"`
	StaleAfter       time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// ExtractConfig configures extraction run behavior.
type ExtractConfig struct {
	PromptVersion       string `yaml:"prompt_version" mapstructure:"prompt_version"`
	ExtractorVersion    string `yaml:"extractor_version" mapstructure:"extractor_version"`
	MaxConcurrentChunks int    `yaml:"max_concurrent_chunks" mapstructure:"max_concurrent_chunks"`
	ChunkRetries        int    `yaml:"chunk_retries" mapstructure:"chunk_retries"`
	ClaimsHardLimit     int    `yaml:"claims_hard_limit" mapstructure:"claims_hard_limit"`
	ClaimsSoftWarning   int    `yaml:"claims_soft_warning" mapstructure:"claims_soft_warning"`
}

// IndexerConfig configures the embedding indexer worker.
type IndexerConfig struct {
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CLAIMPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("anthropic.rps", 2.0)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("embedding.base_url", "http://localhost:11434/v1")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("vector.host", "localhost:8080")
	v.SetDefault("vector.scheme", "http")
	v.SetDefault("ledger.cache_ttl", "24h")
	v.SetDefault("ledger.wait_poll_interval", "250ms")
	v.SetDefault("ledger.wait_timeout", "60s")
	v.SetDefault("ledger.stale_after", "5m")
	v.SetDefault("extract.prompt_version", "claims-v4")
	v.SetDefault("extract.extractor_version", "2")
	v.SetDefault("extract.max_concurrent_chunks", 4)
	v.SetDefault("extract.chunk_retries", 3)
	v.SetDefault("extract.claims_hard_limit", 60)
	v.SetDefault("extract.claims_soft_warning", 40)
	v.SetDefault("indexer.batch_size", 32)
	v.SetDefault("indexer.tick_interval", "5s")
	v.SetDefault("pricing.embedding.per_mtok", 0.02)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Pricing.LLM) == 0 {
		cfg.Pricing.LLM = cost.DefaultRates().LLM
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
