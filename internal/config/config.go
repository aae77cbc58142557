package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root engine configuration. Values come from
// config/engine.yaml with ENGINE_-prefixed environment overrides.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Generation GenerationConfig `mapstructure:"generation"`
	Queue      QueueConfig      `mapstructure:"queue"`
}

// ServiceConfig contains HTTP front-door settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	// Accept-path rate limit, requests per second per process.
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// Maximum accepted query length in bytes; longer queries get 413.
	MaxQueryBytes int `mapstructure:"max_query_bytes"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig covers the status store, token bus, and job queue.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EmbeddingsConfig controls the embedding sidecar client.
type EmbeddingsConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	DefaultModel string        `mapstructure:"default_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheSize    int           `mapstructure:"cache_size"`
}

// LLMConfig controls generation providers.
type LLMConfig struct {
	DefaultProvider string        `mapstructure:"default_provider"`
	DefaultModel    string        `mapstructure:"default_model"`
	OllamaBaseURL   string        `mapstructure:"ollama_base_url"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	HasGPU          bool          `mapstructure:"has_gpu"`
	GPUTimeout      time.Duration `mapstructure:"gpu_timeout"`
	CPUTimeout      time.Duration `mapstructure:"cpu_timeout"`
}

// RetrievalConfig controls the hybrid retriever.
type RetrievalConfig struct {
	TopK           int  `mapstructure:"top_k"`
	QueryExpansion bool `mapstructure:"query_expansion"`
	MaxVariants    int  `mapstructure:"max_variants"`
}

// GenerationConfig holds pipeline defaults.
type GenerationConfig struct {
	MaxContextTokens int     `mapstructure:"max_context_tokens"`
	LLMMaxTokens     int     `mapstructure:"llm_max_tokens"`
	Temperature      float64 `mapstructure:"temperature"`
	VerifyCitations  bool    `mapstructure:"verify_citations"`
}

// QueueConfig controls the generation job queue and worker.
type QueueConfig struct {
	Name         string        `mapstructure:"name"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Concurrency  int           `mapstructure:"concurrency"`
	SoftDeadline time.Duration `mapstructure:"soft_deadline"`
	HardDeadline time.Duration `mapstructure:"hard_deadline"`
	ResultTTL    time.Duration `mapstructure:"result_ttl"`
}

// Load reads configuration from the given path (or config/engine.yaml when
// empty) and applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("engine")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine: defaults plus env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8000)
	v.SetDefault("service.metrics_port", 9090)
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 60*time.Second)
	v.SetDefault("service.graceful_timeout", 15*time.Second)
	v.SetDefault("service.rate_limit", 50.0)
	v.SetDefault("service.rate_limit_burst", 100)
	v.SetDefault("service.max_query_bytes", 16*1024)

	v.SetDefault("database.host", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "docify")
	v.SetDefault("database.password", "docify")
	v.SetDefault("database.database", "docify")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "redis://redis:6379/0")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("embeddings.base_url", "http://ollama:11434")
	v.SetDefault("embeddings.default_model", "all-minilm:22m")
	v.SetDefault("embeddings.timeout", 30*time.Second)
	v.SetDefault("embeddings.cache_size", 2048)

	v.SetDefault("llm.default_provider", "ollama")
	v.SetDefault("llm.default_model", "mistral")
	v.SetDefault("llm.ollama_base_url", "http://ollama:11434")
	v.SetDefault("llm.gpu_timeout", 300*time.Second)
	v.SetDefault("llm.cpu_timeout", 600*time.Second)

	v.SetDefault("retrieval.top_k", 20)
	v.SetDefault("retrieval.query_expansion", true)
	v.SetDefault("retrieval.max_variants", 4)

	v.SetDefault("generation.max_context_tokens", 4000)
	v.SetDefault("generation.llm_max_tokens", 1500)
	v.SetDefault("generation.temperature", 0.3)
	v.SetDefault("generation.verify_citations", true)

	v.SetDefault("queue.name", "generation")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.soft_deadline", 540*time.Second)
	v.SetDefault("queue.hard_deadline", 600*time.Second)
	v.SetDefault("queue.result_ttl", time.Hour)
}

// Validate checks cross-field constraints that defaults alone cannot enforce.
func (c *Config) Validate() error {
	if c.Queue.SoftDeadline >= c.Queue.HardDeadline {
		return fmt.Errorf("queue soft_deadline (%s) must be below hard_deadline (%s)",
			c.Queue.SoftDeadline, c.Queue.HardDeadline)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be at least 1")
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval top_k must be at least 1")
	}
	if c.Generation.MaxContextTokens < 500 {
		return fmt.Errorf("generation max_context_tokens must be at least 500")
	}
	return nil
}
