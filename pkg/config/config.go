package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Session   SessionConfig
	LLM       LLMConfig
	Matching  MatchingConfig
	Vector    VectorConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	Version        string
	AllowedOrigins []string
	IsDevelopment  bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// SessionConfig controls the mapping session workflow. Store selects where
// sessions live between requests: "memory" for a single process, "redis" when
// several API replicas share sessions.
type SessionConfig struct {
	Store              string
	TTLMinutes         int
	BatchSize          int
	MaxBatchSize       int
	ScoringConcurrency int
}

func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	APIVersion     string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

type MatchingConfig struct {
	ConfidenceThreshold float64
	MinConfidence       float64
	MaxMatches          int
	MaxAttributes       int
	DefaultTag          string
	MinDefinitionLength int
}

type VectorConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type AuthConfig struct {
	Enabled      bool
	Issuer       string
	JWKSURL      string
	Audience     string
	StaticTokens []string
	DevBypass    bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type MetricsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from the standard search
// locations when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cdd-agent")
	}

	v.SetEnvPrefix("CDD_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid session store %q: must be memory or redis", c.Session.Store)
	}
	if c.Session.BatchSize < 1 {
		return fmt.Errorf("session batch size must be positive, got %d", c.Session.BatchSize)
	}
	if c.Session.MaxBatchSize < c.Session.BatchSize {
		return fmt.Errorf("session max batch size %d is below default batch size %d", c.Session.MaxBatchSize, c.Session.BatchSize)
	}
	switch c.LLM.Provider {
	case "openai", "azure":
	default:
		return fmt.Errorf("invalid llm provider %q: must be openai or azure", c.LLM.Provider)
	}
	if c.Matching.MinConfidence < 0 || c.Matching.ConfidenceThreshold > 1 {
		return fmt.Errorf("matching confidence bounds must lie within [0, 1]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.version", "dev")
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("sqlite.path", "./data/cdd.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "cdd")

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttlMinutes", 240)
	v.SetDefault("session.batchSize", 5)
	v.SetDefault("session.maxBatchSize", 25)
	v.SetDefault("session.scoringConcurrency", 3)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4.1")
	v.SetDefault("llm.apiVersion", "2024-02-01")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 1000)
	v.SetDefault("llm.timeoutSec", 30)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("matching.confidenceThreshold", 0.6)
	v.SetDefault("matching.minConfidence", 0.3)
	v.SetDefault("matching.maxMatches", 5)
	v.SetDefault("matching.maxAttributes", 50)
	v.SetDefault("matching.defaultTag", "")
	v.SetDefault("matching.minDefinitionLength", 10)

	v.SetDefault("vector.enabled", false)
	v.SetDefault("vector.endpoint", "localhost:19530")
	v.SetDefault("vector.collectionName", "cdd_attributes")
	v.SetDefault("vector.vectorDim", 1536)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.devBypass", false)

	v.SetDefault("rateLimit.requestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("metrics.enabled", true)
}
