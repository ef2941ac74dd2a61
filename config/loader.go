// Package config provides unified configuration loading with YAML files
// and environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RAGD").
//	    Load()
//
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	// Server HTTP server configuration
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis cache, rate counter, and ledger backend
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Qdrant vector store configuration
	Qdrant QdrantConfig `yaml:"qdrant" env:"QDRANT"`

	// Embedding query embedding configuration
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// LLM answer generation configuration
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Retrieval search defaults
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// RateLimit per-tenant quota
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Cost token pricing and balance tracking
	Cost CostConfig `yaml:"cost" env:"COST"`

	// Cache query result cache settings
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Log logging configuration
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry OTel configuration
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// HTTP port
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics port
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Global request rate (requests per second, 0 disables)
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// Global request burst
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Address
	Addr string `yaml:"addr" env:"ADDR"`
	// Password
	Password string `yaml:"password" env:"PASSWORD"`
	// Database number
	DB int `yaml:"db" env:"DB"`
	// Connection pool size
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// Minimum idle connections
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host
	Host string `yaml:"host" env:"HOST"`
	// REST port
	Port int `yaml:"port" env:"PORT"`
	// API key (optional)
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Tenant collection name prefix
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// Create missing collections on first upsert
	AutoCreateCollection bool `yaml:"auto_create_collection" env:"AUTO_CREATE_COLLECTION"`
	// Request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider: openai, ollama, hybrid
	Provider string `yaml:"provider" env:"PROVIDER"`
	// OpenAI API key
	OpenAIAPIKey string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	// OpenAI base URL (optional)
	OpenAIBaseURL string `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	// OpenAI embedding model
	OpenAIModel string `yaml:"openai_model" env:"OPENAI_MODEL"`
	// Embedding dimensionality
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// Ollama base URL for local fallback
	OllamaBaseURL string `yaml:"ollama_base_url" env:"OLLAMA_BASE_URL"`
	// Ollama embedding model
	OllamaModel string `yaml:"ollama_model" env:"OLLAMA_MODEL"`
	// Maximum retries before fallback
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// LLMConfig holds chat provider settings.
type LLMConfig struct {
	// Provider: openai, anthropic
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Base URL (optional)
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Model name
	Model string `yaml:"model" env:"MODEL"`
	// Request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Maximum completion tokens
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// Sampling temperature
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
}

// RetrievalConfig holds search defaults.
type RetrievalConfig struct {
	// Default number of chunks per query
	TopK int `yaml:"top_k" env:"TOP_K"`
	// Hard cap on requested chunks
	MaxLimit int `yaml:"max_limit" env:"MAX_LIMIT"`
	// Minimum similarity score (inclusive)
	ScoreThreshold float64 `yaml:"score_threshold" env:"SCORE_THRESHOLD"`
}

// RateLimitConfig holds the per-tenant fixed-window quota.
type RateLimitConfig struct {
	// Requests per window
	Limit int `yaml:"limit" env:"LIMIT"`
	// Window length in seconds
	WindowSeconds int `yaml:"window_seconds" env:"WINDOW_SECONDS"`
}

// CostConfig holds pricing and balance tracking settings.
type CostConfig struct {
	// Enable balance deduction
	TrackingEnabled bool `yaml:"tracking_enabled" env:"TRACKING_ENABLED"`
	// USD per 1000 input tokens
	Per1kInput float64 `yaml:"per_1k_input" env:"PER_1K_INPUT"`
	// USD per 1000 output tokens
	Per1kOutput float64 `yaml:"per_1k_output" env:"PER_1K_OUTPUT"`
}

// CacheConfig holds query result cache settings.
type CacheConfig struct {
	// Result TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Annotate entries with caller info
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Attach stack traces on error
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig holds OTel settings.
type TelemetryConfig struct {
	// Enabled
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC endpoint
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// Service name
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Trace sample rate
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RAGD",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
// Precedence: defaults, then YAML file, then environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file means defaults apply.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration parses as a duration string.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the config and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval top_k must be positive")
	}
	if c.Retrieval.ScoreThreshold < 0 || c.Retrieval.ScoreThreshold > 1 {
		errs = append(errs, "score_threshold must be between 0 and 1")
	}
	if c.RateLimit.Limit <= 0 {
		errs = append(errs, "rate limit must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "temperature must be between 0 and 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
