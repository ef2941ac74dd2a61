package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Qdrant:    DefaultQdrantConfig(),
		Embedding: DefaultEmbeddingConfig(),
		LLM:       DefaultLLMConfig(),
		Retrieval: DefaultRetrievalConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Cost:      DefaultCostConfig(),
		Cache:     DefaultCacheConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns default server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRedisConfig returns default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultQdrantConfig returns default Qdrant settings.
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:                 "localhost",
		Port:                 6333,
		Prefix:               "tenant",
		AutoCreateCollection: true,
		Timeout:              30 * time.Second,
	}
}

// DefaultEmbeddingConfig returns default embedding settings.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:      "hybrid",
		OpenAIModel:   "text-embedding-3-small",
		Dimensions:    1536,
		OllamaBaseURL: "http://localhost:11434",
		OllamaModel:   "nomic-embed-text",
		MaxRetries:    3,
	}
}

// DefaultLLMConfig returns default chat provider settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "openai",
		Model:       "gpt-4-turbo",
		Timeout:     60 * time.Second,
		MaxTokens:   1000,
		Temperature: 0.7,
	}
}

// DefaultRetrievalConfig returns default search settings.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:           5,
		MaxLimit:       100,
		ScoreThreshold: 0.5,
	}
}

// DefaultRateLimitConfig returns the default tenant quota.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:         100,
		WindowSeconds: 60,
	}
}

// DefaultCostConfig returns default pricing settings.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		TrackingEnabled: true,
		Per1kInput:      0.0001,
		Per1kOutput:     0.0002,
	}
}

// DefaultCacheConfig returns default cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: time.Hour,
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default OTel settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "ragd",
		SampleRate:   1.0,
	}
}
