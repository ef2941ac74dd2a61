package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/evaplatform/ragd/api/handlers"
	"github.com/evaplatform/ragd/config"
	"github.com/evaplatform/ragd/internal/cache"
	"github.com/evaplatform/ragd/internal/metrics"
	"github.com/evaplatform/ragd/internal/server"
	"github.com/evaplatform/ragd/internal/telemetry"
	"github.com/evaplatform/ragd/llm/embedding"
	llmfactory "github.com/evaplatform/ragd/llm/factory"
	"github.com/evaplatform/ragd/llm/retry"
	"github.com/evaplatform/ragd/llm/tokenizer"
	"github.com/evaplatform/ragd/rag"
)

// Server wires the query pipeline behind two HTTP listeners: the API
// server and the Prometheus metrics server.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	cacheManager *cache.Manager
	index        *rag.QdrantIndex
	service      *rag.Service

	queryHandler    *handlers.QueryHandler
	documentHandler *handlers.DocumentHandler
	healthHandler   *handlers.HealthHandler

	collector     *metrics.Collector
	otelProviders *telemetry.Providers

	rateLimiterCancel context.CancelFunc
}

// NewServer builds every component from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	cacheManager, err := cache.NewManager(cache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DefaultTTL:   cfg.Cache.TTL,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	index := rag.NewQdrantIndex(rag.QdrantConfig{
		Host:                 cfg.Qdrant.Host,
		Port:                 cfg.Qdrant.Port,
		APIKey:               cfg.Qdrant.APIKey,
		Prefix:               cfg.Qdrant.Prefix,
		Timeout:              cfg.Qdrant.Timeout,
		AutoCreateCollection: cfg.Qdrant.AutoCreateCollection,
		VectorSize:           cfg.Embedding.Dimensions,
	}, logger)

	retryPolicy := retry.DefaultPolicy()
	if cfg.Embedding.MaxRetries > 0 {
		retryPolicy.MaxRetries = cfg.Embedding.MaxRetries
	}
	embedder, err := embedding.NewProvider(embedding.FactoryConfig{
		Provider: cfg.Embedding.Provider,
		OpenAI: embedding.OpenAIConfig{
			APIKey:     cfg.Embedding.OpenAIAPIKey,
			BaseURL:    cfg.Embedding.OpenAIBaseURL,
			Model:      cfg.Embedding.OpenAIModel,
			Dimensions: cfg.Embedding.Dimensions,
		},
		Ollama: embedding.OllamaConfig{
			BaseURL: cfg.Embedding.OllamaBaseURL,
			Model:   cfg.Embedding.OllamaModel,
		},
		Retry: retryPolicy,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}

	retriever := rag.NewRetriever(rag.RetrieverConfig{
		DefaultLimit:          cfg.Retrieval.TopK,
		MaxLimit:              cfg.Retrieval.MaxLimit,
		DefaultScoreThreshold: cfg.Retrieval.ScoreThreshold,
	}, embedder, index, logger)

	provider, err := llmfactory.New(llmfactory.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init llm provider: %w", err)
	}

	generator := rag.NewGenerator(rag.GeneratorConfig{
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     float32(cfg.LLM.Temperature),
		CostPer1kInput:  cfg.Cost.Per1kInput,
		CostPer1kOutput: cfg.Cost.Per1kOutput,
	}, provider, tokenizer.NewTiktokenCounter(cfg.LLM.Model), logger)

	collector := metrics.NewCollector("ragd", logger)

	service := rag.NewService(rag.ServiceConfig{
		DefaultTopK:           cfg.Retrieval.TopK,
		DefaultScoreThreshold: cfg.Retrieval.ScoreThreshold,
		RateLimit:             cfg.RateLimit.Limit,
		RateWindowSeconds:     cfg.RateLimit.WindowSeconds,
		CacheTTL:              cfg.Cache.TTL,
		CostTrackingEnabled:   cfg.Cost.TrackingEnabled,
	}, cacheManager, retriever, generator, index, collector, logger)

	healthHandler := handlers.NewHealthHandler(logger)
	healthHandler.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "redis",
		Fn:        cacheManager.Ping,
	})
	healthHandler.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "llm",
		Fn: func(ctx context.Context) error {
			_, err := generator.HealthCheck(ctx)
			return err
		},
	})

	return &Server{
		cfg:             cfg,
		logger:          logger,
		cacheManager:    cacheManager,
		index:           index,
		service:         service,
		queryHandler:    handlers.NewQueryHandler(service, logger),
		documentHandler: handlers.NewDocumentHandler(index, logger),
		healthHandler:   healthHandler,
		collector:       collector,
		otelProviders:   otelProviders,
	}, nil
}

// Start brings up the API and metrics listeners.
func (s *Server) Start() error {
	rateCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReadyz)
	mux.HandleFunc("/v1/query", s.queryHandler.HandleQuery)
	mux.HandleFunc("/v1/documents", s.documentHandler.HandleIngest)
	mux.HandleFunc("/v1/tenants/", s.tenantRouter)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsManager = server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger.With(zap.String("server", "metrics")))

	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// tenantRouter dispatches /v1/tenants/{id}/stats and
// /v1/tenants/{id}/documents/{doc}.
func (s *Server) tenantRouter(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet:
		s.queryHandler.HandleTenantStats(w, r)
	case r.Method == http.MethodDelete:
		s.documentHandler.HandleDeleteDocument(w, r)
	default:
		http.NotFound(w, r)
	}
}

// WaitForShutdown blocks until a signal or serve error, then tears down
// every component.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown stops the listeners and closes the pipeline.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Shutdown(gctx) })
	g.Go(func() error { return s.metricsManager.Shutdown(gctx) })
	if err := g.Wait(); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}

	if err := s.service.Close(); err != nil {
		s.logger.Error("service close error", zap.Error(err))
	}
	if err := s.cacheManager.Close(); err != nil {
		s.logger.Error("cache close error", zap.Error(err))
	}
	if err := s.otelProviders.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}
}
