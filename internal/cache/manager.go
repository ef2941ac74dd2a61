// Package cache provides the Redis-backed tenant cache: query result
// caching, fixed-window rate counters, and the tenant balance ledger.
// All keys are tenant-prefixed; isolation relies purely on namespacing.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key is absent. Callers treat it as a
// normal miss, not a failure.
var ErrCacheMiss = errors.New("cache miss")

// DefaultTenantBalance is credited implicitly to tenants that have no
// balance key yet.
const DefaultTenantBalance = 10000.0

// Config configures the Redis connection and cache defaults.
type Config struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	// DefaultTTL applies to cached query results when no TTL is given.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	MaxRetries   int `yaml:"max_retries" json:"max_retries"`
	PoolSize     int `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		DefaultTTL:   time.Hour,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Manager wraps a shared Redis client with tenant-scoped operations.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewManager connects to Redis and returns a Manager.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}

	logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
	)

	return m, nil
}

// NewManagerWithClient wraps an existing client, used by tests.
func NewManagerWithClient(client *redis.Client, config Config, logger *zap.Logger) *Manager {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}
}

// cacheKey returns the tenant-prefixed cache key.
func cacheKey(tenantID, key string) string {
	return fmt.Sprintf("tenant:%s:cache:%s", tenantID, key)
}

// queryHash identifies a raw query string by the first 16 hex characters
// of its SHA-256 digest.
func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:16]
}

// Get unmarshals a tenant's cached value into dest. Returns ErrCacheMiss
// when absent.
func (m *Manager) Get(ctx context.Context, tenantID, key string, dest any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	ck := cacheKey(tenantID, key)
	val, err := m.redis.Get(ctx, ck).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		m.logger.Error("cache get failed", zap.String("key", ck), zap.Error(err))
		return fmt.Errorf("cache get failed: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// Set stores a tenant's value as JSON with the given TTL (DefaultTTL when
// zero).
func (m *Manager) Set(ctx context.Context, tenantID, key string, value any, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	ck := cacheKey(tenantID, key)
	if err := m.redis.Set(ctx, ck, data, ttl).Err(); err != nil {
		m.logger.Error("cache set failed", zap.String("key", ck), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Delete removes a tenant's cached value.
func (m *Manager) Delete(ctx context.Context, tenantID, key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	ck := cacheKey(tenantID, key)
	if err := m.redis.Del(ctx, ck).Err(); err != nil {
		m.logger.Error("cache delete failed", zap.String("key", ck), zap.Error(err))
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// GetQueryCache looks up the cached result of a raw query string.
func (m *Manager) GetQueryCache(ctx context.Context, tenantID, query string, dest any) error {
	return m.Get(ctx, tenantID, "query:"+queryHash(query), dest)
}

// SetQueryCache stores a query's result keyed by its hash.
func (m *Manager) SetQueryCache(ctx context.Context, tenantID, query string, result any, ttl time.Duration) error {
	return m.Set(ctx, tenantID, "query:"+queryHash(query), result, ttl)
}

// TenantBalance reads a tenant's balance, crediting DefaultTenantBalance
// when no ledger key exists. Backend errors also yield the default so a
// cache outage never blocks queries.
func (m *Manager) TenantBalance(ctx context.Context, tenantID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return DefaultTenantBalance
	}

	key := fmt.Sprintf("tenant:%s:balance", tenantID)
	val, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return DefaultTenantBalance
	}
	if err != nil {
		m.logger.Error("failed to get tenant balance", zap.String("tenant_id", tenantID), zap.Error(err))
		return DefaultTenantBalance
	}

	balance, err := strconv.ParseFloat(val, 64)
	if err != nil {
		m.logger.Error("invalid tenant balance value", zap.String("tenant_id", tenantID), zap.String("value", val))
		return DefaultTenantBalance
	}
	return balance
}

// DeductTenantBalance debits amount from the tenant's ledger and returns
// the new balance. The ledger may go negative; billing reconciles later.
// On backend error it returns 0 and only logs.
func (m *Manager) DeductTenantBalance(ctx context.Context, tenantID string, amount float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0.0
	}

	key := fmt.Sprintf("tenant:%s:balance", tenantID)
	newBalance, err := m.redis.IncrByFloat(ctx, key, -amount).Result()
	if err != nil {
		m.logger.Error("failed to deduct tenant balance",
			zap.String("tenant_id", tenantID),
			zap.Float64("amount", amount),
			zap.Error(err))
		return 0.0
	}

	m.logger.Debug("tenant balance deducted",
		zap.String("tenant_id", tenantID),
		zap.Float64("amount", amount),
		zap.Float64("new_balance", newBalance))
	return newBalance
}

// CheckRateLimit applies a fixed-window counter per tenant. It returns
// whether the request is allowed and how many requests remain in the
// window. Backend errors fail open with the full limit remaining.
func (m *Manager) CheckRateLimit(ctx context.Context, tenantID string, limit, windowSeconds int) (bool, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return true, limit
	}

	key := fmt.Sprintf("tenant:%s:rate:%d", tenantID, windowSeconds)
	val, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		// First request opens the window.
		if err := m.redis.SetEx(ctx, key, "1", time.Duration(windowSeconds)*time.Second).Err(); err != nil {
			m.logger.Error("failed to open rate window", zap.String("tenant_id", tenantID), zap.Error(err))
			return true, limit
		}
		return true, limit - 1
	}
	if err != nil {
		m.logger.Error("failed to check rate limit", zap.String("tenant_id", tenantID), zap.Error(err))
		return true, limit
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		m.logger.Error("invalid rate counter value", zap.String("tenant_id", tenantID), zap.String("value", val))
		return true, limit
	}

	if count >= limit {
		return false, 0
	}

	if err := m.redis.Incr(ctx, key).Err(); err != nil {
		m.logger.Error("failed to increment rate counter", zap.String("tenant_id", tenantID), zap.Error(err))
		return true, limit
	}
	return true, limit - count - 1
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}
	return m.redis.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing cache manager")
	return m.redis.Close()
}
