package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := Config{
		Addr:       mr.Addr(),
		DB:         0,
		DefaultTTL: 1 * time.Minute,
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)

	return mr, manager
}

func TestNewManager(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	assert.NotNil(t, manager)
	assert.NotNil(t, manager.redis)
	assert.NotNil(t, manager.logger)
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	err := manager.Set(ctx, "acme", "settings", map[string]string{"theme": "dark"}, time.Minute)
	require.NoError(t, err)

	var got map[string]string
	err = manager.Get(ctx, "acme", "settings", &got)
	require.NoError(t, err)
	assert.Equal(t, "dark", got["theme"])
}

func TestManager_GetMiss(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	var got map[string]string
	err := manager.Get(context.Background(), "acme", "missing", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_KeysAreTenantScoped(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "acme", "settings", "a", time.Minute))
	require.NoError(t, manager.Set(ctx, "globex", "settings", "b", time.Minute))

	assert.True(t, mr.Exists("tenant:acme:cache:settings"))
	assert.True(t, mr.Exists("tenant:globex:cache:settings"))

	var got string
	require.NoError(t, manager.Get(ctx, "acme", "settings", &got))
	assert.Equal(t, "a", got)

	require.NoError(t, manager.Get(ctx, "globex", "settings", &got))
	assert.Equal(t, "b", got)
}

func TestManager_Delete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "acme", "settings", "x", time.Minute))
	require.NoError(t, manager.Delete(ctx, "acme", "settings"))

	var got string
	err := manager.Get(ctx, "acme", "settings", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_QueryCacheKeyFormat(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	query := "what is the filing deadline?"

	require.NoError(t, manager.SetQueryCache(ctx, "acme", query, map[string]string{"answer": "April 15"}, time.Minute))

	sum := sha256.Sum256([]byte(query))
	expectedKey := "tenant:acme:cache:query:" + hex.EncodeToString(sum[:])[:16]
	assert.True(t, mr.Exists(expectedKey))

	var got map[string]string
	require.NoError(t, manager.GetQueryCache(ctx, "acme", query, &got))
	assert.Equal(t, "April 15", got["answer"])
}

func TestManager_QueryCacheTenantIsolation(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	query := "shared question"

	require.NoError(t, manager.SetQueryCache(ctx, "acme", query, "acme answer", time.Minute))

	var got string
	err := manager.GetQueryCache(ctx, "globex", query, &got)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, manager.GetQueryCache(ctx, "acme", query, &got))
	assert.Equal(t, "acme answer", got)
}

func TestManager_TenantBalanceDefault(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	balance := manager.TenantBalance(context.Background(), "acme")
	assert.Equal(t, DefaultTenantBalance, balance)
}

func TestManager_DeductTenantBalance(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, mr.Set("tenant:acme:balance", "100.0"))

	newBalance := manager.DeductTenantBalance(ctx, "acme", 0.25)
	assert.InDelta(t, 99.75, newBalance, 1e-9)

	assert.InDelta(t, 99.75, manager.TenantBalance(ctx, "acme"), 1e-9)
}

func TestManager_DeductTenantBalanceCanGoNegative(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, mr.Set("tenant:acme:balance", "0.1"))

	newBalance := manager.DeductTenantBalance(ctx, "acme", 0.5)
	assert.InDelta(t, -0.4, newBalance, 1e-9)
}

func TestManager_CheckRateLimit(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	const limit = 5

	// First request opens the window.
	allowed, remaining := manager.CheckRateLimit(ctx, "acme", limit, 60)
	assert.True(t, allowed)
	assert.Equal(t, limit-1, remaining)
	assert.True(t, mr.Exists("tenant:acme:rate:60"))

	// Requests 2..5 consume the rest.
	for i := 2; i <= limit; i++ {
		allowed, remaining = manager.CheckRateLimit(ctx, "acme", limit, 60)
		assert.True(t, allowed, "request %d should be allowed", i)
		assert.Equal(t, limit-i, remaining)
	}

	// Request 6 is rejected without incrementing.
	allowed, remaining = manager.CheckRateLimit(ctx, "acme", limit, 60)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)

	count, err := mr.Get("tenant:acme:rate:60")
	require.NoError(t, err)
	assert.Equal(t, "5", count)
}

func TestManager_CheckRateLimitWindowExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	allowed, _ := manager.CheckRateLimit(ctx, "acme", 1, 60)
	assert.True(t, allowed)
	allowed, _ = manager.CheckRateLimit(ctx, "acme", 1, 60)
	assert.False(t, allowed)

	mr.FastForward(61 * time.Second)

	allowed, remaining := manager.CheckRateLimit(ctx, "acme", 1, 60)
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestManager_CheckRateLimitPerTenant(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	allowed, _ := manager.CheckRateLimit(ctx, "acme", 1, 60)
	assert.True(t, allowed)
	allowed, _ = manager.CheckRateLimit(ctx, "acme", 1, 60)
	assert.False(t, allowed)

	// A different tenant has its own window.
	allowed, _ = manager.CheckRateLimit(ctx, "globex", 1, 60)
	assert.True(t, allowed)
}

func TestManager_CheckRateLimitFailsOpen(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer manager.Close()

	// Kill the backend so every command errors.
	mr.Close()

	allowed, remaining := manager.CheckRateLimit(context.Background(), "acme", 10, 60)
	assert.True(t, allowed)
	assert.Equal(t, 10, remaining)
}

func TestManager_BalanceFailsToDefault(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer manager.Close()

	mr.Close()

	balance := manager.TenantBalance(context.Background(), "acme")
	assert.Equal(t, DefaultTenantBalance, balance)

	newBalance := manager.DeductTenantBalance(context.Background(), "acme", 1.0)
	assert.Equal(t, 0.0, newBalance)
}

func TestManager_ClosedManager(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()

	require.NoError(t, manager.Close())

	var got string
	err := manager.Get(context.Background(), "acme", "k", &got)
	assert.Error(t, err)

	// Close is idempotent.
	assert.NoError(t, manager.Close())
}
