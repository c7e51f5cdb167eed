package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-exec/pkg/config"
)

func disabledClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(&config.Config{Redis: config.RedisConfig{Enabled: false}})
	require.NoError(t, err)
	return client
}

func TestNewClient_Disabled(t *testing.T) {
	client := disabledClient(t)
	assert.False(t, client.Enabled())
	assert.NoError(t, client.Close())
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(disabledClient(t), "test")

	allowed, remaining, err := limiter.Allow(context.Background(), ExchangeRateLimit)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, ExchangeRateLimit.Limit, remaining)

	assert.NoError(t, limiter.Wait(context.Background(), ExchangeRateLimit))
}

func TestCache_Disabled(t *testing.T) {
	cache := NewCache(disabledClient(t), "test")
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, LastReconcileKey(), map[string]string{"a": "b"}, time.Minute))

	var result map[string]string
	found, err := cache.Get(ctx, LastReconcileKey(), &result)
	require.NoError(t, err)
	assert.False(t, found)

	var got int
	err = cache.GetOrSet(ctx, "k", &got, time.Minute, func() (interface{}, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestCacheKeys(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"LastReconcileKey", LastReconcileKey(), "reconcile:last"},
		{"ReconcileReportKey", ReconcileReportKey("r1"), "reconcile:run:r1"},
		{"LastActivationKey", LastActivationKey(), "killswitch:last"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got)
		})
	}
}
