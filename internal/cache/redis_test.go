package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis runs a throwaway Redis container. The test is skipped in -short
// mode or when no container runtime is available.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, container)
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisCache_Contract(t *testing.T) {
	client := startRedis(t)
	stepCacheContract(t, NewRedisCache(client, "plangraph:test:"))
}

func TestRedisCache_TTL(t *testing.T) {
	client := startRedis(t)
	c := NewRedisCache(client, "plangraph:test:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl", "v", 30*time.Second))
	ttl, err := client.TTL(ctx, "plangraph:test:step:ttl").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)

	require.NoError(t, c.Set(ctx, "forever", "v", 0))
	ttl, err = client.TTL(ctx, "plangraph:test:step:forever").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}

func TestNewRedisCache_DefaultPrefix(t *testing.T) {
	c := NewRedisCache(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	assert.Equal(t, "plangraph:step:abc", c.keyStep("abc"))
}
