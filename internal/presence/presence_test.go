package presence_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stancp327/Fetchwork-sub000/internal/presence"
)

func exerciseRegistry(t *testing.T, reg presence.Registry, base int64) {
	ctx := context.Background()
	alice, bob := base+1, base+2

	first, err := reg.Register(ctx, alice, "tab-1")
	require.NoError(t, err)
	assert.True(t, first, "first connection flips presence")

	first, err = reg.Register(ctx, alice, "tab-2")
	require.NoError(t, err)
	assert.False(t, first, "second tab must not re-announce")

	first, err = reg.Register(ctx, bob, "phone")
	require.NoError(t, err)
	assert.True(t, first)

	online, err := reg.IsOnline(ctx, alice)
	require.NoError(t, err)
	assert.True(t, online)

	last, err := reg.Unregister(ctx, alice, "tab-1")
	require.NoError(t, err)
	assert.False(t, last, "tab-2 is still connected")

	last, err = reg.Unregister(ctx, alice, "tab-1")
	require.NoError(t, err)
	assert.False(t, last, "unknown handle is a no-op")

	last, err = reg.Unregister(ctx, alice, "tab-2")
	require.NoError(t, err)
	assert.True(t, last)

	online, err = reg.IsOnline(ctx, alice)
	require.NoError(t, err)
	assert.False(t, online)

	users, err := reg.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Contains(t, users, bob)
	assert.NotContains(t, users, alice)

	_, err = reg.Unregister(ctx, bob, "phone")
	require.NoError(t, err)
}

func TestMemoryRegistry(t *testing.T) {
	exerciseRegistry(t, presence.NewMemory(), 0)
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRegistry(t *testing.T) {
	client := newRedisClient(t)
	reg, err := presence.NewRedis(context.Background(), client, uuid.NewString())
	require.NoError(t, err)

	// Offset ids per run so parallel runs against a shared Redis do not clash.
	exerciseRegistry(t, reg, int64(os.Getpid())*10)
}

func TestRedisRegistryIgnoresDeadInstance(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	crashed, crashedID := uuid.NewString(), int64(os.Getpid())*10+5

	a, err := presence.NewRedis(ctx, client, crashed)
	require.NoError(t, err)
	b, err := presence.NewRedis(ctx, client, uuid.NewString())
	require.NoError(t, err)

	first, err := a.Register(ctx, crashedID, "tab-1")
	require.NoError(t, err)
	require.True(t, first)

	online, err := b.IsOnline(ctx, crashedID)
	require.NoError(t, err)
	assert.True(t, online, "live instance counts")

	// The instance dies without unregistering; its heartbeat key expires.
	require.NoError(t, client.Del(ctx, "presence:instance:"+crashed).Err())

	online, err = b.IsOnline(ctx, crashedID)
	require.NoError(t, err)
	assert.False(t, online)

	users, err := b.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, users, crashedID)

	first, err = b.Register(ctx, crashedID, "tab-2")
	require.NoError(t, err)
	assert.True(t, first, "reconnect after a crash announces the user again")

	last, err := b.Unregister(ctx, crashedID, "tab-2")
	require.NoError(t, err)
	assert.True(t, last)
}

func TestRedisRunRemovesHeartbeat(t *testing.T) {
	client := newRedisClient(t)
	id, userID := uuid.NewString(), int64(os.Getpid())*10+7

	reg, err := presence.NewRedis(context.Background(), client, id)
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), userID, "tab-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	online, err := reg.IsOnline(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, online, "a stopped instance holds no connections")
}
