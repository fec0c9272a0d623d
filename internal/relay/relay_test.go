package relay_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/relay"
)

func TestRedisRelaySkipsOwnMessages(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	a := relay.NewRedis(client, "instance-a", zap.NewNop())
	b := relay.NewRedis(client, "instance-b", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotA := make(chan relay.Message, 4)
	gotB := make(chan relay.Message, 4)
	go func() { _ = a.Subscribe(ctx, func(m relay.Message) { offer(gotA, m) }) }()
	go func() { _ = b.Subscribe(ctx, func(m relay.Message) { offer(gotB, m) }) }()

	want := relay.Message{Op: relay.OpEmitUser, UserID: 9, Frame: json.RawMessage(`{"event":"x"}`)}
	// Subscriptions are established asynchronously; publish until b sees one.
	var got relay.Message
	require.Eventually(t, func() bool {
		if err := a.Publish(ctx, want); err != nil {
			return false
		}
		select {
		case got = <-gotB:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "instance-a", got.Origin)
	assert.Equal(t, relay.OpEmitUser, got.Op)
	assert.Equal(t, int64(9), got.UserID)
	assert.JSONEq(t, `{"event":"x"}`, string(got.Frame))

	select {
	case m := <-gotA:
		t.Fatalf("instance received its own message: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func offer(ch chan relay.Message, m relay.Message) {
	select {
	case ch <- m:
	default:
	}
}
