package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/queue"
)

func TestInlineRunsRegisteredHandler(t *testing.T) {
	q := queue.NewInline(zap.NewNop())
	var got atomic.Value
	q.Register("demo", func(ctx context.Context, task queue.Task) error {
		got.Store(string(task.Payload))
		return nil
	})

	id, err := q.Enqueue(context.Background(), queue.Task{Type: "demo", Payload: []byte("x")})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	q.Wait()
	assert.Equal(t, "x", got.Load())
}

func TestInlineRetriesFailures(t *testing.T) {
	q := queue.NewInline(zap.NewNop())
	q.MaxRetry = 2
	var calls atomic.Int32
	q.Register("flaky", func(ctx context.Context, task queue.Task) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	_, err := q.Enqueue(context.Background(), queue.Task{Type: "flaky"})
	require.NoError(t, err)
	q.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestInlineRejectsUnknownAndClosed(t *testing.T) {
	q := queue.NewInline(zap.NewNop())
	_, err := q.Enqueue(context.Background(), queue.Task{Type: "missing"})
	require.Error(t, err)

	q.Register("demo", func(ctx context.Context, task queue.Task) error { return nil })
	require.NoError(t, q.Close())
	_, err = q.Enqueue(context.Background(), queue.Task{Type: "demo"})
	require.Error(t, err)
}
