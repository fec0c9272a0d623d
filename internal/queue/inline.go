package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Inline runs tasks in-process on their own goroutine. It is both the
// Client and the Server of a single-instance deployment. Failed tasks are
// retried up to MaxRetry times without delay.
type Inline struct {
	log      *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	seq      atomic.Int64
	closed   atomic.Bool

	// MaxRetry bounds attempts after the first failure.
	MaxRetry int
	// Timeout bounds one attempt.
	Timeout time.Duration
}

func NewInline(log *zap.Logger) *Inline {
	return &Inline{
		log:      log,
		handlers: make(map[string]Handler),
		MaxRetry: 2,
		Timeout:  10 * time.Second,
	}
}

var (
	_ Client = (*Inline)(nil)
	_ Server = (*Inline)(nil)
)

func (q *Inline) Register(taskType string, h Handler) {
	q.mu.Lock()
	q.handlers[taskType] = h
	q.mu.Unlock()
}

// Enqueue starts the task immediately. The caller's context is not
// propagated: the task outlives the request that produced it.
func (q *Inline) Enqueue(_ context.Context, t Task, _ ...EnqueueOption) (string, error) {
	if q.closed.Load() {
		return "", fmt.Errorf("inline queue closed")
	}
	q.mu.RLock()
	h, ok := q.handlers[t.Type]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("inline queue: no handler for %q", t.Type)
	}

	id := fmt.Sprintf("inline-%d", q.seq.Add(1))
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.process(id, t, h)
	}()
	return id, nil
}

func (q *Inline) process(id string, t Task, h Handler) {
	var err error
	for attempt := 0; attempt <= q.MaxRetry; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.Timeout)
		err = h(ctx, t)
		cancel()
		if err == nil {
			return
		}
	}
	q.log.Warn("task failed", zap.String("id", id), zap.String("type", t.Type), zap.Error(err))
}

// Run blocks until ctx is canceled and then waits for in-flight tasks.
func (q *Inline) Run(ctx context.Context) error {
	<-ctx.Done()
	return q.Close()
}

// Wait blocks until every task enqueued so far has finished.
func (q *Inline) Wait() {
	q.wg.Wait()
}

func (q *Inline) Close() error {
	q.closed.Store(true)
	q.wg.Wait()
	return nil
}
