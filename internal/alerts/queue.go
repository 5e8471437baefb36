package alerts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/pkg/logger"
)

// Queue hands alerts to a Notifier on background workers so callers on the
// request path never wait on sink delivery. When the buffer is full new
// alerts are dropped and counted.
type Queue struct {
	next    Notifier
	items   chan Alert
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(next Notifier, size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		next:    next,
		items:   make(chan Alert, size),
		timeout: 30 * time.Second,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

// Notify enqueues without blocking. The caller's context only scopes the
// call itself; delivery runs after the request has returned.
func (q *Queue) Notify(_ context.Context, alerts ...Alert) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, a := range alerts {
		if q.closed {
			q.drop(a, "queue closed")
			continue
		}
		select {
		case q.items <- a:
		default:
			q.drop(a, "queue full")
		}
	}
}

func (q *Queue) drop(a Alert, reason string) {
	metrics.AlertsDispatched.WithLabelValues("queue", "dropped").Inc()
	logger.Warn("Alert dropped",
		zap.String("alert_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("reason", reason),
	)
}

func (q *Queue) work() {
	defer q.wg.Done()
	for a := range q.items {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		q.next.Notify(ctx, a)
		cancel()
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered,
// or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn("Alert queue closed before draining", zap.Int("pending", len(q.items)))
		return ctx.Err()
	}
}

// Len reports alerts waiting for a worker.
func (q *Queue) Len() int {
	return len(q.items)
}
