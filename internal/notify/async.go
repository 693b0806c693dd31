package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-calls/internal/observability"
)

type job struct {
	userID string
	n      Notification
}

// Async runs a Notifier on a bounded worker pool. Dispatch never blocks the
// caller: when the queue is full the notification is dropped and logged.
type Async struct {
	next    Notifier
	jobs    chan job
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Notifier, workers, queue int, logger *zap.Logger) *Async {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	a := &Async{
		next:    next,
		jobs:    make(chan job, queue),
		timeout: 5 * time.Second,
		logger:  logger.With(zap.String("component", "notifier")),
	}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.work()
	}
	return a
}

// Dispatch enqueues a notification and reports whether it was accepted.
func (a *Async) Dispatch(userID string, n Notification) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.Notifications.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case a.jobs <- job{userID: userID, n: n}:
		return true
	default:
		observability.Notifications.WithLabelValues("dropped").Inc()
		a.logger.Warn("notification queue full, dropping", zap.String("user_id", userID))
		return false
	}
}

// Close stops accepting work and waits for queued notifications to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) work() {
	defer a.wg.Done()
	for j := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.SendToUser(ctx, j.userID, j.n)
		cancel()
		if err != nil {
			observability.Notifications.WithLabelValues("failed").Inc()
			a.logger.Warn("push notification failed", zap.String("user_id", j.userID), zap.Error(err))
			continue
		}
		observability.Notifications.WithLabelValues("sent").Inc()
	}
}
