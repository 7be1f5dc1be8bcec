package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned when the pending invocation queue is at capacity.
var ErrQueueFull = errors.New("gateway invocation queue is full")

// QueueStats exposes the queue's observed behavior.
type QueueStats struct {
	Running      int           `json:"running"`
	Depth        int           `json:"depth"`
	Dequeued     int           `json:"dequeued"`
	TotalWait    time.Duration `json:"total_wait"`
	MaxWait      time.Duration `json:"max_wait"`
	AlertsRaised int           `json:"alerts_raised"`
}

type queueWaiter struct {
	ready    chan struct{}
	enqueued time.Time
}

// Queue is a strict-FIFO bounded concurrency gate for chat-provider
// invocations. At most `concurrency` callers proceed at once; the rest wait
// in arrival order. Waits beyond the alert threshold are logged loudly.
type Queue struct {
	concurrency    int
	cap            int
	alertThreshold time.Duration

	mu      sync.Mutex
	running int
	pending []*queueWaiter
	stats   QueueStats
}

// NewQueue creates a queue admitting `concurrency` concurrent callers and
// holding at most `capacity` waiting ones.
func NewQueue(concurrency, capacity int, alertThreshold time.Duration) *Queue {
	return &Queue{
		concurrency:    concurrency,
		cap:            capacity,
		alertThreshold: alertThreshold,
	}
}

// Acquire blocks until the caller may proceed, returning the time spent
// waiting. Fails fast with ErrQueueFull past capacity.
func (q *Queue) Acquire(ctx context.Context) (time.Duration, error) {
	q.mu.Lock()
	if q.running < q.concurrency {
		q.running++
		q.mu.Unlock()
		return 0, nil
	}
	if len(q.pending) >= q.cap {
		q.mu.Unlock()
		return 0, ErrQueueFull
	}
	w := &queueWaiter{ready: make(chan struct{}), enqueued: time.Now()}
	q.pending = append(q.pending, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		wait := time.Since(w.enqueued)
		q.recordWait(wait)
		return wait, nil
	case <-ctx.Done():
		q.abandon(w)
		return time.Since(w.enqueued), ctx.Err()
	}
}

// Release frees the caller's slot, admitting the oldest waiter if any.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 {
		w := q.pending[0]
		q.pending = q.pending[1:]
		close(w.ready)
		// running is unchanged: the slot transfers to the waiter.
		return
	}
	q.running--
}

// Depth returns the number of requests currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Running = q.running
	stats.Depth = len(q.pending)
	return stats
}

func (q *Queue) recordWait(wait time.Duration) {
	q.mu.Lock()
	q.stats.Dequeued++
	q.stats.TotalWait += wait
	if wait > q.stats.MaxWait {
		q.stats.MaxWait = wait
	}
	alert := wait > q.alertThreshold
	if alert {
		q.stats.AlertsRaised++
	}
	q.mu.Unlock()

	if alert {
		slog.Warn("Gateway queue wait exceeded threshold",
			"wait", wait, "threshold", q.alertThreshold)
	}
}

// abandon removes a cancelled waiter. If its slot was already granted, the
// grant is forwarded to the next waiter.
func (q *Queue) abandon(w *queueWaiter) {
	q.mu.Lock()
	for i, pending := range q.pending {
		if pending == w {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()
	q.Release()
}
