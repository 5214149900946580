package main

import (
	"context"
	"sync"
	"time"
)

// WebhookEvent represents a queued webhook notification.
type WebhookEvent struct {
	ID         string
	Type       string
	RecordID   uint64
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask pairs an event with a delivery target. A nil subscription marks
// a freshly enqueued event that still needs fan-out.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

// WebhookQueueOption adjusts the behaviour of the queue.
type WebhookQueueOption func(*WebhookQueue)

// WithWebhookTaskCapacity sets the maximum number of pending webhook tasks.
func WithWebhookTaskCapacity(capacity int) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithWebhookHistoryCapacity sets the number of events retained for inspection.
func WithWebhookHistoryCapacity(capacity int) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if capacity > 0 {
			q.historyCap = capacity
		}
	}
}

// WithWebhookTTL configures how long queued items remain eligible for delivery.
func WithWebhookTTL(ttl time.Duration) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// withWebhookClock overrides the clock used for TTL evaluation (test only).
func withWebhookClock(now func() time.Time) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if now != nil {
			q.now = now
		}
	}
}

type queuedTask struct {
	task       WebhookTask
	enqueuedAt time.Time
}

// WebhookQueue is a bounded FIFO of webhook tasks. Overflow discards the
// oldest pending task and expired tasks are dropped on access.
type WebhookQueue struct {
	mu         sync.Mutex
	tasks      []queuedTask
	history    []WebhookEvent
	capacity   int
	historyCap int
	ttl        time.Duration
	now        func() time.Time
}

func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	q := &WebhookQueue{
		capacity:   defaultTaskCapacity,
		historyCap: defaultHistoryCapacity,
		ttl:        defaultQueueTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds an event to the queue for fan-out to subscribers.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	q.enqueueTask(WebhookTask{Event: evt})
}

func (q *WebhookQueue) enqueueTask(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if task.Subscription == nil {
		q.history = append(q.history, task.Event)
		if len(q.history) > q.historyCap {
			q.history = q.history[len(q.history)-q.historyCap:]
		}
	}
	q.tasks = append(q.tasks, queuedTask{task: task, enqueuedAt: now})
	if len(q.tasks) > q.capacity {
		q.tasks = q.tasks[len(q.tasks)-q.capacity:]
	}
}

// Events returns a snapshot copy of recently queued events. Primarily used in tests.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]WebhookEvent, len(q.history))
	copy(snapshot, q.history)
	return snapshot
}

// Dequeue waits for the next webhook task. Returns false if the context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		var queued queuedTask
		ok := len(q.tasks) > 0
		if ok {
			queued = q.tasks[0]
			q.tasks = q.tasks[1:]
		}
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}
		if delay := queued.task.NotBefore.Sub(q.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookTask{}, false
			case <-timer.C:
			}
		}
		return queued.task, true
	}
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	cutoff := now.Add(-q.ttl)
	idx := 0
	for idx < len(q.tasks) && q.tasks[idx].enqueuedAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		q.tasks = q.tasks[idx:]
	}
}
