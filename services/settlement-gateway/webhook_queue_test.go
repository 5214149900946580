package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWebhookQueueDeliversInOrder(t *testing.T) {
	q := NewWebhookQueue()
	q.Enqueue(WebhookEvent{ID: "a", Type: "pay.created"})
	q.Enqueue(WebhookEvent{ID: "b", Type: "pay.approved"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "a", first.Event.ID)

	second, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "b", second.Event.ID)
}

func TestWebhookQueueDequeueHonoursCancellation(t *testing.T) {
	q := NewWebhookQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := q.Dequeue(ctx)
	require.False(t, ok)
}

func TestWebhookQueueEvictsExpiredTasks(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }
	q := NewWebhookQueue(WithWebhookTTL(time.Minute), withWebhookClock(clock))

	q.Enqueue(WebhookEvent{ID: "stale"})
	now = now.Add(2 * time.Minute)
	q.Enqueue(WebhookEvent{ID: "fresh"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "fresh", task.Event.ID)
}

func TestWebhookQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewWebhookQueue(WithWebhookTaskCapacity(2))
	q.Enqueue(WebhookEvent{ID: "a"})
	q.Enqueue(WebhookEvent{ID: "b"})
	q.Enqueue(WebhookEvent{ID: "c"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "b", first.Event.ID)

	second, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "c", second.Event.ID)
}

func TestWebhookQueueHistoryBounded(t *testing.T) {
	q := NewWebhookQueue(WithWebhookHistoryCapacity(2))
	q.Enqueue(WebhookEvent{ID: "a"})
	q.Enqueue(WebhookEvent{ID: "b"})
	q.Enqueue(WebhookEvent{ID: "c"})

	events := q.Events()
	require.Len(t, events, 2)
	require.Equal(t, "b", events[0].ID)
	require.Equal(t, "c", events[1].ID)
}
