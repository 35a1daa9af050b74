package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rendis/plangraph/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertQuiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		RunID:   "run-1",
		StepID:  "fetch",
		Type:    schema.EventStepDone,
		Payload: map[string]any{"result": "ok"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	assert.Equal(t, event, receive(t, ch))
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: schema.EventStepStart}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", Type: schema.EventStepStart}))

	assert.Equal(t, "run-1", receive(t, ch).RunID)
	assertQuiet(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Types: []schema.EventType{schema.EventStepRetry, schema.EventDone},
	})
	require.NoError(t, err)
	defer cancel()

	for _, typ := range []schema.EventType{schema.EventStepRetry, schema.EventStepStart, schema.EventDone} {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: typ}))
	}

	assert.Equal(t, schema.EventStepRetry, receive(t, ch).Type)
	assert.Equal(t, schema.EventDone, receive(t, ch).Type)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: schema.EventDone}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		assert.Equal(t, schema.EventDone, receive(t, ch).Type)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: schema.EventDone}))

	_, open := <-ch
	assert.False(t, open, "channel is closed on cancel")
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: schema.EventStepStart}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{RunID: "run-c", Type: schema.EventStepStart})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, unsubscribe, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription outlived its context")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestRunSubscriptionEndsAfterDone(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(4))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()
	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: schema.EventStepDone}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: schema.EventDone}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Type: schema.EventStepDone}))

	var got []schema.EventType
	for ev := range ch {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []schema.EventType{schema.EventStepDone, schema.EventDone}, got)
	assert.Len(t, all, 3, "unfiltered subscriptions stay open")
	assert.Equal(t, 1, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHubSink(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{RunID: "run-9"})
	require.NoError(t, err)
	defer cancel()

	sink := HubSink(hub, "run-9")
	plan := &schema.Plan{ID: "p1"}
	sink(schema.Event{Type: schema.EventPlan, Plan: plan})
	sink(schema.Event{Type: schema.EventStepRetry, StepID: "s1", Attempt: 2})
	sink(schema.Event{Type: schema.EventStepDone, StepID: "s1", Output: "out", Cached: true})
	sink(schema.Event{Type: schema.EventDone, Outputs: map[string]any{"s1": "out"}})

	got := receive(t, ch)
	assert.Equal(t, plan, got.Payload)
	assert.Equal(t, "p1", got.PlanID)

	got = receive(t, ch)
	assert.Equal(t, StreamEvent{RunID: "run-9", PlanID: "p1", StepID: "s1", Type: schema.EventStepRetry, Attempt: 2}, got)

	got = receive(t, ch)
	assert.Equal(t, "out", got.Payload)
	assert.True(t, got.Cached)

	got = receive(t, ch)
	assert.Equal(t, map[string]any{"s1": "out"}, got.Payload)
}
