package syncbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, UnlockTopic("k"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), UnlockTopic("k")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription not removed")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "key")
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	<-ch
	if m := bus.Metrics(); m.Published != 5 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestPublishRacesWithUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, _ = bus.Subscribe(ctx, "key")
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), "key")
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
}

func TestTopics(t *testing.T) {
	if UnlockTopic("a") != "unlock:a" {
		t.Fatalf("unexpected unlock topic %q", UnlockTopic("a"))
	}
	if LivenessTopic("expired") != "liveness:expired" {
		t.Fatalf("unexpected liveness topic %q", LivenessTopic("expired"))
	}
}
