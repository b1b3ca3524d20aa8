package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("LATCH_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn, "latch.")
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, UnlockTopic("k"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, UnlockTopic("k")); err != nil {
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

func TestNATSBusUnsubscribe(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "key", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.subs) != 0 {
		t.Fatal("subscription not removed")
	}
}
