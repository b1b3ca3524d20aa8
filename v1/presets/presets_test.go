package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/go-latch/v1/internal/etcdtest"
	"github.com/mirkobrombin/go-latch/v1/liveness"
)

func TestNewInMemoryStandalone(t *testing.T) {
	l := NewInMemoryStandalone()
	defer l.Close()
	ctx := context.Background()

	h, err := l.Client.Lock(ctx, "foo", time.Minute, 0)
	if err != nil || h == nil {
		t.Fatalf("lock failed: %v", err)
	}
	if ok, err := h.Unlock(ctx); err != nil || !ok {
		t.Fatalf("unlock failed: %v ok %v", err, ok)
	}
	if l.Monitor != nil {
		t.Fatal("in-memory preset must not start a monitor")
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	l, err := NewRedis(RedisOptions{Addr: mr.Addr(), Prefix: "app:"})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer l.Close()
	ctx := context.Background()

	token := "tok"
	if ok, err := l.Client.TryLock(ctx, "foo", token, time.Minute); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if val, _ := mr.Get("app:foo"); val != token {
		t.Fatalf("expected token stored under prefixed key, got %q", val)
	}
}

func TestNewRedisWithNATSBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	l, err := NewRedis(RedisOptions{Addr: mr.Addr(), NATSURL: s.ClientURL()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer l.Close()
	ctx := context.Background()

	if ok, _ := l.Client.TryLock(ctx, "foo", "a", time.Minute); !ok {
		t.Fatal("expected acquire")
	}
	res := make(chan bool, 1)
	go func() {
		ok, _ := l.Client.Acquire(ctx, "foo", "b", time.Minute, 5*time.Second)
		res <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	if ok, _ := l.Client.Release(ctx, "foo", "a"); !ok {
		t.Fatal("expected release")
	}
	select {
	case ok := <-res:
		if !ok {
			t.Fatal("waiter did not acquire")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestNewEtcd(t *testing.T) {
	endpoints := etcdtest.Endpoints(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l, err := NewEtcd(ctx, EtcdOptions{
		Endpoints:    endpoints,
		SessionTTL:   5 * time.Second,
		Prefix:       "/latch-test/presets",
		PollInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new etcd: %v", err)
	}
	defer l.Close()
	// The monitor must outlive the construction context.
	cancel()
	ctx = context.Background()
	time.Sleep(120 * time.Millisecond)
	select {
	case <-l.Monitor.Done():
		t.Fatal("monitor stopped with the construction context")
	default:
	}

	if l.Monitor.SessionTimeout() != 5*time.Second {
		t.Fatalf("unexpected session timeout %v", l.Monitor.SessionTimeout())
	}
	h, err := l.Client.Lock(ctx, "foo", time.Minute, time.Second)
	if err != nil || h == nil {
		t.Fatalf("lock: %v", err)
	}
	if l.Monitor.State() != liveness.StateConnected {
		t.Fatalf("unexpected state %s", l.Monitor.State())
	}
	if ok, err := h.Unlock(ctx); err != nil || !ok {
		t.Fatalf("unlock: %v ok %v", err, ok)
	}
}
