package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-latch/v1/backend"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/liveness"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

func TestInMemoryTryLockAcquireRelease(t *testing.T) {
	c := New(backend.NewInMemory())
	ctx := context.Background()
	ok, err := c.TryLock(ctx, "k", "t1", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if ok, err := c.TryLock(ctx, "k", "t2", time.Second); err != nil || ok {
		t.Fatalf("expected lock held, got ok %v err %v", ok, err)
	}
	if ok, err := c.Release(ctx, "k", "t1"); err != nil || !ok {
		t.Fatalf("release: %v ok %v", err, ok)
	}
	if ok, err := c.TryLock(ctx, "k", "t2", time.Second); err != nil || !ok {
		t.Fatalf("expected lock re-acquired, ok %v err %v", ok, err)
	}
}

func TestReleaseWithForeignTokenIsNoop(t *testing.T) {
	b := backend.NewInMemory()
	c := New(b)
	ctx := context.Background()
	if ok, _ := c.TryLock(ctx, "res", "T1", time.Minute); !ok {
		t.Fatal("expected acquire")
	}
	ok, err := c.Release(ctx, "res", "T2")
	if err != nil || ok {
		t.Fatalf("expected silent no-op, got ok %v err %v", ok, err)
	}
	token, ttl, found := b.Get(DefaultPrefix + "res")
	if !found || token != "T1" {
		t.Fatalf("expected key to keep T1, got %q found %v", token, found)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected remaining ttl %v", ttl)
	}
}

func TestReleaseAfterExpiryIsNoop(t *testing.T) {
	c := New(backend.NewInMemory())
	ctx := context.Background()
	if ok, _ := c.TryLock(ctx, "k", "t1", 10*time.Millisecond); !ok {
		t.Fatal("expected acquire")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, err := c.Release(ctx, "k", "t1"); err != nil || ok {
		t.Fatalf("expected no-op, got ok %v err %v", ok, err)
	}
}

func TestInMemoryLockTTLExpires(t *testing.T) {
	c := New(backend.NewInMemory())
	ctx := context.Background()
	if ok, err := c.TryLock(ctx, "k", "a", 10*time.Millisecond); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if ok, err := c.TryLock(ctx, "k", "b", time.Second); err != nil || !ok {
		t.Fatalf("lock should expire, ok %v err %v", ok, err)
	}
}

func TestInMemoryAcquireTimeout(t *testing.T) {
	c := New(backend.NewInMemory(), WithRetryInterval(time.Millisecond))
	ctx := context.Background()
	_, _ = c.TryLock(ctx, "k", "holder", time.Minute)

	start := time.Now()
	ok, err := c.Acquire(ctx, "k", "waiter", time.Minute, 5*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout failure without error, got ok %v err %v", ok, err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("acquire did not respect max wait")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	c := New(backend.NewInMemory())
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = c.TryLock(ctx, "k", "holder", time.Minute)
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	ok, err := c.Acquire(ctx, "k", "waiter", time.Minute, 0)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got ok %v err %v", ok, err)
	}
}

func TestAcquireWakesOnRelease(t *testing.T) {
	b := backend.NewInMemory()
	bus := syncbus.NewInMemoryBus()
	holder := New(b, WithBus(bus))
	waiter := New(b, WithBus(bus), WithRetryInterval(time.Hour))
	ctx := context.Background()

	if ok, _ := holder.TryLock(ctx, "k", "h", time.Minute); !ok {
		t.Fatal("expected acquire")
	}
	res := make(chan bool, 1)
	go func() {
		ok, _ := waiter.Acquire(ctx, "k", "w", time.Minute, 5*time.Second)
		res <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	if ok, err := holder.Release(ctx, "k", "h"); err != nil || !ok {
		t.Fatalf("release: %v ok %v", err, ok)
	}
	select {
	case ok := <-res:
		if !ok {
			t.Fatal("waiter failed to acquire")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestInvalidArguments(t *testing.T) {
	c := New(backend.NewInMemory())
	ctx := context.Background()
	cases := []struct {
		name  string
		key   string
		token string
		ttl   time.Duration
	}{
		{"empty key", "", "t", time.Second},
		{"empty token", "k", "", time.Second},
		{"zero ttl", "k", "t", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.TryLock(ctx, tc.key, tc.token, tc.ttl); !errors.Is(err, latcherrors.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestNoReentrancy(t *testing.T) {
	c := New(backend.NewInMemory())
	ctx := context.Background()
	h1, err := c.Lock(ctx, "k", time.Minute, 0)
	if err != nil || h1 == nil {
		t.Fatalf("lock: %v", err)
	}
	h2, err := c.Lock(ctx, "k", time.Minute, 0)
	if err != nil || h2 != nil {
		t.Fatalf("expected second lock to conflict, got %v err %v", h2, err)
	}
}

func TestHandleLifecycle(t *testing.T) {
	c := New(backend.NewInMemory())
	ctx := context.Background()
	h, err := c.Lock(ctx, "k", time.Minute, time.Second)
	if err != nil || h == nil {
		t.Fatalf("lock: %v", err)
	}
	if h.Key() != "k" || h.Token() == "" || h.TTL() != time.Minute {
		t.Fatalf("unexpected handle %+v", h)
	}
	if !h.Valid() {
		t.Fatal("expected fresh handle to be valid")
	}
	if ok, err := h.Unlock(ctx); err != nil || !ok {
		t.Fatalf("unlock: %v ok %v", err, ok)
	}
	if h.Valid() {
		t.Fatal("expected handle invalid after unlock")
	}
	if ok, err := h.Unlock(ctx); err != nil || ok {
		t.Fatalf("expected second unlock to be a no-op, got ok %v err %v", ok, err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok := NewToken()
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = struct{}{}
	}
}

type expiringProber struct{}

func (expiringProber) Probe(context.Context) error  { return latcherrors.ErrSessionExpired }
func (expiringProber) SessionTimeout() time.Duration { return time.Second }

func TestSessionExpiryVoidsHandles(t *testing.T) {
	m := liveness.New(expiringProber{}, liveness.WithInterval(time.Millisecond))
	c := New(backend.NewInMemory(), WithMonitor(m))
	ctx := context.Background()

	h, err := c.Lock(ctx, "k", time.Minute, 0)
	if err != nil || h == nil {
		t.Fatalf("lock: %v", err)
	}

	m.Start(ctx)
	defer m.Stop()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not expire")
	}

	if h.Valid() {
		t.Fatal("expected handle to be void after session expiry")
	}
	if _, err := c.TryLock(ctx, "other", "t", time.Minute); !errors.Is(err, latcherrors.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := h.Unlock(ctx); !errors.Is(err, latcherrors.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired on unlock, got %v", err)
	}
}

// slowReplyBackend applies SetNX and then holds the reply until ctx ends.
type slowReplyBackend struct {
	*backend.InMemory
}

func (b slowReplyBackend) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if _, err := b.InMemory.SetNX(ctx, key, token, ttl); err != nil {
		return false, err
	}
	<-ctx.Done()
	return false, ctx.Err()
}

func TestAcquireTimeoutRemovesLateSet(t *testing.T) {
	mem := backend.NewInMemory()
	c := New(slowReplyBackend{mem})

	ok, err := c.Acquire(context.Background(), "res", "T1", time.Minute, 50*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout, got ok %v err %v", ok, err)
	}
	if token, _, found := mem.Get(DefaultPrefix + "res"); found {
		t.Fatalf("expected no lock left behind, found token %q", token)
	}
}

func TestAcquireCancelRemovesLateSet(t *testing.T) {
	mem := backend.NewInMemory()
	c := New(slowReplyBackend{mem})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Acquire(ctx, "res", "T1", time.Minute, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, _, found := mem.Get(DefaultPrefix + "res"); found {
		t.Fatal("expected no lock left behind")
	}
}
