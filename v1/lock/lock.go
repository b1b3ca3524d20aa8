package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/backend"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/liveness"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

const (
	// DefaultPrefix namespaces every lock key.
	DefaultPrefix = "lock:"
	// DefaultRetryInterval is the pause between two attempts of a blocking
	// acquire when no release signal arrives.
	DefaultRetryInterval = 50 * time.Millisecond

	abandonTimeout = time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = prefix
	}
}

// WithRetryInterval sets the pause between attempts of a blocking acquire.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithBus makes Release publish on syncbus.UnlockTopic and blocked acquirers
// retry as soon as such a signal arrives.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Client) {
		c.bus = bus
	}
}

// WithMonitor binds the client to the liveness monitor of the session its
// backend depends on.
func WithMonitor(m *liveness.Monitor) Option {
	return func(c *Client) {
		c.monitor = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records operations on the collectors of the metrics package.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = true
	}
}

// Client acquires and releases locks against a backend.
type Client struct {
	backend       backend.Backend
	sessionScoped bool
	prefix        string
	retryInterval time.Duration
	bus           syncbus.Bus
	monitor       *liveness.Monitor
	logger        *slog.Logger
	metrics       bool

	// mu serializes the retries of blocking acquires issued by local
	// goroutines. It gives no cross-process guarantee.
	mu sync.Mutex
}

// New returns a Client using b.
func New(b backend.Backend, opts ...Option) *Client {
	_, scoped := b.(backend.SessionBackend)
	c := &Client{
		backend:       b,
		sessionScoped: scoped,
		prefix:        DefaultPrefix,
		retryInterval: DefaultRetryInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewToken returns a fresh ownership token.
func NewToken() string {
	return uuid.NewString()
}

// Backend returns the backend the client talks to.
func (c *Client) Backend() backend.Backend {
	return c.backend
}

func (c *Client) key(key string) string {
	return c.prefix + key
}

func (c *Client) validate(key, token string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", latcherrors.ErrInvalidArgument)
	}
	if token == "" {
		return fmt.Errorf("%w: empty token", latcherrors.ErrInvalidArgument)
	}
	if c.monitor != nil && c.monitor.Expired() {
		return latcherrors.ErrSessionExpired
	}
	return nil
}

func validTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", latcherrors.ErrInvalidArgument)
	}
	return nil
}

// TryLock makes a single attempt to store token under key for ttl. It
// returns false, without error, when another token holds the key.
func (c *Client) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Client.TryLock", trace.WithAttributes(attribute.String("latch.key", key)))
	defer span.End()
	if err := c.validate(key, token); err != nil {
		return false, c.fail(span, err)
	}
	if err := validTTL(ttl); err != nil {
		return false, c.fail(span, err)
	}
	ok, err := c.backend.SetNX(ctx, c.key(key), token, ttl)
	if err != nil {
		c.countAcquire(metrics.ResultError)
		return false, c.fail(span, err)
	}
	if ok {
		c.countAcquire(metrics.ResultAcquired)
	} else {
		c.countAcquire(metrics.ResultConflict)
	}
	span.SetAttributes(attribute.Bool("latch.acquired", ok))
	return ok, nil
}

// Acquire retries TryLock until it succeeds or maxWait elapses. Reaching
// maxWait returns false with a nil error and leaves nothing behind at the
// backend. A non-positive maxWait waits until ctx is done, in which case
// ctx.Err() is returned. Backend errors end the wait immediately.
func (c *Client) Acquire(ctx context.Context, key, token string, ttl, maxWait time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Client.Acquire", trace.WithAttributes(attribute.String("latch.key", key)))
	defer span.End()
	if err := c.validate(key, token); err != nil {
		return false, c.fail(span, err)
	}
	if err := validTTL(ttl); err != nil {
		return false, c.fail(span, err)
	}

	start := time.Now()
	if c.metrics {
		defer func() { metrics.AcquireLatency.Observe(time.Since(start).Seconds()) }()
	}

	wctx, cancel := ctx, context.CancelFunc(func() {})
	if maxWait > 0 {
		wctx, cancel = context.WithTimeout(ctx, maxWait)
	}
	defer cancel()

	var wake chan struct{}
	if c.bus != nil {
		ch, err := c.bus.Subscribe(wctx, syncbus.UnlockTopic(key))
		if err != nil {
			c.logger.Warn("latch: unlock subscription failed, falling back to polling", "key", key, "error", err)
		} else {
			wake = ch
		}
	}

	timer := time.NewTimer(c.retryInterval)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		if c.monitor != nil && c.monitor.Expired() {
			return false, c.fail(span, latcherrors.ErrSessionExpired)
		}
		c.mu.Lock()
		ok, err := c.backend.SetNX(wctx, c.key(key), token, ttl)
		c.mu.Unlock()
		if err != nil {
			if wctx.Err() != nil {
				// The set may have committed before the deadline cut the reply.
				c.abandon(key, token)
				return c.waitEnded(ctx, span, attempt)
			}
			c.countAcquire(metrics.ResultError)
			return false, c.fail(span, err)
		}
		if ok {
			c.countAcquire(metrics.ResultAcquired)
			span.SetAttributes(attribute.Bool("latch.acquired", true), attribute.Int("latch.attempts", attempt))
			return true, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.retryInterval)
		select {
		case <-wctx.Done():
			return c.waitEnded(ctx, span, attempt)
		case _, open := <-wake:
			if !open {
				wake = nil
			}
		case <-timer.C:
		}
	}
}

// abandon removes token from key in case an interrupted attempt was applied
// by the backend after the caller stopped waiting.
func (c *Client) abandon(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()
	ok, err := c.backend.CompareAndDelete(ctx, c.key(key), token)
	switch {
	case err != nil:
		c.logger.Warn("latch: cleanup of interrupted acquire failed", "key", key, "error", err)
	case ok:
		c.logger.Debug("latch: removed lock set by interrupted acquire", "key", key)
	}
}

func (c *Client) waitEnded(ctx context.Context, span trace.Span, attempts int) (bool, error) {
	span.SetAttributes(attribute.Bool("latch.acquired", false), attribute.Int("latch.attempts", attempts))
	if err := ctx.Err(); err != nil {
		c.countAcquire(metrics.ResultError)
		return false, c.fail(span, err)
	}
	c.countAcquire(metrics.ResultTimeout)
	return false, nil
}

// Release deletes key if it still holds token. It returns false, without
// error, when the lock already expired or belongs to another token.
func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Client.Release", trace.WithAttributes(attribute.String("latch.key", key)))
	defer span.End()
	if err := c.validate(key, token); err != nil {
		return false, c.fail(span, err)
	}
	ok, err := c.backend.CompareAndDelete(ctx, c.key(key), token)
	if err != nil {
		c.countRelease(metrics.ResultError)
		return false, c.fail(span, err)
	}
	span.SetAttributes(attribute.Bool("latch.released", ok))
	if !ok {
		c.countRelease(metrics.ResultNoop)
		return false, nil
	}
	c.countRelease(metrics.ResultReleased)
	if c.bus != nil {
		if err := c.bus.Publish(ctx, syncbus.UnlockTopic(key)); err != nil {
			c.logger.Warn("latch: unlock publish failed", "key", key, "error", err)
		}
	}
	return true, nil
}

// Lock acquires key with a fresh token and returns its Handle. With a
// non-positive maxWait a single attempt is made. A nil Handle with a nil
// error means the lock is held elsewhere.
func (c *Client) Lock(ctx context.Context, key string, ttl, maxWait time.Duration) (*Handle, error) {
	token := NewToken()
	var (
		ok  bool
		err error
	)
	if maxWait > 0 {
		ok, err = c.Acquire(ctx, key, token, ttl, maxWait)
	} else {
		ok, err = c.TryLock(ctx, key, token, ttl)
	}
	if err != nil || !ok {
		return nil, err
	}
	return &Handle{
		client:     c,
		key:        key,
		token:      token,
		ttl:        ttl,
		acquiredAt: time.Now(),
	}, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	if !errors.Is(err, latcherrors.ErrInvalidArgument) {
		c.logger.Debug("latch: lock operation failed", "error", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Client) countAcquire(result string) {
	if c.metrics {
		metrics.AcquireCounter.WithLabelValues(result).Inc()
	}
}

func (c *Client) countRelease(result string) {
	if c.metrics {
		metrics.ReleaseCounter.WithLabelValues(result).Inc()
	}
}
