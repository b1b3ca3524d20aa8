// Package backend adapts external stores to the three primitives a lock
// needs: a conditional set with expiry, an atomic compare-and-delete and a
// lightweight liveness probe.
//
// Two strategies are provided for production use. Redis keeps a key per lock
// with a server-side TTL. Etcd binds every lock node to a lease held by a
// session, so a lock lives exactly as long as the session does; callers of
// that strategy are expected to run a liveness.Monitor to learn when the
// session is gone. InMemory serves tests and single-process deployments.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Backend is the capability contract shared by every strategy.
type Backend interface {
	// SetNX stores token under key only if key is absent. It reports whether
	// the key was absent immediately before the set.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key in a single atomic step if its value
	// equals token. It reports whether a delete happened.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	// Probe checks that the backend is reachable.
	Probe(ctx context.Context) error
	// Close releases resources held by the backend.
	Close() error
}

// SessionBackend is implemented by strategies whose locks are scoped to a
// coordination session.
type SessionBackend interface {
	Backend
	// SessionTimeout returns the timeout negotiated when the session was
	// established.
	SessionTimeout() time.Duration
	// Notifications delivers connectivity signals raised on the backend's own
	// goroutines. A nil value means the connection is healthy again.
	Notifications() <-chan error
}

// Strategy selects the backend built by New.
type Strategy int

const (
	// MemoryStrategy keeps locks in process memory.
	MemoryStrategy Strategy = iota
	// RedisStrategy uses SET NX PX and a Lua compare-and-delete script.
	RedisStrategy
	// EtcdStrategy uses session-bound lock nodes.
	EtcdStrategy
)

func (s Strategy) String() string {
	switch s {
	case MemoryStrategy:
		return "memory"
	case RedisStrategy:
		return "redis"
	case EtcdStrategy:
		return "etcd"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory":
		return MemoryStrategy, nil
	case "redis":
		return RedisStrategy, nil
	case "etcd":
		return EtcdStrategy, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", latcherrors.ErrInvalidArgument, s)
}

// Option configures backend.New.
type Option func(*factoryConfig)

type factoryConfig struct {
	strategy    Strategy
	redisClient redis.UniversalClient
	etcdClient  *clientv3.Client
	etcdOpts    []EtcdOption
}

// WithStrategy selects the strategy to build. The default is MemoryStrategy.
func WithStrategy(s Strategy) Option {
	return func(cfg *factoryConfig) {
		cfg.strategy = s
	}
}

// WithRedisClient sets the client used by RedisStrategy.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(cfg *factoryConfig) {
		cfg.redisClient = client
	}
}

// WithEtcdClient sets the client used by EtcdStrategy along with any
// strategy specific options.
func WithEtcdClient(client *clientv3.Client, opts ...EtcdOption) Option {
	return func(cfg *factoryConfig) {
		cfg.etcdClient = client
		cfg.etcdOpts = append(cfg.etcdOpts, opts...)
	}
}

// New builds the backend chosen with WithStrategy. The strategy is fixed for
// the lifetime of the returned value.
func New(ctx context.Context, opts ...Option) (Backend, error) {
	cfg := factoryConfig{strategy: MemoryStrategy}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.strategy {
	case RedisStrategy:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis strategy requires a client", latcherrors.ErrInvalidArgument)
		}
		return NewRedis(cfg.redisClient), nil
	case EtcdStrategy:
		if cfg.etcdClient == nil {
			return nil, fmt.Errorf("%w: etcd strategy requires a client", latcherrors.ErrInvalidArgument)
		}
		return NewEtcd(ctx, cfg.etcdClient, cfg.etcdOpts...)
	case MemoryStrategy:
		return NewInMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %s", latcherrors.ErrInvalidArgument, cfg.strategy)
	}
}

var errClosed = fmt.Errorf("%w: %w", latcherrors.ErrConnectivity, latcherrors.ErrConnectionClosed)
