// Package presets wires a backend, a lock client and, for session based
// backends, a liveness monitor from plain option structs.
package presets

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-latch/v1/backend"
	"github.com/mirkobrombin/go-latch/v1/liveness"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

const (
	busFailureThreshold = 5
	busCooldown         = 5 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	Prefix        string
	RetryInterval time.Duration
	// NATSURL routes unlock signals through NATS instead of Redis pub/sub.
	NATSURL string
	Logger  *slog.Logger
	Metrics bool
}

// EtcdOptions configures the connection to etcd. TLS is enabled when
// CaCertPath is set; client certificates are used when Username is empty.
type EtcdOptions struct {
	Endpoints      []string
	Username       string
	Password       string
	CaCertPath     string
	ClientCertPath string
	ClientKeyPath  string
	DialTimeout    time.Duration
	SessionTTL     time.Duration
	Prefix         string
	Sequential     bool
	PollInterval   time.Duration
	RetryInterval  time.Duration
	// NATSURL routes unlock and liveness signals through NATS instead of an
	// in-process bus.
	NATSURL string
	Logger  *slog.Logger
	Metrics bool
}

// Latch bundles everything a caller needs to take locks.
type Latch struct {
	Client  *lock.Client
	Backend backend.Backend
	// Monitor is nil for backends that are not session based.
	Monitor *liveness.Monitor
	Bus     syncbus.Bus

	closers []func() error
}

// Close stops the monitor and releases connections in reverse order of
// creation.
func (l *Latch) Close() error {
	if l.Monitor != nil {
		l.Monitor.Stop()
	}
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Latch) onClose(fn func() error) {
	l.closers = append(l.closers, fn)
}

// NewInMemoryStandalone returns a Latch that runs entirely in-memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone() *Latch {
	b := backend.NewInMemory()
	bus := syncbus.NewInMemoryBus()
	l := &Latch{Backend: b, Bus: bus, Client: lock.New(b, lock.WithBus(bus))}
	l.onClose(b.Close)
	return l
}

// NewRedis returns a Latch on the Redis strategy. Unlock signals travel over
// Redis pub/sub unless NATSURL is set.
func NewRedis(opts RedisOptions) (*Latch, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	l := &Latch{Backend: backend.NewRedis(client)}
	l.onClose(l.Backend.Close)

	if opts.NATSURL != "" {
		bus, closeBus, err := connectNATS(opts.NATSURL)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.Bus = bus
		l.onClose(closeBus)
	} else {
		bus := syncbus.NewRedisBus(client, "latch:")
		l.Bus = syncbus.NewCircuitBreaker(bus, busFailureThreshold, busCooldown)
		l.onClose(bus.Close)
	}

	l.Client = lock.New(l.Backend, clientOptions(l.Bus, nil, opts.Prefix, opts.RetryInterval, opts.Logger, opts.Metrics)...)
	return l, nil
}

// NewEtcd connects to etcd, opens a session and starts a liveness monitor
// bound to it. ctx only bounds connecting and opening the session; the
// monitor runs until Close is called.
func NewEtcd(ctx context.Context, opts EtcdOptions) (*Latch, error) {
	cli, err := connectEtcd(opts)
	if err != nil {
		return nil, err
	}
	l := &Latch{}
	l.onClose(cli.Close)

	etcdOpts := []backend.EtcdOption{}
	if opts.Prefix != "" {
		etcdOpts = append(etcdOpts, backend.WithEtcdPrefix(opts.Prefix))
	}
	if opts.SessionTTL > 0 {
		etcdOpts = append(etcdOpts, backend.WithSessionTTL(opts.SessionTTL))
	}
	if opts.Sequential {
		etcdOpts = append(etcdOpts, backend.WithSequential())
	}
	if opts.Logger != nil {
		etcdOpts = append(etcdOpts, backend.WithEtcdLogger(opts.Logger))
	}
	b, err := backend.NewEtcd(ctx, cli, etcdOpts...)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to open etcd session: %w", err)
	}
	l.Backend = b
	l.onClose(b.Close)

	if opts.NATSURL != "" {
		bus, closeBus, err := connectNATS(opts.NATSURL)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.Bus = bus
		l.onClose(closeBus)
	} else {
		l.Bus = syncbus.NewInMemoryBus()
	}

	monOpts := []liveness.Option{
		liveness.WithName(fmt.Sprintf("%016x", int64(b.Lease()))),
		liveness.WithNotifications(b.Notifications()),
		liveness.WithBus(l.Bus),
	}
	if opts.PollInterval > 0 {
		monOpts = append(monOpts, liveness.WithInterval(opts.PollInterval))
	}
	if opts.Logger != nil {
		monOpts = append(monOpts, liveness.WithLogger(opts.Logger))
	}
	if opts.Metrics {
		monOpts = append(monOpts, liveness.WithMetrics())
	}
	l.Monitor = liveness.New(b, monOpts...)
	// The monitor lives until Close, not until ctx is done.
	l.Monitor.Start(context.Background())

	l.Client = lock.New(b, clientOptions(l.Bus, l.Monitor, "", opts.RetryInterval, opts.Logger, opts.Metrics)...)
	return l, nil
}

func clientOptions(bus syncbus.Bus, m *liveness.Monitor, prefix string, retry time.Duration, logger *slog.Logger, withMetrics bool) []lock.Option {
	opts := []lock.Option{lock.WithBus(bus)}
	if m != nil {
		opts = append(opts, lock.WithMonitor(m))
	}
	if prefix != "" {
		opts = append(opts, lock.WithPrefix(prefix))
	}
	if retry > 0 {
		opts = append(opts, lock.WithRetryInterval(retry))
	}
	if logger != nil {
		opts = append(opts, lock.WithLogger(logger))
	}
	if withMetrics {
		opts = append(opts, lock.WithMetrics())
	}
	return opts
}

func connectNATS(url string) (*syncbus.NATSBus, func() error, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return syncbus.NewNATSBus(conn, "latch."), func() error {
		conn.Close()
		return nil
	}, nil
}

func connectEtcd(opts EtcdOptions) (*clientv3.Client, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	cfg := clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	}

	if opts.CaCertPath != "" {
		tlsConf := &tls.Config{}
		if opts.Username == "" {
			certData, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load user credentials: %w", err)
			}
			tlsConf.Certificates = []tls.Certificate{certData}
		}
		caCertContent, err := os.ReadFile(opts.CaCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read root certificate file: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caCertContent) {
			return nil, errors.New("failed to parse root certificate authority")
		}
		tlsConf.RootCAs = roots
		cfg.TLS = tlsConf
	}

	cli, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd servers: %w", err)
	}
	return cli, nil
}
