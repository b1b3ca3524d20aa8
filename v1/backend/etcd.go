package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	// DefaultEtcdPrefix is the reserved namespace for lock nodes.
	DefaultEtcdPrefix = "/latch/locks"
	// DefaultSessionTTL is the session lease TTL requested at connect time.
	DefaultSessionTTL = 10 * time.Second

	notificationBuffer = 16
)

// EtcdOption configures an Etcd backend.
type EtcdOption func(*Etcd)

// WithEtcdPrefix sets the namespace under which lock nodes are created.
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(e *Etcd) {
		e.prefix = strings.TrimRight(prefix, "/")
	}
}

// WithSessionTTL sets the lease TTL requested for the session. etcd works
// with whole seconds, so the value is rounded up.
func WithSessionTTL(ttl time.Duration) EtcdOption {
	return func(e *Etcd) {
		e.sessionTTL = ttl
	}
}

// WithSequential makes every acquirer create its own child node under the
// lock key. The holder is the child with the lowest create revision.
func WithSequential() EtcdOption {
	return func(e *Etcd) {
		e.sequential = true
	}
}

// WithEtcdLogger sets the logger used for connectivity changes.
func WithEtcdLogger(l *slog.Logger) EtcdOption {
	return func(e *Etcd) {
		e.logger = l
	}
}

// Etcd implements SessionBackend. Lock nodes are attached to the lease of a
// single concurrency.Session, so they disappear when the session does. The
// TTL passed to SetNX is ignored.
type Etcd struct {
	client     *clientv3.Client
	session    *concurrency.Session
	prefix     string
	sessionTTL time.Duration
	timeout    time.Duration
	sequential bool
	logger     *slog.Logger

	notify chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

// NewEtcd opens a session on client and reads the negotiated session
// timeout from the granted lease.
func NewEtcd(ctx context.Context, client *clientv3.Client, opts ...EtcdOption) (*Etcd, error) {
	e := &Etcd{
		client:     client,
		prefix:     DefaultEtcdPrefix,
		sessionTTL: DefaultSessionTTL,
		logger:     slog.Default(),
		notify:     make(chan error, notificationBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	ttlSeconds := int((e.sessionTTL + time.Second - 1) / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	// The session keeps its lease alive on the client context, not on ctx.
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		return nil, classifyEtcd(err)
	}
	e.session = session

	resp, err := client.TimeToLive(ctx, session.Lease())
	if err != nil {
		_ = session.Close()
		return nil, classifyEtcd(err)
	}
	if resp.TTL == -1 {
		_ = session.Close()
		return nil, latcherrors.ErrSessionExpired
	}
	e.timeout = time.Duration(resp.GrantedTTL) * time.Second

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(2)
	go e.watchSession()
	go e.watchConnection()
	return e, nil
}

// SessionTimeout implements SessionBackend.SessionTimeout.
func (e *Etcd) SessionTimeout() time.Duration {
	return e.timeout
}

// Notifications implements SessionBackend.Notifications.
func (e *Etcd) Notifications() <-chan error {
	return e.notify
}

// Lease returns the lease backing the session.
func (e *Etcd) Lease() clientv3.LeaseID {
	return e.session.Lease()
}

func (e *Etcd) signal(err error) {
	select {
	case e.notify <- err:
	default:
		e.logger.Warn("latch: etcd notification dropped", "error", err)
	}
}

func (e *Etcd) watchSession() {
	defer e.wg.Done()
	select {
	case <-e.session.Done():
		e.signal(latcherrors.ErrSessionExpired)
	case <-e.ctx.Done():
	}
}

func (e *Etcd) watchConnection() {
	defer e.wg.Done()
	conn := e.client.ActiveConnection()
	state := conn.GetState()
	for conn.WaitForStateChange(e.ctx, state) {
		state = conn.GetState()
		switch state {
		case connectivity.TransientFailure, connectivity.Shutdown:
			e.logger.Debug("latch: etcd connection lost", "state", state.String())
			e.signal(fmt.Errorf("%w: grpc state %s", latcherrors.ErrConnectivity, state))
		case connectivity.Ready:
			e.logger.Debug("latch: etcd connection ready")
			e.signal(nil)
		}
	}
}

func (e *Etcd) alive() error {
	if e.closed.Load() {
		return latcherrors.ErrSessionExpired
	}
	select {
	case <-e.session.Done():
		return latcherrors.ErrSessionExpired
	default:
		return nil
	}
}

func (e *Etcd) node(key string) string {
	if e.sequential {
		return fmt.Sprintf("%s/%s/%016x", e.prefix, key, int64(e.session.Lease()))
	}
	return e.prefix + "/" + key
}

// SetNX implements Backend.SetNX.
func (e *Etcd) SetNX(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	if e.sequential && strings.Contains(key, "/") {
		// Children of key would share a range with the nodes of key/x.
		return false, fmt.Errorf("%w: sequential lock key %q contains '/'", latcherrors.ErrInvalidArgument, key)
	}
	if err := e.alive(); err != nil {
		return false, err
	}
	node := e.node(key)
	resp, err := e.client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(node), "=", 0),
	).Then(
		clientv3.OpPut(node, token, clientv3.WithLease(e.session.Lease())),
	).Commit()
	if err != nil {
		return false, classifyEtcd(err)
	}
	if !resp.Succeeded || !e.sequential {
		return resp.Succeeded, nil
	}

	// Our child exists, check whether it is the oldest one under the key.
	first, err := e.client.Get(ctx, e.prefix+"/"+key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		_, _ = e.CompareAndDelete(context.Background(), key, token)
		return false, classifyEtcd(err)
	}
	if len(first.Kvs) == 1 && string(first.Kvs[0].Key) == node {
		return true, nil
	}
	if _, err := e.CompareAndDelete(ctx, key, token); err != nil {
		return false, err
	}
	return false, nil
}

// CompareAndDelete implements Backend.CompareAndDelete.
func (e *Etcd) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := e.alive(); err != nil {
		return false, err
	}
	node := e.node(key)
	resp, err := e.client.Txn(ctx).If(
		clientv3.Compare(clientv3.Value(node), "=", token),
	).Then(
		clientv3.OpDelete(node),
	).Commit()
	if err != nil {
		return false, classifyEtcd(err)
	}
	if !resp.Succeeded {
		return false, nil
	}
	if len(resp.Responses) != 1 || resp.Responses[0].GetResponseDeleteRange() == nil {
		return false, fmt.Errorf("%w: delete txn returned %d responses", latcherrors.ErrProtocol, len(resp.Responses))
	}
	return resp.Responses[0].GetResponseDeleteRange().Deleted == 1, nil
}

// Probe implements Backend.Probe with a count-only read of the namespace.
// No watch is registered.
func (e *Etcd) Probe(ctx context.Context) error {
	if err := e.alive(); err != nil {
		return err
	}
	if _, err := e.client.Get(ctx, e.prefix+"/", clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return classifyEtcd(err)
	}
	return e.alive()
}

// Close revokes the session, which removes every lock node it owns. The
// client stays open.
func (e *Etcd) Close() error {
	var err error
	e.once.Do(func() {
		e.closed.Store(true)
		e.cancel()
		err = e.session.Close()
		e.wg.Wait()
	})
	return err
}

func classifyEtcd(err error) error {
	switch {
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: %w", latcherrors.ErrSessionExpired, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", latcherrors.ErrConnectivity, err)
	}
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		switch etcdErr.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return fmt.Errorf("%w: %w", latcherrors.ErrConnectivity, err)
		default:
			return fmt.Errorf("%w: %w", latcherrors.ErrProtocol, err)
		}
	}
	if stat, ok := status.FromError(err); ok {
		switch stat.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Unknown:
			return fmt.Errorf("%w: %w", latcherrors.ErrConnectivity, err)
		default:
			return fmt.Errorf("%w: %w", latcherrors.ErrProtocol, err)
		}
	}
	return fmt.Errorf("%w: %w", latcherrors.ErrConnectivity, err)
}
