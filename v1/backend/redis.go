package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Backend using a Redis key per lock with a server-side TTL.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a Redis backend using the provided client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// SetNX implements Backend.SetNX with SET key token NX PX ttl.
func (r *Redis) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := r.client.Do(ctx, "SET", key, token, "NX", "PX", ms).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, classifyRedis(err)
	}
	if s, ok := res.(string); !ok || s != "OK" {
		return false, fmt.Errorf("%w: SET replied %v", latcherrors.ErrProtocol, res)
	}
	return true, nil
}

// CompareAndDelete implements Backend.CompareAndDelete. The comparison and
// the delete run as one server-side script.
func (r *Redis) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, r.client, []string{key}, token).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, classifyRedis(err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("%w: release script replied %T", latcherrors.ErrProtocol, res)
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: release script deleted %d keys", latcherrors.ErrProtocol, n)
	}
}

// Probe implements Backend.Probe with PING.
func (r *Redis) Probe(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classifyRedis(err)
	}
	return nil
}

// Close implements Backend.Close.
func (r *Redis) Close() error {
	return r.client.Close()
}

// classifyRedis separates server replies that make no sense for a lock from
// transport failures.
func classifyRedis(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", errClosed, err)
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %w", latcherrors.ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", latcherrors.ErrConnectivity, err)
}
