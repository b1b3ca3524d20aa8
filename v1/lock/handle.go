package lock

import (
	"context"
	"sync/atomic"
	"time"
)

// Handle is a lock held under a token generated by Client.Lock.
type Handle struct {
	client     *Client
	key        string
	token      string
	ttl        time.Duration
	acquiredAt time.Time
	released   atomic.Bool
}

// Key returns the lock key without the client prefix.
func (h *Handle) Key() string { return h.key }

// Token returns the ownership token stored at the backend.
func (h *Handle) Token() string { return h.token }

// TTL returns the requested TTL.
func (h *Handle) TTL() time.Duration { return h.ttl }

// AcquiredAt returns the local time the lock was obtained.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Valid reports whether the handle may still own the lock. It turns false
// after Unlock, once the bound session expired, or, for TTL based backends,
// once the TTL elapsed locally. A true result is not a guarantee: the
// backend stays the only authority.
func (h *Handle) Valid() bool {
	if h.released.Load() {
		return false
	}
	if m := h.client.monitor; m != nil && m.Expired() {
		return false
	}
	if !h.client.sessionScoped && time.Since(h.acquiredAt) >= h.ttl {
		return false
	}
	return true
}

// Unlock releases the lock. It reports whether the backend still held the
// token. The handle is invalid afterwards either way.
func (h *Handle) Unlock(ctx context.Context) (bool, error) {
	ok, err := h.client.Release(ctx, h.key, h.token)
	if err == nil {
		h.released.Store(true)
	}
	return ok, err
}
