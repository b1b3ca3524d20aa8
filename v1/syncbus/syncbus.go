// Package syncbus carries lightweight wake-up signals between lock clients
// and monitors. A signal has no payload: subscribers only learn that
// something happened on a topic and re-check the backend themselves, so a
// lost or duplicated signal never affects correctness.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// UnlockTopic is the topic a lock client publishes on after releasing key.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// LivenessTopic is the topic a liveness monitor publishes event on.
func LivenessTopic(event string) string {
	return "liveness:" + event
}

// Metrics reports how many signals a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Delivery happens under the bus lock so it
// cannot race with Unsubscribe closing a channel.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	deliver(b.subs[topic], &b.delivered)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, found := removeChan(b.subs[topic], ch)
	if !found {
		return nil
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// deliver performs a non-blocking send on every channel. Subscribers that
// have not consumed the previous signal already have one pending.
func deliver(chans []chan struct{}, delivered *uint64) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(delivered, 1)
		default:
		}
	}
}

// removeChan removes and closes ch. It reports false when ch was not found,
// which happens when Unsubscribe races with context cancellation.
func removeChan(subs []chan struct{}, ch chan struct{}) ([]chan struct{}, bool) {
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			return subs, true
		}
	}
	return subs, false
}
