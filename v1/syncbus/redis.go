package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on Redis pub/sub. One Redis subscription is opened
// per topic and shared by every local subscriber.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published uint64
	delivered uint64
}

// NewRedisBus returns a RedisBus publishing on channels named prefix+topic.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, b.prefix+topic, "1").Err(); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription so that a later Publish is never missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ps := b.client.Subscribe(ctx, b.prefix+topic)
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps}
		b.subs[topic] = sub
		go b.dispatch(topic, sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		if b.subs[topic] == sub {
			deliver(sub.chans, &b.delivered)
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	for _, sub := range subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		sub.chans = nil
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pubsub.Close()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
