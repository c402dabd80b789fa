// Package broker relays encoded sync/awareness frames between broker
// processes sharing one Redis, so a deployment with multiple instances
// behind a load balancer still converges on a single room's state. It is
// entirely additive to the core single-process Room: a single-instance
// deployment gives the Room no relay at all (a nil sync.Relay). A nil
// *Broker is not a usable relay; its methods dereference the receiver.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// FrameHandler receives a relayed frame for a room, originating from
// another instance. It is an alias so *Broker satisfies the relay
// interface internal/sync declares against plain func parameters.
type FrameHandler = func(frame []byte)

// Broker is a thin wrapper over a redis.Client's pub/sub, keyed by room
// path. Every instance in a deployment connects to the same Redis and
// tags its own publications with instanceID so it can ignore its own
// echo.
type Broker struct {
	client     *redis.Client
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// New connects to redisURL and returns a Broker identified by
// instanceID. The identity must be unique per process: instances
// sharing one discard each other's frames as self-echo.
func New(ctx context.Context, redisURL, instanceID string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: ping redis: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	return &Broker{
		client:     client,
		instanceID: instanceID,
		ctx:        subCtx,
		cancel:     cancel,
		subs:       make(map[string]*redis.PubSub),
	}, nil
}

func channelFor(path string) string {
	return "ysync:room:" + path
}

// Subscribe relays every frame published for path, from any other
// instance, to handler. Subscribing the same path twice is a no-op.
func (b *Broker) Subscribe(path string, handler FrameHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[path]; exists {
		return nil
	}

	sub := b.client.Subscribe(b.ctx, channelFor(path))
	b.subs[path] = sub
	go b.listen(sub, handler)
	return nil
}

func (b *Broker) listen(sub *redis.PubSub, handler FrameHandler) {
	ch := sub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload, err := decodeEnvelope(msg.Payload, b.instanceID)
			if err != nil || payload == nil {
				continue
			}
			handler(payload)
		}
	}
}

// Publish broadcasts frame to every other instance subscribed to path.
func (b *Broker) Publish(ctx context.Context, path string, frame []byte) error {
	return b.client.Publish(ctx, channelFor(path), encodeEnvelope(frame, b.instanceID)).Err()
}

// Unsubscribe stops relaying path, used when a Room shuts down.
func (b *Broker) Unsubscribe(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subs[path]
	if !exists {
		return nil
	}
	delete(b.subs, path)
	return sub.Close()
}

// Close ends every subscription and the underlying Redis connection.
func (b *Broker) Close() error {
	b.cancel()

	b.mu.Lock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	b.mu.Unlock()

	return b.client.Close()
}
