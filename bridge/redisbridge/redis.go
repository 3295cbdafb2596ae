// Package redisbridge implements bridge.Bridge with Redis PUBLISH/SUBSCRIBE
// so hub instances on different hosts can relay events to each other.
//
// Redis pub/sub is at-most-once: a message published while an instance is
// disconnected from the broker is never seen by that instance.
package redisbridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ggoodman/sockethub/bridge"
	"github.com/redis/go-redis/v9"
)

// Bridge is a Redis pub/sub backed bridge.Bridge.
type Bridge struct {
	client redis.UniversalClient

	mu      sync.Mutex
	streams map[*stream]struct{}
	closed  bool
}

type stream struct {
	b    *Bridge
	ps   *redis.PubSub
	ch   <-chan *redis.Message
	once sync.Once
}

// New wraps client. The Bridge takes ownership and closes it on Close.
func New(client redis.UniversalClient) *Bridge {
	return &Bridge{client: client, streams: make(map[*stream]struct{})}
}

// Dial wraps client after confirming the broker answers a PING. On failure
// the client is closed and the error returned, so callers can fall back to
// running without a bridge.
func Dial(ctx context.Context, client redis.UniversalClient) (*Bridge, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisbridge: broker unreachable: %w", err)
	}
	return New(client), nil
}

// Publish implements bridge.Bridge.
func (b *Bridge) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bridge.ErrClosed
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redisbridge: publish to %s: %w", channel, err)
	}
	return nil
}

// Ping implements bridge.Pinger. The subscription connection reconnects on
// its own and never reports an outage, so health is probed separately.
func (b *Bridge) Ping(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bridge.ErrClosed
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisbridge: ping: %w", err)
	}
	return nil
}

// Subscribe implements bridge.Bridge. It waits for the server to confirm
// the subscription before returning.
func (b *Bridge) Subscribe(ctx context.Context, channel string) (bridge.Stream, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bridge.ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbridge: subscribe to %s: %w", channel, err)
	}

	s := &stream{b: b, ps: ps, ch: ps.Channel()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = ps.Close()
		return nil, bridge.ErrClosed
	}
	b.streams[s] = struct{}{}
	return s, nil
}

// Close implements bridge.Bridge.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := b.streams
	b.streams = make(map[*stream]struct{})
	b.mu.Unlock()

	for s := range streams {
		s.shutdown()
	}
	return b.client.Close()
}

// Next implements bridge.Stream.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements bridge.Stream.
func (s *stream) Close() error {
	s.b.mu.Lock()
	delete(s.b.streams, s)
	s.b.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *stream) shutdown() {
	s.once.Do(func() {
		// closing the PubSub closes the delivery channel
		_ = s.ps.Close()
	})
}

// Compile-time interface checks
var (
	_ bridge.Bridge = (*Bridge)(nil)
	_ bridge.Pinger = (*Bridge)(nil)
	_ bridge.Stream = (*stream)(nil)
)
