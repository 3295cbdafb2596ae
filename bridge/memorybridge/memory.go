// Package memorybridge provides an in-memory implementation of
// bridge.Bridge using Go channels. It connects hubs living in the same
// process and is intended for tests and single-binary deployments.
package memorybridge

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/sockethub/bridge"
)

const streamBuffer = 256

// Bridge implements bridge.Bridge with in-process fan-out.
type Bridge struct {
	mu       sync.RWMutex
	channels map[string]map[*stream]struct{}
	closed   bool
	down     error
}

type stream struct {
	b       *Bridge
	channel string
	ch      chan []byte
	closed  atomic.Bool
	once    sync.Once
}

// New creates a new memory bridge.
func New() *Bridge {
	return &Bridge{channels: make(map[string]map[*stream]struct{})}
}

// Publish implements bridge.Bridge. A subscriber whose buffer is full
// misses the message rather than blocking the publisher.
func (b *Bridge) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return bridge.ErrClosed
	}
	if b.down != nil {
		return b.down
	}

	for s := range b.channels[channel] {
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements bridge.Bridge.
func (b *Bridge) Subscribe(ctx context.Context, channel string) (bridge.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bridge.ErrClosed
	}

	s := &stream{b: b, channel: channel, ch: make(chan []byte, streamBuffer)}
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[*stream]struct{})
		b.channels[channel] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// Ping implements bridge.Pinger.
func (b *Bridge) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bridge.ErrClosed
	}
	return b.down
}

// Fail simulates a broker outage: until it is called again with nil, Ping
// and Publish return err while open streams stay attached.
func (b *Bridge) Fail(err error) {
	b.mu.Lock()
	b.down = err
	b.mu.Unlock()
}

// Close implements bridge.Bridge.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*stream
	for _, subs := range b.channels {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.channels = make(map[string]map[*stream]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.shutdown()
	}
	return nil
}

// Next implements bridge.Stream.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements bridge.Stream.
func (s *stream) Close() error {
	s.b.mu.Lock()
	if subs, ok := s.b.channels[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.b.channels, s.channel)
		}
	}
	s.b.mu.Unlock()

	s.shutdown()
	return nil
}

// shutdown closes the delivery channel. Callers unlink s under the write
// lock first, so no Publish can still be sending to it.
func (s *stream) shutdown() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}

// Compile-time interface checks
var (
	_ bridge.Bridge = (*Bridge)(nil)
	_ bridge.Pinger = (*Bridge)(nil)
	_ bridge.Stream = (*stream)(nil)
)
