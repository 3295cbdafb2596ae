// Package bridgetest provides a conformance suite for bridge.Bridge
// implementations.
package bridgetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/sockethub/bridge"
)

// Factory creates a fresh bridge for one subtest.
type Factory func(t *testing.T) bridge.Bridge

// RunBridgeTests runs the complete bridge test suite against the provided factory.
func RunBridgeTests(t *testing.T, factory Factory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		testPublishReachesSubscriber(t, factory)
	})
	t.Run("EverySubscriberReceives", func(t *testing.T) {
		testEverySubscriberReceives(t, factory)
	})
	t.Run("ChannelIsolation", func(t *testing.T) {
		testChannelIsolation(t, factory)
	})
	t.Run("PublishOrderIsPreserved", func(t *testing.T) {
		testPublishOrderIsPreserved(t, factory)
	})
	t.Run("LateSubscriberMissesEarlierMessages", func(t *testing.T) {
		testLateSubscriberMissesEarlierMessages(t, factory)
	})
	t.Run("StreamCloseEndsNext", func(t *testing.T) {
		testStreamCloseEndsNext(t, factory)
	})
	t.Run("NextHonoursContext", func(t *testing.T) {
		testNextHonoursContext(t, factory)
	})
	t.Run("CloseEndsStreams", func(t *testing.T) {
		testCloseEndsStreams(t, factory)
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func subscribe(t *testing.T, ctx context.Context, b bridge.Bridge, channel string) bridge.Stream {
	t.Helper()
	s, err := b.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("Subscribe(%q): %v", channel, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func publish(t *testing.T, ctx context.Context, b bridge.Bridge, channel, msg string) {
	t.Helper()
	if err := b.Publish(ctx, channel, []byte(msg)); err != nil {
		t.Fatalf("Publish(%q): %v", channel, err)
	}
}

func expect(t *testing.T, ctx context.Context, s bridge.Stream, want string) {
	t.Helper()
	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v (want %q)", err, want)
	}
	if string(got) != want {
		t.Fatalf("Next = %q, want %q", got, want)
	}
}

func expectNothing(t *testing.T, s bridge.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, err := s.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next: %v, want deadline exceeded", err)
	}
}

func testPublishReachesSubscriber(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)

	s := subscribe(t, ctx, b, "events")
	publish(t, ctx, b, "events", "hello")
	expect(t, ctx, s, "hello")
}

func testEverySubscriberReceives(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)

	streams := make([]bridge.Stream, 3)
	for i := range streams {
		streams[i] = subscribe(t, ctx, b, "events")
	}
	publish(t, ctx, b, "events", "fan-out")
	for _, s := range streams {
		expect(t, ctx, s, "fan-out")
	}
}

func testChannelIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)

	a := subscribe(t, ctx, b, "a")
	other := subscribe(t, ctx, b, "b")

	publish(t, ctx, b, "a", "for-a")
	expect(t, ctx, a, "for-a")
	expectNothing(t, other)
}

func testPublishOrderIsPreserved(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)

	s := subscribe(t, ctx, b, "events")
	for i := 0; i < 10; i++ {
		publish(t, ctx, b, "events", fmt.Sprintf("m%d", i))
	}
	for i := 0; i < 10; i++ {
		expect(t, ctx, s, fmt.Sprintf("m%d", i))
	}
}

func testLateSubscriberMissesEarlierMessages(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)

	publish(t, ctx, b, "events", "early")
	s := subscribe(t, ctx, b, "events")
	publish(t, ctx, b, "events", "late")
	expect(t, ctx, s, "late")
}

func testStreamCloseEndsNext(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)

	s := subscribe(t, ctx, b, "events")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after Close = %v, want io.EOF", err)
	}
	// Publishing with no subscribers is not an error.
	publish(t, ctx, b, "events", "nobody")
}

func testNextHonoursContext(t *testing.T, factory Factory) {
	b := factory(t)
	s := subscribe(t, testContext(t), b, "events")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next with cancelled ctx = %v, want context.Canceled", err)
	}
}

func testCloseEndsStreams(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)

	s := subscribe(t, ctx, b, "events")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after bridge Close = %v, want io.EOF", err)
	}
	if err := b.Publish(ctx, "events", []byte("x")); !errors.Is(err, bridge.ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "events"); !errors.Is(err, bridge.ErrClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}
}
