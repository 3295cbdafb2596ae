package memorybridge

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/sockethub/bridge"
	"github.com/ggoodman/sockethub/bridge/bridgetest"
)

func TestMemoryBridge(t *testing.T) {
	factory := func(t *testing.T) bridge.Bridge {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	bridgetest.RunBridgeTests(t, factory)
}

func TestPublishCopiesData(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	s, err := b.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	data := []byte("abc")
	if err := b.Publish(ctx, "events", data); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	data[0] = 'x'

	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("Next = %q, publisher mutation leaked", got)
	}
}

func TestClosedStreamIsUnlinked(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	s, err := b.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = s.Close()

	b.mu.RLock()
	n := len(b.channels)
	b.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected empty channel table, have %d entries", n)
	}
}

func TestFailSimulatesOutage(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	outage := errors.New("broker down")
	b.Fail(outage)
	if err := b.Ping(ctx); !errors.Is(err, outage) {
		t.Fatalf("Ping during outage = %v, want %v", err, outage)
	}
	if err := b.Publish(ctx, "events", []byte("x")); !errors.Is(err, outage) {
		t.Fatalf("Publish during outage = %v, want %v", err, outage)
	}

	b.Fail(nil)
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping after recovery: %v", err)
	}
	_ = b.Close()
	if err := b.Ping(ctx); !errors.Is(err, bridge.ErrClosed) {
		t.Fatalf("Ping after Close = %v, want ErrClosed", err)
	}
}
