package redisbridge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/sockethub/bridge"
	"github.com/ggoodman/sockethub/bridge/bridgetest"
	"github.com/redis/go-redis/v9"
)

func TestRedisBridge(t *testing.T) {
	factory := func(t *testing.T) bridge.Bridge {
		mr := miniredis.RunT(t)
		b, err := Dial(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	bridgetest.RunBridgeTests(t, factory)
}

func TestDialFailsWhenBrokerDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	if _, err := Dial(ctx, client); err == nil {
		t.Fatal("expected Dial to fail against a stopped broker")
	}
}

func TestTwoClientsShareChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial := func() *Bridge {
		b, err := Dial(ctx, redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	a, b := dial(), dial()

	s, err := b.Subscribe(ctx, "socket.io#/#")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := a.Publish(ctx, "socket.io#/#", []byte("cross-node")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(got) != "cross-node" {
		t.Fatalf("Next = %q", got)
	}
}

func TestPingTracksBrokerOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	b, err := Dial(ctx, redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer b.Close()
	s, err := b.Subscribe(ctx, "socket.io#/#")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	mr.Close()
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	err = b.Ping(pctx)
	cancel()
	if err == nil {
		t.Fatal("Ping succeeded with the broker stopped")
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		err := b.Ping(pctx)
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Ping after restart: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
