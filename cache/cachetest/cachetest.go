// Package cachetest provides a conformance suite for cache.Store
// implementations.
package cachetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/sockethub/cache"
)

// Harness bundles a store under test with a way to move its clock forward.
type Harness struct {
	Store cache.Store
	// Advance moves the store's notion of "now" forward by d.
	Advance func(d time.Duration)
}

// Factory creates a fresh, empty store for each subtest.
type Factory func(t *testing.T) Harness

// RunStoreTests runs the complete cache.Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("SetThenGet", func(t *testing.T) { testSetThenGet(t, factory) })
	t.Run("SetOverwrites", func(t *testing.T) { testSetOverwrites(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("DeleteMissing", func(t *testing.T) { testDeleteMissing(t, factory) })
	t.Run("Flush", func(t *testing.T) { testFlush(t, factory) })
	t.Run("ExpiresAfterTTL", func(t *testing.T) { testExpiresAfterTTL(t, factory) })
	t.Run("RejectsNonPositiveTTL", func(t *testing.T) { testRejectsNonPositiveTTL(t, factory) })
	t.Run("TypedRoundTrip", func(t *testing.T) { testTypedRoundTrip(t, factory) })
	t.Run("TypedDecodeFailure", func(t *testing.T) { testTypedDecodeFailure(t, factory) })
}

func testSetThenGet(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Store.Set(ctx, "k", []byte(`"v"`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, err := h.Store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e == nil {
		t.Fatal("Get returned nil entry")
	}
	if string(e.Data) != `"v"` {
		t.Fatalf("Get data = %s, want %s", e.Data, `"v"`)
	}
}

func testSetOverwrites(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	_ = h.Store.Set(ctx, "k", []byte("1"), time.Minute)
	if err := h.Store.Set(ctx, "k", []byte("2"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, err := h.Store.Get(ctx, "k")
	if err != nil || e == nil {
		t.Fatalf("Get: entry=%v err=%v", e, err)
	}
	if string(e.Data) != "2" {
		t.Fatalf("expected last write to win, got %s", e.Data)
	}
}

func testGetMissing(t *testing.T, factory Factory) {
	h := factory(t)
	e, err := h.Store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil entry, got %+v", e)
	}
}

func testDelete(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	_ = h.Store.Set(ctx, "k", []byte("1"), time.Minute)
	if err := h.Store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	e, err := h.Store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e != nil {
		t.Fatal("expected entry to be gone after Delete")
	}
}

func testDeleteMissing(t *testing.T, factory Factory) {
	h := factory(t)
	if err := h.Store.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

func testFlush(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := h.Store.Set(ctx, k, []byte(k), time.Minute); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if err := h.Store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		e, err := h.Store.Get(ctx, k)
		if err != nil {
			t.Fatalf("Get %s: %v", k, err)
		}
		if e != nil {
			t.Fatalf("expected %s to be flushed", k)
		}
	}
}

func testExpiresAfterTTL(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Store.Set(ctx, "k", []byte("1"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	h.Advance(5 * time.Second)
	e, err := h.Store.Get(ctx, "k")
	if err != nil || e == nil {
		t.Fatalf("expected entry before ttl, got entry=%v err=%v", e, err)
	}

	h.Advance(6 * time.Second)
	e, err = h.Store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e != nil {
		t.Fatal("expected entry to be absent after ttl")
	}
}

func testRejectsNonPositiveTTL(t *testing.T, factory Factory) {
	h := factory(t)
	err := h.Store.Set(context.Background(), "k", []byte("1"), 0)
	if !errors.Is(err, cache.ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}

func testTypedRoundTrip(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := record{Name: "x", Count: 3}
	if err := cache.Put(ctx, h.Store, "rec", in, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	out, ok, err := cache.Fetch[record](ctx, h.Store, "rec")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !ok {
		t.Fatal("Fetch reported absent")
	}
	if out != in {
		t.Fatalf("Fetch = %+v, want %+v", out, in)
	}
}

func testTypedDecodeFailure(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Store.Set(ctx, "bad", []byte("{not json"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, _, err := cache.Fetch[map[string]any](ctx, h.Store, "bad")
	if !errors.Is(err, cache.ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}
}
