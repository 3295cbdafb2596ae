package filecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/sockethub/cache/cachetest"
)

func TestFileStoreConformance(t *testing.T) {
	cachetest.RunStoreTests(t, func(t *testing.T) cachetest.Harness {
		mock := clock.NewMock()
		mock.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		s, err := Open(filepath.Join(t.TempDir(), "cache.json"), WithClock(mock))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return cachetest.Harness{Store: s, Advance: mock.Add}
	})
}

func TestRestartWithinTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage", "cache.json")
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	s1, err := Open(path, WithClock(mock))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Set(ctx, "k", []byte(`"v"`), 100*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = s1.Close()

	mock.Add(50 * time.Second)
	s2, err := Open(path, WithClock(mock))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, err := s2.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e == nil || string(e.Data) != `"v"` {
		t.Fatalf("expected value to survive restart, got %+v", e)
	}
	_ = s2.Close()

	mock.Add(51 * time.Second)
	s3, err := Open(path, WithClock(mock))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := s3.Len(); n != 0 {
		t.Fatalf("expected expired entry to be swept on open, have %d entries", n)
	}
	e, err = s3.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e != nil {
		t.Fatal("expected value to be absent after ttl")
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{this is not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open should tolerate corrupt file: %v", err)
	}
	defer s.Close()

	if n := s.Len(); n != 0 {
		t.Fatalf("expected empty store, got %d entries", n)
	}
	if err := s.Set(context.Background(), "k", []byte("1"), time.Minute); err != nil {
		t.Fatalf("Set after corrupt load: %v", err)
	}
}

func TestLazyExpiryIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	mock := clock.NewMock()
	ctx := context.Background()

	s, err := Open(path, WithClock(mock))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Set(ctx, "short", []byte("1"), time.Second)
	_ = s.Set(ctx, "long", []byte("2"), time.Hour)

	mock.Add(2 * time.Second)
	if e, _ := s.Get(ctx, "short"); e != nil {
		t.Fatal("expected short-lived entry to be expired")
	}
	_ = s.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reopened, err := Open(path, WithClock(mock))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := reopened.Len(); n != 1 {
		t.Fatalf("expected 1 persisted entry, got %d (file: %s)", n, b)
	}
}

func TestSweep(t *testing.T) {
	mock := clock.NewMock()
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "cache.json"), WithClock(mock))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.Set(ctx, "a", []byte("1"), time.Second)
	_ = s.Set(ctx, "b", []byte("1"), time.Second)
	_ = s.Set(ctx, "c", []byte("1"), time.Hour)
	mock.Add(time.Minute)

	if n := s.Sweep(ctx); n != 2 {
		t.Fatalf("Sweep removed %d, want 2", n)
	}
	if n := s.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
