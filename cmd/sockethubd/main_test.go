package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/sockethub/cache"
	"github.com/ggoodman/sockethub/cache/filecache"
	"github.com/ggoodman/sockethub/cache/rediscache"
	"github.com/ggoodman/sockethub/cluster"
	"github.com/ggoodman/sockethub/registry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instance builds the cache tiers one process would run against mr.
func instance(t *testing.T, mr *miniredis.Miniredis, file string) (*cache.Fallback, *filecache.Store) {
	t.Helper()
	local, err := filecache.Open(file)
	require.NoError(t, err)
	remote, err := rediscache.New(rediscache.Config{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	require.NoError(t, err)
	f := cache.NewFallback(remote, local)
	t.Cleanup(func() { _ = f.Close() })
	f.MarkConnected()
	return f, local
}

func TestPrimaryStartupKeepsPeerBindings(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	peer, _ := instance(t, mr, filepath.Join(dir, "peer.json"))
	require.NoError(t, registry.New(peer).Bind(ctx, 42, "sess-on-instance-1"))

	// A binding the previous run of the primary left in its file tier.
	primaryFile := filepath.Join(dir, "primary.json")
	stale, err := filecache.Open(primaryFile)
	require.NoError(t, err)
	require.NoError(t, registry.New(stale).Bind(ctx, 7, "gone"))
	require.NoError(t, stale.Close())

	primary, local := instance(t, mr, primaryFile)
	resetLocalTier(ctx, slog.Default(), cluster.Role{Primary: true}, local)

	sid, ok, err := registry.New(primary).Lookup(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok, "peer binding must survive the primary starting")
	assert.Equal(t, "sess-on-instance-1", sid)
	assert.Zero(t, local.Len(), "file tier is reset on the primary")

	// the application backend reads the same key
	assert.True(t, mr.Exists("socket:42"))
	assert.Greater(t, mr.TTL("socket:42"), 59*time.Minute)
}

func TestSecondaryStartupKeepsFileTier(t *testing.T) {
	ctx := context.Background()
	local, err := filecache.Open(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	require.NoError(t, registry.New(local).Bind(ctx, 7, "sess"))

	resetLocalTier(ctx, slog.Default(), cluster.Role{Ordinal: 1}, local)
	assert.Equal(t, 1, local.Len())
}
