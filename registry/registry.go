// Package registry maps authenticated users to the realtime session they are
// currently connected on. Bindings live in a cache.Store under the
// "socket:<userID>" key with a fixed TTL measured from connect time.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/sockethub/cache"
)

// DefaultTTL is the lifetime of a binding. It is not refreshed.
const DefaultTTL = time.Hour

const keyPrefix = "socket:"

// Key returns the cache key holding userID's binding.
func Key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// Registry reads and writes session bindings.
type Registry struct {
	store cache.Store
	ttl   time.Duration
}

// New returns a Registry over store.
func New(store cache.Store) *Registry {
	return &Registry{store: store, ttl: DefaultTTL}
}

// Bind records sessionID as userID's live session. Last writer wins.
func (r *Registry) Bind(ctx context.Context, userID int64, sessionID string) error {
	if err := cache.Put(ctx, r.store, Key(userID), sessionID, r.ttl); err != nil {
		return fmt.Errorf("registry: bind user %d: %w", userID, err)
	}
	return nil
}

// Lookup returns userID's bound session id, if any.
func (r *Registry) Lookup(ctx context.Context, userID int64) (string, bool, error) {
	sid, ok, err := cache.Fetch[string](ctx, r.store, Key(userID))
	if err != nil {
		return "", false, fmt.Errorf("registry: lookup user %d: %w", userID, err)
	}
	return sid, ok, nil
}

// Unbind removes userID's binding unconditionally.
func (r *Registry) Unbind(ctx context.Context, userID int64) error {
	if err := r.store.Delete(ctx, Key(userID)); err != nil {
		return fmt.Errorf("registry: unbind user %d: %w", userID, err)
	}
	return nil
}

// Release removes userID's binding only while it still points at sessionID,
// so a stale disconnect cannot erase a newer connection's binding. It
// reports whether a binding was removed.
//
// The compare and delete are two separate store calls; a Bind landing
// between them can still be lost.
func (r *Registry) Release(ctx context.Context, userID int64, sessionID string) (bool, error) {
	current, ok, err := r.Lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok || current != sessionID {
		return false, nil
	}
	if err := r.Unbind(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}
