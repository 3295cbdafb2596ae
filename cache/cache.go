// Package cache provides an expiring key/value store abstraction with a
// networked (Redis) backend, a local file backend, and a Fallback that
// switches between the two based on observed connectivity.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store defines the primary interface for expiring key/value storage.
type Store interface {
	// Get retrieves the entry stored under key.
	// Returns a nil Entry if the key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores data under key. The entry expires after ttl.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Flush removes every entry owned by the store.
	Flush(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Pinger is implemented by stores whose reachability can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Entry represents a stored value with its expiry.
type Entry struct {
	Key       string
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired reports whether the entry has expired as of now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Mode identifies which backing store is currently active.
type Mode int32

const (
	ModeFileBacked Mode = iota
	ModeNetworked
)

func (m Mode) String() string {
	switch m {
	case ModeNetworked:
		return "networked"
	case ModeFileBacked:
		return "file"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

var (
	// ErrDeserialization is returned when a stored value cannot be decoded
	// into the requested type.
	ErrDeserialization = errors.New("cache: deserialization failed")
	// ErrInvalidTTL is returned by Set when ttl is not positive.
	ErrInvalidTTL = errors.New("cache: ttl must be positive")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache: store closed")
)

// Put JSON-encodes v and stores it under key.
func Put(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// Fetch loads key and JSON-decodes it into a T. The boolean is false when
// the key is absent.
func Fetch[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	entry, err := s.Get(ctx, key)
	if err != nil {
		return out, false, err
	}
	if entry == nil {
		return out, false, nil
	}
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return out, false, fmt.Errorf("%w: key %q: %v", ErrDeserialization, key, err)
	}
	return out, true, nil
}
