// Package filecache implements cache.Store on top of an in-process map that
// is persisted to a single JSON file after every mutation, so entries survive
// a process restart.
//
// File layout:
//
//	{
//	  "socket:42": {"value": "ImNxMnQ0In0=", "expiresAt": 1760630400000}
//	}
//
// Values are the raw stored bytes (base64 in JSON); expiresAt is Unix
// milliseconds.
package filecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/sockethub/cache"
)

// DefaultPath matches the location used by the REST backend's storage tree.
const DefaultPath = "public/storage/cache.json"

type fileEntry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Store implements cache.Store backed by a JSON file.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]fileEntry
	clock   clock.Clock
	log     *slog.Logger
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger used for load/save failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open loads the cache file at path (if any) and sweeps expired entries.
// A missing file yields an empty store; a corrupt file is logged and
// treated as empty.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("filecache: path is required")
	}
	s := &Store{
		path:    path,
		entries: make(map[string]fileEntry),
		clock:   clock.New(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.load()
	s.mu.Lock()
	if s.sweepLocked() {
		s.saveLocked()
	}
	s.mu.Unlock()

	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get implements cache.Store. Expired entries are removed on read.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, cache.ErrClosed
	}

	fe, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if s.clock.Now().UnixMilli() > fe.ExpiresAt {
		delete(s.entries, key)
		s.saveLocked()
		return nil, nil
	}

	return &cache.Entry{
		Key:       key,
		Data:      append([]byte(nil), fe.Value...),
		ExpiresAt: time.UnixMilli(fe.ExpiresAt),
	}, nil
}

// Set implements cache.Store.
func (s *Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return cache.ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrClosed
	}

	s.entries[key] = fileEntry{
		Value:     append([]byte(nil), data...),
		ExpiresAt: s.clock.Now().Add(ttl).UnixMilli(),
	}
	s.saveLocked()
	return nil
}

// Delete implements cache.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrClosed
	}
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	s.saveLocked()
	return nil
}

// Flush implements cache.Store.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrClosed
	}
	s.entries = make(map[string]fileEntry)
	s.saveLocked()
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.entries)
	if s.sweepLocked() {
		s.saveLocked()
	}
	return before - len(s.entries)
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close implements cache.Store. The file is left in place.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) sweepLocked() bool {
	now := s.clock.Now().UnixMilli()
	modified := false
	for k, fe := range s.entries {
		if fe.ExpiresAt < now {
			delete(s.entries, k)
			modified = true
		}
	}
	return modified
}

func (s *Store) load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Error("filecache: read failed", slog.String("path", s.path), slog.String("err", err.Error()))
		}
		return
	}
	if len(b) == 0 {
		return
	}

	entries := make(map[string]fileEntry)
	if err := json.Unmarshal(b, &entries); err != nil {
		s.log.Error("filecache: corrupt cache file, starting empty",
			slog.String("path", s.path),
			slog.String("err", fmt.Errorf("%w: %v", cache.ErrDeserialization, err).Error()),
		)
		return
	}
	s.entries = entries
}

// saveLocked persists the full mapping. Failures are logged, not returned:
// the in-memory view stays authoritative for this process.
func (s *Store) saveLocked() {
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		s.log.Error("filecache: encode failed", slog.String("err", err.Error()))
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("filecache: mkdir failed", slog.String("dir", dir), slog.String("err", err.Error()))
		return
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		s.log.Error("filecache: temp file failed", slog.String("err", err.Error()))
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		s.log.Error("filecache: write failed", slog.String("err", err.Error()))
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		s.log.Error("filecache: close failed", slog.String("err", err.Error()))
		return
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		s.log.Error("filecache: rename failed", slog.String("err", err.Error()))
	}
}

// Compile-time interface check
var _ cache.Store = (*Store)(nil)
