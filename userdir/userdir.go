// Package userdir is a file-backed auth.UserStore. Users are read from a
// JSON array and reloaded whenever the file changes on disk.
//
//	[{"id": 1, "phonenumber": "+628123", "name": "Ana"}]
package userdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/sockethub/auth"
)

// Directory serves users from a JSON file.
type Directory struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	byPhone map[string]auth.User
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.log = l }
}

// Open loads path. The file must exist and parse.
func Open(path string, opts ...Option) (*Directory, error) {
	if path == "" {
		return nil, errors.New("userdir: path is required")
	}
	d := &Directory{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the file. On error the previous contents stay in effect.
func (d *Directory) Reload() error {
	b, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("userdir: read %s: %w", d.path, err)
	}
	var users []auth.User
	if err := json.Unmarshal(b, &users); err != nil {
		return fmt.Errorf("userdir: parse %s: %w", d.path, err)
	}

	byPhone := make(map[string]auth.User, len(users))
	for _, u := range users {
		if u.Phonenumber == "" {
			return fmt.Errorf("userdir: user %d has no phonenumber", u.ID)
		}
		if _, dup := byPhone[u.Phonenumber]; dup {
			return fmt.Errorf("userdir: duplicate phonenumber %q", u.Phonenumber)
		}
		byPhone[u.Phonenumber] = u
	}

	d.mu.Lock()
	d.byPhone = byPhone
	d.mu.Unlock()
	return nil
}

// FindUser implements auth.UserStore.
func (d *Directory) FindUser(_ context.Context, claim string) (*auth.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byPhone[claim]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// Len reports the number of loaded users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byPhone)
}

// Watch starts reloading the file whenever it changes. The watch is
// established before Watch returns and runs until ctx is done. The parent
// directory is watched so editors that replace the file by rename are seen.
func (d *Directory) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("userdir: watcher: %w", err)
	}
	abs, err := filepath.Abs(d.path)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("userdir: watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := d.Reload(); err != nil {
					d.log.WarnContext(ctx, "userdir.reload.fail", slog.String("err", err.Error()))
					continue
				}
				d.log.InfoContext(ctx, "userdir.reload.ok", slog.Int("users", d.Len()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.log.DebugContext(ctx, "userdir.watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

var _ auth.UserStore = (*Directory)(nil)
