// Package cluster decides which process of a deployment is the primary.
//
// Exactly one primary performs startup housekeeping such as clearing the
// shared cache. The role is taken from a process-manager ordinal when one is
// present and otherwise elected through an exclusive file lock.
package cluster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// Sources of the instance ordinal, in order of precedence.
const (
	EnvNodeAppInstance = "NODE_APP_INSTANCE"
	EnvInstanceID      = "INSTANCE_ID"

	// SourceLock is reported when the role came from Elect.
	SourceLock = "lock"
)

// Role is the resolved identity of this process within the deployment.
type Role struct {
	// Ordinal is the instance number. Elected processes report 0 when they
	// hold the lock and 1 otherwise.
	Ordinal int
	Primary bool
	// Source names where the role came from: an environment variable name
	// or SourceLock.
	Source string
}

func (r Role) String() string {
	kind := "secondary"
	if r.Primary {
		kind = "primary"
	}
	return fmt.Sprintf("%s(ordinal=%d, source=%s)", kind, r.Ordinal, r.Source)
}

// Var is a named ordinal candidate, usually an environment variable.
type Var struct {
	Name  string
	Value string
}

// FromEnv returns the ordinal candidates read from the process environment.
func FromEnv() []Var {
	return []Var{
		{Name: EnvNodeAppInstance, Value: os.Getenv(EnvNodeAppInstance)},
		{Name: EnvInstanceID, Value: os.Getenv(EnvInstanceID)},
	}
}

// ErrNoOrdinal is returned by ResolveRole when every candidate is empty.
var ErrNoOrdinal = errors.New("cluster: no instance ordinal set")

// ResolveRole picks the first non-empty candidate and parses it as a
// non-negative ordinal. The process is primary iff the ordinal is 0.
func ResolveRole(vars ...Var) (Role, error) {
	for _, v := range vars {
		raw := strings.TrimSpace(v.Value)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Role{}, fmt.Errorf("cluster: %s=%q is not a valid ordinal", v.Name, v.Value)
		}
		return Role{Ordinal: n, Primary: n == 0, Source: v.Name}, nil
	}
	return Role{}, ErrNoOrdinal
}

// Election holds the outcome of Elect. The primary keeps the lock until
// Close.
type Election struct {
	Role Role
	lock *flock.Flock
}

// Elect tries to take an exclusive lock on path without blocking. The
// process that gets it is primary; every other process sharing the path is
// secondary.
func Elect(path string) (*Election, error) {
	if path == "" {
		return nil, errors.New("cluster: lock path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cluster: create lock dir: %w", err)
	}

	lock := flock.New(path)
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("cluster: lock %s: %w", path, err)
	}
	if !held {
		return &Election{Role: Role{Ordinal: 1, Source: SourceLock}}, nil
	}
	return &Election{Role: Role{Ordinal: 0, Primary: true, Source: SourceLock}, lock: lock}, nil
}

// Close releases the lock if this process holds it.
func (e *Election) Close() error {
	if e == nil || e.lock == nil {
		return nil
	}
	err := e.lock.Unlock()
	e.lock = nil
	return err
}

// Determine resolves the role from vars and falls back to Elect(lockPath)
// when none is set. The returned Election is nil unless a lock was taken.
func Determine(lockPath string, vars ...Var) (Role, *Election, error) {
	role, err := ResolveRole(vars...)
	if err == nil {
		return role, nil, nil
	}
	if !errors.Is(err, ErrNoOrdinal) {
		return Role{}, nil, err
	}
	e, err := Elect(lockPath)
	if err != nil {
		return Role{}, nil, err
	}
	return e.Role, e, nil
}
