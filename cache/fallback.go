package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
)

// Networked is a Store whose reachability can be probed.
type Networked interface {
	Store
	Pinger
}

// Fallback is a Store that routes every call to a networked store while it
// is reachable and to a local store otherwise. It starts file-backed; Run
// promotes it once the networked store answers a ping.
//
// Entries are not copied between stores when the mode changes.
type Fallback struct {
	remote Networked
	local  Store
	log    *slog.Logger

	mode      atomic.Int32
	exhausted atomic.Bool
	lost      chan struct{}

	initialInterval time.Duration
	maxInterval     time.Duration
	maxRetries      uint64
	healthInterval  time.Duration
	pingTimeout     time.Duration
	onModeChange    func(Mode)
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithLogger sets the logger used for mode transitions.
func WithLogger(l *slog.Logger) FallbackOption {
	return func(f *Fallback) { f.log = l }
}

// WithReconnectPolicy overrides the reconnect backoff: the first delay, the
// delay cap, and the number of retries before giving up for good.
func WithReconnectPolicy(initial, max time.Duration, retries uint64) FallbackOption {
	return func(f *Fallback) {
		f.initialInterval = initial
		f.maxInterval = max
		f.maxRetries = retries
	}
}

// WithHealthInterval sets how often a connected store is pinged.
func WithHealthInterval(d time.Duration) FallbackOption {
	return func(f *Fallback) { f.healthInterval = d }
}

// WithModeObserver registers fn to be called after every mode transition.
func WithModeObserver(fn func(Mode)) FallbackOption {
	return func(f *Fallback) { f.onModeChange = fn }
}

// NewFallback composes remote and local. remote may be nil, in which case
// the Fallback is permanently file-backed.
func NewFallback(remote Networked, local Store, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		remote:          remote,
		local:           local,
		log:             slog.Default(),
		lost:            make(chan struct{}, 1),
		initialInterval: 100 * time.Millisecond,
		maxInterval:     3 * time.Second,
		maxRetries:      10,
		healthInterval:  5 * time.Second,
		pingTimeout:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.mode.Store(int32(ModeFileBacked))
	return f
}

// Mode returns the currently active backing store.
func (f *Fallback) Mode() Mode { return Mode(f.mode.Load()) }

// Exhausted reports whether reconnection gave up; once true the Fallback
// stays file-backed for the rest of the process lifetime.
func (f *Fallback) Exhausted() bool { return f.exhausted.Load() }

// MarkConnected switches to the networked store. It is a no-op without a
// networked store or after reconnection has been exhausted.
func (f *Fallback) MarkConnected() {
	if f.remote == nil || f.exhausted.Load() {
		return
	}
	if f.mode.Swap(int32(ModeNetworked)) != int32(ModeNetworked) {
		f.log.Info("cache: using networked store")
		f.notify(ModeNetworked)
	}
}

// MarkDisconnected switches to the local store.
func (f *Fallback) MarkDisconnected(cause error) {
	if f.mode.Swap(int32(ModeFileBacked)) != int32(ModeFileBacked) {
		attrs := []any{}
		if cause != nil {
			attrs = append(attrs, slog.String("err", cause.Error()))
		}
		f.log.Warn("cache: networked store unavailable, using file store", attrs...)
		f.notify(ModeFileBacked)
		select {
		case f.lost <- struct{}{}:
		default:
		}
	}
}

func (f *Fallback) notify(m Mode) {
	if f.onModeChange != nil {
		f.onModeChange(m)
	}
}

// Run supervises connectivity to the networked store until ctx is done or
// the reconnect budget is spent. Each outage gets a fresh budget of retries.
func (f *Fallback) Run(ctx context.Context) error {
	if f.remote == nil {
		f.exhausted.Store(true)
		f.log.Info("cache: no networked store configured, using file store")
		return nil
	}

	for {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.exhausted.Store(true)
			f.MarkDisconnected(err)
			f.log.Error("cache: reconnect attempts exhausted, staying on file store", slog.String("err", err.Error()))
			return nil
		}
		f.MarkConnected()

		if err := f.watch(ctx); err != nil {
			return err
		}
	}
}

func (f *Fallback) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.maxRetries), ctx)
	return backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, f.pingTimeout)
		defer cancel()
		return f.remote.Ping(pctx)
	}, policy, func(err error, next time.Duration) {
		f.log.Debug("cache: networked store ping failed", slog.String("err", err.Error()), slog.Duration("retry_in", next))
	})
}

// watch blocks while the networked store stays healthy. It returns nil when
// connectivity is lost and ctx.Err() when ctx ends.
func (f *Fallback) watch(ctx context.Context) error {
	ticker := time.NewTicker(f.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.lost:
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, f.pingTimeout)
			err := f.remote.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				f.MarkDisconnected(err)
				// drain the signal raised by our own transition
				select {
				case <-f.lost:
				default:
				}
				return nil
			}
		}
	}
}

func (f *Fallback) active() (Store, bool) {
	if f.remote != nil && f.Mode() == ModeNetworked {
		return f.remote, true
	}
	return f.local, false
}

// observe flips to the local store when a networked call fails for a
// reason other than the caller's own input or cancellation.
func (f *Fallback) observe(networked bool, err error) error {
	if err == nil || !networked {
		return err
	}
	if errors.Is(err, ErrInvalidTTL) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	f.MarkDisconnected(err)
	return err
}

// Get implements Store.
func (f *Fallback) Get(ctx context.Context, key string) (*Entry, error) {
	s, networked := f.active()
	e, err := s.Get(ctx, key)
	return e, f.observe(networked, err)
}

// Set implements Store.
func (f *Fallback) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	s, networked := f.active()
	return f.observe(networked, s.Set(ctx, key, data, ttl))
}

// Delete implements Store.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	s, networked := f.active()
	return f.observe(networked, s.Delete(ctx, key))
}

// Flush implements Store.
func (f *Fallback) Flush(ctx context.Context) error {
	s, networked := f.active()
	return f.observe(networked, s.Flush(ctx))
}

// Close closes both stores.
func (f *Fallback) Close() error {
	var err error
	if f.remote != nil {
		err = multierr.Append(err, f.remote.Close())
	}
	return multierr.Append(err, f.local.Close())
}

var _ Store = (*Fallback)(nil)
