// Command sockethubd runs the realtime hub and its admin HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/sockethub/auth"
	"github.com/ggoodman/sockethub/bridge"
	"github.com/ggoodman/sockethub/bridge/redisbridge"
	"github.com/ggoodman/sockethub/cache"
	"github.com/ggoodman/sockethub/cache/filecache"
	"github.com/ggoodman/sockethub/cache/rediscache"
	"github.com/ggoodman/sockethub/cluster"
	"github.com/ggoodman/sockethub/config"
	"github.com/ggoodman/sockethub/httpapi"
	"github.com/ggoodman/sockethub/hub"
	"github.com/ggoodman/sockethub/internal/metrics"
	"github.com/ggoodman/sockethub/notify"
	"github.com/ggoodman/sockethub/registry"
	"github.com/ggoodman/sockethub/userdir"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := cfg.Logger(os.Stdout)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("sockethubd.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func redisClient(r config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     r.Addr(),
		Username: r.User,
		Password: r.Password,
	})
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) (err error) {
	// Cache: redis while reachable, the local file otherwise.
	local, err := filecache.Open(cfg.CacheFile, filecache.WithLogger(log))
	if err != nil {
		return err
	}
	remote, err := rediscache.New(rediscache.Config{
		Client:    redisClient(cfg.Store()),
		KeyPrefix: cfg.CacheKeyPrefix,
	})
	if err != nil {
		_ = local.Close()
		return err
	}
	store := cache.NewFallback(remote, local,
		cache.WithLogger(log),
		cache.WithModeObserver(func(m cache.Mode) {
			metrics.CacheModeChanges.WithLabelValues(m.String()).Inc()
			if m == cache.ModeNetworked {
				metrics.CacheNetworked.Set(1)
			} else {
				metrics.CacheNetworked.Set(0)
			}
		}),
	)
	defer func() { err = multierr.Append(err, store.Close()) }()

	role, election, err := cluster.Determine(cfg.LockFile(), cfg.OrdinalVars()...)
	if err != nil {
		return err
	}
	if election != nil {
		defer func() { err = multierr.Append(err, election.Close()) }()
	}
	log.InfoContext(ctx, "sockethubd.role", slog.String("role", role.String()))

	resetLocalTier(ctx, log, role, local)

	var br bridge.Bridge
	if rb, derr := redisbridge.Dial(ctx, redisClient(cfg.Broker())); derr != nil {
		log.WarnContext(ctx, "sockethubd.bridge.unavailable", slog.String("addr", cfg.Broker().Addr()), slog.String("err", derr.Error()))
	} else {
		br = rb
		defer func() { err = multierr.Append(err, rb.Close()) }()
	}

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	users, err := userdir.Open(cfg.UsersFile, userdir.WithLogger(log))
	if err != nil {
		return err
	}
	if err := users.Watch(ctx); err != nil {
		log.WarnContext(ctx, "sockethubd.users.watch.fail", slog.String("err", err.Error()))
	}

	reg := registry.New(store)
	h, err := hub.New(hub.Config{
		Role:          role,
		Authenticator: authn,
		Users:         users,
		Registry:      reg,
		Bridge:        br,
		Channel:       cfg.BrokerChannel,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, h.Close()) }()

	pub := notify.New(reg, h, notify.WithLogger(log))
	admin := &http.Server{
		Addr: cfg.AppAddr,
		Handler: httpapi.New(httpapi.Config{
			Publisher: pub,
			Cache:     store,
			Hub:       h,
			Role:      role,
			APIKey:    cfg.APIKey,
			Logger:    log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := store.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.RealtimeAddr)
		if err != nil {
			return fmt.Errorf("realtime listen: %w", err)
		}
		err = h.Serve(gctx, ln)
		if errors.Is(err, hub.ErrNotServing) {
			// The admin API keeps running.
			log.WarnContext(gctx, "sockethubd.realtime.idle", slog.String("role", role.String()))
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.InfoContext(gctx, "sockethubd.admin.start", slog.String("addr", cfg.AppAddr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return admin.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("sockethubd.stopped")
	return err
}

// resetLocalTier empties the file tier on the primary. Bindings in it belong
// to connections from a previous run of this host. The networked tier is
// shared with live peers and is left to TTL expiry and Release.
func resetLocalTier(ctx context.Context, log *slog.Logger, role cluster.Role, local cache.Store) {
	if !role.Primary {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := local.Flush(fctx); err != nil {
		log.WarnContext(ctx, "sockethubd.cache.flush.fail", slog.String("err", err.Error()))
	}
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	opts := []auth.Option{auth.WithIdentityClaim(cfg.IdentityClaim)}
	if cfg.Audience != "" {
		opts = append(opts, auth.WithAudiences(strings.Split(cfg.Audience, ",")...))
	}
	switch {
	case cfg.JWTSecret != "":
		return auth.NewHMAC(cfg.JWTSecret, opts...)
	case cfg.JWKSURI != "":
		if cfg.Issuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.Issuer))
		}
		return auth.NewFromJWKS(ctx, cfg.JWKSURI, opts...)
	default:
		return auth.NewFromDiscovery(ctx, cfg.Issuer, opts...)
	}
}
