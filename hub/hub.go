// Package hub accepts realtime WebSocket clients, tracks which user each
// connection belongs to and delivers events to them, relaying through a
// pub/sub bridge when the target connection lives on another instance.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sockethub/auth"
	"github.com/ggoodman/sockethub/bridge"
	"github.com/ggoodman/sockethub/cluster"
	"github.com/ggoodman/sockethub/events"
	"github.com/ggoodman/sockethub/internal/logctx"
	"github.com/ggoodman/sockethub/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultChannel is the bridge channel shared by every instance.
const DefaultChannel = "socket.io#/#"

var (
	// ErrNotServing is returned by Serve when this instance must not accept
	// connections: the bridge is down and the instance is not primary.
	ErrNotServing = errors.New("hub: instance is not serving")
	// ErrClosed is returned by operations on a closed hub.
	ErrClosed = errors.New("hub: closed")
)

// Binder records which session a user is connected on.
type Binder interface {
	Bind(ctx context.Context, userID int64, sessionID string) error
	// Release removes the binding only if it still points at sessionID.
	Release(ctx context.Context, userID int64, sessionID string) (bool, error)
}

// Config wires a Hub to its collaborators.
type Config struct {
	// NodeID identifies this instance on the bridge. Defaults to a random UUID.
	NodeID string
	Role   cluster.Role

	Authenticator auth.Authenticator
	Users         auth.UserStore
	Registry      Binder

	// Bridge is optional. Without it events only reach local sessions.
	Bridge  bridge.Bridge
	Channel string
	// BridgeCheckInterval is how often a bridge implementing bridge.Pinger
	// is probed. Defaults to 5s.
	BridgeCheckInterval time.Duration

	Logger *slog.Logger

	// Observer, when set, is called on every connection state change.
	Observer func(sessionID string, s State)

	Options ConnOptions
}

// ConnOptions tunes per-connection behavior.
type ConnOptions struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendQueue      int
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConnOptions returns the keepalive and buffering defaults.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueue:      256,
	}
}

func (o *ConnOptions) normalize() {
	d := DefaultConnOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = d.PongTimeout
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendQueue <= 0 {
		o.SendQueue = d.SendQueue
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Hub is an http.Handler that upgrades requests to realtime connections.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*conn
	closed  bool
	started bool
	stream  bridge.Stream

	// bridgeMu orders stream liveness against health probe results so a
	// late successful ping cannot revive a finished stream.
	bridgeMu     sync.Mutex
	streamAlive  bool
	bridgeActive atomic.Bool
	statusCh     chan struct{}
	done         chan struct{}

	wg sync.WaitGroup
}

// New validates cfg and builds a Hub. Call Start before serving.
func New(cfg Config) (*Hub, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("hub: authenticator is required")
	}
	if cfg.Users == nil {
		return nil, errors.New("hub: user store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("hub: registry is required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.BridgeCheckInterval <= 0 {
		cfg.BridgeCheckInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Options.normalize()

	return &Hub{
		cfg: cfg,
		log: cfg.Logger.With(slog.String("node", cfg.NodeID)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.Options.CheckOrigin,
		},
		conns:    make(map[string]*conn),
		statusCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// NodeID returns the identifier this hub publishes under.
func (h *Hub) NodeID() string { return h.cfg.NodeID }

// Start subscribes to the bridge channel when a bridge is configured. A
// failed subscription is logged and leaves the bridge inactive; it is not
// an error.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.started {
		h.mu.Unlock()
		return errors.New("hub: already started")
	}
	h.started = true
	h.mu.Unlock()

	if h.cfg.Bridge == nil {
		h.log.InfoContext(ctx, "hub.bridge.absent", slog.String("role", h.cfg.Role.String()))
		return nil
	}

	stream, err := h.cfg.Bridge.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		h.log.WarnContext(ctx, "hub.bridge.subscribe.fail", slog.String("channel", h.cfg.Channel), slog.String("err", err.Error()))
		return nil
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	h.stream = stream
	h.wg.Add(1)
	pinger, probe := h.cfg.Bridge.(bridge.Pinger)
	if probe {
		h.wg.Add(1)
	}
	h.mu.Unlock()

	h.bridgeMu.Lock()
	h.streamAlive = true
	h.bridgeMu.Unlock()
	h.setBridgeActive(ctx, true, nil)

	bctx := context.WithoutCancel(ctx)
	go func() {
		defer h.wg.Done()
		h.receive(bctx, stream)
	}()
	if probe {
		go func() {
			defer h.wg.Done()
			h.watchBridge(bctx, pinger)
		}()
	}
	return nil
}

// watchBridge probes the broker until the hub closes or the stream ends,
// marking the bridge inactive while probes fail.
func (h *Hub) watchBridge(ctx context.Context, p bridge.Pinger) {
	ticker := time.NewTicker(h.cfg.BridgeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		h.bridgeMu.Lock()
		alive := h.streamAlive
		h.bridgeMu.Unlock()
		if !alive {
			return
		}

		pctx, cancel := context.WithTimeout(ctx, h.cfg.BridgeCheckInterval)
		err := p.Ping(pctx)
		cancel()
		h.setBridgeActive(ctx, err == nil, err)
	}
}

// setBridgeActive records bridge health. Turning active requires the stream
// to still be alive. Changes wake Serve so it can re-check Serving.
func (h *Hub) setBridgeActive(ctx context.Context, up bool, cause error) {
	h.bridgeMu.Lock()
	if up && !h.streamAlive {
		h.bridgeMu.Unlock()
		return
	}
	changed := h.bridgeActive.Swap(up) != up
	h.bridgeMu.Unlock()
	if !changed {
		return
	}

	lctx := logctx.WithBridgeData(ctx, &logctx.BridgeData{Channel: h.cfg.Channel})
	if up {
		h.log.InfoContext(lctx, "hub.bridge.active")
	} else {
		attrs := []any{slog.Bool("serving", h.Serving())}
		if cause != nil {
			attrs = append(attrs, slog.String("err", cause.Error()))
		}
		h.log.WarnContext(lctx, "hub.bridge.inactive", attrs...)
	}
	select {
	case h.statusCh <- struct{}{}:
	default:
	}
}

// BridgeActive reports whether events are being relayed between instances.
func (h *Hub) BridgeActive() bool { return h.bridgeActive.Load() }

// Serving reports whether this instance should accept connections: always
// while the bridge is active, otherwise only on the primary.
func (h *Hub) Serving() bool {
	return h.bridgeActive.Load() || h.cfg.Role.Primary
}

// Serve accepts connections on ln until ctx is done, then shuts down and
// closes the hub. When the instance is not serving, ln is closed right away
// and ErrNotServing is returned. If the instance stops serving later
// because the bridge went down, ln is closed, local sessions are
// disconnected and ErrNotServing is returned; the hub stays open for
// relaying and must still be closed by the caller.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	if !h.Serving() {
		_ = ln.Close()
		h.log.WarnContext(ctx, "hub.serve.refused", slog.String("role", h.cfg.Role.String()))
		return ErrNotServing
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		h.log.InfoContext(ctx, "hub.serve.start", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	lost := false
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case serveErr = <-errCh:
			break wait
		case <-h.statusCh:
			if !h.Serving() {
				lost = true
				break wait
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.log.WarnContext(ctx, "hub.serve.shutdown.fail", slog.String("err", err.Error()))
	}

	if lost {
		h.log.WarnContext(ctx, "hub.serve.stopped", slog.String("role", h.cfg.Role.String()))
		h.disconnectAll("instance stopped serving")
		return ErrNotServing
	}
	closeErr := h.Close()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return closeErr
}

// Len reports the number of locally connected sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connected reports whether sessionID is connected to this instance.
func (h *Hub) Connected(sessionID string) bool {
	return h.lookup(sessionID) != nil
}

func (h *Hub) lookup(sessionID string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[sessionID]
}

// Emit delivers p to sessionID. Local sessions are written directly;
// otherwise the event is relayed over the bridge when it is active, and
// dropped when it is not.
func (h *Hub) Emit(ctx context.Context, sessionID string, p events.Payload) error {
	frame, err := events.Encode(p)
	if err != nil {
		return err
	}
	name := p.EventName()

	if c := h.lookup(sessionID); c != nil {
		if c.enqueue(frame) {
			metrics.EventsEmitted.WithLabelValues(name).Inc()
		}
		return nil
	}

	if h.bridgeActive.Load() {
		err := h.publish(ctx, bridge.Envelope{Kind: bridge.KindDirect, SessionID: sessionID, Frame: frame})
		if err == nil {
			return nil
		}
		h.relayFailed(ctx, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	metrics.EventsDropped.WithLabelValues(name).Inc()
	h.log.DebugContext(ctx, "hub.emit.dropped", slog.String("session", sessionID), slog.String("event", name))
	return nil
}

// Broadcast delivers p to every local session and, when the bridge is
// active, to every session on other instances.
func (h *Hub) Broadcast(ctx context.Context, p events.Payload) error {
	frame, err := events.Encode(p)
	if err != nil {
		return err
	}
	n := h.deliverAll(frame)
	metrics.EventsEmitted.WithLabelValues(p.EventName()).Add(float64(n))

	if h.bridgeActive.Load() {
		if err := h.publish(ctx, bridge.Envelope{Kind: bridge.KindBroadcast, Frame: frame}); err != nil {
			h.relayFailed(ctx, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.EventsDropped.WithLabelValues(p.EventName()).Inc()
		}
	}
	return nil
}

// relayFailed marks the bridge down after a failed publish, unless the
// caller's context caused the failure.
func (h *Hub) relayFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	h.log.DebugContext(ctx, "hub.relay.fail", slog.String("err", err.Error()))
	h.setBridgeActive(ctx, false, err)
}

func (h *Hub) disconnectAll(reason string) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, reason)
	}
}

func (h *Hub) deliverAll(frame []byte) int {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

func (h *Hub) publish(ctx context.Context, env bridge.Envelope) error {
	env.Origin = h.cfg.NodeID
	b, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("hub: encode envelope: %w", err)
	}
	if err := h.cfg.Bridge.Publish(ctx, h.cfg.Channel, b); err != nil {
		return fmt.Errorf("hub: relay: %w", err)
	}
	metrics.BridgeMessagesPublished.WithLabelValues(kindLabel(env.Kind)).Inc()
	return nil
}

func (h *Hub) receive(ctx context.Context, stream bridge.Stream) {
	for {
		data, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				h.log.WarnContext(ctx, "hub.bridge.receive.fail", slog.String("err", err.Error()))
			}
			h.bridgeMu.Lock()
			h.streamAlive = false
			h.bridgeMu.Unlock()
			h.setBridgeActive(ctx, false, err)
			return
		}

		env, err := bridge.UnmarshalEnvelope(data)
		if err != nil {
			h.log.WarnContext(ctx, "hub.bridge.envelope.invalid", slog.String("err", err.Error()))
			continue
		}
		if env.Origin == h.cfg.NodeID {
			continue
		}

		kind := kindLabel(env.Kind)
		metrics.BridgeMessagesReceived.WithLabelValues(kind).Inc()
		lctx := logctx.WithBridgeData(ctx, &logctx.BridgeData{Channel: h.cfg.Channel, Origin: env.Origin, Kind: kind})

		switch env.Kind {
		case bridge.KindDirect:
			if c := h.lookup(env.SessionID); c != nil {
				c.enqueue(env.Frame)
			} else {
				h.log.DebugContext(lctx, "hub.bridge.session.absent", slog.String("session", env.SessionID))
			}
		case bridge.KindBroadcast:
			h.deliverAll(env.Frame)
		}
	}
}

func kindLabel(k bridge.Kind) string {
	switch k {
	case bridge.KindDirect:
		return "direct"
	case bridge.KindBroadcast:
		return "broadcast"
	}
	return "unknown"
}

// Close disconnects every session with CloseGoingAway, releasing their
// bindings, and stops relaying. It waits for connection teardown to finish.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	stream := h.stream
	h.mu.Unlock()

	h.disconnectAll("server shutting down")

	var err error
	if stream != nil {
		err = stream.Close()
	}
	h.bridgeMu.Lock()
	h.streamAlive = false
	h.bridgeMu.Unlock()
	h.bridgeActive.Store(false)
	h.wg.Wait()
	return err
}

// register adds c to the session table. It fails once the hub is closed.
func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
		metrics.ActiveConnections.Dec()
	}
	h.mu.Unlock()
}
