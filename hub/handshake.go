package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/sockethub/auth"
	"github.com/ggoodman/sockethub/internal/logctx"
	"github.com/ggoodman/sockethub/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

const releaseTimeout = 5 * time.Second

// ServeHTTP authenticates the request and upgrades it to a realtime
// connection. It returns once the connection has been torn down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server shutting down")
		return
	}
	if !h.Serving() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "instance is not serving")
		return
	}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  r.Header.Get("X-Request-Id"),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	c := newConn(h, xid.New().String())
	c.transition(ctx, Connecting)

	user, ok := h.authenticate(ctx, w, r, c)
	if !ok {
		c.transition(ctx, Disconnected)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.WarnContext(c.logContext(ctx), "hub.upgrade.fail", slog.String("err", err.Error()))
		c.transition(ctx, Disconnected)
		return
	}
	c.attach(ws)

	if !h.register(c) {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		c.closeNow()
		c.transition(ctx, Disconnected)
		return
	}
	defer h.wg.Done()

	c.transition(ctx, Connected)

	// Teardown must complete even if the request context is gone.
	teardownCtx := context.WithoutCancel(ctx)

	if user != nil {
		if err := h.cfg.Registry.Bind(ctx, user.ID, c.id); err != nil {
			h.log.ErrorContext(c.logContext(ctx), "hub.bind.fail", slog.String("err", err.Error()))
			c.shutdown(websocket.CloseInternalServerErr, "internal error")
			c.closeNow()
			h.teardown(teardownCtx, c)
			return
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()
	c.readPump(ctx)
	<-writerDone

	h.teardown(teardownCtx, c)
}

// authenticate runs the handshake credential checks. On rejection it has
// already written the HTTP response.
func (h *Hub) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, c *conn) (*auth.User, bool) {
	tok := tokenFromRequest(r)
	if tok == "" {
		c.transition(ctx, Anonymous)
		return nil, true
	}

	c.transition(ctx, Authenticating)

	ui, err := h.cfg.Authenticator.CheckAuthentication(ctx, tok)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		h.log.InfoContext(c.logContext(ctx), "hub.auth.reject", slog.String("reason", "invalid_token"), slog.String("err", err.Error()))
		writeError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
		return nil, false
	}

	user, err := h.cfg.Users.FindUser(ctx, ui.UserID())
	if err != nil {
		metrics.AuthFailures.WithLabelValues("user_lookup").Inc()
		h.log.ErrorContext(c.logContext(ctx), "hub.auth.lookup.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "server_error", "user lookup failed")
		return nil, false
	}
	if user == nil {
		metrics.AuthFailures.WithLabelValues("user_not_found").Inc()
		h.log.InfoContext(c.logContext(ctx), "hub.auth.reject", slog.String("reason", "user_not_found"))
		writeError(w, http.StatusUnauthorized, "user_not_found", "no user for token")
		return nil, false
	}

	metrics.AuthSuccess.Inc()
	c.user = user
	c.transition(ctx, Authenticated)
	return user, true
}

// teardown unregisters c and releases its binding if it still owns it.
func (h *Hub) teardown(ctx context.Context, c *conn) {
	h.unregister(c)

	if c.user != nil {
		rctx, cancel := context.WithTimeout(ctx, releaseTimeout)
		released, err := h.cfg.Registry.Release(rctx, c.user.ID, c.id)
		cancel()
		switch {
		case err != nil:
			h.log.WarnContext(c.logContext(ctx), "hub.release.fail", slog.String("err", err.Error()))
		case !released:
			h.log.DebugContext(c.logContext(ctx), "hub.release.superseded")
		}
	}

	c.transition(ctx, Disconnected)
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}
