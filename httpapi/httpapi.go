// Package httpapi is the admin HTTP surface used by the application backend
// to push events to realtime clients after it has persisted them.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/sockethub/cache"
	"github.com/ggoodman/sockethub/cluster"
	"github.com/ggoodman/sockethub/events"
	"github.com/ggoodman/sockethub/internal/logctx"
	"github.com/ggoodman/sockethub/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// APIKeyHeader carries the shared admin key. LegacyAPIKeyHeader is accepted
// too, for callers of the earlier Node service.
const (
	APIKeyHeader       = "X-API-Key"
	LegacyAPIKeyHeader = "api-key"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Publisher delivers persisted records to realtime clients.
type Publisher interface {
	Message(ctx context.Context, msg *events.Message) (bool, error)
	Notification(ctx context.Context, n *events.Notification) error
}

// Cache is the subset of the key-value cache the API exposes.
type Cache interface {
	Mode() cache.Mode
	Flush(ctx context.Context) error
}

// HubStatus reports realtime hub state for health checks.
type HubStatus interface {
	NodeID() string
	Serving() bool
	BridgeActive() bool
	Len() int
}

// Config wires the API to the running components.
type Config struct {
	Publisher Publisher
	Cache     Cache
	Hub       HubStatus
	Role      cluster.Role
	// APIKey, when set, is required on every route except /healthz.
	APIKey string
	Logger *slog.Logger
}

type api struct {
	cfg Config
	log *slog.Logger
}

// New returns the admin router.
func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &api{cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestData)

	r.Get("/healthz", a.health)
	r.Group(func(r chi.Router) {
		r.Use(a.requireAPIKey)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.With(requireJSON).Post("/users/{userID}/messages", a.postMessage)
		r.With(requireJSON).Post("/notifications", a.postNotification)
		r.Delete("/cache", a.flushCache)
	})
	return r
}

func (a *api) requestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  middleware.GetReqID(r.Context()),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.APIKey != "" {
			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				got = r.Header.Get(LegacyAPIKeyHeader)
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.APIKey)) != 1 {
				a.log.WarnContext(r.Context(), "http.apikey.reject")
				writeJSONError(w, http.StatusForbidden, "Forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	NodeID       string `json:"node_id"`
	CacheMode    string `json:"cache_mode"`
	Serving      bool   `json:"serving"`
	BridgeActive bool   `json:"bridge_active"`
	Primary      bool   `json:"primary"`
	Ordinal      int    `json:"ordinal"`
	Connections  int    `json:"connections"`
	Time         string `json:"time"`
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		NodeID:       a.cfg.Hub.NodeID(),
		CacheMode:    a.cfg.Cache.Mode().String(),
		Serving:      a.cfg.Hub.Serving(),
		BridgeActive: a.cfg.Hub.BridgeActive(),
		Primary:      a.cfg.Role.Primary,
		Ordinal:      a.cfg.Role.Ordinal,
		Connections:  a.cfg.Hub.Len(),
		Time:         time.Now().UTC().Format(time.RFC3339),
	})
}

type deliveryResponse struct {
	Delivered bool `json:"delivered"`
}

func (a *api) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var msg events.Message
	if err := decodeBody(w, r, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.ReceiverID == 0 {
		msg.ReceiverID = userID
	}
	if msg.ReceiverID != userID {
		writeJSONError(w, http.StatusBadRequest, "receiver_id does not match path")
		return
	}

	delivered, err := a.cfg.Publisher.Message(ctx, &msg)
	if err != nil {
		a.log.ErrorContext(ctx, "http.message.fail", slog.Int64("user_id", userID), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "delivery failed")
		return
	}
	writeJSON(w, http.StatusAccepted, deliveryResponse{Delivered: delivered})
}

func (a *api) postNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var n events.Notification
	if err := decodeBody(w, r, &n); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.cfg.Publisher.Notification(ctx, &n); err != nil {
		a.log.ErrorContext(ctx, "http.notification.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "delivery failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) flushCache(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Cache.Flush(r.Context()); err != nil {
		a.log.ErrorContext(r.Context(), "http.cache.flush.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "flush failed")
		return
	}
	a.log.InfoContext(r.Context(), "http.cache.flushed")
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
