package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		attrs := []any{
			slog.String("id", cd.SessionID),
			slog.String("state", cd.State),
		}
		if cd.UserID != 0 {
			attrs = append(attrs, slog.Int64("user_id", cd.UserID))
		}
		r.AddAttrs(slog.Group("conn", attrs...))
	}

	if bd, ok := ctx.Value(bridgeDataKey{}).(*BridgeData); ok {
		r.AddAttrs(slog.Group("bridge",
			slog.String("channel", bd.Channel),
			slog.String("origin", bd.Origin),
			slog.String("kind", bd.Kind),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnData describes a realtime connection. It is a snapshot: attach a new
// value when the connection changes state.
type ConnData struct {
	SessionID string
	UserID    int64
	State     string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type bridgeDataKey struct{}

type BridgeData struct {
	Channel string
	Origin  string
	Kind    string
}

func WithBridgeData(ctx context.Context, data *BridgeData) context.Context {
	return context.WithValue(ctx, bridgeDataKey{}, data)
}
