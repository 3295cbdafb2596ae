package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sockethub/auth"
	"github.com/ggoodman/sockethub/events"
	"github.com/ggoodman/sockethub/internal/logctx"
	"github.com/ggoodman/sockethub/internal/metrics"
	"github.com/gorilla/websocket"
)

// conn is one realtime client. Only writePump writes to ws.
type conn struct {
	h    *Hub
	id   string
	user *auth.User
	ws   *websocket.Conn

	state atomic.Int32

	send chan []byte
	done chan struct{}
	once sync.Once

	// set once by shutdown, read by the writer after done is closed
	closeCode int
	closeText string
}

func newConn(h *Hub, id string) *conn {
	return &conn{
		h:    h,
		id:   id,
		send: make(chan []byte, h.cfg.Options.SendQueue),
		done: make(chan struct{}),
	}
}

func (c *conn) attach(ws *websocket.Conn) { c.ws = ws }

func (c *conn) logContext(ctx context.Context) context.Context {
	cd := &logctx.ConnData{SessionID: c.id, State: State(c.state.Load()).String()}
	if c.user != nil {
		cd.UserID = c.user.ID
	}
	return logctx.WithConnData(ctx, cd)
}

// transition moves the connection to s. Illegal steps are logged and
// ignored.
func (c *conn) transition(ctx context.Context, s State) {
	from := State(c.state.Load())
	if s != Connecting {
		if !canTransition(from, s) {
			c.h.log.ErrorContext(c.logContext(ctx), "hub.conn.transition.invalid",
				slog.String("from", from.String()), slog.String("to", s.String()))
			return
		}
		c.state.Store(int32(s))
	}
	c.h.log.DebugContext(c.logContext(ctx), "hub.conn.state", slog.String("from", from.String()))
	if obs := c.h.cfg.Observer; obs != nil {
		obs(c.id, s)
	}
}

// enqueue queues frame for the writer. A full queue means the client is not
// keeping up; it is disconnected rather than allowed to stall senders.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.SlowConsumerDrops.Inc()
		c.h.log.Warn("hub.conn.slow", slog.String("session", c.id))
		c.shutdown(websocket.CloseTryAgainLater, "send queue full")
		return false
	}
}

// shutdown asks the writer to send a close frame and drop the connection.
// The first call wins.
func (c *conn) shutdown(code int, text string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// closeNow sends the close frame and closes the socket. Used when the pumps
// never started.
func (c *conn) closeNow() {
	c.writeClose()
	_ = c.ws.Close()
}

func (c *conn) writeClose() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.h.cfg.Options.WriteTimeout))
}

func (c *conn) writePump(ctx context.Context) {
	opts := c.h.cfg.Options
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return

		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.h.log.DebugContext(c.logContext(ctx), "hub.conn.write.fail", slog.String("err", err.Error()))
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				c.h.log.DebugContext(c.logContext(ctx), "hub.conn.ping.fail", slog.String("err", err.Error()))
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// readPump consumes client frames until the socket fails. Inbound frames
// only matter for liveness and the "ping" event.
func (c *conn) readPump(ctx context.Context) {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	opts := c.h.cfg.Options
	c.ws.SetReadLimit(opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.h.log.DebugContext(c.logContext(ctx), "hub.conn.read.closed", slog.String("err", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		if typ != websocket.TextMessage {
			continue
		}

		f, err := events.ParseClientFrame(msg)
		if err != nil {
			c.h.log.DebugContext(c.logContext(ctx), "hub.conn.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		if f.Event == "ping" {
			pong, err := events.Encode(&events.Pong{Time: time.Now().UTC()})
			if err == nil {
				c.enqueue(pong)
			}
		}
	}
}
