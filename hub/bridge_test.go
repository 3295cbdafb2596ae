package hub_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/sockethub/bridge/memorybridge"
	"github.com/ggoodman/sockethub/bridge/redisbridge"
	"github.com/ggoodman/sockethub/cluster"
	"github.com/ggoodman/sockethub/events"
	"github.com/ggoodman/sockethub/hub"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialBridge(t *testing.T, mr *miniredis.Miniredis) *redisbridge.Bridge {
	t.Helper()
	b, err := redisbridge.Dial(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// Two instances share a broker. A client authenticated on A receives an
// event emitted from B using only the shared registry binding.
func TestEmitRelaysAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	a := newFixture(t, func(c *hub.Config) {
		c.NodeID = "node-a"
		c.Bridge = dialBridge(t, mr)
	})
	b := newFixture(t, func(c *hub.Config) {
		c.NodeID = "node-b"
		c.Role = cluster.Role{Ordinal: 1}
		c.Bridge = dialBridge(t, mr)
		// same binding table as A
		c.Registry = a.reg
	})
	require.True(t, a.hub.BridgeActive())
	require.True(t, b.hub.BridgeActive())
	assert.True(t, b.hub.Serving(), "secondary serves while the bridge is active")

	ws, _, err := dial(t, a.srv, bearer(userToken), "")
	require.NoError(t, err)
	waitBinding(t, a.reg, "")

	sid := currentBinding(t, a.reg)
	require.False(t, b.hub.Connected(sid))

	content := "from b"
	require.NoError(t, b.hub.Emit(context.Background(), sid, &events.Message{ID: 1, ReceiverID: userID, Content: &content}))

	msg, ok := readEvent(t, ws).(*events.Message)
	require.True(t, ok)
	assert.Equal(t, int64(1), msg.ID)
	require.NotNil(t, msg.Content)
	assert.Equal(t, "from b", *msg.Content)
}

func TestBroadcastRelaysOnceAcrossInstances(t *testing.T) {
	br := memorybridge.New()
	t.Cleanup(func() { _ = br.Close() })

	a := newFixture(t, func(c *hub.Config) { c.NodeID = "node-a"; c.Bridge = br })
	b := newFixture(t, func(c *hub.Config) { c.NodeID = "node-b"; c.Bridge = br })

	onA, _, err := dial(t, a.srv, nil, "")
	require.NoError(t, err)
	onB, _, err := dial(t, b.srv, nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.hub.Len() == 1 && b.hub.Len() == 1 }, waitFor, tick)

	require.NoError(t, a.hub.Broadcast(context.Background(), &events.Notification{ID: 5, Title: "t"}))

	for _, ws := range []*websocket.Conn{onA, onB} {
		n, ok := readEvent(t, ws).(*events.Notification)
		require.True(t, ok)
		assert.Equal(t, int64(5), n.ID)
	}
	// A ignores its own envelope, so its client sees the event exactly once.
	expectSilence(t, onA)
	expectSilence(t, onB)
}

func TestDirectEnvelopeForAbsentSessionIsIgnored(t *testing.T) {
	br := memorybridge.New()
	t.Cleanup(func() { _ = br.Close() })

	a := newFixture(t, func(c *hub.Config) { c.NodeID = "node-a"; c.Bridge = br })
	b := newFixture(t, func(c *hub.Config) { c.NodeID = "node-b"; c.Bridge = br })

	onA, _, err := dial(t, a.srv, nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.hub.Len() == 1 }, waitFor, tick)

	require.NoError(t, b.hub.Emit(context.Background(), "no-such-session", &events.Notification{ID: 1}))
	expectSilence(t, onA)
}

func TestBridgeCloseStopsRelaying(t *testing.T) {
	br := memorybridge.New()
	a := newFixture(t, func(c *hub.Config) { c.Bridge = br })
	require.True(t, a.hub.BridgeActive())

	require.NoError(t, br.Close())
	require.Eventually(t, func() bool { return !a.hub.BridgeActive() }, waitFor, tick)
	assert.True(t, a.hub.Serving(), "primary keeps serving without the bridge")
}

func TestSubscribeFailureLeavesBridgeInactive(t *testing.T) {
	br := memorybridge.New()
	require.NoError(t, br.Close())

	f := newFixture(t, func(c *hub.Config) {
		c.Role = cluster.Role{Ordinal: 1}
		c.Bridge = br
	})
	assert.False(t, f.hub.BridgeActive())
	assert.False(t, f.hub.Serving())
}

// serve runs h.Serve on a loopback listener and reports its result.
func serve(t *testing.T, h *hub.Hub) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, ln) }()
	return "ws://" + ln.Addr().String() + "/", done
}

func TestBrokerOutageStopsSecondary(t *testing.T) {
	mr := miniredis.RunT(t)
	br, err := redisbridge.Dial(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = br.Close() })

	f := newFixture(t, func(c *hub.Config) {
		c.Role = cluster.Role{Ordinal: 1}
		c.Bridge = br
		c.BridgeCheckInterval = 20 * time.Millisecond
	})
	require.True(t, f.hub.Serving())

	url, done := serve(t, f.hub)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, waitFor, tick)

	mr.Close()

	require.Eventually(t, func() bool { return !f.hub.BridgeActive() }, waitFor, tick)
	assert.False(t, f.hub.Serving())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, hub.ErrNotServing)
	case <-time.After(waitFor):
		t.Fatal("Serve kept running without the bridge")
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err, "listener must be closed")

	content := "lost"
	assert.NoError(t, f.hub.Emit(context.Background(), "remote-session", &events.Message{ID: 9, Content: &content}),
		"events for other instances are dropped while the broker is down")
}

func TestFailedRelayIsDroppedAndMarksBridgeDown(t *testing.T) {
	br := memorybridge.New()
	t.Cleanup(func() { _ = br.Close() })

	f := newFixture(t, func(c *hub.Config) {
		c.Bridge = br
		c.BridgeCheckInterval = time.Hour
	})
	require.True(t, f.hub.BridgeActive())

	br.Fail(errors.New("broker down"))
	require.NoError(t, f.hub.Emit(context.Background(), "remote-session", &events.Notification{ID: 1}))
	assert.False(t, f.hub.BridgeActive())
	assert.True(t, f.hub.Serving(), "primary keeps serving")

	require.NoError(t, f.hub.Broadcast(context.Background(), &events.Notification{ID: 2}))
}

func TestBridgeRecoversAfterOutage(t *testing.T) {
	br := memorybridge.New()
	t.Cleanup(func() { _ = br.Close() })

	a := newFixture(t, func(c *hub.Config) {
		c.NodeID = "node-a"
		c.Bridge = br
		c.BridgeCheckInterval = 20 * time.Millisecond
	})
	b := newFixture(t, func(c *hub.Config) {
		c.NodeID = "node-b"
		c.Role = cluster.Role{Ordinal: 1}
		c.Bridge = br
		c.BridgeCheckInterval = 20 * time.Millisecond
	})

	br.Fail(errors.New("broker down"))
	require.Eventually(t, func() bool { return !a.hub.BridgeActive() && !b.hub.BridgeActive() }, waitFor, tick)
	assert.False(t, b.hub.Serving())

	// A secondary that is not serving refuses handshakes.
	_, resp, err := dial(t, b.srv, nil, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	br.Fail(nil)
	require.Eventually(t, func() bool { return a.hub.BridgeActive() && b.hub.BridgeActive() }, waitFor, tick)
	assert.True(t, b.hub.Serving())

	onB, _, err := dial(t, b.srv, nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, waitFor, tick)

	require.NoError(t, a.hub.Broadcast(context.Background(), &events.Notification{ID: 3}))
	n, ok := readEvent(t, onB).(*events.Notification)
	require.True(t, ok)
	assert.Equal(t, int64(3), n.ID)
}
