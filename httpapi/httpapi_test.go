package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/sockethub/cache"
	"github.com/ggoodman/sockethub/cluster"
	"github.com/ggoodman/sockethub/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu            sync.Mutex
	messages      []events.Message
	notifications []events.Notification
	online        bool
	err           error
}

func (f *fakePublisher) Message(_ context.Context, msg *events.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.messages = append(f.messages, *msg)
	return f.online, nil
}

func (f *fakePublisher) Notification(_ context.Context, n *events.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notifications = append(f.notifications, *n)
	return nil
}

type fakeCache struct {
	mode    cache.Mode
	flushed int
}

func (f *fakeCache) Mode() cache.Mode                { return f.mode }
func (f *fakeCache) Flush(ctx context.Context) error { f.flushed++; return nil }

type fakeHub struct{}

func (fakeHub) NodeID() string     { return "node-1" }
func (fakeHub) Serving() bool      { return true }
func (fakeHub) BridgeActive() bool { return false }
func (fakeHub) Len() int           { return 3 }

func newAPI(pub *fakePublisher, c *fakeCache, key string) http.Handler {
	return New(Config{
		Publisher: pub,
		Cache:     c,
		Hub:       fakeHub{},
		Role:      cluster.Role{Primary: true},
		APIKey:    key,
	})
}

func do(t *testing.T, h http.Handler, method, path, ctype, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newAPI(&fakePublisher{}, &fakeCache{mode: cache.ModeNetworked}, "key")

	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "node-1", body.NodeID)
	assert.Equal(t, "networked", body.CacheMode)
	assert.True(t, body.Primary)
	assert.Equal(t, 3, body.Connections)
}

func TestPostMessage(t *testing.T) {
	pub := &fakePublisher{online: true}
	h := newAPI(pub, &fakeCache{}, "")

	rec := do(t, h, http.MethodPost, "/users/42/messages", "application/json; charset=utf-8", `{"id":7,"sender_id":1,"content":"hey"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"delivered":true}`, rec.Body.String())

	require.Len(t, pub.messages, 1)
	assert.Equal(t, int64(42), pub.messages[0].ReceiverID)
	assert.Equal(t, int64(7), pub.messages[0].ID)
}

func TestPostMessageValidation(t *testing.T) {
	h := newAPI(&fakePublisher{}, &fakeCache{}, "")

	assert.Equal(t, http.StatusUnsupportedMediaType, do(t, h, http.MethodPost, "/users/42/messages", "text/plain", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/users/abc/messages", "application/json", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/users/42/messages", "application/json", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/users/42/messages", "application/json", `{"receiver_id":9}`).Code)
}

func TestPostMessageDeliveryFailure(t *testing.T) {
	h := newAPI(&fakePublisher{err: errors.New("down")}, &fakeCache{}, "")
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/users/42/messages", "application/json", `{"id":1}`).Code)
}

func TestPostNotification(t *testing.T) {
	pub := &fakePublisher{}
	h := newAPI(pub, &fakeCache{}, "")

	rec := do(t, h, http.MethodPost, "/notifications", "application/json", `{"id":3,"title":"t","message":"m","json":{"a":1}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.notifications, 1)
	assert.JSONEq(t, `{"a":1}`, string(pub.notifications[0].JSON))
}

func TestFlushCache(t *testing.T) {
	c := &fakeCache{}
	h := newAPI(&fakePublisher{}, c, "")

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/cache", "", "").Code)
	assert.Equal(t, 1, c.flushed)
}

func TestAPIKey(t *testing.T) {
	c := &fakeCache{}
	h := newAPI(&fakePublisher{}, c, "s3cret")

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodDelete, "/cache", "", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodDelete, "/cache", "", "", APIKeyHeader, "wrong").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodDelete, "/cache", "", "", LegacyAPIKeyHeader, "wrong").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/cache", "", "", APIKeyHeader, "s3cret").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/cache", "", "", LegacyAPIKeyHeader, "s3cret").Code)
	assert.Equal(t, 2, c.flushed)

	rec := do(t, h, http.MethodDelete, "/cache", "", "")
	assert.JSONEq(t, `{"error":"Forbidden"}`, rec.Body.String())

	// health stays open for probes
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPI(&fakePublisher{}, &fakeCache{}, "")
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sockethub_connections_active")
}
