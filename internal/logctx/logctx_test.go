package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With("component", "hub")

	ctx := WithConnData(context.Background(), &ConnData{SessionID: "c1", UserID: 42, State: "connected"})
	ctx = WithBridgeData(ctx, &BridgeData{Channel: "ch", Origin: "n1", Kind: "direct"})
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["component"] != "hub" {
		t.Fatalf("With attrs lost: %v", rec)
	}
	conn, _ := rec["conn"].(map[string]any)
	if conn["id"] != "c1" || conn["user_id"] != float64(42) || conn["state"] != "connected" {
		t.Fatalf("conn group = %v", conn)
	}
	br, _ := rec["bridge"].(map[string]any)
	if br["origin"] != "n1" {
		t.Fatalf("bridge group = %v", br)
	}
}

func TestHandlerOmitsAnonymousUser(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)})

	log.InfoContext(WithConnData(context.Background(), &ConnData{SessionID: "c1", State: "authenticating"}), "hi")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	conn, _ := rec["conn"].(map[string]any)
	if _, ok := conn["user_id"]; ok {
		t.Fatalf("unexpected user_id: %v", conn)
	}
}
