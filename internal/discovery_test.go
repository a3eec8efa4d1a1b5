package internal

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 探索端點測試跑完整的事件迴圈：
// 狀態變更透過事件投遞，觀察只經由 Broker 的序列化查詢。

func testHandler(t *testing.T, production bool) (*Handler, *Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.Broker.DrainTimeout = 50 * time.Millisecond
	b := NewBroker(cfg, logger)
	go b.Run()
	t.Cleanup(b.Stop)
	return NewHandler(b, logger, production), b
}

func doGet(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	h, _ := testHandler(t, false)

	rec := doGet(t, h, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandler_Discover(t *testing.T) {
	h, b := testHandler(t, false)

	// 透過事件迴圈建立一個房間
	c := newConn(nil, b)
	b.post(connOpened{conn: c})
	b.post(inboundMessage{conn: c, data: []byte(`{"type":"createRoom","roomType":"2p"}`)})

	require.Eventually(t, func() bool {
		rooms, err := b.RoomList(t.Context())
		return err == nil && len(rooms) == 1
	}, time.Second, 10*time.Millisecond)

	rec := doGet(t, h, "/discover")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "discovery", body["type"])
	assert.NotZero(t, body["timestamp"])

	rooms := body["rooms"].([]any)
	require.Len(t, rooms, 1)
	room := rooms[0].(map[string]any)
	assert.Equal(t, "2p", room["roomType"])
	assert.EqualValues(t, 1, room["players"])
	assert.Equal(t, false, room["gameStarted"])
}

func TestHandler_DiscoverProductionOmitsAddress(t *testing.T) {
	h, _ := testHandler(t, true)

	rec := doGet(t, h, "/discover")

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "address")
}

func TestHandler_Stats(t *testing.T) {
	h, b := testHandler(t, false)

	c := newConn(nil, b)
	b.post(connOpened{conn: c})

	rec := doGet(t, h, "/stats")

	require.Equal(t, http.StatusOK, rec.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Rooms)
	assert.GreaterOrEqual(t, stats.Connections, 0)
}

func TestHandler_UnknownPath(t *testing.T) {
	h, _ := testHandler(t, false)

	rec := doGet(t, h, "/nope")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_StoppedBroker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBroker(DefaultConfig(), logger)
	go b.Run()
	b.Stop()

	h := NewHandler(b, logger, false)
	rec := doGet(t, h, "/discover")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
