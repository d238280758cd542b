package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goquant/slipstream/internal/bus"
)

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &frame))
	return frame.Event, frame.Data
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestWebSocketReplayOnConnect(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)

	event, data := readFrame(t, conn)
	assert.Equal(t, string(bus.EventConnectionStatus), event)
	var status struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, "disconnected", status.State)

	event, data = readFrame(t, conn)
	assert.Equal(t, string(bus.EventParameterUpdate), event)
	var p struct {
		Quantity float64 `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 100.0, p.Quantity)
}

func TestWebSocketReceivesPipelineEvents(t *testing.T) {
	a, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)

	// Drain the replay frames.
	readFrame(t, conn)
	readFrame(t, conn)

	a.Bus.Notify(bus.NewEvent(bus.EventOrderbookUpdate, testSnapshot()))

	// The pipeline subscribes first, so its analytics frame precedes the
	// snapshot that produced it.
	event, data := readFrame(t, conn)
	assert.Equal(t, string(bus.EventAnalyticsUpdate), event)
	var analytics struct {
		Symbol    string `json:"symbol"`
		OrderType string `json:"order_type"`
	}
	require.NoError(t, json.Unmarshal(data, &analytics))
	assert.Equal(t, "BTC-USDT-SWAP", analytics.Symbol)
	assert.Equal(t, "market", analytics.OrderType)

	event, data = readFrame(t, conn)
	assert.Equal(t, string(bus.EventOrderbookUpdate), event)
	var snap struct {
		Bids []struct {
			Price float64 `json:"price"`
		} `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	require.NotEmpty(t, snap.Bids)
	assert.Equal(t, 99.0, snap.Bids[0].Price)
}

func TestWebSocketParameterUpdate(t *testing.T) {
	a, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, "parameter_update", map[string]any{"quantity": 150.0})

	event, data := readFrame(t, conn)
	assert.Equal(t, string(bus.EventParameterUpdate), event)
	var p struct {
		Quantity float64 `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 150.0, p.Quantity)
	assert.Equal(t, 150.0, a.Parameters().Quantity)
}

func TestWebSocketFieldErrorsStayPrivate(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, "parameter_update", map[string]any{"quantity": -5.0})

	event, data := readFrame(t, conn)
	assert.Equal(t, string(bus.EventError), event)
	var e wsError
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, codeInvalidParameters, e.Code)
	require.Len(t, e.FieldErrors, 1)
	assert.Equal(t, "quantity", e.FieldErrors[0].Field)
}

func TestWebSocketUnknownEvent(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, "subscribe", map[string]any{"channel": "trades"})

	event, data := readFrame(t, conn)
	assert.Equal(t, string(bus.EventError), event)
	var e wsError
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, codeUnknownEvent, e.Code)
}

func TestWebSocketMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readFrame(t, conn)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))

	event, data := readFrame(t, conn)
	assert.Equal(t, string(bus.EventError), event)
	var e wsError
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, codeInvalidRequest, e.Code)
}

func TestWebSocketInboundRateLimit(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readFrame(t, conn)
	readFrame(t, conn)

	const frames = 15
	for i := 0; i < frames; i++ {
		writeFrame(t, conn, "bogus", nil)
	}

	limited := 0
	for i := 0; i < frames; i++ {
		event, data := readFrame(t, conn)
		require.Equal(t, string(bus.EventError), event)
		var e wsError
		require.NoError(t, json.Unmarshal(data, &e))
		if e.Code == codeRateLimited {
			limited++
		}
	}
	assert.Greater(t, limited, 0, "burst above %d frames should trip the limiter", wsInboundBurst)
}

func TestWebSocketClientGaugeTracksConnections(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL)
	readFrame(t, conn)
	readFrame(t, conn)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "slipstream_ws_clients 1")
}
