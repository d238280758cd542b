package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/bus"
	"github.com/goquant/slipstream/internal/config"
	"github.com/goquant/slipstream/internal/feed"
	"github.com/goquant/slipstream/internal/params"
	"github.com/goquant/slipstream/internal/tca"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) OnEvent(ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Models.Classifier.Seed = 42
	a, err := New(&cfg)
	require.NoError(t, err)
	return a
}

func appSnapshot() *book.Snapshot {
	return &book.Snapshot{
		Exchange: "OKX",
		Symbol:   "BTC-USDT-SWAP",
		Bids:     []book.PriceLevel{{Price: 99, Size: 1}, {Price: 98, Size: 2}},
		Asks:     []book.PriceLevel{{Price: 100, Size: 1}, {Price: 101, Size: 2}},
		Received: time.Now(),
	}
}

func TestNewBuildsGraph(t *testing.T) {
	a := testApp(t)

	require.NotNil(t, a.Params)
	require.NotNil(t, a.Bus)
	require.NotNil(t, a.Ingestor)
	require.NotNil(t, a.Engine)
	require.NotNil(t, a.Latency)
	require.NotNil(t, a.Metrics)

	// The analytics pipeline is pre-subscribed.
	assert.Equal(t, 1, a.Bus.Consumers())

	assert.Equal(t, params.Defaults(), a.Parameters())
	assert.Nil(t, a.LatestSnapshot())
	assert.Nil(t, a.ComputeNow())
	assert.Equal(t, feed.StateDisconnected, a.ConnectionStatus().State)
}

func TestNewRejectsBadDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Defaults.OrderType = "stop"
	_, err := New(&cfg)
	require.Error(t, err)
}

func TestPipelineBroadcastsAnalytics(t *testing.T) {
	a := testApp(t)

	rec := &recorder{}
	require.NoError(t, a.Subscribe(rec))
	// Replay before any data: connection status and parameters only.
	assert.Equal(t, []bus.EventType{bus.EventConnectionStatus, bus.EventParameterUpdate}, rec.types())

	a.Bus.Notify(bus.NewEvent(bus.EventOrderbookUpdate, appSnapshot()))

	// The pipeline runs before later subscribers, so its analytics land
	// ahead of the snapshot that produced them.
	assert.Equal(t, []bus.EventType{
		bus.EventConnectionStatus,
		bus.EventParameterUpdate,
		bus.EventAnalyticsUpdate,
		bus.EventOrderbookUpdate,
	}, rec.types())

	res, ok := rec.events[2].Data.(*tca.Result)
	require.True(t, ok)
	require.NotNil(t, res.Slippage)
	require.NotNil(t, res.MakerTaker)
	assert.Equal(t, params.Market, res.OrderType)
	assert.Equal(t, 1.0, res.MakerTaker.TakerRatio)

	lm := a.LatencyMetrics()
	assert.Equal(t, 1, lm.ProcessingSamples)
	assert.Equal(t, 1, lm.PublishSamples)
	assert.Equal(t, 1, lm.TotalSamples)
}

func TestReplayIncludesFreshAnalytics(t *testing.T) {
	a := testApp(t)
	a.Bus.Notify(bus.NewEvent(bus.EventOrderbookUpdate, appSnapshot()))

	rec := &recorder{}
	require.NoError(t, a.Subscribe(rec))

	// The snapshot itself replays from the ingestor, which has not run here,
	// so the late subscriber sees status, parameters, and cached analytics.
	assert.Equal(t, []bus.EventType{
		bus.EventConnectionStatus,
		bus.EventParameterUpdate,
		bus.EventAnalyticsUpdate,
	}, rec.types())
}

func TestUpdateParametersBroadcasts(t *testing.T) {
	a := testApp(t)
	rec := &recorder{}
	require.NoError(t, a.Subscribe(rec))
	before := rec.len()

	updated, ferrs := a.UpdateParameters(map[string]any{"quantity": 250.0, "fee_tier": "VIP2"})
	assert.Empty(t, ferrs)
	assert.Equal(t, 250.0, updated.Quantity)
	assert.Equal(t, "VIP2", updated.FeeTier)

	require.Equal(t, before+1, rec.len())
	last := rec.events[rec.len()-1]
	assert.Equal(t, bus.EventParameterUpdate, last.Type)
	got, ok := last.Data.(params.Parameters)
	require.True(t, ok)
	assert.Equal(t, 250.0, got.Quantity)
}

func TestUpdateParametersAllRejectedStaysQuiet(t *testing.T) {
	a := testApp(t)
	rec := &recorder{}
	require.NoError(t, a.Subscribe(rec))
	before := rec.len()

	updated, ferrs := a.UpdateParameters(map[string]any{"quantity": -5.0})
	require.Len(t, ferrs, 1)
	assert.Equal(t, "quantity", ferrs[0].Field)
	assert.Equal(t, 100.0, updated.Quantity)
	assert.Equal(t, before, rec.len())

	// Empty patches are equally silent.
	_, ferrs = a.UpdateParameters(map[string]any{})
	assert.Empty(t, ferrs)
	assert.Equal(t, before, rec.len())
}

func TestUpdateParametersPartialPatch(t *testing.T) {
	a := testApp(t)

	updated, ferrs := a.UpdateParameters(map[string]any{
		"quantity":   300.0,
		"volatility": -1.0,
	})
	require.Len(t, ferrs, 1)
	assert.Equal(t, "volatility", ferrs[0].Field)
	assert.Equal(t, 300.0, updated.Quantity)
	assert.Equal(t, 0.3, updated.Volatility)
}

func TestRunReturnsOnCanceledContext(t *testing.T) {
	a := testApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, a.Run(ctx))
}

// feedServer serves one snapshot over a real websocket and then holds the
// connection open until the client disconnects.
func feedServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestAppAgainstLoopbackFeed(t *testing.T) {
	const snapJSON = `{
		"timestamp": "2025-05-04T10:39:13Z",
		"exchange": "OKX",
		"symbol": "BTC-USDT-SWAP",
		"bids": [["99.0", "1.0"], ["98.0", "2.0"]],
		"asks": [["100.0", "1.0"], ["101.0", "2.0"]]
	}`
	srv := feedServer(t, snapJSON)
	defer srv.Close()

	cfg := config.Default()
	cfg.Feed.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Feed.ReconnectDelayMS = 10
	cfg.Models.Classifier.Seed = 7
	a, err := New(&cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.LatestSnapshot() != nil
	}, 5*time.Second, 10*time.Millisecond)

	res := a.ComputeNow()
	require.NotNil(t, res)
	assert.Equal(t, "BTC-USDT-SWAP", res.Symbol)
	require.NotNil(t, res.Slippage)

	updated, ferrs := a.UpdateParameters(map[string]any{"quantity": 150.0})
	assert.Empty(t, ferrs)
	assert.Equal(t, 150.0, updated.Quantity)

	assert.True(t, a.ConnectionStatus().Connected)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after cancel")
	}
}
