package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/bus"
	"github.com/goquant/slipstream/internal/telemetry"
)

// ErrConnection marks upstream transport failures; it feeds the reconnect
// path and is never fatal to the process.
var ErrConnection = errors.New("orderbook feed connection failed")

// CodeConnection is the wire code carried on error events from the feed.
const CodeConnection = "ORDERBOOK_CONNECTION_ERROR"

// ConnectionError is the error-event payload for transport failures.
type ConnectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// State is the feed connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is the connection report exposed over the API and pushed on every
// state change. Update fields are nil until the first snapshot arrives.
type Status struct {
	State           State      `json:"state"`
	Connected       bool       `json:"connected"`
	LastUpdate      *time.Time `json:"last_update_time,omitempty"`
	TimeSinceUpdate *float64   `json:"time_since_update,omitempty"` // Seconds
}

// Options overrides the Ingestor's seams; zero values pick production
// defaults (gorilla dialer, wall clock, fixed 1s retry forever).
type Options struct {
	Dialer  Dialer
	Clock   Clock
	Retry   RetryPolicy
	Metrics *telemetry.Metrics
}

// Ingestor owns the feed connection: a single goroutine runs the
// Disconnected -> Connecting -> Connected loop, retains the newest decoded
// snapshot, and notifies the broadcaster on snapshots, state changes, and
// transport errors. It is the sole writer of the retained snapshot.
type Ingestor struct {
	url     string
	bcast   *bus.Broadcaster
	dialer  Dialer
	clock   Clock
	retry   RetryPolicy
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	state   State
	latest  *book.Snapshot
	lastMsg time.Time
}

// NewIngestor builds an ingestor for one feed URL.
func NewIngestor(url string, b *bus.Broadcaster, opts Options) *Ingestor {
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Retry.Delay == nil {
		opts.Retry = RetryPolicy{
			Delay:       FixedDelay(time.Second).Delay,
			MaxAttempts: opts.Retry.MaxAttempts,
		}
	}
	return &Ingestor{
		url:     url,
		bcast:   b,
		dialer:  opts.Dialer,
		clock:   opts.Clock,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		state:   StateDisconnected,
	}
}

// Run drives the connection loop until the context is canceled or the retry
// policy's attempt budget is exhausted. The delay between attempts is fixed
// by policy, never grown.
func (i *Ingestor) Run(ctx context.Context) error {
	log.Info().Str("url", i.url).Msg("starting orderbook feed")

	failures := 0
	for {
		if ctx.Err() != nil {
			i.transition(StateDisconnected)
			return ctx.Err()
		}

		i.transition(StateConnecting)
		conn, err := i.dialer.DialContext(ctx, i.url)
		if err != nil {
			failures++
			i.reportError(fmt.Errorf("dial %s: %v: %w", i.url, err, ErrConnection))
			i.transition(StateDisconnected)
			if i.retry.MaxAttempts > 0 && failures >= i.retry.MaxAttempts {
				return fmt.Errorf("giving up after %d connect attempts: %w", failures, ErrConnection)
			}
			i.metrics.RecordReconnect()
			if !i.wait(ctx, i.retry.Delay(failures)) {
				i.transition(StateDisconnected)
				return ctx.Err()
			}
			continue
		}

		failures = 0
		i.transition(StateConnected)

		readErr := i.consume(ctx, conn)
		conn.Close()
		i.transition(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		i.reportError(readErr)
		i.metrics.RecordReconnect()
		if !i.wait(ctx, i.retry.Delay(1)) {
			return ctx.Err()
		}
	}
}

// consume reads until the transport fails. Cancellation is propagated by
// closing the connection, which unblocks the pending read.
func (i *Ingestor) consume(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed read: %v: %w", err, ErrConnection)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		i.handleMessage(payload)
	}
}

// handleMessage drops control literals, decodes data frames, and publishes
// the snapshot. Malformed payloads are logged and dropped without touching
// connection state.
func (i *Ingestor) handleMessage(payload []byte) {
	text := strings.TrimSpace(string(payload))
	if text == "ping" || text == "pong" {
		return
	}

	snap, err := book.DecodeSnapshot(payload)
	if err != nil {
		i.metrics.RecordParseError()
		log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping malformed feed payload")
		return
	}

	now := i.clock.Now()
	snap.Received = now

	i.mu.Lock()
	i.latest = snap
	i.lastMsg = now
	i.mu.Unlock()

	i.metrics.RecordSnapshot()
	i.bcast.Notify(bus.Event{Type: bus.EventOrderbookUpdate, Data: snap, At: now})
}

// Latest returns the most recent snapshot, or nil before the first message.
func (i *Ingestor) Latest() *book.Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.latest
}

// Status reports the current connection state.
func (i *Ingestor) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.statusLocked()
}

func (i *Ingestor) statusLocked() Status {
	st := Status{State: i.state, Connected: i.state == StateConnected}
	if !i.lastMsg.IsZero() {
		last := i.lastMsg
		since := i.clock.Now().Sub(last).Seconds()
		st.LastUpdate = &last
		st.TimeSinceUpdate = &since
	}
	return st
}

// transition moves the state machine and pushes a status event on change.
func (i *Ingestor) transition(to State) {
	i.mu.Lock()
	if i.state == to {
		i.mu.Unlock()
		return
	}
	from := i.state
	i.state = to
	st := i.statusLocked()
	i.mu.Unlock()

	log.Info().Str("from", string(from)).Str("to", string(to)).Msg("feed state changed")
	i.metrics.SetFeedConnected(to == StateConnected)
	i.bcast.Notify(bus.Event{Type: bus.EventConnectionStatus, Data: st, At: i.clock.Now()})
}

// reportError logs a transport failure and pushes an error event.
func (i *Ingestor) reportError(err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).Msg("orderbook feed failure")
	i.bcast.Notify(bus.Event{
		Type: bus.EventError,
		Data: ConnectionError{Code: CodeConnection, Message: err.Error()},
		At:   i.clock.Now(),
	})
}

// wait sleeps on the injected clock; false means the context won.
func (i *Ingestor) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-i.clock.After(d):
		return true
	}
}
