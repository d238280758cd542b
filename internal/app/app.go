package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/goquant/slipstream/internal/book"
	"github.com/goquant/slipstream/internal/bus"
	"github.com/goquant/slipstream/internal/config"
	"github.com/goquant/slipstream/internal/feed"
	"github.com/goquant/slipstream/internal/params"
	"github.com/goquant/slipstream/internal/publish"
	"github.com/goquant/slipstream/internal/tca"
	"github.com/goquant/slipstream/internal/telemetry"
)

// App wires the feed, the analytics engine, and the event bus into one
// pipeline. All components are explicit instances owned by the App; nothing
// is process-global, so tests can run several side by side.
type App struct {
	cfg *config.Config

	Params   *params.Store
	Bus      *bus.Broadcaster
	Ingestor *feed.Ingestor
	Engine   *tca.Engine
	Latency  *tca.LatencyTracker
	Metrics  *telemetry.Metrics

	started time.Time

	mu   sync.Mutex
	last *tca.Result // freshest analytics, for replay-on-subscribe
}

// New builds the full component graph. Nothing starts running until Run.
func New(cfg *config.Config) (*App, error) {
	defaults, err := cfg.Defaults.Parameters()
	if err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	metrics := telemetry.NewMetrics()

	b := bus.NewBroadcaster()
	b.OnDelivery(func(ev bus.Event, delivered, failed int) {
		metrics.RecordBroadcast(string(ev.Type), failed)
	})

	latency := tca.NewLatencyTracker(cfg.Models.LatencyWindow)

	a := &App{
		cfg:    cfg,
		Params: params.NewStore(defaults),
		Bus:    b,
		Engine: tca.NewEngine(
			tca.NewSlippageEstimator(cfg.Models.Slippage),
			tca.NewMarketImpactModel(cfg.Models.Impact),
			tca.NewMakerTakerClassifier(cfg.Models.Classifier, nil),
			tca.NewFeeCalculator(cfg.Fees.Tiers),
			latency,
		),
		Latency: latency,
		Metrics: metrics,
		started: time.Now(),
	}

	retry := feed.FixedDelay(cfg.Feed.ReconnectDelay())
	retry.MaxAttempts = cfg.Feed.MaxAttempts
	a.Ingestor = feed.NewIngestor(cfg.Feed.URL, b, feed.Options{
		Retry:   retry,
		Metrics: metrics,
	})

	if err := b.Subscribe(&pipeline{app: a}); err != nil {
		return nil, fmt.Errorf("subscribe pipeline: %w", err)
	}
	b.SetReplay(a.replayEvents)

	return a, nil
}

// Run starts the feed and the optional NATS bridge, then blocks until ctx is
// done or the feed exhausts its retry budget.
func (a *App) Run(ctx context.Context) error {
	if url := a.cfg.Publish.NATS.URL; url != "" {
		pub, err := publish.NewPublisher(url, a.cfg.Publish.NATS.SubjectPrefix)
		if err != nil {
			log.Error().Err(err).Str("url", url).Msg("NATS publisher disabled")
		} else {
			if err := a.Bus.Subscribe(pub); err != nil {
				return fmt.Errorf("subscribe publisher: %w", err)
			}
			log.Info().Str("url", url).Bool("connected", pub.Connected()).Msg("NATS publisher attached")
			defer func() {
				a.Bus.Unsubscribe(pub)
				pub.Close()
			}()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Ingestor.Run(ctx) }()

	select {
	case <-ctx.Done():
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("feed stopped: %w", err)
		}
		return nil
	}
}

// Subscribe attaches a consumer to the event bus, replaying current state.
func (a *App) Subscribe(c bus.Consumer) error { return a.Bus.Subscribe(c) }

// Unsubscribe detaches a consumer. Unknown handles are a no-op.
func (a *App) Unsubscribe(c bus.Consumer) { a.Bus.Unsubscribe(c) }

// Parameters returns the current simulation record.
func (a *App) Parameters() params.Parameters { return a.Params.Current() }

// ConnectionStatus reports the feed state.
func (a *App) ConnectionStatus() feed.Status { return a.Ingestor.Status() }

// LatestSnapshot returns the most recent orderbook, nil before the first one.
func (a *App) LatestSnapshot() *book.Snapshot { return a.Ingestor.Latest() }

// LatencyMetrics returns rolling pipeline timings.
func (a *App) LatencyMetrics() tca.LatencyMetrics { return a.Latency.Metrics() }

// ResetLatency clears the rolling windows.
func (a *App) ResetLatency() { a.Latency.Reset() }

// Uptime reports time since the app graph was built.
func (a *App) Uptime() time.Duration { return time.Since(a.started) }

// UpdateParameters applies a partial update. Applied fields broadcast a
// parameter_update event and, when a snapshot is available, fresh analytics.
// Failed fields come back as field errors; the rest of the patch still lands.
func (a *App) UpdateParameters(patch map[string]any) (params.Parameters, []params.FieldError) {
	updated, ferrs := a.Params.Update(patch)
	if len(patch) == 0 || len(ferrs) == len(patch) {
		return updated, ferrs
	}

	a.Bus.Notify(bus.NewEvent(bus.EventParameterUpdate, updated))

	if snap := a.Ingestor.Latest(); snap != nil {
		res := a.compute(snap)
		a.Bus.Notify(bus.NewEvent(bus.EventAnalyticsUpdate, res))
	}
	return updated, ferrs
}

// ComputeNow runs the engine against the latest snapshot on demand. Returns
// nil before the first snapshot arrives.
func (a *App) ComputeNow() *tca.Result {
	snap := a.Ingestor.Latest()
	if snap == nil {
		return nil
	}
	return a.compute(snap)
}

// compute runs the engine with current parameters and records the result.
func (a *App) compute(snap *book.Snapshot) *tca.Result {
	start := time.Now()
	res := a.Engine.Compute(snap, a.Params.Current())
	a.Metrics.ObserveCompute(time.Since(start))

	if res.Error != nil {
		a.Metrics.RecordComputeError(res.Error.Code)
	}
	for _, e := range res.Errors {
		a.Metrics.RecordComputeError(e.Code)
	}

	a.mu.Lock()
	a.last = res
	a.mu.Unlock()
	return res
}

// replayEvents snapshots current state for a newly subscribed consumer:
// connection status, parameters, then the latest book and analytics when
// they exist.
func (a *App) replayEvents() []bus.Event {
	events := []bus.Event{
		bus.NewEvent(bus.EventConnectionStatus, a.Ingestor.Status()),
		bus.NewEvent(bus.EventParameterUpdate, a.Params.Current()),
	}
	if snap := a.Ingestor.Latest(); snap != nil {
		events = append(events, bus.NewEvent(bus.EventOrderbookUpdate, snap))
	}
	a.mu.Lock()
	last := a.last
	a.mu.Unlock()
	if last != nil {
		events = append(events, bus.NewEvent(bus.EventAnalyticsUpdate, last))
	}
	return events
}

// pipeline reacts to fresh snapshots: compute analytics, broadcast them, and
// record end-to-end latency. It is the first bus subscriber, registered at
// construction.
type pipeline struct {
	app *App
}

func (p *pipeline) OnEvent(ev bus.Event) error {
	if ev.Type != bus.EventOrderbookUpdate {
		return nil
	}
	snap, ok := ev.Data.(*book.Snapshot)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", ev.Type, ev.Data)
	}

	res := p.app.compute(snap)

	pubStart := time.Now()
	p.app.Bus.Notify(bus.NewEvent(bus.EventAnalyticsUpdate, res))
	p.app.Latency.RecordPublish(time.Since(pubStart))

	if !snap.Received.IsZero() {
		p.app.Latency.RecordTotal(time.Since(snap.Received))
	}
	return nil
}
