package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/goquant/slipstream/internal/bus"
	"github.com/goquant/slipstream/internal/tca"
)

// natsConn is the slice of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
	IsConnected() bool
}

// Publisher bridges analytics and connection-status events onto NATS
// subjects. It is a bus.Consumer: publish failures are logged and counted,
// never fatal to the pipeline.
type Publisher struct {
	conn     natsConn
	prefix   string
	failures atomic.Uint64
}

// NewPublisher connects to a NATS server. The connection retries in the
// background, so a server that is down at startup does not block the app.
func NewPublisher(url, prefix string) (*Publisher, error) {
	if prefix == "" {
		prefix = "slipstream"
	}
	conn, err := nats.Connect(url,
		nats.Name("slipstream-publisher"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Publisher{conn: conn, prefix: prefix}, nil
}

// OnEvent implements bus.Consumer. Analytics go to
// <prefix>.analytics.<symbol>, connection status to <prefix>.status; other
// event types are ignored.
func (p *Publisher) OnEvent(ev bus.Event) error {
	var subject string
	switch ev.Type {
	case bus.EventAnalyticsUpdate:
		subject = p.prefix + ".analytics." + symbolToken(ev.Data)
	case bus.EventConnectionStatus:
		subject = p.prefix + ".status"
	default:
		return nil
	}

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		p.failures.Add(1)
		return fmt.Errorf("failed to marshal %s payload: %w", ev.Type, err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.failures.Add(1)
		log.Warn().Err(err).Str("subject", subject).Msg("NATS publish failed")
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the underlying connection is currently up.
func (p *Publisher) Connected() bool {
	return p.conn.IsConnected()
}

// Failures returns the number of publish errors since start.
func (p *Publisher) Failures() uint64 {
	return p.failures.Load()
}

// Close drains the connection, flushing buffered publishes.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
	}
}

// symbolToken extracts the instrument for the subject. NATS tokens cannot
// contain spaces, '.', '*', or '>'.
func symbolToken(data any) string {
	res, ok := data.(*tca.Result)
	if !ok || res == nil || res.Symbol == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '-'
		}
		return r
	}, res.Symbol)
}
