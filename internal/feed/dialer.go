package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the read side of one feed connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens feed connections; injected so tests can script transports.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials websocket feeds with gorilla. The zero value uses a dialer
// with a 30s handshake timeout.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (w WSDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d := w.Dialer
	if d == nil {
		d = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 30 * time.Second,
		}
	}
	conn, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
