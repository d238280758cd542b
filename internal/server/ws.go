package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/goquant/slipstream/internal/app"
	"github.com/goquant/slipstream/internal/bus"
)

const (
	wsSendBuffer   = 64
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsReadLimit    = 8192

	// Inbound frames per client: small burst, modest sustained rate.
	wsInboundRate  = 5
	wsInboundBurst = 10
)

// Websocket-only error codes.
const (
	codeRateLimited       = "RATE_LIMITED"
	codeInvalidParameters = "INVALID_PARAMETERS"
	codeUnknownEvent      = "UNKNOWN_EVENT"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin during local development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is the inbound wire envelope.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsOutbound is the outbound wire envelope.
type wsOutbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsError is the payload of outbound error frames.
type wsError struct {
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	FieldErrors []fieldError `json:"field_errors,omitempty"`
}

// wsClient bridges one websocket connection onto the event bus. OnEvent
// never blocks the bus: frames beyond the send buffer are dropped and
// logged.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	app     *app.App
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Msg("upgrade failed")
		return
	}

	client := &wsClient{
		id:      requestID(r.Context()),
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(wsInboundRate, wsInboundBurst),
		app:     s.app,
	}

	s.metrics.WSClientConnected()
	log.Info().
		Str("component", "ws").
		Str("client", client.id).
		Str("remote", conn.RemoteAddr().String()).
		Msg("client connected")

	go client.writePump()

	// Subscribing replays current state (status, parameters, latest book,
	// analytics) into the send buffer before any live event.
	if err := s.app.Subscribe(client); err != nil {
		log.Error().Err(err).Str("component", "ws").Str("client", client.id).Msg("subscribe failed")
	}

	client.readPump()

	s.app.Unsubscribe(client)
	close(client.done)
	conn.Close()
	s.metrics.WSClientDisconnected()
	log.Info().Str("component", "ws").Str("client", client.id).Msg("client disconnected")
}

// OnEvent implements bus.Consumer.
func (c *wsClient) OnEvent(ev bus.Event) error {
	frame, err := json.Marshal(wsOutbound{Event: string(ev.Type), Data: ev.Data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", ev.Type, err)
	}
	c.enqueue(frame, string(ev.Type))
	return nil
}

func (c *wsClient) enqueue(frame []byte, kind string) {
	select {
	case c.send <- frame:
	default:
		log.Warn().
			Str("component", "ws").
			Str("client", c.id).
			Str("event", kind).
			Msg("send buffer full, frame dropped")
	}
}

func (c *wsClient) sendError(e wsError) {
	frame, err := json.Marshal(wsOutbound{Event: string(bus.EventError), Data: e})
	if err != nil {
		return
	}
	c.enqueue(frame, string(bus.EventError))
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("component", "ws").Str("client", c.id).Msg("read failed")
			}
			return
		}
		c.handleInbound(message)
	}
}

// handleInbound processes one client frame. Failures answer with an error
// frame to this client only; broadcast traffic is unaffected.
func (c *wsClient) handleInbound(message []byte) {
	if !c.limiter.Allow() {
		c.sendError(wsError{Code: codeRateLimited, Message: "too many inbound frames, dropped"})
		return
	}

	var frame wsFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.sendError(wsError{Code: codeInvalidRequest, Message: "frame is not a JSON {event, data} envelope"})
		return
	}

	switch frame.Event {
	case string(bus.EventParameterUpdate):
		var patch map[string]any
		if err := json.Unmarshal(frame.Data, &patch); err != nil || patch == nil {
			c.sendError(wsError{Code: codeInvalidRequest, Message: "parameter_update data must be a JSON object"})
			return
		}
		if _, ferrs := c.app.UpdateParameters(patch); len(ferrs) > 0 {
			c.sendError(wsError{
				Code:        codeInvalidParameters,
				Message:     "one or more fields were rejected",
				FieldErrors: toFieldErrors(ferrs),
			})
		}
	default:
		c.sendError(wsError{Code: codeUnknownEvent, Message: fmt.Sprintf("unsupported event %q", frame.Event)})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
