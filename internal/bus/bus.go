package bus

import (
	"errors"
	"time"
)

// EventType names the event streams fanned out to consumers.
type EventType string

const (
	EventOrderbookUpdate  EventType = "orderbook_update"
	EventConnectionStatus EventType = "connection_status"
	EventAnalyticsUpdate  EventType = "analytics_update"
	EventParameterUpdate  EventType = "parameter_update"
	EventError            EventType = "error"
)

// Event is one fan-out unit. Data carries the typed payload for the event
// kind; transports decide their own wire framing.
type Event struct {
	Type EventType
	Data any
	At   time.Time
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data, At: time.Now()}
}

// Consumer receives events synchronously on the notifier's goroutine.
// Implementations must not block indefinitely; a returned error is logged
// and does not stop fan-out to other consumers.
type Consumer interface {
	OnEvent(Event) error
}

// ErrDuplicateConsumer rejects a second subscription of the same consumer.
var ErrDuplicateConsumer = errors.New("consumer already subscribed")
