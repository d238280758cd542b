package bus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// DeliveryStats is invoked after each Notify with fan-out counts, for
// instrumentation.
type DeliveryStats func(ev Event, delivered, failed int)

// Broadcaster fans events out to subscribed consumers in registration order.
// Delivery is synchronous on the caller's goroutine. A consumer that errors
// or panics is logged and skipped for that event; it is never removed, and
// later consumers still receive the event.
type Broadcaster struct {
	mu         sync.RWMutex
	consumers  []Consumer
	replay     func() []Event
	onDelivery DeliveryStats
}

// NewBroadcaster returns an empty registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// SetReplay installs the source of catch-up events delivered to each new
// subscriber. The function runs on the subscriber's goroutine at Subscribe
// time.
func (b *Broadcaster) SetReplay(fn func() []Event) {
	b.mu.Lock()
	b.replay = fn
	b.mu.Unlock()
}

// OnDelivery installs the fan-out stats hook.
func (b *Broadcaster) OnDelivery(fn DeliveryStats) {
	b.mu.Lock()
	b.onDelivery = fn
	b.mu.Unlock()
}

// Subscribe registers a consumer and synchronously replays the current state
// events to it alone. Consumers are compared by interface identity; a
// duplicate is rejected with ErrDuplicateConsumer.
func (b *Broadcaster) Subscribe(c Consumer) error {
	if c == nil {
		return fmt.Errorf("nil consumer")
	}

	b.mu.Lock()
	for _, existing := range b.consumers {
		if existing == c {
			b.mu.Unlock()
			return ErrDuplicateConsumer
		}
	}
	b.consumers = append(b.consumers, c)
	replay := b.replay
	b.mu.Unlock()

	if replay == nil {
		return nil
	}
	for _, ev := range replay() {
		b.deliver(c, ev)
	}
	return nil
}

// Unsubscribe removes a consumer; absent consumers are a no-op.
func (b *Broadcaster) Unsubscribe(c Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.consumers {
		if existing == c {
			b.consumers = append(b.consumers[:i], b.consumers[i+1:]...)
			return
		}
	}
}

// Consumers reports the current subscriber count.
func (b *Broadcaster) Consumers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}

// Notify delivers the event to every consumer in registration order. The
// registry is copied under the lock and delivery happens outside it, so
// consumers may subscribe, unsubscribe, or notify reentrantly.
func (b *Broadcaster) Notify(ev Event) {
	b.mu.RLock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	stats := b.onDelivery
	b.mu.RUnlock()

	failed := 0
	for _, c := range consumers {
		if !b.deliver(c, ev) {
			failed++
		}
	}
	if stats != nil {
		stats(ev, len(consumers)-failed, failed)
	}
}

// deliver runs one consumer callback, absorbing errors and panics.
func (b *Broadcaster) deliver(c Consumer, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			log.Error().Str("event", string(ev.Type)).
				Str("consumer", fmt.Sprintf("%T", c)).
				Interface("panic", r).
				Msg("consumer panicked during delivery")
		}
	}()

	if err := c.OnEvent(ev); err != nil {
		log.Warn().Str("event", string(ev.Type)).
			Str("consumer", fmt.Sprintf("%T", c)).
			Err(err).
			Msg("consumer rejected event")
		return false
	}
	return true
}
