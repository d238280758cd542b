package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
	err    error
	panics bool
}

func (r *recorder) OnEvent(ev Event) error {
	if r.panics {
		panic("recorder exploded")
	}
	r.events = append(r.events, ev)
	return r.err
}

func TestBroadcasterPanickingConsumerIsolated(t *testing.T) {
	b := NewBroadcaster()
	first := &recorder{}
	second := &recorder{panics: true}
	third := &recorder{}
	require.NoError(t, b.Subscribe(first))
	require.NoError(t, b.Subscribe(second))
	require.NoError(t, b.Subscribe(third))

	ev := NewEvent(EventOrderbookUpdate, "payload")
	b.Notify(ev)

	require.Len(t, first.events, 1, "first consumer receives exactly once")
	require.Len(t, third.events, 1, "third consumer receives exactly once")
	assert.Equal(t, ev.Data, first.events[0].Data)
	assert.Equal(t, ev.Data, third.events[0].Data)

	// Failing consumers stay registered.
	assert.Equal(t, 3, b.Consumers())

	b.Notify(NewEvent(EventOrderbookUpdate, "next"))
	assert.Len(t, first.events, 2)
	assert.Len(t, third.events, 2)
}

func TestBroadcasterErroringConsumerContinues(t *testing.T) {
	b := NewBroadcaster()
	first := &recorder{}
	second := &recorder{err: errors.New("saturated")}
	third := &recorder{}
	require.NoError(t, b.Subscribe(first))
	require.NoError(t, b.Subscribe(second))
	require.NoError(t, b.Subscribe(third))

	var delivered, failed int
	b.OnDelivery(func(_ Event, d, f int) { delivered, failed = d, f })

	b.Notify(NewEvent(EventAnalyticsUpdate, nil))

	assert.Len(t, first.events, 1)
	assert.Len(t, third.events, 1)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, failed)
}

func TestBroadcasterDuplicateRejected(t *testing.T) {
	b := NewBroadcaster()
	c := &recorder{}

	require.NoError(t, b.Subscribe(c))
	err := b.Subscribe(c)

	require.ErrorIs(t, err, ErrDuplicateConsumer)
	assert.Equal(t, 1, b.Consumers())

	b.Notify(NewEvent(EventError, nil))
	assert.Len(t, c.events, 1, "single registration despite double subscribe")
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	keep := &recorder{}
	drop := &recorder{}
	require.NoError(t, b.Subscribe(keep))
	require.NoError(t, b.Subscribe(drop))

	b.Unsubscribe(drop)
	b.Unsubscribe(drop) // absent is a no-op
	b.Notify(NewEvent(EventConnectionStatus, nil))

	assert.Len(t, keep.events, 1)
	assert.Empty(t, drop.events)
	assert.Equal(t, 1, b.Consumers())
}

func TestBroadcasterReplayOnSubscribe(t *testing.T) {
	b := NewBroadcaster()
	early := &recorder{}
	require.NoError(t, b.Subscribe(early))

	status := NewEvent(EventConnectionStatus, "connected")
	snapshot := NewEvent(EventOrderbookUpdate, "book")
	b.SetReplay(func() []Event { return []Event{status, snapshot} })

	late := &recorder{}
	require.NoError(t, b.Subscribe(late))

	require.Len(t, late.events, 2, "new subscriber gets the catch-up events")
	assert.Equal(t, EventConnectionStatus, late.events[0].Type)
	assert.Equal(t, EventOrderbookUpdate, late.events[1].Type)
	assert.Empty(t, early.events, "replay targets only the new subscriber")

	b.Notify(NewEvent(EventAnalyticsUpdate, nil))
	assert.Len(t, early.events, 1)
	assert.Len(t, late.events, 3)
}

type sequenced struct {
	name string
	seq  *[]string
}

func (s *sequenced) OnEvent(Event) error {
	*s.seq = append(*s.seq, s.name)
	return nil
}

func TestBroadcasterRegistrationOrder(t *testing.T) {
	b := NewBroadcaster()
	var seq []string
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, b.Subscribe(&sequenced{name: name, seq: &seq}))
	}

	b.Notify(NewEvent(EventOrderbookUpdate, nil))
	b.Notify(NewEvent(EventOrderbookUpdate, nil))

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seq)
}

func TestBroadcasterNilConsumer(t *testing.T) {
	b := NewBroadcaster()
	assert.Error(t, b.Subscribe(nil))
	assert.Equal(t, 0, b.Consumers())
}

func TestNewEventStampsTime(t *testing.T) {
	before := time.Now()
	ev := NewEvent(EventParameterUpdate, map[string]any{"quantity": 200.0})

	assert.Equal(t, EventParameterUpdate, ev.Type)
	assert.False(t, ev.At.Before(before))
}
