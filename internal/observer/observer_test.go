package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := New()
	var got []Kind
	b.Subscribe(SinkFunc(func(e Event) { got = append(got, e.Kind) }))
	b.Subscribe(SinkFunc(func(e Event) { got = append(got, e.Kind) }))

	b.Publish(Event{Kind: EventEntityOnline, EntityID: model.EntityID(1)})
	assert.Equal(t, []Kind{EventEntityOnline, EventEntityOnline}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(SinkFunc(func(Event) { count++ }))
	b.Publish(Event{Kind: EventEntityOnline})
	unsub()
	b.Publish(Event{Kind: EventEntityOnline})
	assert.Equal(t, 1, count)
}

func TestPanickingSinkDoesNotBlockOthers(t *testing.T) {
	b := New()
	delivered := false
	b.Subscribe(SinkFunc(func(Event) { panic("boom") }))
	b.Subscribe(SinkFunc(func(Event) { delivered = true }))
	b.Publish(Event{Kind: EventEntityOffline})
	assert.True(t, delivered)
}
