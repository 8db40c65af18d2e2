package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avcontroller/avcontroller-go/internal/access"
	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
	"github.com/avcontroller/avcontroller-go/internal/store"
)

func newAdvertisedEntity(id model.EntityID) *model.ControlledEntity {
	e := model.New(id, false)
	e.SetAdvertised()
	return e
}

func TestApplyNameChangedPublishesWhenAdvertised(t *testing.T) {
	s := store.New()
	e := newAdvertisedEntity(model.EntityID(1))
	_ = s.Insert(e)
	bus := observer.New()
	var got []observer.Event
	bus.Subscribe(observer.SinkFunc(func(ev observer.Event) { got = append(got, ev) }))

	d := New(graphResolver{s}, bus, nil)
	path := model.DescriptorPath{Type: model.DescriptorEntity, Index: 0}
	d.Apply(e, protocol.Notification{Kind: protocol.NotifyName, Path: path, Payload: []byte("new-name")})

	if assert.Len(t, got, 1) {
		assert.Equal(t, observer.EventNameChanged, got[0].Kind)
	}
	assert.Equal(t, "new-name", e.Dynamic().Names[path])
}

func TestApplyNameUnchangedDoesNotPublish(t *testing.T) {
	e := newAdvertisedEntity(model.EntityID(1))
	path := model.DescriptorPath{Type: model.DescriptorEntity, Index: 0}
	e.WithDynamic(func(d *model.DynamicState) { d.Names[path] = "same" })

	bus := observer.New()
	count := 0
	bus.Subscribe(observer.SinkFunc(func(observer.Event) { count++ }))
	d := New(graphResolver{store.New()}, bus, nil)
	d.Apply(e, protocol.Notification{Kind: protocol.NotifyName, Path: path, Payload: []byte("same")})
	assert.Equal(t, 0, count)
}

func TestApplyNotPublishedWhenNotAdvertised(t *testing.T) {
	e := model.New(model.EntityID(1), false)
	bus := observer.New()
	count := 0
	bus.Subscribe(observer.SinkFunc(func(observer.Event) { count++ }))
	d := New(graphResolver{store.New()}, bus, nil)
	d.Apply(e, protocol.Notification{Kind: protocol.NotifyName, Payload: []byte("x")})
	assert.Equal(t, 0, count)
}

func TestApplyACMPConnectUpdatesBothSidesReciprocally(t *testing.T) {
	s := store.New()
	talker := newAdvertisedEntity(model.EntityID(1))
	listener := newAdvertisedEntity(model.EntityID(2))
	_ = s.Insert(talker)
	_ = s.Insert(listener)

	bus := observer.New()
	d := New(graphResolver{s}, bus, nil)

	talkerID := model.StreamIdentification{EntityID: model.EntityID(1), StreamIndex: 0}
	listenerID := model.StreamIdentification{EntityID: model.EntityID(2), StreamIndex: 0}
	d.Apply(listener, protocol.Notification{Kind: protocol.NotifyACMPConnect, Talker: talkerID, Listener: listenerID})

	info := listener.Dynamic().StreamInputInfo[0]
	assert.Equal(t, model.Connected, info.State)
	assert.Equal(t, talkerID, info.Talker)

	conns := talker.Dynamic().StreamOutputConns[0]
	_, present := conns[listenerID]
	assert.True(t, present)
}

func TestApplyACMPDisconnectClearsBothSides(t *testing.T) {
	s := store.New()
	talker := newAdvertisedEntity(model.EntityID(1))
	listener := newAdvertisedEntity(model.EntityID(2))
	_ = s.Insert(talker)
	_ = s.Insert(listener)

	bus := observer.New()
	d := New(graphResolver{s}, bus, nil)
	talkerID := model.StreamIdentification{EntityID: model.EntityID(1), StreamIndex: 0}
	listenerID := model.StreamIdentification{EntityID: model.EntityID(2), StreamIndex: 0}
	d.Apply(listener, protocol.Notification{Kind: protocol.NotifyACMPConnect, Talker: talkerID, Listener: listenerID})
	d.Apply(listener, protocol.Notification{Kind: protocol.NotifyACMPDisconnect, Talker: talkerID, Listener: listenerID})

	_, present := listener.Dynamic().StreamInputInfo[0]
	assert.False(t, present)
	_, present = talker.Dynamic().StreamOutputConns[0][listenerID]
	assert.False(t, present)
}

func TestApplyAcquireDroppedInvalidatesMatchingToken(t *testing.T) {
	registry := access.NewRegistry()
	fake := protocol.NewFake()
	mgr := access.NewManager(fake, registry, observer.New())

	e := newAdvertisedEntity(model.EntityID(1))
	var tok access.Token
	mgr.RequestExclusiveAccess(context.Background(), e.ID(), access.KindAcquire, func(t2 access.Token, err error) {
		tok = t2
	})
	assert.NotEqual(t, access.Token{}, tok)
	assert.Len(t, registry.Active(e.ID()), 1)

	d := New(graphResolver{store.New()}, observer.New(), registry)
	payload := append([]byte{byte(model.AcquireStateNotAcquired)}, make([]byte, 8)...)
	d.Apply(e, protocol.Notification{Kind: protocol.NotifyAcquiredChanged, Payload: payload})

	assert.Empty(t, registry.Active(e.ID()))
	state := e.AccessState()
	assert.Equal(t, model.AcquireStateNotAcquired, state.Acquire)
}

func TestApplyIdentifyStartedAndStoppedPublishDistinctEvents(t *testing.T) {
	e := newAdvertisedEntity(model.EntityID(1))
	bus := observer.New()
	var got []observer.Event
	bus.Subscribe(observer.SinkFunc(func(ev observer.Event) { got = append(got, ev) }))
	d := New(graphResolver{store.New()}, bus, nil)

	d.Apply(e, protocol.Notification{Kind: protocol.NotifyIdentifyStarted})
	d.Apply(e, protocol.Notification{Kind: protocol.NotifyIdentifyStopped})

	if assert.Len(t, got, 2) {
		assert.Equal(t, observer.EventIdentificationStarted, got[0].Kind)
		assert.Equal(t, observer.EventIdentificationStopped, got[1].Kind)
	}
}

func TestStreamInfoOverLatencyDiagnosticRaisesAndClears(t *testing.T) {
	s := store.New()
	talker := newAdvertisedEntity(model.EntityID(1))
	listener := newAdvertisedEntity(model.EntityID(2))
	_ = s.Insert(talker)
	_ = s.Insert(listener)

	bus := observer.New()
	var got []observer.Event
	bus.Subscribe(observer.SinkFunc(func(ev observer.Event) { got = append(got, ev) }))
	d := New(graphResolver{s}, bus, nil)

	talkerID := model.StreamIdentification{EntityID: model.EntityID(1), StreamIndex: 0}
	listenerID := model.StreamIdentification{EntityID: model.EntityID(2), StreamIndex: 0}
	d.Apply(listener, protocol.Notification{Kind: protocol.NotifyACMPConnect, Talker: talkerID, Listener: listenerID})

	talkerPath := model.DescriptorPath{Type: model.DescriptorStreamOutput, Index: 0}
	talkerPayload := append([]byte{0, 0, 0, 0}, u32bytes(1000)...) // presentationTimeOffset=1000ns
	d.Apply(talker, protocol.Notification{Kind: protocol.NotifyStreamInfo, Path: talkerPath, Payload: talkerPayload})

	listenerPath := model.DescriptorPath{Type: model.DescriptorStreamInput, Index: 0}
	overPayload := append([]byte{0, 0, 0, 0}, u32bytes(5000)...) // msrpAccumulatedLatency=5000ns
	d.Apply(listener, protocol.Notification{Kind: protocol.NotifyStreamInfo, Path: listenerPath, Payload: overPayload, Talker: talkerID})

	_, over := listener.Diagnostics().StreamInputOverLatency[0]
	assert.True(t, over)
	raisedCount := 0
	for _, ev := range got {
		if ev.Kind == observer.EventDiagnosticsChanged {
			raisedCount++
		}
	}
	assert.Equal(t, 1, raisedCount)

	underPayload := append([]byte{0, 0, 0, 0}, u32bytes(100)...) // now under the offset
	d.Apply(listener, protocol.Notification{Kind: protocol.NotifyStreamInfo, Path: listenerPath, Payload: underPayload, Talker: talkerID})

	_, stillOver := listener.Diagnostics().StreamInputOverLatency[0]
	assert.False(t, stillOver)
	clearedCount := 0
	for _, ev := range got {
		if ev.Kind == observer.EventDiagnosticsChanged {
			clearedCount++
		}
	}
	assert.Equal(t, 2, clearedCount)
}

func u32bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// graphResolver adapts *store.Store to dispatch.Resolver, mirroring the
// adapter controller wiring uses (kept local to the test to avoid an
// import cycle with internal/graph's own StoreResolver).
type graphResolver struct {
	s *store.Store
}

func (r graphResolver) Find(id model.EntityID) (*model.ControlledEntity, bool) {
	g, err := r.s.Find(id)
	if err != nil {
		return nil, false
	}
	return g.Entity(), true
}
