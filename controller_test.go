package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
)

// appliersWithOneStreamInput returns an AppliersOption whose StaticModelApplier
// installs a single-configuration model (one StreamInput descriptor) as soon
// as the Configuration descriptor itself is read, matching the shape
// engine_test.go uses to drive phases 4/7 past their "nothing to fetch"
// short-circuit.
func appliersWithOneStreamInput() AppliersOption {
	return AppliersOption{
		Static: func(e *model.ControlledEntity, path model.DescriptorPath, payload []byte) {
			if path.Type == model.DescriptorConfiguration {
				e.WithStaticModel(func(sm *model.StaticModel) {
					sm.Configurations = []model.ConfigurationDescriptor{{
						Index:            0,
						IsActive:         true,
						DescriptorCounts: map[model.DescriptorType]uint16{model.DescriptorStreamInput: 1},
						StreamInputs:     []model.StreamDescriptor{{Index: 0}},
					}}
				})
			}
		},
		Dynamic: func(*model.ControlledEntity, model.DescriptorPath, []byte) {},
	}
}

func TestHappyPathMilanEntityAdvertises(t *testing.T) {
	fake := protocol.NewFake()
	fake.MilanInfoFn = func(model.EntityID) (protocol.MVUStatus, model.MilanInfo) {
		return protocol.MVUSuccess, model.MilanInfo{Present: true, VersionMajor: 1, VersionMinor: 3}
	}
	fake.ReadDescriptorFn = func(model.EntityID, model.DescriptorPath) (protocol.AECPStatus, []byte) {
		return protocol.AECPSuccess, nil
	}

	c := CreateController(fake, appliersWithOneStreamInput())

	var events []observer.Event
	c.Subscribe(observer.SinkFunc(func(ev observer.Event) { events = append(events, ev) }))

	entityID := model.EntityID(0x001122FFFE334455)
	fake.InjectOnline(protocol.ADPInfo{EntityID: entityID})

	e, err := c.Entity(entityID)
	require.NoError(t, err)
	assert.True(t, e.Advertised())
	assert.False(t, e.FatalError())

	flags, version := e.CompatibilityFlags()
	assert.True(t, flags.Has(model.CompatMilan))
	assert.Equal(t, model.MilanVersion{Major: 1, Minor: 3}, version)

	var sawOnline, sawAdvertised bool
	for _, ev := range events {
		if ev.Kind == observer.EventEntityOnline {
			sawOnline = true
		}
		if ev.Kind == observer.EventEntityAdvertised {
			sawAdvertised = true
			// invariant 1: onEntityOnline precedes every other event
			// referencing e, including EventEntityAdvertised itself.
			assert.True(t, sawOnline, "EventEntityOnline must precede EventEntityAdvertised")
		}
	}
	assert.True(t, sawOnline)
	assert.True(t, sawAdvertised)
}

func TestListenerConnectsToAdvertisedTalkerReciprocates(t *testing.T) {
	fake := protocol.NewFake()
	c := CreateController(fake, AppliersOption{})

	talkerID := model.EntityID(1)
	listenerID := model.EntityID(2)
	fake.InjectOnline(protocol.ADPInfo{EntityID: talkerID})
	fake.InjectOnline(protocol.ADPInfo{EntityID: listenerID})

	talker, err := c.Entity(talkerID)
	require.NoError(t, err)
	listener, err := c.Entity(listenerID)
	require.NoError(t, err)
	assert.True(t, talker.Advertised())
	assert.True(t, listener.Advertised())

	talkerStream := model.StreamIdentification{EntityID: talkerID, StreamIndex: 0}
	listenerStream := model.StreamIdentification{EntityID: listenerID, StreamIndex: 0}

	fake.InjectNotification(protocol.Notification{
		Target:   listenerID,
		Kind:     protocol.NotifyACMPConnect,
		Talker:   talkerStream,
		Listener: listenerStream,
	})

	dyn := listener.Dynamic()
	info, ok := dyn.StreamInputInfo[0]
	require.True(t, ok, "listener's StreamInputInfo must record the connection")
	assert.Equal(t, talkerID, info.Talker.EntityID)

	talkerDyn := talker.Dynamic()
	conns, ok := talkerDyn.StreamOutputConns[0]
	require.True(t, ok, "talker's StreamOutputConns must reciprocate the listener")
	_, listed := conns[listenerStream]
	assert.True(t, listed)
}

func TestMisbehavingConfigurationDescriptorPreventsAdvertisement(t *testing.T) {
	fake := protocol.NewFake()
	fake.ReadDescriptorFn = func(target model.EntityID, path model.DescriptorPath) (protocol.AECPStatus, []byte) {
		if path.Type == model.DescriptorConfiguration {
			return protocol.AECPEntityMisbehaving, nil
		}
		return protocol.AECPSuccess, nil
	}

	c := CreateController(fake, AppliersOption{})

	entityID := model.EntityID(1)
	fake.InjectOnline(protocol.ADPInfo{EntityID: entityID})

	e, err := c.Entity(entityID)
	require.NoError(t, err)
	assert.False(t, e.Advertised())
	assert.True(t, e.FatalError())

	flags, version := e.CompatibilityFlags()
	assert.True(t, flags.Has(model.CompatMisbehaving))
	assert.False(t, flags.Has(model.CompatIEEE17221))
	assert.True(t, version.IsZero())
}

func TestPackedDynamicInfoFatalFailureFallsBackAndStillAdvertises(t *testing.T) {
	fake := protocol.NewFake()
	fake.ReadDescriptorFn = func(model.EntityID, model.DescriptorPath) (protocol.AECPStatus, []byte) {
		return protocol.AECPSuccess, nil
	}
	fake.DynamicInfoProbeFn = func(model.EntityID) protocol.AECPStatus {
		return protocol.AECPSuccess
	}
	packedCalls := 0
	fake.PackedDynamicInfoFn = func(model.EntityID, protocol.PackedBatch) (protocol.AECPStatus, protocol.PackedBatchResult) {
		packedCalls++
		return protocol.AECPEntityMisbehaving, protocol.PackedBatchResult{}
	}

	c := CreateController(fake, appliersWithOneStreamInput())

	entityID := model.EntityID(1)
	fake.InjectOnline(protocol.ADPInfo{EntityID: entityID})

	e, err := c.Entity(entityID)
	require.NoError(t, err)
	assert.True(t, e.Advertised())
	assert.False(t, e.FatalError())
	assert.Equal(t, 1, packedCalls)
	assert.False(t, e.Enumeration().PackedDynamicInfoSupported)

	flags, _ := e.CompatibilityFlags()
	assert.True(t, flags.Has(model.CompatMisbehaving))
}

func TestOfflineEntityReconcilesListenerReferences(t *testing.T) {
	fake := protocol.NewFake()
	c := CreateController(fake, AppliersOption{})

	talkerID := model.EntityID(1)
	listenerID := model.EntityID(2)
	fake.InjectOnline(protocol.ADPInfo{EntityID: talkerID})
	fake.InjectOnline(protocol.ADPInfo{EntityID: listenerID})

	listener, err := c.Entity(listenerID)
	require.NoError(t, err)
	listener.WithDynamic(func(dyn *model.DynamicState) {
		dyn.StreamInputInfo[0] = model.StreamInputConnectionInfo{
			State:  model.Connected,
			Talker: model.StreamIdentification{EntityID: talkerID, StreamIndex: 0},
		}
	})

	var events []observer.Event
	c.Subscribe(observer.SinkFunc(func(ev observer.Event) { events = append(events, ev) }))

	fake.InjectOffline(talkerID)

	_, err = c.Entity(talkerID)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, stillConnected := listener.Dynamic().StreamInputInfo[0]
	assert.False(t, stillConnected)

	found := false
	for _, ev := range events {
		if ev.Kind == observer.EventStreamInputConnectionChanged && ev.EntityID == listenerID {
			found = true
		}
	}
	assert.True(t, found)
}
