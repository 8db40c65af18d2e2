package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/store"
)

func newResolvedEntity(id model.EntityID) *model.ControlledEntity {
	return model.New(id, false)
}

func TestComputeMediaClockChainTerminatesAtInternalSource(t *testing.T) {
	s := store.New()
	e := newResolvedEntity(model.EntityID(1))
	e.WithStaticModel(func(sm *model.StaticModel) {
		domain := model.ClockDomainDescriptor{
			Index:        0,
			ClockSources: []model.ClockSourceDescriptor{{Index: 0, Kind: model.ClockSourceInternal}},
		}
		domain.SetCurrentClockSourceIndex(0)
		sm.Configurations = []model.ConfigurationDescriptor{
			{Index: 0, IsActive: true, ClockDomains: []model.ClockDomainDescriptor{domain}},
		}
		sm.SetCurrentConfigurationIndex(0)
	})
	_ = s.Insert(e)

	chain := ComputeMediaClockChain(StoreResolver{Store: s}, model.EntityID(1), 0, 8)
	assert.False(t, chain.Cyclic)
	if assert.NotNil(t, chain.Terminal) {
		assert.Equal(t, model.ClockSourceInternal, chain.Terminal.Kind)
	}
}

func TestComputeMediaClockChainDetectsCycle(t *testing.T) {
	s := store.New()
	e := newResolvedEntity(model.EntityID(1))
	e.WithStaticModel(func(sm *model.StaticModel) {
		domain := model.ClockDomainDescriptor{
			Index:        0,
			ClockSources: []model.ClockSourceDescriptor{{Index: 0, Kind: model.ClockSourceInputStream, InputStream: 0}},
		}
		domain.SetCurrentClockSourceIndex(0)
		sm.Configurations = []model.ConfigurationDescriptor{
			{
				Index:         0,
				IsActive:      true,
				ClockDomains:  []model.ClockDomainDescriptor{domain},
				StreamOutputs: []model.StreamDescriptor{{Index: 0, ClockDomainIdx: 0}},
			},
		}
		sm.SetCurrentConfigurationIndex(0)
	})
	e.WithDynamic(func(d *model.DynamicState) {
		d.StreamInputInfo[0] = model.StreamInputConnectionInfo{
			State:  model.Connected,
			Talker: model.StreamIdentification{EntityID: model.EntityID(1), StreamIndex: 0},
		}
	})
	_ = s.Insert(e)

	chain := ComputeMediaClockChain(StoreResolver{Store: s}, model.EntityID(1), 0, 8)
	assert.True(t, chain.Cyclic)
}

func TestComputeChannelConnectionsJoinsAudioMappings(t *testing.T) {
	s := store.New()
	talker := newResolvedEntity(model.EntityID(1))
	talker.WithStaticModel(func(sm *model.StaticModel) {
		sm.Configurations = []model.ConfigurationDescriptor{
			{
				Index: 0,
				AudioUnits: []model.AudioUnitDescriptor{{
					Index: 0,
					StreamPortInputs: []model.StreamPortDescriptor{{
						Index:      0,
						ClusterMap: []model.AudioMapping{{ClusterChannel: 0, StreamIndex: 5, StreamChannel: 0}},
					}},
				}},
			},
		}
		sm.SetCurrentConfigurationIndex(0)
	})
	_ = s.Insert(talker)

	listener := newResolvedEntity(model.EntityID(2))
	listener.WithStaticModel(func(sm *model.StaticModel) {
		sm.Configurations = []model.ConfigurationDescriptor{
			{
				Index: 0,
				AudioUnits: []model.AudioUnitDescriptor{{
					Index: 0,
					StreamPortInputs: []model.StreamPortDescriptor{{
						Index:      0,
						ClusterMap: []model.AudioMapping{{ClusterChannel: 3, StreamIndex: 7, StreamChannel: 0}},
					}},
				}},
			},
		}
		sm.SetCurrentConfigurationIndex(0)
	})
	listener.WithDynamic(func(d *model.DynamicState) {
		d.StreamInputInfo[7] = model.StreamInputConnectionInfo{
			State:  model.Connected,
			Talker: model.StreamIdentification{EntityID: model.EntityID(1), StreamIndex: 5},
		}
	})
	_ = s.Insert(listener)

	conns := ComputeChannelConnections(StoreResolver{Store: s}, model.EntityID(2), 7)
	if assert.Len(t, conns, 1) {
		assert.Equal(t, uint16(0), conns[0].TalkerChannel)
		assert.Equal(t, uint16(3), conns[0].ListenerChannel)
	}
}
