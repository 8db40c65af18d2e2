package enum

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
)

func noopAppliers() (StaticModelApplier, DynamicInfoApplier) {
	return func(*model.ControlledEntity, model.DescriptorPath, []byte) {},
		func(*model.ControlledEntity, model.DescriptorPath, []byte) {}
}

func TestStartEnumerationAdvancesThroughAllPhasesOnSuccess(t *testing.T) {
	fake := protocol.NewFake()
	bus := observer.New()
	var events []observer.Event
	bus.Subscribe(observer.SinkFunc(func(ev observer.Event) { events = append(events, ev) }))

	applyStatic, applyDynamic := noopAppliers()
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)

	e := model.New(model.EntityID(1), false)
	eng.StartEnumeration(context.Background(), e)

	assert.True(t, e.Advertised())
	assert.False(t, e.FatalError())
	if assert.NotEmpty(t, events) {
		assert.Equal(t, observer.EventEntityAdvertised, events[len(events)-1].Kind)
	}
}

func TestStartEnumerationAppliesMilanFlagWhenDeclared(t *testing.T) {
	fake := protocol.NewFake()
	fake.MilanInfoFn = func(model.EntityID) (protocol.MVUStatus, model.MilanInfo) {
		return protocol.MVUSuccess, model.MilanInfo{Present: true, VersionMajor: 1, VersionMinor: 2}
	}
	bus := observer.New()
	applyStatic, applyDynamic := noopAppliers()
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)

	e := model.New(model.EntityID(1), false)
	eng.StartEnumeration(context.Background(), e)

	assert.True(t, e.Advertised())
	flags, version := e.CompatibilityFlags()
	assert.True(t, flags.Has(model.CompatMilan))
	assert.Equal(t, model.MilanVersion{Major: 1, Minor: 2}, version)
}

func TestStartEnumerationTreatsMilanNotImplementedAsNonFatal(t *testing.T) {
	fake := protocol.NewFake() // default MilanInfoFn returns MVUNotImplemented
	bus := observer.New()
	applyStatic, applyDynamic := noopAppliers()
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)

	e := model.New(model.EntityID(1), false)
	eng.StartEnumeration(context.Background(), e)

	assert.True(t, e.Advertised())
	assert.False(t, e.FatalError())
	flags, _ := e.CompatibilityFlags()
	assert.False(t, flags.Has(model.CompatMilan))
}

func TestPackedDynamicInfoUnsupportedSkipsFastPathGracefully(t *testing.T) {
	fake := protocol.NewFake()
	fake.DynamicInfoProbeFn = func(model.EntityID) protocol.AECPStatus {
		return protocol.AECPNotImplemented
	}
	packedCalled := false
	fake.PackedDynamicInfoFn = func(model.EntityID, protocol.PackedBatch) (protocol.AECPStatus, protocol.PackedBatchResult) {
		packedCalled = true
		return protocol.AECPSuccess, protocol.PackedBatchResult{}
	}
	bus := observer.New()
	applyStatic, applyDynamic := noopAppliers()
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)

	e := model.New(model.EntityID(1), false)
	eng.StartEnumeration(context.Background(), e)

	assert.True(t, e.Advertised())
	assert.False(t, packedCalled)
	assert.False(t, e.Enumeration().PackedDynamicInfoSupported)
}

func TestRetriableFailureSchedulesRetryAndSucceedsAfterTick(t *testing.T) {
	fake := protocol.NewFake()
	attempts := 0
	fake.MilanInfoFn = func(model.EntityID) (protocol.MVUStatus, model.MilanInfo) {
		attempts++
		if attempts < 2 {
			return protocol.MVUTimedOut, model.MilanInfo{}
		}
		return protocol.MVUNotImplemented, model.MilanInfo{}
	}
	bus := observer.New()
	applyStatic, applyDynamic := noopAppliers()
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)

	e := model.New(model.EntityID(1), false)
	eng.StartEnumeration(context.Background(), e)

	assert.False(t, e.Advertised())
	assert.Equal(t, 1, eng.delays.Len())

	eng.Tick(time.Now().Add(5 * time.Second))

	assert.True(t, e.Advertised())
	assert.Equal(t, 2, attempts)
}

func TestBudgetExhaustionSetsFatalError(t *testing.T) {
	fake := protocol.NewFake()
	fake.MilanInfoFn = func(model.EntityID) (protocol.MVUStatus, model.MilanInfo) {
		return protocol.MVUTimedOut, model.MilanInfo{}
	}
	bus := observer.New()
	var events []observer.Event
	bus.Subscribe(observer.SinkFunc(func(ev observer.Event) { events = append(events, ev) }))
	applyStatic, applyDynamic := noopAppliers()
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)

	e := model.New(model.EntityID(1), false)
	eng.StartEnumeration(context.Background(), e)

	// Drain retries well past the QueryClassMilanInfo budget (3).
	for i := 0; i < 6 && !e.FatalError(); i++ {
		eng.Tick(time.Now().Add(time.Duration(i+1) * 10 * time.Second))
	}

	assert.True(t, e.FatalError())
	assert.False(t, e.Advertised())
	found := false
	for _, ev := range events {
		if ev.Kind == observer.EventEnumerationFatalError {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStaticModelFetchAppliesDescriptorsAndDescendsToDynamicInfo(t *testing.T) {
	fake := protocol.NewFake()
	var staticPaths []model.DescriptorPath
	fake.ReadDescriptorFn = func(target model.EntityID, path model.DescriptorPath) (protocol.AECPStatus, []byte) {
		return protocol.AECPSuccess, nil
	}
	bus := observer.New()
	applyStatic := func(e *model.ControlledEntity, path model.DescriptorPath, payload []byte) {
		staticPaths = append(staticPaths, path)
		if path.Type == model.DescriptorConfiguration {
			e.WithStaticModel(func(sm *model.StaticModel) {
				sm.Configurations = []model.ConfigurationDescriptor{{
					Index:            0,
					IsActive:         true,
					DescriptorCounts: map[model.DescriptorType]uint16{model.DescriptorStreamInput: 1},
				}}
			})
		}
	}
	_, applyDynamic := noopAppliers()
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)

	e := model.New(model.EntityID(1), false)
	eng.StartEnumeration(context.Background(), e)

	assert.True(t, e.Advertised())
	assert.True(t, len(staticPaths) >= 2)
}

func TestEntityModelCacheSkipsBreadthFirstFetchOnSecondEntity(t *testing.T) {
	fake := protocol.NewFake()
	readCounts := make(map[model.EntityID]int)
	fake.ReadDescriptorFn = func(target model.EntityID, path model.DescriptorPath) (protocol.AECPStatus, []byte) {
		readCounts[target]++
		return protocol.AECPSuccess, nil
	}
	bus := observer.New()
	var events []observer.Event
	bus.Subscribe(observer.SinkFunc(func(ev observer.Event) { events = append(events, ev) }))

	applyStatic := func(e *model.ControlledEntity, path model.DescriptorPath, payload []byte) {
		if path.Type == model.DescriptorConfiguration {
			e.WithStaticModel(func(sm *model.StaticModel) {
				sm.Configurations = []model.ConfigurationDescriptor{{
					Index:            0,
					IsActive:         true,
					DescriptorCounts: map[model.DescriptorType]uint16{model.DescriptorStreamInput: 3},
				}}
			})
		}
	}
	applyDynamic := func(*model.ControlledEntity, model.DescriptorPath, []byte) {}
	eng := NewEngine(fake, bus, applyStatic, applyDynamic)
	eng.SetEntityModelCacheEnabled(true)

	const sharedModelID = model.EntityID(0xAABBCCDD)

	e1 := model.New(model.EntityID(1), false)
	e1.SetCapabilities(model.Capabilities{EntityModelID: sharedModelID})
	eng.StartEnumeration(context.Background(), e1)
	assert.True(t, e1.Advertised())
	assert.False(t, e1.Enumeration().UsedCachedModel)
	// Configuration descriptor plus the 3 StreamInputs, read exactly once
	// each via the breadth-first fetch; phase 6 is a no-op for e1 since its
	// static model did not come from the cache.
	assert.Equal(t, 4, readCounts[e1.ID()])

	hasModelEnumerated := false
	for _, ev := range events {
		if ev.Kind == observer.EventEntityModelEnumerated && ev.EntityID == e1.ID() {
			hasModelEnumerated = true
		}
	}
	assert.True(t, hasModelEnumerated)

	e2 := model.New(model.EntityID(2), false)
	e2.SetCapabilities(model.Capabilities{EntityModelID: sharedModelID})
	eng.StartEnumeration(context.Background(), e2)

	assert.True(t, e2.Advertised())
	assert.True(t, e2.Enumeration().UsedCachedModel)
	// e2 re-reads the Configuration descriptor (1) and then the 3
	// StreamInputs' dynamic info in phase 6 (3), but never re-runs the
	// breadth-first static fetch: 4 total, the same as e1, not 7 -- the
	// bug this cache fast path fixes would have done both unconditionally.
	assert.Equal(t, 4, readCounts[e2.ID()])
	assert.Equal(t, uint16(3), e2.StaticModel().CurrentConfiguration().DescriptorCounts[model.DescriptorStreamInput])
}
