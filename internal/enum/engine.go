// Package enum implements the Enumeration Engine of §4.C: it drives each
// freshly discovered entity through the fixed ordered phase sequence
// (model.OrderedPhases), retrying failed queries against internal/retry's
// budget and backing off via internal/enum's own delay queue, and marks the
// entity advertised on success. The phase driver is an *fsm.FSM per entity,
// the same construction the teacher uses for OltDevice.InternalState, with
// one linear "advance" transition instead of the teacher's branching
// enable/disable/delete events.
package enum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/compat"
	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
	"github.com/avcontroller/avcontroller-go/internal/retry"
)

var enumLogger = logrus.WithFields(logrus.Fields{"module": "enum"})

const eventAdvance = "advance"

// StaticModelApplier decodes one ReadDescriptor payload into e's static
// model. Wire decoding is owned by the embedding application (§1's "AEM
// descriptor parsing is out of scope"); the Engine only sequences the
// fetches and hands payloads to this hook.
type StaticModelApplier func(e *model.ControlledEntity, path model.DescriptorPath, payload []byte)

// DynamicInfoApplier decodes one descriptor-scoped dynamic-info payload,
// fetched by GetDescriptorDynamicInfo (phase 6), into e's dynamic state.
type DynamicInfoApplier func(e *model.ControlledEntity, path model.DescriptorPath, payload []byte)

// cachedStaticModel is one entry in Engine's EntityModelID-keyed static
// model cache (§4.C phase 4/6 decision): the tree fetched the first time
// this EntityModelID was seen, plus the descriptor-count checksum it was
// validated against.
type cachedStaticModel struct {
	model    *model.StaticModel
	checksum uint32
}

// Engine drives every known entity's enumeration phase sequence on the
// single networking-executor goroutine (§5): all of Engine's exported
// methods, and every callback it hands to the Protocol Interface, are only
// ever called from that one goroutine.
type Engine struct {
	proto        protocol.Interface
	bus          *observer.Bus
	applyStatic  StaticModelApplier
	applyDynamic DynamicInfoApplier

	mu       sync.Mutex
	machines map[model.EntityID]*fsm.FSM
	retries  map[model.EntityID]*retry.Controller
	pending  map[model.EntityID]int // outstanding fetch count for phase 4/6 fan-out

	cacheEnabled bool
	modelCache   map[model.EntityID]cachedStaticModel // keyed by Capabilities.EntityModelID

	delays *delayQueue

	// onPreAdvertise/onPostAdvertise implement §4.C's "Engine calls the
	// Dispatcher's onPreAdvertise hook ... sets advertised=true, emits
	// onEntityOnline, then calls onPostAdvertise". Both default to
	// no-ops so Engine can be used standalone (as engine_test.go does)
	// without a Controller wired in.
	onPreAdvertise  func(e *model.ControlledEntity)
	onPostAdvertise func(e *model.ControlledEntity)
}

// NewEngine returns an Engine issuing commands through proto and publishing
// advertise/fatal-error events on bus.
func NewEngine(proto protocol.Interface, bus *observer.Bus, applyStatic StaticModelApplier, applyDynamic DynamicInfoApplier) *Engine {
	return &Engine{
		proto:           proto,
		bus:             bus,
		applyStatic:     applyStatic,
		applyDynamic:    applyDynamic,
		machines:        make(map[model.EntityID]*fsm.FSM),
		retries:         make(map[model.EntityID]*retry.Controller),
		pending:         make(map[model.EntityID]int),
		modelCache:      make(map[model.EntityID]cachedStaticModel),
		delays:          newDelayQueue(),
		onPreAdvertise:  func(*model.ControlledEntity) {},
		onPostAdvertise: func(*model.ControlledEntity) {},
	}
}

// SetPreAdvertiseHook installs the callback run just before an entity is
// marked advertised, while the entity is still invisible to observers. The
// Controller wires this to run the compat validations and flag the entity
// Misbehaving when they report issues; it does not reconcile the entity
// against the rest of the fleet.
func (eng *Engine) SetPreAdvertiseHook(fn func(e *model.ControlledEntity)) {
	if fn == nil {
		fn = func(*model.ControlledEntity) {}
	}
	eng.onPreAdvertise = fn
}

// SetPostAdvertiseHook installs the callback run just after an entity is
// marked advertised and EventEntityAdvertised has been published -- e.g.
// raising EventDiagnosticsChanged/identify-started if the entity is
// already identifying when enumeration completes.
func (eng *Engine) SetPostAdvertiseHook(fn func(e *model.ControlledEntity)) {
	if fn == nil {
		fn = func(*model.ControlledEntity) {}
	}
	eng.onPostAdvertise = fn
}

// SetEntityModelCacheEnabled toggles the phase 4/6 cache fast path (§4.C).
// Disabled by default; the Controller wires this to its own configuration
// flag of the same name.
func (eng *Engine) SetEntityModelCacheEnabled(v bool) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	eng.cacheEnabled = v
}

// lookupCachedModel reports whether a previously fetched static model can
// be reused for e, per §4.C's phase 4/6 decision: caching must be enabled,
// e must not have opted out via IgnoreCachedModel, a tree must already be
// cached for e's declared EntityModelID, and its checksum must agree with
// the Configuration descriptor e just received. On a hit the returned tree
// is an independent Clone, safe for e to own outright.
func (eng *Engine) lookupCachedModel(e *model.ControlledEntity) (*model.StaticModel, bool) {
	eng.mu.Lock()
	enabled := eng.cacheEnabled
	eng.mu.Unlock()
	if !enabled || e.Enumeration().IgnoreCachedModel {
		return nil, false
	}

	modelID := e.Capabilities().EntityModelID
	if modelID.IsNull() {
		return nil, false
	}

	eng.mu.Lock()
	entry, ok := eng.modelCache[modelID]
	eng.mu.Unlock()
	if !ok {
		return nil, false
	}

	if entry.checksum != e.ModelChecksum() {
		enumLogger.WithFields(logrus.Fields{"entityID": e.ID(), "entityModelID": modelID}).Debug("cached static model checksum mismatch, discarding cache entry")
		return nil, false
	}
	return entry.model.Clone(), true
}

// storeCachedModel records e's freshly fetched static model for reuse by
// any other entity later discovered with the same EntityModelID.
func (eng *Engine) storeCachedModel(e *model.ControlledEntity) {
	modelID := e.Capabilities().EntityModelID
	if modelID.IsNull() {
		return
	}
	entry := cachedStaticModel{model: e.StaticModel().Clone(), checksum: e.ModelChecksum()}
	eng.mu.Lock()
	eng.modelCache[modelID] = entry
	eng.mu.Unlock()
}

// Tick drains any retries whose backoff has elapsed. The Controller calls
// this periodically (a ticker selected alongside the protocol callback
// channel), matching the teacher's single select-loop executor.
func (eng *Engine) Tick(now time.Time) {
	eng.delays.Drain(now)
}

func phaseFSM(e *model.ControlledEntity, onEnter func(p model.Phase)) *fsm.FSM {
	phases := model.OrderedPhases()
	events := make(fsm.Events, 0, len(phases)-1)
	for i := 0; i < len(phases)-1; i++ {
		events = append(events, fsm.EventDesc{
			Name: eventAdvance,
			Src:  []string{phases[i].String()},
			Dst:  phases[i+1].String(),
		})
	}
	callbacks := fsm.Callbacks{
		"enter_state": func(ev *fsm.Event) {
			enumLogger.WithFields(logrus.Fields{"entityID": e.ID(), "from": ev.Src, "to": ev.Dst}).Debug("enumeration phase advanced")
		},
	}
	for _, p := range phases {
		phase := p
		callbacks[fmt.Sprintf("enter_%s", phase.String())] = func(_ *fsm.Event) {
			onEnter(phase)
		}
	}
	return fsm.NewFSM(phases[0].String(), events, callbacks)
}

// StartEnumeration begins driving e through the phase sequence. Safe to
// call once per entity per discovery.
func (eng *Engine) StartEnumeration(ctx context.Context, e *model.ControlledEntity) {
	eng.mu.Lock()
	eng.retries[e.ID()] = retry.NewController()
	machine := phaseFSM(e, func(p model.Phase) { eng.runPhase(ctx, e, p) })
	eng.machines[e.ID()] = machine
	eng.mu.Unlock()

	eng.runPhase(ctx, e, model.PhaseGetMilanInfo)
}

func (eng *Engine) advance(ctx context.Context, e *model.ControlledEntity) {
	eng.mu.Lock()
	machine := eng.machines[e.ID()]
	eng.mu.Unlock()
	if machine == nil {
		return
	}
	if machine.Current() == model.PhaseAdvertised.String() {
		return
	}
	if err := machine.Event(eventAdvance); err != nil {
		enumLogger.WithFields(logrus.Fields{"entityID": e.ID(), "err": err}).Error("enumeration phase transition failed")
		return
	}
	if machine.Current() == model.PhaseAdvertised.String() {
		eng.finish(e)
	}
}

// resetClass clears both the entity's attempt counter and the per-class
// backoff state, called whenever a query class finally succeeds.
func (eng *Engine) resetClass(e *model.ControlledEntity, class model.QueryClass) {
	e.ResetRetry(class)
	eng.mu.Lock()
	rc := eng.retries[e.ID()]
	eng.mu.Unlock()
	if rc != nil {
		rc.ResetClass(class)
	}
}

func (eng *Engine) finish(e *model.ControlledEntity) {
	eng.onPreAdvertise(e)
	e.SetAdvertised()
	// EventEntityOnline is the spec's named advertise signal (invariant 1:
	// "onEntityOnline(e) precedes every other event referencing e").
	// EventEntityAdvertised follows as the same transition's internal detail
	// event so existing subscribers keyed on it keep working.
	eng.bus.Publish(observer.Event{Kind: observer.EventEntityOnline, EntityID: e.ID()})
	eng.bus.Publish(observer.Event{Kind: observer.EventEntityAdvertised, EntityID: e.ID()})
	enumLogger.WithFields(logrus.Fields{"entityID": e.ID()}).Info("entity advertised")
	eng.onPostAdvertise(e)
}

func (eng *Engine) fail(e *model.ControlledEntity, class model.QueryClass, action retry.FailureAction) {
	attempt := e.IncrementRetry(class)
	eng.mu.Lock()
	rc := eng.retries[e.ID()]
	eng.mu.Unlock()
	if rc == nil {
		return
	}
	decision := rc.Evaluate(e.ID(), class, action, attempt)
	if decision.ShouldRetry {
		eng.delays.Schedule(decision.DelayUntil, func() {
			eng.retryCurrentPhase(e)
		})
		return
	}
	e.SetFatalError()
	eng.bus.Publish(observer.Event{Kind: observer.EventEnumerationFatalError, EntityID: e.ID(), Detail: action})
	enumLogger.WithFields(logrus.Fields{"entityID": e.ID(), "class": class, "action": action, "budgetExceeded": decision.BudgetExceeded}).Warn("enumeration aborted")
}

// retryCurrentPhase re-issues the query for whatever phase the entity's FSM
// is currently in, without re-entering the FSM (re-issuing does not count
// as a state transition).
func (eng *Engine) retryCurrentPhase(e *model.ControlledEntity) {
	eng.mu.Lock()
	machine := eng.machines[e.ID()]
	eng.mu.Unlock()
	if machine == nil || e.FatalError() {
		return
	}
	for _, p := range model.OrderedPhases() {
		if p.String() == machine.Current() {
			eng.runPhase(context.Background(), e, p)
			return
		}
	}
}

func (eng *Engine) runPhase(ctx context.Context, e *model.ControlledEntity, phase model.Phase) {
	switch phase {
	case model.PhaseGetMilanInfo:
		eng.proto.GetMilanInfo(ctx, e.ID(), func(status protocol.MVUStatus, info model.MilanInfo) {
			// MVUNotImplemented just means a non-Milan entity; that is not a
			// failure, the entity simply advertises without Milan flags.
			if status != protocol.MVUSuccess && status != protocol.MVUNotImplemented {
				action := retry.ClassifyMVU(status)
				if action.IsRetriable() {
					eng.fail(e, model.QueryClassMilanInfo, action)
					return
				}
				eng.resetClass(e, model.QueryClassMilanInfo)
				eng.advance(ctx, e)
				return
			}
			eng.resetClass(e, model.QueryClassMilanInfo)
			if status == protocol.MVUSuccess {
				e.SetMilanInfo(info)
				if info.Present {
					version := model.MilanVersion{Major: info.VersionMajor, Minor: info.VersionMinor}
					compat.Apply(e, model.CompatMilan, 0, &version, "4.C-phase1", "Milan declared via GET_MILAN_INFO", nil)
				}
			}
			eng.advance(ctx, e)
		})

	case model.PhaseCheckPackedDynamicInfoSupported:
		eng.proto.GetDynamicInfoProbe(ctx, e.ID(), func(status protocol.AECPStatus) {
			action := retry.ClassifyAECP(status)
			supported := status == protocol.AECPSuccess
			if status != protocol.AECPSuccess && status != protocol.AECPNotImplemented && status != protocol.AECPNotSupported {
				eng.fail(e, model.QueryClassCheckPackedDynamicInfo, action)
				return
			}
			eng.resetClass(e, model.QueryClassCheckPackedDynamicInfo)
			e.MutateEnumeration(func(s *model.EnumerationState) { s.PackedDynamicInfoSupported = supported })
			eng.advance(ctx, e)
		})

	case model.PhaseRegisterUnsolicited:
		eng.proto.RegisterUnsolicited(ctx, e.ID(), func(status protocol.AECPStatus) {
			action := retry.ClassifyAECP(status)
			if action.IsRetriable() {
				eng.fail(e, model.QueryClassRegisterUnsol, action)
				return
			}
			eng.resetClass(e, model.QueryClassRegisterUnsol)
			e.MutateEnumeration(func(s *model.EnumerationState) { s.UnsolicitedSupported = status == protocol.AECPSuccess })
			eng.advance(ctx, e)
		})

	case model.PhaseGetStaticModel:
		eng.fetchConfigurationDescriptor(ctx, e)

	case model.PhaseGetDescriptorDynamicInfo:
		// §4.C: phases 4 and 6 are alternatives, never both -- this phase
		// only has work to do when phase 4 took the cache fast path and
		// skipped the breadth-first fetch that would otherwise have
		// already populated every descriptor's dynamic fields inline.
		if e.Enumeration().UsedCachedModel {
			eng.fetchDescriptorDynamicInfo(ctx, e)
			return
		}
		eng.advance(ctx, e)

	case model.PhaseGetDynamicInfo:
		eng.fetchPackedDynamicInfo(ctx, e)

	case model.PhaseAdvertised:
		// terminal state; nothing to fetch.
	}
}

func (eng *Engine) fetchConfigurationDescriptor(ctx context.Context, e *model.ControlledEntity) {
	sm := e.StaticModel()
	configIdx := model.DescriptorIndex(0)
	if cfg := sm.CurrentConfiguration(); cfg != nil {
		configIdx = cfg.Index
	}
	path := model.DescriptorPath{ConfigurationIndex: configIdx, Type: model.DescriptorConfiguration, Index: configIdx}
	eng.proto.ReadDescriptor(ctx, e.ID(), path, func(status protocol.AECPStatus, payload []byte) {
		action := retry.ClassifyAECP(status)
		if action.IsRetriable() {
			eng.fail(e, model.QueryClassDescriptor, action)
			return
		}
		if status != protocol.AECPSuccess {
			// A misbehaving classification on the Configuration descriptor
			// itself leaves no static model to build from, so enumeration
			// cannot continue past this point even though MisbehaveContinue
			// is otherwise a "record and continue" action elsewhere.
			if action == retry.ActionMisbehaveContinue {
				compat.MisbehavingEvent(e, "4.C-phase4", "EntityMisbehaving reading Configuration descriptor", nil)
			}
			e.SetFatalError()
			eng.bus.Publish(observer.Event{Kind: observer.EventEnumerationFatalError, EntityID: e.ID(), Detail: action})
			return
		}
		eng.resetClass(e, model.QueryClassDescriptor)
		eng.applyStatic(e, path, payload)
		sm.SetCurrentConfigurationIndex(configIdx)

		if cached, ok := eng.lookupCachedModel(e); ok {
			e.ReplaceStaticModel(cached)
			e.MutateEnumeration(func(s *model.EnumerationState) { s.UsedCachedModel = true })
			enumLogger.WithFields(logrus.Fields{"entityID": e.ID(), "entityModelID": e.Capabilities().EntityModelID}).Debug("reusing cached static model, skipping breadth-first fetch")
			eng.bus.Publish(observer.Event{Kind: observer.EventEntityModelEnumerated, EntityID: e.ID()})
			eng.advance(ctx, e)
			return
		}
		eng.fetchRemainingDescriptors(ctx, e, configIdx)
	})
}

func (eng *Engine) fetchRemainingDescriptors(ctx context.Context, e *model.ControlledEntity, configIdx model.DescriptorIndex) {
	cfg := e.StaticModel().CurrentConfiguration()
	if cfg == nil {
		e.SetFatalError()
		return
	}
	var targets []model.DescriptorPath
	for dtype, count := range cfg.DescriptorCounts {
		for i := uint16(0); i < count; i++ {
			targets = append(targets, model.DescriptorPath{ConfigurationIndex: configIdx, Type: dtype, Index: model.DescriptorIndex(i)})
		}
	}
	if len(targets) == 0 {
		eng.advance(ctx, e)
		return
	}

	eng.mu.Lock()
	eng.pending[e.ID()] = len(targets)
	eng.mu.Unlock()

	for _, path := range targets {
		path := path
		eng.proto.ReadDescriptor(ctx, e.ID(), path, func(status protocol.AECPStatus, payload []byte) {
			action := retry.ClassifyAECP(status)
			if action.IsRetriable() {
				eng.fail(e, model.QueryClassDescriptor, action)
				return
			}
			if status == protocol.AECPSuccess {
				eng.applyStatic(e, path, payload)
			}
			eng.completeOneFetch(ctx, e, model.PhaseGetStaticModel)
		})
	}
}

func (eng *Engine) fetchDescriptorDynamicInfo(ctx context.Context, e *model.ControlledEntity) {
	cfg := e.StaticModel().CurrentConfiguration()
	if cfg == nil {
		eng.advance(ctx, e)
		return
	}
	var targets []model.DescriptorPath
	for dtype, count := range cfg.DescriptorCounts {
		for i := uint16(0); i < count; i++ {
			targets = append(targets, model.DescriptorPath{ConfigurationIndex: cfg.Index, Type: dtype, Index: model.DescriptorIndex(i)})
		}
	}
	if len(targets) == 0 {
		eng.advance(ctx, e)
		return
	}

	eng.mu.Lock()
	eng.pending[e.ID()] = len(targets)
	eng.mu.Unlock()

	for _, path := range targets {
		path := path
		eng.proto.ReadDescriptor(ctx, e.ID(), path, func(status protocol.AECPStatus, payload []byte) {
			action := retry.ClassifyAECP(status)
			if action.IsRetriable() {
				eng.fail(e, model.QueryClassDescriptorDynamicInfo, action)
				return
			}
			if status == protocol.AECPSuccess {
				eng.applyDynamic(e, path, payload)
			}
			eng.completeOneFetch(ctx, e, model.PhaseGetDescriptorDynamicInfo)
		})
	}
}

func (eng *Engine) completeOneFetch(ctx context.Context, e *model.ControlledEntity, phase model.Phase) {
	eng.mu.Lock()
	eng.pending[e.ID()]--
	remaining := eng.pending[e.ID()]
	eng.mu.Unlock()
	if remaining <= 0 {
		class := model.QueryClassDescriptor
		if phase == model.PhaseGetDescriptorDynamicInfo {
			class = model.QueryClassDescriptorDynamicInfo
		}
		eng.resetClass(e, class)
		if phase == model.PhaseGetStaticModel {
			eng.storeCachedModel(e)
			eng.bus.Publish(observer.Event{Kind: observer.EventEntityModelEnumerated, EntityID: e.ID()})
		}
		eng.advance(ctx, e)
	}
}

// fetchPackedDynamicInfo is the §4.C packed fast-path: one GET_DYNAMIC_INFO
// batch covering every descriptor's dynamic fields when the entity declared
// support in phase 2. When unsupported, this phase is skipped outright; when
// the batch itself fails fatally, fallBackFromPackedDynamicInfo restarts the
// phase with individual per-descriptor queries (invariant 6).
func (eng *Engine) fetchPackedDynamicInfo(ctx context.Context, e *model.ControlledEntity) {
	if !e.Enumeration().PackedDynamicInfoSupported {
		enumLogger.WithFields(logrus.Fields{"entityID": e.ID()}).Debug("packed dynamic info not supported, skipping fast path")
		eng.advance(ctx, e)
		return
	}

	batch := eng.buildPackedBatch(e)
	if len(batch.Queries) == 0 {
		eng.advance(ctx, e)
		return
	}

	eng.proto.GetPackedDynamicInfo(ctx, e.ID(), batch, func(status protocol.AECPStatus, result protocol.PackedBatchResult) {
		action := retry.ClassifyAECP(status)
		if action.IsRetriable() {
			eng.fail(e, model.QueryClassGetPackedDynamicInfo, action)
			return
		}
		if status != protocol.AECPSuccess {
			enumLogger.WithFields(logrus.Fields{"entityID": e.ID(), "status": status}).Warn("packed dynamic info batch failed fatally, falling back to individual queries")
			eng.fallBackFromPackedDynamicInfo(ctx, e)
			return
		}
		eng.resetClass(e, model.QueryClassGetPackedDynamicInfo)
		for i, q := range batch.Queries {
			if i >= len(result.Statuses) || i >= len(result.Payloads) {
				break
			}
			if result.Statuses[i] == protocol.AECPSuccess {
				eng.applyDynamic(e, q.Path, result.Payloads[i])
			}
		}
		eng.advance(ctx, e)
	})
}

// fallBackFromPackedDynamicInfo implements invariant 6 ("packed fallback"):
// once a packed batch is classified fatal, the entity is flagged
// Misbehaving, packed support is permanently disabled for the rest of the
// session, and the current phase restarts using the same per-descriptor
// ReadDescriptor fan-out phase 6 already uses (the Protocol Interface has
// no other individual dynamic-info query to fall back to).
func (eng *Engine) fallBackFromPackedDynamicInfo(ctx context.Context, e *model.ControlledEntity) {
	e.MutateEnumeration(func(s *model.EnumerationState) { s.PackedDynamicInfoSupported = false })
	compat.MisbehavingEvent(e, "4.C-phase6", "packed GET_DYNAMIC_INFO batch failed fatally", nil)
	eng.fetchDescriptorDynamicInfo(ctx, e)
}

func (eng *Engine) buildPackedBatch(e *model.ControlledEntity) protocol.PackedBatch {
	cfg := e.StaticModel().CurrentConfiguration()
	batch := protocol.PackedBatch{PacketID: uint16(e.ID())}
	if cfg == nil {
		return batch
	}
	for _, si := range cfg.StreamInputs {
		batch.Queries = append(batch.Queries, protocol.PackedQuery{Kind: protocol.QueryStreamInfo, Path: model.DescriptorPath{ConfigurationIndex: cfg.Index, Type: model.DescriptorStreamInput, Index: si.Index}})
	}
	for _, so := range cfg.StreamOutputs {
		batch.Queries = append(batch.Queries, protocol.PackedQuery{Kind: protocol.QueryStreamInfo, Path: model.DescriptorPath{ConfigurationIndex: cfg.Index, Type: model.DescriptorStreamOutput, Index: so.Index}})
	}
	return batch
}
