// Package dispatch implements the Response Dispatcher / Updater of §4.D: it
// applies AECP/MVU responses and unsolicited notifications to a
// ControlledEntity's dynamic state, detects whether anything actually
// changed, and emits observer events gated on the entity's advertised flag
// -- mirroring the teacher's processOltMessages message-type switch that
// turns typed indications into state updates and stream sends.
package dispatch

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/access"
	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
)

var dispatchLogger = logrus.WithFields(logrus.Fields{"module": "dispatch"})

// Resolver is the narrow store lookup the Dispatcher needs to reach the
// other side of an ACMP connection (the talker, when updating a listener,
// and vice versa).
type Resolver interface {
	Find(id model.EntityID) (*model.ControlledEntity, bool)
}

// Dispatcher applies protocol-layer notifications to the Entity Store and
// republishes observer events. One Dispatcher serves the whole Controller,
// matching the teacher's single processOltMessages loop per OLT.
type Dispatcher struct {
	resolver Resolver
	bus      *observer.Bus
	registry *access.Registry
}

// New returns a Dispatcher that resolves cross-entity references through
// resolver and publishes events on bus. registry may be nil if exclusive
// access is not in use (e.g. a dispatcher built only for tests).
func New(resolver Resolver, bus *observer.Bus, registry *access.Registry) *Dispatcher {
	return &Dispatcher{resolver: resolver, bus: bus, registry: registry}
}

// Apply applies one notification to target's dynamic state. It is always
// called on the single networking-executor goroutine (§5), so no additional
// synchronization beyond the entity's own lock (taken by the WithDynamic/
// WithStaticModel calls below) is required.
func (d *Dispatcher) Apply(target *model.ControlledEntity, n protocol.Notification) {
	logger := dispatchLogger.WithFields(logrus.Fields{"entityID": target.ID(), "kind": n.Kind})

	switch n.Kind {
	case protocol.NotifyName:
		d.applyName(target, n, logger)
	case protocol.NotifyStreamFormat:
		d.applyStreamFormat(target, n, logger)
	case protocol.NotifySamplingRate:
		d.applySamplingRate(target, n, logger)
	case protocol.NotifyClockSource:
		d.applyClockSource(target, n, logger)
	case protocol.NotifyControlValues:
		d.applyControlValues(target, n, logger)
	case protocol.NotifyAcquiredChanged, protocol.NotifyLockedChanged:
		d.applyAccessChanged(target, n, logger)
	case protocol.NotifyConfigurationChanged:
		d.applyConfigurationChanged(target, n, logger)
	case protocol.NotifyACMPConnect:
		d.applyACMPConnect(target, n, logger)
	case protocol.NotifyACMPDisconnect:
		d.applyACMPDisconnect(target, n, logger)
	case protocol.NotifyStreamInfo:
		d.applyStreamInfo(target, n, logger)
	case protocol.NotifyIdentifyStarted:
		d.publish(target, observer.EventIdentificationStarted, n.Path, nil)
	case protocol.NotifyIdentifyStopped:
		d.publish(target, observer.EventIdentificationStopped, n.Path, nil)
	default:
		logger.Debug("notification kind not handled by dispatch")
	}
}

func (d *Dispatcher) applyName(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	name := string(n.Payload)
	changed := false
	target.WithDynamic(func(dyn *model.DynamicState) {
		if dyn.Names[n.Path] != name {
			dyn.Names[n.Path] = name
			changed = true
		}
	})
	if changed {
		d.publish(target, observer.EventNameChanged, n.Path, name)
	}
}

func (d *Dispatcher) applyStreamFormat(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	if len(n.Payload) < 8 {
		logger.Warn("stream format payload too short")
		return
	}
	format := model.StreamFormat(decodeU64(n.Payload))
	changed := false
	target.WithDynamic(func(dyn *model.DynamicState) {
		if dyn.StreamFormats[n.Path] != format {
			dyn.StreamFormats[n.Path] = format
			changed = true
		}
	})
	if changed {
		d.publish(target, observer.EventStreamFormatChanged, n.Path, format)
	}
}

func (d *Dispatcher) applySamplingRate(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	if len(n.Payload) < 4 {
		logger.Warn("sampling rate payload too short")
		return
	}
	rate := decodeU32(n.Payload)
	changed := false
	target.WithDynamic(func(dyn *model.DynamicState) {
		if dyn.SamplingRates[n.Path.Index] != rate {
			dyn.SamplingRates[n.Path.Index] = rate
			changed = true
		}
	})
	if changed {
		d.publish(target, observer.EventSamplingRateChanged, n.Path, rate)
	}
}

func (d *Dispatcher) applyClockSource(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	if len(n.Payload) < 2 {
		logger.Warn("clock source payload too short")
		return
	}
	sourceIdx := model.DescriptorIndex(decodeU16(n.Payload))
	changed := false
	target.WithDynamic(func(dyn *model.DynamicState) {
		if dyn.ClockSourceIndices[n.Path.Index] != sourceIdx {
			dyn.ClockSourceIndices[n.Path.Index] = sourceIdx
			changed = true
		}
	})
	target.WithStaticModel(func(sm *model.StaticModel) {
		cfg := sm.CurrentConfiguration()
		if cfg == nil {
			return
		}
		for i := range cfg.ClockDomains {
			if cfg.ClockDomains[i].Index == n.Path.Index {
				cfg.ClockDomains[i].SetCurrentClockSourceIndex(sourceIdx)
			}
		}
	})
	if changed {
		d.publish(target, observer.EventClockSourceChanged, n.Path, sourceIdx)
	}
}

func (d *Dispatcher) applyControlValues(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	if len(n.Payload) < 8 {
		logger.Warn("control value payload too short")
		return
	}
	value := decodeF64(n.Payload)
	changed := false
	target.WithDynamic(func(dyn *model.DynamicState) {
		cur := dyn.ControlValues[n.Path.Index]
		if cur.Value != value {
			dyn.ControlValues[n.Path.Index] = model.ControlValue{Value: value}
			changed = true
		}
	})
	if changed {
		d.publish(target, observer.EventControlValuesChanged, n.Path, value)
	}
}

// applyAccessChanged updates the entity's Acquire/Lock sub-state (§3) and,
// when the state has dropped back to NotAcquired/NotLocked, invalidates any
// exclusive-access tokens of the matching kind (§4.H: "invalidation
// atomically under the registry lock, callbacks invoked outside it" -- the
// registry itself enforces that; this just decides whether a drop
// occurred).
func (d *Dispatcher) applyAccessChanged(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	isLock := n.Kind == protocol.NotifyLockedChanged
	kind := observer.EventAcquiredChanged
	if isLock {
		kind = observer.EventLockedChanged
	}
	if len(n.Payload) < 9 {
		logger.Warn("access-changed payload too short")
		d.publish(target, kind, n.Path, nil)
		return
	}
	stateCode := n.Payload[0]
	owner := model.EntityID(decodeU64(n.Payload[1:]))

	dropped := false
	target.WithAccessState(func(s *model.ExclusiveAccessState) {
		if isLock {
			s.Lock = model.LockState(stateCode)
			s.LockOwner = owner
			dropped = s.Lock == model.LockStateNotLocked
		} else {
			s.Acquire = model.AcquireState(stateCode)
			s.AcquireOwner = owner
			dropped = s.Acquire == model.AcquireStateNotAcquired
		}
	})

	if dropped && d.registry != nil {
		invalidateKind := access.KindAcquire
		if isLock {
			invalidateKind = access.KindLock
		}
		d.registry.Invalidate(target.ID(), invalidateKind)
	}

	d.publish(target, kind, n.Path, owner)
}

func (d *Dispatcher) applyConfigurationChanged(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	if len(n.Payload) < 2 {
		logger.Warn("configuration-changed payload too short")
		return
	}
	newConfig := model.DescriptorIndex(decodeU16(n.Payload))
	target.WithStaticModel(func(sm *model.StaticModel) {
		sm.SetCurrentConfigurationIndex(newConfig)
	})
	d.publish(target, observer.EventStaticModelUpdated, n.Path, newConfig)
}

// applyACMPConnect applies the cross-cutting ACMP connect effect of §4.D:
// the listener's StreamInputConnectionInfo moves to Connected and the
// talker's StreamOutputConns set gains this connection, regardless of which
// side originated the notification.
func (d *Dispatcher) applyACMPConnect(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	listener, ok := d.resolver.Find(n.Listener.EntityID)
	if !ok {
		logger.WithFields(logrus.Fields{"listener": n.Listener}).Warn("ACMP connect: listener not found")
		return
	}
	talker, ok := d.resolver.Find(n.Talker.EntityID)
	if !ok {
		logger.WithFields(logrus.Fields{"talker": n.Talker}).Warn("ACMP connect: talker not found")
		return
	}

	listener.WithDynamic(func(dyn *model.DynamicState) {
		dyn.StreamInputInfo[n.Listener.StreamIndex] = model.StreamInputConnectionInfo{
			State:  model.Connected,
			Talker: n.Talker,
		}
	})
	talker.WithDynamic(func(dyn *model.DynamicState) {
		set, ok := dyn.StreamOutputConns[n.Talker.StreamIndex]
		if !ok {
			set = make(map[model.StreamIdentification]struct{})
			dyn.StreamOutputConns[n.Talker.StreamIndex] = set
		}
		set[n.Listener] = struct{}{}
	})

	d.publish(listener, observer.EventStreamInputConnectionChanged, n.Path, n.Talker)
	d.publish(talker, observer.EventStreamOutputConnectionsChanged, n.Path, n.Listener)

	d.checkStreamLatency(listener, n.Listener.StreamIndex, n.Talker)
}

// applyACMPDisconnect is the reciprocal of applyACMPConnect (invariant 4:
// listener/talker connection state stays reciprocal).
func (d *Dispatcher) applyACMPDisconnect(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	listener, ok := d.resolver.Find(n.Listener.EntityID)
	if ok {
		listener.WithDynamic(func(dyn *model.DynamicState) {
			delete(dyn.StreamInputInfo, n.Listener.StreamIndex)
		})
		d.publish(listener, observer.EventStreamInputConnectionChanged, n.Path, nil)

		cleared := false
		listener.WithDiagnostics(func(diag *model.Diagnostics) {
			if _, had := diag.StreamInputOverLatency[n.Listener.StreamIndex]; had {
				delete(diag.StreamInputOverLatency, n.Listener.StreamIndex)
				cleared = true
			}
		})
		if cleared {
			d.publish(listener, observer.EventDiagnosticsChanged, n.Path, nil)
		}
	}
	talker, ok := d.resolver.Find(n.Talker.EntityID)
	if ok {
		talker.WithDynamic(func(dyn *model.DynamicState) {
			if set, ok := dyn.StreamOutputConns[n.Talker.StreamIndex]; ok {
				delete(set, n.Listener)
			}
		})
		d.publish(talker, observer.EventStreamOutputConnectionsChanged, n.Path, nil)
	}
}

// applyStreamInfo applies a GET_STREAM_INFO (or Milan-extended) response or
// unsolicited notification. The same notification kind carries both
// directions: on a StreamOutput (talker side) the trailing word is the
// presentation time offset; on a StreamInput (listener side) it is the
// msrpAccumulatedLatency, which immediately re-triggers the §4.D over-latency
// cross-check against the talker it names.
func (d *Dispatcher) applyStreamInfo(target *model.ControlledEntity, n protocol.Notification, logger *logrus.Entry) {
	if len(n.Payload) < 8 {
		logger.Warn("stream info payload too short")
		return
	}
	flags := model.StreamInfoFlags(decodeU32(n.Payload))
	value := decodeU32(n.Payload[4:])
	target.WithDynamic(func(dyn *model.DynamicState) {
		dyn.StreamInfoFlags[n.Path.Index] = flags
		if n.Path.Type == model.DescriptorStreamOutput {
			dyn.PresentationTimeOffset[n.Path.Index] = value
		} else {
			dyn.MsrpAccumulatedLatency[n.Path.Index] = value
		}
	})
	if n.Path.Type == model.DescriptorStreamInput {
		d.checkStreamLatency(target, n.Path.Index, n.Talker)
	}
}

// checkStreamLatency implements §4.D's cross-cutting over-latency
// diagnostic: a listener StreamInput is flagged when its reported
// msrpAccumulatedLatency exceeds the talker StreamOutput's
// presentationTimeOffset (§8 scenario 4), and unflagged again once it no
// longer does. talkerStream.EntityID may be zero/unresolved (stream not
// connected yet), in which case there is nothing to compare against.
func (d *Dispatcher) checkStreamLatency(listener *model.ControlledEntity, listenerStream model.DescriptorIndex, talkerStream model.StreamIdentification) {
	talker, ok := d.resolver.Find(talkerStream.EntityID)
	if !ok {
		return
	}

	var latency uint32
	var haveLatency bool
	listener.WithDynamic(func(dyn *model.DynamicState) {
		latency, haveLatency = dyn.MsrpAccumulatedLatency[listenerStream]
	})
	if !haveLatency {
		return
	}
	var offset uint32
	talker.WithDynamic(func(dyn *model.DynamicState) {
		offset = dyn.PresentationTimeOffset[talkerStream.StreamIndex]
	})

	over := latency > offset
	changed := false
	listener.WithDiagnostics(func(diag *model.Diagnostics) {
		_, had := diag.StreamInputOverLatency[listenerStream]
		switch {
		case over && !had:
			diag.StreamInputOverLatency[listenerStream] = struct{}{}
			changed = true
		case !over && had:
			delete(diag.StreamInputOverLatency, listenerStream)
			changed = true
		}
	})
	if changed {
		path := model.DescriptorPath{Type: model.DescriptorStreamInput, Index: listenerStream}
		d.publish(listener, observer.EventDiagnosticsChanged, path, nil)
	}
}

func (d *Dispatcher) publish(target *model.ControlledEntity, kind observer.Kind, path model.DescriptorPath, detail interface{}) {
	if !target.Advertised() {
		return
	}
	d.bus.Publish(observer.Event{
		Kind:     kind,
		EntityID: target.ID(),
		Path:     path,
		Detail:   detail,
	})
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func decodeU32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(b); i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func decodeU16(b []byte) uint16 {
	var v uint16
	for i := 0; i < 2 && i < len(b); i++ {
		v = v<<8 | uint16(b[i])
	}
	return v
}

func decodeF64(b []byte) float64 {
	return math.Float64frombits(decodeU64(b))
}
