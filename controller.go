// Package controller is the §6.3 Controller-level API: it wires the Entity
// Store (A), ControlledEntity (B), Enumeration Engine (C), Response
// Dispatcher (D), Compatibility Validator (E), Failure Classifier (F),
// Derived Graph Maintainer (G), Exclusive Access Registry (H), and
// Snapshot (De)serializer (I) together behind one client-facing surface,
// generalizing the teacher's CreateOLT/GetOLT constructor-plus-singleton
// pair to a per-instance Controller (§9 "Global state": the store,
// delayed-query queue, and exclusive-access registry are per-Controller,
// not process-global).
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/access"
	"github.com/avcontroller/avcontroller-go/internal/compat"
	"github.com/avcontroller/avcontroller-go/internal/config"
	"github.com/avcontroller/avcontroller-go/internal/dispatch"
	"github.com/avcontroller/avcontroller-go/internal/enum"
	"github.com/avcontroller/avcontroller-go/internal/graph"
	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
	"github.com/avcontroller/avcontroller-go/internal/retry"
	"github.com/avcontroller/avcontroller-go/internal/store"
)

var controllerLogger = logrus.WithFields(logrus.Fields{"module": "controller"})

// Controller is one instance of the AVDECC Controller Core, bound to a
// single Protocol Interface (and, through it, a single AVB network
// interface). Multiple Controllers may coexist in a process (§9).
type Controller struct {
	cfg      config.Config
	proto    protocol.Interface
	bus      *observer.Bus
	store    *store.Store
	engine   *enum.Engine
	dispatch *dispatch.Dispatcher
	access   *access.Manager
	registry *access.Registry

	mu                    sync.Mutex
	fullStaticEnumeration bool
	entityModelCache      bool
	advertisingEnabled    bool
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithConfig overrides the default config.Config.
func WithConfig(cfg config.Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// AppliersOption lets the embedding application supply the AEM wire
// decoders the Engine needs but does not own (§1: descriptor parsing is
// out of scope for this core).
type AppliersOption struct {
	Static  enum.StaticModelApplier
	Dynamic enum.DynamicInfoApplier
}

// CreateController builds a Controller bound to proto, the one explicit
// construction entrypoint named in §9 ("Initialization is explicit"). A
// nil StaticModelApplier/DynamicInfoApplier pair is replaced with no-op
// appliers, useful for tests that only exercise phase sequencing.
func CreateController(proto protocol.Interface, appliers AppliersOption, opts ...Option) *Controller {
	bus := observer.New()
	st := store.New()
	registry := access.NewRegistry()

	resolver := graph.StoreResolver{Store: st}
	disp := dispatch.New(resolver, bus, registry)

	staticApplier := appliers.Static
	if staticApplier == nil {
		staticApplier = func(*model.ControlledEntity, model.DescriptorPath, []byte) {}
	}
	dynamicApplier := appliers.Dynamic
	if dynamicApplier == nil {
		dynamicApplier = func(*model.ControlledEntity, model.DescriptorPath, []byte) {}
	}

	c := &Controller{
		cfg:                config.Default(),
		proto:              proto,
		bus:                bus,
		store:              st,
		dispatch:           disp,
		access:             access.NewManager(proto, registry, bus),
		registry:           registry,
		entityModelCache:   true,
		advertisingEnabled: false,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fullStaticEnumeration = c.cfg.Controller.FullStaticEnumeration
	c.entityModelCache = c.cfg.Controller.EntityModelCacheEnabled

	c.engine = enum.NewEngine(proto, bus, staticApplier, dynamicApplier)
	c.engine.SetPreAdvertiseHook(c.onPreAdvertise)
	c.engine.SetPostAdvertiseHook(c.onPostAdvertise)
	c.engine.SetEntityModelCacheEnabled(c.entityModelCache)

	proto.SetADPHandlers(c.onADPOnline, c.onADPUpdate, c.onADPOffline)
	proto.SetNotificationHandler(c.onNotification)

	return c
}

// Subscribe registers an observer sink (§6.2) and returns an unsubscribe
// function.
func (c *Controller) Subscribe(sink observer.Sink) (unsubscribe func()) {
	return c.bus.Subscribe(sink)
}

// Tick drains the Engine's delayed-retry queue; callers run this
// periodically from the single networking-executor goroutine (§5), e.g.
// from a time.Ticker alongside the protocol callback channel.
func (c *Controller) Tick(now time.Time) {
	c.engine.Tick(now)
}

// -- §6.3 discovery / advertising --------------------------------------

// EnableEntityAdvertising enables this controller's own ADP advertising,
// optionally scoped to a single AVB interface index (nil means all
// interfaces), per the original's Optional[AvbInterfaceIndex]-scoped
// signature (SPEC_FULL.md §4).
func (c *Controller) EnableEntityAdvertising(ctx context.Context, availableDuration time.Duration, ifIndex *uint16) error {
	c.mu.Lock()
	c.advertisingEnabled = true
	c.mu.Unlock()
	return c.proto.EnableAdvertising(ctx, uint32(availableDuration/time.Second), ifIndex)
}

// DisableEntityAdvertising is the converse of EnableEntityAdvertising.
func (c *Controller) DisableEntityAdvertising(ctx context.Context, ifIndex *uint16) error {
	c.mu.Lock()
	c.advertisingEnabled = false
	c.mu.Unlock()
	return c.proto.DisableAdvertising(ctx, ifIndex)
}

// DiscoverAll requests a fresh ADP discovery of every entity on the
// network (§6.3 "remote-entity discover (all/one)").
func (c *Controller) DiscoverAll(ctx context.Context) error {
	return c.proto.DiscoverAll(ctx)
}

// DiscoverOne requests a fresh ADP discovery of a single known entity.
func (c *Controller) DiscoverOne(ctx context.Context, id model.EntityID) error {
	return c.proto.DiscoverOne(ctx, id)
}

// SetFullStaticEnumeration toggles whether GetStaticModel also fetches
// every other configuration's Locale/Strings, not just the active one
// (§4.C phase 4), as a live controller-wide setting (SPEC_FULL.md §4).
func (c *Controller) SetFullStaticEnumeration(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fullStaticEnumeration = v
}

// FullStaticEnumeration reports the current setting.
func (c *Controller) FullStaticEnumeration() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullStaticEnumeration
}

// SetEntityModelCacheEnabled toggles whether phase 4 may skip to phase 6
// using a cached static model for a previously-seen EntityModelID.
func (c *Controller) SetEntityModelCacheEnabled(v bool) {
	c.mu.Lock()
	c.entityModelCache = v
	c.mu.Unlock()
	c.engine.SetEntityModelCacheEnabled(v)
}

// EntityModelCacheEnabled reports the current setting.
func (c *Controller) EntityModelCacheEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityModelCache
}

// -- ADP event handling (networking-executor callbacks) -----------------

func (c *Controller) onADPOnline(info protocol.ADPInfo) {
	if _, err := c.store.Find(info.EntityID); err == nil {
		// Already known: treat as an update rather than a fresh discovery.
		c.onADPUpdate(info)
		return
	}
	e := model.New(info.EntityID, false)
	e.SetCapabilities(info.Capabilities)
	if err := c.store.Insert(e); err != nil {
		controllerLogger.WithFields(logrus.Fields{"entityID": info.EntityID, "err": err}).Warn("failed to insert newly discovered entity")
		return
	}
	controllerLogger.WithFields(logrus.Fields{"entityID": info.EntityID}).Info("entity discovered, starting enumeration")
	c.engine.StartEnumeration(context.Background(), e)
}

func (c *Controller) onADPUpdate(info protocol.ADPInfo) {
	g, err := c.store.Find(info.EntityID)
	if err != nil {
		c.onADPOnline(info)
		return
	}
	g.Entity().SetCapabilities(info.Capabilities)
}

// onADPOffline implements the lifecycle's "unadvertised then removed"
// transition (§3 Lifecycle): a pre-unadvertise pass updates every other
// entity's derived state (invariant 6: connections/chains referencing the
// departed entity become EntityOffline) before the entity is dropped from
// the Store.
func (c *Controller) onADPOffline(id model.EntityID) {
	g, err := c.store.Find(id)
	if err != nil {
		return
	}
	e := g.Entity()
	wasAdvertised := e.Advertised()

	c.reconcileOfflineReferences(id)

	if wasAdvertised {
		c.bus.Publish(observer.Event{Kind: observer.EventEntityOffline, EntityID: id})
	}
	if err := c.store.Remove(id); err != nil {
		controllerLogger.WithFields(logrus.Fields{"entityID": id, "err": err}).Warn("failed to remove offline entity")
	}
}

// reconcileOfflineReferences implements invariant 6: every stream
// connection or media-clock chain node referencing id is invalidated on
// every other advertised entity. Connections are dropped outright here;
// callers recompute media-clock chains lazily on next access via
// graph.ComputeMediaClockChain, which already returns early (terminal,
// non-Internal/External) when a referenced entity can no longer be found
// in the Store.
func (c *Controller) reconcileOfflineReferences(id model.EntityID) {
	for _, other := range c.store.Advertised() {
		if other.ID() == id {
			continue
		}
		changed := false
		other.WithDynamic(func(dyn *model.DynamicState) {
			for streamIdx, info := range dyn.StreamInputInfo {
				if info.Talker.EntityID == id {
					delete(dyn.StreamInputInfo, streamIdx)
					changed = true
				}
			}
			for _, set := range dyn.StreamOutputConns {
				for listener := range set {
					if listener.EntityID == id {
						delete(set, listener)
						changed = true
					}
				}
			}
		})
		if changed {
			c.bus.Publish(observer.Event{Kind: observer.EventStreamInputConnectionChanged, EntityID: other.ID()})
		}
	}
}

// onPreAdvertise implements the §4.C "onPreAdvertise" hook: it runs the
// post-enumeration structural checks of §4.E against the freshly
// enumerated entity while it is still invisible to observers, flagging
// Misbehaving on any violation before the entity is ever advertised.
// Cross-entity reconciliation (talker connection sets, media-clock
// chains, channel-connection maps) is computed lazily on demand by
// MediaClockChain/ChannelConnections rather than cached here, since a
// freshly advertised entity has no ACMP connections yet.
func (c *Controller) onPreAdvertise(e *model.ControlledEntity) {
	for _, issue := range compat.Validate(e) {
		compat.MisbehavingEvent(e, issue.Clause, issue.Message, nil)
	}
	flags, milanVersion := e.CompatibilityFlags()
	if flags.Has(model.CompatMilan) {
		classify := func(model.StreamFormat) compat.StreamFormatKind { return compat.FormatUnknown }
		for _, issue := range compat.ValidateMilan(e, classify, milanVersion) {
			compat.MisbehavingEvent(e, issue.Clause, issue.Message, nil)
		}
	}
}

// onPostAdvertise implements the §4.C "onPostAdvertise" hook, run after
// EventEntityAdvertised has been published. Re-publishing identify state
// at advertise time is left to the notification path: identify is itself
// delivered as NotifyIdentifyStarted/Stopped (§6.1), so no additional
// state needs to be raised here once the dispatcher is wired; this hook
// is the extension point the Controller documents for that purpose.
func (c *Controller) onPostAdvertise(e *model.ControlledEntity) {
	controllerLogger.WithFields(logrus.Fields{"entityID": e.ID()}).Debug("post-advertise hook run")
}

func (c *Controller) onNotification(n protocol.Notification) {
	g, err := c.store.Find(n.Target)
	if err != nil {
		controllerLogger.WithFields(logrus.Fields{"entityID": n.Target, "kind": n.Kind}).Debug("notification for unknown entity, dropped")
		return
	}
	c.dispatch.Apply(g.Entity(), n)
}

// -- §6.3 client-facing operations --------------------------------------

// ErrEntityNotFound is returned by every entity-scoped operation when the
// EntityID is not in the Store.
var ErrEntityNotFound = store.ErrNotFound

// Entity returns a snapshot-safe reference to a known entity, or
// ErrEntityNotFound.
func (c *Controller) Entity(id model.EntityID) (*model.ControlledEntity, error) {
	g, err := c.store.Find(id)
	if err != nil {
		return nil, err
	}
	return g.Entity(), nil
}

// Entities returns every known entity (advertised or not).
func (c *Controller) Entities() []*model.ControlledEntity {
	var out []*model.ControlledEntity
	c.store.Iterate(func(e *model.ControlledEntity) { out = append(out, e) })
	return out
}

// RequestExclusiveAccess issues an Acquire/PersistentAcquire/Lock claim
// (§4.H, §6.3).
func (c *Controller) RequestExclusiveAccess(ctx context.Context, id model.EntityID, kind access.Kind, cb func(access.Token, error)) {
	c.access.RequestExclusiveAccess(ctx, id, kind, cb)
}

// ReleaseExclusiveAccess relinquishes a previously issued token.
func (c *Controller) ReleaseExclusiveAccess(ctx context.Context, tok access.Token, cb func(error)) {
	c.access.Release(ctx, tok, cb)
}

// SetEntityName sets the ENTITY descriptor's name (§6.3).
func (c *Controller) SetEntityName(ctx context.Context, id model.EntityID, name string, cb func(error)) {
	c.proto.SetEntityName(ctx, id, name, c.aecpErr(cb))
}

// SetStreamFormat sets a StreamInput/StreamOutput's current format.
func (c *Controller) SetStreamFormat(ctx context.Context, id model.EntityID, path model.DescriptorPath, format model.StreamFormat, cb func(error)) {
	c.proto.SetStreamFormat(ctx, id, path, format, c.aecpErr(cb))
}

// SetSamplingRate sets an AudioUnit's current sampling rate.
func (c *Controller) SetSamplingRate(ctx context.Context, id model.EntityID, audioUnit model.DescriptorIndex, rate uint32, cb func(error)) {
	c.proto.SetSamplingRate(ctx, id, audioUnit, rate, c.aecpErr(cb))
}

// SetClockSource sets a ClockDomain's active clock source, which triggers
// media-clock-chain recomputation for every chain traversing this entity
// once the command succeeds and the dispatcher applies the result
// (§4.D, §4.G).
func (c *Controller) SetClockSource(ctx context.Context, id model.EntityID, domain, source model.DescriptorIndex, cb func(error)) {
	c.proto.SetClockSource(ctx, id, domain, source, c.aecpErr(cb))
}

// SetControlValues sets a CONTROL descriptor's current value(s).
func (c *Controller) SetControlValues(ctx context.Context, id model.EntityID, control model.DescriptorIndex, values model.ControlValue, cb func(error)) {
	c.proto.SetControlValues(ctx, id, control, values, c.aecpErr(cb))
}

// StartStreamInput/StopStreamInput/StartStreamOutput/StopStreamOutput
// control streaming state (§6.3).
func (c *Controller) StartStreamInput(ctx context.Context, id model.EntityID, stream model.DescriptorIndex, cb func(error)) {
	c.proto.StartStreamInput(ctx, id, stream, c.aecpErr(cb))
}
func (c *Controller) StopStreamInput(ctx context.Context, id model.EntityID, stream model.DescriptorIndex, cb func(error)) {
	c.proto.StopStreamInput(ctx, id, stream, c.aecpErr(cb))
}
func (c *Controller) StartStreamOutput(ctx context.Context, id model.EntityID, stream model.DescriptorIndex, cb func(error)) {
	c.proto.StartStreamOutput(ctx, id, stream, c.aecpErr(cb))
}
func (c *Controller) StopStreamOutput(ctx context.Context, id model.EntityID, stream model.DescriptorIndex, cb func(error)) {
	c.proto.StopStreamOutput(ctx, id, stream, c.aecpErr(cb))
}

// AddAudioMappings/RemoveAudioMappings mutate a StreamPortInput's mapping
// table (§4.G "channel connections", §6.3).
func (c *Controller) AddAudioMappings(ctx context.Context, id model.EntityID, streamPort model.DescriptorIndex, mappings []model.AudioMapping, cb func(error)) {
	c.proto.AddAudioMappings(ctx, id, streamPort, mappings, c.aecpErr(cb))
}
func (c *Controller) RemoveAudioMappings(ctx context.Context, id model.EntityID, streamPort model.DescriptorIndex, mappings []model.AudioMapping, cb func(error)) {
	c.proto.RemoveAudioMappings(ctx, id, streamPort, mappings, c.aecpErr(cb))
}

// Reboot reboots the target entity, optionally to its alternate firmware
// bank (§6.3).
func (c *Controller) Reboot(ctx context.Context, id model.EntityID, toFirmware bool, cb func(error)) {
	c.proto.Reboot(ctx, id, toFirmware, c.aecpErr(cb))
}

// Identify enables/disables the entity's IDENTIFY control (§6.3; fires
// onIdentificationStarted/Stopped via the dispatcher's notification path,
// not directly here, since identify is itself delivered as an unsolicited
// notification per §6.1).
func (c *Controller) Identify(ctx context.Context, id model.EntityID, enable bool, cb func(error)) {
	c.proto.Identify(ctx, id, enable, c.aecpErr(cb))
}

// Connect/Disconnect/DisconnectTalker/GetListenerState are the ACMP
// operations of §6.3.
func (c *Controller) Connect(ctx context.Context, talker, listener model.StreamIdentification, cb func(error)) {
	c.proto.Connect(ctx, talker, listener, c.acmpErr(cb))
}
func (c *Controller) Disconnect(ctx context.Context, talker, listener model.StreamIdentification, cb func(error)) {
	c.proto.Disconnect(ctx, talker, listener, c.acmpErr(cb))
}
func (c *Controller) DisconnectTalker(ctx context.Context, talker model.StreamIdentification, cb func(error)) {
	c.proto.DisconnectTalker(ctx, talker, c.acmpErr(cb))
}
func (c *Controller) GetListenerState(ctx context.Context, listener model.StreamIdentification, cb func(model.StreamInputConnectionInfo, error)) {
	c.proto.GetListenerState(ctx, listener, func(status protocol.ACMPStatus, info model.StreamInputConnectionInfo) {
		if status != protocol.ACMPSuccess {
			cb(info, errors.Errorf("get listener state: status %v", status))
			return
		}
		cb(info, nil)
	})
}

// -- derived-graph read-only accessors (§6.3/§4.G) ----------------------

// MediaClockChain computes the current media-clock chain for a
// (entity, domain) pair on demand (§3 invariant 5, §4.G).
func (c *Controller) MediaClockChain(entityID model.EntityID, domain model.DescriptorIndex) graph.MediaClockChain {
	resolver := graph.StoreResolver{Store: c.store}
	return graph.ComputeMediaClockChain(resolver, entityID, domain, len(c.Entities())+1)
}

// ChannelConnections computes the resolved channel-connection list for a
// listener's StreamInput on demand (§4.G).
func (c *Controller) ChannelConnections(listenerID model.EntityID, listenerStream model.DescriptorIndex) []graph.ChannelConnection {
	resolver := graph.StoreResolver{Store: c.store}
	return graph.ComputeChannelConnections(resolver, listenerID, listenerStream)
}

// RetryBudget exposes the package-level per-class retry ceiling, mostly
// for diagnostics/CLI display.
func (c *Controller) RetryBudget() [model.QueryClassCount]int {
	return retry.Budget
}

func (c *Controller) aecpErr(cb func(error)) func(protocol.AECPStatus) {
	return func(status protocol.AECPStatus) {
		if cb == nil {
			return
		}
		if status == protocol.AECPSuccess {
			cb(nil)
			return
		}
		cb(errors.Errorf("status %v", status))
	}
}

func (c *Controller) acmpErr(cb func(error)) func(protocol.ACMPStatus) {
	return func(status protocol.ACMPStatus) {
		if cb == nil {
			return
		}
		if status == protocol.ACMPSuccess {
			cb(nil)
			return
		}
		cb(errors.Errorf("status %v", status))
	}
}
