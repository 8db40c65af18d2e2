package model

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var entityLogger = logrus.WithFields(logrus.Fields{"module": "entity"})

// Capabilities mirrors the ADP-advertised talker/listener/controller
// capability bitsets plus per-interface info (§3).
type Capabilities struct {
	EntityModelID        EntityID
	TalkerCapabilities    uint16
	TalkerStreamSources    uint16
	ListenerCapabilities  uint16
	ListenerStreamSinks    uint16
	ControllerCapabilities uint16
	Interfaces           []InterfaceInfo
	AssociationID        EntityID
	AssociationIDValid   bool
}

// InterfaceInfo is the per-AVB-interface ADP-derived information.
type InterfaceInfo struct {
	InterfaceIndex   uint16
	MacAddress       [6]byte
	GptpGrandmasterID EntityID
	GptpDomainNumber uint8
	LinkUp           bool
}

// Diagnostics holds the cross-entity derived warnings of §3.
type Diagnostics struct {
	RedundancyWarning       bool
	StreamInputOverLatency  map[DescriptorIndex]struct{}
	ControlOutOfRange       map[DescriptorIndex]struct{}
}

// NewDiagnostics returns a Diagnostics with both sets initialized empty.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		StreamInputOverLatency: make(map[DescriptorIndex]struct{}),
		ControlOutOfRange:      make(map[DescriptorIndex]struct{}),
	}
}

// EnumerationState tracks the Engine's progress for one entity.
type EnumerationState struct {
	RemainingPhases    []Phase
	FatalError         bool
	Advertised         bool
	IgnoreCachedModel  bool
	// UsedCachedModel is set by the Engine when phase 4 (GetStaticModel)
	// skipped the breadth-first descriptor fetch in favor of a cached
	// static model for this EntityModelID (§4.C). It gates whether phase 6
	// (GetDescriptorDynamicInfo) has any work to do: that phase is only
	// meaningful when the static tree came from cache.
	UsedCachedModel    bool
	UnsolicitedSupported bool
	PackedDynamicInfoSupported bool
	FullStaticEnumeration     bool
}

// ExclusiveAccessState groups the Acquire/Lock sub-state of §3.
type ExclusiveAccessState struct {
	Acquire         AcquireState
	AcquireOwner    EntityID
	Lock            LockState
	LockOwner       EntityID
	SubscribedUnsol bool
}

// QueryClass partitions retry counters by query class per §4.B.
type QueryClass int

const (
	QueryClassMilanInfo QueryClass = iota
	QueryClassDescriptor
	QueryClassDynamicInfo
	QueryClassDescriptorDynamicInfo
	QueryClassRegisterUnsol
	QueryClassCheckPackedDynamicInfo
	QueryClassGetPackedDynamicInfo
	queryClassCount
)

func (c QueryClass) String() string {
	switch c {
	case QueryClassMilanInfo:
		return "MilanInfo"
	case QueryClassDescriptor:
		return "Descriptor"
	case QueryClassDynamicInfo:
		return "DynamicInfo"
	case QueryClassDescriptorDynamicInfo:
		return "DescriptorDynamicInfo"
	case QueryClassRegisterUnsol:
		return "RegisterUnsol"
	case QueryClassCheckPackedDynamicInfo:
		return "CheckPackedDynamicInfo"
	case QueryClassGetPackedDynamicInfo:
		return "GetPackedDynamicInfo"
	default:
		return "Unknown"
	}
}

// QueryClassCount is the number of distinct retry-budget classes.
const QueryClassCount = int(queryClassCount)

// ControlledEntity is the per-entity record of §3: identity, static model,
// dynamic state, compatibility posture, diagnostics, enumeration/exclusive-
// access state, and virtuality. All mutation goes through methods so that
// the (single) networking-executor goroutine discipline of §5 is
// enforced by a single per-entity mutex, mirroring the teacher's
// sync.Mutex-embedding OltDevice.
type ControlledEntity struct {
	mu sync.Mutex

	id           EntityID
	capabilities Capabilities
	static       *StaticModel
	dynamic      *DynamicState
	diagnostics  *Diagnostics
	enumeration  EnumerationState
	retries      [QueryClassCount]int
	access       ExclusiveAccessState
	compatFlags  CompatibilityFlags
	milanVersion MilanVersion
	milanInfo    MilanInfo
	milanDynamic MilanDynamicState
	auditLog     []CompatibilityChangedEvent
	virtual      bool
	lastSeen     time.Time
}

// New creates a ControlledEntity freshly discovered via ADP (or loaded as a
// virtual entity from a snapshot).
func New(id EntityID, virtual bool) *ControlledEntity {
	return &ControlledEntity{
		id:          id,
		static:      &StaticModel{EntityModelID: id},
		dynamic:     NewDynamicState(),
		diagnostics: NewDiagnostics(),
		enumeration: EnumerationState{RemainingPhases: OrderedPhases()},
		virtual:     virtual,
		lastSeen:    time.Now(),
	}
}

// Lock/Unlock expose the scoped per-entity mutex to callers that need a
// multi-step critical section (e.g. a client-scoped Guard, see
// internal/store). Reentrant acquisition is not supported directly by
// sync.Mutex; callers that need reentrancy take the lock once at the
// guard boundary, matching the teacher's single top-level sync.Mutex
// embedding rather than nested per-field locks.
func (e *ControlledEntity) Lock()   { e.mu.Lock() }
func (e *ControlledEntity) Unlock() { e.mu.Unlock() }

// ID returns the entity's identifier. Safe without holding the lock: it
// never changes after construction.
func (e *ControlledEntity) ID() EntityID { return e.id }

// IsVirtual reports whether this entity was loaded from a snapshot rather
// than discovered live.
func (e *ControlledEntity) IsVirtual() bool { return e.virtual }

// Advertised reports whether advertised=true (invariant 2): visible to
// observers and to graph computations.
func (e *ControlledEntity) Advertised() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enumeration.Advertised
}

// SetAdvertised sets advertised=true. It is only ever called once, by the
// Engine at the end of successful enumeration (invariant 2); callers other
// than the Engine should not call this.
func (e *ControlledEntity) SetAdvertised() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enumeration.Advertised {
		entityLogger.WithFields(logrus.Fields{"entityID": e.id}).Warn("SetAdvertised called twice")
		return
	}
	e.enumeration.Advertised = true
}

// FatalError reports whether enumeration aborted fatally for this entity.
func (e *ControlledEntity) FatalError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enumeration.FatalError
}

// SetFatalError marks the entity as having hit an ErrorFatal classification
// (§4.F): it will never advertise this session.
func (e *ControlledEntity) SetFatalError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enumeration.FatalError = true
}

// Enumeration returns a copy of the current enumeration state.
func (e *ControlledEntity) Enumeration() EnumerationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enumeration
}

// MutateEnumeration applies fn under the entity lock.
func (e *ControlledEntity) MutateEnumeration(fn func(*EnumerationState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.enumeration)
}

// Capabilities returns a copy of the ADP-derived capabilities.
func (e *ControlledEntity) Capabilities() Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capabilities
}

// SetCapabilities replaces the ADP-derived capabilities (on ADP update).
// When AssociationIDValid is false on the incoming value, the previous
// AssociationID is retained -- see DESIGN.md's Open Question decision.
func (e *ControlledEntity) SetCapabilities(c Capabilities) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !c.AssociationIDValid {
		c.AssociationID = e.capabilities.AssociationID
		c.AssociationIDValid = e.capabilities.AssociationIDValid
	}
	e.capabilities = c
	e.lastSeen = time.Now()
}

// StaticModel returns the (conceptually immutable) static descriptor tree.
// Mutations during GetStaticModel must go through WithStaticModel while
// holding the entity lock.
func (e *ControlledEntity) StaticModel() *StaticModel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.static
}

// WithStaticModel runs fn with the static model under the entity lock,
// used by phase 4's breadth-first fetch to incrementally populate the tree.
func (e *ControlledEntity) WithStaticModel(fn func(*StaticModel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.static)
}

// ReplaceStaticModel swaps in a wholesale static model, used by phase 4's
// cache fast path (§4.C) to seed a newly discovered entity from a prior
// fetch of the same EntityModelID instead of re-running the breadth-first
// walk. The caller owns m and must not mutate it afterward; pass a
// StaticModel.Clone() of any tree still referenced elsewhere.
func (e *ControlledEntity) ReplaceStaticModel(m *StaticModel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.static = m
}

// Dynamic returns the dynamic-state maps. Callers must hold no assumption
// of exclusivity beyond the entity lock that guarded the call producing
// this pointer; use WithDynamic for compound read-modify-write sequences.
func (e *ControlledEntity) Dynamic() *DynamicState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dynamic
}

// WithDynamic runs fn with the dynamic state under the entity lock.
func (e *ControlledEntity) WithDynamic(fn func(*DynamicState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.dynamic)
}

// Diagnostics returns the diagnostics record.
func (e *ControlledEntity) Diagnostics() *Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.diagnostics
}

// WithDiagnostics runs fn with the diagnostics under the entity lock.
func (e *ControlledEntity) WithDiagnostics(fn func(*Diagnostics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.diagnostics)
}

// AccessState returns a copy of the exclusive-access state.
func (e *ControlledEntity) AccessState() ExclusiveAccessState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.access
}

// SetAccessState replaces the exclusive-access state.
func (e *ControlledEntity) SetAccessState(s ExclusiveAccessState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access = s
}

// WithAccessState runs fn against the exclusive-access state under the
// entity's lock, for atomic read-modify-write updates (mirroring
// WithDynamic/WithStaticModel).
func (e *ControlledEntity) WithAccessState(fn func(*ExclusiveAccessState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.access)
}

// CompatibilityFlags returns the current flags and Milan version.
func (e *ControlledEntity) CompatibilityFlags() (CompatibilityFlags, MilanVersion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compatFlags, e.milanVersion
}

// setCompatibilityFlagsLocked is used only by the compat package's
// transition functions, which take the entity lock themselves via
// WithCompatibility.
func (e *ControlledEntity) setCompatibilityFlagsLocked(flags CompatibilityFlags, version MilanVersion) {
	e.compatFlags = flags
	e.milanVersion = version
}

// WithCompatibility runs fn with read/write access to the flags, version,
// and audit log under the entity lock; fn returns the new flags/version and
// an audit event to append (nil to append nothing). This is the only
// mutation path, so the compat package's monotonicity rules (invariant 3)
// are the sole place flags change.
func (e *ControlledEntity) WithCompatibility(fn func(flags CompatibilityFlags, version MilanVersion) (CompatibilityFlags, MilanVersion, *CompatibilityChangedEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	newFlags, newVersion, evt := fn(e.compatFlags, e.milanVersion)
	e.setCompatibilityFlagsLocked(newFlags, newVersion)
	if evt != nil {
		e.auditLog = append(e.auditLog, *evt)
	}
}

// AuditLog returns a copy of the compatibility audit log.
func (e *ControlledEntity) AuditLog() []CompatibilityChangedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CompatibilityChangedEvent, len(e.auditLog))
	copy(out, e.auditLog)
	return out
}

// MilanInfo returns the cached MVU GET_MILAN_INFO payload.
func (e *ControlledEntity) MilanInfo() MilanInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.milanInfo
}

// SetMilanInfo stores the MVU GET_MILAN_INFO payload (phase 1).
func (e *ControlledEntity) SetMilanInfo(info MilanInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.milanInfo = info
}

// MilanDynamicState returns the cached system-unique-id / media-clock-
// reference-info payload (Milan >= 1.2). The Engine does not fetch it; it
// holds whatever SetMilanDynamicState last stored.
func (e *ControlledEntity) MilanDynamicState() MilanDynamicState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.milanDynamic
}

// SetMilanDynamicState stores the Milan dynamic payload.
func (e *ControlledEntity) SetMilanDynamicState(s MilanDynamicState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.milanDynamic = s
}

// RetryCount returns the attempt counter for a query class.
func (e *ControlledEntity) RetryCount(class QueryClass) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries[class]
}

// IncrementRetry bumps the attempt counter for a query class and returns
// the new value.
func (e *ControlledEntity) IncrementRetry(class QueryClass) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries[class]++
	return e.retries[class]
}

// ResetRetry zeroes the attempt counter for a query class (on success).
func (e *ControlledEntity) ResetRetry(class QueryClass) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries[class] = 0
}

// LastSeen returns the last ADP-update timestamp.
func (e *ControlledEntity) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// Touch records an ADP advertisement/update timestamp without otherwise
// changing capabilities (used by plain keep-alive ADP updates).
func (e *ControlledEntity) Touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = time.Now()
}

// ModelChecksum folds a CRC32a digest over the static model's shape,
// following §9's "visitors ... used for checksumming" note; used to decide
// whether a cached static model may be reused for a given EntityModelID
// (phase 4/6 cache gate).
func (e *ControlledEntity) ModelChecksum() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return checksumStaticModel(e.static)
}
