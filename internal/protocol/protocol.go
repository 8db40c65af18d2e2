// Package protocol defines the external Protocol Interface consumed by the
// controller core (§6.1). The lower-layer ADP/AECP/ACMP/MVU framing and
// transmission, and raw socket I/O, are out of scope (§1); this package
// only declares the boundary the rest of the core programs against, plus a
// Fake implementation for tests and virtual entities.
package protocol

import (
	"context"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

// AECPStatus is a protocol-layer response status. The three wire protocols
// that can carry a command result each have a distinct status space;
// AECPStatus/ACMPStatus/MVUStatus keep them from being confused with each
// other even though all three classify into the same FailureAction set
// (see internal/retry).
type AECPStatus int

const (
	AECPSuccess AECPStatus = iota
	AECPNotImplemented
	AECPNoSuchDescriptor
	AECPEntityLocked
	AECPEntityAcquired
	AECPNotAuthenticated
	AECPAuthenticationDisabled
	AECPBadArguments
	AECPNoResources
	AECPInProgress
	AECPEntityMisbehaving
	AECPNotSupported
	AECPStreamIsRunning
	AECPTimedOut
	AECPNetworkError
)

type ACMPStatus int

const (
	ACMPSuccess ACMPStatus = iota
	ACMPListenerUnknownID
	ACMPTalkerUnknownID
	ACMPTalkerDestMacFail
	ACMPTalkerNoStreamIndex
	ACMPTalkerNoBandwidth
	ACMPTalkerExclusive
	ACMPListenerTalkerTimeout
	ACMPListenerExclusive
	ACMPStateUnavailable
	ACMPNotConnected
	ACMPNoSuchConnection
	ACMPCouldNotSendMessage
	ACMPTalkerMisbehaving
	ACMPListenerMisbehaving
	ACMPControllerNotAuthorized
	ACMPIncompatibleRequest
	ACMPNotSupported
	ACMPTimedOut
	ACMPNetworkError
)

type MVUStatus int

const (
	MVUSuccess MVUStatus = iota
	MVUNotImplemented
	MVUBadArguments
	MVUBaseProtocolViolation
	MVUTimedOut
	MVUNetworkError
)

// ADPInfo is the full ADP-derived capability record delivered on
// onEntityOnline/onEntityUpdate.
type ADPInfo struct {
	EntityID     model.EntityID
	Capabilities model.Capabilities
}

// Interface is the controller core's view of the lower-layer protocol
// stack, per §6.1. Every command-issuing method is asynchronous: it
// returns immediately and the supplied callback runs on the networking
// executor when the response arrives, times out, or is classified,
// matching §5's suspension-point model.
type Interface interface {
	// ADP
	SetADPHandlers(onOnline func(ADPInfo), onUpdate func(ADPInfo), onOffline func(model.EntityID))
	EnableAdvertising(ctx context.Context, availableDuration uint32, ifIndex *uint16) error
	DisableAdvertising(ctx context.Context, ifIndex *uint16) error
	DiscoverAll(ctx context.Context) error
	DiscoverOne(ctx context.Context, id model.EntityID) error

	// AECP/AEM
	ReadDescriptor(ctx context.Context, target model.EntityID, path model.DescriptorPath, cb func(AECPStatus, []byte))
	GetDynamicInfoProbe(ctx context.Context, target model.EntityID, cb func(AECPStatus))
	GetPackedDynamicInfo(ctx context.Context, target model.EntityID, batch PackedBatch, cb func(AECPStatus, PackedBatchResult))
	RegisterUnsolicited(ctx context.Context, target model.EntityID, cb func(AECPStatus))
	UnregisterUnsolicited(ctx context.Context, target model.EntityID, cb func(AECPStatus))
	Acquire(ctx context.Context, target model.EntityID, persistent bool, cb func(AECPStatus, model.EntityID))
	Release(ctx context.Context, target model.EntityID, cb func(AECPStatus, model.EntityID))
	LockEntity(ctx context.Context, target model.EntityID, cb func(AECPStatus, model.EntityID))
	UnlockEntity(ctx context.Context, target model.EntityID, cb func(AECPStatus, model.EntityID))
	Identify(ctx context.Context, target model.EntityID, enable bool, cb func(AECPStatus))

	SetEntityName(ctx context.Context, target model.EntityID, name string, cb func(AECPStatus))
	SetStreamFormat(ctx context.Context, target model.EntityID, path model.DescriptorPath, format model.StreamFormat, cb func(AECPStatus))
	SetSamplingRate(ctx context.Context, target model.EntityID, audioUnit model.DescriptorIndex, rate uint32, cb func(AECPStatus))
	SetClockSource(ctx context.Context, target model.EntityID, domain, source model.DescriptorIndex, cb func(AECPStatus))
	SetControlValues(ctx context.Context, target model.EntityID, control model.DescriptorIndex, values model.ControlValue, cb func(AECPStatus))
	StartStreamInput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus))
	StopStreamInput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus))
	StartStreamOutput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus))
	StopStreamOutput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus))
	GetAudioMap(ctx context.Context, target model.EntityID, streamPort model.DescriptorIndex, subIndex uint16, cb func(AECPStatus, []model.AudioMapping, bool))
	AddAudioMappings(ctx context.Context, target model.EntityID, streamPort model.DescriptorIndex, mappings []model.AudioMapping, cb func(AECPStatus))
	RemoveAudioMappings(ctx context.Context, target model.EntityID, streamPort model.DescriptorIndex, mappings []model.AudioMapping, cb func(AECPStatus))
	Reboot(ctx context.Context, target model.EntityID, toFirmware bool, cb func(AECPStatus))

	// AECP/MVU
	GetMilanInfo(ctx context.Context, target model.EntityID, cb func(MVUStatus, model.MilanInfo))
	GetSystemUniqueID(ctx context.Context, target model.EntityID, cb func(MVUStatus, uint32))
	GetMediaClockReferenceInfo(ctx context.Context, target model.EntityID, domain model.DescriptorIndex, cb func(MVUStatus, uint16))

	// ACMP
	Connect(ctx context.Context, talker, listener model.StreamIdentification, cb func(ACMPStatus))
	Disconnect(ctx context.Context, talker, listener model.StreamIdentification, cb func(ACMPStatus))
	DisconnectTalker(ctx context.Context, talker model.StreamIdentification, cb func(ACMPStatus))
	GetListenerState(ctx context.Context, listener model.StreamIdentification, cb func(ACMPStatus, model.StreamInputConnectionInfo))
	GetTalkerStreamConnection(ctx context.Context, talker model.StreamIdentification, connectionIndex uint16, cb func(ACMPStatus, model.StreamIdentification))

	// Unsolicited notifications and sniffed ACMP are delivered through
	// this single callback, matching §4.D's "order with respect to
	// outstanding commands is not guaranteed" requirement -- the
	// Dispatcher must tolerate interleaving, not the transport.
	SetNotificationHandler(cb func(Notification))

	// IsSelfLocked is used in assertions (§6.1 last bullet): true when
	// called from the networking-executor goroutine itself.
	IsSelfLocked() bool
}

// PackedBatch is one GET_DYNAMIC_INFO packed request: several sub-queries
// sharing a command type, tagged with an integer PacketID used to match
// the multi-response (§4.C "packed fast-path").
type PackedBatch struct {
	PacketID uint16
	Queries  []PackedQuery
}

// PackedQuery is one sub-query within a packed batch.
type PackedQuery struct {
	Kind QueryKind
	Path model.DescriptorPath
}

// QueryKind enumerates the dynamic-info sub-query kinds that may be packed.
type QueryKind int

const (
	QueryStreamInfo QueryKind = iota
	QueryStreamInfoEx
	QueryCounters
	QueryAvbInfo
	QueryASPath
	QueryAcquiredState
	QueryLockedState
	QueryName
	QueryCurrentStreamFormat
	QueryCurrentSamplingRate
	QueryCurrentClockSource
	QueryMemoryObjectLength
	QueryActiveConfiguration
	QueryMaxTransitTime
)

// PackedBatchResult carries one AECPStatus and payload per sub-query,
// ordered to match PackedBatch.Queries.
type PackedBatchResult struct {
	PacketID uint16
	Statuses []AECPStatus
	Payloads [][]byte
}

// NotificationKind enumerates the unsolicited/sniffed message kinds
// delivered through SetNotificationHandler.
type NotificationKind int

const (
	NotifyStreamInfo NotificationKind = iota
	NotifyStreamFormat
	NotifyName
	NotifySamplingRate
	NotifyClockSource
	NotifyControlValues
	NotifyAcquiredChanged
	NotifyLockedChanged
	NotifyConfigurationChanged
	NotifyACMPConnect
	NotifyACMPDisconnect
	NotifyIdentifyStarted
	NotifyIdentifyStopped
)

// Notification is one unsolicited notification or sniffed ACMP event.
type Notification struct {
	Kind   NotificationKind
	Target model.EntityID
	Path   model.DescriptorPath
	Payload []byte
	Talker  model.StreamIdentification
	Listener model.StreamIdentification
}
