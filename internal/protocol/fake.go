package protocol

import (
	"context"
	"sync"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

// Fake is an in-process Interface implementation for tests and for
// virtual (snapshot-loaded) entities, matching the teacher's pattern of
// talking to a narrow stream abstraction rather than a live socket
// (see DESIGN.md's Protocol Interface grounding). All calls run their
// callback synchronously (the Async field is not consulted), which is
// enough to drive the Engine/Dispatcher deterministically in tests.
type Fake struct {
	mu sync.Mutex

	Async bool

	onOnline  func(ADPInfo)
	onUpdate  func(ADPInfo)
	onOffline func(model.EntityID)
	notify    func(Notification)

	// Scripts let a test control the status/payload returned for the next
	// call of a given kind; missing entries default to a success status with
	// an empty payload, except MilanInfoFn, which defaults to
	// MVUNotImplemented.
	ReadDescriptorFn       func(model.EntityID, model.DescriptorPath) (AECPStatus, []byte)
	DynamicInfoProbeFn     func(model.EntityID) AECPStatus
	PackedDynamicInfoFn    func(model.EntityID, PackedBatch) (AECPStatus, PackedBatchResult)
	RegisterUnsolicitedFn  func(model.EntityID) AECPStatus
	MilanInfoFn            func(model.EntityID) (MVUStatus, model.MilanInfo)
	AcquireFn              func(model.EntityID, bool) (AECPStatus, model.EntityID)
	LockFn                 func(model.EntityID) (AECPStatus, model.EntityID)
	ConnectFn              func(talker, listener model.StreamIdentification) ACMPStatus

	selfLocked bool
}

// NewFake returns a ready-to-use Fake protocol interface.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) SetADPHandlers(onOnline func(ADPInfo), onUpdate func(ADPInfo), onOffline func(model.EntityID)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOnline, f.onUpdate, f.onOffline = onOnline, onUpdate, onOffline
}

func (f *Fake) SetNotificationHandler(cb func(Notification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = cb
}

// InjectOnline simulates an ADP advertisement from a new entity.
func (f *Fake) InjectOnline(info ADPInfo) {
	f.mu.Lock()
	cb := f.onOnline
	f.mu.Unlock()
	if cb != nil {
		cb(info)
	}
}

// InjectOffline simulates an ADP timeout / departure.
func (f *Fake) InjectOffline(id model.EntityID) {
	f.mu.Lock()
	cb := f.onOffline
	f.mu.Unlock()
	if cb != nil {
		cb(id)
	}
}

// InjectNotification simulates an unsolicited notification or sniffed ACMP
// event arriving out of band.
func (f *Fake) InjectNotification(n Notification) {
	f.mu.Lock()
	cb := f.notify
	f.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

func (f *Fake) EnableAdvertising(ctx context.Context, availableDuration uint32, ifIndex *uint16) error {
	return nil
}
func (f *Fake) DisableAdvertising(ctx context.Context, ifIndex *uint16) error { return nil }
func (f *Fake) DiscoverAll(ctx context.Context) error                        { return nil }
func (f *Fake) DiscoverOne(ctx context.Context, id model.EntityID) error     { return nil }

func (f *Fake) ReadDescriptor(ctx context.Context, target model.EntityID, path model.DescriptorPath, cb func(AECPStatus, []byte)) {
	status, payload := AECPSuccess, []byte(nil)
	if f.ReadDescriptorFn != nil {
		status, payload = f.ReadDescriptorFn(target, path)
	}
	cb(status, payload)
}

func (f *Fake) GetDynamicInfoProbe(ctx context.Context, target model.EntityID, cb func(AECPStatus)) {
	status := AECPSuccess
	if f.DynamicInfoProbeFn != nil {
		status = f.DynamicInfoProbeFn(target)
	}
	cb(status)
}

func (f *Fake) GetPackedDynamicInfo(ctx context.Context, target model.EntityID, batch PackedBatch, cb func(AECPStatus, PackedBatchResult)) {
	if f.PackedDynamicInfoFn != nil {
		status, result := f.PackedDynamicInfoFn(target, batch)
		cb(status, result)
		return
	}
	cb(AECPSuccess, PackedBatchResult{PacketID: batch.PacketID})
}

func (f *Fake) RegisterUnsolicited(ctx context.Context, target model.EntityID, cb func(AECPStatus)) {
	status := AECPSuccess
	if f.RegisterUnsolicitedFn != nil {
		status = f.RegisterUnsolicitedFn(target)
	}
	cb(status)
}

func (f *Fake) UnregisterUnsolicited(ctx context.Context, target model.EntityID, cb func(AECPStatus)) {
	cb(AECPSuccess)
}

func (f *Fake) Acquire(ctx context.Context, target model.EntityID, persistent bool, cb func(AECPStatus, model.EntityID)) {
	if f.AcquireFn != nil {
		status, owner := f.AcquireFn(target, persistent)
		cb(status, owner)
		return
	}
	cb(AECPSuccess, model.NullEntityID)
}

func (f *Fake) Release(ctx context.Context, target model.EntityID, cb func(AECPStatus, model.EntityID)) {
	cb(AECPSuccess, model.NullEntityID)
}

func (f *Fake) LockEntity(ctx context.Context, target model.EntityID, cb func(AECPStatus, model.EntityID)) {
	if f.LockFn != nil {
		status, owner := f.LockFn(target)
		cb(status, owner)
		return
	}
	cb(AECPSuccess, model.NullEntityID)
}

func (f *Fake) UnlockEntity(ctx context.Context, target model.EntityID, cb func(AECPStatus, model.EntityID)) {
	cb(AECPSuccess, model.NullEntityID)
}

func (f *Fake) Identify(ctx context.Context, target model.EntityID, enable bool, cb func(AECPStatus)) {
	cb(AECPSuccess)
}

func (f *Fake) SetEntityName(ctx context.Context, target model.EntityID, name string, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) SetStreamFormat(ctx context.Context, target model.EntityID, path model.DescriptorPath, format model.StreamFormat, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) SetSamplingRate(ctx context.Context, target model.EntityID, audioUnit model.DescriptorIndex, rate uint32, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) SetClockSource(ctx context.Context, target model.EntityID, domain, source model.DescriptorIndex, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) SetControlValues(ctx context.Context, target model.EntityID, control model.DescriptorIndex, values model.ControlValue, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) StartStreamInput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) StopStreamInput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) StartStreamOutput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) StopStreamOutput(ctx context.Context, target model.EntityID, stream model.DescriptorIndex, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) GetAudioMap(ctx context.Context, target model.EntityID, streamPort model.DescriptorIndex, subIndex uint16, cb func(AECPStatus, []model.AudioMapping, bool)) {
	cb(AECPSuccess, nil, true)
}
func (f *Fake) AddAudioMappings(ctx context.Context, target model.EntityID, streamPort model.DescriptorIndex, mappings []model.AudioMapping, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) RemoveAudioMappings(ctx context.Context, target model.EntityID, streamPort model.DescriptorIndex, mappings []model.AudioMapping, cb func(AECPStatus)) {
	cb(AECPSuccess)
}
func (f *Fake) Reboot(ctx context.Context, target model.EntityID, toFirmware bool, cb func(AECPStatus)) {
	cb(AECPSuccess)
}

func (f *Fake) GetMilanInfo(ctx context.Context, target model.EntityID, cb func(MVUStatus, model.MilanInfo)) {
	if f.MilanInfoFn != nil {
		status, info := f.MilanInfoFn(target)
		cb(status, info)
		return
	}
	cb(MVUNotImplemented, model.MilanInfo{})
}
func (f *Fake) GetSystemUniqueID(ctx context.Context, target model.EntityID, cb func(MVUStatus, uint32)) {
	cb(MVUSuccess, 0)
}
func (f *Fake) GetMediaClockReferenceInfo(ctx context.Context, target model.EntityID, domain model.DescriptorIndex, cb func(MVUStatus, uint16)) {
	cb(MVUSuccess, 0)
}

func (f *Fake) Connect(ctx context.Context, talker, listener model.StreamIdentification, cb func(ACMPStatus)) {
	if f.ConnectFn != nil {
		cb(f.ConnectFn(talker, listener))
		return
	}
	cb(ACMPSuccess)
}
func (f *Fake) Disconnect(ctx context.Context, talker, listener model.StreamIdentification, cb func(ACMPStatus)) {
	cb(ACMPSuccess)
}
func (f *Fake) DisconnectTalker(ctx context.Context, talker model.StreamIdentification, cb func(ACMPStatus)) {
	cb(ACMPSuccess)
}
func (f *Fake) GetListenerState(ctx context.Context, listener model.StreamIdentification, cb func(ACMPStatus, model.StreamInputConnectionInfo)) {
	cb(ACMPSuccess, model.StreamInputConnectionInfo{})
}
func (f *Fake) GetTalkerStreamConnection(ctx context.Context, talker model.StreamIdentification, connectionIndex uint16, cb func(ACMPStatus, model.StreamIdentification)) {
	cb(ACMPSuccess, model.StreamIdentification{})
}

func (f *Fake) IsSelfLocked() bool { return f.selfLocked }

// SetSelfLocked lets a test simulate running on the networking executor.
func (f *Fake) SetSelfLocked(v bool) { f.selfLocked = v }

var _ Interface = (*Fake)(nil)
