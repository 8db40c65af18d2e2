package model

import "time"

// DynamicState holds every per-descriptor mutable field tracked outside the
// (conceptually immutable) static model: names, current formats/rates,
// counters, connection info, and so on. Keyed by DescriptorPath or
// DescriptorIndex so the
// Dispatcher can apply a response without walking the static tree.
type DynamicState struct {
	Names              map[DescriptorPath]string
	StreamInputInfo    map[DescriptorIndex]StreamInputConnectionInfo
	StreamOutputConns  map[DescriptorIndex]map[StreamIdentification]struct{}
	StreamFormats      map[DescriptorPath]StreamFormat
	StreamInfoFlags    map[DescriptorIndex]StreamInfoFlags
	SamplingRates      map[DescriptorIndex]uint32
	ClockSourceIndices map[DescriptorIndex]DescriptorIndex // ClockDomainIndex -> ClockSourceIndex
	MemoryObjectLength map[DescriptorIndex]uint64
	ControlValues      map[DescriptorIndex]ControlValue
	Counters           map[DescriptorPath]Counters
	AudioMappings      map[DescriptorIndex][]AudioMapping // dynamic maps, when no static map
	ActiveConfiguration map[DescriptorIndex]bool
	MaxTransitTime     map[DescriptorIndex]time.Duration
	AvbInfo            map[DescriptorIndex]AvbInfo
	ASPath             map[DescriptorIndex][]EntityID
	// PresentationTimeOffset is the talker StreamOutput's presentation time
	// offset in nanoseconds; MsrpAccumulatedLatency is the listener
	// StreamInput's reported accumulated MSRP latency in nanoseconds. Both
	// feed the §4.D over-latency diagnostic (§8 scenario 4).
	PresentationTimeOffset map[DescriptorIndex]uint32
	MsrpAccumulatedLatency map[DescriptorIndex]uint32
}

// NewDynamicState returns a DynamicState with every map initialized, so
// updaters never need nil-checks before a write.
func NewDynamicState() *DynamicState {
	return &DynamicState{
		Names:               make(map[DescriptorPath]string),
		StreamInputInfo:     make(map[DescriptorIndex]StreamInputConnectionInfo),
		StreamOutputConns:   make(map[DescriptorIndex]map[StreamIdentification]struct{}),
		StreamFormats:       make(map[DescriptorPath]StreamFormat),
		StreamInfoFlags:     make(map[DescriptorIndex]StreamInfoFlags),
		SamplingRates:       make(map[DescriptorIndex]uint32),
		ClockSourceIndices:  make(map[DescriptorIndex]DescriptorIndex),
		MemoryObjectLength:  make(map[DescriptorIndex]uint64),
		ControlValues:       make(map[DescriptorIndex]ControlValue),
		Counters:            make(map[DescriptorPath]Counters),
		AudioMappings:       make(map[DescriptorIndex][]AudioMapping),
		ActiveConfiguration: make(map[DescriptorIndex]bool),
		MaxTransitTime:      make(map[DescriptorIndex]time.Duration),
		AvbInfo:             make(map[DescriptorIndex]AvbInfo),
		ASPath:              make(map[DescriptorIndex][]EntityID),
		PresentationTimeOffset: make(map[DescriptorIndex]uint32),
		MsrpAccumulatedLatency: make(map[DescriptorIndex]uint32),
	}
}

// ConnectionState enumerates a listener StreamInput's ACMP connection state.
type ConnectionState int

const (
	NotConnected ConnectionState = iota
	Connected
	FastConnecting
)

// StreamInputConnectionInfo is the listener-side view of one stream
// connection, invariant 4's subject of reciprocity with the talker.
type StreamInputConnectionInfo struct {
	State  ConnectionState
	Talker StreamIdentification
}

// StreamInfoFlags is a compact bitset of AEM STREAM_INFO / Milan-extended
// flags (probing state, class B, etc.), wrapped rather than left as a raw
// integer per §9 "Config/flag enums."
type StreamInfoFlags uint32

const (
	StreamInfoFlagConnected StreamInfoFlags = 1 << iota
	StreamInfoFlagStreamingWait
	StreamInfoFlagCRFSyncSource
	StreamInfoFlagMilanRedundant
)

func (f StreamInfoFlags) Has(bit StreamInfoFlags) bool { return f&bit != 0 }

// ControlValue is the current value of a CONTROL descriptor plus whether it
// has been flagged out of the static min..max range.
type ControlValue struct {
	Value        float64
	OutOfRange   bool
}

// Counters is a generic counter snapshot; LinkUp/LinkDown/Locked/Unlocked/
// MediaLocked/MediaUnlocked/StreamStart/StreamStop are validated for
// coherence by the compat package (spec §4.E-vi).
type Counters map[string]uint32

// AvbInfo carries gPTP grandmaster/domain/AS-path style per-interface
// dynamic information returned by GET_AVB_INFO.
type AvbInfo struct {
	GrandmasterID EntityID
	Domain        uint8
	PropagationOK bool
}

// MilanInfo is the MVU GET_MILAN_INFO payload (phase 1).
type MilanInfo struct {
	Present       bool
	VersionMajor  uint8
	VersionMinor  uint8
	VersionPatch  uint8
	FeatureRedundancy bool
}

// MilanDynamicState carries the version->=1.2 system-unique-ID and
// media-clock-reference-info fields; the Engine does not fetch them.
type MilanDynamicState struct {
	SystemUniqueID       uint32
	MediaClockReferenceID uint16
	Valid                bool
}
