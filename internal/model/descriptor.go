package model

// StaticModel is the immutable (per configuration) descriptor tree fetched
// during GetStaticModel. It is a tagged collection rather than a single
// inheritance hierarchy: each descriptor kind gets its own slice, addressed
// by DescriptorIndex, mirroring the teacher's per-kind port slices
// (OltDevice.Pons / OltDevice.Nnis rather than one polymorphic []Port).
type StaticModel struct {
	EntityModelID    EntityID
	Configurations   []ConfigurationDescriptor
	currentConfigIdx DescriptorIndex
}

// CurrentConfiguration returns the active configuration's static descriptors.
func (m *StaticModel) CurrentConfiguration() *ConfigurationDescriptor {
	if m == nil || int(m.currentConfigIdx) >= len(m.Configurations) {
		return nil
	}
	return &m.Configurations[m.currentConfigIdx]
}

// SetCurrentConfigurationIndex records which configuration is active.
func (m *StaticModel) SetCurrentConfigurationIndex(idx DescriptorIndex) {
	m.currentConfigIdx = idx
}

// Clone returns an independent copy of m, used to seed a freshly discovered
// entity's static model from the Engine's EntityModelID-keyed cache (§4.C
// phase 4/6 cache fast path): the static model is conceptually immutable per
// configuration (§3), but each entity's copy must still be free to acquire
// its own dynamic current-value fields and cached locale strings without
// mutating the cached original or another entity sharing the same
// EntityModelID.
func (m *StaticModel) Clone() *StaticModel {
	if m == nil {
		return nil
	}
	out := &StaticModel{EntityModelID: m.EntityModelID, currentConfigIdx: m.currentConfigIdx}
	out.Configurations = make([]ConfigurationDescriptor, len(m.Configurations))
	for i, cfg := range m.Configurations {
		out.Configurations[i] = cloneConfiguration(cfg)
	}
	return out
}

func cloneConfiguration(cfg ConfigurationDescriptor) ConfigurationDescriptor {
	out := cfg

	if cfg.DescriptorCounts != nil {
		out.DescriptorCounts = make(map[DescriptorType]uint16, len(cfg.DescriptorCounts))
		for k, v := range cfg.DescriptorCounts {
			out.DescriptorCounts[k] = v
		}
	}

	out.AudioUnits = append([]AudioUnitDescriptor(nil), cfg.AudioUnits...)
	for i, au := range out.AudioUnits {
		out.AudioUnits[i].SamplingRates = append([]uint32(nil), au.SamplingRates...)
		out.AudioUnits[i].StreamPortInputs = append([]StreamPortDescriptor(nil), au.StreamPortInputs...)
		for j, sp := range out.AudioUnits[i].StreamPortInputs {
			out.AudioUnits[i].StreamPortInputs[j].ClusterMap = append([]AudioMapping(nil), sp.ClusterMap...)
		}
	}

	out.StreamInputs = cloneStreamDescriptors(cfg.StreamInputs)
	out.StreamOutputs = cloneStreamDescriptors(cfg.StreamOutputs)
	out.JacksInput = append([]JackDescriptor(nil), cfg.JacksInput...)
	out.JacksOutput = append([]JackDescriptor(nil), cfg.JacksOutput...)
	out.AvbInterfaces = append([]AvbInterfaceDescriptor(nil), cfg.AvbInterfaces...)
	out.ClockSources = append([]ClockSourceDescriptor(nil), cfg.ClockSources...)
	out.MemoryObjects = append([]MemoryObjectDescriptor(nil), cfg.MemoryObjects...)
	out.Controls = append([]ControlDescriptor(nil), cfg.Controls...)

	out.Locales = append([]LocaleDescriptor(nil), cfg.Locales...)
	for i, loc := range out.Locales {
		out.Locales[i].StringsRefs = append([]DescriptorIndex(nil), loc.StringsRefs...)
		out.Locales[i].cachedString = nil
		for k, v := range loc.cachedString {
			out.Locales[i].SetCachedString(k, v)
		}
	}

	out.ClockDomains = append([]ClockDomainDescriptor(nil), cfg.ClockDomains...)
	for i, cd := range out.ClockDomains {
		out.ClockDomains[i].ClockSources = append([]ClockSourceDescriptor(nil), cd.ClockSources...)
	}

	out.Timing = append([]TimingDescriptor(nil), cfg.Timing...)
	for i, t := range out.Timing {
		out.Timing[i].PtpInstanceIdx = append([]DescriptorIndex(nil), t.PtpInstanceIdx...)
	}

	out.PtpInstances = append([]PtpInstanceDescriptor(nil), cfg.PtpInstances...)
	for i, pi := range out.PtpInstances {
		out.PtpInstances[i].PtpPorts = append([]PtpPortDescriptor(nil), pi.PtpPorts...)
	}

	return out
}

func cloneStreamDescriptors(in []StreamDescriptor) []StreamDescriptor {
	out := append([]StreamDescriptor(nil), in...)
	for i, sd := range out {
		out[i].Formats = append([]StreamFormat(nil), sd.Formats...)
	}
	return out
}

// ConfigurationDescriptor groups every descriptor kind scoped to one
// configuration, plus the top-level descriptor-count table (§4.E-ii).
type ConfigurationDescriptor struct {
	Index          DescriptorIndex
	Name           string
	IsActive       bool
	DescriptorCounts map[DescriptorType]uint16

	AudioUnits    []AudioUnitDescriptor
	StreamInputs  []StreamDescriptor
	StreamOutputs []StreamDescriptor
	JacksInput    []JackDescriptor
	JacksOutput   []JackDescriptor
	AvbInterfaces []AvbInterfaceDescriptor
	ClockSources  []ClockSourceDescriptor
	MemoryObjects []MemoryObjectDescriptor
	Locales       []LocaleDescriptor
	Controls      []ControlDescriptor
	ClockDomains  []ClockDomainDescriptor
	Timing        []TimingDescriptor
	PtpInstances  []PtpInstanceDescriptor
}

// AudioUnitDescriptor describes a clocked audio conversion unit.
type AudioUnitDescriptor struct {
	Index               DescriptorIndex
	ClockDomainIndex    DescriptorIndex
	CurrentSamplingRate uint32
	SamplingRates       []uint32
	StreamPortInputs    []StreamPortDescriptor
}

// StreamPortDescriptor carries the audio-mapping table used by §4.G's
// channel-connection computation.
type StreamPortDescriptor struct {
	Index      DescriptorIndex
	ClusterMap []AudioMapping
}

// AudioMapping resolves one (cluster, channel) to a (stream, streamChannel)
// pair. Primary/secondary (redundant) pairs are tracked by RedundantOfTalk.
type AudioMapping struct {
	ClusterOffset   uint16
	ClusterChannel  uint16
	StreamIndex     DescriptorIndex
	StreamChannel   uint16
	RedundantOfTalk *StreamIdentification
}

// ClockSourceKind distinguishes the terminal clock source kinds (§3 inv 5)
// from a continuing InputStream reference.
type ClockSourceKind int

const (
	ClockSourceInternal ClockSourceKind = iota
	ClockSourceExternal
	ClockSourceInputStream
	ClockSourceExpansion
)

// ClockSourceDescriptor is one entry in a ClockDomain's candidate list.
type ClockSourceDescriptor struct {
	Index       DescriptorIndex
	Kind        ClockSourceKind
	InputStream DescriptorIndex // valid when Kind == ClockSourceInputStream
}

// ClockDomainDescriptor owns the active-clock-source pointer walked by the
// media-clock chain (§3 inv 5, §4.G).
type ClockDomainDescriptor struct {
	Index             DescriptorIndex
	ClockSources      []ClockSourceDescriptor
	currentSourceIdx  DescriptorIndex
}

// CurrentClockSource returns the active source, or nil if unset.
func (c *ClockDomainDescriptor) CurrentClockSource() *ClockSourceDescriptor {
	for i := range c.ClockSources {
		if c.ClockSources[i].Index == c.currentSourceIdx {
			return &c.ClockSources[i]
		}
	}
	return nil
}

// SetCurrentClockSourceIndex records the active clock source by index.
func (c *ClockDomainDescriptor) SetCurrentClockSourceIndex(idx DescriptorIndex) {
	c.currentSourceIdx = idx
}

// StreamFormat is an opaque wire-format identifier (owned by the external
// descriptor model library per §1); the controller only compares values.
type StreamFormat uint64

// StreamDescriptor is shared shape for StreamInput/StreamOutput static data.
type StreamDescriptor struct {
	Index          DescriptorIndex
	Name           string
	ClockDomainIdx DescriptorIndex
	Formats        []StreamFormat
}

// JackDescriptor covers JackInput/JackOutput.
type JackDescriptor struct {
	Index DescriptorIndex
	Name  string
}

// AvbInterfaceDescriptor is the static shape of an AVB_INTERFACE node.
type AvbInterfaceDescriptor struct {
	Index      DescriptorIndex
	Name       string
	MacAddress [6]byte
}

// MemoryObjectKind enumerates firmware/settings/log memory object roles.
type MemoryObjectKind int

// MemoryObjectDescriptor is the static shape of a MEMORY_OBJECT node.
type MemoryObjectDescriptor struct {
	Index      DescriptorIndex
	Kind       MemoryObjectKind
	MaxLength  uint64
}

// LocaleDescriptor groups a set of localized Strings descriptors.
type LocaleDescriptor struct {
	Index        DescriptorIndex
	LocaleID     string
	StringsRefs  []DescriptorIndex
	cachedString map[uint16]string
}

// CachedString returns the locale's cached string for the given global
// string index (PreferredLanguage resolution happens at fetch time).
func (l *LocaleDescriptor) CachedString(globalIndex uint16) (string, bool) {
	if l.cachedString == nil {
		return "", false
	}
	s, ok := l.cachedString[globalIndex]
	return s, ok
}

// SetCachedString stores a resolved localized string.
func (l *LocaleDescriptor) SetCachedString(globalIndex uint16, value string) {
	if l.cachedString == nil {
		l.cachedString = make(map[uint16]string)
	}
	l.cachedString[globalIndex] = value
}

// ControlValueType enumerates the AEM CONTROL value type encodings.
type ControlValueType int

// ControlDescriptor is the static shape of a CONTROL node.
type ControlDescriptor struct {
	Index          DescriptorIndex
	ControlType    [8]byte // EUI-64
	ValueType      ControlValueType
	Min, Max       float64
	NumberOfValues uint16
}

// TimingDescriptor and PtpInstanceDescriptor/PtpPortDescriptor support the
// gPTP domain tree introduced by later 1722.1 revisions.
type TimingDescriptor struct {
	Index      DescriptorIndex
	Name       string
	PtpInstanceIdx []DescriptorIndex
}

type PtpInstanceDescriptor struct {
	Index    DescriptorIndex
	Name     string
	PtpPorts []PtpPortDescriptor
}

type PtpPortDescriptor struct {
	Index DescriptorIndex
	Name  string
}
