package model

// NodeKind tags the variant carried by Node, so traversal users can
// pattern-match rather than relying on a virtual call (§9 "Polymorphism
// across descriptor node kinds").
type NodeKind int

const (
	NodeAudioUnit NodeKind = iota
	NodeStreamInput
	NodeStreamOutput
	NodeJackInput
	NodeJackOutput
	NodeAvbInterface
	NodeClockSource
	NodeMemoryObject
	NodeLocale
	NodeControl
	NodeClockDomain
	NodeTiming
	NodePtpInstance
)

// Node is one visited tree element, with its kind, its index, and the
// configuration it belongs to. Exactly one of the payload pointers is
// non-nil, selected by Kind.
type Node struct {
	Kind          NodeKind
	ConfigIndex   DescriptorIndex
	Index         DescriptorIndex
	AudioUnit     *AudioUnitDescriptor
	StreamInput   *StreamDescriptor
	StreamOutput  *StreamDescriptor
	JackInput     *JackDescriptor
	JackOutput    *JackDescriptor
	AvbInterface  *AvbInterfaceDescriptor
	ClockSource   *ClockSourceDescriptor
	MemoryObject  *MemoryObjectDescriptor
	Locale        *LocaleDescriptor
	Control       *ControlDescriptor
	ClockDomain   *ClockDomainDescriptor
	Timing        *TimingDescriptor
	PtpInstance   *PtpInstanceDescriptor
}

// Visitor is the defaulted traversal interface of §9: every method has a
// meaningful default (the caller only implements what it needs) by
// embedding DefaultVisitor.
type Visitor interface {
	VisitAudioUnit(Node)
	VisitStreamInput(Node)
	VisitStreamOutput(Node)
	VisitJackInput(Node)
	VisitJackOutput(Node)
	VisitAvbInterface(Node)
	VisitClockSource(Node)
	VisitMemoryObject(Node)
	VisitLocale(Node)
	VisitControl(Node)
	VisitClockDomain(Node)
	VisitTiming(Node)
	VisitPtpInstance(Node)
}

// DefaultVisitor implements Visitor with no-op methods; embed it and
// override only the kinds a given traversal user cares about (cache
// building, dynamic-info issuance, snapshot serialization, checksumming).
type DefaultVisitor struct{}

func (DefaultVisitor) VisitAudioUnit(Node)    {}
func (DefaultVisitor) VisitStreamInput(Node)  {}
func (DefaultVisitor) VisitStreamOutput(Node) {}
func (DefaultVisitor) VisitJackInput(Node)    {}
func (DefaultVisitor) VisitJackOutput(Node)   {}
func (DefaultVisitor) VisitAvbInterface(Node) {}
func (DefaultVisitor) VisitClockSource(Node)  {}
func (DefaultVisitor) VisitMemoryObject(Node) {}
func (DefaultVisitor) VisitLocale(Node)       {}
func (DefaultVisitor) VisitControl(Node)      {}
func (DefaultVisitor) VisitClockDomain(Node)  {}
func (DefaultVisitor) VisitTiming(Node)       {}
func (DefaultVisitor) VisitPtpInstance(Node)  {}

// Walk performs the defaulted traversal over every configuration in m,
// calling the matching Visitor method for each node. Order within a
// configuration follows the §4.E-ii top-level descriptor-count table
// order, so dynamic-info issuance (phase 6) and cache building (phase 4)
// see a stable, reproducible sequence.
func Walk(m *StaticModel, v Visitor) {
	if m == nil {
		return
	}
	for ci := range m.Configurations {
		cfg := &m.Configurations[ci]
		for i := range cfg.AudioUnits {
			v.VisitAudioUnit(Node{Kind: NodeAudioUnit, ConfigIndex: cfg.Index, Index: cfg.AudioUnits[i].Index, AudioUnit: &cfg.AudioUnits[i]})
		}
		for i := range cfg.StreamInputs {
			v.VisitStreamInput(Node{Kind: NodeStreamInput, ConfigIndex: cfg.Index, Index: cfg.StreamInputs[i].Index, StreamInput: &cfg.StreamInputs[i]})
		}
		for i := range cfg.StreamOutputs {
			v.VisitStreamOutput(Node{Kind: NodeStreamOutput, ConfigIndex: cfg.Index, Index: cfg.StreamOutputs[i].Index, StreamOutput: &cfg.StreamOutputs[i]})
		}
		for i := range cfg.JacksInput {
			v.VisitJackInput(Node{Kind: NodeJackInput, ConfigIndex: cfg.Index, Index: cfg.JacksInput[i].Index, JackInput: &cfg.JacksInput[i]})
		}
		for i := range cfg.JacksOutput {
			v.VisitJackOutput(Node{Kind: NodeJackOutput, ConfigIndex: cfg.Index, Index: cfg.JacksOutput[i].Index, JackOutput: &cfg.JacksOutput[i]})
		}
		for i := range cfg.AvbInterfaces {
			v.VisitAvbInterface(Node{Kind: NodeAvbInterface, ConfigIndex: cfg.Index, Index: cfg.AvbInterfaces[i].Index, AvbInterface: &cfg.AvbInterfaces[i]})
		}
		for i := range cfg.ClockSources {
			v.VisitClockSource(Node{Kind: NodeClockSource, ConfigIndex: cfg.Index, Index: cfg.ClockSources[i].Index, ClockSource: &cfg.ClockSources[i]})
		}
		for i := range cfg.MemoryObjects {
			v.VisitMemoryObject(Node{Kind: NodeMemoryObject, ConfigIndex: cfg.Index, Index: cfg.MemoryObjects[i].Index, MemoryObject: &cfg.MemoryObjects[i]})
		}
		for i := range cfg.Locales {
			v.VisitLocale(Node{Kind: NodeLocale, ConfigIndex: cfg.Index, Index: cfg.Locales[i].Index, Locale: &cfg.Locales[i]})
		}
		for i := range cfg.Controls {
			v.VisitControl(Node{Kind: NodeControl, ConfigIndex: cfg.Index, Index: cfg.Controls[i].Index, Control: &cfg.Controls[i]})
		}
		for i := range cfg.ClockDomains {
			v.VisitClockDomain(Node{Kind: NodeClockDomain, ConfigIndex: cfg.Index, Index: cfg.ClockDomains[i].Index, ClockDomain: &cfg.ClockDomains[i]})
		}
		for i := range cfg.Timing {
			v.VisitTiming(Node{Kind: NodeTiming, ConfigIndex: cfg.Index, Index: cfg.Timing[i].Index, Timing: &cfg.Timing[i]})
		}
		for i := range cfg.PtpInstances {
			v.VisitPtpInstance(Node{Kind: NodePtpInstance, ConfigIndex: cfg.Index, Index: cfg.PtpInstances[i].Index, PtpInstance: &cfg.PtpInstances[i]})
		}
	}
}

// ExhaustiveVisitor is the compiler-enforced counterpart of Visitor: adding
// a NodeKind and forgetting to add a case in a switch over Kind is caught
// by exhaustiveness-checking lint tooling, since there is no default
// no-op path (§9 "a traversal function ... defaulted ... and an
// exhaustive one").
type ExhaustiveVisitor interface {
	Visit(Node)
}

// WalkExhaustive is identical to Walk but calls a single Visit method,
// requiring callers to switch on Kind themselves.
func WalkExhaustive(m *StaticModel, v ExhaustiveVisitor) {
	Walk(m, exhaustiveAdapter{v})
}

type exhaustiveAdapter struct{ v ExhaustiveVisitor }

func (a exhaustiveAdapter) VisitAudioUnit(n Node)    { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitStreamInput(n Node)  { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitStreamOutput(n Node) { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitJackInput(n Node)    { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitJackOutput(n Node)   { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitAvbInterface(n Node) { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitClockSource(n Node)  { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitMemoryObject(n Node) { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitLocale(n Node)       { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitControl(n Node)      { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitClockDomain(n Node)  { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitTiming(n Node)       { a.v.Visit(n) }
func (a exhaustiveAdapter) VisitPtpInstance(n Node)  { a.v.Visit(n) }
