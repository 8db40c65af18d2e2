package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityIDClassification(t *testing.T) {
	assert.True(t, NullEntityID.IsNull())
	assert.False(t, NullEntityID.IsValid())
	assert.True(t, UninitializedEntityID.IsUninitialized())
	assert.False(t, UninitializedEntityID.IsValid())

	group := EntityID(uint64(1) << 63)
	assert.True(t, group.IsGroup())
	assert.False(t, group.IsValid())

	valid := EntityID(0x001122FFFE334455)
	assert.True(t, valid.IsValid())
	assert.Equal(t, "0x001122FFFE334455", valid.String())
}

func TestCompatibilityFlagsString(t *testing.T) {
	var f CompatibilityFlags
	assert.Equal(t, "None", f.String())
	f = CompatIEEE17221 | CompatMilan
	assert.Equal(t, "IEEE17221|Milan", f.String())
}

func TestMilanVersionOrdering(t *testing.T) {
	v12 := MilanVersion{1, 2}
	v13 := MilanVersion{1, 3}
	assert.True(t, v13.AtLeast(v12))
	assert.False(t, v12.AtLeast(v13))
	assert.Equal(t, "1.3", v13.String())
}

func TestControlledEntityAdvertisedOnce(t *testing.T) {
	e := New(EntityID(0x1), false)
	assert.False(t, e.Advertised())
	e.SetAdvertised()
	assert.True(t, e.Advertised())
	// calling again should not panic and should remain true
	e.SetAdvertised()
	assert.True(t, e.Advertised())
}

func TestAssociationIDRetainedWhenInvalid(t *testing.T) {
	e := New(EntityID(0x1), false)
	e.SetCapabilities(Capabilities{AssociationID: EntityID(0x42), AssociationIDValid: true})
	assert.Equal(t, EntityID(0x42), e.Capabilities().AssociationID)

	// a later ADP update without a valid AssociationID must not clear it
	e.SetCapabilities(Capabilities{AssociationIDValid: false})
	assert.Equal(t, EntityID(0x42), e.Capabilities().AssociationID)
	assert.True(t, e.Capabilities().AssociationIDValid)
}

func TestRetryCounters(t *testing.T) {
	e := New(EntityID(0x1), false)
	assert.Equal(t, 0, e.RetryCount(QueryClassDynamicInfo))
	assert.Equal(t, 1, e.IncrementRetry(QueryClassDynamicInfo))
	assert.Equal(t, 2, e.IncrementRetry(QueryClassDynamicInfo))
	e.ResetRetry(QueryClassDynamicInfo)
	assert.Equal(t, 0, e.RetryCount(QueryClassDynamicInfo))
}

func TestWalkVisitsEveryKind(t *testing.T) {
	sm := &StaticModel{
		Configurations: []ConfigurationDescriptor{
			{
				Index:         0,
				AudioUnits:    []AudioUnitDescriptor{{Index: 0}},
				StreamInputs:  []StreamDescriptor{{Index: 0}},
				StreamOutputs: []StreamDescriptor{{Index: 0}},
				ClockDomains:  []ClockDomainDescriptor{{Index: 0}},
			},
		},
	}
	var seen []NodeKind
	v := &recordingVisitor{DefaultVisitor: DefaultVisitor{}, record: &seen}
	Walk(sm, v)
	assert.ElementsMatch(t, []NodeKind{NodeAudioUnit, NodeStreamInput, NodeStreamOutput, NodeClockDomain}, seen)
}

type recordingVisitor struct {
	DefaultVisitor
	record *[]NodeKind
}

func (r *recordingVisitor) VisitAudioUnit(n Node)    { *r.record = append(*r.record, n.Kind) }
func (r *recordingVisitor) VisitStreamInput(n Node)  { *r.record = append(*r.record, n.Kind) }
func (r *recordingVisitor) VisitStreamOutput(n Node) { *r.record = append(*r.record, n.Kind) }
func (r *recordingVisitor) VisitClockDomain(n Node)  { *r.record = append(*r.record, n.Kind) }
