// Package model defines the descriptor tree, dynamic state, and per-entity
// bookkeeping that make up a ControlledEntity.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityID is the 64-bit opaque identifier advertised by an AVDECC entity.
type EntityID uint64

const (
	// NullEntityID is the all-zero identifier: never a valid entity.
	NullEntityID EntityID = 0
	// UninitializedEntityID is the all-ones identifier: never a valid entity.
	UninitializedEntityID EntityID = 0xFFFFFFFFFFFFFFFF
	groupBit                       = uint64(1) << 63
)

// IsNull reports whether the id is the all-zero sentinel.
func (id EntityID) IsNull() bool { return id == NullEntityID }

// IsUninitialized reports whether the id is the all-ones sentinel.
func (id EntityID) IsUninitialized() bool { return id == UninitializedEntityID }

// IsGroup reports whether the multicast/group bit (MSB) is set.
func (id EntityID) IsGroup() bool { return uint64(id)&groupBit != 0 }

// IsValid reports whether id may address a real entity: not null, not
// uninitialized, not a group identifier.
func (id EntityID) IsValid() bool {
	return !id.IsNull() && !id.IsUninitialized() && !id.IsGroup()
}

// String renders the canonical 0x-prefixed, zero-padded hex form used
// throughout logs, snapshots, and error messages.
func (id EntityID) String() string {
	return fmt.Sprintf("0x%016X", uint64(id))
}

// ParseEntityID parses the canonical hex form (with or without the "0x"
// prefix) produced by String, the inverse used by the REST admin surface
// and the CLI to turn a path/flag argument back into an EntityID.
func ParseEntityID(s string) (EntityID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse entity id %q: %w", s, err)
	}
	return EntityID(v), nil
}

// DescriptorType enumerates the AEM descriptor kinds relevant to the
// controller. The numeric values follow IEEE 1722.1 Clause 7.2.
type DescriptorType uint16

const (
	DescriptorEntity DescriptorType = iota
	DescriptorConfiguration
	DescriptorAudioUnit
	DescriptorStreamInput
	DescriptorStreamOutput
	DescriptorJackInput
	DescriptorJackOutput
	DescriptorAvbInterface
	DescriptorClockSource
	DescriptorMemoryObject
	DescriptorLocale
	DescriptorStrings
	DescriptorControl
	DescriptorClockDomain
	DescriptorTiming
	DescriptorPtpInstance
	DescriptorPtpPort
	// DescriptorInvalid is the reserved "no descriptor" sentinel index kind.
	DescriptorInvalid DescriptorType = 0xFFFF
)

// DescriptorIndex addresses one instance of a DescriptorType within a
// configuration. InvalidDescriptorIndex is the reserved not-present value.
type DescriptorIndex uint16

// InvalidDescriptorIndex is the reserved "no such index" sentinel.
const InvalidDescriptorIndex DescriptorIndex = 0xFFFF

// DescriptorPath selects a single node in the static model tree.
type DescriptorPath struct {
	ConfigurationIndex DescriptorIndex
	Type               DescriptorType
	Index              DescriptorIndex
}

// StreamIndex addresses one stream input or output on an entity.
type StreamIndex = DescriptorIndex

// StreamIdentification addresses a talker or listener stream endpoint.
type StreamIdentification struct {
	EntityID    EntityID
	StreamIndex StreamIndex
}

func (s StreamIdentification) String() string {
	return fmt.Sprintf("%s/%d", s.EntityID, s.StreamIndex)
}
