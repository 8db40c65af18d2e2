package model

import (
	"encoding/binary"
	"sort"

	"github.com/boguslaw-wojcik/crc32a"
)

// checksumStaticModel folds a CRC32a digest over each configuration's
// descriptor-count table (§4.E-ii) -- not the populated descriptor slices
// themselves, and deliberately not EntityModelID -- so the result is
// available the instant the Configuration descriptor is read, before the
// breadth-first fetch that would populate those slices even runs. That is
// what makes it usable as the phase 4/6 cache-validity check (§4.C): two
// entities sharing an EntityModelID are judged compatible, and a cached
// tree trustworthy, purely from the count table agreeing, without waiting
// on a second full fetch to compare. It loops over the configurations
// directly and does not use Walk.
func checksumStaticModel(m *StaticModel) uint32 {
	if m == nil {
		return 0
	}

	var acc []byte
	putU16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		acc = append(acc, b[:]...)
	}

	for _, cfg := range m.Configurations {
		putU16(uint16(cfg.Index))
		types := make([]int, 0, len(cfg.DescriptorCounts))
		for t := range cfg.DescriptorCounts {
			types = append(types, int(t))
		}
		sort.Ints(types)
		for _, t := range types {
			putU16(uint16(t))
			putU16(cfg.DescriptorCounts[DescriptorType(t)])
		}
	}
	return crc32a.Checksum(acc)
}
