package model

import (
	"strconv"
	"time"
)

// CompatibilityFlags is a bitset, not a raw integer, per §9's "Config/flag
// enums" note: { IEEE17221, IEEE17221Warning, Milan, MilanWarning,
// Misbehaving }.
type CompatibilityFlags uint8

const (
	CompatIEEE17221 CompatibilityFlags = 1 << iota
	CompatIEEE17221Warning
	CompatMilan
	CompatMilanWarning
	CompatMisbehaving
)

func (f CompatibilityFlags) Has(bit CompatibilityFlags) bool { return f&bit != 0 }

func (f CompatibilityFlags) String() string {
	names := []struct {
		bit  CompatibilityFlags
		name string
	}{
		{CompatIEEE17221, "IEEE17221"},
		{CompatIEEE17221Warning, "IEEE17221Warning"},
		{CompatMilan, "Milan"},
		{CompatMilanWarning, "MilanWarning"},
		{CompatMisbehaving, "Misbehaving"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "None"
	}
	return out
}

// MilanVersion is a major.minor pair; zero value means "no Milan version
// recorded."
type MilanVersion struct {
	Major, Minor uint8
}

// IsZero reports whether no Milan version has been recorded.
func (v MilanVersion) IsZero() bool { return v.Major == 0 && v.Minor == 0 }

// AtLeast reports v >= other, used by phase/requirement gating (e.g.
// "Milan 1.2+").
func (v MilanVersion) AtLeast(other MilanVersion) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

func (v MilanVersion) String() string {
	return strconv.Itoa(int(v.Major)) + "." + strconv.Itoa(int(v.Minor))
}

// CompatibilityChangedEvent is one entry in the per-entity audit log (§4.E).
type CompatibilityChangedEvent struct {
	Time    time.Time
	Before  CompatibilityFlags
	After   CompatibilityFlags
	VersionBefore MilanVersion
	VersionAfter  MilanVersion
	Clause  string
	Message string
}
