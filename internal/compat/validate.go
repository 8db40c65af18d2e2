package compat

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

// ValidationError collects the post-enumeration structural issues from
// §4.E's validation list. Validate returns every issue found rather than
// stopping at the first, since none of them are fatal to enumeration --
// they only affect the compatibility posture.
type ValidationError struct {
	Clause  string
	Message string
}

func (v *ValidationError) Error() string {
	return errors.Errorf("%s: %s", v.Clause, v.Message).Error()
}

// topLevelDescriptorTypes is the set of descriptor types valid in the
// top-level descriptor-count table (§4.E-ii).
var topLevelDescriptorTypes = map[model.DescriptorType]bool{
	model.DescriptorAudioUnit:    true,
	model.DescriptorStreamInput:  true,
	model.DescriptorStreamOutput: true,
	model.DescriptorJackInput:    true,
	model.DescriptorJackOutput:   true,
	model.DescriptorAvbInterface: true,
	model.DescriptorClockSource:  true,
	model.DescriptorMemoryObject: true,
	model.DescriptorLocale:       true,
	model.DescriptorControl:      true,
	model.DescriptorClockDomain:  true,
	model.DescriptorTiming:       true,
	model.DescriptorPtpInstance:  true,
}

// Validate runs the structural post-enumeration checks (i)-(iii) and (vi)
// of §4.E against e's static and dynamic model. The Identify-control check
// (iv) is ValidateIdentifyControl. Milan-only checks (v) are run separately
// by ValidateMilan, since they only apply when the entity currently carries
// the Milan flag.
func Validate(e *model.ControlledEntity) []ValidationError {
	var issues []ValidationError
	sm := e.StaticModel()

	// (i) at least one Configuration exists.
	if sm == nil || len(sm.Configurations) == 0 {
		issues = append(issues, ValidationError{Clause: "4.E-i", Message: "no Configuration descriptor present"})
		return issues
	}

	for _, cfg := range sm.Configurations {
		// (ii) every entry in the descriptor-count table denotes a valid
		// top-level descriptor type.
		for dt := range cfg.DescriptorCounts {
			if !topLevelDescriptorTypes[dt] {
				issues = append(issues, ValidationError{Clause: "4.E-ii", Message: "invalid top-level descriptor type in count table"})
			}
		}

		// (iii) Control descriptors: the current value must lie within the
		// static min..max. ControlType and value-type coherence are not
		// checked.
		for _, ctrl := range cfg.Controls {
			dyn := e.Dynamic()
			if cv, ok := dyn.ControlValues[ctrl.Index]; ok {
				if cv.Value < ctrl.Min || cv.Value > ctrl.Max {
					issues = append(issues, ValidationError{Clause: "4.E-iii", Message: "control current value out of static min..max range"})
				}
			}
		}
	}

	// (vi) static/dynamic counter coherence.
	for path, counters := range e.Dynamic().Counters {
		if !counterCoherent(counters, "LinkUp", "LinkDown") {
			issues = append(issues, ValidationError{Clause: "4.E-vi", Message: "LinkUp/LinkDown counter incoherent for " + descriptorPathString(path)})
		}
		if !counterCoherent(counters, "Locked", "Unlocked") {
			issues = append(issues, ValidationError{Clause: "4.E-vi", Message: "Locked/Unlocked counter incoherent for " + descriptorPathString(path)})
		}
		if !counterCoherent(counters, "MediaLocked", "MediaUnlocked") {
			issues = append(issues, ValidationError{Clause: "4.E-vi", Message: "MediaLocked/MediaUnlocked counter incoherent for " + descriptorPathString(path)})
		}
		if !counterCoherent(counters, "StreamStart", "StreamStop") {
			issues = append(issues, ValidationError{Clause: "4.E-vi", Message: "StreamStart/StreamStop counter incoherent for " + descriptorPathString(path)})
		}
	}

	return issues
}

// counterCoherent checks up ≡ down ∨ down+1, the relation named for every
// up/down counter pair in §4.E-vi.
func counterCoherent(c model.Counters, up, down string) bool {
	u, uok := c[up]
	d, dok := c[down]
	if !uok || !dok {
		return true // nothing to compare
	}
	return u == d || u == d+1
}

func descriptorPathString(p model.DescriptorPath) string {
	return strconv.Itoa(int(p.Type)) + "#" + strconv.Itoa(int(p.Index))
}
