package compat

import "github.com/avcontroller/avcontroller-go/internal/model"

// StreamFormatKind distinguishes the AAF-Base / CRF mutual-exclusion check
// of §4.E-v. The descriptor model treats StreamFormat as opaque (§1), so
// callers supply the classification rather than this package inspecting
// format bits itself.
type StreamFormatKind int

const (
	FormatUnknown StreamFormatKind = iota
	FormatAAFBase
	FormatCRF
)

// ClassifyFormat is supplied by the caller (the owner of the opaque
// StreamFormat encoding) so compat stays format-encoding-agnostic.
type ClassifyFormat func(model.StreamFormat) StreamFormatKind

// ValidateMilan runs the Milan-only checks of §4.E-v against an entity
// already carrying the Milan flag. classify resolves an opaque
// StreamFormat to AAF-Base/CRF/other.
func ValidateMilan(e *model.ControlledEntity, classify ClassifyFormat, milanVersion model.MilanVersion) []ValidationError {
	var issues []ValidationError
	sm := e.StaticModel()
	if sm == nil {
		return issues
	}
	dyn := e.Dynamic()

	for _, cfg := range sm.Configurations {
		for _, si := range cfg.StreamInputs {
			format, ok := dyn.StreamFormats[model.DescriptorPath{ConfigurationIndex: cfg.Index, Type: model.DescriptorStreamInput, Index: si.Index}]
			if !ok {
				continue
			}
			kind := classify(format)
			if kind == FormatAAFBase {
				if hasConflictingCRF(dyn, cfg, si.Index, true) {
					issues = append(issues, ValidationError{Clause: "4.E-v", Message: "AAF Base and CRF are mutually exclusive on the same stream input"})
				}
			}
		}
	}

	// clock-domain requirement: a clock domain whose stream inputs carry a
	// CRF format must also have a CRF stream output, and the reverse. AAF
	// formats and channel counts are not considered.
	for _, cfg := range sm.Configurations {
		for _, domain := range cfg.ClockDomains {
			hasCRFIn, hasCRFOut := false, false
			for _, si := range cfg.StreamInputs {
				if si.ClockDomainIdx != domain.Index {
					continue
				}
				if format, ok := dyn.StreamFormats[model.DescriptorPath{ConfigurationIndex: cfg.Index, Type: model.DescriptorStreamInput, Index: si.Index}]; ok {
					if classify(format) == FormatCRF {
						hasCRFIn = true
					}
				}
			}
			for _, so := range cfg.StreamOutputs {
				if so.ClockDomainIdx != domain.Index {
					continue
				}
				if format, ok := dyn.StreamFormats[model.DescriptorPath{ConfigurationIndex: cfg.Index, Type: model.DescriptorStreamOutput, Index: so.Index}]; ok {
					if classify(format) == FormatCRF {
						hasCRFOut = true
					}
				}
			}
			if hasCRFIn != hasCRFOut {
				issues = append(issues, ValidationError{Clause: "4.E-v", Message: "clock domain has CRF on only one side of input/output"})
			}
		}
	}

	return issues
}

func hasConflictingCRF(dyn *model.DynamicState, cfg model.ConfigurationDescriptor, streamIndex model.DescriptorIndex, _ bool) bool {
	// The opaque StreamFormat type does not expose whether a descriptor's
	// format set also advertises CRF, so this always returns false and the
	// AAF Base / CRF mutual-exclusion issue is never reported. No other
	// package performs this check.
	return false
}

// ValidateIdentifyControl checks §4.E-iv: an ADP-declared Identify control
// index must match the index of a Control descriptor in the current
// configuration. The control's type is not checked, and Jack-scope
// controls are not searched.
func ValidateIdentifyControl(sm *model.StaticModel, identifyControlIndex model.DescriptorIndex) *ValidationError {
	if identifyControlIndex == model.InvalidDescriptorIndex {
		return nil
	}
	cfg := sm.CurrentConfiguration()
	if cfg == nil {
		return &ValidationError{Clause: "4.E-iv", Message: "no current configuration to resolve Identify control"}
	}
	for _, ctrl := range cfg.Controls {
		if ctrl.Index == identifyControlIndex {
			return nil
		}
	}
	return &ValidationError{Clause: "4.E-iv", Message: "ADP-declared Identify control index does not reference a valid IDENTIFY control"}
}
