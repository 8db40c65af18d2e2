// Package compat implements the Compatibility Validator of §4.E: flag
// transitions, Milan version downgrades, the per-event requirement list,
// the audit log, and the post-enumeration structural validations.
package compat

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

var compatLogger = logrus.WithFields(logrus.Fields{"module": "compat"})

// AddFlags applies an add-flag transition, enforcing: adding IEEE17221
// requires not-Misbehaving; adding Milan also adds IEEE17221; adding a
// warning flag requires its base flag present. Flags not matching these
// preconditions are silently not added (callers check the return value to
// log "would have added but precondition failed" if they need to).
func AddFlags(current model.CompatibilityFlags, add model.CompatibilityFlags) model.CompatibilityFlags {
	next := current
	if add.Has(model.CompatIEEE17221) && !current.Has(model.CompatMisbehaving) {
		next |= model.CompatIEEE17221
	}
	if add.Has(model.CompatMilan) && !current.Has(model.CompatMisbehaving) {
		next |= model.CompatIEEE17221 | model.CompatMilan
	}
	if add.Has(model.CompatIEEE17221Warning) && next.Has(model.CompatIEEE17221) {
		next |= model.CompatIEEE17221Warning
	}
	if add.Has(model.CompatMilanWarning) && next.Has(model.CompatMilan) {
		next |= model.CompatMilanWarning
	}
	if add.Has(model.CompatMisbehaving) {
		next |= model.CompatMisbehaving
	}
	return next
}

// RemoveFlags applies a remove-flag transition. Removing IEEE17221 also
// clears Milan (and the caller must reset the Milan version to 0 -- see
// DowngradeMilanVersion). Removing Milan clears only Milan. Warning and
// Misbehaving flags cannot be removed once set (invariant 3: Misbehaving
// may only be set, never cleared; warnings are likewise one-way within a
// session).
func RemoveFlags(current model.CompatibilityFlags, remove model.CompatibilityFlags) model.CompatibilityFlags {
	next := current
	if remove.Has(model.CompatIEEE17221) {
		next &^= model.CompatIEEE17221
		next &^= model.CompatMilan
	}
	if remove.Has(model.CompatMilan) {
		next &^= model.CompatMilan
	}
	// CompatIEEE17221Warning, CompatMilanWarning, CompatMisbehaving: no-op,
	// removal is not permitted.
	return next
}

// DowngradeMilanVersion applies the monotonic-only-downward rule: once a
// Milan version has been recorded, it may only move to a strictly lower
// value, or to zero (which removes Milan entirely, per spec.md's "if new
// version is 0, remove Milan entirely"). An entity's very first Milan
// version (current.IsZero()) may be set to any non-zero value. Attempts to
// move to a higher version than the current one are ignored.
func DowngradeMilanVersion(flags model.CompatibilityFlags, current model.MilanVersion, newVersion model.MilanVersion) (model.CompatibilityFlags, model.MilanVersion) {
	if newVersion.IsZero() {
		return RemoveFlags(flags, model.CompatMilan), model.MilanVersion{}
	}
	if !current.IsZero() && newVersion.AtLeast(current) {
		// equal or higher than current: not a downgrade, no-op.
		return flags, current
	}
	return flags, newVersion
}

// RequirementRule is one entry in a Milan requirement list (§4.E):
// "the first rule whose [RequiredSince, RequiredUntil] contains the
// entity's current Milan version triggers a downgrade to DowngradeTo."
// Rules must be supplied sorted ascending and non-overlapping.
type RequirementRule struct {
	RequiredSince model.MilanVersion
	RequiredUntil *model.MilanVersion // nil means unbounded above
	DowngradeTo   *model.MilanVersion // nil means "downgrade to the previous rule's max"
}

// EvaluateRequirement walks rules in order and returns the DowngradeTo
// version of the first rule whose [RequiredSince, RequiredUntil] range
// contains current, or nil if no rule matches (no downgrade required).
// "Contains" means RequiredSince <= current <= RequiredUntil (RequiredUntil
// nil means unbounded above).
func EvaluateRequirement(current model.MilanVersion, rules []RequirementRule) *model.MilanVersion {
	for i, r := range rules {
		if !current.AtLeast(r.RequiredSince) {
			continue
		}
		if r.RequiredUntil != nil && !r.RequiredUntil.AtLeast(current) {
			continue
		}
		if r.DowngradeTo != nil {
			return r.DowngradeTo
		}
		if i > 0 {
			prev := rules[i-1]
			v := prev.RequiredSince
			if prev.RequiredUntil != nil {
				v = *prev.RequiredUntil
			}
			return &v
		}
		zero := model.MilanVersion{}
		return &zero
	}
	return nil
}

// Apply runs a full compatibility transition against entity e: it adds/
// removes flags, applies a Milan version downgrade when non-nil, appends an
// audit event if anything changed, and fires onChanged if the entity is
// advertised. clause/message describe the triggering condition for the
// audit log.
func Apply(e *model.ControlledEntity, add, remove model.CompatibilityFlags, newMilanVersion *model.MilanVersion, clause, message string, onChanged func()) {
	var changed bool
	e.WithCompatibility(func(flags model.CompatibilityFlags, version model.MilanVersion) (model.CompatibilityFlags, model.MilanVersion, *model.CompatibilityChangedEvent) {
		before, versionBefore := flags, version
		next := AddFlags(flags, add)
		next = RemoveFlags(next, remove)
		nextVersion := version
		if newMilanVersion != nil {
			next, nextVersion = DowngradeMilanVersion(next, version, *newMilanVersion)
		} else if !next.Has(model.CompatMilan) {
			nextVersion = model.MilanVersion{}
		}
		if next == before && nextVersion == versionBefore {
			return flags, version, nil
		}
		changed = true
		evt := &model.CompatibilityChangedEvent{
			Time:          time.Now(),
			Before:        before,
			After:         next,
			VersionBefore: versionBefore,
			VersionAfter:  nextVersion,
			Clause:        clause,
			Message:       message,
		}
		compatLogger.WithFields(logrus.Fields{
			"entityID": e.ID(), "before": before, "after": next, "clause": clause,
		}).Info("compatibility changed")
		return next, nextVersion, evt
	})
	if changed && e.Advertised() && onChanged != nil {
		onChanged()
	}
}

// MisbehavingEvent applies the fixed transition of scenario 3 (§8): set
// Misbehaving, clear IEEE17221 (which also clears Milan), reset Milan
// version to 0.
func MisbehavingEvent(e *model.ControlledEntity, clause, message string, onChanged func()) {
	zero := model.MilanVersion{}
	Apply(e, model.CompatMisbehaving, model.CompatIEEE17221, &zero, clause, message, onChanged)
}
