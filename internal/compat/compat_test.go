package compat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

func TestAddFlagsMisbehavingBlocksIEEE17221(t *testing.T) {
	flags := AddFlags(model.CompatibilityFlags(0), model.CompatMisbehaving)
	flags = AddFlags(flags, model.CompatIEEE17221)
	assert.False(t, flags.Has(model.CompatIEEE17221))
	assert.True(t, flags.Has(model.CompatMisbehaving))
}

func TestAddFlagsMilanImpliesIEEE17221(t *testing.T) {
	flags := AddFlags(model.CompatibilityFlags(0), model.CompatMilan)
	assert.True(t, flags.Has(model.CompatMilan))
	assert.True(t, flags.Has(model.CompatIEEE17221))
}

func TestAddFlagsWarningRequiresBase(t *testing.T) {
	flags := AddFlags(model.CompatibilityFlags(0), model.CompatIEEE17221Warning)
	assert.False(t, flags.Has(model.CompatIEEE17221Warning), "warning without base flag should not be added")

	flags = AddFlags(model.CompatIEEE17221, model.CompatIEEE17221Warning)
	assert.True(t, flags.Has(model.CompatIEEE17221Warning))
}

func TestRemoveFlagsIEEE17221AlsoClearsMilan(t *testing.T) {
	flags := AddFlags(model.CompatibilityFlags(0), model.CompatMilan)
	flags = RemoveFlags(flags, model.CompatIEEE17221)
	assert.False(t, flags.Has(model.CompatIEEE17221))
	assert.False(t, flags.Has(model.CompatMilan))
}

func TestRemoveFlagsCannotClearMisbehaving(t *testing.T) {
	flags := AddFlags(model.CompatibilityFlags(0), model.CompatMisbehaving)
	flags = RemoveFlags(flags, model.CompatMisbehaving)
	assert.True(t, flags.Has(model.CompatMisbehaving))
}

func TestDowngradeMilanVersionOnlyMovesDown(t *testing.T) {
	v1 := model.MilanVersion{Major: 1, Minor: 2}
	v2 := model.MilanVersion{Major: 1, Minor: 3}

	flags, result := DowngradeMilanVersion(model.CompatMilan, v2, v1)
	assert.True(t, flags.Has(model.CompatMilan))
	assert.Equal(t, v1, result)

	// attempting to move up is a no-op.
	flags, result = DowngradeMilanVersion(flags, v1, v2)
	assert.Equal(t, v1, result)
	assert.True(t, flags.Has(model.CompatMilan))
}

func TestDowngradeMilanVersionToZeroRemovesMilan(t *testing.T) {
	v1 := model.MilanVersion{Major: 1, Minor: 2}
	flags, result := DowngradeMilanVersion(model.CompatMilan, v1, model.MilanVersion{})
	assert.False(t, flags.Has(model.CompatMilan))
	assert.True(t, result.IsZero())
}

func TestEvaluateRequirementNoMatchReturnsNil(t *testing.T) {
	rules := []RequirementRule{
		{RequiredSince: model.MilanVersion{Major: 2, Minor: 0}},
	}
	current := model.MilanVersion{Major: 1, Minor: 0}
	assert.Nil(t, EvaluateRequirement(current, rules))
}

func TestEvaluateRequirementFirstMatchWins(t *testing.T) {
	downgradeTo := model.MilanVersion{Major: 1, Minor: 0}
	rules := []RequirementRule{
		{RequiredSince: model.MilanVersion{Major: 1, Minor: 2}, DowngradeTo: &downgradeTo},
	}
	current := model.MilanVersion{Major: 1, Minor: 3}
	got := EvaluateRequirement(current, rules)
	if assert.NotNil(t, got) {
		assert.Equal(t, downgradeTo, *got)
	}
}

func TestApplyAppendsAuditLogOnChange(t *testing.T) {
	e := model.New(model.EntityID(1), false)
	changed := false
	Apply(e, model.CompatIEEE17221, 0, nil, "test", "initial ieee1722.1 grant", func() { changed = true })
	e.SetAdvertised()
	Apply(e, model.CompatMilan, 0, nil, "test", "milan grant", func() { changed = true })
	assert.True(t, changed)
	log := e.AuditLog()
	if assert.NotEmpty(t, log) {
		assert.Equal(t, "test", log[len(log)-1].Clause)
	}
}

func TestMisbehavingEventClearsIEEE17221AndMilan(t *testing.T) {
	e := model.New(model.EntityID(1), false)
	Apply(e, model.CompatMilan, 0, nil, "setup", "grant milan", nil)
	MisbehavingEvent(e, "4.C-misbehave", "entity sent malformed response", nil)
	flags, version := e.CompatibilityFlags()
	assert.True(t, flags.Has(model.CompatMisbehaving))
	assert.False(t, flags.Has(model.CompatIEEE17221))
	assert.False(t, flags.Has(model.CompatMilan))
	assert.True(t, version.IsZero())
}

func TestValidateRequiresAtLeastOneConfiguration(t *testing.T) {
	e := model.New(model.EntityID(1), false)
	e.WithStaticModel(func(sm *model.StaticModel) {
		sm.Configurations = nil
	})
	issues := Validate(e)
	if assert.Len(t, issues, 1) {
		assert.Equal(t, "4.E-i", issues[0].Clause)
	}
}

func TestValidateControlOutOfRange(t *testing.T) {
	e := model.New(model.EntityID(1), false)
	e.WithStaticModel(func(sm *model.StaticModel) {
		sm.Configurations = []model.ConfigurationDescriptor{
			{
				Index: 0,
				Controls: []model.ControlDescriptor{
					{Index: 0, Min: 0, Max: 10},
				},
			},
		}
	})
	e.WithDynamic(func(d *model.DynamicState) {
		d.ControlValues[0] = model.ControlValue{Value: 99}
	})
	issues := Validate(e)
	found := false
	for _, iss := range issues {
		if iss.Clause == "4.E-iii" {
			found = true
		}
	}
	assert.True(t, found, "expected a 4.E-iii issue for out-of-range control value")
}

func TestCounterCoherent(t *testing.T) {
	assert.True(t, counterCoherent(model.Counters{"LinkUp": 5, "LinkDown": 5}, "LinkUp", "LinkDown"))
	assert.True(t, counterCoherent(model.Counters{"LinkUp": 6, "LinkDown": 5}, "LinkUp", "LinkDown"))
	assert.False(t, counterCoherent(model.Counters{"LinkUp": 8, "LinkDown": 5}, "LinkUp", "LinkDown"))
}
