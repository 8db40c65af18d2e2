package snapshot

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avcontroller/avcontroller-go/internal/compat"
	"github.com/avcontroller/avcontroller-go/internal/model"
)

func TestEntityDocumentRoundTripJSON(t *testing.T) {
	e := model.New(model.EntityID(0x001122FFFE334455), false)
	compat.Apply(e, model.CompatMilan, 0, &model.MilanVersion{Major: 1, Minor: 3}, "test", "seed", nil)
	e.WithDiagnostics(func(d *model.Diagnostics) {
		d.StreamInputOverLatency[3] = struct{}{}
		d.RedundancyWarning = true
	})

	doc := BuildEntityDocument(e)
	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, doc))

	loaded, lerr := Load(&buf)
	require.Nil(t, lerr)

	target := model.New(e.ID(), false)
	require.NoError(t, ApplyEntityDocument(target, loaded))

	flags, version := target.CompatibilityFlags()
	wantFlags, wantVersion := e.CompatibilityFlags()
	assert.Equal(t, wantFlags, flags)
	assert.Equal(t, wantVersion, version)
	_, hasLatency := target.Diagnostics().StreamInputOverLatency[3]
	assert.True(t, hasLatency)
	assert.True(t, target.Diagnostics().RedundancyWarning)
}

func TestEntityDocumentRoundTripBinary(t *testing.T) {
	e := model.New(model.EntityID(1), false)
	doc := BuildEntityDocument(e)
	var buf bytes.Buffer
	require.NoError(t, SerializeBinary(&buf, doc))
	loaded, lerr := LoadBinary(&buf)
	require.Nil(t, lerr)
	assert.Equal(t, doc.EntityModelID, loaded.EntityModelID)
}

func TestDiagnosticsDocLegacyMapShape(t *testing.T) {
	raw := `{"redundancyWarning":true,"streamInputOverLatency":{"3":true,"5":false},"controlOutOfRange":{}}`
	var d DiagnosticsDoc
	require.NoError(t, d.UnmarshalJSON([]byte(raw)))
	assert.True(t, d.RedundancyWarning)
	assert.ElementsMatch(t, []uint16{3}, d.StreamInputOverLatency)
}

func TestDiagnosticsDocCurrentArrayShape(t *testing.T) {
	raw := `{"redundancyWarning":false,"streamInputOverLatency":[1,2,3],"controlOutOfRange":[]}`
	var d DiagnosticsDoc
	require.NoError(t, d.UnmarshalJSON([]byte(raw)))
	assert.ElementsMatch(t, []uint16{1, 2, 3}, d.StreamInputOverLatency)
}

func TestLoadFleetEntriesDuplicateEntityID(t *testing.T) {
	entries := []FleetEntry{
		{EntityID: "0x0000000000000001", Document: &EntityDocument{}},
		{EntityID: "0x0000000000000001", Document: &EntityDocument{}},
	}
	_, lerr := LoadFleetEntries(entries, false)
	require.NotNil(t, lerr)
	assert.Equal(t, ErrDuplicateEntityID, lerr.Kind)
	assert.Equal(t, "0x0000000000000001", lerr.Detail)
}

func TestLoadFleetEntriesContinueOnError(t *testing.T) {
	entries := []FleetEntry{
		{EntityID: "0x1", Document: &EntityDocument{}},
		{EntityID: "0x1", Document: &EntityDocument{}},
		{EntityID: "0x2", Document: &EntityDocument{}},
	}
	fleet, lerr := LoadFleetEntries(entries, true)
	require.NotNil(t, lerr)
	assert.Equal(t, ErrIncomplete, lerr.Kind)
	assert.Len(t, fleet.Entities, 2)
}

func TestLoadFleetIncompatibleVersion(t *testing.T) {
	doc := `{"dumpVersion":999,"entities":{}}`
	_, lerr := LoadFleet(strings.NewReader(doc), false)
	require.NotNil(t, lerr)
	assert.Equal(t, ErrIncompatibleDumpVersion, lerr.Kind)
}

func TestLoadParseError(t *testing.T) {
	_, lerr := Load(strings.NewReader("not json"))
	require.NotNil(t, lerr)
	assert.Equal(t, ErrParseError, lerr.Kind)
}
