// Package snapshot implements the Snapshot (De)serializer of §4.I: reading
// and writing a versioned document for one ControlledEntity or a whole
// fleet, for virtual entities and regression fixtures, following the
// teacher's json.Unmarshal-based InitOltStats replay of a fixture file for
// the JSON path (see DESIGN.md).
package snapshot

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/model"
)

var snapshotLogger = logrus.WithFields(logrus.Fields{"module": "snapshot"})

// CurrentDumpVersion is written by Serialize/SaveFleet and is the version a
// fresh dump declares.
const CurrentDumpVersion = 2

// ErrorKind enumerates the §6.5 typed failure taxonomy for snapshot loads.
type ErrorKind int

const (
	ErrAccessDenied ErrorKind = iota
	ErrParseError
	ErrMissingKey
	ErrInvalidKey
	ErrInvalidValue
	ErrIncompatibleDumpVersion
	ErrDuplicateEntityID
	ErrOtherError
	ErrIncomplete
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAccessDenied:
		return "AccessDenied"
	case ErrParseError:
		return "ParseError"
	case ErrMissingKey:
		return "MissingKey"
	case ErrInvalidKey:
		return "InvalidKey"
	case ErrInvalidValue:
		return "InvalidValue"
	case ErrIncompatibleDumpVersion:
		return "IncompatibleDumpVersion"
	case ErrDuplicateEntityID:
		return "DuplicateEntityID"
	case ErrIncomplete:
		return "Incomplete"
	default:
		return "OtherError"
	}
}

// LoadError is the typed failure returned by Load/LoadFleet (§6.5).
type LoadError struct {
	Kind   ErrorKind
	Detail string
}

func (e *LoadError) Error() string { return e.Kind.String() + ": " + e.Detail }

func newLoadError(kind ErrorKind, detail string) *LoadError {
	return &LoadError{Kind: kind, Detail: detail}
}

// InterfaceInfoDoc is the per-AVB-interface ADP-derived record of §6.4. The
// top-level interface index is encoded as a pointer: nil means "no index",
// matching spec.md's "encoded as either null ... or the numeric index."
type InterfaceInfoDoc struct {
	InterfaceIndex    *uint16 `json:"interfaceIndex"`
	MacAddress        string  `json:"macAddress"`
	GptpGrandmasterID string  `json:"gptpGrandmasterId"`
	GptpDomainNumber  uint8   `json:"gptpDomainNumber"`
	LinkUp            bool    `json:"linkUp"`
}

// CommonInformationDoc is the ADP common-information section.
type CommonInformationDoc struct {
	EntityID              string `json:"entityId"`
	EntityModelID         string `json:"entityModelId"`
	TalkerCapabilities    uint16 `json:"talkerCapabilities"`
	ListenerCapabilities  uint16 `json:"listenerCapabilities"`
	ControllerCapabilities uint16 `json:"controllerCapabilities"`
}

// CompatibilityEventDoc mirrors model.CompatibilityChangedEvent for the
// document's audit-log array.
type CompatibilityEventDoc struct {
	Before  uint8  `json:"before"`
	After   uint8  `json:"after"`
	Clause  string `json:"clause"`
	Message string `json:"message"`
}

// DiagnosticsDoc accepts both the current set-of-indices shape and the
// legacy map[string]bool shape on decode (§9 open question), always
// writing the current shape.
type DiagnosticsDoc struct {
	RedundancyWarning      bool     `json:"redundancyWarning"`
	StreamInputOverLatency []uint16 `json:"streamInputOverLatency"`
	ControlOutOfRange      []uint16 `json:"controlOutOfRange"`
}

// legacyDiagnosticsDoc is the older map[string]bool shape this package must
// still be able to parse.
type legacyDiagnosticsDoc struct {
	RedundancyWarning      bool            `json:"redundancyWarning"`
	StreamInputOverLatency map[string]bool `json:"streamInputOverLatency"`
	ControlOutOfRange      map[string]bool `json:"controlOutOfRange"`
}

// UnmarshalJSON accepts either shape for StreamInputOverLatency/
// ControlOutOfRange: a JSON array (current) or a JSON object of
// string->bool (legacy).
func (d *DiagnosticsDoc) UnmarshalJSON(data []byte) error {
	type probe struct {
		RedundancyWarning      bool            `json:"redundancyWarning"`
		StreamInputOverLatency json.RawMessage `json:"streamInputOverLatency"`
		ControlOutOfRange      json.RawMessage `json:"controlOutOfRange"`
	}
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	d.RedundancyWarning = p.RedundancyWarning
	var err error
	if d.StreamInputOverLatency, err = decodeIndexSet(p.StreamInputOverLatency); err != nil {
		return err
	}
	if d.ControlOutOfRange, err = decodeIndexSet(p.ControlOutOfRange); err != nil {
		return err
	}
	return nil
}

func decodeIndexSet(raw json.RawMessage) ([]uint16, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var asSlice []uint16
	if err := json.Unmarshal(raw, &asSlice); err == nil {
		return asSlice, nil
	}
	var asMap map[string]bool
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, errors.Wrap(err, "diagnostics set: neither array nor legacy map shape")
	}
	var out []uint16
	for k, v := range asMap {
		if !v {
			continue
		}
		var idx uint16
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
			continue
		}
		out = append(out, idx)
	}
	return out, nil
}

// EntityStateDoc is the acquire/lock/config/unsolicited section of §4.I.
type EntityStateDoc struct {
	AcquireState            int    `json:"acquireState"`
	AcquireOwner            string `json:"acquireOwner"`
	LockState               int    `json:"lockState"`
	LockOwner               string `json:"lockOwner"`
	CurrentConfiguration    uint16 `json:"currentConfiguration"`
	UnsolicitedSubscribed   bool   `json:"unsolicitedSubscribed"`
	UnsolicitedSupported    bool   `json:"unsolicitedSupported"`
}

// StatisticsDoc records the per-entity counters named in §4.I.
type StatisticsDoc struct {
	AECPRetryCount    int     `json:"aecpRetryCount"`
	AECPTimeoutCount  int     `json:"aecpTimeoutCount"`
	AverageResponseMs float64 `json:"averageResponseMs"`
	EnumerationTimeMs float64 `json:"enumerationTimeMs"`
}

// EntityDocument is the full per-entity snapshot of §4.I/§6.4.
type EntityDocument struct {
	DumpVersion               int                     `json:"dumpVersion"`
	CommonInformation         *CommonInformationDoc   `json:"commonInformation,omitempty"`
	Interfaces                []InterfaceInfoDoc      `json:"interfaces,omitempty"`
	CompatibilityFlags        uint8                   `json:"compatibilityFlags,omitempty"`
	MilanCompatibilityVersion string                  `json:"milanCompatibilityVersion,omitempty"`
	CompatibilityEvents       []CompatibilityEventDoc `json:"compatibilityEvents,omitempty"`
	MilanInformationPresent   bool                    `json:"milanInformationPresent,omitempty"`
	MilanFeatureRedundancy    bool                    `json:"milanFeatureRedundancy,omitempty"`
	MilanDynamicStateValid    bool                    `json:"milanDynamicStateValid,omitempty"`
	MilanSystemUniqueID       uint32                  `json:"milanSystemUniqueId,omitempty"`
	EntityModel               json.RawMessage         `json:"entityModel,omitempty"`
	EntityModelID             string                  `json:"entityModelId,omitempty"`
	EntityState               *EntityStateDoc         `json:"entityState,omitempty"`
	Statistics                *StatisticsDoc          `json:"statistics,omitempty"`
	Diagnostics               *DiagnosticsDoc         `json:"diagnostics,omitempty"`
}

// Fleet is a whole-controller document: every known entity, keyed by its
// stringified hex EntityID (the original's convention -- see
// SPEC_FULL.md §4), following the original's key shape so round-tripping
// a fixture produced by the C++ implementation's serializer succeeds.
type Fleet struct {
	DumpVersion int                        `json:"dumpVersion"`
	Entities    map[string]*EntityDocument `json:"entities"`
}

// BuildEntityDocument populates a document from a live ControlledEntity's
// getters, the serialize half of the §8 "snapshot round-trip" law.
func BuildEntityDocument(e *model.ControlledEntity) *EntityDocument {
	flags, version := e.CompatibilityFlags()
	doc := &EntityDocument{
		DumpVersion:               CurrentDumpVersion,
		CompatibilityFlags:        uint8(flags),
		MilanCompatibilityVersion: version.String(),
		EntityModelID:             e.ID().String(),
	}
	for _, evt := range e.AuditLog() {
		doc.CompatibilityEvents = append(doc.CompatibilityEvents, CompatibilityEventDoc{
			Before: uint8(evt.Before), After: uint8(evt.After), Clause: evt.Clause, Message: evt.Message,
		})
	}
	milan := e.MilanInfo()
	doc.MilanInformationPresent = milan.Present
	doc.MilanFeatureRedundancy = milan.FeatureRedundancy
	dynamicMilan := e.MilanDynamicState()
	doc.MilanDynamicStateValid = dynamicMilan.Valid
	doc.MilanSystemUniqueID = dynamicMilan.SystemUniqueID

	access := e.AccessState()
	doc.EntityState = &EntityStateDoc{
		AcquireState:          int(access.Acquire),
		AcquireOwner:          access.AcquireOwner.String(),
		LockState:             int(access.Lock),
		LockOwner:             access.LockOwner.String(),
		UnsolicitedSubscribed: access.SubscribedUnsol,
	}

	diag := e.Diagnostics()
	d := &DiagnosticsDoc{RedundancyWarning: diag.RedundancyWarning}
	for idx := range diag.StreamInputOverLatency {
		d.StreamInputOverLatency = append(d.StreamInputOverLatency, uint16(idx))
	}
	for idx := range diag.ControlOutOfRange {
		d.ControlOutOfRange = append(d.ControlOutOfRange, uint16(idx))
	}
	doc.Diagnostics = d

	caps := e.Capabilities()
	doc.CommonInformation = &CommonInformationDoc{
		EntityID:               e.ID().String(),
		EntityModelID:          caps.EntityModelID.String(),
		TalkerCapabilities:     caps.TalkerCapabilities,
		ListenerCapabilities:   caps.ListenerCapabilities,
		ControllerCapabilities: caps.ControllerCapabilities,
	}
	for _, iface := range caps.Interfaces {
		idx := iface.InterfaceIndex
		doc.Interfaces = append(doc.Interfaces, InterfaceInfoDoc{
			InterfaceIndex:    &idx,
			GptpGrandmasterID: iface.GptpGrandmasterID.String(),
			GptpDomainNumber:  iface.GptpDomainNumber,
			LinkUp:            iface.LinkUp,
		})
	}
	return doc
}

// ApplyEntityDocument restores a ControlledEntity's observable fields from
// doc, the deserialize half of the round-trip law. It never fails on a
// partially populated doc: missing sections are merged against zero-value
// defaults via mergo, matching §4.I's "backward-compatible readers."
func ApplyEntityDocument(e *model.ControlledEntity, doc *EntityDocument) error {
	merged := &EntityDocument{}
	if err := mergo.Merge(merged, doc, mergo.WithOverride); err != nil {
		return errors.Wrap(err, "merge entity document defaults")
	}

	e.WithCompatibility(func(model.CompatibilityFlags, model.MilanVersion) (model.CompatibilityFlags, model.MilanVersion, *model.CompatibilityChangedEvent) {
		return model.CompatibilityFlags(merged.CompatibilityFlags), parseMilanVersion(merged.MilanCompatibilityVersion), nil
	})

	if merged.Diagnostics != nil {
		e.WithDiagnostics(func(d *model.Diagnostics) {
			d.RedundancyWarning = merged.Diagnostics.RedundancyWarning
			d.StreamInputOverLatency = toIndexSet(merged.Diagnostics.StreamInputOverLatency)
			d.ControlOutOfRange = toIndexSet(merged.Diagnostics.ControlOutOfRange)
		})
	}

	if merged.EntityState != nil {
		e.SetAccessState(model.ExclusiveAccessState{
			Acquire:         model.AcquireState(merged.EntityState.AcquireState),
			Lock:            model.LockState(merged.EntityState.LockState),
			SubscribedUnsol: merged.EntityState.UnsolicitedSubscribed,
		})
	}

	return nil
}

func toIndexSet(indices []uint16) map[model.DescriptorIndex]struct{} {
	out := make(map[model.DescriptorIndex]struct{}, len(indices))
	for _, idx := range indices {
		out[model.DescriptorIndex(idx)] = struct{}{}
	}
	return out
}

func parseMilanVersion(s string) model.MilanVersion {
	var major, minor int
	if _, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil {
		return model.MilanVersion{}
	}
	return model.MilanVersion{Major: uint8(major), Minor: uint8(minor)}
}

// Serialize writes one entity document as JSON to w (§6.4 "textual JSON").
func Serialize(w io.Writer, doc *EntityDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return errors.Wrap(err, "encode entity document")
	}
	return nil
}

// SerializeBinary writes one entity document using encoding/gob (§6.4
// "binary" form -- see DESIGN.md for why gob, not a hand-authored protobuf
// message, backs the binary channel in this build).
func SerializeBinary(w io.Writer, doc *EntityDocument) error {
	if err := gob.NewEncoder(w).Encode(doc); err != nil {
		return errors.Wrap(err, "gob-encode entity document")
	}
	return nil
}

// Load reads one entity document as JSON from r.
func Load(r io.Reader) (*EntityDocument, *LoadError) {
	var doc EntityDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, newLoadError(ErrParseError, err.Error())
	}
	if doc.DumpVersion > CurrentDumpVersion {
		return nil, newLoadError(ErrIncompatibleDumpVersion, "dump version too new: "+itoa(doc.DumpVersion))
	}
	return &doc, nil
}

// LoadBinary reads one entity document via encoding/gob from r.
func LoadBinary(r io.Reader) (*EntityDocument, *LoadError) {
	var doc EntityDocument
	if err := gob.NewDecoder(r).Decode(&doc); err != nil {
		return nil, newLoadError(ErrParseError, err.Error())
	}
	return &doc, nil
}

// SaveFleet writes every entity in fleet as a single JSON document keyed
// by hex EntityID.
func SaveFleet(w io.Writer, fleet *Fleet) error {
	fleet.DumpVersion = CurrentDumpVersion
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fleet); err != nil {
		return errors.Wrap(err, "encode fleet")
	}
	return nil
}

// LoadFleet reads a Fleet document from r. When continueOnError is false,
// the first error aborts the load and is returned directly. When true,
// per-entity errors are swallowed (logged) and the load proceeds; if any
// were swallowed, the returned *LoadError has Kind ErrIncomplete with a
// detail string summarizing what was skipped, matching §7's "Aggregate
// snapshot load returns Incomplete ... when continueOnError is requested."
// A JSON object cannot carry a duplicate key here, so scenario 6 (§8), two
// entities sharing an identifier, is handled by LoadFleetEntries.
func LoadFleet(r io.Reader, continueOnError bool) (*Fleet, *LoadError) {
	var raw struct {
		DumpVersion int                        `json:"dumpVersion"`
		Entities    map[string]*EntityDocument `json:"entities"`
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, newLoadError(ErrParseError, err.Error())
	}
	if raw.DumpVersion > CurrentDumpVersion {
		return nil, newLoadError(ErrIncompatibleDumpVersion, "dump version too new: "+itoa(raw.DumpVersion))
	}

	fleet := &Fleet{DumpVersion: raw.DumpVersion, Entities: make(map[string]*EntityDocument)}
	var skipped []string
	for key, doc := range raw.Entities {
		if doc == nil {
			skipped = append(skipped, key+": nil document")
			if !continueOnError {
				return nil, newLoadError(ErrInvalidValue, key+": nil document")
			}
			continue
		}
		if _, dup := fleet.Entities[key]; dup {
			// JSON objects cannot carry duplicate keys through
			// encoding/json's decoder, so this branch is not reached;
			// kept for API symmetry with the duplicate-array-based
			// loader variant.
			detail := key
			if !continueOnError {
				return nil, newLoadError(ErrDuplicateEntityID, detail)
			}
			skipped = append(skipped, detail)
			continue
		}
		fleet.Entities[key] = doc
	}

	if len(skipped) > 0 {
		snapshotLogger.WithFields(logrus.Fields{"skipped": len(skipped)}).Warn("fleet load completed with errors")
		return fleet, newLoadError(ErrIncomplete, joinStrings(skipped))
	}
	return fleet, nil
}

// FleetEntry is one (key, document) pair of the ordered array-of-entries
// fleet representation that LoadFleetEntries loads, which is how the duplicate-
// EntityID scenario in §8 scenario 6 is actually exercised: a JSON object
// cannot have two identical keys, so a real duplicate only appears when
// the document is shaped as an array of (EntityID, Document) entries, as
// the original's own wire fixtures do.
type FleetEntry struct {
	EntityID string          `json:"entityId"`
	Document *EntityDocument `json:"document"`
}

// LoadFleetEntries parses entries in order, detecting duplicate EntityIDs
// as they are inserted (§8 scenario 6).
func LoadFleetEntries(entries []FleetEntry, continueOnError bool) (*Fleet, *LoadError) {
	fleet := &Fleet{DumpVersion: CurrentDumpVersion, Entities: make(map[string]*EntityDocument)}
	var skipped []string
	for _, entry := range entries {
		if entry.EntityID == "" {
			detail := "entry missing entityId"
			if !continueOnError {
				return nil, newLoadError(ErrMissingKey, detail)
			}
			skipped = append(skipped, detail)
			continue
		}
		if _, dup := fleet.Entities[entry.EntityID]; dup {
			if !continueOnError {
				return nil, newLoadError(ErrDuplicateEntityID, entry.EntityID)
			}
			skipped = append(skipped, entry.EntityID)
			continue
		}
		fleet.Entities[entry.EntityID] = entry.Document
	}
	if len(skipped) > 0 {
		return fleet, newLoadError(ErrIncomplete, joinStrings(skipped))
	}
	return fleet, nil
}

func joinStrings(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte('0' + v%10)}, b...)
		v /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}
