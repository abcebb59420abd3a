package wiring

import (
	"fmt"
	"strings"
)

// Flags is the action/format bitmask carried in the second metadata byte.
type Flags uint8

const (
	// FlagHotSwap requests an incremental install against the running graph.
	FlagHotSwap Flags = 0x01

	// FlagUpdateDiff marks the wiring section as a diff against the saved wiring table.
	FlagUpdateDiff Flags = 0x02

	// FlagMergeParameters carries forward saved parameters of unchanged elements.
	FlagMergeParameters Flags = 0x04

	// FlagParamSection signals that a parameter section is present.
	FlagParamSection Flags = 0x40

	// FlagWiringSection signals that a wiring section is present.
	FlagWiringSection Flags = 0x80
)

// Has reports whether all bits of x are set in f.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// String returns a readable list of the set bits.
func (f Flags) String() string {
	var parts []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagWiringSection, "wiring"},
		{FlagParamSection, "params"},
		{FlagHotSwap, "hot-swap"},
		{FlagUpdateDiff, "diff"},
		{FlagMergeParameters, "merge"},
	}
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// RecordType is the leading tag of every record and section header.
type RecordType uint8

const (
	RecordEmpty RecordType = iota
	RecordOutput
	RecordInput
	RecordEnd
	RecordEndTable
	RecordBeginWiring
	RecordBeginParameters
	RecordParameter
)

var recordTypeNames = map[RecordType]string{
	RecordEmpty:           "EMPTY",
	RecordOutput:          "OUTPUT",
	RecordInput:           "INPUT",
	RecordEnd:             "END_RECORD",
	RecordEndTable:        "END_TABLE",
	RecordBeginWiring:     "BEGIN_WIRING",
	RecordBeginParameters: "BEGIN_PARAMETERS",
	RecordParameter:       "PARAMETER",
}

// String returns the tag name.
func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RecordType(%d)", uint8(t))
}

// Fixed record sizes in bytes.
const (
	MetadataSize          = 2
	SectionHeaderSize     = 6
	CommonHeaderSize      = 4
	WiringRecordSize      = CommonHeaderSize + 2
	ParamRecordHeaderSize = CommonHeaderSize + 1
	RoutingRowSize        = 3
	ElementRowSize        = 4
	ElementsTableHeader   = 1
	ParamTableHeader      = 2
)

// Port packing limits.
const (
	InputPortBits       = 3
	MaxInputPorts       = 1 << InputPortBits
	inputPortMask       = MaxInputPorts - 1
	MaxParamBlobSize    = 0xFF
	MaxOutputPorts      = 32
	MaxFanout           = 0xFE
	UpdateParamFunction = 250
	DefaultOriginModule = 0x90
)

// TemplateID identifies an element's code template.
type TemplateID uint16

// String formats the id the way catalogues write it.
func (id TemplateID) String() string {
	return fmt.Sprintf("0x%04x", uint16(id))
}

// GroupID is the dense index of a routing table row.
type GroupID uint8

// InvalidGroup marks an output port with no destinations.
const InvalidGroup GroupID = 0xFF

// Valid reports whether g addresses a routing row.
func (g GroupID) Valid() bool {
	return g != InvalidGroup
}

// ElementKey identifies an element in a graph description.
type ElementKey struct {
	Template TemplateID `json:"template" yaml:"template"`
	Instance uint8      `json:"instance" yaml:"instance"`
}

// String returns "template/instance".
func (k ElementKey) String() string {
	return fmt.Sprintf("%s/%d", k.Template, k.Instance)
}

// Metadata is the two-byte preamble of a configuration blob.
type Metadata struct {
	Origin uint8
	Flags  Flags
}

// SectionHeader opens a wiring or parameter section.
type SectionHeader struct {
	Type   RecordType
	Length uint16
}

// WiringRecord is one output or input row of the wiring section.
type WiringRecord struct {
	Type RecordType
	Key  ElementKey
	Port uint8
	// Last is set on the final input record of an output group.
	Last bool
}

// ParamRecord is one parameter blob addressed to an element.
type ParamRecord struct {
	Key  ElementKey
	Blob []byte
}

// PackPort combines an element handle and an input port into one byte.
func PackPort(handle uint8, port uint8) uint8 {
	return handle<<InputPortBits | port&inputPortMask
}

// UnpackPort splits a packed handle/port byte.
func UnpackPort(pidPort uint8) (handle uint8, port uint8) {
	return pidPort >> InputPortBits, pidPort & inputPortMask
}
