package wiring

import (
	"bytes"
	"fmt"
)

// Endpoint is one port of one element.
type Endpoint struct {
	Template TemplateID `json:"template" yaml:"template"`
	Instance uint8      `json:"instance" yaml:"instance"`
	Port     uint8      `json:"port" yaml:"port" validate:"lt=32"`
}

// Key returns the element half of the endpoint.
func (e Endpoint) Key() ElementKey {
	return ElementKey{Template: e.Template, Instance: e.Instance}
}

// String returns "template/instance:port".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Key(), e.Port)
}

// OutputGroup is one output port and the input ports wired to it.
type OutputGroup struct {
	Source       Endpoint   `json:"source" yaml:"source"`
	Destinations []Endpoint `json:"destinations" yaml:"destinations" validate:"min=1,dive"`
}

// Param is a parameter blob addressed to an element.
type Param struct {
	Template TemplateID `json:"template" yaml:"template"`
	Instance uint8      `json:"instance" yaml:"instance"`
	Blob     []byte     `json:"blob" yaml:"blob" validate:"max=255"`
}

// Key returns the element addressed by the parameter.
func (p Param) Key() ElementKey {
	return ElementKey{Template: p.Template, Instance: p.Instance}
}

// Graph is a decoded wiring configuration.
type Graph struct {
	Origin uint8         `json:"origin" yaml:"origin"`
	Groups []OutputGroup `json:"groups" yaml:"groups" validate:"dive"`
	Params []Param       `json:"params,omitempty" yaml:"params,omitempty" validate:"dive"`
}

// Elements returns the distinct element keys referenced by the graph in
// first-seen order.
func (g *Graph) Elements() []ElementKey {
	seen := make(map[ElementKey]bool)
	var keys []ElementKey
	add := func(k ElementKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, grp := range g.Groups {
		add(grp.Source.Key())
		for _, dst := range grp.Destinations {
			add(dst.Key())
		}
	}
	return keys
}

// Check verifies structural constraints the wire format cannot express.
func (g *Graph) Check() error {
	sources := make(map[Endpoint]bool)
	for i, grp := range g.Groups {
		if len(grp.Destinations) == 0 {
			return fmt.Errorf("group %d (%s) has no destinations", i, grp.Source)
		}
		if len(grp.Destinations) > MaxFanout {
			return fmt.Errorf("group %d (%s) fans out to %d ports", i, grp.Source, len(grp.Destinations))
		}
		if grp.Source.Port >= MaxOutputPorts {
			return fmt.Errorf("group %d: output port %d out of range", i, grp.Source.Port)
		}
		if sources[grp.Source] {
			return fmt.Errorf("output %s wired twice", grp.Source)
		}
		sources[grp.Source] = true
		for _, dst := range grp.Destinations {
			if dst.Port >= MaxInputPorts {
				return fmt.Errorf("input port %s exceeds %d ports per element", dst, MaxInputPorts)
			}
		}
	}
	for _, p := range g.Params {
		if len(p.Blob) > MaxParamBlobSize {
			return fmt.Errorf("parameter blob for %s is %d bytes", p.Key(), len(p.Blob))
		}
	}
	return nil
}

// EncodeWiringRows encodes the groups as wiring rows followed by an
// END_TABLE row.
func EncodeWiringRows(groups []OutputGroup) []byte {
	var b []byte
	for _, grp := range groups {
		b = AppendWiringRecord(b, WiringRecord{Type: RecordOutput, Key: grp.Source.Key(), Port: grp.Source.Port})
		for i, dst := range grp.Destinations {
			b = AppendWiringRecord(b, WiringRecord{
				Type: RecordInput,
				Key:  dst.Key(),
				Port: dst.Port,
				Last: i == len(grp.Destinations)-1,
			})
		}
	}
	return AppendWiringRecord(b, WiringRecord{Type: RecordEndTable})
}

// DecodeWiringRows reads output groups until END_TABLE or BEGIN_PARAMETERS.
func DecodeWiringRows(d *Decoder) ([]OutputGroup, error) {
	var groups []OutputGroup
	for {
		typ, err := d.PeekType()
		if err != nil {
			return nil, err
		}
		if typ == RecordEndTable || typ == RecordBeginParameters {
			return groups, nil
		}
		out, err := d.WiringRecord()
		if err != nil {
			return nil, err
		}
		if out.Type != RecordOutput {
			return nil, fmt.Errorf("expected OUTPUT record at offset %d, got %s", d.Offset()-WiringRecordSize, out.Type)
		}
		grp := OutputGroup{Source: Endpoint{Template: out.Key.Template, Instance: out.Key.Instance, Port: out.Port}}
		for {
			in, err := d.WiringRecord()
			if err != nil {
				return nil, err
			}
			if in.Type != RecordInput {
				return nil, fmt.Errorf("expected INPUT record at offset %d, got %s", d.Offset()-WiringRecordSize, in.Type)
			}
			grp.Destinations = append(grp.Destinations, Endpoint{Template: in.Key.Template, Instance: in.Key.Instance, Port: in.Port})
			if in.Last {
				break
			}
		}
		groups = append(groups, grp)
	}
}

// Compile encodes the graph into a configuration blob. Section flags are
// derived from the graph contents and OR-ed with extra.
func Compile(g *Graph, extra Flags) ([]byte, error) {
	if err := g.Check(); err != nil {
		return nil, err
	}
	flags := extra &^ (FlagWiringSection | FlagParamSection)
	if len(g.Groups) > 0 {
		flags |= FlagWiringSection
	}
	if len(g.Params) > 0 {
		flags |= FlagParamSection
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeMetadata(Metadata{Origin: g.Origin, Flags: flags}); err != nil {
		return nil, err
	}

	if flags.Has(FlagWiringSection) {
		if err := compileWiring(enc, g.Groups, !flags.Has(FlagParamSection)); err != nil {
			return nil, err
		}
	}

	if flags.Has(FlagParamSection) {
		length := ParamRecordHeaderSize
		for _, p := range g.Params {
			length += ParamRecordHeaderSize + len(p.Blob)
		}
		if err := enc.EncodeSectionHeader(SectionHeader{Type: RecordBeginParameters, Length: uint16(length)}); err != nil {
			return nil, err
		}
		for _, p := range g.Params {
			if err := enc.EncodeParamRecord(ParamRecord{Key: p.Key(), Blob: p.Blob}); err != nil {
				return nil, err
			}
		}
		if err := enc.EncodeParamEnd(); err != nil {
			return nil, err
		}
	}

	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// compileWiring writes the wiring section. When a parameter section
// follows, its header takes the place of the END_TABLE row.
func compileWiring(enc *Encoder, groups []OutputGroup, terminate bool) error {
	rows := 1
	for _, grp := range groups {
		rows += 1 + len(grp.Destinations)
	}
	if rows*WiringRecordSize > 0xFFFF {
		return fmt.Errorf("wiring section of %d rows exceeds 65535 bytes", rows)
	}
	if err := enc.EncodeSectionHeader(SectionHeader{Type: RecordBeginWiring, Length: uint16(rows * WiringRecordSize)}); err != nil {
		return err
	}
	for _, grp := range groups {
		if err := enc.EncodeWiringRecord(WiringRecord{Type: RecordOutput, Key: grp.Source.Key(), Port: grp.Source.Port}); err != nil {
			return err
		}
		for i, dst := range grp.Destinations {
			rec := WiringRecord{Type: RecordInput, Key: dst.Key(), Port: dst.Port, Last: i == len(grp.Destinations)-1}
			if err := enc.EncodeWiringRecord(rec); err != nil {
				return err
			}
		}
	}
	if terminate {
		return enc.EncodeWiringEnd()
	}
	return nil
}

// Decompile parses a configuration blob back into its metadata and graph.
func Decompile(blob []byte) (Metadata, *Graph, error) {
	d := NewDecoder(blob)
	meta, err := d.Metadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	g := &Graph{Origin: meta.Origin}

	if meta.Flags.Has(FlagWiringSection) {
		hdr, err := d.SectionHeader()
		if err != nil {
			return meta, nil, err
		}
		if hdr.Type != RecordBeginWiring {
			return meta, nil, fmt.Errorf("expected BEGIN_WIRING section, got %s", hdr.Type)
		}
		if g.Groups, err = DecodeWiringRows(d); err != nil {
			return meta, nil, err
		}
		if typ, _ := d.PeekType(); typ == RecordEndTable {
			if err := d.Seek(d.Offset() + WiringRecordSize); err != nil {
				return meta, nil, err
			}
		}
	}

	if meta.Flags.Has(FlagParamSection) {
		hdr, err := d.SectionHeader()
		if err != nil {
			return meta, nil, err
		}
		if hdr.Type != RecordBeginParameters || hdr.Length == 0 {
			return meta, nil, fmt.Errorf("expected non-empty BEGIN_PARAMETERS section, got %s length %d", hdr.Type, hdr.Length)
		}
		for {
			typ, rec, err := d.ParamRecord()
			if err != nil {
				return meta, nil, err
			}
			if typ == RecordEndTable {
				break
			}
			if typ != RecordParameter {
				return meta, nil, fmt.Errorf("unexpected %s record in parameter section", typ)
			}
			g.Params = append(g.Params, Param{Template: rec.Key.Template, Instance: rec.Key.Instance, Blob: rec.Blob})
		}
	}

	return meta, g, nil
}
