package wiring

import (
	"bytes"
	"reflect"
	"testing"
)

func fanoutGraph() *Graph {
	return &Graph{
		Origin: DefaultOriginModule,
		Groups: []OutputGroup{
			{
				Source: Endpoint{Template: 0x80, Instance: 0, Port: 0},
				Destinations: []Endpoint{
					{Template: 0x81, Instance: 0, Port: 0},
					{Template: 0x82, Instance: 0, Port: 1},
				},
			},
		},
	}
}

func TestCompileLayout(t *testing.T) {
	blob, err := Compile(fanoutGraph(), 0)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	// metadata + header + output + 2 inputs + END_TABLE
	wantLen := MetadataSize + SectionHeaderSize + 4*WiringRecordSize
	if len(blob) != wantLen {
		t.Fatalf("expected %d bytes, got %d", wantLen, len(blob))
	}
	if Flags(blob[1]) != FlagWiringSection {
		t.Errorf("expected wiring flag only, got %s", Flags(blob[1]))
	}

	d := NewDecoder(blob)
	if _, err := d.Metadata(); err != nil {
		t.Fatal(err)
	}
	hdr, err := d.SectionHeader()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != RecordBeginWiring || hdr.Length != 4*WiringRecordSize {
		t.Errorf("unexpected section header %+v", hdr)
	}

	types := []RecordType{RecordOutput, RecordInput, RecordInput, RecordEndTable}
	for i, want := range types {
		rec, err := d.WiringRecord()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if rec.Type != want {
			t.Errorf("record %d: expected %s, got %s", i, want, rec.Type)
		}
		if i == 2 && !rec.Last {
			t.Error("last input record must carry END_RECORD")
		}
		if i == 1 && rec.Last {
			t.Error("first input record must not carry END_RECORD")
		}
	}
}

func TestCompileDecompileRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		graph *Graph
		extra Flags
	}{
		{name: "wiring only", graph: fanoutGraph(), extra: FlagHotSwap},
		{
			name: "wiring and params",
			graph: func() *Graph {
				g := fanoutGraph()
				g.Params = []Param{
					{Template: 0x81, Instance: 0, Blob: []byte{1, 2, 3}},
					{Template: 0x82, Instance: 0, Blob: []byte{}},
				}
				return g
			}(),
			extra: FlagMergeParameters,
		},
		{
			name: "params only",
			graph: &Graph{
				Origin: 3,
				Params: []Param{{Template: 0x81, Instance: 1, Blob: []byte("abc")}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := Compile(tt.graph, tt.extra)
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}

			meta, g, err := Decompile(blob)
			if err != nil {
				t.Fatalf("decompile failed: %v", err)
			}
			if !meta.Flags.Has(tt.extra) {
				t.Errorf("extra flags %s lost, got %s", tt.extra, meta.Flags)
			}
			if g.Origin != tt.graph.Origin {
				t.Errorf("expected origin %d, got %d", tt.graph.Origin, g.Origin)
			}
			if !reflect.DeepEqual(g.Groups, tt.graph.Groups) {
				t.Errorf("groups mismatch:\nwant %+v\ngot  %+v", tt.graph.Groups, g.Groups)
			}
			if len(g.Params) != len(tt.graph.Params) {
				t.Fatalf("expected %d params, got %d", len(tt.graph.Params), len(g.Params))
			}
			for i := range g.Params {
				if g.Params[i].Key() != tt.graph.Params[i].Key() || !bytes.Equal(g.Params[i].Blob, tt.graph.Params[i].Blob) {
					t.Errorf("param %d mismatch: want %+v, got %+v", i, tt.graph.Params[i], g.Params[i])
				}
			}
		})
	}
}

func TestParamHeaderReplacesEndTable(t *testing.T) {
	g := fanoutGraph()
	g.Params = []Param{{Template: 0x81, Blob: []byte{9}}}

	blob, err := Compile(g, 0)
	if err != nil {
		t.Fatal(err)
	}

	// After the three wiring rows the parameter header follows directly.
	off := MetadataSize + SectionHeaderSize + 3*WiringRecordSize
	if RecordType(blob[off]) != RecordBeginParameters {
		t.Errorf("expected BEGIN_PARAMETERS at %d, got %s", off, RecordType(blob[off]))
	}
}

func TestGraphCheck(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(g *Graph)
		wantErr bool
	}{
		{name: "valid", mutate: func(g *Graph) {}},
		{
			name:    "no destinations",
			mutate:  func(g *Graph) { g.Groups[0].Destinations = nil },
			wantErr: true,
		},
		{
			name:    "input port out of range",
			mutate:  func(g *Graph) { g.Groups[0].Destinations[0].Port = MaxInputPorts },
			wantErr: true,
		},
		{
			name: "output wired twice",
			mutate: func(g *Graph) {
				g.Groups = append(g.Groups, g.Groups[0])
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := fanoutGraph()
			tt.mutate(g)
			err := g.Check()
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGraphElements(t *testing.T) {
	g := fanoutGraph()
	g.Groups = append(g.Groups, OutputGroup{
		Source:       Endpoint{Template: 0x81, Port: 0},
		Destinations: []Endpoint{{Template: 0x80, Port: 1}},
	})

	want := []ElementKey{{Template: 0x80}, {Template: 0x81}, {Template: 0x82}}
	if got := g.Elements(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestElementsTable(t *testing.T) {
	rows := []ElementRow{
		{Key: ElementKey{Template: 0x80}, Handle: 0},
		{Key: ElementKey{Template: 0x80, Instance: 1}, Handle: 3},
	}
	b, err := EncodeElementsTable(rows)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 2 || len(b) != ElementsTableHeader+2*ElementRowSize {
		t.Fatalf("unexpected table bytes % x", b)
	}
	got, err := DecodeElementsTable(b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Errorf("expected %+v, got %+v", rows, got)
	}
}

func TestParamTable(t *testing.T) {
	records := []ParamRecord{
		{Key: ElementKey{Template: 0x81}, Blob: []byte{1, 2}},
		{Key: ElementKey{Template: 0x82, Instance: 4}, Blob: []byte{3}},
	}
	b, err := EncodeParamTable(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != ParamTableSize(records) {
		t.Errorf("expected %d bytes, got %d", ParamTableSize(records), len(b))
	}

	got, err := DecodeParamTable(b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, records) {
		t.Errorf("expected %+v, got %+v", records, got)
	}

	b[ParamTableHeader] = byte(RecordOutput)
	if _, err := DecodeParamTable(b); err == nil {
		t.Error("expected error for corrupt record")
	}
}

func TestRoutingRow(t *testing.T) {
	row := DestinationRow(5, 3, 0xBEEF)
	b := row.Encode()
	if len(b) != RoutingRowSize {
		t.Fatalf("expected %d bytes, got %d", RoutingRowSize, len(b))
	}
	got, err := DecodeRoutingRow(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != row {
		t.Errorf("expected %+v, got %+v", row, got)
	}
	h, p := UnpackPort(got.Index)
	if h != 5 || p != 3 {
		t.Errorf("expected handle 5 port 3, got %d %d", h, p)
	}
}
