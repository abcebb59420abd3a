package config

import (
	"reflect"
	"strings"
	"testing"

	"github.com/vireflow/vire/pkg/wiring"
)

func pipelineSpec() *GraphSpec {
	return &GraphSpec{
		Mode:            ModeHotSwap,
		MergeParameters: true,
		Elements: map[string]ElementSpec{
			"src":   {Template: 1},
			"scale": {Template: 4},
			"sink":  {Template: 6, Instance: 1},
		},
		Wires: []WireSpec{
			{From: "src:0", To: []string{"scale:0"}},
			{From: "scale:0", To: []string{"sink:0"}},
		},
		Params: []ParamSpec{{Element: "scale", Data: []int{2}}},
	}
}

func TestGraphSpec_Compile(t *testing.T) {
	g, flags, err := pipelineSpec().Compile()
	if err != nil {
		t.Fatal(err)
	}
	if flags != wiring.FlagHotSwap|wiring.FlagMergeParameters {
		t.Errorf("unexpected flags %s", flags)
	}
	if g.Origin != wiring.DefaultOriginModule {
		t.Errorf("expected default origin, got %#x", g.Origin)
	}
	want := []wiring.OutputGroup{
		{
			Source:       wiring.Endpoint{Template: 1},
			Destinations: []wiring.Endpoint{{Template: 4}},
		},
		{
			Source:       wiring.Endpoint{Template: 4},
			Destinations: []wiring.Endpoint{{Template: 6, Instance: 1}},
		},
	}
	if !reflect.DeepEqual(g.Groups, want) {
		t.Errorf("expected %+v, got %+v", want, g.Groups)
	}
	if len(g.Params) != 1 || g.Params[0].Template != 4 || g.Params[0].Blob[0] != 2 {
		t.Errorf("unexpected params %+v", g.Params)
	}
}

func TestGraphSpec_CompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GraphSpec)
		want   string
	}{
		{
			name:   "missing port",
			mutate: func(s *GraphSpec) { s.Wires[0].From = "src" },
			want:   "expected alias:port",
		},
		{
			name:   "port not a number",
			mutate: func(s *GraphSpec) { s.Wires[0].To[0] = "scale:x" },
			want:   "invalid port",
		},
		{
			name:   "unknown source",
			mutate: func(s *GraphSpec) { s.Wires[1].From = "ghost:0" },
			want:   `unknown element "ghost"`,
		},
		{
			name:   "unknown parameter target",
			mutate: func(s *GraphSpec) { s.Params[0].Element = "ghost" },
			want:   `unknown element "ghost"`,
		},
		{
			name:   "parameter byte",
			mutate: func(s *GraphSpec) { s.Params[0].Data = []int{256} },
			want:   "does not fit a byte",
		},
		{
			name:   "unused element",
			mutate: func(s *GraphSpec) { s.Elements["spare"] = ElementSpec{Template: 2} },
			want:   `"spare" is neither wired nor parameterised`,
		},
		{
			name:   "output wired twice",
			mutate: func(s *GraphSpec) { s.Wires = append(s.Wires, WireSpec{From: "src:0", To: []string{"sink:1"}}) },
			want:   "wired twice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := pipelineSpec()
			tt.mutate(spec)
			_, _, err := spec.Compile()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestGraphSpec_ParameterOnly(t *testing.T) {
	spec := &GraphSpec{
		MergeParameters: true,
		Elements:        map[string]ElementSpec{"scale": {Template: 4}},
		Params:          []ParamSpec{{Element: "scale", Data: []int{5}}},
	}
	blob, err := spec.Blob()
	if err != nil {
		t.Fatal(err)
	}
	meta, g, err := wiring.Decompile(blob)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Flags.Has(wiring.FlagWiringSection) || !meta.Flags.Has(wiring.FlagParamSection|wiring.FlagMergeParameters) {
		t.Errorf("unexpected flags %s", meta.Flags)
	}
	if len(g.Groups) != 0 || len(g.Params) != 1 {
		t.Errorf("expected a parameter-only graph, got %+v", g)
	}
}

func TestFromGraph_RoundTrip(t *testing.T) {
	spec := pipelineSpec()
	blob, err := spec.Blob()
	if err != nil {
		t.Fatal(err)
	}
	meta, g, err := wiring.Decompile(blob)
	if err != nil {
		t.Fatal(err)
	}

	names := func(id wiring.TemplateID) string {
		if id == 4 {
			return "scale"
		}
		return ""
	}
	back := FromGraph(meta, g, names)

	if back.Mode != ModeHotSwap || !back.MergeParameters || back.Diff {
		t.Errorf("unexpected header %+v", back)
	}
	if _, ok := back.Elements["scale_0"]; !ok {
		t.Errorf("expected a named alias, got %v", back.Elements)
	}
	if _, ok := back.Elements["t0006_1"]; !ok {
		t.Errorf("expected a template id alias for unnamed templates, got %v", back.Elements)
	}
	again, err := back.Blob()
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(blob) {
		t.Errorf("expected identical blob, got % x want % x", again, blob)
	}
}
