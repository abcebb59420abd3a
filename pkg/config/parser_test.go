package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vireflow/vire/pkg/wiring"
)

const pipelineCUE = `
origin: 144
mode:   "hot_swap"
elements: {
	src:   {template: 1}
	scale: {template: 4}
	sink:  {template: 6, instance: 2}
}
wires: [
	{from: "src:0", to: ["scale:0"]},
	{from: "scale:0", to: ["sink:0"]},
]
params: [{element: "scale", data: [3]}]
`

func TestGraphParser_ParseInline(t *testing.T) {
	parser := NewGraphParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errSubstr string
		checkFunc func(*testing.T, *GraphSpec)
	}{
		{
			name:    "valid pipeline",
			content: pipelineCUE,
			checkFunc: func(t *testing.T, spec *GraphSpec) {
				if spec.Mode != ModeHotSwap || spec.Origin != 144 {
					t.Errorf("unexpected header %q/%d", spec.Mode, spec.Origin)
				}
				if spec.Elements["src"].Instance != 0 {
					t.Errorf("expected default instance 0, got %d", spec.Elements["src"].Instance)
				}
				if spec.Elements["sink"].Instance != 2 {
					t.Errorf("expected sink instance 2, got %d", spec.Elements["sink"].Instance)
				}
				if len(spec.Wires) != 2 || len(spec.Params) != 1 {
					t.Errorf("expected 2 wires and 1 param, got %d/%d", len(spec.Wires), len(spec.Params))
				}
			},
		},
		{
			name: "comprehension builds a chain",
			content: `
_stages: ["a", "b", "c"]
elements: {for i, s in _stages {(s): {template: 2, instance: i}}}
wires: [for i, s in _stages if i < len(_stages)-1 {from: "\(s):0", to: ["\(_stages[i+1]):0"]}]
`,
			checkFunc: func(t *testing.T, spec *GraphSpec) {
				if len(spec.Elements) != 3 || len(spec.Wires) != 2 {
					t.Errorf("expected 3 elements and 2 wires, got %d/%d", len(spec.Elements), len(spec.Wires))
				}
				if spec.Wires[1].From != "b:0" || spec.Wires[1].To[0] != "c:0" {
					t.Errorf("unexpected wire %+v", spec.Wires[1])
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: "elements: {\n\tsrc: {template: 1\n",
			wantErr: true,
		},
		{
			name:    "unknown mode",
			content: `mode: "partial"`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			content: `colour: "blue"`,
			wantErr: true,
		},
		{
			name: "malformed endpoint",
			content: `
elements: src: {template: 1}
wires: [{from: "src", to: ["src:0"]}]
`,
			wantErr: true,
		},
		{
			name: "parameter byte out of range",
			content: `
elements: src: {template: 1}
params: [{element: "src", data: [300]}]
`,
			wantErr: true,
		},
		{
			name: "unknown alias",
			content: `
elements: src: {template: 1}
wires: [{from: "src:0", to: ["nope:0"]}]
`,
			wantErr:   true,
			errSubstr: `unknown element "nope"`,
		},
		{
			name: "input port out of range",
			content: `
elements: {
	src:  {template: 1}
	sink: {template: 6}
}
wires: [{from: "src:0", to: ["sink:9"]}]
`,
			wantErr:   true,
			errSubstr: "exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline() returned error: %v", err)
			}

			if tt.wantErr {
				if len(result.Errors) == 0 {
					t.Fatal("expected validation errors, got none")
				}
				if tt.errSubstr != "" && !strings.Contains(result.Err().Error(), tt.errSubstr) {
					t.Errorf("expected error containing %q, got %v", tt.errSubstr, result.Err())
				}
				if result.Spec != nil {
					t.Error("expected no spec alongside errors")
				}
				return
			}

			if err := result.Err(); err != nil {
				t.Fatalf("unexpected validation errors: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result.Spec)
			}
		})
	}
}

func TestGraphParser_ParseYAML(t *testing.T) {
	parser := NewGraphParser()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name: "valid",
			content: `
mode: full
elements:
  src: {template: 1}
  sink: {template: 6, instance: 2}
wires:
  - from: "src:0"
    to: ["sink:0"]
`,
		},
		{
			name:    "unknown field",
			content: "elements:\n  src: {template: 1}\nwirez: []\n",
			wantErr: true,
		},
		{
			name:    "bad mode",
			content: "mode: partial\nelements:\n  src: {template: 1}\nparams:\n  - element: src\n    data: [1]\n",
			wantErr: true,
		},
		{
			name:    "unwired element",
			content: "elements:\n  src: {template: 1}\n",
			wantErr: true,
		},
		{
			name:    "not yaml",
			content: "elements: [",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parser.ParseYAML([]byte(tt.content), "graph.yaml")
			if tt.wantErr {
				if result.Err() == nil {
					t.Error("expected validation errors")
				}
				return
			}
			if err := result.Err(); err != nil {
				t.Fatalf("unexpected errors: %v", err)
			}
			if result.Spec.Elements["sink"].Instance != 2 {
				t.Errorf("expected sink instance 2, got %+v", result.Spec.Elements)
			}
		})
	}
}

func TestGraphParser_ParseStarlark(t *testing.T) {
	parser := NewGraphParser()
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		input   map[string]interface{}
		wantErr bool
		wires   int
	}{
		{
			name: "fan out built in a loop",
			script: `
def build(n):
    elements = {"src": {"template": 1}}
    sinks = []
    for i in range(n):
        alias = "sink_%d" % i
        elements[alias] = {"template": 6, "instance": i}
        sinks.append(endpoint(alias, 0))
    return elements, sinks

_elements, _sinks = build(fanout)
graph = {
    "mode": "hot_swap",
    "elements": _elements,
    "wires": [wire("src:0", *_sinks)],
}
`,
			input: map[string]interface{}{"fanout": 3},
			wires: 1,
		},
		{
			name:    "no graph assigned",
			script:  `elements = {}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			script:  `graph = {"elements": {"src": {"template": 1}}, "colour": "red"}`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `graph = undefined`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parser.ParseStarlark(ctx, "graph.star", tt.script, tt.input)
			if tt.wantErr {
				if result.Err() == nil {
					t.Error("expected errors")
				}
				return
			}
			if err := result.Err(); err != nil {
				t.Fatalf("unexpected errors: %v", err)
			}
			if len(result.Spec.Wires) != tt.wires {
				t.Errorf("expected %d wires, got %d", tt.wires, len(result.Spec.Wires))
			}
			if got := len(result.Spec.Wires[0].To); got != 3 {
				t.Errorf("expected 3 destinations, got %d", got)
			}
			if result.Spec.Flags() != wiring.FlagHotSwap {
				t.Errorf("expected hot swap flag, got %s", result.Spec.Flags())
			}
		})
	}
}

func TestGraphParser_ParseFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	cuePath := write("graph.cue", pipelineCUE)
	yamlPath := write("graph.yml", "elements:\n  a: {template: 2}\n  b: {template: 6}\nwires:\n  - from: \"a:0\"\n    to: [\"b:0\"]\n")
	starPath := write("graph.star", `graph = {"elements": {"a": {"template": 2}, "b": {"template": 6}}, "wires": [wire("a:0", "b:0")]}`)
	write("split/elements.cue", "elements: {\n\ta: {template: 2}\n\tb: {template: 6}\n}\n")
	write("split/wires.cue", `wires: [{from: "a:0", to: ["b:0"]}]`)
	txtPath := write("graph.txt", "nothing")

	parser := NewGraphParser()
	ctx := context.Background()

	for _, path := range []string{cuePath, yamlPath, starPath, filepath.Join(dir, "split")} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			result, err := parser.ParseFile(ctx, path)
			if err != nil {
				t.Fatal(err)
			}
			if err := result.Err(); err != nil {
				t.Fatalf("unexpected errors: %v", err)
			}
			if len(result.Spec.Wires) == 0 {
				t.Error("expected wires")
			}
		})
	}

	t.Run("directory file list", func(t *testing.T) {
		result, _ := parser.ParseFile(ctx, filepath.Join(dir, "split"))
		if len(result.SourceFiles) != 2 {
			t.Errorf("expected 2 source files, got %v", result.SourceFiles)
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		if _, err := parser.ParseFile(ctx, txtPath); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := parser.ParseFile(ctx, filepath.Join(dir, "absent.cue")); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		empty := filepath.Join(dir, "empty")
		if err := os.Mkdir(empty, 0755); err != nil {
			t.Fatal(err)
		}
		result, err := parser.ParseFile(ctx, empty)
		if err != nil {
			t.Fatal(err)
		}
		if result.Err() == nil {
			t.Error("expected a validation error for a directory without CUE files")
		}
	})
}

func TestGraphParser_ExportRoundTrip(t *testing.T) {
	parser := NewGraphParser()
	ctx := context.Background()

	result, err := parser.ParseInline(ctx, pipelineCUE)
	if err != nil || result.Err() != nil {
		t.Fatalf("parse failed: %v %v", err, result.Err())
	}
	want, err := result.Spec.Blob()
	if err != nil {
		t.Fatal(err)
	}

	src, err := parser.ExportCUE(result.Spec)
	if err != nil {
		t.Fatal(err)
	}
	again, err := parser.ParseInline(ctx, string(src))
	if err != nil || again.Err() != nil {
		t.Fatalf("re-parse of exported CUE failed: %v %v\n%s", err, again.Err(), src)
	}
	got, err := again.Spec.Blob()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("expected identical blobs after CUE round trip, got % x want % x", got, want)
	}

	js, err := parser.ExportJSON(result.Spec)
	if err != nil {
		t.Fatal(err)
	}
	fromJSON := parser.ParseYAML(js, "graph.json")
	if err := fromJSON.Err(); err != nil {
		t.Fatalf("re-parse of exported JSON failed: %v\n%s", err, js)
	}
	got, _ = fromJSON.Spec.Blob()
	if !bytes.Equal(got, want) {
		t.Errorf("expected identical blobs after JSON round trip, got % x want % x", got, want)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{File: "graph.cue", Line: 3, Column: 2, Path: "mode", Message: "conflicting values", Severity: "error"},
		{Message: "no CUE files found", Severity: "error"},
	}
	want := "graph.cue:3:2: mode: conflicting values\nno CUE files found"
	if errs.Error() != want {
		t.Errorf("expected %q, got %q", want, errs.Error())
	}
}
