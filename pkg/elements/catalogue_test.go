package elements

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/wiring"
)

func noop(context.Context, Env) (Behavior, error) { return passthrough{}, nil }

func TestCatalogue_Register(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    *Template
		wantErr string
	}{
		{
			name:    "duplicate id",
			tmpl:    &Template{ID: PassthroughTemplate, Name: "again", New: noop},
			wantErr: "already registered",
		},
		{
			name:    "missing name",
			tmpl:    &Template{ID: 0x100, New: noop},
			wantErr: "has no name",
		},
		{
			name:    "missing constructor",
			tmpl:    &Template{ID: 0x100, Name: "x"},
			wantErr: "no constructor",
		},
		{
			name:    "too many inputs",
			tmpl:    &Template{ID: 0x100, Name: "x", New: noop, Inputs: make([]Port, wiring.MaxInputPorts+1)},
			wantErr: "inputs",
		},
		{
			name: "ok",
			tmpl: &Template{ID: 0x100, Name: "x", New: noop},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := builtinCatalogue(t)
			err := c.Register(tt.tmpl)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCatalogue_List(t *testing.T) {
	c := builtinCatalogue(t)
	list := c.List()
	if len(list) != len(Builtins()) {
		t.Fatalf("expected %d templates, got %d", len(Builtins()), len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Errorf("expected templates ordered by id, got %s before %s", list[i-1].ID, list[i].ID)
		}
	}
	if tmpl, ok := c.ByName("combine"); !ok || tmpl.ID != CombineTemplate {
		t.Errorf("expected combine by name, got %v", tmpl)
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name: "valid",
			yaml: `
templates:
  - id: 0x10
    name: masker
    kind: builtin
    builtin: truncate
  - id: 0x11
    name: doubler
    kind: starlark
    source: doubler.star
    inputs: [{name: in, signature: u8}]
    outputs: [{name: out, signature: u8}]
`,
		},
		{
			name:    "unknown kind",
			yaml:    "templates:\n  - {id: 1, name: x, kind: lua, source: x.lua}\n",
			wantErr: true,
		},
		{
			name:    "builtin without name",
			yaml:    "templates:\n  - {id: 1, name: x, kind: builtin}\n",
			wantErr: true,
		},
		{
			name:    "script without source",
			yaml:    "templates:\n  - {id: 1, name: x, kind: starlark}\n",
			wantErr: true,
		},
		{
			name:    "port without signature",
			yaml:    "templates:\n  - {id: 1, name: x, kind: starlark, source: x.star, inputs: [{name: in}]}\n",
			wantErr: true,
		},
		{
			name:    "not yaml",
			yaml:    "templates: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseManifest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(m.Templates) != 2 {
				t.Errorf("expected 2 templates, got %d", len(m.Templates))
			}
		})
	}
}

func TestCatalogue_LoadManifest(t *testing.T) {
	dir := t.TempDir()
	script := `
def receive(state, port, payload):
    return [(0, payload + payload)]
`
	manifest := `
templates:
  - id: 0x20
    name: masker
    kind: builtin
    builtin: truncate
  - id: 0x21
    name: doubler
    kind: starlark
    source: scripts/doubler.star
    inputs: [{name: in, signature: any}]
    outputs: [{name: out, signature: any}]
`
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "scripts", "doubler.star"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "catalogue.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCatalogue()
	if err := c.LoadManifest(context.Background(), path, nil); err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}

	masker, ok := c.Get(0x20)
	if !ok || masker.Name != "masker" || masker.Kind != KindBuiltin || len(masker.Inputs) != 1 {
		t.Errorf("unexpected masker template: %+v", masker)
	}
	doubler, ok := c.Get(0x21)
	if !ok || doubler.Kind != KindStarlark {
		t.Fatalf("unexpected doubler template: %+v", doubler)
	}

	b, err := doubler.New(context.Background(), Env{})
	if err != nil {
		t.Fatal(err)
	}
	out := &collector{}
	if _, err := b.Receive(context.Background(), 0, engine.Token{Payload: []byte("ab")}, out); err != nil {
		t.Fatal(err)
	}
	if len(out.emits) != 1 || string(out.emits[0].tok.Payload) != "abab" {
		t.Errorf("unexpected emissions %v", out.emits)
	}
}

func TestCatalogue_LoadManifestErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{name: "unknown builtin", manifest: "templates:\n  - {id: 1, name: x, kind: builtin, builtin: nope}\n"},
		{name: "missing script", manifest: "templates:\n  - {id: 1, name: x, kind: starlark, source: missing.star}\n"},
		{name: "wasm without host", manifest: "templates:\n  - {id: 1, name: x, kind: wasm, source: m.wasm}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "m.wasm"), []byte{0}, 0o644); err != nil {
				t.Fatal(err)
			}
			path := filepath.Join(dir, "catalogue.yaml")
			if err := os.WriteFile(path, []byte(tt.manifest), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := NewCatalogue().LoadManifest(context.Background(), path, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
