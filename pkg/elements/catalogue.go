package elements

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vireflow/vire/pkg/wiring"
)

// Catalogue holds the templates elements can be spawned from.
type Catalogue struct {
	mu        sync.RWMutex
	templates map[wiring.TemplateID]*Template
}

// NewCatalogue creates an empty catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{templates: make(map[wiring.TemplateID]*Template)}
}

// Register adds a template. Ids must be unique.
func (c *Catalogue) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.templates[t.ID]; ok {
		return fmt.Errorf("template %s already registered as %s", t.ID, prev.Name)
	}
	c.templates[t.ID] = t
	return nil
}

// Get returns the template registered under id.
func (c *Catalogue) Get(id wiring.TemplateID) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	return t, ok
}

// ByName returns the template registered under name.
func (c *Catalogue) ByName(name string) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.templates {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// List returns the templates ordered by id.
func (c *Catalogue) List() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Manifest is the YAML form of a catalogue.
type Manifest struct {
	Templates []TemplateSpec `yaml:"templates" validate:"dive"`
}

// TemplateSpec declares one template of a manifest.
type TemplateSpec struct {
	ID   uint16 `yaml:"id" validate:"required"`
	Name string `yaml:"name" validate:"required"`
	Kind string `yaml:"kind" validate:"required,oneof=builtin starlark wasm"`
	// Builtin names the native template a builtin entry re-registers.
	Builtin string `yaml:"builtin" validate:"required_if=Kind builtin"`
	// Source is the script or module path, relative to the manifest.
	Source  string `yaml:"source" validate:"required_unless=Kind builtin"`
	Inputs  []Port `yaml:"inputs" validate:"max=8,dive"`
	Outputs []Port `yaml:"outputs" validate:"max=32,dive"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse catalogue manifest: %w", err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid catalogue manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest registers every template of the manifest at path. Scripts
// and modules are resolved relative to the manifest; wasm may be nil when
// the manifest has no wasm entries.
func (c *Catalogue) LoadManifest(ctx context.Context, path string, wasm *WASMHost) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalogue manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	for _, spec := range m.Templates {
		t, err := c.build(ctx, dir, spec, wasm)
		if err != nil {
			return fmt.Errorf("template %s: %w", spec.Name, err)
		}
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalogue) build(ctx context.Context, dir string, spec TemplateSpec, wasm *WASMHost) (*Template, error) {
	id := wiring.TemplateID(spec.ID)
	if spec.Kind == KindBuiltin {
		native, ok := builtinByName(spec.Builtin)
		if !ok {
			return nil, fmt.Errorf("unknown builtin %q", spec.Builtin)
		}
		return native.withIdentity(id, spec.Name), nil
	}

	src, err := os.ReadFile(resolve(dir, spec.Source))
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	switch spec.Kind {
	case KindStarlark:
		return NewStarlarkTemplate(id, spec.Name, spec.Source, src, spec.Inputs, spec.Outputs)
	case KindWASM:
		if wasm == nil {
			return nil, fmt.Errorf("no wasm host configured")
		}
		return wasm.Template(ctx, id, spec.Name, src, spec.Inputs, spec.Outputs)
	default:
		return nil, fmt.Errorf("unknown kind %q", spec.Kind)
	}
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
