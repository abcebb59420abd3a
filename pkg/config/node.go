package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vireflow/vire/pkg/elements"
	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/stores"
	"github.com/vireflow/vire/pkg/telemetry"
)

// NodeConfig is the configuration of one vire node.
type NodeConfig struct {
	Engine    engine.Config    `yaml:"engine" json:"engine"`
	Store     stores.Options   `yaml:"store" json:"store"`
	Elements  ElementsConfig   `yaml:"elements" json:"elements"`
	Policy    PolicyConfig     `yaml:"policy" json:"policy"`
	Inbox     InboxConfig      `yaml:"inbox" json:"inbox"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// ElementsConfig configures the element catalogue.
type ElementsConfig struct {
	// Catalogue is an optional manifest of scripted templates loaded next
	// to the built-in ones.
	Catalogue string `yaml:"catalogue" json:"catalogue"`

	// WASM configures the WebAssembly host.
	WASM elements.WASMConfig `yaml:"wasm" json:"wasm"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Enabled turns admission checks on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Dir holds the .rego files.
	Dir string `yaml:"dir" json:"dir" validate:"required_if=Enabled true"`

	// Package is the Rego package root. Every policy must live at or below
	// it and contributes its own deny set.
	Package string `yaml:"package" json:"package" validate:"required_if=Enabled true"`
}

// InboxConfig configures the delivery inbox.
type InboxConfig struct {
	// Enabled turns the inbox watcher on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Dir is the watched directory.
	Dir string `yaml:"dir" json:"dir" validate:"required_if=Enabled true"`

	// Debounce is how long a file must stay unchanged before pickup.
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"min=0"`
}

// DefaultNodeConfig returns a node configuration that runs entirely in
// memory with the inbox and policies off.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Engine: engine.DefaultConfig(),
		Store: stores.Options{
			Backend: stores.BackendMemory,
		},
		Elements: ElementsConfig{
			WASM: elements.DefaultWASMConfig(),
		},
		Policy: PolicyConfig{
			Dir:     "policies",
			Package: "vire.admission",
		},
		Inbox: InboxConfig{
			Dir:      "inbox",
			Debounce: 200 * time.Millisecond,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadNodeConfig reads a YAML node configuration on top of the defaults.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node config: %w", err)
	}
	return ParseNodeConfig(data)
}

// ParseNodeConfig decodes a YAML node configuration on top of the defaults
// and validates it.
func ParseNodeConfig(data []byte) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode node config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the engine and telemetry rules.
func (c *NodeConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
