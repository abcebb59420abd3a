package elements

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/wiring"
)

// Port signatures. An input accepts an output of the same signature;
// SignatureAny on either side matches everything.
const (
	SignatureAny = "any"
	SignatureU8  = "u8"
)

var (
	// ErrNotBound is returned when an element emits before the runtime is
	// bound to a dispatcher.
	ErrNotBound = errors.New("runtime not bound to a dispatcher")
	// ErrBadPayload is returned by elements that cannot decode a token.
	ErrBadPayload = errors.New("malformed payload")
)

// Port describes one input or output of a template.
type Port struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	Signature string `yaml:"signature" json:"signature" validate:"required"`
}

// Compatible reports whether an output with signature out may feed an
// input with signature in.
func Compatible(out, in string) bool {
	return out == in || out == SignatureAny || in == SignatureAny
}

// Emitter lets an element put tokens on its output ports.
type Emitter interface {
	Emit(ctx context.Context, port uint8, tok engine.Token) error
	// Ready reports that a long-running operation has finished without
	// emitting, so the element's queued tokens can be delivered.
	Ready(ctx context.Context) error
}

// Behavior is one live element.
type Behavior interface {
	Receive(ctx context.Context, port uint8, tok engine.Token, out Emitter) (engine.Outcome, error)
}

// Parameterized is implemented by elements that accept parameter blobs.
type Parameterized interface {
	SetParameters(ctx context.Context, blob []byte) error
}

// Runner is implemented by elements that produce tokens on their own. Run
// is started in its own goroutine after spawn and its context is cancelled
// on deregistration. The emitter it receives is safe to use from that
// goroutine.
type Runner interface {
	Run(ctx context.Context, out Emitter) error
}

// Closer is implemented by elements holding resources.
type Closer interface {
	Close(ctx context.Context) error
}

// Env is handed to a template when an element is created.
type Env struct {
	Handle engine.Handle
	Logger zerolog.Logger
}

// Template is the code an element is spawned from.
type Template struct {
	ID      wiring.TemplateID
	Name    string
	Kind    string
	Inputs  []Port
	Outputs []Port
	New     func(ctx context.Context, env Env) (Behavior, error)
}

// Validate checks the template's port limits.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template %s has no name", t.ID)
	}
	if t.New == nil {
		return fmt.Errorf("template %s (%s) has no constructor", t.ID, t.Name)
	}
	if len(t.Inputs) > wiring.MaxInputPorts {
		return fmt.Errorf("template %s has %d inputs, at most %d allowed", t.Name, len(t.Inputs), wiring.MaxInputPorts)
	}
	if len(t.Outputs) > wiring.MaxOutputPorts {
		return fmt.Errorf("template %s has %d outputs, at most %d allowed", t.Name, len(t.Outputs), wiring.MaxOutputPorts)
	}
	return nil
}

// withIdentity returns a copy of t registered under another id and name.
func (t *Template) withIdentity(id wiring.TemplateID, name string) *Template {
	cp := *t
	cp.ID = id
	cp.Name = name
	return &cp
}
