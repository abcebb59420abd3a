package elements

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/wiring"
)

// DefaultStarlarkSteps bounds the work of one script call.
const DefaultStarlarkSteps = 1 << 20

// pendingResult is what receive returns to hold its input port BUSY.
const pendingResult = "pending"

// NewStarlarkTemplate builds a template from a script. The script must
// define receive(state, port, payload) and may define
// set_parameters(state, blob). state is a dict private to each element.
//
// receive returns None, "pending", or a list of (port, payload) tuples to
// emit. A payload is bytes, a string, or an int in 0..255.
func NewStarlarkTemplate(id wiring.TemplateID, name, filename string, src []byte, inputs, outputs []Port) (*Template, error) {
	// Load once so that syntax errors surface at registration.
	if _, err := loadScript(filename, src, zerolog.Nop()); err != nil {
		return nil, err
	}
	return &Template{
		ID:      id,
		Name:    name,
		Kind:    KindStarlark,
		Inputs:  inputs,
		Outputs: outputs,
		New: func(_ context.Context, env Env) (Behavior, error) {
			s, err := loadScript(filename, src, env.Logger)
			if err != nil {
				return nil, err
			}
			if s.setParameters == nil {
				return &starlarkElement{script: s}, nil
			}
			return &parameterizedStarlark{starlarkElement{script: s}}, nil
		},
	}, nil
}

type script struct {
	filename      string
	receive       starlark.Callable
	setParameters starlark.Callable
	state         *starlark.Dict
	logger        zerolog.Logger
	maxSteps      uint64
}

func loadScript(filename string, src []byte, logger zerolog.Logger) (*script, error) {
	s := &script{filename: filename, state: starlark.NewDict(0), logger: logger, maxSteps: DefaultStarlarkSteps}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	globals, err := starlark.ExecFile(s.thread(), filename, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filename, err)
	}

	fn, ok := globals["receive"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define receive", filename)
	}
	s.receive = fn
	if v, ok := globals["set_parameters"]; ok {
		fn, ok := v.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("%s: set_parameters is not callable", filename)
		}
		s.setParameters = fn
	}
	return s, nil
}

func (s *script) thread() *starlark.Thread {
	t := &starlark.Thread{
		Name: s.filename,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Str("script", s.filename).Msg(msg)
		},
	}
	t.SetMaxExecutionSteps(s.maxSteps)
	return t
}

func (s *script) call(ctx context.Context, fn starlark.Callable, args starlark.Tuple) (starlark.Value, error) {
	t := s.thread()
	stop := context.AfterFunc(ctx, func() { t.Cancel(ctx.Err().Error()) })
	defer stop()
	return starlark.Call(t, fn, args, nil)
}

type starlarkElement struct {
	script *script
}

func (e *starlarkElement) Receive(ctx context.Context, port uint8, tok engine.Token, out Emitter) (engine.Outcome, error) {
	args := starlark.Tuple{e.script.state, starlark.MakeInt(int(port)), starlark.Bytes(tok.Payload)}
	v, err := e.script.call(ctx, e.script.receive, args)
	if err != nil {
		return engine.Accepted, fmt.Errorf("receive failed: %w", err)
	}

	outcome, emissions, err := decodeReceiveResult(v)
	if err != nil {
		return engine.Accepted, err
	}
	for _, em := range emissions {
		if err := out.Emit(ctx, em.port, engine.Token{Payload: em.payload}); err != nil {
			return engine.Accepted, err
		}
	}
	return outcome, nil
}

type parameterizedStarlark struct {
	starlarkElement
}

func (e *parameterizedStarlark) SetParameters(ctx context.Context, blob []byte) error {
	args := starlark.Tuple{e.script.state, starlark.Bytes(blob)}
	if _, err := e.script.call(ctx, e.script.setParameters, args); err != nil {
		return fmt.Errorf("set_parameters failed: %w", err)
	}
	return nil
}

type emission struct {
	port    uint8
	payload []byte
}

func decodeReceiveResult(v starlark.Value) (engine.Outcome, []emission, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return engine.Accepted, nil, nil
	case starlark.String:
		if string(v) == pendingResult {
			return engine.Pending, nil, nil
		}
		return engine.Accepted, nil, fmt.Errorf("receive returned unknown status %q", string(v))
	case starlark.Indexable:
		out := make([]emission, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			em, err := decodeEmission(v.Index(i))
			if err != nil {
				return engine.Accepted, nil, fmt.Errorf("emission %d: %w", i, err)
			}
			out = append(out, em)
		}
		return engine.Accepted, out, nil
	default:
		return engine.Accepted, nil, fmt.Errorf("receive returned %s", v.Type())
	}
}

func decodeEmission(v starlark.Value) (emission, error) {
	pair, ok := v.(starlark.Tuple)
	if !ok || len(pair) != 2 {
		return emission{}, fmt.Errorf("expected (port, payload), got %s", v.String())
	}
	var port int
	if err := starlark.AsInt(pair[0], &port); err != nil || port < 0 || port >= wiring.MaxOutputPorts {
		return emission{}, fmt.Errorf("invalid port %s", pair[0].String())
	}

	em := emission{port: uint8(port)}
	switch p := pair[1].(type) {
	case starlark.Bytes:
		em.payload = []byte(p)
	case starlark.String:
		em.payload = []byte(p)
	case starlark.Int:
		var b int
		if err := starlark.AsInt(p, &b); err != nil || b < 0 || b > 0xFF {
			return emission{}, fmt.Errorf("payload %s does not fit a byte", p.String())
		}
		em.payload = []byte{byte(b)}
	default:
		return emission{}, fmt.Errorf("unsupported payload type %s", p.Type())
	}
	return em, nil
}
