package elements

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/wiring"
)

// Template kinds.
const (
	KindBuiltin  = "builtin"
	KindStarlark = "starlark"
	KindWASM     = "wasm"
)

// Builtin template ids.
const (
	SourceTemplate      wiring.TemplateID = 0x0001
	PassthroughTemplate wiring.TemplateID = 0x0002
	TruncateTemplate    wiring.TemplateID = 0x0003
	ScaleTemplate       wiring.TemplateID = 0x0004
	CombineTemplate     wiring.TemplateID = 0x0005
	SinkTemplate        wiring.TemplateID = 0x0006
)

// DefaultSourcePeriod is the emission period of a source until it gets
// parameters.
const DefaultSourcePeriod = time.Second

// Builtins returns the native templates.
func Builtins() []*Template {
	u8 := func(name string) Port { return Port{Name: name, Signature: SignatureU8} }
	anyPort := func(name string) Port { return Port{Name: name, Signature: SignatureAny} }

	return []*Template{
		{
			ID: SourceTemplate, Name: "source", Kind: KindBuiltin,
			Outputs: []Port{u8("value")},
			New: func(_ context.Context, env Env) (Behavior, error) {
				s := &Source{logger: env.Logger}
				s.period.Store(int64(DefaultSourcePeriod))
				return s, nil
			},
		},
		{
			ID: PassthroughTemplate, Name: "passthrough", Kind: KindBuiltin,
			Inputs:  []Port{anyPort("in")},
			Outputs: []Port{anyPort("out")},
			New: func(context.Context, Env) (Behavior, error) {
				return passthrough{}, nil
			},
		},
		{
			ID: TruncateTemplate, Name: "truncate", Kind: KindBuiltin,
			Inputs:  []Port{u8("in")},
			Outputs: []Port{u8("out")},
			New: func(context.Context, Env) (Behavior, error) {
				return &Truncate{mask: 0xFF}, nil
			},
		},
		{
			ID: ScaleTemplate, Name: "scale", Kind: KindBuiltin,
			Inputs:  []Port{u8("in")},
			Outputs: []Port{u8("out")},
			New: func(context.Context, Env) (Behavior, error) {
				return &Scale{factor: 1}, nil
			},
		},
		{
			ID: CombineTemplate, Name: "combine", Kind: KindBuiltin,
			Inputs:  []Port{u8("a"), u8("b")},
			Outputs: []Port{u8("out")},
			New: func(context.Context, Env) (Behavior, error) {
				return &Combine{}, nil
			},
		},
		{
			ID: SinkTemplate, Name: "sink", Kind: KindBuiltin,
			Inputs: []Port{anyPort("in")},
			New: func(_ context.Context, env Env) (Behavior, error) {
				return &Sink{logger: env.Logger}, nil
			},
		},
	}
}

// RegisterBuiltins adds the native templates to c.
func RegisterBuiltins(c *Catalogue) error {
	for _, t := range Builtins() {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func builtinByName(name string) (*Template, bool) {
	for _, t := range Builtins() {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Source emits an incrementing counter byte once per period. Its
// parameter is the period in tenths of a second; zero pauses it.
type Source struct {
	logger  zerolog.Logger
	period  atomic.Int64
	counter atomic.Uint32
	wake    chan struct{}
	once    sync.Once
}

func (s *Source) Receive(context.Context, uint8, engine.Token, Emitter) (engine.Outcome, error) {
	return engine.Accepted, engine.ErrNoFunction
}

func (s *Source) SetParameters(_ context.Context, blob []byte) error {
	if len(blob) != 1 {
		return ErrBadPayload
	}
	s.period.Store(int64(time.Duration(blob[0]) * 100 * time.Millisecond))
	select {
	case s.wakeup() <- struct{}{}:
	default:
	}
	return nil
}

// Period returns the current emission period.
func (s *Source) Period() time.Duration {
	return time.Duration(s.period.Load())
}

func (s *Source) wakeup() chan struct{} {
	s.once.Do(func() { s.wake = make(chan struct{}, 1) })
	return s.wake
}

func (s *Source) Run(ctx context.Context, out Emitter) error {
	wake := s.wakeup()
	for {
		var (
			tick  <-chan time.Time
			timer *time.Timer
		)
		if period := s.Period(); period > 0 {
			timer = time.NewTimer(period)
			tick = timer.C
		}
		fired := false
		select {
		case <-ctx.Done():
		case <-wake:
		case <-tick:
			fired = true
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fired {
			continue
		}
		v := uint8(s.counter.Add(1))
		if err := out.Emit(ctx, 0, engine.Token{Payload: []byte{v}}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Uint8("value", v).Msg("Failed to emit sample")
		}
	}
}

type passthrough struct{}

func (passthrough) Receive(ctx context.Context, _ uint8, tok engine.Token, out Emitter) (engine.Outcome, error) {
	return engine.Accepted, out.Emit(ctx, 0, tok)
}

// Truncate masks every byte of its input with its parameter byte.
type Truncate struct {
	mask uint8
}

func (t *Truncate) Receive(ctx context.Context, _ uint8, tok engine.Token, out Emitter) (engine.Outcome, error) {
	if len(tok.Payload) == 0 {
		return engine.Accepted, ErrBadPayload
	}
	b := make([]byte, len(tok.Payload))
	for i, v := range tok.Payload {
		b[i] = v & t.mask
	}
	return engine.Accepted, out.Emit(ctx, 0, engine.Token{Payload: b})
}

func (t *Truncate) SetParameters(_ context.Context, blob []byte) error {
	if len(blob) != 1 {
		return ErrBadPayload
	}
	t.mask = blob[0]
	return nil
}

// Scale multiplies every byte of its input by its parameter byte,
// saturating at 0xFF.
type Scale struct {
	factor uint8
}

func (s *Scale) Receive(ctx context.Context, _ uint8, tok engine.Token, out Emitter) (engine.Outcome, error) {
	if len(tok.Payload) == 0 {
		return engine.Accepted, ErrBadPayload
	}
	b := make([]byte, len(tok.Payload))
	for i, v := range tok.Payload {
		b[i] = uint8(min(int(v)*int(s.factor), 0xFF))
	}
	return engine.Accepted, out.Emit(ctx, 0, engine.Token{Payload: b})
}

func (s *Scale) SetParameters(_ context.Context, blob []byte) error {
	if len(blob) != 1 {
		return ErrBadPayload
	}
	s.factor = blob[0]
	return nil
}

// Combine ORs one token from each input. The first token is held and its
// port stays BUSY until the other input delivers.
type Combine struct {
	held    []byte
	waiting bool
}

func (c *Combine) Receive(ctx context.Context, _ uint8, tok engine.Token, out Emitter) (engine.Outcome, error) {
	if !c.waiting {
		c.held = bytes.Clone(tok.Payload)
		c.waiting = true
		return engine.Pending, nil
	}

	n := max(len(c.held), len(tok.Payload))
	b := make([]byte, n)
	copy(b, c.held)
	for i, v := range tok.Payload {
		b[i] |= v
	}
	c.held = nil
	c.waiting = false
	return engine.Accepted, out.Emit(ctx, 0, engine.Token{Payload: b})
}

// Sink logs and counts what it receives.
type Sink struct {
	logger zerolog.Logger
	mu     sync.Mutex
	count  int
	last   []byte
}

func (s *Sink) Receive(_ context.Context, port uint8, tok engine.Token, _ Emitter) (engine.Outcome, error) {
	s.mu.Lock()
	s.count++
	s.last = bytes.Clone(tok.Payload)
	s.mu.Unlock()

	s.logger.Info().
		Uint8("port", port).
		Hex("payload", tok.Payload).
		Msg("Token received")
	return engine.Accepted, nil
}

// Count returns the number of tokens received.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Last returns the most recent payload.
func (s *Sink) Last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.last)
}
