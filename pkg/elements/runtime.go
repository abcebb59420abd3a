package elements

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/wiring"
)

// Dispatcher is the engine surface elements emit through. *engine.Engine
// satisfies it.
type Dispatcher interface {
	Emit(ctx context.Context, h engine.Handle, port uint8, tok engine.Token) error
	SignalReady(ctx context.Context, h engine.Handle) error
	EmitAsync(ctx context.Context, h engine.Handle, port uint8, tok engine.Token) error
	SignalReadyAsync(ctx context.Context, h engine.Handle) error
}

type instance struct {
	handle    engine.Handle
	template  *Template
	behavior  Behavior
	outputs   []wiring.GroupID
	duplicate bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Runtime spawns elements from a catalogue and publishes their ports to
// the engine. Slots are addressed by handle.
type Runtime struct {
	catalogue *Catalogue
	logger    zerolog.Logger

	mu         sync.Mutex
	slots      []*instance
	duplicates map[wiring.TemplateID]int
	dispatch   Dispatcher
}

// NewRuntime creates a runtime with room for capacity elements.
func NewRuntime(cat *Catalogue, capacity int, logger zerolog.Logger) (*Runtime, error) {
	if cat == nil {
		return nil, fmt.Errorf("catalogue is required")
	}
	if capacity < 1 || capacity > engine.MaxHandles {
		return nil, fmt.Errorf("capacity must be between 1 and %d, got %d", engine.MaxHandles, capacity)
	}
	return &Runtime{
		catalogue:  cat,
		logger:     logger.With().Str("component", "elements").Logger(),
		slots:      make([]*instance, capacity),
		duplicates: make(map[wiring.TemplateID]int),
	}, nil
}

// Bind sets the dispatcher elements emit through.
func (r *Runtime) Bind(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = d
}

// Spawn instantiates an element of template id.
func (r *Runtime) Spawn(ctx context.Context, id wiring.TemplateID) (engine.Handle, error) {
	return r.spawn(ctx, id, false)
}

// SpawnDuplicate instantiates a further element of template id. Templates
// are stateless Go values, so a duplicate shares the template with every
// other instance and gets its own slot and behaviour from the template
// constructor, exactly as Spawn does. The runtime only records it in the
// per-template count reported by Duplicates.
func (r *Runtime) SpawnDuplicate(ctx context.Context, id wiring.TemplateID) (engine.Handle, error) {
	return r.spawn(ctx, id, true)
}

func (r *Runtime) spawn(ctx context.Context, id wiring.TemplateID, duplicate bool) (engine.Handle, error) {
	t, ok := r.catalogue.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", engine.ErrUnknownTemplate, id)
	}

	r.mu.Lock()
	slot := -1
	for i, inst := range r.slots {
		if inst == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.mu.Unlock()
		return 0, engine.ErrNoCapacity
	}
	h := engine.Handle(slot)
	// Reserve the slot while the constructor runs.
	inst := &instance{handle: h, template: t, duplicate: duplicate}
	r.slots[slot] = inst
	r.mu.Unlock()

	logger := r.logger.With().
		Str("template", t.Name).
		Uint8("handle", uint8(h)).
		Logger()
	b, err := t.New(ctx, Env{Handle: h, Logger: logger})
	if err != nil {
		r.mu.Lock()
		r.slots[slot] = nil
		r.mu.Unlock()
		return 0, fmt.Errorf("failed to create %s: %w", t.Name, err)
	}

	outputs := make([]wiring.GroupID, len(t.Outputs))
	for i := range outputs {
		outputs[i] = wiring.InvalidGroup
	}
	inst.behavior = b
	inst.outputs = outputs

	r.mu.Lock()
	if duplicate {
		r.duplicates[id]++
	}
	r.mu.Unlock()

	if runner, ok := b.(Runner); ok {
		r.start(inst, runner, logger)
	}

	logger.Debug().Bool("duplicate", duplicate).Msg("Element spawned")
	return h, nil
}

func (r *Runtime) start(inst *instance, runner Runner, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.done = make(chan struct{})
	out := &emitter{runtime: r, handle: inst.handle, async: true}
	go func() {
		defer close(inst.done)
		if err := runner.Run(ctx, out); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Element stopped")
		}
	}()
}

// Deregister stops h and frees its slot.
func (r *Runtime) Deregister(ctx context.Context, h engine.Handle) error {
	r.mu.Lock()
	inst := r.lookup(h)
	if inst == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", engine.ErrUnknownElement, h)
	}
	r.slots[h] = nil
	if inst.duplicate {
		if r.duplicates[inst.template.ID]--; r.duplicates[inst.template.ID] <= 0 {
			delete(r.duplicates, inst.template.ID)
		}
	}
	r.mu.Unlock()

	if inst.cancel != nil {
		inst.cancel()
		<-inst.done
	}
	if c, ok := inst.behavior.(Closer); ok {
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("failed to close %s: %w", inst.template.Name, err)
		}
	}
	return nil
}

// Close deregisters every element.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]engine.Handle, 0, len(r.slots))
	for _, inst := range r.slots {
		if inst != nil && inst.behavior != nil {
			handles = append(handles, inst.handle)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := r.Deregister(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Duplicates returns the number of live duplicated instances of id.
func (r *Runtime) Duplicates(id wiring.TemplateID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates[id]
}

// Behavior returns the live behavior of h.
func (r *Runtime) Behavior(h engine.Handle) (Behavior, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.lookup(h)
	if inst == nil {
		return nil, false
	}
	return inst.behavior, true
}

// ResolveInput checks that output outPort of src can feed input inPort of
// dst and returns the function reference of that input.
func (r *Runtime) ResolveInput(_ context.Context, src engine.Handle, outPort uint8, dst engine.Handle, inPort uint8) (engine.FuncRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(src)
	if s == nil {
		return 0, fmt.Errorf("%w: %d", engine.ErrUnknownElement, src)
	}
	d := r.lookup(dst)
	if d == nil {
		return 0, fmt.Errorf("%w: %d", engine.ErrUnknownElement, dst)
	}
	if int(outPort) >= len(s.template.Outputs) {
		return 0, fmt.Errorf("%s has no output %d: %w", s.template.Name, outPort, engine.ErrNoFunction)
	}
	if int(inPort) >= len(d.template.Inputs) {
		return 0, fmt.Errorf("%s has no input %d: %w", d.template.Name, inPort, engine.ErrNoFunction)
	}
	out := s.template.Outputs[outPort]
	in := d.template.Inputs[inPort]
	if !Compatible(out.Signature, in.Signature) {
		return 0, fmt.Errorf("%s.%s (%s) -> %s.%s (%s): %w",
			s.template.Name, out.Name, out.Signature,
			d.template.Name, in.Name, in.Signature,
			engine.ErrSignatureMismatch)
	}
	return funcRef(dst, inPort), nil
}

// OutputPorts returns the number of outputs of h.
func (r *Runtime) OutputPorts(h engine.Handle) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.lookup(h)
	if inst == nil {
		return 0, fmt.Errorf("%w: %d", engine.ErrUnknownElement, h)
	}
	return len(inst.outputs), nil
}

// OutputGroup returns the group id patched into an output port.
func (r *Runtime) OutputGroup(h engine.Handle, port uint8) (wiring.GroupID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.lookup(h)
	if inst == nil {
		return wiring.InvalidGroup, fmt.Errorf("%w: %d", engine.ErrUnknownElement, h)
	}
	if int(port) >= len(inst.outputs) {
		return wiring.InvalidGroup, fmt.Errorf("%s has no output %d", inst.template.Name, port)
	}
	return inst.outputs[port], nil
}

// PatchOutput sets the group id of an output port.
func (r *Runtime) PatchOutput(h engine.Handle, port uint8, gid wiring.GroupID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.lookup(h)
	if inst == nil {
		return fmt.Errorf("%w: %d", engine.ErrUnknownElement, h)
	}
	if int(port) >= len(inst.outputs) {
		return fmt.Errorf("%s has no output %d", inst.template.Name, port)
	}
	inst.outputs[port] = gid
	return nil
}

// Invoke delivers tok to the input function ref. The lock is released
// before the element runs since elements emit from inside Receive.
func (r *Runtime) Invoke(ctx context.Context, ref engine.FuncRef, tok engine.Token) (engine.Outcome, error) {
	h, port := splitRef(ref)
	r.mu.Lock()
	inst := r.lookup(h)
	r.mu.Unlock()
	if inst == nil {
		return engine.Accepted, fmt.Errorf("%w: %d", engine.ErrUnknownElement, h)
	}
	if int(port) >= len(inst.template.Inputs) {
		return engine.Accepted, fmt.Errorf("%s has no input %d: %w", inst.template.Name, port, engine.ErrNoFunction)
	}
	return inst.behavior.Receive(ctx, port, tok, &emitter{runtime: r, handle: h})
}

// ParameterFunc returns the parameter function of h.
func (r *Runtime) ParameterFunc(h engine.Handle) (engine.ParamFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.lookup(h)
	if inst == nil {
		return nil, fmt.Errorf("%w: %d", engine.ErrUnknownElement, h)
	}
	p, ok := inst.behavior.(Parameterized)
	if !ok {
		return nil, fmt.Errorf("%s takes no parameters: %w", inst.template.Name, engine.ErrNoFunction)
	}
	return p.SetParameters, nil
}

// lookup returns the fully spawned instance at h. Callers hold r.mu.
func (r *Runtime) lookup(h engine.Handle) *instance {
	if int(h) >= len(r.slots) {
		return nil
	}
	inst := r.slots[h]
	if inst == nil || inst.behavior == nil {
		return nil
	}
	return inst
}

func (r *Runtime) dispatcher() Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatch
}

func funcRef(h engine.Handle, port uint8) engine.FuncRef {
	return engine.FuncRef(uint16(h)<<wiring.InputPortBits | uint16(port))
}

func splitRef(ref engine.FuncRef) (engine.Handle, uint8) {
	return engine.Handle(ref >> wiring.InputPortBits), uint8(ref) & (wiring.MaxInputPorts - 1)
}

// emitter binds an element's handle to the runtime dispatcher. Async
// emitters go through the engine loop and are used by runners.
type emitter struct {
	runtime *Runtime
	handle  engine.Handle
	async   bool
}

func (e *emitter) Emit(ctx context.Context, port uint8, tok engine.Token) error {
	d := e.runtime.dispatcher()
	if d == nil {
		return ErrNotBound
	}
	if e.async {
		return d.EmitAsync(ctx, e.handle, port, tok)
	}
	return d.Emit(ctx, e.handle, port, tok)
}

func (e *emitter) Ready(ctx context.Context) error {
	d := e.runtime.dispatcher()
	if d == nil {
		return ErrNotBound
	}
	if e.async {
		return d.SignalReadyAsync(ctx, e.handle)
	}
	return d.SignalReady(ctx, e.handle)
}

var _ engine.ElementRuntime = (*Runtime)(nil)
