package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vireflow/vire/pkg/wiring"
)

const tracerName = "github.com/vireflow/vire/pkg/engine"

// Dependencies are the collaborators of an engine.
type Dependencies struct {
	// Runtime instantiates elements. Required.
	Runtime ElementRuntime

	// Store allocates persistent segments. Required.
	Store SegmentStore

	// Scheduler receives continuations. When nil the engine uses its own
	// bounded TaskQueue and drains it from RunPending and Run.
	Scheduler Scheduler

	// Observer receives telemetry. Optional.
	Observer Observer

	// Logger is the base logger. Optional.
	Logger *zerolog.Logger
}

// segmentRef is an owned persistent segment.
type segmentRef struct {
	id   SegmentID
	ok   bool
	size int
}

type request struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Engine owns the running graph of one node: the element registry, the
// routing table, flow control, token queues and saved parameters. All
// methods except Run, Submit and the *Async helpers must be called from
// the goroutine that owns the engine. Dispatch may be re-entered from
// inside an element call.
type Engine struct {
	cfg      Config
	runtime  ElementRuntime
	store    SegmentStore
	sched    Scheduler
	tasks    *TaskQueue
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer

	registry *Registry
	routing  *RoutingTable
	flow     *FlowControl
	queues   *TokenQueues
	pool     *TokenPool
	params   *ParamStore

	elements    segmentRef
	savedWiring segmentRef

	inbox chan request
}

// New creates an engine with no graph installed.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if deps.Runtime == nil {
		return nil, errors.New("engine requires an element runtime")
	}
	if deps.Store == nil {
		return nil, errors.New("engine requires a segment store")
	}

	e := &Engine{
		cfg:      cfg,
		runtime:  deps.Runtime,
		store:    deps.Store,
		sched:    deps.Scheduler,
		observer: deps.Observer,
		tracer:   otel.Tracer(tracerName),
		registry: NewRegistry(),
		routing:  NewRoutingTable(deps.Store),
		flow:     NewFlowControl(cfg.MaxElements),
		queues:   NewTokenQueues(),
		pool:     NewTokenPool(cfg.TokenPoolSize),
		params:   NewParamStore(deps.Store),
		inbox:    make(chan request, cfg.InboxSize),
	}
	if e.sched == nil {
		e.tasks = NewTaskQueue(cfg.TaskQueueSize)
		e.sched = e.tasks
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	e.logger = logger.With().Str("component", "engine").Logger()
	return e, nil
}

// Config returns the engine budgets.
func (e *Engine) Config() Config {
	return e.cfg
}

// Registry returns the element registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Routing returns the routing table.
func (e *Engine) Routing() *RoutingTable {
	return e.routing
}

// Flow returns the busy mask.
func (e *Engine) Flow() *FlowControl {
	return e.flow
}

// Queues returns the token queues.
func (e *Engine) Queues() *TokenQueues {
	return e.queues
}

// Pool returns the token capture pool.
func (e *Engine) Pool() *TokenPool {
	return e.pool
}

// Params returns the parameter store.
func (e *Engine) Params() *ParamStore {
	return e.params
}

// Emit dispatches tok on output port of element h through the group id
// currently patched into that port.
func (e *Engine) Emit(ctx context.Context, h Handle, port uint8, tok Token) error {
	gid, err := e.runtime.OutputGroup(h, port)
	if err != nil {
		return NewDispatchError("failed to read output port", err).
			WithOperation("emit").
			WithDetail("handle", h).
			WithDetail("port", port)
	}
	return e.Dispatch(ctx, h, gid, tok)
}

// SignalReady marks every input port of h READY and drains its queue, as
// a dispatch with no destinations does.
func (e *Engine) SignalReady(ctx context.Context, h Handle) error {
	return e.Dispatch(ctx, h, wiring.InvalidGroup, Token{})
}

// RunTask executes one posted task.
func (e *Engine) RunTask(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskContinuation:
		return e.HandleContinuation(ctx, t.Element, t.Entry)
	case TaskApplyParameters:
		e.ApplyParameters(ctx)
		return nil
	default:
		return fmt.Errorf("unknown task kind %d", t.Kind)
	}
}

// RunPending drains the built-in task queue, including tasks posted while
// draining. A failing task is logged and the drain carries on; the task
// errors are returned joined once the queue is empty.
func (e *Engine) RunPending(ctx context.Context) error {
	if e.tasks == nil {
		return nil
	}
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		t, ok := e.tasks.Pop()
		if !ok {
			return errors.Join(errs...)
		}
		if err := e.RunTask(ctx, t); err != nil {
			e.logger.Warn().Err(err).
				Str("task", t.Kind.String()).
				Uint8("element", uint8(t.Element)).
				Msg("Task failed, continuing drain")
			errs = append(errs, err)
		}
	}
}

// Reset tears the graph down: every element is deregistered, every segment
// freed and every queued token dropped.
func (e *Engine) Reset(ctx context.Context) {
	e.deregisterAll(ctx)
	e.releaseEntries(e.queues.PurgeAll())
	e.flow.Reset()
	if seg, ok := e.routing.clear(); ok {
		e.free(ctx, seg)
	}
	e.freeRef(ctx, &e.elements)
	e.freeRef(ctx, &e.savedWiring)
	if seg, ok := e.params.clear(); ok {
		e.free(ctx, seg)
	}
	if e.tasks != nil {
		e.tasks.Clear()
	}
	e.observer.QueueDepth(0)
	e.logger.Info().Msg("Engine reset")
}

func (e *Engine) deregisterAll(ctx context.Context) {
	for _, ent := range e.registry.Entries() {
		e.deregister(ctx, ent)
	}
	e.registry.Clear()
}

// deregister invalidates the element's output ports and stops it.
func (e *Engine) deregister(ctx context.Context, ent RegistryEntry) {
	e.invalidateOutputs(ent.Handle)
	if err := e.runtime.Deregister(ctx, ent.Handle); err != nil {
		e.logger.Warn().Err(err).
			Str("element", ent.Key.String()).
			Uint8("handle", uint8(ent.Handle)).
			Msg("Failed to deregister element")
	}
}

func (e *Engine) invalidateOutputs(h Handle) {
	n, err := e.runtime.OutputPorts(h)
	if err != nil {
		return
	}
	for port := 0; port < n; port++ {
		_ = e.runtime.PatchOutput(h, uint8(port), wiring.InvalidGroup)
	}
}

func (e *Engine) releaseEntries(entries []*QueueEntry) {
	for _, ent := range entries {
		if ent.Status != TokenHandled {
			e.pool.Release()
		}
	}
}

func (e *Engine) free(ctx context.Context, seg SegmentID) {
	if err := e.store.Free(ctx, seg); err != nil {
		e.logger.Warn().Err(err).Uint32("segment", uint32(seg)).Msg("Failed to free segment")
	}
}

func (e *Engine) freeRef(ctx context.Context, ref *segmentRef) {
	if ref.ok {
		e.free(ctx, ref.id)
	}
	*ref = segmentRef{}
}

// Snapshot returns a view of the engine for inspection.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		TokensHeld: e.pool.InUse(),
		GraphBusy:  e.flow.GraphBusy(),
	}
	for _, ent := range e.registry.Entries() {
		st := ElementState{
			Key:    ent.Key,
			Handle: ent.Handle,
			Mark:   ent.Mark,
			Busy:   e.flow.Busy(ent.Handle),
			Queued: e.queues.Depth(ent.Handle),
		}
		if n, err := e.runtime.OutputPorts(ent.Handle); err == nil {
			for port := 0; port < n; port++ {
				gid, err := e.runtime.OutputGroup(ent.Handle, uint8(port))
				if err != nil {
					break
				}
				st.Outputs = append(st.Outputs, gid)
			}
		}
		snap.Elements = append(snap.Elements, st)
	}
	routing, err := e.routing.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing table: %w", err)
	}
	snap.Routing = routing
	params, err := e.params.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter table: %w", err)
	}
	snap.Parameters = params
	return snap, nil
}

// Run serves requests from other goroutines until ctx is done. Tasks
// posted while serving a request are drained before the next request.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("Engine loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine loop stopped")
			return ctx.Err()
		case req := <-e.inbox:
			err := req.fn(ctx)
			if perr := e.RunPending(ctx); perr != nil {
				e.logger.Error().Err(perr).Msg("Pending tasks failed")
				if err == nil && !errors.Is(perr, context.Canceled) {
					err = perr
				}
			}
			req.done <- err
		}
	}
}

// Submit runs fn on the engine loop and waits for it to finish.
func (e *Engine) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case e.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver hands a configuration blob to the engine loop.
func (e *Engine) Deliver(ctx context.Context, blob []byte) (*InstallResult, error) {
	var res *InstallResult
	err := e.Submit(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.HandleConfig(ctx, blob)
		return err
	})
	return res, err
}

// EmitAsync emits a token from another goroutine through the engine loop.
func (e *Engine) EmitAsync(ctx context.Context, h Handle, port uint8, tok Token) error {
	return e.Submit(ctx, func(ctx context.Context) error {
		return e.Emit(ctx, h, port, tok)
	})
}

// SignalReadyAsync signals readiness from another goroutine.
func (e *Engine) SignalReadyAsync(ctx context.Context, h Handle) error {
	return e.Submit(ctx, func(ctx context.Context) error {
		return e.SignalReady(ctx, h)
	})
}
