package elements

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/wiring"
)

// Status bytes that open a receive result.
const (
	wasmAccepted = 0
	wasmPending  = 1
)

// WASMConfig configures the WebAssembly host.
type WASMConfig struct {
	// MemoryLimitPages caps each module's memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" json:"memory_limit_pages" validate:"min=1,max=65536"`

	// CallTimeout bounds one call into a module. A module that runs past
	// it is closed.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout" validate:"min=0"`
}

// DefaultWASMConfig returns the default WebAssembly host settings.
func DefaultWASMConfig() WASMConfig {
	return WASMConfig{
		MemoryLimitPages: 256,
		CallTimeout:      time.Second,
	}
}

// WASMHost compiles element modules and instantiates one module instance
// per element.
//
// A module exports memory, malloc(size) -> ptr, free(ptr) and
// receive(port, ptr, len) -> u64 where the result packs ptr<<32 | len of a
// buffer owned by the module. The buffer holds a status byte (0 accepted,
// 1 pending) followed by emissions, each [port u8][len u8][payload]. An
// optional set_parameters(ptr, len) -> u32 returns zero on success.
//
// Modules may import env.log(ptr, len) to write to the element's logger.
type WASMHost struct {
	runtime wazero.Runtime
	cfg     WASMConfig
}

// NewWASMHost creates a host.
func NewWASMHost(ctx context.Context, cfg WASMConfig) (*WASMHost, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultWASMConfig().MemoryLimitPages
	}
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			zerolog.Ctx(ctx).Info().Str("module", mod.Name()).Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return &WASMHost{runtime: runtime, cfg: cfg}, nil
}

// Close releases the runtime and every module instance.
func (h *WASMHost) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Template compiles module and returns a template spawning instances of it.
func (h *WASMHost) Template(ctx context.Context, id wiring.TemplateID, name string, module []byte, inputs, outputs []Port) (*Template, error) {
	compiled, err := h.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	exports := compiled.ExportedFunctions()
	for _, fn := range []string{"malloc", "free", "receive"} {
		if _, ok := exports[fn]; !ok {
			compiled.Close(ctx)
			return nil, fmt.Errorf("module %s does not export %s", name, fn)
		}
	}
	if len(compiled.ExportedMemories()) == 0 {
		compiled.Close(ctx)
		return nil, fmt.Errorf("module %s does not export memory", name)
	}
	_, hasParams := exports["set_parameters"]

	return &Template{
		ID:      id,
		Name:    name,
		Kind:    KindWASM,
		Inputs:  inputs,
		Outputs: outputs,
		New: func(ctx context.Context, env Env) (Behavior, error) {
			e, err := h.instantiate(ctx, compiled, env.Logger)
			if err != nil {
				return nil, fmt.Errorf("failed to instantiate %s: %w", name, err)
			}
			if hasParams {
				return &parameterizedWASM{e}, nil
			}
			return e, nil
		},
	}, nil
}

func (h *WASMHost) instantiate(ctx context.Context, compiled wazero.CompiledModule, logger zerolog.Logger) (*wasmElement, error) {
	// Anonymous instances so one module can back many elements.
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	mod, err := h.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, err
	}
	return &wasmElement{
		module:  mod,
		memory:  mod.Memory(),
		malloc:  mod.ExportedFunction("malloc"),
		free:    mod.ExportedFunction("free"),
		receive: mod.ExportedFunction("receive"),
		params:  mod.ExportedFunction("set_parameters"),
		logger:  logger,
		timeout: h.cfg.CallTimeout,
	}, nil
}

type wasmElement struct {
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	receive api.Function
	params  api.Function
	logger  zerolog.Logger
	timeout time.Duration
}

func (e *wasmElement) Receive(ctx context.Context, port uint8, tok engine.Token, out Emitter) (engine.Outcome, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	ptr, length, err := e.write(callCtx, tok.Payload)
	if err != nil {
		return engine.Accepted, err
	}
	if length > 0 {
		defer e.release(callCtx, ptr)
	}

	results, err := e.receive.Call(callCtx, uint64(port), uint64(ptr), uint64(length))
	if err != nil {
		return engine.Accepted, fmt.Errorf("receive failed: %w", err)
	}
	if len(results) == 0 {
		return engine.Accepted, errors.New("receive returned no results")
	}
	outPtr, outLen := uint32(results[0]>>32), uint32(results[0])
	view, ok := e.memory.Read(outPtr, outLen)
	if !ok {
		return engine.Accepted, errors.New("receive result out of range")
	}
	buf := bytes.Clone(view)
	if outLen > 0 {
		e.release(callCtx, outPtr)
	}

	outcome, emissions, err := decodeWASMResult(buf)
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

func (e *wasmElement) Close(ctx context.Context) error {
	return e.module.Close(ctx)
}

func (e *wasmElement) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = e.logger.WithContext(ctx)
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// write copies data into module memory.
func (e *wasmElement) write(ctx context.Context, data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	results, err := e.malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, 0, errors.New("malloc returned null pointer")
	}
	ptr := uint32(results[0])
	if !e.memory.Write(ptr, data) {
		e.release(ctx, ptr)
		return 0, 0, errors.New("failed to write to module memory")
	}
	return ptr, uint32(len(data)), nil
}

func (e *wasmElement) release(ctx context.Context, ptr uint32) {
	if _, err := e.free.Call(ctx, uint64(ptr)); err != nil {
		e.logger.Warn().Err(err).Uint32("ptr", ptr).Msg("Failed to free module memory")
	}
}

type parameterizedWASM struct {
	*wasmElement
}

func (e *parameterizedWASM) SetParameters(ctx context.Context, blob []byte) error {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	ptr, length, err := e.write(callCtx, blob)
	if err != nil {
		return err
	}
	if length > 0 {
		defer e.release(callCtx, ptr)
	}
	results, err := e.params.Call(callCtx, uint64(ptr), uint64(length))
	if err != nil {
		return fmt.Errorf("set_parameters failed: %w", err)
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("set_parameters returned status %d", uint32(results[0]))
	}
	return nil
}

// decodeWASMResult parses a receive result buffer.
func decodeWASMResult(buf []byte) (engine.Outcome, []emission, error) {
	if len(buf) == 0 {
		return engine.Accepted, nil, nil
	}
	var outcome engine.Outcome
	switch buf[0] {
	case wasmAccepted:
		outcome = engine.Accepted
	case wasmPending:
		outcome = engine.Pending
	default:
		return engine.Accepted, nil, fmt.Errorf("receive returned status %d", buf[0])
	}

	var out []emission
	rest := buf[1:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return engine.Accepted, nil, fmt.Errorf("truncated emission header: %w", ErrBadPayload)
		}
		port, n := rest[0], int(rest[1])
		if len(rest) < 2+n {
			return engine.Accepted, nil, fmt.Errorf("truncated emission payload: %w", ErrBadPayload)
		}
		out = append(out, emission{port: port, payload: bytes.Clone(rest[2 : 2+n])})
		rest = rest[2+n:]
	}
	return outcome, out, nil
}
