package elements

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/stores"
	"github.com/vireflow/vire/pkg/wiring"
)

func TestNewRuntime_Validation(t *testing.T) {
	if _, err := NewRuntime(nil, 4, zerolog.Nop()); err == nil {
		t.Error("expected error without catalogue")
	}
	if _, err := NewRuntime(NewCatalogue(), engine.MaxHandles+1, zerolog.Nop()); err == nil {
		t.Error("expected error for capacity beyond the handle range")
	}
}

func TestRuntime_Spawn(t *testing.T) {
	ctx := context.Background()
	rt, _ := newTestRuntime(t, builtinCatalogue(t), 2)

	h0, err := rt.Spawn(ctx, PassthroughTemplate)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := rt.Spawn(ctx, SinkTemplate)
	if err != nil {
		t.Fatal(err)
	}
	if h0 != 0 || h1 != 1 {
		t.Errorf("expected handles 0 and 1, got %d and %d", h0, h1)
	}
	if _, err := rt.Spawn(ctx, SinkTemplate); !errors.Is(err, engine.ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}

	if err := rt.Deregister(ctx, h0); err != nil {
		t.Fatal(err)
	}
	h, err := rt.Spawn(ctx, TruncateTemplate)
	if err != nil {
		t.Fatal(err)
	}
	if h != h0 {
		t.Errorf("expected freed slot %d reused, got %d", h0, h)
	}
}

func TestRuntime_SpawnErrors(t *testing.T) {
	ctx := context.Background()
	c := builtinCatalogue(t)
	failing := errors.New("boom")
	if err := c.Register(&Template{ID: 0x100, Name: "broken", New: func(context.Context, Env) (Behavior, error) {
		return nil, failing
	}}); err != nil {
		t.Fatal(err)
	}
	rt, _ := newTestRuntime(t, c, 1)

	if _, err := rt.Spawn(ctx, 0x999); !errors.Is(err, engine.ErrUnknownTemplate) {
		t.Errorf("expected ErrUnknownTemplate, got %v", err)
	}
	if _, err := rt.Spawn(ctx, 0x100); !errors.Is(err, failing) {
		t.Errorf("expected constructor error, got %v", err)
	}
	// The failed constructor must not leak its slot.
	if _, err := rt.Spawn(ctx, SinkTemplate); err != nil {
		t.Errorf("expected slot free after failed spawn, got %v", err)
	}
}

func TestRuntime_SpawnDuplicate(t *testing.T) {
	ctx := context.Background()
	rt, _ := newTestRuntime(t, builtinCatalogue(t), 4)

	primary, err := rt.Spawn(ctx, SinkTemplate)
	if err != nil {
		t.Fatal(err)
	}
	d1, err := rt.SpawnDuplicate(ctx, SinkTemplate)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := rt.SpawnDuplicate(ctx, SinkTemplate)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Duplicates(SinkTemplate) != 2 {
		t.Errorf("expected 2 duplicates, got %d", rt.Duplicates(SinkTemplate))
	}
	if primary == d1 || primary == d2 || d1 == d2 {
		t.Errorf("expected each instance in its own slot, got %d %d %d", primary, d1, d2)
	}
	if bp, _ := rt.Behavior(primary); bp == nil {
		t.Error("expected the primary to keep its behaviour")
	}

	b1, _ := rt.Behavior(d1)
	b2, _ := rt.Behavior(d2)
	if b1 == b2 {
		t.Error("expected duplicates to have independent state")
	}

	for _, h := range []engine.Handle{d1, d2} {
		if err := rt.Deregister(ctx, h); err != nil {
			t.Fatal(err)
		}
	}
	if rt.Duplicates(SinkTemplate) != 0 {
		t.Errorf("expected duplicates released, got %d", rt.Duplicates(SinkTemplate))
	}
	if err := rt.Deregister(ctx, d1); !errors.Is(err, engine.ErrUnknownElement) {
		t.Errorf("expected ErrUnknownElement on double deregister, got %v", err)
	}
}

func TestRuntime_ResolveInput(t *testing.T) {
	ctx := context.Background()
	c := builtinCatalogue(t)
	if err := c.Register(&Template{
		ID: 0x100, Name: "wide", New: noop,
		Outputs: []Port{{Name: "out", Signature: "i64"}},
	}); err != nil {
		t.Fatal(err)
	}
	rt, _ := newTestRuntime(t, c, 8)

	src, _ := rt.Spawn(ctx, SourceTemplate)
	wide, _ := rt.Spawn(ctx, 0x100)
	trunc, _ := rt.Spawn(ctx, TruncateTemplate)
	sink, _ := rt.Spawn(ctx, SinkTemplate)
	comb, _ := rt.Spawn(ctx, CombineTemplate)

	tests := []struct {
		name    string
		src     engine.Handle
		outPort uint8
		dst     engine.Handle
		inPort  uint8
		wantErr error
		wantRef engine.FuncRef
	}{
		{name: "matching signatures", src: src, dst: trunc, wantRef: funcRef(trunc, 0)},
		{name: "any input", src: wide, dst: sink, wantRef: funcRef(sink, 0)},
		{name: "second input", src: src, dst: comb, inPort: 1, wantRef: funcRef(comb, 1)},
		{name: "mismatch", src: wide, dst: trunc, wantErr: engine.ErrSignatureMismatch},
		{name: "missing input", src: src, dst: trunc, inPort: 3, wantErr: engine.ErrNoFunction},
		{name: "missing output", src: src, outPort: 1, dst: trunc, wantErr: engine.ErrNoFunction},
		{name: "unknown destination", src: src, dst: 7, wantErr: engine.ErrUnknownElement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := rt.ResolveInput(ctx, tt.src, tt.outPort, tt.dst, tt.inPort)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ref != tt.wantRef {
				t.Errorf("expected ref %d, got %d", tt.wantRef, ref)
			}
		})
	}
}

func TestRuntime_PatchOutput(t *testing.T) {
	ctx := context.Background()
	rt, _ := newTestRuntime(t, builtinCatalogue(t), 2)
	h, _ := rt.Spawn(ctx, PassthroughTemplate)

	n, err := rt.OutputPorts(h)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 output, got %d (%v)", n, err)
	}
	gid, err := rt.OutputGroup(h, 0)
	if err != nil || gid != wiring.InvalidGroup {
		t.Fatalf("expected unpatched output, got %d (%v)", gid, err)
	}
	if err := rt.PatchOutput(h, 0, 4); err != nil {
		t.Fatal(err)
	}
	if gid, _ := rt.OutputGroup(h, 0); gid != 4 {
		t.Errorf("expected group 4, got %d", gid)
	}
	if err := rt.PatchOutput(h, 1, 4); err == nil {
		t.Error("expected error for missing output")
	}
	if _, err := rt.OutputPorts(9); !errors.Is(err, engine.ErrUnknownElement) {
		t.Errorf("expected ErrUnknownElement, got %v", err)
	}
}

func TestRuntime_Invoke(t *testing.T) {
	ctx := context.Background()
	rt, d := newTestRuntime(t, builtinCatalogue(t), 2)
	h, _ := rt.Spawn(ctx, PassthroughTemplate)

	outcome, err := rt.Invoke(ctx, funcRef(h, 0), engine.Token{Payload: []byte{9}})
	if err != nil || outcome != engine.Accepted {
		t.Fatalf("unexpected invoke result %s (%v)", outcome, err)
	}
	got := d.emitted()
	if len(got) != 1 || got[0].handle != h || got[0].async || got[0].tok.Payload[0] != 9 {
		t.Errorf("expected one synchronous emission from %d, got %+v", h, got)
	}

	if _, err := rt.Invoke(ctx, funcRef(h, 2), engine.Token{}); !errors.Is(err, engine.ErrNoFunction) {
		t.Errorf("expected ErrNoFunction, got %v", err)
	}
	if _, err := rt.Invoke(ctx, funcRef(5, 0), engine.Token{}); !errors.Is(err, engine.ErrUnknownElement) {
		t.Errorf("expected ErrUnknownElement, got %v", err)
	}
}

func TestRuntime_InvokeUnbound(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(builtinCatalogue(t), 1, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := rt.Spawn(ctx, PassthroughTemplate)
	if _, err := rt.Invoke(ctx, funcRef(h, 0), engine.Token{}); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
}

func TestRuntime_ParameterFunc(t *testing.T) {
	ctx := context.Background()
	rt, d := newTestRuntime(t, builtinCatalogue(t), 2)
	trunc, _ := rt.Spawn(ctx, TruncateTemplate)
	sink, _ := rt.Spawn(ctx, SinkTemplate)

	if _, err := rt.ParameterFunc(sink); !errors.Is(err, engine.ErrNoFunction) {
		t.Errorf("expected ErrNoFunction for sink, got %v", err)
	}
	fn, err := rt.ParameterFunc(trunc)
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(ctx, []byte{0x0F}); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Invoke(ctx, funcRef(trunc, 0), engine.Token{Payload: []byte{0xAB}}); err != nil {
		t.Fatal(err)
	}
	if got := d.emitted(); len(got) != 1 || got[0].tok.Payload[0] != 0x0B {
		t.Errorf("expected masked payload 0x0B, got %+v", got)
	}
}

// TestRuntime_DrivesEngine runs builtins under a real engine: combine holds
// its first input BUSY, later tokens on that port queue behind it and are
// redelivered once combine emits.
func TestRuntime_DrivesEngine(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(builtinCatalogue(t), engine.DefaultConfig().MaxElements, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(engine.DefaultConfig(), engine.Dependencies{
		Runtime: rt,
		Store:   stores.NewMemoryStore(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	rt.Bind(eng)

	a := wiring.ElementKey{Template: PassthroughTemplate, Instance: 0}
	b := wiring.ElementKey{Template: PassthroughTemplate, Instance: 1}
	comb := wiring.ElementKey{Template: CombineTemplate}
	sink := wiring.ElementKey{Template: SinkTemplate}
	g := &wiring.Graph{
		Origin: wiring.DefaultOriginModule,
		Groups: []wiring.OutputGroup{
			{Source: wiring.Endpoint{Template: a.Template, Instance: a.Instance}, Destinations: []wiring.Endpoint{{Template: comb.Template, Port: 0}}},
			{Source: wiring.Endpoint{Template: b.Template, Instance: b.Instance}, Destinations: []wiring.Endpoint{{Template: comb.Template, Port: 1}}},
			{Source: wiring.Endpoint{Template: comb.Template}, Destinations: []wiring.Endpoint{{Template: sink.Template}}},
		},
	}
	blob, err := wiring.Compile(g, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.HandleConfig(ctx, blob); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	handle := func(k wiring.ElementKey) engine.Handle {
		ent, ok := eng.Registry().Lookup(k)
		if !ok {
			t.Fatalf("%s not registered", k)
		}
		return ent.Handle
	}
	emit := func(k wiring.ElementKey, v byte) {
		t.Helper()
		if err := eng.Emit(ctx, handle(k), 0, engine.Token{Payload: []byte{v}}); err != nil {
			t.Fatal(err)
		}
		if err := eng.RunPending(ctx); err != nil {
			t.Fatal(err)
		}
	}
	behavior, _ := rt.Behavior(handle(sink))
	s := behavior.(*Sink)

	emit(a, 0x01)
	emit(a, 0x04)
	if s.Count() != 0 {
		t.Fatalf("expected combine to wait for its second input, sink saw %d", s.Count())
	}
	emit(b, 0x02)
	if s.Count() != 1 || s.Last()[0] != 0x03 {
		t.Fatalf("expected 0x03 combined, got %d tokens last %v", s.Count(), s.Last())
	}
	emit(b, 0x10)
	if s.Count() != 2 || s.Last()[0] != 0x14 {
		t.Errorf("expected the queued 0x04 combined with 0x10, got %d tokens last %v", s.Count(), s.Last())
	}
}
