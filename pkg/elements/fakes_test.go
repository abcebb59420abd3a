package elements

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vireflow/vire/pkg/engine"
)

type emitted struct {
	handle engine.Handle
	port   uint8
	tok    engine.Token
	async  bool
}

// recordingDispatcher captures what elements emit.
type recordingDispatcher struct {
	mu      sync.Mutex
	emits   []emitted
	ready   []engine.Handle
	notify  chan emitted
	emitErr error
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{notify: make(chan emitted, 16)}
}

func (d *recordingDispatcher) record(e emitted) error {
	d.mu.Lock()
	d.emits = append(d.emits, e)
	err := d.emitErr
	d.mu.Unlock()
	select {
	case d.notify <- e:
	default:
	}
	return err
}

func (d *recordingDispatcher) Emit(_ context.Context, h engine.Handle, port uint8, tok engine.Token) error {
	return d.record(emitted{handle: h, port: port, tok: tok})
}

func (d *recordingDispatcher) EmitAsync(_ context.Context, h engine.Handle, port uint8, tok engine.Token) error {
	return d.record(emitted{handle: h, port: port, tok: tok, async: true})
}

func (d *recordingDispatcher) SignalReady(_ context.Context, h engine.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = append(d.ready, h)
	return nil
}

func (d *recordingDispatcher) SignalReadyAsync(ctx context.Context, h engine.Handle) error {
	return d.SignalReady(ctx, h)
}

func (d *recordingDispatcher) emitted() []emitted {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]emitted(nil), d.emits...)
}

// collector is an Emitter for calling behaviors directly.
type collector struct {
	emits []emitted
	ready int
}

func (c *collector) Emit(_ context.Context, port uint8, tok engine.Token) error {
	c.emits = append(c.emits, emitted{port: port, tok: tok})
	return nil
}

func (c *collector) Ready(context.Context) error {
	c.ready++
	return nil
}

func builtinCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	c := NewCatalogue()
	if err := RegisterBuiltins(c); err != nil {
		t.Fatalf("failed to register builtins: %v", err)
	}
	return c
}

func newTestRuntime(t *testing.T, c *Catalogue, capacity int) (*Runtime, *recordingDispatcher) {
	t.Helper()
	rt, err := NewRuntime(c, capacity, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create runtime: %v", err)
	}
	d := newRecordingDispatcher()
	rt.Bind(d)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt, d
}

func newBehavior(t *testing.T, id uint16) Behavior {
	t.Helper()
	for _, tmpl := range Builtins() {
		if uint16(tmpl.ID) == id {
			b, err := tmpl.New(context.Background(), Env{Logger: zerolog.Nop()})
			if err != nil {
				t.Fatal(err)
			}
			return b
		}
	}
	t.Fatalf("no builtin %d", id)
	return nil
}
