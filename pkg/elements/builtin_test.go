package elements

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vireflow/vire/pkg/engine"
)

func TestBuiltins_Templates(t *testing.T) {
	seen := make(map[string]bool)
	for _, tmpl := range Builtins() {
		if err := tmpl.Validate(); err != nil {
			t.Errorf("%s: %v", tmpl.Name, err)
		}
		if seen[tmpl.Name] {
			t.Errorf("duplicate builtin %s", tmpl.Name)
		}
		seen[tmpl.Name] = true
	}
}

func TestCombine_Receive(t *testing.T) {
	ctx := context.Background()
	c := newBehavior(t, uint16(CombineTemplate))
	out := &collector{}

	outcome, err := c.Receive(ctx, 0, engine.Token{Payload: []byte{0x01, 0x80}}, out)
	if err != nil || outcome != engine.Pending {
		t.Fatalf("expected first input pending, got %s (%v)", outcome, err)
	}
	if len(out.emits) != 0 {
		t.Fatalf("expected nothing emitted yet, got %v", out.emits)
	}

	outcome, err = c.Receive(ctx, 1, engine.Token{Payload: []byte{0x02}}, out)
	if err != nil || outcome != engine.Accepted {
		t.Fatalf("expected second input accepted, got %s (%v)", outcome, err)
	}
	if len(out.emits) != 1 || !bytes.Equal(out.emits[0].tok.Payload, []byte{0x03, 0x80}) {
		t.Errorf("expected OR of both inputs, got %v", out.emits)
	}

	// Back to waiting for a first input.
	if outcome, _ := c.Receive(ctx, 1, engine.Token{Payload: []byte{0x04}}, out); outcome != engine.Pending {
		t.Errorf("expected combine to hold the next input, got %s", outcome)
	}
}

func TestTruncate_Receive(t *testing.T) {
	tests := []struct {
		name    string
		params  []byte
		payload []byte
		want    []byte
		wantErr error
	}{
		{name: "default mask", payload: []byte{0xAB}, want: []byte{0xAB}},
		{name: "low nibble", params: []byte{0x0F}, payload: []byte{0xAB, 0x31}, want: []byte{0x0B, 0x01}},
		{name: "empty payload", payload: nil, wantErr: ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := newBehavior(t, uint16(TruncateTemplate))
			if tt.params != nil {
				if err := b.(Parameterized).SetParameters(ctx, tt.params); err != nil {
					t.Fatal(err)
				}
			}
			out := &collector{}
			_, err := b.Receive(ctx, 0, engine.Token{Payload: tt.payload}, out)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(out.emits) != 1 || !bytes.Equal(out.emits[0].tok.Payload, tt.want) {
				t.Errorf("expected %x, got %v", tt.want, out.emits)
			}
		})
	}
}

func TestScale_Receive(t *testing.T) {
	ctx := context.Background()
	b := newBehavior(t, uint16(ScaleTemplate))
	p := b.(Parameterized)
	if err := p.SetParameters(ctx, []byte{1, 2}); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload for a two byte factor, got %v", err)
	}
	if err := p.SetParameters(ctx, []byte{3}); err != nil {
		t.Fatal(err)
	}
	out := &collector{}
	if _, err := b.Receive(ctx, 0, engine.Token{Payload: []byte{2, 100}}, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.emits[0].tok.Payload, []byte{6, 0xFF}) {
		t.Errorf("expected saturated scaling, got %x", out.emits[0].tok.Payload)
	}
}

func TestSink_Receive(t *testing.T) {
	s := newBehavior(t, uint16(SinkTemplate)).(*Sink)
	for _, v := range []byte{1, 2, 3} {
		if _, err := s.Receive(context.Background(), 0, engine.Token{Payload: []byte{v}}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if s.Count() != 3 || !bytes.Equal(s.Last(), []byte{3}) {
		t.Errorf("expected 3 tokens ending in 3, got %d %v", s.Count(), s.Last())
	}
}

func TestSource_Run(t *testing.T) {
	ctx := context.Background()
	rt, d := newTestRuntime(t, builtinCatalogue(t), 1)

	h, err := rt.Spawn(ctx, SourceTemplate)
	if err != nil {
		t.Fatal(err)
	}
	fn, err := rt.ParameterFunc(h)
	if err != nil {
		t.Fatal(err)
	}
	// One tenth of a second.
	if err := fn(ctx, []byte{1}); err != nil {
		t.Fatal(err)
	}

	for want := byte(1); want <= 2; want++ {
		select {
		case e := <-d.notify:
			if !e.async || e.handle != h || e.tok.Payload[0] != want {
				t.Fatalf("expected async sample %d from %d, got %+v", want, h, e)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for sample %d", want)
		}
	}

	if err := rt.Deregister(ctx, h); err != nil {
		t.Fatal(err)
	}
	n := len(d.emitted())
	time.Sleep(250 * time.Millisecond)
	if got := len(d.emitted()); got != n {
		t.Errorf("expected source stopped after deregistration, %d more samples", got-n)
	}
}

func TestSource_SetParameters(t *testing.T) {
	s := newBehavior(t, uint16(SourceTemplate)).(*Source)
	if s.Period() != DefaultSourcePeriod {
		t.Errorf("expected default period, got %s", s.Period())
	}
	if err := s.SetParameters(context.Background(), []byte{0}); err != nil {
		t.Fatal(err)
	}
	if s.Period() != 0 {
		t.Errorf("expected paused source, got %s", s.Period())
	}
	if err := s.SetParameters(context.Background(), nil); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload, got %v", err)
	}
}
