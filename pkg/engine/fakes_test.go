package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vireflow/vire/pkg/wiring"
)

const (
	tmplA wiring.TemplateID = 0x80
	tmplB wiring.TemplateID = 0x81
	tmplC wiring.TemplateID = 0x82
	tmplD wiring.TemplateID = 0x83
)

var (
	keyA = wiring.ElementKey{Template: tmplA}
	keyB = wiring.ElementKey{Template: tmplB}
	keyC = wiring.ElementKey{Template: tmplC}
	keyD = wiring.ElementKey{Template: tmplD}
)

// fakeTemplate describes the ports a fake element publishes.
type fakeTemplate struct {
	outputs int
	inputs  int
}

// fakeElement records every token it receives. behave decides the outcome
// of each call; nil means Accepted.
type fakeElement struct {
	handle    Handle
	template  wiring.TemplateID
	duplicate bool
	outputs   []wiring.GroupID
	inputs    int
	received  []string
	params    [][]byte
	paramErr  error
	behave    func(port uint8, tok Token) (Outcome, error)
}

type fakeRuntime struct {
	templates    map[wiring.TemplateID]fakeTemplate
	elements     map[Handle]*fakeElement
	capacity     int
	spawnErr     error
	mismatch     map[wiring.TemplateID]bool
	noParams     map[wiring.TemplateID]bool
	deregistered []Handle
	spawns       int
	duplicates   int
	calls        []string
	// patchErr, when set, may refuse an output patch.
	patchErr func(h Handle, port uint8, gid wiring.GroupID) error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		templates: map[wiring.TemplateID]fakeTemplate{
			tmplA: {outputs: 2},
			tmplB: {inputs: 2, outputs: 1},
			tmplC: {inputs: 2, outputs: 1},
			tmplD: {inputs: 1},
		},
		elements: make(map[Handle]*fakeElement),
		capacity: 255,
		mismatch: make(map[wiring.TemplateID]bool),
		noParams: make(map[wiring.TemplateID]bool),
	}
}

func (r *fakeRuntime) spawn(template wiring.TemplateID, dup bool) (Handle, error) {
	if r.spawnErr != nil {
		return 0, r.spawnErr
	}
	tmpl, ok := r.templates[template]
	if !ok {
		return 0, fmt.Errorf("template %s: %w", template, ErrUnknownTemplate)
	}
	for h := 0; h < r.capacity; h++ {
		if _, used := r.elements[Handle(h)]; used {
			continue
		}
		el := &fakeElement{
			handle:    Handle(h),
			template:  template,
			duplicate: dup,
			outputs:   make([]wiring.GroupID, tmpl.outputs),
			inputs:    tmpl.inputs,
		}
		for i := range el.outputs {
			el.outputs[i] = wiring.InvalidGroup
		}
		r.elements[Handle(h)] = el
		r.spawns++
		if dup {
			r.duplicates++
		}
		return Handle(h), nil
	}
	return 0, ErrNoCapacity
}

func (r *fakeRuntime) Spawn(_ context.Context, template wiring.TemplateID) (Handle, error) {
	return r.spawn(template, false)
}

func (r *fakeRuntime) SpawnDuplicate(_ context.Context, template wiring.TemplateID) (Handle, error) {
	return r.spawn(template, true)
}

func (r *fakeRuntime) Deregister(_ context.Context, h Handle) error {
	if _, ok := r.elements[h]; !ok {
		return ErrUnknownElement
	}
	delete(r.elements, h)
	r.deregistered = append(r.deregistered, h)
	return nil
}

func (r *fakeRuntime) ResolveInput(_ context.Context, src Handle, outPort uint8, dst Handle, inPort uint8) (FuncRef, error) {
	s, ok := r.elements[src]
	if !ok {
		return 0, ErrUnknownElement
	}
	d, ok := r.elements[dst]
	if !ok {
		return 0, ErrUnknownElement
	}
	if int(outPort) >= len(s.outputs) || int(inPort) >= d.inputs {
		return 0, ErrNoFunction
	}
	if r.mismatch[d.template] {
		return 0, ErrSignatureMismatch
	}
	return FuncRef(uint16(dst)<<3 | uint16(inPort)), nil
}

func (r *fakeRuntime) OutputPorts(h Handle) (int, error) {
	el, ok := r.elements[h]
	if !ok {
		return 0, ErrUnknownElement
	}
	return len(el.outputs), nil
}

func (r *fakeRuntime) OutputGroup(h Handle, port uint8) (wiring.GroupID, error) {
	el, ok := r.elements[h]
	if !ok {
		return wiring.InvalidGroup, ErrUnknownElement
	}
	if int(port) >= len(el.outputs) {
		return wiring.InvalidGroup, ErrNoFunction
	}
	return el.outputs[port], nil
}

func (r *fakeRuntime) PatchOutput(h Handle, port uint8, gid wiring.GroupID) error {
	if r.patchErr != nil {
		if err := r.patchErr(h, port, gid); err != nil {
			return err
		}
	}
	el, ok := r.elements[h]
	if !ok {
		return ErrUnknownElement
	}
	if int(port) >= len(el.outputs) {
		return ErrNoFunction
	}
	el.outputs[port] = gid
	return nil
}

func (r *fakeRuntime) Invoke(_ context.Context, ref FuncRef, tok Token) (Outcome, error) {
	h, port := Handle(ref>>3), uint8(ref&7)
	el, ok := r.elements[h]
	if !ok {
		return Accepted, ErrUnknownElement
	}
	el.received = append(el.received, string(tok.Payload))
	r.calls = append(r.calls, fmt.Sprintf("%s:%d:%s", el.template, port, tok.Payload))
	if el.behave != nil {
		return el.behave(port, tok)
	}
	return Accepted, nil
}

func (r *fakeRuntime) ParameterFunc(h Handle) (ParamFunc, error) {
	el, ok := r.elements[h]
	if !ok {
		return nil, ErrUnknownElement
	}
	if r.noParams[el.template] {
		return nil, ErrNoFunction
	}
	return func(_ context.Context, blob []byte) error {
		if el.paramErr != nil {
			return el.paramErr
		}
		el.params = append(el.params, append([]byte(nil), blob...))
		return nil
	}, nil
}

// byTemplate returns the live element spawned from template.
func (r *fakeRuntime) byTemplate(t *testing.T, key wiring.ElementKey, e *Engine) *fakeElement {
	t.Helper()
	ent, ok := e.Registry().Lookup(key)
	if !ok {
		t.Fatalf("element %s not registered", key)
	}
	el, ok := r.elements[ent.Handle]
	if !ok {
		t.Fatalf("element %s (handle %d) not alive in runtime", key, ent.Handle)
	}
	return el
}

// memStore is an in-memory SegmentStore with allocation failure injection.
type memStore struct {
	segs      map[SegmentID][]byte
	next      SegmentID
	allocs    int
	failAfter int
}

func newMemStore() *memStore {
	return &memStore{segs: make(map[SegmentID][]byte), failAfter: -1}
}

func (s *memStore) Allocate(_ context.Context, size int) (SegmentID, error) {
	if s.failAfter >= 0 && s.allocs >= s.failAfter {
		return 0, ErrOutOfSpace
	}
	s.allocs++
	s.next++
	s.segs[s.next] = make([]byte, size)
	return s.next, nil
}

func (s *memStore) Read(_ context.Context, id SegmentID, offset, length int) ([]byte, error) {
	b, ok := s.segs[id]
	if !ok {
		return nil, fmt.Errorf("segment %d not allocated", id)
	}
	if offset < 0 || offset+length > len(b) {
		return nil, fmt.Errorf("read %d bytes at %d beyond segment of %d", length, offset, len(b))
	}
	return append([]byte(nil), b[offset:offset+length]...), nil
}

func (s *memStore) Write(_ context.Context, id SegmentID, offset int, data []byte) error {
	b, ok := s.segs[id]
	if !ok {
		return fmt.Errorf("segment %d not allocated", id)
	}
	if offset < 0 || offset+len(data) > len(b) {
		return fmt.Errorf("write %d bytes at %d beyond segment of %d", len(data), offset, len(b))
	}
	copy(b[offset:], data)
	return nil
}

func (s *memStore) Flush(_ context.Context, id SegmentID) error {
	if _, ok := s.segs[id]; !ok {
		return fmt.Errorf("segment %d not allocated", id)
	}
	return nil
}

func (s *memStore) Free(_ context.Context, id SegmentID) error {
	if _, ok := s.segs[id]; !ok {
		return fmt.Errorf("segment %d not allocated", id)
	}
	delete(s.segs, id)
	return nil
}

func (s *memStore) live() int {
	return len(s.segs)
}

// countingObserver counts the telemetry events the tests assert on.
type countingObserver struct {
	nopObserver
	dropped  int
	queued   int
	installs map[string]int
	applied  map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{installs: make(map[string]int), applied: make(map[string]int)}
}

func (o *countingObserver) TokenDropped() { o.dropped++ }
func (o *countingObserver) TokenQueued()  { o.queued++ }

func (o *countingObserver) InstallFinished(mode, outcome string, _ time.Duration) {
	o.installs[mode+"/"+outcome]++
}

func (o *countingObserver) ParameterApplied(outcome string) {
	o.applied[outcome]++
}

// refusingScheduler rejects every task.
type refusingScheduler struct {
	refused int
}

func (s *refusingScheduler) Post(Task) error {
	s.refused++
	return ErrQueueFull
}

type fixture struct {
	engine   *Engine
	runtime  *fakeRuntime
	store    *memStore
	observer *countingObserver
}

func newFixture(t *testing.T, mutate func(*Config, *Dependencies)) *fixture {
	t.Helper()
	f := &fixture{
		runtime:  newFakeRuntime(),
		store:    newMemStore(),
		observer: newCountingObserver(),
	}
	cfg := DefaultConfig()
	deps := Dependencies{Runtime: f.runtime, Store: f.store, Observer: f.observer}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	e, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	f.engine = e
	return f
}

func (f *fixture) install(t *testing.T, g *wiring.Graph, flags wiring.Flags) *InstallResult {
	t.Helper()
	res, err := f.engine.HandleConfig(context.Background(), compile(t, g, flags))
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := f.engine.RunPending(context.Background()); err != nil {
		t.Fatalf("pending tasks failed: %v", err)
	}
	return res
}

func (f *fixture) emit(t *testing.T, key wiring.ElementKey, port uint8, payload string) error {
	t.Helper()
	ent, ok := f.engine.Registry().Lookup(key)
	if !ok {
		t.Fatalf("element %s not registered", key)
	}
	return f.engine.Emit(context.Background(), ent.Handle, port, Token{Payload: []byte(payload)})
}

func (f *fixture) handle(t *testing.T, key wiring.ElementKey) Handle {
	t.Helper()
	ent, ok := f.engine.Registry().Lookup(key)
	if !ok {
		t.Fatalf("element %s not registered", key)
	}
	return ent.Handle
}

func compile(t *testing.T, g *wiring.Graph, flags wiring.Flags) []byte {
	t.Helper()
	blob, err := wiring.Compile(g, flags)
	if err != nil {
		t.Fatalf("failed to compile graph: %v", err)
	}
	return blob
}

func ep(template wiring.TemplateID, instance, port uint8) wiring.Endpoint {
	return wiring.Endpoint{Template: template, Instance: instance, Port: port}
}

func group(src wiring.Endpoint, dsts ...wiring.Endpoint) wiring.OutputGroup {
	return wiring.OutputGroup{Source: src, Destinations: dsts}
}

// fanout wires A:0 to B:0 and C:0.
func fanout() *wiring.Graph {
	return &wiring.Graph{
		Origin: wiring.DefaultOriginModule,
		Groups: []wiring.OutputGroup{group(ep(tmplA, 0, 0), ep(tmplB, 0, 0), ep(tmplC, 0, 0))},
	}
}

// pendingOn returns a behaviour that keeps the port busy for payload.
func pendingOn(payload string) func(uint8, Token) (Outcome, error) {
	return func(_ uint8, tok Token) (Outcome, error) {
		if string(tok.Payload) == payload {
			return Pending, nil
		}
		return Accepted, nil
	}
}

var errFault = errors.New("element fault")
