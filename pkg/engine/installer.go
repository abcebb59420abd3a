package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vireflow/vire/pkg/wiring"
)

type outputKey struct {
	handle Handle
	port   uint8
}

type outputPatch struct {
	outputKey
	prev wiring.GroupID
}

// attempt records everything one install allocated, spawned or patched so
// that a failure can be undone.
type attempt struct {
	mode     InstallMode
	builder  *routingBuilder
	segments []SegmentID
	spawned  []RegistryEntry
	patches  []outputPatch
	patched  map[outputKey]bool

	routing  SegmentID
	elements segmentRef
	saved    segmentRef
}

// HandleConfig handles one configuration blob. A wiring section is
// installed FULL or HOT_SWAP; a parameter-only blob is merged into the
// saved parameter table. A failed FULL install leaves the node without a
// graph; a failed HOT_SWAP leaves the previous graph running.
//
// The result is returned even on failure so callers can record the attempt.
func (e *Engine) HandleConfig(ctx context.Context, blob []byte) (*InstallResult, error) {
	id := uuid.New().String()
	ctx, span := e.tracer.Start(ctx, "engine.handle_config",
		trace.WithAttributes(attribute.String("install.id", id), attribute.Int("install.bytes", len(blob))))
	defer span.End()

	start := time.Now()
	logger := e.logger.With().Str("install_id", id).Logger()
	res := &InstallResult{ID: id}

	err := e.handleConfig(ctx, logger, blob, res)
	res.Elements = e.registry.Len()
	span.SetAttributes(
		attribute.String("install.mode", string(res.Mode)),
		attribute.String("install.flags", res.Flags.String()),
		attribute.Int("install.elements", res.Elements),
	)

	outcome := "ok"
	if err != nil {
		outcome = string(ClassOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("mode", string(res.Mode)).Msg("Configuration rejected")
	} else {
		logger.Info().
			Str("mode", string(res.Mode)).
			Int("elements", res.Elements).
			Int("groups", res.Groups).
			Int("spawned", res.Spawned).
			Int("removed", res.Removed).
			Dur("duration", time.Since(start)).
			Msg("Configuration installed")
	}
	e.observer.InstallFinished(string(res.Mode), outcome, time.Since(start))
	return res, err
}

func (e *Engine) handleConfig(ctx context.Context, logger zerolog.Logger, blob []byte, res *InstallResult) error {
	d := wiring.NewDecoder(blob)
	meta, err := d.Metadata()
	if err != nil {
		return NewMalformedConfigError("truncated metadata", err).WithCode(ErrCodeTruncated)
	}
	res.Flags = meta.Flags

	switch {
	case meta.Flags.Has(wiring.FlagWiringSection):
		res.Requested = InstallFull
		if meta.Flags.Has(wiring.FlagHotSwap) {
			res.Requested = InstallHotSwap
		}
		res.Mode = res.Requested
		if res.Mode == InstallHotSwap && e.flow.GraphBusy() {
			logger.Info().Msg("Graph busy, falling back to full install")
			res.Mode = InstallFull
		}
		return e.install(ctx, logger, d, meta, res)

	case meta.Flags.Has(wiring.FlagParamSection):
		res.Requested, res.Mode = InstallParameters, InstallParameters
		if err := e.loadRegistry(ctx, Marked); err != nil {
			return err
		}
		n, err := e.updateParameters(ctx, d, meta.Flags)
		if err != nil {
			return err
		}
		res.Parameters = n
		e.postApply()
		return nil

	case meta.Flags.Has(wiring.FlagMergeParameters):
		res.Requested, res.Mode = InstallParameters, InstallParameters
		e.postApply()
		return nil

	default:
		logger.Debug().Str("flags", meta.Flags.String()).Msg("Configuration carries no section")
		return nil
	}
}

func (e *Engine) install(ctx context.Context, logger zerolog.Logger, d *wiring.Decoder, meta wiring.Metadata, res *InstallResult) error {
	a := &attempt{
		mode:    res.Mode,
		builder: newRoutingBuilder(e.cfg.RoutingRows()),
		patched: make(map[outputKey]bool),
	}

	if a.mode == InstallFull {
		res.Removed = e.teardown(ctx)
	} else if err := e.loadRegistry(ctx, Unmarked); err != nil {
		return err
	}

	groups, err := e.readWiring(ctx, d, meta.Flags)
	if err == nil {
		err = e.interpret(ctx, a, groups)
	}
	if err == nil {
		err = e.persist(ctx, a, groups)
	}
	if err != nil {
		e.rollback(ctx, a)
		if a.mode == InstallFull {
			e.Reset(ctx)
		}
		return err
	}

	res.Removed += e.commit(ctx, a)
	res.Groups = len(groups)
	res.Spawned = len(a.spawned)

	if meta.Flags.Has(wiring.FlagParamSection) {
		n, err := e.updateParameters(ctx, d, meta.Flags)
		if err != nil {
			logger.Warn().Err(err).Msg("Parameter update failed, parameters left unapplied")
			return nil
		}
		res.Parameters = n
		e.postApply()
	} else if meta.Flags.Has(wiring.FlagMergeParameters) {
		e.postApply()
	}
	return nil
}

// teardown stops the running graph ahead of a FULL install. Segments stay
// allocated until the install commits or the engine resets.
func (e *Engine) teardown(ctx context.Context) int {
	e.flow.Reset()
	e.releaseEntries(e.queues.PurgeAll())
	e.routing.DropMirror()
	n := e.registry.Len()
	e.deregisterAll(ctx)
	return n
}

// loadRegistry reloads the registry from the persisted elements table.
func (e *Engine) loadRegistry(ctx context.Context, mark Mark) error {
	if !e.elements.ok {
		e.registry.Clear()
		return nil
	}
	b, err := e.store.Read(ctx, e.elements.id, 0, e.elements.size)
	if err != nil {
		return NewResourceExhaustedError("failed to read elements table", err).WithCode(ErrCodeSegment)
	}
	rows, err := wiring.DecodeElementsTable(b)
	if err != nil {
		return NewMalformedConfigError("corrupt elements table", err).WithCode(ErrCodeSegment)
	}
	if err := e.registry.Load(rows, mark); err != nil {
		return NewMalformedConfigError("corrupt elements table", err).WithCode(ErrCodeSegment)
	}
	return nil
}

// readWiring decodes the wiring section. With UPDATE_DIFF the section is
// applied on top of the saved wiring table.
func (e *Engine) readWiring(ctx context.Context, d *wiring.Decoder, flags wiring.Flags) ([]wiring.OutputGroup, error) {
	hdr, err := d.SectionHeader()
	if err != nil {
		return nil, NewMalformedConfigError("truncated section header", err).WithCode(ErrCodeTruncated)
	}
	if hdr.Type != wiring.RecordBeginWiring {
		return nil, NewMalformedConfigError("expected BEGIN_WIRING section", nil).
			WithCode(ErrCodeBadHeader).
			WithDetail("type", hdr.Type.String())
	}
	groups, err := wiring.DecodeWiringRows(d)
	if err != nil {
		code := ErrCodeBadRecord
		if errors.Is(err, wiring.ErrTruncated) {
			code = ErrCodeTruncated
		}
		return nil, NewMalformedConfigError("invalid wiring section", err).WithCode(code)
	}
	if typ, err := d.PeekType(); err == nil && typ == wiring.RecordEndTable {
		_ = d.Seek(d.Offset() + wiring.WiringRecordSize)
	}

	if flags.Has(wiring.FlagUpdateDiff) {
		saved, err := e.savedGroups(ctx)
		if err != nil {
			return nil, err
		}
		groups = mergeGroups(saved, groups)
	}
	return groups, nil
}

func (e *Engine) savedGroups(ctx context.Context) ([]wiring.OutputGroup, error) {
	if !e.savedWiring.ok {
		return nil, nil
	}
	b, err := e.store.Read(ctx, e.savedWiring.id, 0, e.savedWiring.size)
	if err != nil {
		return nil, NewResourceExhaustedError("failed to read saved wiring table", err).WithCode(ErrCodeSegment)
	}
	groups, err := wiring.DecodeWiringRows(wiring.NewDecoder(b))
	if err != nil {
		return nil, NewMalformedConfigError("corrupt saved wiring table", err).WithCode(ErrCodeSegment)
	}
	return groups, nil
}

// mergeGroups replaces saved groups that share a source with an update
// group and appends the update groups that are new.
func mergeGroups(saved, update []wiring.OutputGroup) []wiring.OutputGroup {
	bySource := make(map[wiring.Endpoint]int, len(update))
	for i, g := range update {
		bySource[g.Source] = i
	}
	used := make(map[int]bool, len(update))
	out := make([]wiring.OutputGroup, 0, len(saved)+len(update))
	for _, g := range saved {
		if i, ok := bySource[g.Source]; ok {
			out = append(out, update[i])
			used[i] = true
			continue
		}
		out = append(out, g)
	}
	for i, g := range update {
		if !used[i] {
			out = append(out, g)
		}
	}
	return out
}

// interpret resolves or spawns every element of every group, builds the
// routing rows and patches the source output ports.
func (e *Engine) interpret(ctx context.Context, a *attempt, groups []wiring.OutputGroup) error {
	for _, grp := range groups {
		if len(grp.Destinations) > wiring.MaxFanout {
			return NewMalformedConfigError("output fans out beyond the fan-out limit", nil).
				WithCode(ErrCodeBadRecord).
				WithElement(grp.Source).
				WithDetail("destinations", len(grp.Destinations))
		}
		src, err := e.resolveOrSpawn(ctx, a, grp.Source.Key())
		if err != nil {
			return err
		}
		if a.patched[outputKey{src, grp.Source.Port}] {
			return NewMalformedConfigError("output wired twice", nil).
				WithCode(ErrCodeBadRecord).
				WithElement(grp.Source)
		}

		dests := make([]Destination, 0, len(grp.Destinations))
		for _, in := range grp.Destinations {
			if in.Port >= wiring.MaxInputPorts {
				return NewMalformedConfigError("input port out of range", nil).
					WithCode(ErrCodeBadRecord).
					WithElement(in)
			}
			dst, err := e.resolveOrSpawn(ctx, a, in.Key())
			if err != nil {
				return err
			}
			fn, err := e.runtime.ResolveInput(ctx, src, grp.Source.Port, dst, in.Port)
			if err != nil {
				return resolveError(err, grp.Source, in)
			}
			dests = append(dests, Destination{Handle: dst, Port: in.Port, Func: fn})
		}

		gid, err := a.builder.addGroup(dests)
		if err != nil {
			return NewResourceExhaustedError("routing table budget exceeded", err).
				WithCode(ErrCodeRoutingBudget).
				WithElement(grp.Source)
		}
		if err := e.patchOutput(a, src, grp.Source.Port, gid); err != nil {
			return NewTypeMismatchError("element has no such output port", err).
				WithCode(ErrCodeUnknownFunction).
				WithElement(grp.Source)
		}
	}

	if a.mode == InstallHotSwap {
		return e.invalidateStaleOutputs(a)
	}
	return nil
}

// invalidateStaleOutputs detaches output ports of carried-over elements
// that the new graph does not wire, so they cannot dispatch into groups of
// the previous routing table.
func (e *Engine) invalidateStaleOutputs(a *attempt) error {
	spawned := make(map[Handle]bool, len(a.spawned))
	for _, ent := range a.spawned {
		spawned[ent.Handle] = true
	}
	for _, ent := range e.registry.WithMark(Marked) {
		if spawned[ent.Handle] {
			continue
		}
		n, err := e.runtime.OutputPorts(ent.Handle)
		if err != nil {
			continue
		}
		for port := 0; port < n; port++ {
			if a.patched[outputKey{ent.Handle, uint8(port)}] {
				continue
			}
			if err := e.patchOutput(a, ent.Handle, uint8(port), wiring.InvalidGroup); err != nil {
				return NewTypeMismatchError("failed to detach output port", err).
					WithCode(ErrCodeUnknownFunction).
					WithElement(ent.Key)
			}
		}
	}
	return nil
}

func (e *Engine) patchOutput(a *attempt, h Handle, port uint8, gid wiring.GroupID) error {
	prev, err := e.runtime.OutputGroup(h, port)
	if err != nil {
		return err
	}
	if err := e.runtime.PatchOutput(h, port, gid); err != nil {
		return err
	}
	key := outputKey{h, port}
	a.patches = append(a.patches, outputPatch{outputKey: key, prev: prev})
	a.patched[key] = true
	return nil
}

func resolveError(err error, out, in wiring.Endpoint) error {
	var ee *EngineError
	if errors.Is(err, ErrSignatureMismatch) {
		ee = NewTypeMismatchError("incompatible port signatures", err).WithCode(ErrCodeSignature)
	} else {
		ee = NewTypeMismatchError("input function not published", err).WithCode(ErrCodeUnknownFunction)
	}
	return ee.WithElement(in).WithDetail("output", out.String())
}

// resolveOrSpawn returns the handle of key, spawning it when needed. An
// exact registry match is reused and marked; another instance of the same
// template gets a duplicated template.
func (e *Engine) resolveOrSpawn(ctx context.Context, a *attempt, key wiring.ElementKey) (Handle, error) {
	disc, h := e.registry.Discover(key)
	if disc == ThisInstance {
		return h, nil
	}
	if e.registry.Len() >= e.cfg.MaxElements {
		return 0, NewResourceExhaustedError("element budget exceeded", nil).
			WithCode(ErrCodeElementBudget).
			WithElement(key).
			WithDetail("max_elements", e.cfg.MaxElements)
	}

	var err error
	if disc == AnotherInstance {
		h, err = e.runtime.SpawnDuplicate(ctx, key.Template)
	} else {
		h, err = e.runtime.Spawn(ctx, key.Template)
	}
	if err != nil {
		if errors.Is(err, ErrUnknownTemplate) {
			return 0, NewMalformedConfigError("unknown code template", err).WithCode(ErrCodeSpawn).WithElement(key)
		}
		return 0, NewResourceExhaustedError("failed to spawn element", err).WithCode(ErrCodeSpawn).WithElement(key)
	}

	ent := RegistryEntry{Key: key, Handle: h, Mark: Marked}
	if int(h) >= e.cfg.MaxElements {
		e.deregister(ctx, ent)
		return 0, NewResourceExhaustedError("element handle beyond budget", nil).
			WithCode(ErrCodeElementBudget).
			WithElement(key).
			WithDetail("handle", uint8(h))
	}
	if err := e.registry.Add(key, h, Marked); err != nil {
		e.deregister(ctx, ent)
		return 0, NewResourceExhaustedError("failed to register element", err).WithCode(ErrCodeSpawn).WithElement(key)
	}
	e.flow.SetReady(h)
	a.spawned = append(a.spawned, ent)
	e.logger.Debug().
		Str("element", key.String()).
		Uint8("handle", uint8(h)).
		Bool("duplicate", disc == AnotherInstance).
		Msg("Spawned element")
	return h, nil
}

// persist writes the routing rows, the elements table and the wiring
// table of the attempt into fresh segments.
func (e *Engine) persist(ctx context.Context, a *attempt, groups []wiring.OutputGroup) error {
	seg, err := e.writeSegment(ctx, a, e.cfg.RoutingSegmentSize, a.builder.encode())
	if err != nil {
		return NewResourceExhaustedError("failed to persist routing table", err).WithCode(ErrCodeSegment)
	}
	a.routing = seg

	tbl, err := wiring.EncodeElementsTable(e.registry.Rows(Marked))
	if err != nil {
		return NewResourceExhaustedError("failed to encode elements table", err).WithCode(ErrCodeElementBudget)
	}
	size := e.cfg.ElementsSegmentSize()
	if seg, err = e.writeSegment(ctx, a, size, tbl); err != nil {
		return NewResourceExhaustedError("failed to persist elements table", err).WithCode(ErrCodeSegment)
	}
	a.elements = segmentRef{id: seg, ok: true, size: size}

	rows := wiring.EncodeWiringRows(groups)
	if seg, err = e.writeSegment(ctx, a, len(rows), rows); err != nil {
		return NewResourceExhaustedError("failed to persist wiring table", err).WithCode(ErrCodeSegment)
	}
	a.saved = segmentRef{id: seg, ok: true, size: len(rows)}
	return nil
}

func (e *Engine) writeSegment(ctx context.Context, a *attempt, size int, data []byte) (SegmentID, error) {
	seg, err := e.store.Allocate(ctx, size)
	e.observer.SegmentAllocated(err == nil)
	if err != nil {
		return 0, err
	}
	a.segments = append(a.segments, seg)
	if len(data) > 0 {
		if err := e.store.Write(ctx, seg, 0, data); err != nil {
			return 0, err
		}
	}
	return seg, e.store.Flush(ctx, seg)
}

// rollback reverts output patches, deregisters spawned elements and frees
// the segments of a failed attempt.
func (e *Engine) rollback(ctx context.Context, a *attempt) {
	for i := len(a.patches) - 1; i >= 0; i-- {
		p := a.patches[i]
		if err := e.runtime.PatchOutput(p.handle, p.port, p.prev); err != nil {
			e.logger.Warn().Err(err).
				Uint8("handle", uint8(p.handle)).
				Uint8("port", p.port).
				Msg("Failed to revert output patch")
		}
	}
	for i := len(a.spawned) - 1; i >= 0; i-- {
		ent := a.spawned[i]
		e.registry.Remove(ent.Handle)
		e.deregister(ctx, ent)
		e.flow.SetReady(ent.Handle)
	}
	for _, seg := range a.segments {
		e.free(ctx, seg)
	}
	e.logger.Debug().
		Int("patches", len(a.patches)).
		Int("spawned", len(a.spawned)).
		Int("segments", len(a.segments)).
		Msg("Install rolled back")
}

// commit drops elements the new graph no longer references and swaps the
// new segments in. It returns the number of elements removed.
func (e *Engine) commit(ctx context.Context, a *attempt) int {
	removed := 0
	if a.mode == InstallHotSwap {
		for _, ent := range e.registry.WithMark(Unmarked) {
			e.deregister(ctx, ent)
			e.releaseEntries(e.queues.Purge(ent.Handle))
			e.flow.SetReady(ent.Handle)
			e.registry.Remove(ent.Handle)
			removed++
		}
	}

	if prev, ok := e.routing.install(a.routing, len(a.builder.rows)); ok {
		e.free(ctx, prev)
	}
	e.freeRef(ctx, &e.elements)
	e.elements = a.elements
	e.freeRef(ctx, &e.savedWiring)
	e.savedWiring = a.saved

	if e.cfg.RAMMirror {
		if err := e.routing.LoadMirror(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Routing table served from segment, RAM mirror unavailable")
		}
	}
	e.observer.QueueDepth(e.queues.Total())
	return removed
}
