package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vireflow/vire/pkg/wiring"
)

// ParamStore keeps the saved parameter table in its own segment. Every
// merge writes a new segment and frees the previous one.
type ParamStore struct {
	store   SegmentStore
	segment segmentRef
}

// NewParamStore creates an empty parameter store over store.
func NewParamStore(store SegmentStore) *ParamStore {
	return &ParamStore{store: store}
}

// Saved reports whether a parameter table is stored.
func (p *ParamStore) Saved() bool {
	return p.segment.ok
}

// Records returns the saved parameter table.
func (p *ParamStore) Records(ctx context.Context) ([]wiring.ParamRecord, error) {
	if !p.segment.ok {
		return nil, nil
	}
	b, err := p.store.Read(ctx, p.segment.id, 0, p.segment.size)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter table: %w", err)
	}
	return wiring.DecodeParamTable(b)
}

// Merge builds and saves a new table. With merge set, saved records whose
// element is kept and absent from incoming are carried forward. Incoming
// records follow; a later incoming record for the same key replaces an
// earlier one.
func (p *ParamStore) Merge(ctx context.Context, incoming []wiring.ParamRecord, merge bool, keep func(wiring.ElementKey) bool) ([]wiring.ParamRecord, error) {
	updated := make(map[wiring.ElementKey]int, len(incoming))
	var table []wiring.ParamRecord

	if merge && p.segment.ok {
		saved, err := p.Records(ctx)
		if err != nil {
			return nil, err
		}
		inUpdate := make(map[wiring.ElementKey]bool, len(incoming))
		for _, r := range incoming {
			inUpdate[r.Key] = true
		}
		for _, r := range saved {
			if inUpdate[r.Key] || !keep(r.Key) {
				continue
			}
			table = append(table, r)
		}
	}
	for _, r := range incoming {
		if i, ok := updated[r.Key]; ok {
			table[i] = r
			continue
		}
		updated[r.Key] = len(table)
		table = append(table, r)
	}

	b, err := wiring.EncodeParamTable(table)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameter table: %w", err)
	}
	seg, err := p.store.Allocate(ctx, len(b))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate parameter table: %w", err)
	}
	if err := p.store.Write(ctx, seg, 0, b); err != nil {
		_ = p.store.Free(ctx, seg)
		return nil, fmt.Errorf("failed to write parameter table: %w", err)
	}
	if err := p.store.Flush(ctx, seg); err != nil {
		_ = p.store.Free(ctx, seg)
		return nil, fmt.Errorf("failed to flush parameter table: %w", err)
	}
	if p.segment.ok {
		if err := p.store.Free(ctx, p.segment.id); err != nil {
			return table, fmt.Errorf("failed to free previous parameter table: %w", err)
		}
	}
	p.segment = segmentRef{id: seg, ok: true, size: len(b)}
	return table, nil
}

func (p *ParamStore) clear() (SegmentID, bool) {
	ref := p.segment
	p.segment = segmentRef{}
	return ref.id, ref.ok
}

// readParamSection decodes a parameter section. The header must announce
// a non-empty BEGIN_PARAMETERS section.
func readParamSection(d *wiring.Decoder) ([]wiring.ParamRecord, error) {
	hdr, err := d.SectionHeader()
	if err != nil {
		return nil, NewMalformedConfigError("truncated parameter section header", err).WithCode(ErrCodeTruncated)
	}
	if hdr.Type != wiring.RecordBeginParameters || hdr.Length == 0 {
		return nil, NewMalformedConfigError("expected a non-empty BEGIN_PARAMETERS section", nil).
			WithCode(ErrCodeNoParamTable).
			WithDetail("type", hdr.Type.String()).
			WithDetail("length", hdr.Length)
	}
	var records []wiring.ParamRecord
	for {
		typ, rec, err := d.ParamRecord()
		if err != nil {
			return nil, NewMalformedConfigError("truncated parameter record", err).WithCode(ErrCodeTruncated)
		}
		switch typ {
		case wiring.RecordEndTable:
			return records, nil
		case wiring.RecordParameter:
			records = append(records, rec)
		default:
			return nil, NewMalformedConfigError("unexpected record in parameter section", nil).
				WithCode(ErrCodeBadRecord).
				WithDetail("type", typ.String())
		}
	}
}

// updateParameters decodes the parameter section and merges it into the
// saved table, carrying forward records of registered elements.
func (e *Engine) updateParameters(ctx context.Context, d *wiring.Decoder, flags wiring.Flags) (int, error) {
	incoming, err := readParamSection(d)
	if err != nil {
		return 0, err
	}
	keep := func(k wiring.ElementKey) bool {
		_, ok := e.registry.Lookup(k)
		return ok
	}
	table, err := e.params.Merge(ctx, incoming, flags.Has(wiring.FlagMergeParameters), keep)
	if err != nil {
		return 0, NewParamError("failed to merge parameter table", err).WithOperation("merge_parameters")
	}
	return len(table), nil
}

// postApply schedules application of the saved parameter table.
func (e *Engine) postApply() {
	if err := e.sched.Post(Task{Kind: TaskApplyParameters}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to post parameter update")
	}
}

// ApplyParameters hands every saved record whose element is registered to
// the element's update-parameter function. Per-record failures are logged
// and skipped. It returns the number of records applied.
func (e *Engine) ApplyParameters(ctx context.Context) int {
	ctx, span := e.tracer.Start(ctx, "engine.apply_parameters")
	defer span.End()

	records, err := e.params.Records(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error().Err(err).Msg("Failed to load parameter table")
		e.observer.ParameterApplied("error")
		return 0
	}

	applied := 0
	for _, rec := range records {
		ent, ok := e.registry.Lookup(rec.Key)
		if !ok {
			continue
		}
		fn, err := e.runtime.ParameterFunc(ent.Handle)
		if err != nil {
			perr := NewParamError("failed to subscribe to update-parameter function", err).WithElement(rec.Key)
			e.logger.Warn().Err(perr).Msg("Skipping parameter record")
			e.observer.ParameterApplied("skipped")
			continue
		}
		if err := fn(ctx, rec.Blob); err != nil {
			perr := NewParamError("element rejected parameters", err).WithElement(rec.Key)
			e.logger.Warn().Err(perr).Msg("Skipping parameter record")
			e.observer.ParameterApplied("skipped")
			continue
		}
		applied++
		e.observer.ParameterApplied("applied")
	}
	span.SetAttributes(attribute.Int("params.applied", applied), attribute.Int("params.records", len(records)))
	e.logger.Debug().Int("applied", applied).Int("records", len(records)).Msg("Parameters applied")
	return applied
}
