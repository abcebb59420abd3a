package engine

import (
	"context"

	"github.com/vireflow/vire/pkg/wiring"
)

// Dispatch fans tok out to the destinations of group gid on behalf of
// caller. READY destinations are called synchronously and BUSY ones get a
// captured copy of the token queued. When the caller has no continuation
// in flight it is marked READY and its own queue is drained.
//
// Dispatch is re-entrant: destinations may dispatch from inside the call.
func (e *Engine) Dispatch(ctx context.Context, caller Handle, gid wiring.GroupID, tok Token) error {
	if gid.Valid() {
		dests, err := e.routing.Group(ctx, gid)
		if err != nil {
			e.observer.Dispatched("error")
			return NewDispatchError("failed to read routing group", err).
				WithOperation("dispatch").
				WithDetail("group", uint8(gid))
		}
		for _, d := range dests {
			if !e.flow.IsReady(d.Handle, d.Port) {
				e.enqueue(d, tok)
				continue
			}
			outcome, err := e.runtime.Invoke(ctx, d.Func, tok)
			if err != nil {
				e.observer.Dispatched("fault")
				return NewDispatchError("destination failed", err).
					WithCode(ErrCodeDestinationFault).
					WithOperation("dispatch").
					WithDetail("handle", uint8(d.Handle)).
					WithDetail("port", d.Port)
			}
			e.observer.Dispatched(outcome.String())
			if outcome == Pending {
				e.flow.SetBusy(d.Handle, d.Port)
			}
		}
	}

	if !e.queues.HasPosted(caller) {
		e.flow.SetReady(caller)
		e.PostTokensForAllPorts(ctx, caller)
	}
	return nil
}

// enqueue captures tok for a BUSY destination. A full pool drops the token.
func (e *Engine) enqueue(d Destination, tok Token) {
	captured, err := e.pool.Capture(tok)
	if err != nil {
		e.observer.TokenDropped()
		e.logger.Debug().Err(err).
			Uint8("handle", uint8(d.Handle)).
			Uint8("port", d.Port).
			Msg("Dropped token for busy destination")
		return
	}
	e.queues.Enqueue(d.Handle, d.Func, d.Port, captured)
	e.observer.TokenQueued()
	e.observer.QueueDepth(e.queues.Total())
}

// PostTokensForAllPorts schedules one continuation for every QUEUED entry
// of h whose port is READY, marking the port BUSY first so later tokens
// queue behind it. A scheduler refusal stops the scan and leaves the
// remaining entries QUEUED.
func (e *Engine) PostTokensForAllPorts(ctx context.Context, h Handle) {
	for _, ent := range e.queues.Entries(h) {
		if ent.Status != TokenQueued || !e.flow.IsReady(h, ent.Port) {
			continue
		}
		if err := e.sched.Post(Task{Kind: TaskContinuation, Element: h, Entry: ent.ID}); err != nil {
			e.logger.Warn().Err(err).
				Uint8("handle", uint8(h)).
				Uint32("entry", ent.ID).
				Msg("Failed to post continuation")
			return
		}
		e.flow.SetBusy(h, ent.Port)
		ent.Status = TokenPosted
	}
}

// HandleContinuation redelivers queue entry id of element h. The captured
// slot is released before the call and the entry is removed afterwards.
// A pending outcome keeps the port BUSY; otherwise, once no other entry of
// h is POSTED, the element is READY again and its queue drains further.
func (e *Engine) HandleContinuation(ctx context.Context, h Handle, id uint32) error {
	ent := e.queues.Find(h, id)
	if ent == nil || ent.Status != TokenPosted {
		e.logger.Debug().Uint8("handle", uint8(h)).Uint32("entry", id).Msg("Stale continuation")
		e.observer.ContinuationHandled("stale")
		return nil
	}
	ent.Status = TokenHandled
	e.pool.Release()

	outcome, err := e.runtime.Invoke(ctx, ent.Func, ent.Token)
	e.queues.Remove(h, id)
	e.observer.QueueDepth(e.queues.Total())
	if err != nil {
		e.observer.ContinuationHandled("fault")
		e.logger.Error().Err(err).Uint8("handle", uint8(h)).Uint8("port", ent.Port).Msg("Continuation failed")
		return NewDispatchError("destination failed on continuation", err).
			WithCode(ErrCodeDestinationFault).
			WithOperation("continuation").
			WithDetail("handle", uint8(h)).
			WithDetail("port", ent.Port)
	}

	e.observer.ContinuationHandled(outcome.String())
	if outcome == Pending {
		e.flow.SetBusy(h, ent.Port)
		return nil
	}
	if !e.queues.HasPosted(h) {
		e.flow.SetReady(h)
		e.PostTokensForAllPorts(ctx, h)
	}
	return nil
}
