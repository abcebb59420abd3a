package engine

import (
	"context"
	"errors"
	"time"

	"github.com/vireflow/vire/pkg/wiring"
)

// Handle identifies a spawned element. Handles are dense small integers
// below Config.MaxElements and index the busy mask directly.
type Handle uint8

// FuncRef references a published input function of a spawned element.
type FuncRef uint16

// SegmentID identifies a fixed-size persistent segment.
type SegmentID uint32

// Outcome reports how a destination handled a delivered token.
type Outcome int

const (
	// Accepted means the token was fully handled and the port stays ready.
	Accepted Outcome = iota

	// Pending means the destination accepted the token on a long-running
	// operation. The port is BUSY until the element signals ready.
	Pending
)

// String returns the outcome name.
func (o Outcome) String() string {
	if o == Pending {
		return "pending"
	}
	return "accepted"
}

// Token is one unit of data emitted on an output port.
type Token struct {
	Payload []byte
}

// ParamFunc is an element's update-parameter function.
type ParamFunc func(ctx context.Context, blob []byte) error

// ElementRuntime instantiates elements and exposes their published
// function tables.
type ElementRuntime interface {
	// Spawn instantiates an element from the original code template.
	Spawn(ctx context.Context, template wiring.TemplateID) (Handle, error)

	// SpawnDuplicate instantiates an element from a private copy of the
	// template so that several instances of it can run side by side.
	SpawnDuplicate(ctx context.Context, template wiring.TemplateID) (Handle, error)

	// Deregister stops the element and releases everything it owns.
	Deregister(ctx context.Context, h Handle) error

	// ResolveInput returns the function published for input port inPort of
	// dst, after checking it accepts what output port outPort of src emits.
	ResolveInput(ctx context.Context, src Handle, outPort uint8, dst Handle, inPort uint8) (FuncRef, error)

	// OutputPorts returns the number of output ports published by h.
	OutputPorts(h Handle) (int, error)

	// OutputGroup reads the group id currently patched into an output port.
	OutputGroup(h Handle, port uint8) (wiring.GroupID, error)

	// PatchOutput patches the group id of an output port.
	PatchOutput(h Handle, port uint8, gid wiring.GroupID) error

	// Invoke calls a published input function with a token.
	Invoke(ctx context.Context, ref FuncRef, tok Token) (Outcome, error)

	// ParameterFunc subscribes to the element's update-parameter function.
	ParameterFunc(h Handle) (ParamFunc, error)
}

// SegmentStore allocates fixed-size persistent segments.
type SegmentStore interface {
	Allocate(ctx context.Context, size int) (SegmentID, error)
	Read(ctx context.Context, id SegmentID, offset, length int) ([]byte, error)
	Write(ctx context.Context, id SegmentID, offset int, data []byte) error
	Flush(ctx context.Context, id SegmentID) error
	Free(ctx context.Context, id SegmentID) error
}

// TaskKind selects the handler of a posted task.
type TaskKind uint8

const (
	// TaskContinuation redelivers one queued token.
	TaskContinuation TaskKind = iota

	// TaskApplyParameters applies the saved parameter table.
	TaskApplyParameters
)

// String returns the task kind name.
func (k TaskKind) String() string {
	switch k {
	case TaskContinuation:
		return "continuation"
	case TaskApplyParameters:
		return "apply_parameters"
	default:
		return "unknown"
	}
}

// Task is a deferred unit of engine work. A continuation carries only a
// reference to its queue entry.
type Task struct {
	Kind    TaskKind
	Element Handle
	Entry   uint32
}

// Scheduler accepts tasks for later execution on the engine loop.
type Scheduler interface {
	// Post enqueues a task, returning ErrQueueFull when it cannot.
	Post(t Task) error
}

// Observer receives engine telemetry. All methods must be cheap.
type Observer interface {
	InstallFinished(mode string, outcome string, d time.Duration)
	Dispatched(outcome string)
	TokenQueued()
	TokenDropped()
	ContinuationHandled(outcome string)
	ParameterApplied(outcome string)
	SegmentAllocated(ok bool)
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) InstallFinished(string, string, time.Duration) {}
func (nopObserver) Dispatched(string)                             {}
func (nopObserver) TokenQueued()                                  {}
func (nopObserver) TokenDropped()                                 {}
func (nopObserver) ContinuationHandled(string)                    {}
func (nopObserver) ParameterApplied(string)                       {}
func (nopObserver) SegmentAllocated(bool)                         {}
func (nopObserver) QueueDepth(int)                                {}

// Errors an ElementRuntime reports to the engine.
var (
	// ErrUnknownTemplate is returned by Spawn for a template the runtime
	// does not carry.
	ErrUnknownTemplate = errors.New("unknown code template")

	// ErrNoCapacity is returned by Spawn when no element slot is free.
	ErrNoCapacity = errors.New("no element capacity")

	// ErrUnknownElement is returned for a handle that is not spawned.
	ErrUnknownElement = errors.New("unknown element")

	// ErrNoFunction is returned by ResolveInput when the port publishes no
	// function.
	ErrNoFunction = errors.New("function not published")

	// ErrSignatureMismatch is returned by ResolveInput when the output and
	// input port signatures are incompatible.
	ErrSignatureMismatch = errors.New("port signature mismatch")

	// ErrOutOfSpace is returned by a SegmentStore that cannot allocate.
	ErrOutOfSpace = errors.New("segment store out of space")
)
