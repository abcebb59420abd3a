package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vireflow/vire/pkg/engine"
)

var (
	// ErrSegmentNotFound is returned for a segment id that is not allocated.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrOutOfRange is returned for a read or write beyond the segment.
	ErrOutOfRange = errors.New("access beyond segment bounds")
	// ErrInstallNotFound is returned by history lookups for an unknown id.
	ErrInstallNotFound = errors.New("install record not found")
)

// Backend names a segment store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendBadger Backend = "badger"
)

// Store is a segment store that also keeps the install history.
type Store interface {
	engine.SegmentStore
	InstallHistory

	// Usage returns the number of allocated segments and bytes.
	Usage() Usage
	// Purge frees every segment.
	Purge(ctx context.Context) error
	Close() error
}

// InstallHistory records configuration install attempts.
type InstallHistory interface {
	RecordInstall(ctx context.Context, rec *InstallRecord) error
	GetInstall(ctx context.Context, id string) (*InstallRecord, error)
	// ListInstalls returns the most recent records first.
	ListInstalls(ctx context.Context, limit int) ([]*InstallRecord, error)
}

// Usage reports store occupancy.
type Usage struct {
	Segments int `json:"segments"`
	Bytes    int `json:"bytes"`
	Capacity int `json:"capacity"`
}

// InstallOutcome is the result of one install attempt.
type InstallOutcome string

const (
	InstallOutcomeOK     InstallOutcome = "ok"
	InstallOutcomeFailed InstallOutcome = "failed"
)

// InstallRecord is one row of the install history.
type InstallRecord struct {
	ID         string         `json:"id"`
	Requested  string         `json:"requested"`
	Mode       string         `json:"mode"`
	Flags      uint8          `json:"flags"`
	Outcome    InstallOutcome `json:"outcome"`
	ErrorClass *string        `json:"error_class,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Elements   int            `json:"elements"`
	Groups     int            `json:"groups"`
	Spawned    int            `json:"spawned"`
	Removed    int            `json:"removed"`
	Parameters int            `json:"parameters"`
	Duration   time.Duration  `json:"duration"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewInstallRecord builds a history record from an install result and the
// error HandleConfig returned with it.
func NewInstallRecord(res *engine.InstallResult, installErr error, d time.Duration) *InstallRecord {
	rec := &InstallRecord{
		ID:         res.ID,
		Requested:  string(res.Requested),
		Mode:       string(res.Mode),
		Flags:      uint8(res.Flags),
		Outcome:    InstallOutcomeOK,
		Elements:   res.Elements,
		Groups:     res.Groups,
		Spawned:    res.Spawned,
		Removed:    res.Removed,
		Parameters: res.Parameters,
		Duration:   d,
		CreatedAt:  time.Now().UTC(),
	}
	if installErr != nil {
		rec.Outcome = InstallOutcomeFailed
		msg := installErr.Error()
		rec.Error = &msg
		if class := engine.ClassOf(installErr); class != "" {
			c := string(class)
			rec.ErrorClass = &c
		}
	}
	return rec
}

// budget tracks allocated bytes against an optional capacity. A zero
// capacity means unlimited.
type budget struct {
	mu       sync.Mutex
	capacity int
	used     int
	segments int
}

func (b *budget) reserve(size int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size < 0 {
		return fmt.Errorf("invalid segment size %d", size)
	}
	if b.capacity > 0 && b.used+size > b.capacity {
		return fmt.Errorf("segment of %d bytes with %d/%d used: %w", size, b.used, b.capacity, engine.ErrOutOfSpace)
	}
	b.used += size
	b.segments++
	return nil
}

func (b *budget) release(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= size
	b.segments--
}

func (b *budget) set(segments, used int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments, b.used = segments, used
}

func (b *budget) usage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{Segments: b.segments, Bytes: b.used, Capacity: b.capacity}
}

func checkRange(size, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > size {
		return fmt.Errorf("%d bytes at offset %d of %d: %w", length, offset, size, ErrOutOfRange)
	}
	return nil
}
