package engine

import (
	"context"
	"fmt"

	"github.com/vireflow/vire/pkg/wiring"
)

// routingBuilder accumulates the routing rows of one install attempt.
// Group ids are row indexes and are handed out monotonically.
type routingBuilder struct {
	rows     []wiring.RoutingRow
	capacity int
}

func newRoutingBuilder(capacity int) *routingBuilder {
	return &routingBuilder{capacity: capacity}
}

// addGroup appends a fan-out header and its destinations and returns the
// group id of the header row.
func (b *routingBuilder) addGroup(dests []Destination) (wiring.GroupID, error) {
	gid := len(b.rows)
	need := gid + 1 + len(dests)
	if len(dests) > wiring.MaxFanout {
		return wiring.InvalidGroup, fmt.Errorf("group of %d destinations exceeds the fan-out limit of %d", len(dests), wiring.MaxFanout)
	}
	if gid >= int(wiring.InvalidGroup) {
		return wiring.InvalidGroup, fmt.Errorf("group id %d exceeds the group id space", gid)
	}
	if need > b.capacity {
		return wiring.InvalidGroup, fmt.Errorf("group of %d destinations needs %d rows, budget is %d", len(dests), need, b.capacity)
	}
	b.rows = append(b.rows, wiring.FanoutRow(uint8(len(dests))))
	for _, d := range dests {
		b.rows = append(b.rows, wiring.DestinationRow(uint8(d.Handle), d.Port, uint16(d.Func)))
	}
	return wiring.GroupID(gid), nil
}

func (b *routingBuilder) encode() []byte {
	out := make([]byte, 0, len(b.rows)*wiring.RoutingRowSize)
	for _, r := range b.rows {
		out = append(out, r.Encode()...)
	}
	return out
}

// RoutingTable maps output group ids to fan-out lists. Rows live in a
// persistent segment; a RAM mirror may be built after install.
type RoutingTable struct {
	store   SegmentStore
	segment SegmentID
	rows    int
	loaded  bool
	mirror  map[wiring.GroupID][]Destination
}

// NewRoutingTable creates an empty routing table over store.
func NewRoutingTable(store SegmentStore) *RoutingTable {
	return &RoutingTable{store: store}
}

// Installed reports whether the table has a segment.
func (t *RoutingTable) Installed() bool {
	return t.loaded
}

// Rows returns the number of used rows.
func (t *RoutingTable) Rows() int {
	return t.rows
}

// install points the table at a freshly written segment. The previous
// segment, if any, is returned for the caller to free.
func (t *RoutingTable) install(seg SegmentID, rows int) (SegmentID, bool) {
	prev, had := t.segment, t.loaded
	t.segment = seg
	t.rows = rows
	t.loaded = true
	t.mirror = nil
	return prev, had
}

// clear forgets the segment and returns it for the caller to free.
func (t *RoutingTable) clear() (SegmentID, bool) {
	prev, had := t.segment, t.loaded
	t.segment = 0
	t.rows = 0
	t.loaded = false
	t.mirror = nil
	return prev, had
}

// Group returns the fan-out list of gid.
func (t *RoutingTable) Group(ctx context.Context, gid wiring.GroupID) ([]Destination, error) {
	if t.mirror != nil {
		dests, ok := t.mirror[gid]
		if !ok {
			return nil, fmt.Errorf("group %d not in routing table", gid)
		}
		return dests, nil
	}
	if !t.loaded {
		return nil, fmt.Errorf("no routing table installed")
	}
	if int(gid) >= t.rows {
		return nil, fmt.Errorf("group %d beyond %d routing rows", gid, t.rows)
	}
	head, err := t.readRows(ctx, int(gid), 1)
	if err != nil {
		return nil, err
	}
	n := int(head[0].Index)
	if int(gid)+1+n > t.rows {
		return nil, fmt.Errorf("group %d fans out to %d rows beyond the table", gid, n)
	}
	rows, err := t.readRows(ctx, int(gid)+1, n)
	if err != nil {
		return nil, err
	}
	return destinations(rows), nil
}

func (t *RoutingTable) readRows(ctx context.Context, first, n int) ([]wiring.RoutingRow, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := t.store.Read(ctx, t.segment, first*wiring.RoutingRowSize, n*wiring.RoutingRowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing rows: %w", err)
	}
	rows := make([]wiring.RoutingRow, 0, n)
	for i := 0; i < n; i++ {
		r, err := wiring.DecodeRoutingRow(b[i*wiring.RoutingRowSize:])
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func destinations(rows []wiring.RoutingRow) []Destination {
	dests := make([]Destination, 0, len(rows))
	for _, r := range rows {
		h, port := wiring.UnpackPort(r.Index)
		dests = append(dests, Destination{Handle: Handle(h), Port: port, Func: FuncRef(r.Func)})
	}
	return dests
}

// LoadMirror copies the whole table into RAM.
func (t *RoutingTable) LoadMirror(ctx context.Context) error {
	t.mirror = nil
	all, err := t.All(ctx)
	if err != nil {
		return err
	}
	t.mirror = all
	return nil
}

// DropMirror discards the RAM mirror.
func (t *RoutingTable) DropMirror() {
	t.mirror = nil
}

// Mirrored reports whether Group is served from RAM.
func (t *RoutingTable) Mirrored() bool {
	return t.mirror != nil
}

// All walks the persisted rows and returns every group.
func (t *RoutingTable) All(ctx context.Context) (map[wiring.GroupID][]Destination, error) {
	groups := make(map[wiring.GroupID][]Destination)
	if !t.loaded {
		return groups, nil
	}
	rows, err := t.readRows(ctx, 0, t.rows)
	if err != nil {
		return nil, err
	}
	for gid := 0; gid < len(rows); {
		n := int(rows[gid].Index)
		if gid+1+n > len(rows) {
			return nil, fmt.Errorf("group %d fans out to %d rows beyond the table", gid, n)
		}
		groups[wiring.GroupID(gid)] = destinations(rows[gid+1 : gid+1+n])
		gid += n + 1
	}
	return groups, nil
}
