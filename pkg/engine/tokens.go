package engine

// TokenPool bounds the number of tokens captured for busy destinations.
// Capturing deep-copies the payload so the emitter may reuse its buffer.
type TokenPool struct {
	capacity int
	inUse    int
}

// NewTokenPool creates a pool with n capture slots.
func NewTokenPool(n int) *TokenPool {
	return &TokenPool{capacity: n}
}

// Capture copies tok into a free slot.
func (p *TokenPool) Capture(tok Token) (Token, error) {
	if p.inUse >= p.capacity {
		return Token{}, ErrTokenPoolExhausted
	}
	p.inUse++
	out := Token{}
	if tok.Payload != nil {
		out.Payload = append(make([]byte, 0, len(tok.Payload)), tok.Payload...)
	}
	return out, nil
}

// Release frees one slot.
func (p *TokenPool) Release() {
	if p.inUse > 0 {
		p.inUse--
	}
}

// InUse returns the number of occupied slots.
func (p *TokenPool) InUse() int {
	return p.inUse
}

// Capacity returns the number of slots.
func (p *TokenPool) Capacity() int {
	return p.capacity
}

// QueueEntry is a token waiting for a busy destination.
type QueueEntry struct {
	ID     uint32
	Func   FuncRef
	Port   uint8
	Token  Token
	Status TokenStatus
}

type elementQueue struct {
	handle  Handle
	entries []*QueueEntry
}

// TokenQueues is a queue of per-element FIFO token queues. Order within one
// element is preserved; order across elements is not.
type TokenQueues struct {
	queues []*elementQueue
	nextID uint32
}

// NewTokenQueues creates an empty queue of queues.
func NewTokenQueues() *TokenQueues {
	return &TokenQueues{}
}

func (q *TokenQueues) find(h Handle) (int, *elementQueue) {
	for i, eq := range q.queues {
		if eq.handle == h {
			return i, eq
		}
	}
	return -1, nil
}

// Enqueue appends a QUEUED entry to the queue of element h.
func (q *TokenQueues) Enqueue(h Handle, fn FuncRef, port uint8, tok Token) *QueueEntry {
	_, eq := q.find(h)
	if eq == nil {
		eq = &elementQueue{handle: h}
		q.queues = append(q.queues, eq)
	}
	q.nextID++
	ent := &QueueEntry{ID: q.nextID, Func: fn, Port: port, Token: tok, Status: TokenQueued}
	eq.entries = append(eq.entries, ent)
	return ent
}

// Entries returns the entries of element h in FIFO order.
func (q *TokenQueues) Entries(h Handle) []*QueueEntry {
	_, eq := q.find(h)
	if eq == nil {
		return nil
	}
	return append([]*QueueEntry(nil), eq.entries...)
}

// Find returns entry id of element h.
func (q *TokenQueues) Find(h Handle, id uint32) *QueueEntry {
	_, eq := q.find(h)
	if eq == nil {
		return nil
	}
	for _, ent := range eq.entries {
		if ent.ID == id {
			return ent
		}
	}
	return nil
}

// Remove drops entry id of element h. An emptied element queue is removed.
func (q *TokenQueues) Remove(h Handle, id uint32) bool {
	i, eq := q.find(h)
	if eq == nil {
		return false
	}
	for j, ent := range eq.entries {
		if ent.ID == id {
			eq.entries = append(eq.entries[:j], eq.entries[j+1:]...)
			if len(eq.entries) == 0 {
				q.queues = append(q.queues[:i], q.queues[i+1:]...)
			}
			return true
		}
	}
	return false
}

// HasPosted reports whether element h has a continuation in flight.
func (q *TokenQueues) HasPosted(h Handle) bool {
	_, eq := q.find(h)
	if eq == nil {
		return false
	}
	for _, ent := range eq.entries {
		if ent.Status == TokenPosted {
			return true
		}
	}
	return false
}

// Purge drops the whole queue of element h and returns the removed entries.
func (q *TokenQueues) Purge(h Handle) []*QueueEntry {
	i, eq := q.find(h)
	if eq == nil {
		return nil
	}
	q.queues = append(q.queues[:i], q.queues[i+1:]...)
	return eq.entries
}

// PurgeAll drops every queue and returns the removed entries.
func (q *TokenQueues) PurgeAll() []*QueueEntry {
	var out []*QueueEntry
	for _, eq := range q.queues {
		out = append(out, eq.entries...)
	}
	q.queues = nil
	return out
}

// Depth returns the number of entries queued for element h.
func (q *TokenQueues) Depth(h Handle) int {
	_, eq := q.find(h)
	if eq == nil {
		return 0
	}
	return len(eq.entries)
}

// Total returns the number of entries across all elements.
func (q *TokenQueues) Total() int {
	n := 0
	for _, eq := range q.queues {
		n += len(eq.entries)
	}
	return n
}
