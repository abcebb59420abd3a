package engine

import (
	"errors"
	"testing"
)

func TestTokenPool_Capture(t *testing.T) {
	p := NewTokenPool(2)
	payload := []byte("abc")

	got, err := p.Capture(Token{Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	payload[0] = 'x'
	if string(got.Payload) != "abc" {
		t.Errorf("expected a deep copy, got %q", got.Payload)
	}
	if _, err := p.Capture(Token{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Capture(Token{}); !errors.Is(err, ErrTokenPoolExhausted) {
		t.Errorf("expected exhaustion, got %v", err)
	}
	if p.InUse() != 2 || p.Capacity() != 2 {
		t.Errorf("expected 2/2 slots, got %d/%d", p.InUse(), p.Capacity())
	}

	p.Release()
	p.Release()
	p.Release()
	if p.InUse() != 0 {
		t.Errorf("expected release to stop at zero, got %d", p.InUse())
	}
}

func TestTokenQueues_FIFOPerElement(t *testing.T) {
	q := NewTokenQueues()
	a1 := q.Enqueue(1, 8, 0, Token{Payload: []byte("a1")})
	b1 := q.Enqueue(2, 16, 0, Token{Payload: []byte("b1")})
	a2 := q.Enqueue(1, 9, 1, Token{Payload: []byte("a2")})

	if a1.ID == a2.ID || a1.ID == b1.ID {
		t.Fatal("expected unique entry ids")
	}
	entries := q.Entries(1)
	if len(entries) != 2 || entries[0] != a1 || entries[1] != a2 {
		t.Fatalf("expected a1 then a2, got %v", entries)
	}
	if entries[0].Status != TokenQueued {
		t.Errorf("expected new entries QUEUED, got %s", entries[0].Status)
	}
	if q.Total() != 3 || q.Depth(1) != 2 || q.Depth(2) != 1 {
		t.Errorf("unexpected depths total=%d 1=%d 2=%d", q.Total(), q.Depth(1), q.Depth(2))
	}
}

func TestTokenQueues_HasPosted(t *testing.T) {
	q := NewTokenQueues()
	ent := q.Enqueue(1, 8, 0, Token{})
	if q.HasPosted(1) {
		t.Error("expected no posted entry")
	}
	ent.Status = TokenPosted
	if !q.HasPosted(1) {
		t.Error("expected a posted entry")
	}
	if q.Find(1, ent.ID) != ent {
		t.Error("expected Find to return the entry")
	}
	if q.Find(2, ent.ID) != nil {
		t.Error("expected no entry under another element")
	}
}

func TestTokenQueues_RemoveDropsEmptyQueue(t *testing.T) {
	q := NewTokenQueues()
	ent := q.Enqueue(1, 8, 0, Token{})
	if !q.Remove(1, ent.ID) {
		t.Fatal("expected entry removed")
	}
	if q.Remove(1, ent.ID) {
		t.Error("expected second removal to report false")
	}
	if q.Entries(1) != nil || q.Total() != 0 {
		t.Error("expected the element queue dropped")
	}
}

func TestTokenQueues_Purge(t *testing.T) {
	q := NewTokenQueues()
	q.Enqueue(1, 8, 0, Token{})
	q.Enqueue(1, 8, 0, Token{})
	q.Enqueue(2, 16, 0, Token{})

	if got := q.Purge(1); len(got) != 2 {
		t.Errorf("expected 2 purged entries, got %d", len(got))
	}
	if q.Depth(1) != 0 || q.Depth(2) != 1 {
		t.Error("expected only element 1 purged")
	}
	if got := q.PurgeAll(); len(got) != 1 {
		t.Errorf("expected 1 remaining entry, got %d", len(got))
	}
	if q.Total() != 0 {
		t.Error("expected empty queues")
	}
}
