package engine

import (
	"fmt"

	"github.com/vireflow/vire/pkg/wiring"
)

// RegistryEntry is one element of the running graph.
type RegistryEntry struct {
	Key    wiring.ElementKey
	Handle Handle
	Mark   Mark
}

// Registry mirrors which elements exist in the running graph. Entries
// keep insertion order.
type Registry struct {
	entries []RegistryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Len returns the number of registered elements.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Discover looks key up. An exact match is marked MARKED and its handle
// returned.
func (r *Registry) Discover(key wiring.ElementKey) (Discovery, Handle) {
	result := NoInstance
	for i := range r.entries {
		e := &r.entries[i]
		if e.Key == key {
			e.Mark = Marked
			return ThisInstance, e.Handle
		}
		if e.Key.Template == key.Template {
			result = AnotherInstance
		}
	}
	return result, 0
}

// Add registers an element. Keys and handles must be unique.
func (r *Registry) Add(key wiring.ElementKey, h Handle, mark Mark) error {
	for _, e := range r.entries {
		if e.Key == key {
			return fmt.Errorf("element %s already registered as handle %d", key, e.Handle)
		}
		if e.Handle == h {
			return fmt.Errorf("handle %d already registered to %s", h, e.Key)
		}
	}
	r.entries = append(r.entries, RegistryEntry{Key: key, Handle: h, Mark: mark})
	return nil
}

// Remove unregisters the element with handle h.
func (r *Registry) Remove(h Handle) bool {
	for i, e := range r.entries {
		if e.Handle == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the entry registered under key.
func (r *Registry) Lookup(key wiring.ElementKey) (RegistryEntry, bool) {
	for _, e := range r.entries {
		if e.Key == key {
			return e, true
		}
	}
	return RegistryEntry{}, false
}

// ByHandle returns the entry registered under handle h.
func (r *Registry) ByHandle(h Handle) (RegistryEntry, bool) {
	for _, e := range r.entries {
		if e.Handle == h {
			return e, true
		}
	}
	return RegistryEntry{}, false
}

// Entries returns a copy of all entries.
func (r *Registry) Entries() []RegistryEntry {
	return append([]RegistryEntry(nil), r.entries...)
}

// WithMark returns a copy of the entries carrying mark m.
func (r *Registry) WithMark(m Mark) []RegistryEntry {
	var out []RegistryEntry
	for _, e := range r.entries {
		if e.Mark == m {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.entries = nil
}

// Rows returns the persisted form of the entries carrying mark m.
func (r *Registry) Rows(m Mark) []wiring.ElementRow {
	rows := make([]wiring.ElementRow, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Mark == m {
			rows = append(rows, wiring.ElementRow{Key: e.Key, Handle: uint8(e.Handle)})
		}
	}
	return rows
}

// Load replaces the entries with rows, giving each the mark m.
func (r *Registry) Load(rows []wiring.ElementRow, m Mark) error {
	r.entries = r.entries[:0]
	for _, row := range rows {
		if err := r.Add(row.Key, Handle(row.Handle), m); err != nil {
			r.entries = nil
			return err
		}
	}
	return nil
}
