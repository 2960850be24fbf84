package gateway

import (
	"github.com/nerrad567/knx-gateway/internal/knx"
)

// Binding ties an attribute to a datapoint on a shared connection.
//
// A *Binding is never mutated after it is stored; its pointer identity is
// what inbound deliveries check to detect a concurrent unlink.
type Binding struct {
	Ref       AttributeRef
	ConfigID  string
	Key       string
	Conn      BusConnection
	Datapoint knx.Datapoint
}

// bindingTable holds at most one binding per attribute per kind.
// It is owned by the engine goroutine.
type bindingTable struct {
	entries map[AttributeRef]*[2]*Binding
}

func newBindingTable() *bindingTable {
	return &bindingTable{entries: make(map[AttributeRef]*[2]*Binding)}
}

func (t *bindingTable) get(ref AttributeRef, kind knx.Kind) *Binding {
	slots, ok := t.entries[ref]
	if !ok {
		return nil
	}
	return slots[kind]
}

// put stores b unless the slot is taken, and reports whether it was stored.
func (t *bindingTable) put(b *Binding) bool {
	slots, ok := t.entries[b.Ref]
	if !ok {
		slots = new([2]*Binding)
		t.entries[b.Ref] = slots
	}
	if slots[b.Datapoint.Kind] != nil {
		return false
	}
	slots[b.Datapoint.Kind] = b
	return true
}

// remove clears one slot and returns what was there.
func (t *bindingTable) remove(ref AttributeRef, kind knx.Kind) *Binding {
	slots, ok := t.entries[ref]
	if !ok {
		return nil
	}
	b := slots[kind]
	slots[kind] = nil
	if slots[knx.KindAction] == nil && slots[knx.KindStatus] == nil {
		delete(t.entries, ref)
	}
	return b
}

func (t *bindingTable) all() []*Binding {
	out := make([]*Binding, 0, len(t.entries)*2)
	for _, slots := range t.entries {
		for _, b := range slots {
			if b != nil {
				out = append(out, b)
			}
		}
	}
	return out
}
