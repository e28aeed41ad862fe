package patch

import (
	"sync"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/itree"
)

// Encoder records the mutations of instance trees as operations. It
// implements itree.Observer.
//
// Encoding never fails. Invalid mutations are rejected by the tree before
// they are observed.
type Encoder struct {
	mu  sync.Mutex
	ops []Op
}

var _ itree.Observer = (*Encoder)(nil)

func (e *Encoder) add(op Op) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, op)
}

func (e *Encoder) Created(id itree.ID, typ deftable.TypeID, key string) {
	e.add(CreateNode(typ, id, key))
}

func (e *Encoder) Inserted(parent, child, before itree.ID) {
	e.add(InsertBefore(parent, child, before))
}

func (e *Encoder) Removed(parent, child itree.ID) { e.add(RemoveChild(parent, child)) }

func (e *Encoder) SlotSet(id itree.ID, slot int, value any) { e.add(SetSlot(id, slot, value)) }

func (e *Encoder) SlotsSet(id itree.ID, values []any) { e.add(SetSlots(id, values)) }

// TakePatch returns the recorded operations and clears the buffer, as one
// atomic step. Mutations observed after it go into the next patch.
func (e *Encoder) TakePatch() []Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	ops := e.ops
	e.ops = nil
	return ops
}

// Len returns the number of operations waiting to be taken.
func (e *Encoder) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

// Truncate drops the operations recorded after the first n waiting ones. With
// n taken from Len, it undoes the recording of a mutation that failed halfway.
func (e *Encoder) Truncate(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < len(e.ops) {
		e.ops = e.ops[:n]
	}
}
