// Package itree implements the authoring-side instance tree.
//
// Nodes live in a flat arena and refer to each other by ID, so the
// parent/child/sibling relations form no pointer cycles, and the tree can be
// addressed with the same integer ids that the patch stream carries. Every
// mutation is reported to an Observer, which is how patches get recorded.
package itree

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/giftline/recon/pkg/deftable"
)

// ID identifies an instance node. The zero ID means "no node".
type ID uint64

// IDSource hands out ids. Ids are assigned monotonically and never reused. An
// IDSource is safe for concurrent use and is typically shared by every tree
// of one coordinator.
type IDSource struct{ last atomic.Uint64 }

// Next returns a fresh id.
func (s *IDSource) Next() ID { return ID(s.last.Add(1)) }

// Last returns the most recently assigned id.
func (s *IDSource) Last() ID { return ID(s.last.Load()) }

// Observer is notified of every mutation of a Tree, in order.
type Observer interface {
	Created(id ID, typ deftable.TypeID, key string)
	Inserted(parent, child, before ID)
	Removed(parent, child ID)
	SlotSet(id ID, slot int, value any)
	SlotsSet(id ID, values []any)
}

// Errors returned by tree mutations.
var (
	ErrUnknownID   = errors.New("unknown or detached node id")
	ErrUnknownType = errors.New("unknown node type")
	ErrSlotRange   = errors.New("slot index out of range")
	ErrSlotCount   = errors.New("wrong number of slot values")
	ErrNotChild    = errors.New("node is not a child of the given parent")
	ErrCycle       = errors.New("insertion would create a cycle")
)

type node struct {
	id     ID
	typ    deftable.TypeID
	key    string
	parent ID
	first  ID
	last   ID
	next   ID
	prev   ID
	attrs  []any
}

// Tree is an instance tree. A Tree is not safe for concurrent use; all
// mutations of one logical update happen on the authoring scheduler.
type Tree struct {
	defs  *deftable.Table
	ids   *IDSource
	obs   Observer
	check func(any) error
	arena []node
	index map[ID]int32
	free  []int32
}

// New creates an empty tree. The observer may be nil.
func New(defs *deftable.Table, ids *IDSource, obs Observer) *Tree {
	return &Tree{defs: defs, ids: ids, obs: obs, index: make(map[ID]int32)}
}

// SetObserver replaces the observer.
func (t *Tree) SetObserver(obs Observer) { t.obs = obs }

// SetValueCheck installs a check run on every attribute value before it is
// stored. A value the check rejects leaves the tree unchanged.
func (t *Tree) SetValueCheck(check func(any) error) { t.check = check }

func (t *Tree) checkValue(id ID, slot int, v any) error {
	if t.check == nil {
		return nil
	}
	if err := t.check(v); err != nil {
		return fmt.Errorf("slot %d of %d: %w", slot, id, err)
	}
	return nil
}

// Len returns the number of live nodes.
func (t *Tree) Len() int { return len(t.index) }

// Contains reports whether id names a live node of this tree.
func (t *Tree) Contains(id ID) bool {
	_, ok := t.index[id]
	return ok
}

func (t *Tree) get(id ID) *node {
	if i, ok := t.index[id]; ok {
		return &t.arena[i]
	}
	return nil
}

// Create creates a detached node of the given type. The key is optional; an
// empty key means the node is unkeyed.
func (t *Tree) Create(typ deftable.TypeID, key string) (ID, error) {
	def, ok := t.defs.Lookup(typ)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	id := t.ids.Next()
	n := node{id: id, typ: typ, key: key, attrs: make([]any, def.NSlots())}
	var i int32
	if len(t.free) > 0 {
		i = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.arena[i] = n
	} else {
		i = int32(len(t.arena))
		t.arena = append(t.arena, n)
	}
	t.index[id] = i
	if t.obs != nil {
		t.obs.Created(id, typ, key)
	}
	return id, nil
}

// InsertBefore inserts child into parent before the sibling before; a zero
// before appends. If child is already attached somewhere, it is moved.
func (t *Tree) InsertBefore(parent, child, before ID) error {
	p, c := t.get(parent), t.get(child)
	if p == nil {
		return fmt.Errorf("parent %d: %w", parent, ErrUnknownID)
	}
	if c == nil {
		return fmt.Errorf("child %d: %w", child, ErrUnknownID)
	}
	if before != 0 {
		b := t.get(before)
		if b == nil {
			return fmt.Errorf("before %d: %w", before, ErrUnknownID)
		}
		if b.parent != parent {
			return fmt.Errorf("before %d: %w", before, ErrNotChild)
		}
		if before == child {
			return nil
		}
	}
	for a := parent; a != 0; a = t.get(a).parent {
		if a == child {
			return ErrCycle
		}
	}
	if c.parent != 0 {
		t.unlink(c)
	}
	t.link(parent, child, before)
	if t.obs != nil {
		t.obs.Inserted(parent, child, before)
	}
	return nil
}

func (t *Tree) unlink(c *node) {
	p := t.get(c.parent)
	if c.prev != 0 {
		t.get(c.prev).next = c.next
	} else {
		p.first = c.next
	}
	if c.next != 0 {
		t.get(c.next).prev = c.prev
	} else {
		p.last = c.prev
	}
	c.parent, c.prev, c.next = 0, 0, 0
}

func (t *Tree) link(parent, child, before ID) {
	p, c := t.get(parent), t.get(child)
	c.parent = parent
	if before == 0 {
		c.prev = p.last
		if p.last != 0 {
			t.get(p.last).next = child
		} else {
			p.first = child
		}
		p.last = child
		return
	}
	b := t.get(before)
	c.prev, c.next = b.prev, before
	if b.prev != 0 {
		t.get(b.prev).next = child
	} else {
		p.first = child
	}
	b.prev = child
}

// RemoveChild detaches child from parent and destroys the subtree rooted at
// child. The ids of the subtree become invalid.
func (t *Tree) RemoveChild(parent, child ID) error {
	c := t.get(child)
	if c == nil || t.get(parent) == nil {
		return ErrUnknownID
	}
	if c.parent != parent {
		return ErrNotChild
	}
	t.unlink(c)
	if t.obs != nil {
		t.obs.Removed(parent, child)
	}
	t.destroy(child)
	return nil
}

// Destroy destroys a detached subtree without reporting it. It is used for
// roots that were never attached anywhere the observer knows about.
func (t *Tree) Destroy(id ID) error {
	n := t.get(id)
	if n == nil {
		return ErrUnknownID
	}
	if n.parent != 0 {
		return fmt.Errorf("node %d is attached: %w", id, ErrNotChild)
	}
	t.destroy(id)
	return nil
}

func (t *Tree) destroy(id ID) {
	n := t.get(id)
	for c := n.first; c != 0; {
		next := t.get(c).next
		t.destroy(c)
		c = next
	}
	i := t.index[id]
	t.arena[i] = node{}
	delete(t.index, id)
	t.free = append(t.free, i)
}

// SetAttribute sets one attribute slot. Setting a value equal to the current
// one, as judged by the slot kind, is a no-op and is not observed.
func (t *Tree) SetAttribute(id ID, slot int, value any) error {
	n := t.get(id)
	if n == nil {
		return fmt.Errorf("%d: %w", id, ErrUnknownID)
	}
	def, _ := t.defs.Lookup(n.typ)
	if slot < 0 || slot >= len(n.attrs) || slot >= def.NSlots() {
		return fmt.Errorf("slot %d of %d: %w", slot, id, ErrSlotRange)
	}
	if def.Equal(slot, n.attrs[slot], value) {
		return nil
	}
	if err := t.checkValue(id, slot, value); err != nil {
		return err
	}
	n.attrs[slot] = value
	if t.obs != nil {
		t.obs.SlotSet(id, slot, value)
	}
	return nil
}

// SetAttributes sets all attribute slots at once. It reports a single
// SlotsSet when more than one slot changes and a SlotSet when exactly one
// does. A nil values slice leaves all slots at their zero value.
func (t *Tree) SetAttributes(id ID, values []any) error {
	n := t.get(id)
	if n == nil {
		return fmt.Errorf("%d: %w", id, ErrUnknownID)
	}
	if values == nil {
		values = make([]any, len(n.attrs))
	}
	def, _ := t.defs.Lookup(n.typ)
	if len(values) != len(n.attrs) || len(values) != def.NSlots() {
		return fmt.Errorf("%d values for %d slots: %w", len(values), len(n.attrs), ErrSlotCount)
	}
	changed, last := 0, -1
	for i, v := range values {
		if def.Equal(i, n.attrs[i], v) {
			continue
		}
		if err := t.checkValue(id, i, v); err != nil {
			return err
		}
		changed++
		last = i
	}
	switch {
	case changed == 0:
		return nil
	case changed == 1:
		n.attrs[last] = values[last]
		if t.obs != nil {
			t.obs.SlotSet(id, last, values[last])
		}
	default:
		copy(n.attrs, values)
		if t.obs != nil {
			t.obs.SlotsSet(id, append([]any(nil), values...))
		}
	}
	return nil
}

// Accessors. They return zero values for unknown ids.

func (t *Tree) Type(id ID) deftable.TypeID {
	if n := t.get(id); n != nil {
		return n.typ
	}
	return 0
}

func (t *Tree) Key(id ID) string {
	if n := t.get(id); n != nil {
		return n.key
	}
	return ""
}

func (t *Tree) Parent(id ID) ID      { return t.rel(id, func(n *node) ID { return n.parent }) }
func (t *Tree) FirstChild(id ID) ID  { return t.rel(id, func(n *node) ID { return n.first }) }
func (t *Tree) LastChild(id ID) ID   { return t.rel(id, func(n *node) ID { return n.last }) }
func (t *Tree) NextSibling(id ID) ID { return t.rel(id, func(n *node) ID { return n.next }) }
func (t *Tree) PrevSibling(id ID) ID { return t.rel(id, func(n *node) ID { return n.prev }) }

func (t *Tree) rel(id ID, f func(*node) ID) ID {
	if n := t.get(id); n != nil {
		return f(n)
	}
	return 0
}

// Attr returns the value of one slot.
func (t *Tree) Attr(id ID, slot int) any {
	if n := t.get(id); n != nil && slot >= 0 && slot < len(n.attrs) {
		return n.attrs[slot]
	}
	return nil
}

// Attrs returns a copy of all slot values.
func (t *Tree) Attrs(id ID) []any {
	if n := t.get(id); n != nil {
		return append([]any(nil), n.attrs...)
	}
	return nil
}

// Children returns the children of id in order.
func (t *Tree) Children(id ID) []ID {
	var ids []ID
	for c := t.FirstChild(id); c != 0; c = t.NextSibling(c) {
		ids = append(ids, c)
	}
	return ids
}
