// Package deftable keeps per-type metadata shared by the authoring and the
// presentation side: how to materialize a node, what each attribute slot
// means and how it is updated, and where children attach.
//
// Update functions are resolved once when a Def is created, from the closed
// set of slot kinds; nothing on the patch path inspects values to find out
// how to apply them.
package deftable

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/giftline/recon/pkg/native"
)

// TypeID identifies a node type.
type TypeID uint32

// SlotKind is the kind of an attribute slot.
type SlotKind uint8

const (
	// SlotValue is a leaf value set as a single native attribute. Compared
	// structurally.
	SlotValue SlotKind = iota
	// SlotSpread is a map[string]any spreading into several native
	// attributes. Compared shallowly.
	SlotSpread
	// SlotEvent is an event binding holding an EventRef. Compared by
	// identity.
	SlotEvent
	// SlotResource is a reference to an external resource holding a
	// ResourceRef. Compared by identity.
	SlotResource
)

func (k SlotKind) String() string {
	switch k {
	case SlotValue:
		return "value"
	case SlotSpread:
		return "spread"
	case SlotEvent:
		return "event"
	case SlotResource:
		return "resource"
	default:
		return fmt.Sprintf("slotkind(%d)", k)
	}
}

// Equal reports whether two values of a slot of this kind are equal, using
// the comparison the kind calls for.
func (k SlotKind) Equal(a, b any) bool {
	switch k {
	case SlotSpread:
		return shallowEqual(a, b)
	case SlotEvent, SlotResource:
		return identical(a, b)
	default:
		return reflect.DeepEqual(a, b)
	}
}

// EventRef names an event handler registered with the host. Binding only
// carries the name across the boundary; dispatch is the host's business.
type EventRef string

// ResourceRef names an external resource, such as an image or a stream.
type ResourceRef string

// ChildRoute describes how the children of a node type are organized.
type ChildRoute uint8

const (
	// RouteNone means the type has no children.
	RouteNone ChildRoute = iota
	// RouteSingle means the type has at most one child.
	RouteSingle
	// RouteArray means the type has a homogeneous array of children.
	RouteArray
	// RouteVirtualList means the children are items of a virtualized list.
	RouteVirtualList
)

func (r ChildRoute) String() string {
	switch r {
	case RouteNone:
		return "none"
	case RouteSingle:
		return "single"
	case RouteArray:
		return "array"
	case RouteVirtualList:
		return "virtual-list"
	default:
		return fmt.Sprintf("route(%d)", r)
	}
}

// Updater applies a new slot value to the materialized handles of a node.
// The old value is the one last applied, or nil on first application.
type Updater func(host native.Host, handles []native.Handle, old, new any)

// Slot describes one attribute slot.
type Slot struct {
	Name string
	Kind SlotKind
	// Index of the handle the slot applies to.
	Index int
	// Update overrides the default updater of the kind.
	Update Updater
}

// Def is the definition of a node type.
type Def struct {
	Type TypeID
	Name string
	// Materialize creates the native handles of a node. The first handle is
	// the one attached to the parent.
	Materialize func(host native.Host) []native.Handle
	Slots       []Slot
	Route       ChildRoute
	// Attach is the index of the handle children attach to.
	Attach int
	// Deferred marks types whose materialization is not available
	// synchronously when resolved as list items.
	Deferred bool

	updaters []Updater
}

// Errors returned when building definitions and tables.
var (
	ErrNoMaterialize    = errors.New("definition has no Materialize function")
	ErrDuplicateType    = errors.New("duplicate type")
	ErrUnknownType      = errors.New("unknown type")
	ErrHotPatchDisabled = errors.New("redefinition requires debug mode")
	ErrBadSlotKind      = errors.New("bad slot kind")
	ErrSlotMismatch     = errors.New("redefinition changes the slot count")
)

// NewDef validates a definition and resolves its updaters.
func NewDef(d Def) (*Def, error) {
	if d.Materialize == nil {
		return nil, fmt.Errorf("%s: %w", d.Name, ErrNoMaterialize)
	}
	d.Slots = append([]Slot(nil), d.Slots...)
	d.updaters = make([]Updater, len(d.Slots))
	for i, s := range d.Slots {
		if s.Update != nil {
			d.updaters[i] = s.Update
			continue
		}
		u, err := defaultUpdater(s)
		if err != nil {
			return nil, fmt.Errorf("%s slot %d: %w", d.Name, i, err)
		}
		d.updaters[i] = u
	}
	return &d, nil
}

// MustDef is like NewDef but panics on error. It is intended for static
// definition tables.
func MustDef(d Def) *Def {
	def, err := NewDef(d)
	if err != nil {
		panic(err)
	}
	return def
}

// NSlots returns the number of attribute slots.
func (d *Def) NSlots() int { return len(d.Slots) }

// Equal compares two values of slot i.
func (d *Def) Equal(i int, a, b any) bool { return d.Slots[i].Kind.Equal(a, b) }

// Update applies a new value of slot i to handles.
func (d *Def) Update(host native.Host, handles []native.Handle, i int, old, new any) {
	d.updaters[i](host, handles, old, new)
}

func defaultUpdater(s Slot) (Updater, error) {
	name, idx := s.Name, s.Index
	switch s.Kind {
	case SlotValue, SlotEvent, SlotResource:
		return func(host native.Host, hs []native.Handle, _, v any) {
			host.SetAttribute(hs[idx], name, v)
		}, nil
	case SlotSpread:
		return func(host native.Host, hs []native.Handle, old, v any) {
			om, _ := old.(map[string]any)
			nm, _ := v.(map[string]any)
			for k := range om {
				if _, ok := nm[k]; !ok {
					host.SetAttribute(hs[idx], k, nil)
				}
			}
			for _, k := range sortedKeys(nm) {
				if ov, ok := om[k]; !ok || !reflect.DeepEqual(ov, nm[k]) {
					host.SetAttribute(hs[idx], k, nm[k])
				}
			}
		}, nil
	default:
		return nil, ErrBadSlotKind
	}
}

// Table maps type ids to definitions. A Table is safe for concurrent use; it
// is read by both schedulers.
type Table struct {
	debug bool
	mu    sync.Mutex // serializes Redefine
	defs  atomic.Pointer[map[TypeID]*Def]
}

// New creates a table from the given definitions. When debug is true, the
// table accepts Redefine.
func New(debug bool, defs ...*Def) (*Table, error) {
	m := make(map[TypeID]*Def, len(defs))
	for _, d := range defs {
		if _, dup := m[d.Type]; dup {
			return nil, fmt.Errorf("%w: %d (%s)", ErrDuplicateType, d.Type, d.Name)
		}
		m[d.Type] = d
	}
	t := &Table{debug: debug}
	t.defs.Store(&m)
	return t, nil
}

// Lookup finds the definition of a type.
func (t *Table) Lookup(id TypeID) (*Def, bool) {
	d, ok := (*t.defs.Load())[id]
	return d, ok
}

// Types returns all known type ids in ascending order.
func (t *Table) Types() []TypeID {
	m := *t.defs.Load()
	ids := make([]TypeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Redefine replaces the definition of an existing type. It is only allowed in
// debug mode, and the new definition must have as many slots as the old one,
// since live instances keep their attribute vectors. Readers see either the
// old or the new table, never a mix.
func (t *Table) Redefine(d *Def) error {
	if !t.debug {
		return ErrHotPatchDisabled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.defs.Load()
	prev, ok := old[d.Type]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, d.Type)
	}
	if prev.NSlots() != d.NSlots() {
		return fmt.Errorf("%w: %s has %d slots, was %d", ErrSlotMismatch, d.Name, d.NSlots(), prev.NSlots())
	}
	m := make(map[TypeID]*Def, len(old))
	for k, v := range old {
		m[k] = v
	}
	m[d.Type] = d
	t.defs.Store(&m)
	return nil
}

func shallowEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if !aok || !bok {
		return identical(a, b)
	}
	if len(am) != len(bm) {
		return false
	}
	for k, av := range am {
		bv, ok := bm[k]
		if !ok || !identical(av, bv) {
			return false
		}
	}
	return true
}

// identical compares by identity: == for comparable values, pointer identity
// for the rest.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer() && (va.Kind() != reflect.Slice || va.Len() == vb.Len())
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
