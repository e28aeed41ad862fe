// Package hydrate moves materialized native resources from one tree onto a
// structurally aligned tree, instead of destroying and recreating them.
//
// Alignment is by structural position, not by id: single children align one
// to one, arrays of children are aligned with the array reconciler, and the
// items of virtual lists are aligned likewise but left to their owner for
// everything that is not transferred. Where types differ at an aligned
// position, the fresh subtree is mounted from scratch and the old one is
// destroyed; nothing else is affected.
package hydrate

import (
	"fmt"

	"github.com/giftline/recon/pkg/arrdiff"
	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/native"
)

// Node is a node of a presentation tree. Handles is nil for nodes that are
// not materialized.
type Node struct {
	ID       itree.ID
	Type     deftable.TypeID
	Key      string
	Attrs    []any
	Children []*Node
	Handles  []native.Handle
}

// Root returns the handle of n attached to its parent, or nil.
func (n *Node) Root() native.Handle {
	if n == nil || len(n.Handles) == 0 {
		return nil
	}
	return n.Handles[0]
}

func (n *Node) attr(i int) any {
	if i < len(n.Attrs) {
		return n.Attrs[i]
	}
	return nil
}

// Lists is implemented by the owner of virtual lists. The items of a virtual
// list are materialized lazily by their list, so the owner takes over where
// the hydrator stops.
type Lists interface {
	// Mounted is called when a virtual list node has got its handles. before
	// is the node the handles were transferred from, or nil. Items of before
	// that still hold handles were not transferred.
	Mounted(n, before *Node)
	// Destroyed is called when the handles of a virtual list node are about
	// to be destroyed. The owner destroys the resources of the items.
	Destroyed(n *Node)
}

// Stats counts what hydration did.
type Stats struct {
	// Transferred counts nodes whose handles were moved.
	Transferred int
	// Created and Destroyed count native handles.
	Created   int
	Destroyed int
	// Updated counts slot updaters run on transferred nodes.
	Updated    int
	Mismatched int
}

// Hydrator hydrates trees. The zero value is not usable; Defs and Host are
// required.
type Hydrator struct {
	Defs   *deftable.Table
	Host   native.Host
	Report fault.Reporter
	// Lists may be nil, in which case the hydrator destroys list items that
	// are not transferred.
	Lists Lists
	// Stale, if not nil, marks types whose instances are remounted even when
	// they align.
	Stale func(deftable.TypeID) bool

	Stats Stats
}

func (h *Hydrator) report(f *fault.Fault) {
	if h.Report != nil {
		h.Report(f)
	}
}

func (h *Hydrator) def(n *Node) *deftable.Def {
	def, ok := h.Defs.Lookup(n.Type)
	if !ok {
		h.report(&fault.Fault{Kind: fault.Malformed, Op: "hydrate", ID: uint64(n.ID),
			Message: fmt.Sprintf("unknown type %d", n.Type)})
	}
	return def
}

// Hydrate transfers the resources of before to after. The root of before, if
// materialized, must be attached to parent; the root of after takes its
// place. If before is nil or not materialized, after is mounted and appended
// to parent. A nil parent means the roots are not attached by the hydrator,
// as for list items.
func (h *Hydrator) Hydrate(parent native.Handle, before, after *Node) {
	if h.hydrate(parent, before, after) && parent != nil {
		if root := after.Root(); root != nil {
			h.Host.Attach(parent, root, nil)
		}
	}
}

// HydrateChildren hydrates an array of children attached to parent, which
// must be materialized.
func (h *Hydrator) HydrateChildren(parent native.Handle, before, after []*Node) {
	h.hydrateArray(parent, before, after)
}

// hydrate reports whether the root of after still has to be attached.
func (h *Hydrator) hydrate(parent native.Handle, before, after *Node) bool {
	switch {
	case before == nil || before.Handles == nil:
		h.Mount(after)
		return true
	case before.Type != after.Type:
		h.Stats.Mismatched++
		h.report(&fault.Fault{Kind: fault.StructuralMismatch, Op: "hydrate", ID: uint64(after.ID),
			Message: fmt.Sprintf("type %d where %d was materialized", after.Type, before.Type)})
		h.replace(parent, before, after)
		return false
	case h.Stale != nil && h.Stale(after.Type):
		h.replace(parent, before, after)
		return false
	}
	def := h.def(after)
	if def == nil {
		h.Unmount(parent, before)
		return false
	}
	after.Handles, before.Handles = before.Handles, nil
	h.Stats.Transferred++
	for i := 0; i < def.NSlots(); i++ {
		if old, new := before.attr(i), after.attr(i); !def.Equal(i, old, new) {
			def.Update(h.Host, after.Handles, i, old, new)
			h.Stats.Updated++
		}
	}
	attach := after.Handles[def.Attach]
	switch def.Route {
	case deftable.RouteSingle:
		var b, a *Node
		if len(before.Children) > 0 {
			b = before.Children[0]
		}
		if len(after.Children) > 0 {
			a = after.Children[0]
		}
		switch {
		case a == nil:
			h.Unmount(attach, b)
		case h.hydrate(attach, b, a):
			if root := a.Root(); root != nil {
				h.Host.Attach(attach, root, nil)
			}
		}
	case deftable.RouteArray:
		h.hydrateArray(attach, before.Children, after.Children)
	case deftable.RouteVirtualList:
		h.hydrateList(before, after)
	}
	return false
}

// replace mounts after in place of before and destroys before.
func (h *Hydrator) replace(parent native.Handle, before, after *Node) {
	root := h.Mount(after)
	if parent != nil && root != nil {
		h.Host.Attach(parent, root, before.Root())
	}
	h.Unmount(parent, before)
}

func ident(n *Node) (uint32, string) { return uint32(n.Type), n.Key }

func (h *Hydrator) hydrateArray(parent native.Handle, before, after []*Node) {
	r := arrdiff.Diff(arrdiff.Idents(before, ident), arrdiff.Idents(after, ident))

	removedByKey := make(map[string]*Node)
	for _, j := range r.Removed {
		if b := before[j]; b.Key != "" {
			removedByKey[b.Key] = b
		}
	}
	for i, e := range r.Entries {
		if e.Kind != arrdiff.Inserted {
			continue
		}
		if b := removedByKey[after[i].Key]; b != nil && b.Type != after[i].Type {
			h.Stats.Mismatched++
			h.report(&fault.Fault{Kind: fault.StructuralMismatch, Op: "hydrate", ID: uint64(after[i].ID),
				Message: fmt.Sprintf("key %q changed type from %d to %d", b.Key, b.Type, after[i].Type)})
		}
	}
	for _, j := range r.Removed {
		h.Unmount(parent, before[j])
	}

	unplaced := make([]bool, len(after))
	for i, e := range r.Entries {
		if e.Kind == arrdiff.Inserted {
			h.Mount(after[i])
			unplaced[i] = true
		} else {
			unplaced[i] = h.hydrate(parent, before[e.From], after[i]) || e.Kind == arrdiff.Moved
		}
	}
	// Right to left, so that the anchor is always in its final place.
	for i := len(after) - 1; i >= 0; i-- {
		root := after[i].Root()
		if !unplaced[i] || root == nil {
			continue
		}
		var anchor native.Handle
		for k := i + 1; k < len(after) && anchor == nil; k++ {
			anchor = after[k].Root()
		}
		h.Host.Attach(parent, root, anchor)
	}
}

func (h *Hydrator) hydrateList(before, after *Node) {
	r := arrdiff.Diff(arrdiff.Idents(before.Children, ident), arrdiff.Idents(after.Children, ident))
	for i, e := range r.Entries {
		if e.Kind == arrdiff.Inserted {
			continue
		}
		if b := before.Children[e.From]; b.Handles != nil {
			h.hydrate(nil, b, after.Children[i])
		}
	}
	if h.Lists != nil {
		h.Lists.Mounted(after, before)
		return
	}
	for _, b := range before.Children {
		h.destroy(b)
	}
}

// Mount materializes n and its descendants, except the items of virtual
// lists, and returns the root handle. The root is not attached.
func (h *Hydrator) Mount(n *Node) native.Handle {
	def := h.def(n)
	if def == nil {
		return nil
	}
	n.Handles = def.Materialize(h.Host)
	h.Stats.Created += len(n.Handles)
	for i := 0; i < def.NSlots(); i++ {
		if v := n.attr(i); v != nil {
			def.Update(h.Host, n.Handles, i, nil, v)
		}
	}
	switch def.Route {
	case deftable.RouteSingle, deftable.RouteArray:
		for _, c := range n.Children {
			if root := h.Mount(c); root != nil {
				h.Host.Attach(n.Handles[def.Attach], root, nil)
			}
		}
	case deftable.RouteVirtualList:
		if h.Lists != nil {
			h.Lists.Mounted(n, nil)
		}
	}
	return n.Root()
}

// Unmount detaches n from parent, if parent is not nil, and destroys the
// handles of n and its descendants.
func (h *Hydrator) Unmount(parent native.Handle, n *Node) {
	if n == nil || n.Handles == nil {
		return
	}
	if parent != nil {
		h.Host.Detach(parent, n.Root())
	}
	h.destroy(n)
}

func (h *Hydrator) destroy(n *Node) {
	if n.Handles == nil {
		return
	}
	def, _ := h.Defs.Lookup(n.Type)
	if def != nil && def.Route == deftable.RouteVirtualList && h.Lists != nil {
		h.Lists.Destroyed(n)
	} else {
		for _, c := range n.Children {
			h.destroy(c)
		}
	}
	for _, hd := range n.Handles {
		h.Host.Destroy(hd)
	}
	h.Stats.Destroyed += len(n.Handles)
	n.Handles = nil
}
