// Package present implements the presentation-side tree that patches are
// applied to.
//
// Nodes are created by CreateNode operations only and are materialized
// lazily: a node gets native handles when it becomes attached, through
// non-list routes, to the host container, or when a virtual list resolves it
// as an item. The items of virtual lists are managed by a vlist.List per
// mounted list node, so removed items can be recycled.
package present

import (
	"fmt"
	"sort"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/hydrate"
	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/logutil"
	"github.com/giftline/recon/pkg/metrics"
	"github.com/giftline/recon/pkg/native"
	"github.com/giftline/recon/pkg/patch"
	"github.com/giftline/recon/pkg/vlist"
)

var logger = logutil.GetLogger("[present] ")

// Node is a node of the presentation tree.
type Node = hydrate.Node

// Host is what the presentation side needs from the native environment.
type Host interface {
	native.Host
	vlist.Host
}

// Options configures a Tree.
type Options struct {
	Defs *deftable.Table
	Host Host
	// Container is the handle that top-level nodes attach to.
	Container native.Handle
	Report    fault.Reporter
	Recycle   vlist.Config
	// Metrics may be nil.
	Metrics *metrics.Set
	// Ready reports whether a node of a deferred type can be materialized.
	// When nil, deferred list items are materialized by the follow-up of
	// the flush that first met them.
	Ready func(n *Node) bool
}

// Tree is the presentation-side tree. It implements patch.Target. A Tree is
// used by the presentation scheduler only.
type Tree struct {
	opts    Options
	defs    *deftable.Table
	host    Host
	report  fault.Reporter
	metrics *metrics.Set
	hyd     *hydrate.Hydrator

	root    *hydrate.Node
	nodes   map[itree.ID]*hydrate.Node
	parent  map[*hydrate.Node]*hydrate.Node
	lists   map[*hydrate.Node]*vlist.List[*hydrate.Node]
	windows map[itree.ID][2]int

	reloadGen   uint64
	lastSeq     uint64
	opID        uint64
	followingUp bool
	errs        []error
}

var _ patch.Target = (*Tree)(nil)

// New creates an empty Tree.
func New(opts Options) *Tree {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	t := &Tree{
		opts: opts, defs: opts.Defs, host: opts.Host, metrics: m,
		report:  fault.Tee(m.ReportFault, opts.Report),
		root:    &hydrate.Node{Handles: []native.Handle{opts.Container}},
		nodes:   make(map[itree.ID]*hydrate.Node),
		parent:  make(map[*hydrate.Node]*hydrate.Node),
		lists:   make(map[*hydrate.Node]*vlist.List[*hydrate.Node]),
		windows: make(map[itree.ID][2]int),
	}
	t.hyd = &hydrate.Hydrator{Defs: opts.Defs, Host: opts.Host, Report: t.report, Lists: listHooks{t}}
	return t
}

func malformed(id itree.ID, format string, args ...any) error {
	return &fault.Fault{Kind: fault.Malformed, ID: uint64(id), Message: fmt.Sprintf(format, args...)}
}

// Has implements patch.Target.
func (t *Tree) Has(id itree.ID) bool {
	_, ok := t.nodes[id]
	return ok
}

// Node returns the node with the given id, or nil.
func (t *Tree) Node(id itree.ID) *hydrate.Node { return t.nodes[id] }

// Len returns the number of registered nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// TopLevel returns the nodes attached to the container.
func (t *Tree) TopLevel() []*hydrate.Node { return t.root.Children }

// List returns the list of a mounted virtual list node, or nil.
func (t *Tree) List(id itree.ID) *vlist.List[*hydrate.Node] {
	if n := t.nodes[id]; n != nil {
		return t.lists[n]
	}
	return nil
}

// Generation returns the generation of the last applied reload.
func (t *Tree) Generation() uint64 { return t.reloadGen }

func (t *Tree) lookup(id itree.ID) *hydrate.Node {
	if id == 0 {
		return t.root
	}
	return t.nodes[id]
}

func (t *Tree) route(n *hydrate.Node) deftable.ChildRoute {
	if n == t.root {
		return deftable.RouteArray
	}
	if def, ok := t.defs.Lookup(n.Type); ok {
		return def.Route
	}
	return deftable.RouteNone
}

func (t *Tree) mounted(n *hydrate.Node) bool { return n.Handles != nil }

// attachOf returns the handle the children of a mounted node attach to.
func (t *Tree) attachOf(n *hydrate.Node) native.Handle {
	if n == t.root {
		return t.opts.Container
	}
	def, _ := t.defs.Lookup(n.Type)
	return n.Handles[def.Attach]
}

// Create implements patch.Target.
func (t *Tree) Create(typ deftable.TypeID, id itree.ID, key string) error {
	def, ok := t.defs.Lookup(typ)
	if !ok {
		return malformed(id, "unknown type %d", typ)
	}
	t.nodes[id] = &hydrate.Node{ID: id, Type: typ, Key: key, Attrs: make([]any, def.NSlots())}
	return nil
}

// InsertBefore implements patch.Target. A node that is already attached is
// moved, keeping its resources where possible.
func (t *Tree) InsertBefore(parentID, childID, beforeID itree.ID) error {
	p, c := t.lookup(parentID), t.nodes[childID]
	var b *hydrate.Node
	if beforeID != 0 {
		b = t.nodes[beforeID]
		if t.parent[b] != p {
			return malformed(beforeID, "not a child of %d", parentID)
		}
		if b == c {
			return nil
		}
	}
	route := t.route(p)
	if route == deftable.RouteNone {
		return malformed(parentID, "type %d takes no children", p.Type)
	}
	for a := p; a != nil; a = t.parent[a] {
		if a == c {
			return malformed(childID, "inserting into %d would create a cycle", parentID)
		}
	}
	old := t.parent[c]
	if route == deftable.RouteSingle && len(p.Children) > 0 && old != p {
		return malformed(parentID, "single child route already holds %d", p.Children[0].ID)
	}
	if old == p {
		return t.move(p, c, b)
	}
	if old != nil {
		t.detach(old, c)
	}
	return t.insert(p, c, b)
}

func (t *Tree) insert(p, c, b *hydrate.Node) error {
	i := len(p.Children)
	if b != nil {
		i = indexOf(p.Children, b)
	}
	if l := t.lists[p]; l != nil {
		if err := l.Insert(i, c, c.Key); err != nil {
			t.hyd.Unmount(nil, c)
			return err
		}
		p.Children = insertAt(p.Children, i, c)
		t.parent[c] = p
		return nil
	}
	p.Children = insertAt(p.Children, i, c)
	t.parent[c] = p
	if !t.mounted(p) || t.route(p) == deftable.RouteVirtualList {
		// Nothing is materialized below unmounted nodes.
		t.hyd.Unmount(nil, c)
		return nil
	}
	if !t.mounted(c) {
		t.hyd.Mount(c)
	}
	if root := c.Root(); root != nil {
		t.host.Attach(t.attachOf(p), root, b.Root())
	}
	return nil
}

func (t *Tree) move(p, c, b *hydrate.Node) error {
	from := indexOf(p.Children, c)
	p.Children = removeAt(p.Children, from)
	to := len(p.Children)
	if b != nil {
		to = indexOf(p.Children, b)
	}
	p.Children = insertAt(p.Children, to, c)
	if l := t.lists[p]; l != nil {
		return l.Move(from, to)
	}
	if t.mounted(p) && c.Root() != nil {
		t.host.Attach(t.attachOf(p), c.Root(), b.Root())
	}
	return nil
}

// detach removes c from p, keeping the resources of c.
func (t *Tree) detach(p, c *hydrate.Node) {
	i := indexOf(p.Children, c)
	if l := t.lists[p]; l != nil {
		l.Detach(i)
	} else if t.mounted(p) && c.Root() != nil {
		t.host.Detach(t.attachOf(p), c.Root())
	}
	p.Children = removeAt(p.Children, i)
	delete(t.parent, c)
}

// RemoveChild implements patch.Target. The subtree of child is destroyed,
// unless child is an item of a virtual list that parks it for recycling.
// Either way its ids become unknown.
func (t *Tree) RemoveChild(parentID, childID itree.ID) error {
	p, c := t.lookup(parentID), t.nodes[childID]
	if t.parent[c] != p {
		return malformed(childID, "not a child of %d", parentID)
	}
	i := indexOf(p.Children, c)
	p.Children = removeAt(p.Children, i)
	delete(t.parent, c)
	if l := t.lists[p]; l != nil {
		if _, err := l.Remove(i); err != nil {
			return err
		}
	} else if t.mounted(c) {
		t.hyd.Unmount(t.attachOf(p), c)
	}
	t.unregister(c)
	return nil
}

func (t *Tree) unregister(n *hydrate.Node) {
	hydrate.Walk(n, func(d *hydrate.Node) {
		delete(t.nodes, d.ID)
		if d != n {
			delete(t.parent, d)
		}
	})
}

// SetSlot implements patch.Target.
func (t *Tree) SetSlot(id itree.ID, slot int, value any) error {
	n := t.nodes[id]
	def, _ := t.defs.Lookup(n.Type)
	if slot < 0 || slot >= def.NSlots() {
		return malformed(id, "slot %d out of range", slot)
	}
	old := n.Attrs[slot]
	n.Attrs[slot] = value
	if t.mounted(n) {
		def.Update(t.host, n.Handles, slot, old, value)
	}
	return nil
}

// SetSlots implements patch.Target.
func (t *Tree) SetSlots(id itree.ID, values []any) error {
	n := t.nodes[id]
	def, _ := t.defs.Lookup(n.Type)
	if values == nil {
		values = make([]any, def.NSlots())
	}
	if len(values) != def.NSlots() {
		return malformed(id, "%d values for %d slots", len(values), def.NSlots())
	}
	for i, v := range values {
		old := n.Attrs[i]
		if def.Equal(i, old, v) {
			continue
		}
		n.Attrs[i] = v
		if t.mounted(n) {
			def.Update(t.host, n.Handles, i, old, v)
		}
	}
	return nil
}

// SetWindow sets the visible window of a virtual list. It takes effect on the
// next flush and survives remounts of the list node.
func (t *Tree) SetWindow(id itree.ID, lo, hi int) {
	t.windows[id] = [2]int{lo, hi}
	if l := t.List(id); l != nil {
		l.SetWindow(lo, hi)
	}
}

func indexOf(ns []*hydrate.Node, n *hydrate.Node) int {
	for i, x := range ns {
		if x == n {
			return i
		}
	}
	return -1
}

func insertAt(ns []*hydrate.Node, i int, n *hydrate.Node) []*hydrate.Node {
	ns = append(ns, nil)
	copy(ns[i+1:], ns[i:])
	ns[i] = n
	return ns
}

func removeAt(ns []*hydrate.Node, i int) []*hydrate.Node {
	return append(ns[:i], ns[i+1:]...)
}

// sortedLists returns the mounted lists ordered by node id.
func (t *Tree) sortedLists() []*hydrate.Node {
	ns := make([]*hydrate.Node, 0, len(t.lists))
	for n := range t.lists {
		ns = append(ns, n)
	}
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
	return ns
}
