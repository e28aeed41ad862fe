package present

import (
	"github.com/giftline/recon/pkg/hydrate"
	"github.com/giftline/recon/pkg/native"
	"github.com/giftline/recon/pkg/vlist"
)

// listHooks gives every mounted virtual list node a vlist.List.
type listHooks struct{ t *Tree }

func nodeKey(n *hydrate.Node) string { return n.Key }

func (h listHooks) Mounted(n, before *hydrate.Node) {
	t := h.t
	def, _ := t.defs.Lookup(n.Type)
	l := vlist.New[*hydrate.Node](uint64(n.ID), n.Handles[def.Attach], t.host, itemOps{t}, t.opts.Recycle)
	if before != nil {
		if w, ok := t.windows[before.ID]; ok && before.ID != n.ID {
			t.windows[n.ID] = w
			delete(t.windows, before.ID)
		}
	}
	if w, ok := t.windows[n.ID]; ok {
		l.SetWindow(w[0], w[1])
	}
	t.keep(t.reportErrs("load", l.Load(n.Children, nodeKey)))
	if old := t.lists[before]; before != nil && old != nil {
		l.Adopt(old)
		delete(t.lists, before)
	}
	t.lists[n] = l
}

func (h listHooks) Destroyed(n *hydrate.Node) {
	if l := h.t.lists[n]; l != nil {
		l.Destroy()
		delete(h.t.lists, n)
	}
}

// itemOps manages the resources of list items, which are presentation
// nodes.
type itemOps struct{ t *Tree }

func (o itemOps) Handle(n *hydrate.Node) native.Handle { return n.Root() }

func (o itemOps) Ready(n *hydrate.Node) bool {
	def, ok := o.t.defs.Lookup(n.Type)
	switch {
	case !ok || !def.Deferred:
		return true
	case o.t.opts.Ready != nil:
		return o.t.opts.Ready(n)
	}
	return o.t.followingUp
}

func (o itemOps) Materialize(n *hydrate.Node) native.Handle {
	o.t.metrics.Materialized.Inc()
	return o.t.hyd.Mount(n)
}

func (o itemOps) Revive(n, parked *hydrate.Node) native.Handle {
	if n != parked {
		o.t.hyd.Hydrate(nil, parked, n)
		o.t.metrics.Hydrations.Inc()
	}
	native.Resume(o.t.host, n.Root())
	o.t.metrics.Recycled.Inc()
	return n.Root()
}

func (o itemOps) Park(n *hydrate.Node) { native.Pause(o.t.host, n.Root()) }

func (o itemOps) Destroy(n *hydrate.Node) { o.t.hyd.Unmount(nil, n) }
