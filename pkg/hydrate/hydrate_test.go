package hydrate

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/native"
	"github.com/giftline/recon/pkg/native/memhost"
	"github.com/giftline/recon/pkg/testutil"
)

const (
	tBox deftable.TypeID = iota + 1
	tText
	tFrame
	tList
	tImage
)

func kind(k string) func(native.Host) []native.Handle {
	return func(h native.Host) []native.Handle { return []native.Handle{h.Create(k)} }
}

func testDefs(t *testing.T) *deftable.Table {
	t.Helper()
	tab, err := deftable.New(true,
		deftable.MustDef(deftable.Def{Type: tBox, Name: "box", Materialize: kind("box"), Route: deftable.RouteArray}),
		deftable.MustDef(deftable.Def{Type: tText, Name: "text", Materialize: kind("text"),
			Slots: []deftable.Slot{{Name: "text"}, {Name: "color"}}}),
		deftable.MustDef(deftable.Def{Type: tFrame, Name: "frame", Materialize: kind("frame"), Route: deftable.RouteSingle}),
		deftable.MustDef(deftable.Def{Type: tList, Name: "list", Materialize: kind("list"), Route: deftable.RouteVirtualList}),
		deftable.MustDef(deftable.Def{Type: tImage, Name: "image", Materialize: kind("image"),
			Slots: []deftable.Slot{{Name: "src", Kind: deftable.SlotResource}}}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return tab
}

func n(id itree.ID, typ deftable.TypeID, key string, attrs []any, children ...*Node) *Node {
	return &Node{ID: id, Type: typ, Key: key, Attrs: attrs, Children: children}
}

func text(id itree.ID, key, s string) *Node { return n(id, tText, key, []any{s, nil}) }

func sample() *Node {
	return n(1, tBox, "", nil,
		text(2, "a", "A"),
		n(3, tFrame, "", nil, n(4, tImage, "", []any{deftable.ResourceRef("logo.png")})),
		text(5, "c", "C"),
	)
}

func setup(t *testing.T) (*memhost.Host, *Hydrator, *fault.Collector) {
	host := memhost.New()
	faults := &fault.Collector{}
	return host, &Hydrator{Defs: testDefs(t), Host: host, Report: faults.Report}, faults
}

func mount(h *Hydrator, host *memhost.Host, root *Node) {
	h.Hydrate(host.Root(), nil, root)
	h.Stats = Stats{}
	host.ResetCounts()
}

func TestHydrate_RoundTripCreatesNothing(t *testing.T) {
	host, h, faults := setup(t)
	before := sample()
	mount(h, host, before)
	wantDump := host.Dump(host.Root())

	after := Clone(before)
	after.Children[0].ID = 20 // ids do not matter
	h.Hydrate(host.Root(), before, after)

	if c := host.Counts(); c.Created != 0 || c.Destroyed != 0 {
		t.Errorf("host created %d, destroyed %d; want 0, 0", c.Created, c.Destroyed)
	}
	if want := (Stats{Transferred: 5}); h.Stats != want {
		t.Errorf("Stats -> %+v, want %+v", h.Stats, want)
	}
	Walk(before, func(n *Node) {
		if n.Handles != nil {
			t.Errorf("node %d kept its handles", n.ID)
		}
	})
	if got := host.Dump(host.Root()); got != wantDump {
		t.Errorf("dump changed:\n%s\nwant:\n%s", got, wantDump)
	}
	if len(faults.Faults()) != 0 {
		t.Errorf("faults: %v", faults.Faults())
	}
}

func TestHydrate_Mismatch(t *testing.T) {
	host, h, faults := setup(t)
	before := sample()
	mount(h, host, before)
	imageHandle := before.Children[1].Children[0].Root()

	after := Clone(before)
	after.Children[1].Children[0] = text(40, "", "no logo")
	h.Hydrate(host.Root(), before, after)

	if faults.Count(fault.StructuralMismatch) != 1 || h.Stats.Mismatched != 1 {
		t.Errorf("faults -> %v, want one structural mismatch", faults.Faults())
	}
	if h.Stats.Created != 1 || h.Stats.Destroyed != 1 || h.Stats.Transferred != 4 {
		t.Errorf("Stats -> %+v, want 1 created, 1 destroyed, 4 transferred", h.Stats)
	}
	if !imageHandle.(*memhost.Element).Destroyed {
		t.Errorf("mismatched handle not destroyed")
	}
	want := testutil.Dedent(`
		root
		  box
		    text text=A
		    frame
		      text text=no logo
		    text text=C
		`)
	if got := host.Dump(host.Root()); got != want {
		t.Errorf("dump:\n%s\nwant:\n%s", got, want)
	}
}

func TestHydrate_ArrayReorder(t *testing.T) {
	host, h, faults := setup(t)
	before := n(1, tBox, "", nil, text(2, "a", "A"), text(3, "b", "B"), text(4, "c", "C"))
	mount(h, host, before)

	after := n(1, tBox, "", nil,
		text(14, "c", "C"), n(12, tText, "a", []any{"A", "red"}), text(15, "d", "D"), n(16, tImage, "b", nil))
	h.Hydrate(host.Root(), before, after)

	want := testutil.Dedent(`
		root
		  box
		    text text=C
		    text color=red text=A
		    text text=D
		    image
		`)
	if got := host.Dump(host.Root()); got != want {
		t.Errorf("dump:\n%s\nwant:\n%s", got, want)
	}
	if want := (Stats{Transferred: 3, Created: 2, Destroyed: 1, Updated: 1, Mismatched: 1}); h.Stats != want {
		t.Errorf("Stats -> %+v, want %+v", h.Stats, want)
	}
	if faults.Count(fault.StructuralMismatch) != 1 {
		t.Errorf("faults -> %v, want a mismatch for key b", faults.Faults())
	}
}

// listOwner records Lists calls and materializes nothing.
type listOwner struct{ calls []string }

func (o *listOwner) Mounted(n, before *Node) {
	o.calls = append(o.calls, "mounted "+idOrNil(n)+" from "+idOrNil(before))
}
func (o *listOwner) Destroyed(n *Node) { o.calls = append(o.calls, "destroyed "+idOrNil(n)) }

func idOrNil(n *Node) string {
	if n == nil {
		return "nil"
	}
	return string(rune('0' + n.ID))
}

func TestHydrate_VirtualList(t *testing.T) {
	host, h, _ := setup(t)
	owner := &listOwner{}
	h.Lists = owner
	before := n(1, tList, "", nil, text(2, "x", "X"), text(3, "y", "Y"))
	mount(h, host, before)
	// The list resolved only its first item.
	h.Mount(before.Children[0])

	after := n(5, tList, "", nil, text(6, "y", "Y"), text(7, "x", "X2"))
	h.Hydrate(host.Root(), before, after)

	if after.Children[1].Handles == nil || after.Children[0].Handles != nil {
		t.Errorf("only the materialized item x should be transferred")
	}
	if h.Stats.Updated != 1 {
		t.Errorf("Updated -> %d, want 1", h.Stats.Updated)
	}
	want := []string{"mounted 1 from nil", "mounted 5 from 1"}
	if diff := cmp.Diff(want, owner.calls); diff != "" {
		t.Errorf("Lists calls (-want +got):\n%s", diff)
	}

	h.Unmount(host.Root(), after)
	if owner.calls[len(owner.calls)-1] != "destroyed 5" {
		t.Errorf("list destruction not delegated: %v", owner.calls)
	}
}

func TestHydrate_Stale(t *testing.T) {
	host, h, _ := setup(t)
	before := sample()
	mount(h, host, before)

	h.Stale = func(typ deftable.TypeID) bool { return typ == tText }
	h.Hydrate(host.Root(), before, Clone(before))
	if h.Stats.Created != 2 || h.Stats.Destroyed != 2 || h.Stats.Transferred != 3 {
		t.Errorf("Stats -> %+v, want the two texts remounted", h.Stats)
	}
	want := testutil.Dedent(`
		root
		  box
		    text text=A
		    frame
		      image src=logo.png
		    text text=C
		`)
	if got := host.Dump(host.Root()); got != want {
		t.Errorf("dump:\n%s\nwant:\n%s", got, want)
	}
}

func TestFromSnapshot(t *testing.T) {
	tr := itree.New(testDefs(t), &itree.IDSource{}, nil)
	root, _ := tr.Create(tBox, "")
	a, _ := tr.Create(tText, "a")
	tr.SetAttributes(a, []any{"A", nil})
	tr.InsertBefore(root, a, 0)

	got := FromSnapshot(tr.Snapshot(root))
	want := n(root, tBox, "", nil, n(a, tText, "a", []any{"A", nil}))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromSnapshot (-want +got):\n%s", diff)
	}
	if FromSnapshot(nil) != nil {
		t.Errorf("FromSnapshot(nil) -> non-nil")
	}
}
