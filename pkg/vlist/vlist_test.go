package vlist

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/native"
	"github.com/giftline/recon/pkg/native/memhost"
	"github.com/giftline/recon/pkg/testutil"
)

type item struct {
	name    string
	blocked bool
	h       native.Handle
}

// fakeItems materializes items as memhost elements and counts calls.
type fakeItems struct {
	host                                  *memhost.Host
	materialized, revived, parked, killed int
}

func (f *fakeItems) Handle(it *item) native.Handle { return it.h }
func (f *fakeItems) Ready(it *item) bool           { return !it.blocked }

func (f *fakeItems) Materialize(it *item) native.Handle {
	f.materialized++
	it.h = f.host.Create("row")
	f.host.SetAttribute(it.h, "name", it.name)
	return it.h
}

func (f *fakeItems) Revive(it, parked *item) native.Handle {
	f.revived++
	if it != parked {
		it.h, parked.h = parked.h, nil
		f.host.SetAttribute(it.h, "name", it.name)
	}
	f.host.Resume(it.h)
	return it.h
}

func (f *fakeItems) Park(it *item) {
	f.parked++
	f.host.Pause(it.h)
}

func (f *fakeItems) Destroy(it *item) {
	f.killed++
	f.host.Destroy(it.h)
	it.h = nil
}

func setup(cfg Config) (*memhost.Host, *fakeItems, *List[*item]) {
	host := memhost.New()
	items := &fakeItems{host: host}
	h := host.Create("list")
	host.Attach(host.Root(), h, nil)
	return host, items, New[*item](1, h, host, items, cfg)
}

func mustInsert(t *testing.T, l *List[*item], i int, it *item, key string) {
	t.Helper()
	if err := l.Insert(i, it, key); err != nil {
		t.Fatal(err)
	}
}

func TestList_RecycleInOneFlush(t *testing.T) {
	host, items, l := setup(Config{Window: 1})
	for i, k := range []string{"row-0", "row-1", "row-2"} {
		mustInsert(t, l, i, &item{name: k}, k)
	}
	if r, _ := l.Flush(1); r.Materialized != 3 {
		t.Fatalf("first Flush materialized %d, want 3", r.Materialized)
	}
	host.ResetCounts()
	*items = fakeItems{host: host}

	if parked, _ := l.Remove(1); !parked {
		t.Errorf("Remove of a keyed live item did not park it")
	}
	mustInsert(t, l, 1, &item{name: "row-1 again"}, "row-1")
	r, err := l.Flush(2)
	if err != nil {
		t.Fatal(err)
	}
	want := Result{OpID: 2, Kept: 2, Revived: 1}
	if r != want {
		t.Errorf("Flush -> %+v, want %+v", r, want)
	}
	if items.materialized != 0 || items.killed != 0 || items.revived != 1 {
		t.Errorf("materialized %d, destroyed %d, revived %d; want 0, 0, 1",
			items.materialized, items.killed, items.revived)
	}
	if c := host.Counts(); c.Created != 0 || c.Destroyed != 0 {
		t.Errorf("host created %d, destroyed %d; want 0, 0", c.Created, c.Destroyed)
	}
	wantDump := testutil.Dedent(`
		list
		  - row name=row-0
		  - row name=row-1 again
		  - row name=row-2
		`)
	if got := host.Dump(l.Handle().(*memhost.Element)); got != wantDump {
		t.Errorf("dump:\n%s\nwant:\n%s", got, wantDump)
	}
}

func TestList_DeferredFollowUp(t *testing.T) {
	host, items, l := setup(Config{})
	slow := &item{name: "slow", blocked: true}
	mustInsert(t, l, 0, &item{name: "fast"}, "")
	mustInsert(t, l, 1, slow, "slow")

	r, _ := l.Flush(7)
	if r.Materialized != 1 || r.Placeholders != 1 || r.Pending != 1 {
		t.Errorf("Flush -> %+v, want 1 materialized, 1 placeholder", r)
	}
	if _, pending := l.Resolve(1); !pending {
		t.Errorf("Resolve(1) not pending")
	}
	if got := l.Pending(); !cmp.Equal(got, []uint64{7}) {
		t.Errorf("Pending -> %v, want [7]", got)
	}
	// A later flush leaves the item to its own follow-up.
	if r, _ := l.Flush(8); r.Placeholders != 0 || r.Kept != 1 {
		t.Errorf("second Flush -> %+v", r)
	}

	if r, _ := l.Complete(7); r.Pending != 1 || r.Materialized != 0 {
		t.Errorf("Complete before ready -> %+v", r)
	}
	slow.blocked = false
	r, _ = l.Complete(7)
	if r.OpID != 7 || r.Materialized != 1 || r.Pending != 0 {
		t.Errorf("Complete -> %+v, want op 7 with 1 materialized", r)
	}
	if len(l.Pending()) != 0 {
		t.Errorf("Pending after Complete -> %v", l.Pending())
	}
	if host.Counts().Placeholders != 1 || items.materialized != 2 {
		t.Errorf("placeholders %d, materialized %d", host.Counts().Placeholders, items.materialized)
	}
}

func TestList_Window(t *testing.T) {
	host, items, l := setup(Config{})
	for i, k := range []string{"a", "b", "c", "d"} {
		mustInsert(t, l, i, &item{name: k}, k)
	}
	l.SetWindow(0, 2)
	l.Flush(1)
	if h, _ := l.Resolve(2); h != nil || items.materialized != 2 {
		t.Errorf("items outside the window resolved")
	}

	l.SetWindow(2, 4)
	r, _ := l.Flush(2)
	if r.Parked != 2 || r.Materialized != 2 {
		t.Errorf("scrolled Flush -> %+v, want 2 parked, 2 materialized", r)
	}
	if got := l.Pool().ParkedKeys(); !cmp.Equal(got, []string{"a", "b"}) {
		t.Errorf("ParkedKeys -> %v", got)
	}

	l.SetWindow(0, 2)
	r, _ = l.Flush(3)
	if r.Revived != 2 || r.Materialized != 0 {
		t.Errorf("scrolled back Flush -> %+v, want 2 revived", r)
	}
	if c := host.Counts(); c.Destroyed != 0 {
		t.Errorf("destroyed %d", c.Destroyed)
	}
}

func TestList_EvictionAndDestroy(t *testing.T) {
	_, items, l := setup(Config{Window: 1})
	mustInsert(t, l, 0, &item{name: "a"}, "a")
	mustInsert(t, l, 1, &item{name: "b"}, "")
	l.Flush(1)
	l.Remove(0) // parked
	l.Remove(0) // unkeyed: destroyed
	if items.killed != 1 || l.Pool().NumParked() != 1 {
		t.Fatalf("after removes: destroyed %d, parked %d", items.killed, l.Pool().NumParked())
	}
	if r, _ := l.Flush(2); r.Destroyed != 0 {
		t.Errorf("parked entry evicted too early")
	}
	if r, _ := l.Flush(3); r.Destroyed != 1 || items.killed != 2 {
		t.Errorf("Flush past the window -> %+v, want 1 destroyed", r)
	}

	mustInsert(t, l, 0, &item{name: "c"}, "c")
	l.Flush(4)
	l.Destroy()
	if items.killed != 3 || l.Len() != 0 || l.Pool().NumLive() != 0 {
		t.Errorf("Destroy left live resources")
	}
}

func TestList_Capacity(t *testing.T) {
	_, items, l := setup(Config{Capacity: 1})
	for i, k := range []string{"a", "b", "c"} {
		mustInsert(t, l, i, &item{name: k}, k)
	}
	l.Flush(1)
	for l.Len() > 0 {
		l.Remove(0)
	}
	r, _ := l.Flush(2)
	if r.Destroyed != 2 || items.killed != 2 {
		t.Errorf("Flush over capacity -> %+v, want 2 destroyed", r)
	}
	if got := l.Pool().ParkedKeys(); !cmp.Equal(got, []string{"c"}) {
		t.Errorf("ParkedKeys -> %v, want newest only", got)
	}
}

func TestList_Collision(t *testing.T) {
	_, _, l := setup(Config{})
	mustInsert(t, l, 0, &item{name: "a"}, "k")
	err := l.Insert(1, &item{name: "b"}, "k")
	if !errors.Is(err, fault.ErrReuseKeyCollision) {
		t.Errorf("Insert of a duplicate key -> %v, want collision", err)
	}
	if l.Len() != 1 {
		t.Errorf("colliding item inserted")
	}
	if err := l.Insert(5, &item{}, ""); !errors.Is(err, ErrIndex) {
		t.Errorf("Insert out of range -> %v", err)
	}
}

func TestList_MoveAndDetach(t *testing.T) {
	host, _, l := setup(Config{})
	a, b, c := &item{name: "a"}, &item{name: "b"}, &item{name: "c"}
	mustInsert(t, l, 0, a, "a")
	mustInsert(t, l, 1, b, "b")
	mustInsert(t, l, 2, c, "c")
	l.Flush(1)
	l.Move(0, 2)
	if l.Item(2) != a || l.Index(b) != 0 {
		t.Errorf("Move misplaced items")
	}
	got, _ := l.Detach(1)
	if got != c || c.h == nil || l.Pool().NumLive() != 2 {
		t.Errorf("Detach -> %v", got)
	}
	want := testutil.Dedent(`
		list
		  - row name=b
		  - row name=a
		`)
	if d := host.Dump(l.Handle().(*memhost.Element)); d != want {
		t.Errorf("dump:\n%s\nwant:\n%s", d, want)
	}
}

func TestList_Adopt(t *testing.T) {
	host, items, old := setup(Config{})
	a, b, u := &item{name: "a"}, &item{name: "b"}, &item{name: "u"}
	mustInsert(t, old, 0, a, "a")
	mustInsert(t, old, 1, b, "b")
	mustInsert(t, old, 2, u, "")
	old.Flush(1)

	// a is hydrated into a2; b and u are left behind.
	a2 := &item{name: "a", h: a.h}
	a.h = nil
	l := New[*item](2, old.Handle(), host, items, Config{})
	mustInsert(t, l, 0, a2, "a")
	l.Adopt(old)

	if old.Len() != 0 || items.killed != 1 {
		t.Errorf("Adopt: old len %d, destroyed %d; want 0, 1", old.Len(), items.killed)
	}
	if got := l.Pool().ParkedKeys(); !cmp.Equal(got, []string{"b"}) {
		t.Errorf("ParkedKeys -> %v, want [b]", got)
	}
	mustInsert(t, l, 1, &item{name: "b2"}, "b")
	if r, _ := l.Flush(2); r.Revived != 1 || r.Kept != 1 {
		t.Errorf("Flush after Adopt -> %+v", r)
	}
}

// TestPool_RecyclingSafety checks that for any sequence of pool operations, a
// reuse key has at most one live entry and no entry is both live and parked.
func TestPool_RecyclingSafety(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewPool[int](1, rapid.IntRange(0, 3).Draw(t, "capacity"), rapid.IntRange(0, 3).Draw(t, "window"))
		keys := []string{"", "row-1", "row-2"}
		var entries []*Entry[int]
		for step := range rapid.IntRange(1, 60).Draw(t, "steps") {
			key := rapid.SampledFrom(keys).Draw(t, "key")
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				if e, err := p.Add(key, step); err == nil {
					entries = append(entries, e)
				} else if !errors.Is(err, fault.ErrReuseKeyCollision) {
					t.Fatalf("Add -> %v", err)
				}
			case 1:
				if len(entries) > 0 {
					p.Park(entries[rapid.IntRange(0, len(entries)-1).Draw(t, "park")])
				}
			case 2:
				if e, err := p.Claim(key); e != nil {
					p.Rebind(e, step)
				} else if err != nil && !errors.Is(err, fault.ErrReuseKeyCollision) {
					t.Fatalf("Claim -> %v", err)
				}
			case 3:
				p.Tick()
			case 4:
				if len(entries) > 0 {
					p.Retire(entries[rapid.IntRange(0, len(entries)-1).Draw(t, "retire")])
				}
			}
			checkPool(t, p, entries)
		}
	})
}

func checkPool(t *rapid.T, p *Pool[int], entries []*Entry[int]) {
	liveByKey := map[string]int{}
	nParked := 0
	for _, e := range entries {
		inLive := p.live[e.HandleID] == e
		inParked := p.parked[e.Key][e.HandleID] == e
		if inLive && inParked {
			t.Fatalf("entry %d both live and parked", e.HandleID)
		}
		if inLive != (e.State() == Live) || inParked != (e.State() == Parked) {
			t.Fatalf("entry %d state %v disagrees with maps", e.HandleID, e.State())
		}
		if inLive && e.Key != "" {
			liveByKey[e.Key]++
			if liveByKey[e.Key] > 1 {
				t.Fatalf("key %q live twice", e.Key)
			}
		}
		if inParked {
			nParked++
		}
	}
	if nParked != p.NumParked() {
		t.Fatalf("parked count %d, NumParked %d", nParked, p.NumParked())
	}
}

func TestList_Load(t *testing.T) {
	host, _, l := setup(Config{})
	live := &item{name: "live", h: host.Create("row")}
	err := l.Load([]*item{live, {name: "a"}, {name: "dup"}}, func(*item) string { return "k" })
	if !errors.Is(err, fault.ErrReuseKeyCollision) {
		t.Errorf("Load with duplicate keys -> %v, want collision", err)
	}
	if l.Len() != 3 || l.Pool().NumLive() != 1 || host.Counts().ListResets != 1 {
		t.Errorf("Load: len %d, live %d, resets %d", l.Len(), l.Pool().NumLive(), host.Counts().ListResets)
	}
	if h, _ := l.Resolve(0); h != live.h {
		t.Errorf("live item not resolved after Load")
	}
}

func TestList_LoadOverLiveKey(t *testing.T) {
	host, items, l := setup(Config{})
	if _, err := l.Pool().Add("k", &item{name: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	live := &item{name: "live", h: host.Create("row")}
	err := l.Load([]*item{live}, func(*item) string { return "k" })
	if !errors.Is(err, fault.ErrReuseKeyCollision) {
		t.Errorf("Load over a live key -> %v, want collision", err)
	}
	if l.Pool().NumLive() != 2 {
		t.Errorf("Load: live %d, want 2", l.Pool().NumLive())
	}
	if h, _ := l.Resolve(0); h != live.h {
		t.Errorf("live item not resolved after Load")
	}
	// Loaded unkeyed, so removal destroys it instead of parking.
	if parked, err := l.Remove(0); parked || err != nil {
		t.Errorf("Remove(0) -> %v, %v; want false, nil", parked, err)
	}
	if items.killed != 1 || l.Pool().NumLive() != 1 || l.Pool().NumParked() != 0 {
		t.Errorf("after Remove: killed %d, live %d, parked %d", items.killed, l.Pool().NumLive(), l.Pool().NumParked())
	}
}
