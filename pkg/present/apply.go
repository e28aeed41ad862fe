package present

import (
	"cmp"
	"errors"
	"slices"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/hydrate"
	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/patch"
	"github.com/giftline/recon/pkg/vlist"
)

// Result summarizes what applying a batch did.
type Result struct {
	Applied  int
	Dropped  bool
	Reloaded bool
	// OpID is the id of the list flush run after the batch.
	OpID  uint64
	Lists vlist.Result
}

func addResult(dst *vlist.Result, r vlist.Result) {
	dst.OpID = r.OpID
	dst.Kept += r.Kept
	dst.Revived += r.Revived
	dst.Materialized += r.Materialized
	dst.Placeholders += r.Placeholders
	dst.Parked += r.Parked
	dst.Destroyed += r.Destroyed
	dst.Pending += r.Pending
}

// Apply applies a batch.
//
// Batches of a generation older than the last reload are dropped silently. A
// batch whose sequence number does not increase is dropped with an
// OrderViolation fault. A reload snapshot is hydrated onto the current tree
// before the operations of the batch are applied. Lists are flushed after the
// batch; the returned error joins the fatal faults met on the way.
func (t *Tree) Apply(b *patch.Batch) (Result, error) {
	if b.Generation < t.reloadGen {
		logger.Printf("dropping batch %d of generation %d, reloaded at %d", b.Seq, b.Generation, t.reloadGen)
		t.metrics.BatchesDropped.Inc()
		return Result{Dropped: true}, nil
	}
	if b.Seq <= t.lastSeq {
		t.report(&fault.Fault{Kind: fault.OrderViolation, Op: "apply", Generation: b.Generation, Seq: b.Seq,
			Message: "sequence number does not increase"})
		t.metrics.BatchesDropped.Inc()
		return Result{Dropped: true}, nil
	}
	t.lastSeq = b.Seq
	var r Result
	if b.Reload != nil {
		t.reload(b.Reload, b.Generation)
		r.Reloaded = true
	}
	n, err := patch.Apply(b.Ops, t, t.report)
	t.keep(err)
	r.Applied = n
	t.metrics.OpsApplied.Add(float64(n))
	t.metrics.BatchesApplied.Inc()

	t.opID++
	r.OpID = t.opID
	r.Lists = t.flush(t.opID)
	return r, t.takeErrs()
}

// Reload hydrates the tree described by s onto the current tree and makes gen
// the current generation.
func (t *Tree) Reload(s *itree.Snapshot, gen uint64) (Result, error) {
	if gen < t.reloadGen {
		return Result{Dropped: true}, nil
	}
	t.reload(s, gen)
	t.opID++
	return Result{Reloaded: true, OpID: t.opID, Lists: t.flush(t.opID)}, t.takeErrs()
}

func (t *Tree) reload(s *itree.Snapshot, gen uint64) {
	logger.Printf("reloading generation %d over %d", gen, t.reloadGen)
	t.reloadGen = gen
	var after []*hydrate.Node
	if fresh := hydrate.FromSnapshot(s); fresh != nil {
		after = []*hydrate.Node{fresh}
	}
	t.rehydrate(after)
	// Nodes created but never attached do not survive a reload.
	for id := range t.nodes {
		delete(t.nodes, id)
	}
	t.parent = make(map[*hydrate.Node]*hydrate.Node)
	t.register(t.root)
}

// Rebuild remounts every attached instance of typ, transferring the
// resources of everything else. It is used after the definition of typ was
// redefined.
func (t *Tree) Rebuild(typ deftable.TypeID) (Result, error) {
	after := make([]*hydrate.Node, len(t.root.Children))
	for i, n := range t.root.Children {
		after[i] = hydrate.Clone(n)
	}
	t.hyd.Stale = func(x deftable.TypeID) bool { return x == typ }
	t.rehydrate(after)
	t.hyd.Stale = nil
	for _, n := range t.root.Children {
		t.register(n)
	}
	t.opID++
	return Result{OpID: t.opID, Lists: t.flush(t.opID)}, t.takeErrs()
}

// rehydrate replaces the top-level nodes with after.
func (t *Tree) rehydrate(after []*hydrate.Node) {
	before := t.root.Children
	t.hyd.Stats = hydrate.Stats{}
	t.hyd.HydrateChildren(t.opts.Container, before, after)
	t.metrics.Hydrations.Inc()
	logger.Printf("hydration: %+v", t.hyd.Stats)
	for _, n := range before {
		hydrate.Walk(n, func(d *hydrate.Node) { delete(t.parent, d) })
	}
	t.root.Children = after
}

// register registers n and its descendants.
func (t *Tree) register(n *hydrate.Node) {
	if n != t.root {
		t.nodes[n.ID] = n
	}
	for _, c := range n.Children {
		t.parent[c] = n
		t.register(c)
	}
}

// FollowUp completes the items that earlier flushes left pending. Deferred
// items without a readiness predicate become ready here.
//
// The result has one entry per op id that had pending items, in ascending
// order, followed by the flush of lists mounted by completed items if it did
// anything.
func (t *Tree) FollowUp() ([]vlist.Result, error) {
	t.followingUp = true
	defer func() { t.followingUp = false }()
	byOp := make(map[uint64]*vlist.Result)
	for _, n := range t.sortedLists() {
		l := t.lists[n]
		if l == nil {
			continue
		}
		for _, op := range l.Pending() {
			r, err := l.Complete(op)
			if byOp[op] == nil {
				byOp[op] = &vlist.Result{}
			}
			addResult(byOp[op], r)
			t.keep(t.reportErrs("follow-up", err))
		}
	}
	results := make([]vlist.Result, 0, len(byOp)+1)
	for _, r := range byOp {
		results = append(results, *r)
	}
	slices.SortFunc(results, func(a, b vlist.Result) int { return cmp.Compare(a.OpID, b.OpID) })
	// Completed items may have mounted lists of their own.
	t.opID++
	if r := t.flush(t.opID); r != (vlist.Result{OpID: t.opID}) {
		results = append(results, r)
	}
	return results, t.takeErrs()
}

// Pending reports whether any list has items waiting for a follow-up.
func (t *Tree) Pending() bool {
	for _, l := range t.lists {
		if len(l.Pending()) > 0 {
			return true
		}
	}
	return false
}

// flush flushes every list once, including lists mounted by the flush
// itself.
func (t *Tree) flush(opID uint64) vlist.Result {
	var total vlist.Result
	done := make(map[*hydrate.Node]bool)
	for {
		var todo []*hydrate.Node
		for _, n := range t.sortedLists() {
			if !done[n] {
				todo = append(todo, n)
			}
		}
		if len(todo) == 0 {
			break
		}
		for _, n := range todo {
			done[n] = true
			l := t.lists[n]
			if l == nil {
				// Destroyed by an earlier flush of this round.
				continue
			}
			r, err := l.Flush(opID)
			addResult(&total, r)
			t.keep(t.reportErrs("flush", err))
		}
	}
	total.OpID = opID
	parked := 0
	for _, l := range t.lists {
		parked += l.Pool().NumParked()
	}
	t.metrics.Parked.Set(float64(parked))
	return total
}

// reportErrs reports every error joined in err as a fault and returns the
// fatal ones.
func (t *Tree) reportErrs(op string, err error) error {
	var fatal []error
	for _, e := range flatten(err) {
		var f *fault.Fault
		if !errors.As(e, &f) {
			f = &fault.Fault{Kind: fault.Malformed, Message: e.Error()}
		}
		if f.Op == "" {
			f.Op = op
		}
		t.report(f)
		if f.Fatal() {
			fatal = append(fatal, f)
		}
	}
	return errors.Join(fatal...)
}

func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var errs []error
		for _, e := range j.Unwrap() {
			errs = append(errs, flatten(e)...)
		}
		return errs
	}
	return []error{err}
}

// keep remembers an error to be returned by the current entry point.
func (t *Tree) keep(err error) {
	if err != nil {
		t.errs = append(t.errs, err)
	}
}

func (t *Tree) takeErrs() error {
	err := errors.Join(t.errs...)
	t.errs = nil
	return err
}
