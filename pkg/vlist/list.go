package vlist

import (
	"errors"
	"fmt"
	"sort"

	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/native"
)

// Host receives the notifications of a list. Slots of the native list mirror
// the authored items; a nil item handle marks an unresolved slot.
type Host interface {
	Insert(list native.Handle, index int, item native.Handle)
	Remove(list native.Handle, index int)
	Move(list native.Handle, from, to int)
	Replace(list native.Handle, index int, item native.Handle)
	Reset(list native.Handle, items []native.Handle)
	// Placeholder returns a handle standing in for an item whose
	// materialization is deferred.
	Placeholder() native.Handle
}

// Items manages the resources of list items on behalf of a List.
type Items[T any] interface {
	// Handle returns the root handle of a materialized item, or nil.
	Handle(item T) native.Handle
	// Ready reports whether item can be materialized synchronously.
	Ready(item T) bool
	// Materialize creates the resources of item and returns its root handle.
	Materialize(item T) native.Handle
	// Revive moves the resources of parked onto item, replaying differing
	// attributes, and returns the root handle.
	Revive(item, parked T) native.Handle
	// Park unmounts item and pauses its subscriptions, keeping its resources.
	Park(item T)
	// Destroy destroys the resources of item.
	Destroy(item T)
}

// Config bounds the recycle pool of a list.
type Config struct {
	Capacity int
	Window   int
}

// Result summarizes a flush.
type Result struct {
	OpID         uint64
	Kept         int
	Revived      int
	Materialized int
	Placeholders int
	Parked       int
	Destroyed    int
	// Pending is the number of items still waiting for a follow-up under
	// OpID.
	Pending int
}

// Errors returned by list operations.
var (
	ErrIndex = errors.New("list index out of range")
)

type slot[T any] struct {
	item        T
	key         string
	entry       *Entry[T]
	pending     uint64
	placeholder native.Handle
}

// List is a virtualized list. Items are resolved lazily by Flush, and only
// inside the visible window. A List is used by the presentation scheduler
// only.
type List[T comparable] struct {
	id     uint64
	handle native.Handle
	host   Host
	items  Items[T]
	pool   *Pool[T]
	slots  []*slot[T]
	lo, hi int
}

// New creates an empty list. The window initially covers every item.
func New[T comparable](id uint64, handle native.Handle, host Host, items Items[T], cfg Config) *List[T] {
	return &List[T]{
		id: id, handle: handle, host: host, items: items,
		pool: NewPool[T](id, cfg.Capacity, cfg.Window),
		hi:   -1,
	}
}

// Handle returns the native handle of the list.
func (l *List[T]) Handle() native.Handle { return l.handle }

// Pool returns the recycle pool of the list.
func (l *List[T]) Pool() *Pool[T] { return l.pool }

// Len returns the number of items.
func (l *List[T]) Len() int { return len(l.slots) }

// Item returns the item at index i.
func (l *List[T]) Item(i int) T { return l.slots[i].item }

// Index returns the index of item, or -1.
func (l *List[T]) Index(item T) int {
	for i, s := range l.slots {
		if s.item == item {
			return i
		}
	}
	return -1
}

// Resolve returns the handle the slot at index i currently shows: the item
// handle when it is live, a placeholder when it is pending, or nil.
func (l *List[T]) Resolve(i int) (h native.Handle, pending bool) {
	s := l.slots[i]
	switch {
	case s.entry != nil:
		return l.items.Handle(s.item), false
	case s.pending != 0:
		return s.placeholder, true
	}
	return nil, false
}

// Insert inserts item at index i. A non-empty key that is already used by
// another item of the list is a ReuseKeyCollision, and the item is not
// inserted. An item that is already materialized is inserted live.
func (l *List[T]) Insert(i int, item T, key string) error {
	if i < 0 || i > len(l.slots) {
		return fmt.Errorf("insert at %d of %d: %w", i, len(l.slots), ErrIndex)
	}
	if key != "" {
		for _, s := range l.slots {
			if s.key == key {
				return &fault.Fault{Kind: fault.ReuseKeyCollision, Op: "insert", List: l.id, ReuseKey: key,
					Message: "key is used by another item of the list"}
			}
		}
	}
	s := &slot[T]{item: item, key: key}
	h := l.items.Handle(item)
	if h != nil {
		e, err := l.pool.Add(key, item)
		if err != nil {
			return err
		}
		s.entry = e
	}
	l.slots = append(l.slots, nil)
	copy(l.slots[i+1:], l.slots[i:])
	l.slots[i] = s
	l.host.Insert(l.handle, i, h)
	return nil
}

// Remove removes the item at index i. A live keyed item is parked and a live
// unkeyed one destroyed. It reports whether the resources were retained.
func (l *List[T]) Remove(i int) (bool, error) {
	if i < 0 || i >= len(l.slots) {
		return false, fmt.Errorf("remove at %d of %d: %w", i, len(l.slots), ErrIndex)
	}
	s := l.slots[i]
	parked := false
	if s.entry != nil {
		parked = l.unmount(s)
	}
	l.slots = append(l.slots[:i], l.slots[i+1:]...)
	l.host.Remove(l.handle, i)
	return parked, nil
}

// Load fills an empty list with items, with a single Reset notification.
// Items that are already materialized are loaded live. An item whose key is
// used by an earlier item, or held live by the pool, is loaded unkeyed, and the
// collision is returned.
func (l *List[T]) Load(items []T, key func(T) string) error {
	var errs []error
	seen := make(map[string]bool)
	handles := make([]native.Handle, len(items))
	l.slots = make([]*slot[T], len(items))
	for i, item := range items {
		k := key(item)
		if k != "" && seen[k] {
			errs = append(errs, &fault.Fault{Kind: fault.ReuseKeyCollision, Op: "load", List: l.id, ReuseKey: k,
				Message: fmt.Sprintf("item %d loaded without recycling", i)})
			k = ""
		}
		if k != "" {
			seen[k] = true
		}
		s := &slot[T]{item: item, key: k}
		if h := l.items.Handle(item); h != nil {
			e, err := l.pool.Add(k, item)
			if err != nil {
				// Held live elsewhere; track it unkeyed.
				errs = append(errs, err)
				s.key = ""
				e, _ = l.pool.Add("", item)
			}
			s.entry = e
			handles[i] = h
		}
		l.slots[i] = s
	}
	l.host.Reset(l.handle, handles)
	return errors.Join(errs...)
}

// Detach removes the item at index i without touching its resources, which
// the caller takes over.
func (l *List[T]) Detach(i int) (T, error) {
	if i < 0 || i >= len(l.slots) {
		var zero T
		return zero, fmt.Errorf("detach at %d of %d: %w", i, len(l.slots), ErrIndex)
	}
	s := l.slots[i]
	if s.entry != nil {
		l.pool.Release(s.entry)
	}
	l.slots = append(l.slots[:i], l.slots[i+1:]...)
	l.host.Remove(l.handle, i)
	return s.item, nil
}

// Move moves the item at index from so that it ends up at index to.
func (l *List[T]) Move(from, to int) error {
	if from < 0 || from >= len(l.slots) || to < 0 || to >= len(l.slots) {
		return fmt.Errorf("move %d to %d of %d: %w", from, to, len(l.slots), ErrIndex)
	}
	if from == to {
		return nil
	}
	s := l.slots[from]
	l.slots = append(l.slots[:from], l.slots[from+1:]...)
	l.slots = append(l.slots, nil)
	copy(l.slots[to+1:], l.slots[to:])
	l.slots[to] = s
	l.host.Move(l.handle, from, to)
	return nil
}

// SetWindow sets the visible window to the items in [lo, hi). A negative hi
// extends the window to the end. It takes effect on the next Flush.
func (l *List[T]) SetWindow(lo, hi int) { l.lo, l.hi = lo, hi }

func (l *List[T]) inWindow(i int) bool { return i >= l.lo && (l.hi < 0 || i < l.hi) }

// unmount parks or destroys the resources of a live slot.
func (l *List[T]) unmount(s *slot[T]) bool {
	e := s.entry
	s.entry = nil
	if l.pool.Park(e) {
		l.items.Park(s.item)
		return true
	}
	l.pool.Retire(e)
	l.items.Destroy(s.item)
	return false
}

// Flush resolves every item inside the window and unmounts live items outside
// it, then ends a pool cycle, destroying evicted parked resources.
//
// Items that are not ready get a placeholder and are remembered under opID;
// Complete with the same opID resolves them later. An item with a parked
// resource under its reuse key revives that resource instead of
// materializing a new one.
func (l *List[T]) Flush(opID uint64) (Result, error) {
	r := Result{OpID: opID}
	var errs []error
	for i, s := range l.slots {
		if l.inWindow(i) {
			continue
		}
		switch {
		case s.entry != nil:
			if l.unmount(s) {
				r.Parked++
			} else {
				r.Destroyed++
			}
			l.host.Replace(l.handle, i, nil)
		case s.pending != 0:
			s.pending, s.placeholder = 0, nil
			l.host.Replace(l.handle, i, nil)
		}
	}
	for i, s := range l.slots {
		if !l.inWindow(i) {
			continue
		}
		switch {
		case s.entry != nil:
			r.Kept++
		case s.pending != 0:
			// Owned by the follow-up of an earlier flush.
		case !l.items.Ready(s.item):
			s.pending, s.placeholder = opID, l.host.Placeholder()
			l.host.Replace(l.handle, i, s.placeholder)
			r.Placeholders++
			r.Pending++
		default:
			if err := l.resolve(i, s, &r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, e := range l.pool.Tick() {
		l.items.Destroy(e.Item)
		r.Destroyed++
	}
	return r, errors.Join(errs...)
}

// Complete is the follow-up of the flush with the given opID. It resolves the
// items left pending by that flush that are now ready.
func (l *List[T]) Complete(opID uint64) (Result, error) {
	r := Result{OpID: opID}
	var errs []error
	for i, s := range l.slots {
		if s.pending != opID || opID == 0 {
			continue
		}
		if !l.items.Ready(s.item) {
			r.Pending++
			continue
		}
		s.pending, s.placeholder = 0, nil
		if err := l.resolve(i, s, &r); err != nil {
			errs = append(errs, err)
		}
	}
	return r, errors.Join(errs...)
}

func (l *List[T]) resolve(i int, s *slot[T], r *Result) error {
	e, err := l.pool.Claim(s.key)
	if err != nil {
		return err
	}
	var h native.Handle
	if e != nil {
		parked := e.Item
		l.pool.Rebind(e, s.item)
		h = l.items.Revive(s.item, parked)
		r.Revived++
	} else {
		h = l.items.Materialize(s.item)
		if e, err = l.pool.Add(s.key, s.item); err != nil {
			l.items.Destroy(s.item)
			return err
		}
		r.Materialized++
	}
	s.entry = e
	l.host.Replace(l.handle, i, h)
	return nil
}

// Pending returns the op ids that still have pending items, in ascending
// order.
func (l *List[T]) Pending() []uint64 {
	seen := map[uint64]bool{}
	var ids []uint64
	for _, s := range l.slots {
		if s.pending != 0 && !seen[s.pending] {
			seen[s.pending] = true
			ids = append(ids, s.pending)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Adopt takes over what old still holds after old's items were hydrated into
// the items of l. Parked resources of old move to l's pool. Live items of old
// whose resources were not transferred are parked in l's pool if keyed, and
// destroyed otherwise. Old is left empty.
func (l *List[T]) Adopt(old *List[T]) {
	for _, s := range old.slots {
		if s.entry == nil {
			continue
		}
		old.pool.Release(s.entry)
		if l.items.Handle(s.item) == nil {
			// Transferred.
			continue
		}
		if s.key == "" {
			l.items.Destroy(s.item)
			continue
		}
		l.pool.Stash(s.key, s.item)
		l.items.Park(s.item)
	}
	l.pool.Adopt(old.pool)
	old.slots = nil
}

// Destroy retires every resource of the list, live or parked.
func (l *List[T]) Destroy() {
	for _, e := range l.pool.Drain() {
		l.items.Destroy(e.Item)
	}
	l.slots = nil
}
