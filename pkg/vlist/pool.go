// Package vlist implements virtualized lists whose item resources are
// recycled instead of recreated.
//
// A Pool tracks the materialized resources of the items of one list. Each
// resource is identified by a handle id and is in one of three states:
//
//	Live     bound to an item of the list
//	Parked   unmounted but retained, filed under its reuse key
//	Retired  destroyed; the handle id is never seen again
//
// Parked resources become Live again only when an item with the same reuse
// key claims them. Reuse across keys never happens, so incompatible state is
// never smuggled into a reused resource.
package vlist

import (
	"fmt"
	"sort"

	"github.com/giftline/recon/pkg/fault"
)

// State is the state of a pooled resource.
type State uint8

const (
	Retired State = iota
	Live
	Parked
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Parked:
		return "parked"
	default:
		return "retired"
	}
}

// Entry is a pooled resource. Item is the item the resource is currently
// bound to, or the last one for parked entries.
type Entry[T any] struct {
	HandleID uint64
	Key      string
	Item     T
	state    State
	parkedAt uint64
}

// State returns the state of the entry.
func (e *Entry[T]) State() State { return e.state }

// Pool is the recycle pool of one list.
type Pool[T any] struct {
	// Capacity bounds the number of parked entries; zero means unbounded.
	Capacity int
	// Window is the number of cycles a parked entry survives; zero means
	// forever.
	Window int

	list     uint64
	nextID   uint64
	cycle    uint64
	live     map[uint64]*Entry[T]
	liveKeys map[string]uint64
	parked   map[string]map[uint64]*Entry[T]
	nParked  int
}

// NewPool creates a pool for the list with the given id. The id is only used
// in faults.
func NewPool[T any](list uint64, capacity, window int) *Pool[T] {
	return &Pool[T]{
		Capacity: capacity, Window: window, list: list,
		live:     make(map[uint64]*Entry[T]),
		liveKeys: make(map[string]uint64),
		parked:   make(map[string]map[uint64]*Entry[T]),
	}
}

func (p *Pool[T]) collision(key, op string) error {
	return &fault.Fault{Kind: fault.ReuseKeyCollision, Op: op, List: p.list, ReuseKey: key,
		Message: fmt.Sprintf("handle %d is already live", p.liveKeys[key])}
}

// Add registers a freshly materialized resource as Live. An empty key means
// the resource can never be parked.
func (p *Pool[T]) Add(key string, item T) (*Entry[T], error) {
	if _, dup := p.liveKeys[key]; dup && key != "" {
		return nil, p.collision(key, "add")
	}
	p.nextID++
	e := &Entry[T]{HandleID: p.nextID, Key: key, Item: item, state: Live}
	p.live[e.HandleID] = e
	if key != "" {
		p.liveKeys[key] = e.HandleID
	}
	return e, nil
}

// Park moves a Live keyed entry to Parked. It reports whether it did; unkeyed
// and non-live entries are left alone.
func (p *Pool[T]) Park(e *Entry[T]) bool {
	if e.state != Live || e.Key == "" {
		return false
	}
	p.dropLive(e)
	e.state, e.parkedAt = Parked, p.cycle
	m := p.parked[e.Key]
	if m == nil {
		m = make(map[uint64]*Entry[T])
		p.parked[e.Key] = m
	}
	m[e.HandleID] = e
	p.nParked++
	return true
}

// Claim moves a parked entry with the given key to Live. The entry still
// holds the item it was parked with; the caller rebinds it. The most recently
// parked entry wins. It returns nil if there is no parked entry for the key,
// and a ReuseKeyCollision fault if the key is already live.
func (p *Pool[T]) Claim(key string) (*Entry[T], error) {
	if key == "" {
		return nil, nil
	}
	var best *Entry[T]
	for _, e := range p.parked[key] {
		if best == nil || e.parkedAt > best.parkedAt ||
			(e.parkedAt == best.parkedAt && e.HandleID > best.HandleID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	if _, dup := p.liveKeys[key]; dup {
		return nil, p.collision(key, "claim")
	}
	p.dropParked(best)
	best.state = Live
	p.live[best.HandleID] = best
	p.liveKeys[key] = best.HandleID
	return best, nil
}

// Stash files a resource that was never live in this pool directly as
// Parked.
func (p *Pool[T]) Stash(key string, item T) *Entry[T] {
	p.nextID++
	e := &Entry[T]{HandleID: p.nextID, Key: key, Item: item, state: Live}
	p.live[e.HandleID] = e
	p.Park(e)
	return e
}

// HasParked reports whether a parked entry with the given key exists.
func (p *Pool[T]) HasParked(key string) bool { return len(p.parked[key]) > 0 }

// Rebind binds a Live entry to another item.
func (p *Pool[T]) Rebind(e *Entry[T], item T) { e.Item = item }

// Retire moves an entry to Retired. The caller destroys the resource.
func (p *Pool[T]) Retire(e *Entry[T]) {
	switch e.state {
	case Live:
		p.dropLive(e)
	case Parked:
		p.dropParked(e)
	}
	e.state = Retired
}

// Release forgets a Live entry without retiring its resource, whose
// ownership moves elsewhere.
func (p *Pool[T]) Release(e *Entry[T]) {
	if e.state == Live {
		p.dropLive(e)
		e.state = Retired
	}
}

func (p *Pool[T]) dropLive(e *Entry[T]) {
	delete(p.live, e.HandleID)
	if e.Key != "" && p.liveKeys[e.Key] == e.HandleID {
		delete(p.liveKeys, e.Key)
	}
}

func (p *Pool[T]) dropParked(e *Entry[T]) {
	m := p.parked[e.Key]
	delete(m, e.HandleID)
	if len(m) == 0 {
		delete(p.parked, e.Key)
	}
	p.nParked--
}

// Tick ends a cycle and returns the parked entries evicted by the Window and
// Capacity bounds, oldest first. They are already Retired.
func (p *Pool[T]) Tick() []*Entry[T] {
	p.cycle++
	var evicted []*Entry[T]
	for _, e := range p.parkedByAge() {
		if (p.Window > 0 && p.cycle-e.parkedAt > uint64(p.Window)) ||
			(p.Capacity > 0 && p.nParked > p.Capacity) {
			p.Retire(e)
			evicted = append(evicted, e)
		}
	}
	return evicted
}

// Drain retires every entry and returns them, live entries first.
func (p *Pool[T]) Drain() []*Entry[T] {
	var all []*Entry[T]
	for _, id := range sortedIDs(p.live) {
		all = append(all, p.live[id])
	}
	all = append(all, p.parkedByAge()...)
	for _, e := range all {
		p.Retire(e)
	}
	return all
}

// Adopt moves the parked entries of other into p. Adopted entries get fresh
// handle ids in p and keep their age.
func (p *Pool[T]) Adopt(other *Pool[T]) {
	for _, e := range other.parkedByAge() {
		other.dropParked(e)
		p.nextID++
		e.HandleID = p.nextID
		m := p.parked[e.Key]
		if m == nil {
			m = make(map[uint64]*Entry[T])
			p.parked[e.Key] = m
		}
		m[e.HandleID] = e
		p.nParked++
	}
}

func (p *Pool[T]) parkedByAge() []*Entry[T] {
	es := make([]*Entry[T], 0, p.nParked)
	for _, m := range p.parked {
		for _, e := range m {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool {
		if es[i].parkedAt != es[j].parkedAt {
			return es[i].parkedAt < es[j].parkedAt
		}
		return es[i].HandleID < es[j].HandleID
	})
	return es
}

// Lookup returns the state of a handle id.
func (p *Pool[T]) Lookup(handleID uint64) State {
	if _, ok := p.live[handleID]; ok {
		return Live
	}
	for _, m := range p.parked {
		if _, ok := m[handleID]; ok {
			return Parked
		}
	}
	return Retired
}

// NumLive returns the number of live entries.
func (p *Pool[T]) NumLive() int { return len(p.live) }

// NumParked returns the number of parked entries.
func (p *Pool[T]) NumParked() int { return p.nParked }

// LiveKeys returns the keys of live keyed entries, sorted.
func (p *Pool[T]) LiveKeys() []string { return sortedKeys(p.liveKeys) }

// ParkedKeys returns the keys that have parked entries, sorted.
func (p *Pool[T]) ParkedKeys() []string { return sortedKeys(p.parked) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIDs[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
