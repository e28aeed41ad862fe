// Package arrdiff implements the positional diff of two ordered child lists.
//
// Items are matched by their Ident, the pair of node type and key. The walk
// over the new list keeps a skew, an estimate of how far the old list has
// drifted from the new one so far; the old list is first probed at the
// skewed position, which makes single inserts, single deletes and adjacent
// swaps O(1) per element. On a miss the old list is searched outward from
// the skewed position.
//
// The same reconciler is used for plain children arrays, for list items and
// by hydration.
package arrdiff

import "strconv"

// Ident identifies an item for matching purposes.
type Ident struct {
	Type uint32
	Key  string
}

// syntheticPrefix starts every synthetic key. Authored keys never contain NUL.
const syntheticPrefix = "\x00#"

// Idents builds the idents of a list of items. For unkeyed items (an empty
// key) a one-shot synthetic key is derived from the ordinal of the item among
// the unkeyed items of the same type, so that unkeyed runs still match
// position by position.
func Idents[T any](items []T, f func(T) (typ uint32, key string)) []Ident {
	ids := make([]Ident, len(items))
	ordinal := make(map[uint32]int)
	for i, item := range items {
		typ, key := f(item)
		if key == "" {
			key = syntheticPrefix + strconv.Itoa(ordinal[typ])
			ordinal[typ]++
		}
		ids[i] = Ident{typ, key}
	}
	return ids
}

// Synthetic reports whether the key of id was derived by Idents.
func (id Ident) Synthetic() bool {
	return len(id.Key) >= len(syntheticPrefix) && id.Key[:len(syntheticPrefix)] == syntheticPrefix
}

// Kind says what happened to an item of the new list.
type Kind uint8

const (
	// InPlace items keep their relative position; nothing needs to be done.
	InPlace Kind = iota
	// Inserted items have no counterpart in the old list.
	Inserted
	// Moved items have a counterpart in the old list that must be moved.
	Moved
)

func (k Kind) String() string {
	switch k {
	case InPlace:
		return "in-place"
	case Inserted:
		return "inserted"
	case Moved:
		return "moved"
	default:
		return "?"
	}
}

// Entry describes one item of the new list.
type Entry struct {
	Kind Kind
	// From is the index of the matched old item, or -1 for inserted items.
	From int
}

// Result is the outcome of a diff.
type Result struct {
	// Entries has one entry per item of the new list.
	Entries []Entry
	// Removed lists the indices of unmatched old items in ascending order.
	Removed []int
}

// Policy tunes the heuristics of the diff.
type Policy struct {
	// MaxProbe bounds the distance of the outward search. Zero means the
	// whole old list is searched. When the bound is hit, the item is treated
	// as inserted, trading diff size for speed.
	MaxProbe int
}

// Diff diffs two lists with the default policy.
func Diff(old, new []Ident) Result { return DiffPolicy(old, new, Policy{}) }

// DiffPolicy diffs two lists.
//
// An item is classified InPlace only when its old index is greater than that
// of every earlier InPlace item, so InPlace items always form an increasing
// run of the old list. This is what makes the edit script of Edits valid
// regardless of the decisions taken by the skew heuristic.
func DiffPolicy(old, new []Ident, p Policy) Result {
	claimed := make([]bool, len(old))
	entries := make([]Entry, len(new))
	skew := 0
	lastInPlace := -1

	match := func(j int, id Ident) bool {
		return j >= 0 && j < len(old) && !claimed[j] && old[j] == id
	}
	place := func(i, j int) {
		claimed[j] = true
		if j > lastInPlace {
			entries[i] = Entry{InPlace, j}
			lastInPlace = j
		} else {
			entries[i] = Entry{Moved, j}
		}
	}

	for i, id := range new {
		probe := i + skew
		if match(probe, id) {
			place(i, probe)
			continue
		}
		j, d := search(old, probe, id, p.MaxProbe, match)
		switch {
		case j < 0:
			entries[i] = Entry{Inserted, -1}
			skew--
		case d == 1:
			// Single-slot shift: follow the drift.
			skew = j - i
			place(i, j)
		default:
			claimed[j] = true
			entries[i] = Entry{Moved, j}
		}
	}

	var removed []int
	for j := range old {
		if !claimed[j] {
			removed = append(removed, j)
		}
	}
	return Result{Entries: entries, Removed: removed}
}

// search looks for the nearest unclaimed match of id around center,
// alternating left and right. At equal distance the left (lower) index wins.
// It returns the index and its distance, or -1.
func search(old []Ident, center int, id Ident, maxProbe int, match func(int, Ident) bool) (int, int) {
	limit := len(old) + abs(center)
	if maxProbe > 0 && maxProbe < limit {
		limit = maxProbe
	}
	for d := 1; d <= limit; d++ {
		left, right := center-d, center+d
		if left < 0 && right >= len(old) {
			break
		}
		if match(left, id) {
			return left, d
		}
		if match(right, id) {
			return right, d
		}
	}
	return -1, 0
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
