package arrdiff

// Op is the operation of an Edit.
type Op uint8

const (
	OpRemove Op = iota
	OpInsert
	OpMove
)

func (op Op) String() string {
	switch op {
	case OpRemove:
		return "remove"
	case OpInsert:
		return "insert"
	case OpMove:
		return "move"
	default:
		return "?"
	}
}

// Edit is one step of an edit script.
type Edit struct {
	Op Op
	// Old is the old index for removes and moves, -1 for inserts.
	Old int
	// New is the new index for inserts and moves, -1 for removes.
	New int
	// Before is the new index of the item to insert before, or -1 to append.
	Before int
}

// Edits turns the result into an edit script. Applied in order to the old
// list, it yields the new list:
//
//   - Removes come first, in old-list order, so cursors of an unmount
//     callback move monotonically.
//
//   - Inserts and moves follow from the last new index to the first, each
//     anchored on the item that follows it in the new list. That item is
//     always in its final place when the edit is applied.
func (r Result) Edits() []Edit {
	edits := make([]Edit, 0, len(r.Removed)+len(r.Entries))
	for _, j := range r.Removed {
		edits = append(edits, Edit{OpRemove, j, -1, -1})
	}
	for i := len(r.Entries) - 1; i >= 0; i-- {
		before := i + 1
		if before == len(r.Entries) {
			before = -1
		}
		switch e := r.Entries[i]; e.Kind {
		case Inserted:
			edits = append(edits, Edit{OpInsert, -1, i, before})
		case Moved:
			edits = append(edits, Edit{OpMove, e.From, i, before})
		}
	}
	return edits
}

// Apply replays the edit script of r over old and returns the resulting list.
// Inserted values are taken from new. It is mostly useful to check a diff.
func Apply[T any](old, new []T, r Result) []T {
	// Tokens: j for old[j], len(old)+i for new[i].
	token := func(newIndex int) int {
		if e := r.Entries[newIndex]; e.Kind != Inserted {
			return e.From
		}
		return len(old) + newIndex
	}
	list := make([]int, len(old))
	for j := range list {
		list[j] = j
	}
	indexOf := func(tok int) int {
		for k, x := range list {
			if x == tok {
				return k
			}
		}
		return -1
	}
	for _, e := range r.Edits() {
		switch e.Op {
		case OpRemove:
			k := indexOf(e.Old)
			list = append(list[:k], list[k+1:]...)
			continue
		case OpMove:
			k := indexOf(e.Old)
			list = append(list[:k], list[k+1:]...)
		}
		tok := token(e.New)
		k := len(list)
		if e.Before >= 0 {
			k = indexOf(token(e.Before))
		}
		list = append(list, 0)
		copy(list[k+1:], list[k:])
		list[k] = tok
	}
	out := make([]T, len(list))
	for k, tok := range list {
		if tok < len(old) {
			out[k] = old[tok]
		} else {
			out[k] = new[tok-len(old)]
		}
	}
	return out
}
