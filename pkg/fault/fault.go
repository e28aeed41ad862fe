// Package fault defines the faults raised while shipping and applying patches
// across the authoring/presentation boundary.
//
// Faults are values, not panics. Most of them are recovered locally by the
// presentation side and surfaced as diagnostics through a Reporter; the
// ReuseKeyCollision kind is a programmer error and is additionally returned to
// the caller.
package fault

import (
	"fmt"
	"strings"
	"sync"
)

// Kind classifies a fault.
type Kind uint8

const (
	// MissingContext is raised when an operation addresses an id that is
	// absent on the apply side, or creates an id that is already present.
	MissingContext Kind = iota
	// ReuseKeyCollision is raised when two simultaneously live items of one
	// list claim the same reuse key.
	ReuseKeyCollision
	// StructuralMismatch is raised when hydration finds different types at a
	// position it expected to align.
	StructuralMismatch
	// StaleGeneration names a batch tagged with a generation superseded by a
	// reload. The presentation tree drops such batches silently and counts
	// them in the dropped-batch metric, so it never reports this kind; it
	// exists for hosts that want to surface the drop themselves.
	StaleGeneration
	// OrderViolation is raised when a batch arrives with a sequence number not
	// greater than the last applied one.
	OrderViolation
	// Malformed is raised when an operation is well addressed but invalid,
	// such as an unknown type or an out-of-range slot.
	Malformed
)

var kindNames = [...]string{
	MissingContext:     "missing-context",
	ReuseKeyCollision:  "reuse-key-collision",
	StructuralMismatch: "structural-mismatch",
	StaleGeneration:    "stale-generation",
	OrderViolation:     "order-violation",
	Malformed:          "malformed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Kinds lists all fault kinds.
func Kinds() []Kind {
	return []Kind{MissingContext, ReuseKeyCollision, StructuralMismatch,
		StaleGeneration, OrderViolation, Malformed}
}

// Fault describes one fault. Fields that do not apply to the kind are left
// zero.
type Fault struct {
	Kind Kind `json:"kind"`
	// Op is the name of the operation during which the fault happened.
	Op string `json:"op,omitempty"`
	// ID is the node id the fault is about.
	ID uint64 `json:"id,omitempty"`
	// List is the id of the list node for recycling faults.
	List uint64 `json:"list,omitempty"`
	// ReuseKey is the reuse key for recycling faults.
	ReuseKey string `json:"reuse_key,omitempty"`
	// Generation is the generation of the batch involved, if any.
	Generation uint64 `json:"generation,omitempty"`
	// Seq is the sequence number of the batch involved, if any.
	Seq     uint64 `json:"seq,omitempty"`
	Message string `json:"message,omitempty"`
}

// Sentinel values usable with errors.Is. Two faults match when their kinds
// are equal.
var (
	ErrMissingContext     = &Fault{Kind: MissingContext}
	ErrReuseKeyCollision  = &Fault{Kind: ReuseKeyCollision}
	ErrStructuralMismatch = &Fault{Kind: StructuralMismatch}
	ErrStaleGeneration    = &Fault{Kind: StaleGeneration} // never reported by present.Tree
	ErrOrderViolation     = &Fault{Kind: OrderViolation}
	ErrMalformed          = &Fault{Kind: Malformed}
)

// Error returns a plain text representation of the fault.
func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(f.Kind.String())
	if f.Op != "" {
		sb.WriteString(" in ")
		sb.WriteString(f.Op)
	}
	if f.ID != 0 {
		fmt.Fprintf(&sb, " id=%d", f.ID)
	}
	if f.List != 0 {
		fmt.Fprintf(&sb, " list=%d", f.List)
	}
	if f.ReuseKey != "" {
		fmt.Fprintf(&sb, " reuse-key=%q", f.ReuseKey)
	}
	if f.Generation != 0 {
		fmt.Fprintf(&sb, " gen=%d", f.Generation)
	}
	if f.Seq != 0 {
		fmt.Fprintf(&sb, " seq=%d", f.Seq)
	}
	if f.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Message)
	}
	return sb.String()
}

// Is reports whether target is a *Fault of the same kind.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Kind == f.Kind
}

// Fatal reports whether the fault must be surfaced to the caller instead of
// only being reported as a diagnostic.
func (f *Fault) Fatal() bool { return f.Kind == ReuseKeyCollision }

// Reporter receives diagnostics. Implementations must not block for long;
// they are called on the scheduler that detected the fault.
type Reporter func(*Fault)

// Discard is a Reporter that drops all faults.
func Discard(*Fault) {}

// Tee returns a Reporter that forwards to all non-nil reporters.
func Tee(rs ...Reporter) Reporter {
	return func(f *Fault) {
		for _, r := range rs {
			if r != nil {
				r(f)
			}
		}
	}
}

// Collector is a Reporter that keeps all faults. It is safe for concurrent
// use.
type Collector struct {
	mu     sync.Mutex
	faults []*Fault
}

// Report records f.
func (c *Collector) Report(f *Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, f)
}

// Faults returns a copy of the recorded faults.
func (c *Collector) Faults() []*Fault {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Fault(nil), c.faults...)
}

// Count returns the number of recorded faults of the given kind.
func (c *Collector) Count(k Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.faults {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// Reset drops all recorded faults.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = nil
}
