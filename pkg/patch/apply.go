package patch

import (
	"errors"
	"fmt"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/itree"
)

// Target is the presentation-side tree that operations are applied to. The
// zero id names the host container and is never passed to Has.
type Target interface {
	// Has reports whether id is registered.
	Has(id itree.ID) bool
	Create(typ deftable.TypeID, id itree.ID, key string) error
	InsertBefore(parent, child, before itree.ID) error
	RemoveChild(parent, child itree.ID) error
	SetSlot(id itree.ID, slot int, value any) error
	SetSlots(id itree.ID, values []any) error
}

// Apply applies ops to target in order and returns the number of operations
// applied.
//
// Before an operation is dispatched, every id it names is looked up. If one is
// missing, or if CreateNode names an id that already exists, a MissingContext
// fault naming that id is reported and only that operation is skipped. Faults
// returned by the target are reported and the operation counts as skipped;
// other target errors are reported as Malformed faults. Fatal faults are also
// joined into the returned error, after the whole batch has been applied.
func Apply(ops []Op, target Target, report fault.Reporter) (int, error) {
	if report == nil {
		report = fault.Discard
	}
	applied := 0
	var fatal []error
	for _, op := range ops {
		if id, ok := precheck(op, target); !ok {
			report(&fault.Fault{Kind: fault.MissingContext, Op: op.Code.String(), ID: uint64(id),
				Message: missingMessage(op, id)})
			continue
		}
		err := dispatch(op, target)
		if err == nil {
			applied++
			continue
		}
		var f *fault.Fault
		if !errors.As(err, &f) {
			f = &fault.Fault{Kind: fault.Malformed, ID: uint64(op.ID), Message: err.Error()}
		}
		if f.Op == "" {
			f.Op = op.Code.String()
		}
		report(f)
		if f.Fatal() {
			fatal = append(fatal, f)
		}
	}
	return applied, errors.Join(fatal...)
}

// precheck returns the first id of op that cannot be resolved.
func precheck(op Op, t Target) (itree.ID, bool) {
	has := func(id itree.ID) bool { return id == 0 || t.Has(id) }
	switch op.Code {
	case OpCreateNode:
		if op.ID == 0 || t.Has(op.ID) {
			return op.ID, false
		}
	case OpInsertBefore:
		for _, id := range [...]itree.ID{op.Parent, op.ID, op.Before} {
			if !has(id) {
				return id, false
			}
		}
		if op.ID == 0 {
			return 0, false
		}
	case OpRemoveChild:
		if !has(op.Parent) {
			return op.Parent, false
		}
		if op.ID == 0 || !t.Has(op.ID) {
			return op.ID, false
		}
	case OpSetSlot, OpSetSlots:
		if op.ID == 0 || !t.Has(op.ID) {
			return op.ID, false
		}
	}
	return 0, true
}

func missingMessage(op Op, id itree.ID) string {
	if op.Code == OpCreateNode && id != 0 {
		return "id already registered"
	}
	return fmt.Sprintf("no node %d for %v", id, op)
}

func dispatch(op Op, t Target) error {
	switch op.Code {
	case OpCreateNode:
		return t.Create(op.Type, op.ID, op.Key)
	case OpInsertBefore:
		return t.InsertBefore(op.Parent, op.ID, op.Before)
	case OpRemoveChild:
		return t.RemoveChild(op.Parent, op.ID)
	case OpSetSlot:
		return t.SetSlot(op.ID, op.Slot, op.Value)
	case OpSetSlots:
		return t.SetSlots(op.ID, op.Values)
	default:
		return fmt.Errorf("%w: %d", ErrBadOpcode, op.Code)
	}
}
