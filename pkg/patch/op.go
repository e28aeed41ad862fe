// Package patch turns instance tree mutations into an ordered stream of
// operations and replays that stream on the presentation side.
//
// Operations address nodes by id only. They must be applied strictly in order;
// later operations may reference ids created by earlier ones of the same
// batch.
package patch

import (
	"fmt"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/itree"
)

// Opcode identifies the kind of an Op.
type Opcode uint8

const (
	OpCreateNode Opcode = iota + 1
	OpInsertBefore
	OpRemoveChild
	OpSetSlot
	OpSetSlots
)

var opcodeNames = [...]string{
	OpCreateNode:   "CreateNode",
	OpInsertBefore: "InsertBefore",
	OpRemoveChild:  "RemoveChild",
	OpSetSlot:      "SetSlot",
	OpSetSlots:     "SetSlots",
}

func (c Opcode) String() string {
	if c > 0 && int(c) < len(opcodeNames) {
		return opcodeNames[c]
	}
	return fmt.Sprintf("opcode(%d)", c)
}

// MarshalText implements encoding.TextMarshaler.
func (c Opcode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Opcode) UnmarshalText(b []byte) error {
	for i, name := range opcodeNames {
		if name != "" && name == string(b) {
			*c = Opcode(i)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrBadOpcode, b)
}

// Op is one patch operation. Which fields are meaningful depends on Code:
//
//	CreateNode    Type, ID, Key
//	InsertBefore  Parent, ID (the child), Before
//	RemoveChild   Parent, ID (the child)
//	SetSlot       ID, Slot, Value
//	SetSlots      ID, Values
//
// A zero Parent addresses the host container; a zero Before appends.
type Op struct {
	Code   Opcode          `json:"op"`
	ID     itree.ID        `json:"id"`
	Type   deftable.TypeID `json:"type,omitempty"`
	Key    string          `json:"key,omitempty"`
	Parent itree.ID        `json:"parent,omitempty"`
	Before itree.ID        `json:"before,omitempty"`
	Slot   int             `json:"slot,omitempty"`
	Value  any             `json:"value,omitempty"`
	Values []any           `json:"values,omitempty"`
}

func CreateNode(typ deftable.TypeID, id itree.ID, key string) Op {
	return Op{Code: OpCreateNode, Type: typ, ID: id, Key: key}
}

func InsertBefore(parent, child, before itree.ID) Op {
	return Op{Code: OpInsertBefore, Parent: parent, ID: child, Before: before}
}

func RemoveChild(parent, child itree.ID) Op {
	return Op{Code: OpRemoveChild, Parent: parent, ID: child}
}

func SetSlot(id itree.ID, slot int, value any) Op {
	return Op{Code: OpSetSlot, ID: id, Slot: slot, Value: value}
}

func SetSlots(id itree.ID, values []any) Op {
	return Op{Code: OpSetSlots, ID: id, Values: values}
}

func (op Op) String() string {
	switch op.Code {
	case OpCreateNode:
		return fmt.Sprintf("CreateNode(t%d, %d, %q)", op.Type, op.ID, op.Key)
	case OpInsertBefore:
		return fmt.Sprintf("InsertBefore(%d, %d, %d)", op.Parent, op.ID, op.Before)
	case OpRemoveChild:
		return fmt.Sprintf("RemoveChild(%d, %d)", op.Parent, op.ID)
	case OpSetSlot:
		return fmt.Sprintf("SetSlot(%d, %d, %v)", op.ID, op.Slot, op.Value)
	case OpSetSlots:
		return fmt.Sprintf("SetSlots(%d, %v)", op.ID, op.Values)
	default:
		return op.Code.String()
	}
}

// Batch is the unit shipped across the boundary: the operations of one
// authoring pass, tagged for ordering.
type Batch struct {
	// Generation is the reload generation the batch was authored in.
	Generation uint64 `json:"generation"`
	// Seq increases by one with every batch of a coordinator.
	Seq uint64 `json:"seq"`
	Ops []Op   `json:"ops,omitempty"`
	// Reload, when set, carries a freshly authored tree that replaces the
	// presentation tree by hydration. Ops are applied after it.
	Reload *itree.Snapshot `json:"reload,omitempty"`
}
