package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/itree"
)

// Wire format of a Batch:
//
//	"RP" version flags generation seq nops op... [snapshot]
//
// Integers are uvarints; strings and byte slices are length-prefixed. An op is
// its opcode byte followed by the operands of that opcode in the order of the
// Op field table. Values are tagged.
const (
	wireVersion = 1
	flagReload  = 1 << 0
	maxDepth    = 32
)

const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
	tagEvent
	tagResource
	tagUint
	tagTime
)

// Errors returned when decoding.
var (
	ErrBadMagic  = errors.New("not a patch batch")
	ErrVersion   = errors.New("unsupported wire version")
	ErrTruncated = errors.New("truncated batch")
	ErrBadOpcode = errors.New("bad opcode")
	ErrBadValue  = errors.New("bad value")
	ErrTrailing  = errors.New("trailing bytes after batch")
)

// MarshalBinary implements encoding.BinaryMarshaler. It fails only for slot
// values rejected by CheckValue.
func (b *Batch) MarshalBinary() ([]byte, error) {
	buf := []byte{'R', 'P', wireVersion, 0}
	if b.Reload != nil {
		buf[3] |= flagReload
	}
	buf = binary.AppendUvarint(buf, b.Generation)
	buf = binary.AppendUvarint(buf, b.Seq)
	buf = binary.AppendUvarint(buf, uint64(len(b.Ops)))
	var err error
	for i, op := range b.Ops {
		if buf, err = appendOp(buf, op); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}
	if b.Reload != nil {
		if buf, err = appendSnapshot(buf, b.Reload); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}
	return buf, nil
}

func appendOp(buf []byte, op Op) ([]byte, error) {
	buf = append(buf, byte(op.Code))
	switch op.Code {
	case OpCreateNode:
		buf = binary.AppendUvarint(buf, uint64(op.Type))
		buf = binary.AppendUvarint(buf, uint64(op.ID))
		buf = appendString(buf, op.Key)
	case OpInsertBefore:
		buf = binary.AppendUvarint(buf, uint64(op.Parent))
		buf = binary.AppendUvarint(buf, uint64(op.ID))
		buf = binary.AppendUvarint(buf, uint64(op.Before))
	case OpRemoveChild:
		buf = binary.AppendUvarint(buf, uint64(op.Parent))
		buf = binary.AppendUvarint(buf, uint64(op.ID))
	case OpSetSlot:
		buf = binary.AppendUvarint(buf, uint64(op.ID))
		buf = binary.AppendUvarint(buf, uint64(op.Slot))
		return appendValue(buf, op.Value, 0)
	case OpSetSlots:
		buf = binary.AppendUvarint(buf, uint64(op.ID))
		return appendValues(buf, op.Values, 0)
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadOpcode, op.Code)
	}
	return buf, nil
}

func appendSnapshot(buf []byte, s *itree.Snapshot) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(s.Root))
	buf = binary.AppendUvarint(buf, uint64(len(s.Nodes)))
	var err error
	for _, n := range s.Nodes {
		buf = binary.AppendUvarint(buf, uint64(n.ID))
		buf = binary.AppendUvarint(buf, uint64(n.Type))
		buf = appendString(buf, n.Key)
		if buf, err = appendValues(buf, n.Attrs, 0); err != nil {
			return nil, fmt.Errorf("node %d: %w", n.ID, err)
		}
		buf = binary.AppendUvarint(buf, uint64(len(n.Children)))
		for _, c := range n.Children {
			buf = binary.AppendUvarint(buf, uint64(c))
		}
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendValues(buf []byte, vs []any, depth int) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(len(vs)))
	var err error
	for _, v := range vs {
		if buf, err = appendValue(buf, v, depth); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nested too deeply", ErrBadValue)
	}
	switch v := v.(type) {
	case nil:
		return append(buf, tagNil), nil
	case bool:
		if v {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case int:
		return appendInt(buf, int64(v)), nil
	case int8:
		return appendInt(buf, int64(v)), nil
	case int16:
		return appendInt(buf, int64(v)), nil
	case int32:
		return appendInt(buf, int64(v)), nil
	case int64:
		return appendInt(buf, v), nil
	case uint:
		return appendUint(buf, uint64(v)), nil
	case uint8:
		return appendUint(buf, uint64(v)), nil
	case uint16:
		return appendUint(buf, uint64(v)), nil
	case uint32:
		return appendUint(buf, uint64(v)), nil
	case uint64:
		return appendUint(buf, v), nil
	case float32:
		return appendFloat(buf, float64(v)), nil
	case float64:
		return appendFloat(buf, v), nil
	case string:
		return appendString(append(buf, tagString), v), nil
	case []byte:
		buf = binary.AppendUvarint(append(buf, tagBytes), uint64(len(v)))
		return append(buf, v...), nil
	case []any:
		return appendValues(append(buf, tagList), v, depth+1)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		return appendMap(buf, keys, func(k string) any { return v[k] }, depth)
	case deftable.EventRef:
		return appendString(append(buf, tagEvent), string(v)), nil
	case deftable.ResourceRef:
		return appendString(append(buf, tagResource), string(v)), nil
	case time.Time:
		data, err := v.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadValue, err)
		}
		buf = binary.AppendUvarint(append(buf, tagTime), uint64(len(data)))
		return append(buf, data...), nil
	}
	return appendReflect(buf, reflect.ValueOf(v), depth)
}

// appendReflect encodes values of named and composite types by their kind:
// named scalars as their underlying type, slices and arrays as lists and maps
// with string keys as maps.
func appendReflect(buf []byte, rv reflect.Value, depth int) ([]byte, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return appendValue(buf, rv.Bool(), depth)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendInt(buf, rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendUint(buf, rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return appendFloat(buf, rv.Float()), nil
	case reflect.String:
		return appendString(append(buf, tagString), rv.String()), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return appendValue(buf, rv.Bytes(), depth)
		}
		buf = binary.AppendUvarint(append(buf, tagList), uint64(rv.Len()))
		var err error
		for i := 0; i < rv.Len(); i++ {
			if buf, err = appendValue(buf, rv.Index(i).Interface(), depth+1); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		byKey := make(map[string]reflect.Value, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			k := it.Key().String()
			keys = append(keys, k)
			byKey[k] = it.Value()
		}
		return appendMap(buf, keys, func(k string) any { return byKey[k].Interface() }, depth)
	}
	return nil, fmt.Errorf("%w: unsupported type %s", ErrBadValue, rv.Type())
}

func appendMap(buf []byte, keys []string, get func(string) any, depth int) ([]byte, error) {
	sort.Strings(keys)
	buf = binary.AppendUvarint(append(buf, tagMap), uint64(len(keys)))
	var err error
	for _, k := range keys {
		buf = appendString(buf, k)
		if buf, err = appendValue(buf, get(k), depth+1); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendInt(buf []byte, v int64) []byte { return binary.AppendVarint(append(buf, tagInt), v) }

func appendUint(buf []byte, v uint64) []byte { return binary.AppendUvarint(append(buf, tagUint), v) }

func appendFloat(buf []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(append(buf, tagFloat), math.Float64bits(v))
}

// CheckValue returns an error wrapping ErrBadValue if v cannot be carried by
// a batch. Authoring trees run it before storing slot values.
func CheckValue(v any) error {
	_, err := appendValue(nil, v, 0)
	return err
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Signed integers
// decode as int64, unsigned ones as uint64 and floats as float64. Values of
// named types decode as their underlying type, and typed slices and maps as
// []any and map[string]any.
func (b *Batch) UnmarshalBinary(data []byte) error {
	if len(data) < 4 || data[0] != 'R' || data[1] != 'P' {
		return ErrBadMagic
	}
	if data[2] != wireVersion {
		return fmt.Errorf("%w: %d", ErrVersion, data[2])
	}
	flags := data[3]
	r := &reader{b: data[4:]}
	*b = Batch{Generation: r.uvarint(), Seq: r.uvarint()}
	n := r.count(2)
	if n > 0 {
		b.Ops = make([]Op, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		b.Ops = append(b.Ops, r.op())
	}
	if flags&flagReload != 0 {
		b.Reload = r.snapshot()
	}
	if r.err == nil && len(r.b) > 0 {
		r.err = ErrTrailing
	}
	return r.err
}

// reader decodes from a byte slice. The first error sticks; later reads
// return zero values.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.b = nil
}

func (r *reader) u8() byte {
	if len(r.b) == 0 {
		r.fail(ErrTruncated)
		return 0
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c
}

func (r *reader) uvarint() uint64 {
	x, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.fail(ErrTruncated)
		return 0
	}
	r.b = r.b[n:]
	return x
}

func (r *reader) varint() int64 {
	x, n := binary.Varint(r.b)
	if n <= 0 {
		r.fail(ErrTruncated)
		return 0
	}
	r.b = r.b[n:]
	return x
}

func (r *reader) id() itree.ID { return itree.ID(r.uvarint()) }

// count reads a length, rejecting values that cannot fit in the remaining
// input given at least min bytes per element.
func (r *reader) count(min int) int {
	n := r.uvarint()
	if n > uint64(len(r.b)/min+1) {
		r.fail(ErrTruncated)
		return 0
	}
	return int(n)
}

func (r *reader) raw() []byte {
	n := r.count(1)
	if n > len(r.b) {
		r.fail(ErrTruncated)
		return nil
	}
	s := r.b[:n]
	r.b = r.b[n:]
	return s
}

func (r *reader) str() string { return string(r.raw()) }

func (r *reader) op() Op {
	switch code := Opcode(r.u8()); code {
	case OpCreateNode:
		typ := deftable.TypeID(r.uvarint())
		return CreateNode(typ, r.id(), r.str())
	case OpInsertBefore:
		parent, child := r.id(), r.id()
		return InsertBefore(parent, child, r.id())
	case OpRemoveChild:
		parent := r.id()
		return RemoveChild(parent, r.id())
	case OpSetSlot:
		id, slot := r.id(), int(r.uvarint())
		return SetSlot(id, slot, r.value(0))
	case OpSetSlots:
		id := r.id()
		return SetSlots(id, r.values(0))
	default:
		r.fail(fmt.Errorf("%w: %d", ErrBadOpcode, code))
		return Op{}
	}
}

func (r *reader) snapshot() *itree.Snapshot {
	s := &itree.Snapshot{Root: r.id()}
	n := r.count(5)
	for i := 0; i < n && r.err == nil; i++ {
		node := itree.SnapNode{ID: r.id(), Type: deftable.TypeID(r.uvarint()), Key: r.str()}
		node.Attrs = r.values(0)
		nc := r.count(1)
		for j := 0; j < nc && r.err == nil; j++ {
			node.Children = append(node.Children, r.id())
		}
		s.Nodes = append(s.Nodes, node)
	}
	return s
}

func (r *reader) values(depth int) []any {
	n := r.count(1)
	if n == 0 {
		return nil
	}
	vs := make([]any, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		vs = append(vs, r.value(depth))
	}
	return vs
}

func (r *reader) value(depth int) any {
	if depth > maxDepth {
		r.fail(fmt.Errorf("%w: nested too deeply", ErrBadValue))
		return nil
	}
	switch tag := r.u8(); tag {
	case tagNil:
		return nil
	case tagFalse:
		return false
	case tagTrue:
		return true
	case tagInt:
		return r.varint()
	case tagFloat:
		if len(r.b) < 8 {
			r.fail(ErrTruncated)
			return nil
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(r.b))
		r.b = r.b[8:]
		return f
	case tagString:
		return r.str()
	case tagBytes:
		return append([]byte{}, r.raw()...)
	case tagList:
		vs := r.values(depth + 1)
		if vs == nil {
			vs = []any{}
		}
		return vs
	case tagMap:
		n := r.count(2)
		m := make(map[string]any, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.str()
			m[k] = r.value(depth + 1)
		}
		return m
	case tagEvent:
		return deftable.EventRef(r.str())
	case tagResource:
		return deftable.ResourceRef(r.str())
	case tagUint:
		return r.uvarint()
	case tagTime:
		var t time.Time
		if err := t.UnmarshalBinary(r.raw()); err != nil && r.err == nil {
			r.fail(fmt.Errorf("%w: %v", ErrBadValue, err))
		}
		return t
	default:
		r.fail(fmt.Errorf("%w: tag %d", ErrBadValue, tag))
		return nil
	}
}
