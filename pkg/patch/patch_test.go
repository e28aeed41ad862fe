package patch

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/fault"
	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/native"
)

func table(t *testing.T) *deftable.Table {
	t.Helper()
	mat := func(h native.Host) []native.Handle { return []native.Handle{h.Create("x")} }
	tab, err := deftable.New(false,
		deftable.MustDef(deftable.Def{Type: 1, Name: "box", Materialize: mat, Route: deftable.RouteArray}),
		deftable.MustDef(deftable.Def{Type: 2, Name: "text", Materialize: mat,
			Slots: []deftable.Slot{{Name: "text"}, {Name: "color"}}}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return tab
}

func TestEncoder(t *testing.T) {
	enc := &Encoder{}
	tr := itree.New(table(t), &itree.IDSource{}, enc)
	root, _ := tr.Create(1, "")
	a, _ := tr.Create(2, "a")
	tr.InsertBefore(root, a, 0)
	tr.SetAttribute(a, 0, "hi")

	want := []Op{CreateNode(1, root, ""), CreateNode(2, a, "a"), InsertBefore(root, a, 0), SetSlot(a, 0, "hi")}
	if diff := cmp.Diff(want, enc.TakePatch()); diff != "" {
		t.Errorf("TakePatch (-want +got):\n%s", diff)
	}
	if ops := enc.TakePatch(); len(ops) != 0 {
		t.Errorf("second TakePatch -> %v, want empty", ops)
	}

	tr.SetAttributes(a, []any{"x", "red"})
	tr.RemoveChild(root, a)
	if enc.Len() != 2 {
		t.Errorf("Len -> %d, want 2", enc.Len())
	}
	want = []Op{SetSlots(a, []any{"x", "red"}), RemoveChild(root, a)}
	if diff := cmp.Diff(want, enc.TakePatch()); diff != "" {
		t.Errorf("TakePatch (-want +got):\n%s", diff)
	}
}

var sampleBatch = &Batch{
	Generation: 3, Seq: 17,
	Ops: []Op{
		CreateNode(2, 10, "row-1"),
		InsertBefore(0, 10, 0),
		InsertBefore(5, 10, 9),
		RemoveChild(5, 9),
		SetSlot(10, 1, nil),
		SetSlot(10, 0, deftable.EventRef("tap")),
		SetSlots(10, []any{
			true, false, int64(-42), 2.5, "str", []byte{1, 2},
			[]any{int64(1), "x", []any{}},
			map[string]any{"b": int64(2), "a": deftable.ResourceRef("img")},
		}),
	},
	Reload: &itree.Snapshot{Root: 1, Nodes: []itree.SnapNode{
		{ID: 1, Type: 1, Children: []itree.ID{2, 3}},
		{ID: 2, Type: 2, Key: "a", Attrs: []any{"a", nil}},
		{ID: 3, Type: 2, Attrs: []any{"b", "red"}},
	}},
}

func TestWire_RoundTrip(t *testing.T) {
	data, err := sampleBatch.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Batch
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sampleBatch, &got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

type color string

func TestWire_ValueTypes(t *testing.T) {
	date := time.Date(2026, 12, 24, 18, 30, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want any
	}{
		{int8(-3), int64(-3)},
		{int16(300), int64(300)},
		{uint(7), uint64(7)},
		{uint8(255), uint64(255)},
		{uint64(math.MaxUint64), uint64(math.MaxUint64)},
		{color("red"), "red"},
		{[]string{"a", "b"}, []any{"a", "b"}},
		{[2]int{1, 2}, []any{int64(1), int64(2)}},
		{map[string]int{"a": 1}, map[string]any{"a": int64(1)}},
		{map[string][]string{"k": {"v"}}, map[string]any{"k": []any{"v"}}},
		{date, date},
	}
	for _, test := range tests {
		if err := CheckValue(test.in); err != nil {
			t.Errorf("CheckValue(%#v) -> %v", test.in, err)
		}
		data, err := (&Batch{Ops: []Op{SetSlot(1, 0, test.in)}}).MarshalBinary()
		if err != nil {
			t.Errorf("MarshalBinary of %#v -> %v", test.in, err)
			continue
		}
		var b Batch
		if err := b.UnmarshalBinary(data); err != nil {
			t.Errorf("UnmarshalBinary of %#v -> %v", test.in, err)
			continue
		}
		if got := b.Ops[0].Value; !cmp.Equal(got, test.want) {
			t.Errorf("%#v decodes as %#v, want %#v", test.in, got, test.want)
		}
	}

	for _, v := range []any{func() {}, make(chan int), struct{}{}, map[int]string{1: "x"}, new(int), []any{func() {}}} {
		if err := CheckValue(v); !errors.Is(err, ErrBadValue) {
			t.Errorf("CheckValue(%T) -> %v, want ErrBadValue", v, err)
		}
	}
}

func TestWire_Errors(t *testing.T) {
	data, _ := sampleBatch.MarshalBinary()
	var b Batch
	for i := 4; i < len(data); i++ {
		if err := b.UnmarshalBinary(data[:i]); err == nil {
			t.Errorf("UnmarshalBinary of %d-byte prefix -> nil error", i)
		}
	}
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"magic", []byte("XX\x01\x00"), ErrBadMagic},
		{"short", []byte("RP"), ErrBadMagic},
		{"version", []byte("RP\x09\x00\x00\x00\x00"), ErrVersion},
		{"opcode", []byte("RP\x01\x00\x00\x00\x01\x09"), ErrBadOpcode},
		{"tag", []byte("RP\x01\x00\x00\x00\x01\x04\x01\x00\x63"), ErrBadValue},
		{"trailing", append(bytes.Clone(data), 0), ErrTrailing},
		{"count", []byte("RP\x01\x00\x00\x00\xff\xff\x03"), ErrTruncated},
	}
	for _, test := range tests {
		if err := b.UnmarshalBinary(test.data); !errors.Is(err, test.want) {
			t.Errorf("%s: UnmarshalBinary -> %v, want %v", test.name, err, test.want)
		}
	}

	bad := &Batch{Ops: []Op{SetSlot(1, 0, struct{}{})}}
	if _, err := bad.MarshalBinary(); !errors.Is(err, ErrBadValue) {
		t.Errorf("MarshalBinary of unsupported value -> %v, want ErrBadValue", err)
	}
}

func TestDumpJSON(t *testing.T) {
	var sb strings.Builder
	if err := (&Batch{Seq: 1, Ops: []Op{CreateNode(2, 10, "k")}}).DumpJSON(&sb); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"op": "CreateNode"`, `"key": "k"`, `"seq": 1`} {
		if !strings.Contains(sb.String(), want) {
			t.Errorf("dump %s lacks %s", sb.String(), want)
		}
	}
}

// logTarget is a Target that registers ids and logs dispatched operations.
type logTarget struct {
	ids map[itree.ID]bool
	log []string
	err map[itree.ID]error
}

func newLogTarget(ids ...itree.ID) *logTarget {
	t := &logTarget{ids: map[itree.ID]bool{}, err: map[itree.ID]error{}}
	for _, id := range ids {
		t.ids[id] = true
	}
	return t
}

func (t *logTarget) Has(id itree.ID) bool { return t.ids[id] }

func (t *logTarget) do(id itree.ID, format string, args ...any) error {
	if err := t.err[id]; err != nil {
		return err
	}
	t.log = append(t.log, fmt.Sprintf(format, args...))
	return nil
}

func (t *logTarget) Create(typ deftable.TypeID, id itree.ID, key string) error {
	t.ids[id] = true
	return t.do(id, "create %d", id)
}
func (t *logTarget) InsertBefore(p, c, b itree.ID) error { return t.do(c, "insert %d %d %d", p, c, b) }
func (t *logTarget) RemoveChild(p, c itree.ID) error {
	delete(t.ids, c)
	return t.do(c, "remove %d %d", p, c)
}
func (t *logTarget) SetSlot(id itree.ID, i int, v any) error { return t.do(id, "set %d", id) }
func (t *logTarget) SetSlots(id itree.ID, vs []any) error   { return t.do(id, "sets %d", id) }

func TestApply_FaultContainment(t *testing.T) {
	ops := []Op{
		CreateNode(2, 10, ""),
		InsertBefore(0, 10, 0),
		CreateNode(2, 11, ""),
		InsertBefore(0, 11, 10),
		SetSlot(10, 0, "a"),
		SetSlot(99, 0, "lost"),
		SetSlots(11, []any{"b", nil}),
		CreateNode(2, 12, ""),
		InsertBefore(0, 12, 0),
		RemoveChild(0, 11),
	}
	target := newLogTarget()
	var faults fault.Collector
	applied, err := Apply(ops, target, faults.Report)
	if applied != 9 || err != nil {
		t.Errorf("Apply -> (%d, %v), want (9, nil)", applied, err)
	}
	got := faults.Faults()
	if len(got) != 1 || got[0].Kind != fault.MissingContext || got[0].ID != 99 || got[0].Op != "SetSlot" {
		t.Errorf("faults -> %v, want one missing-context for id 99", got)
	}
	if len(target.log) != 9 {
		t.Errorf("target saw %d operations, want 9", len(target.log))
	}
}

func TestApply_Precheck(t *testing.T) {
	tests := []struct {
		op     Op
		faulty itree.ID
	}{
		{CreateNode(2, 1, ""), 1},
		{InsertBefore(7, 1, 0), 7},
		{InsertBefore(1, 7, 0), 7},
		{InsertBefore(1, 2, 7), 7},
		{RemoveChild(1, 7), 7},
		{RemoveChild(7, 1), 7},
		{SetSlots(7, nil), 7},
	}
	for _, test := range tests {
		var faults fault.Collector
		applied, _ := Apply([]Op{test.op}, newLogTarget(1, 2), faults.Report)
		fs := faults.Faults()
		if applied != 0 || len(fs) != 1 || fs[0].ID != uint64(test.faulty) {
			t.Errorf("Apply(%v) -> %d applied, faults %v; want fault on %d", test.op, applied, fs, test.faulty)
		}
	}
}

func TestApply_TargetErrors(t *testing.T) {
	target := newLogTarget(1, 2, 3)
	collision := &fault.Fault{Kind: fault.ReuseKeyCollision, ReuseKey: "row-1"}
	target.err[2] = collision
	target.err[3] = errors.New("slot out of range")

	var faults fault.Collector
	applied, err := Apply([]Op{
		InsertBefore(1, 2, 0),
		SetSlot(3, 9, "x"),
		SetSlot(1, 0, "ok"),
	}, target, faults.Report)

	if applied != 1 {
		t.Errorf("applied -> %d, want 1", applied)
	}
	if !errors.Is(err, fault.ErrReuseKeyCollision) {
		t.Errorf("err -> %v, want reuse-key collision", err)
	}
	if faults.Count(fault.ReuseKeyCollision) != 1 || faults.Count(fault.Malformed) != 1 {
		t.Errorf("faults -> %v", faults.Faults())
	}
}
