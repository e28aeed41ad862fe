package deftable

import (
	"errors"
	"testing"

	"github.com/giftline/recon/pkg/native"
	"github.com/giftline/recon/pkg/native/memhost"
)

func label(h native.Host) []native.Handle { return []native.Handle{h.Create("label")} }

func TestSlotKind_Equal(t *testing.T) {
	m := map[string]any{"a": 1}
	f := func() {}
	tests := []struct {
		kind SlotKind
		a, b any
		want bool
	}{
		{SlotValue, 1, 1, true},
		{SlotValue, []int{1, 2}, []int{1, 2}, true},
		{SlotValue, "x", "y", false},
		{SlotValue, nil, nil, true},
		{SlotSpread, map[string]any{"a": 1, "b": "x"}, map[string]any{"a": 1, "b": "x"}, true},
		{SlotSpread, map[string]any{"a": 1}, map[string]any{"a": 2}, false},
		{SlotSpread, map[string]any{"a": []int{1}}, map[string]any{"a": []int{1}}, false},
		{SlotEvent, EventRef("tap"), EventRef("tap"), true},
		{SlotEvent, EventRef("tap"), EventRef("hold"), false},
		{SlotResource, m, m, true},
		{SlotResource, map[string]any{"a": 1}, map[string]any{"a": 1}, false},
		{SlotResource, f, f, true},
		{SlotResource, nil, ResourceRef("img"), false},
	}
	for _, test := range tests {
		if got := test.kind.Equal(test.a, test.b); got != test.want {
			t.Errorf("%v.Equal(%v, %v) -> %v, want %v", test.kind, test.a, test.b, got, test.want)
		}
	}
}

func TestNewDef_DefaultUpdaters(t *testing.T) {
	def := MustDef(Def{
		Type: 1, Name: "label", Materialize: label,
		Slots: []Slot{
			{Name: "text", Kind: SlotValue},
			{Name: "style", Kind: SlotSpread},
			{Name: "on-tap", Kind: SlotEvent},
		},
	})
	host := memhost.New()
	hs := def.Materialize(host)
	def.Update(host, hs, 0, nil, "hi")
	def.Update(host, hs, 1, nil, map[string]any{"color": "red", "bold": true})
	def.Update(host, hs, 1, map[string]any{"color": "red", "bold": true}, map[string]any{"color": "blue"})
	def.Update(host, hs, 2, nil, EventRef("tap"))

	got := host.Dump(hs[0].(*memhost.Element))
	want := "label color=blue on-tap=tap text=hi\n"
	if got != want {
		t.Errorf("dump -> %q, want %q", got, want)
	}
}

func TestNewDef_Errors(t *testing.T) {
	if _, err := NewDef(Def{Name: "x"}); !errors.Is(err, ErrNoMaterialize) {
		t.Errorf("NewDef without Materialize -> %v, want ErrNoMaterialize", err)
	}
	_, err := NewDef(Def{Name: "x", Materialize: label, Slots: []Slot{{Kind: SlotKind(9)}}})
	if !errors.Is(err, ErrBadSlotKind) {
		t.Errorf("NewDef with bad slot kind -> %v, want ErrBadSlotKind", err)
	}
}

func TestTable(t *testing.T) {
	a := MustDef(Def{Type: 1, Name: "a", Materialize: label})
	b := MustDef(Def{Type: 2, Name: "b", Materialize: label})

	if _, err := New(false, a, a); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("New with duplicates -> %v, want ErrDuplicateType", err)
	}

	tab, err := New(false, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if d, ok := tab.Lookup(2); !ok || d != b {
		t.Errorf("Lookup(2) -> (%v, %v), want (b, true)", d, ok)
	}
	if _, ok := tab.Lookup(3); ok {
		t.Errorf("Lookup(3) -> ok, want not found")
	}
	if err := tab.Redefine(b); !errors.Is(err, ErrHotPatchDisabled) {
		t.Errorf("Redefine in release mode -> %v, want ErrHotPatchDisabled", err)
	}

	dbg, _ := New(true, a, b)
	b2 := MustDef(Def{Type: 2, Name: "b2", Materialize: label})
	if err := dbg.Redefine(b2); err != nil {
		t.Errorf("Redefine -> %v, want nil", err)
	}
	if d, _ := dbg.Lookup(2); d != b2 {
		t.Errorf("Lookup(2) after Redefine -> %v, want b2", d.Name)
	}
	if err := dbg.Redefine(MustDef(Def{Type: 7, Materialize: label})); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Redefine unknown -> %v, want ErrUnknownType", err)
	}
	fewer := MustDef(Def{Type: 2, Name: "b3", Materialize: label, Slots: []Slot{{Name: "x"}}})
	if err := dbg.Redefine(fewer); !errors.Is(err, ErrSlotMismatch) {
		t.Errorf("Redefine with another slot count -> %v, want ErrSlotMismatch", err)
	}
	if d, _ := dbg.Lookup(2); d != b2 {
		t.Errorf("Lookup(2) after rejected Redefine -> %v, want b2", d.Name)
	}
	if got := dbg.Types(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Types() -> %v, want [1 2]", got)
	}
}
