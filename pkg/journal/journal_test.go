package journal

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/patch"
)

func open(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal(t *testing.T) {
	j := open(t)
	if _, ok, err := j.LastGeneration(); ok || err != nil {
		t.Errorf("LastGeneration of empty journal -> %v, %v", ok, err)
	}

	in := []*patch.Batch{
		{Generation: 0, Seq: 1, Ops: []patch.Op{patch.CreateNode(1, 1, "")}},
		{Generation: 0, Seq: 2, Ops: []patch.Op{patch.SetSlot(1, 0, "x")}},
		{Generation: 1, Seq: 3, Reload: &itree.Snapshot{Root: 5, Nodes: []itree.SnapNode{{ID: 5, Type: 1}}}},
		{Generation: 1, Seq: 10, Ops: []patch.Op{patch.RemoveChild(0, 5)}},
		{Generation: 0, Seq: 300, Ops: []patch.Op{patch.InsertBefore(0, 1, 0)}},
	}
	for _, b := range in {
		if err := j.Append(b); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.Batches(0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]*patch.Batch{in[0], in[1], in[4]}, got); diff != "" {
		t.Errorf("Batches(0) (-want +got):\n%s", diff)
	}
	if gen, ok, _ := j.LastGeneration(); !ok || gen != 1 {
		t.Errorf("LastGeneration -> %d, %v; want 1, true", gen, ok)
	}

	if n, err := j.Prune(1); n != 3 || err != nil {
		t.Errorf("Prune(1) -> %d, %v; want 3, nil", n, err)
	}
	if got, _ := j.Batches(0); len(got) != 0 {
		t.Errorf("Batches(0) after Prune -> %d batches", len(got))
	}
	got, _ = j.Batches(1)
	if diff := cmp.Diff([]*patch.Batch{in[2], in[3]}, got); diff != "" {
		t.Errorf("Batches(1) (-want +got):\n%s", diff)
	}
}

func TestJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	j.Append(&patch.Batch{Generation: 2, Seq: 1})
	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if gen, ok, _ := j.LastGeneration(); !ok || gen != 2 {
		t.Errorf("LastGeneration after reopen -> %d, %v", gen, ok)
	}
}
