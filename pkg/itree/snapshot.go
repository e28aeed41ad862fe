package itree

import "github.com/giftline/recon/pkg/deftable"

// Snapshot is a self-contained copy of a subtree. It is what crosses the
// boundary on a reload, in place of a patch log.
type Snapshot struct {
	Root  ID
	Nodes []SnapNode
}

// SnapNode is one node of a Snapshot. Nodes are listed in preorder, so a
// parent always precedes its children.
type SnapNode struct {
	ID       ID
	Type     deftable.TypeID
	Key      string
	Attrs    []any
	Children []ID
}

// Snapshot captures the subtree rooted at root. It returns nil if root is
// unknown.
func (t *Tree) Snapshot(root ID) *Snapshot {
	if !t.Contains(root) {
		return nil
	}
	s := &Snapshot{Root: root}
	var walk func(id ID)
	walk = func(id ID) {
		children := t.Children(id)
		s.Nodes = append(s.Nodes, SnapNode{
			ID: id, Type: t.Type(id), Key: t.Key(id),
			Attrs: t.Attrs(id), Children: children})
		for _, c := range children {
			walk(c)
		}
	}
	walk(root)
	return s
}

// Index returns a map from ids to positions in s.Nodes.
func (s *Snapshot) Index() map[ID]int {
	m := make(map[ID]int, len(s.Nodes))
	for i, n := range s.Nodes {
		m[n.ID] = i
	}
	return m
}
