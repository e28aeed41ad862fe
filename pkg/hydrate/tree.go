package hydrate

import "github.com/giftline/recon/pkg/itree"

// FromSnapshot builds an unmaterialized tree from a snapshot. It returns nil
// for a nil or empty snapshot.
func FromSnapshot(s *itree.Snapshot) *Node {
	if s == nil || len(s.Nodes) == 0 {
		return nil
	}
	nodes := make(map[itree.ID]*Node, len(s.Nodes))
	for _, sn := range s.Nodes {
		nodes[sn.ID] = &Node{ID: sn.ID, Type: sn.Type, Key: sn.Key, Attrs: append([]any(nil), sn.Attrs...)}
	}
	for _, sn := range s.Nodes {
		n := nodes[sn.ID]
		for _, c := range sn.Children {
			if cn := nodes[c]; cn != nil {
				n.Children = append(n.Children, cn)
			}
		}
	}
	return nodes[s.Root]
}

// Clone returns an unmaterialized copy of the tree rooted at n, with the same
// ids.
func Clone(n *Node) *Node {
	c := &Node{ID: n.ID, Type: n.Type, Key: n.Key, Attrs: append([]any(nil), n.Attrs...)}
	for _, ch := range n.Children {
		c.Children = append(c.Children, Clone(ch))
	}
	return c
}

// Walk calls f on n and its descendants in preorder.
func Walk(n *Node, f func(*Node)) {
	f(n)
	for _, c := range n.Children {
		Walk(c, f)
	}
}
