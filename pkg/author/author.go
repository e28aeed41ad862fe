// Package author implements the authoring side of the engine: it reconciles
// declarative descriptions into an instance tree and ships the resulting
// mutations as patch batches.
package author

import (
	"errors"
	"fmt"

	"github.com/giftline/recon/pkg/arrdiff"
	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/itree"
	"github.com/giftline/recon/pkg/logutil"
	"github.com/giftline/recon/pkg/patch"
)

var logger = logutil.GetLogger("[author] ")

// ErrNoRoot is returned by Reload before anything was rendered.
var ErrNoRoot = errors.New("nothing rendered yet")

// Desc describes an instance and its children. Attrs has one value per slot
// of the type, or is nil to leave every slot at nil.
type Desc struct {
	Type     deftable.TypeID
	Key      string
	Attrs    []any
	Children []Desc
}

// Session keeps the instance tree of one surface. Renders are not safe for
// concurrent use; the coordinator serializes them.
type Session struct {
	defs   *deftable.Table
	ids    *itree.IDSource
	policy arrdiff.Policy
	enc    *patch.Encoder
	tree   *itree.Tree
	root   itree.ID
	last   *Desc
	gen    uint64
	seq    uint64
}

// New creates a session. Sessions of one coordinator share ids.
func New(defs *deftable.Table, ids *itree.IDSource, policy arrdiff.Policy) *Session {
	s := &Session{defs: defs, ids: ids, policy: policy, enc: &patch.Encoder{}}
	s.tree = itree.New(defs, ids, s.enc)
	s.tree.SetValueCheck(patch.CheckValue)
	return s
}

// Tree returns the current instance tree.
func (s *Session) Tree() *itree.Tree { return s.tree }

// Root returns the id of the root instance, or 0.
func (s *Session) Root() itree.ID { return s.root }

// Generation returns the current generation.
func (s *Session) Generation() uint64 { return s.gen }

// Render reconciles the tree with d. Mutations are recorded for the next
// Flush. On error the tree may be partially updated; the mutations applied
// to attached nodes so far are still recorded, and subtrees that failed to
// build are dropped without a trace. Slot values that cannot be shipped are
// rejected before they reach the tree.
func (s *Session) Render(d Desc) error {
	if s.root != 0 && s.tree.Type(s.root) == d.Type && s.tree.Key(s.root) == d.Key {
		if err := s.reconcile(s.root, d); err != nil {
			return err
		}
		s.last = &d
		return nil
	}
	id, err := s.buildDetached(d)
	if err != nil {
		return err
	}
	s.last = &d
	if s.root != 0 {
		s.enc.Removed(0, s.root)
		s.tree.Destroy(s.root)
	}
	s.root = id
	s.enc.Inserted(0, id, 0)
	return nil
}

// buildDetached builds the subtree described by d. On error the partial
// subtree is destroyed and the operations recorded for it are dropped.
func (s *Session) buildDetached(d Desc) (itree.ID, error) {
	mark := s.enc.Len()
	id, err := s.build(d)
	if err != nil {
		if id != 0 {
			s.tree.Destroy(id)
		}
		s.enc.Truncate(mark)
		return 0, err
	}
	return id, nil
}

// build creates the subtree described by d, detached.
func (s *Session) build(d Desc) (itree.ID, error) {
	id, err := s.tree.Create(d.Type, d.Key)
	if err != nil {
		return 0, err
	}
	if err := s.tree.SetAttributes(id, d.Attrs); err != nil {
		return id, err
	}
	for _, cd := range d.Children {
		c, err := s.build(cd)
		if err != nil {
			if c != 0 {
				s.tree.Destroy(c)
			}
			return id, err
		}
		if err := s.tree.InsertBefore(id, c, 0); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (s *Session) ident(id itree.ID) (uint32, string) {
	return uint32(s.tree.Type(id)), s.tree.Key(id)
}

func descIdent(d Desc) (uint32, string) { return uint32(d.Type), d.Key }

func (s *Session) reconcile(id itree.ID, d Desc) error {
	if err := s.tree.SetAttributes(id, d.Attrs); err != nil {
		return err
	}
	old := s.tree.Children(id)
	r := arrdiff.DiffPolicy(arrdiff.Idents(old, s.ident), arrdiff.Idents(d.Children, descIdent), s.policy)

	ids := make([]itree.ID, len(d.Children))
	for i, e := range r.Entries {
		if e.Kind != arrdiff.Inserted {
			ids[i] = old[e.From]
		}
	}
	for _, e := range r.Edits() {
		var before itree.ID
		if e.Before >= 0 {
			before = ids[e.Before]
		}
		var err error
		switch e.Op {
		case arrdiff.OpRemove:
			err = s.tree.RemoveChild(id, old[e.Old])
		case arrdiff.OpInsert:
			if ids[e.New], err = s.buildDetached(d.Children[e.New]); err == nil {
				err = s.tree.InsertBefore(id, ids[e.New], before)
			}
		case arrdiff.OpMove:
			err = s.tree.InsertBefore(id, old[e.Old], before)
		}
		if err != nil {
			return fmt.Errorf("reconciling children of %d: %w", id, err)
		}
	}
	for i, e := range r.Entries {
		if e.Kind == arrdiff.Inserted {
			continue
		}
		if err := s.reconcile(ids[i], d.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

// Flush takes the recorded mutations as the next batch. It returns nil when
// nothing was recorded.
func (s *Session) Flush() *patch.Batch {
	ops := s.enc.TakePatch()
	if len(ops) == 0 {
		return nil
	}
	s.seq++
	return &patch.Batch{Generation: s.gen, Seq: s.seq, Ops: ops}
}

// Reload starts a new generation: the last rendered description is authored
// again into a fresh tree, whose snapshot is returned as a reload batch.
// Mutations recorded but not flushed are discarded, and batches of earlier
// generations still in flight will be dropped by the presentation side.
func (s *Session) Reload() (*patch.Batch, error) {
	if s.last == nil {
		return nil, ErrNoRoot
	}
	fresh := itree.New(s.defs, s.ids, nil)
	fresh.SetValueCheck(patch.CheckValue)
	old := s.tree
	s.tree = fresh
	root, err := s.build(*s.last)
	if err != nil {
		s.tree = old
		return nil, err
	}
	s.enc.TakePatch()
	fresh.SetObserver(s.enc)
	s.root = root
	s.gen++
	s.seq++
	logger.Printf("generation %d: %d nodes", s.gen, fresh.Len())
	return &patch.Batch{Generation: s.gen, Seq: s.seq, Reload: fresh.Snapshot(root)}, nil
}
