// Package memhost implements an in-memory native host. Elements form a plain
// tree, and every call is counted, which makes the host suitable for tests and
// for the demo program.
package memhost

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/giftline/recon/pkg/native"
)

// Element is a native resource created by Host.
type Element struct {
	Serial   int
	Kind     string
	Attrs    map[string]any
	Parent   *Element
	Children []*Element
	// Items holds the slots of a list element. A nil slot is unresolved.
	Items     []*Element
	Paused    bool
	Destroyed bool
}

// Counts keeps the number of calls of each kind.
type Counts struct {
	Created, Destroyed, Attached, Detached, SetAttr int
	Placeholders                                   int
	ListInserts, ListRemoves, ListMoves            int
	ListReplaces, ListResets                       int
}

// Host is an in-memory implementation of native.Host and of the list host
// notifications. It is safe for concurrent use.
type Host struct {
	mu     sync.Mutex
	serial int
	counts Counts
	// Root is the container element.
	root *Element
}

var _ native.Host = (*Host)(nil)
var _ native.Pauser = (*Host)(nil)

// New creates a Host with a container element of kind "root".
func New() *Host {
	h := &Host{}
	h.root = h.newElement("root")
	return h
}

func (h *Host) newElement(kind string) *Element {
	h.serial++
	return &Element{Serial: h.serial, Kind: kind, Attrs: map[string]any{}}
}

// Root returns the container element.
func (h *Host) Root() *Element { return h.root }

// Counts returns a copy of the call counters.
func (h *Host) Counts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts
}

// ResetCounts zeroes the call counters.
func (h *Host) ResetCounts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts = Counts{}
}

func (h *Host) Create(kind string) native.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Created++
	return h.newElement(kind)
}

func (h *Host) Attach(parent, child, before native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Attached++
	p, c := el(parent), el(child)
	if c.Parent != nil {
		c.Parent.Children = remove(c.Parent.Children, c)
	}
	c.Parent = p
	if before == nil {
		p.Children = append(p.Children, c)
		return
	}
	b := el(before)
	for i, x := range p.Children {
		if x == b {
			p.Children = insert(p.Children, i, c)
			return
		}
	}
	p.Children = append(p.Children, c)
}

func (h *Host) Detach(parent, child native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Detached++
	p, c := el(parent), el(child)
	p.Children = remove(p.Children, c)
	if c.Parent == p {
		c.Parent = nil
	}
}

func (h *Host) SetAttribute(x native.Handle, name string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.SetAttr++
	if value == nil {
		delete(el(x).Attrs, name)
	} else {
		el(x).Attrs[name] = value
	}
}

func (h *Host) Destroy(x native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Destroyed++
	e := el(x)
	e.Destroyed = true
	if e.Parent != nil {
		e.Parent.Children = remove(e.Parent.Children, e)
		e.Parent = nil
	}
}

func (h *Host) Pause(x native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	el(x).Paused = true
}

func (h *Host) Resume(x native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	el(x).Paused = false
}

// List host notifications.

func (h *Host) Insert(list native.Handle, index int, item native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.ListInserts++
	l := el(list)
	l.Items = insert(l.Items, index, elOrNil(item))
}

func (h *Host) Remove(list native.Handle, index int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.ListRemoves++
	l := el(list)
	l.Items = append(l.Items[:index], l.Items[index+1:]...)
}

func (h *Host) Move(list native.Handle, from, to int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.ListMoves++
	l := el(list)
	x := l.Items[from]
	l.Items = append(l.Items[:from], l.Items[from+1:]...)
	l.Items = insert(l.Items, to, x)
}

func (h *Host) Replace(list native.Handle, index int, item native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.ListReplaces++
	el(list).Items[index] = elOrNil(item)
}

func (h *Host) Reset(list native.Handle, items []native.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.ListResets++
	l := el(list)
	l.Items = make([]*Element, len(items))
	for i, item := range items {
		l.Items[i] = elOrNil(item)
	}
}

func (h *Host) Placeholder() native.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts.Placeholders++
	return h.newElement("placeholder")
}

// Dump renders the subtree of e in an indented form that does not depend on
// element serials, so that two structurally equal trees dump equally.
func (h *Host) Dump(e *Element) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sb strings.Builder
	dump(&sb, e, "")
	return sb.String()
}

func dump(sb *strings.Builder, e *Element, indent string) {
	if e == nil {
		fmt.Fprintf(sb, "%s<unresolved>\n", indent)
		return
	}
	sb.WriteString(indent)
	sb.WriteString(e.Kind)
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, " %s=%v", k, e.Attrs[k])
	}
	if e.Paused {
		sb.WriteString(" (paused)")
	}
	sb.WriteString("\n")
	for _, c := range e.Children {
		dump(sb, c, indent+"  ")
	}
	for _, item := range e.Items {
		dump(sb, item, indent+"  - ")
	}
}

func el(h native.Handle) *Element { return h.(*Element) }

func elOrNil(h native.Handle) *Element {
	if h == nil {
		return nil
	}
	return h.(*Element)
}

func insert(s []*Element, i int, e *Element) []*Element {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = e
	return s
}

func remove(s []*Element, e *Element) []*Element {
	for i, x := range s {
		if x == e {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
