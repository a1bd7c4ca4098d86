package graph

import (
	"fmt"

	"github.com/agentic-research/layercache/internal/layer"
)

// EventKind classifies a change between two generations.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventRemoved
	EventChanged
	EventReordered
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	case EventReordered:
		return "reordered"
	default:
		return "unknown"
	}
}

// AttrDelta is one attribute that differs. A nil side means absent.
type AttrDelta struct {
	Key string
	Old *layer.Value
	New *layer.Value
}

// Change is one event in a ChangeSet.
//
//	Added, Removed  Path, NodeKind (subtree root only)
//	Changed         Path, Attrs, ContentChanged
//	Reordered       Path (the folder), Permutation
type Change struct {
	Kind           EventKind
	Path           string
	NodeKind       layer.Kind
	Attrs          []AttrDelta
	ContentChanged bool
	// Permutation[i] is the old index, among children present in both
	// generations, of the child now at index i.
	Permutation []int
}

func (c Change) String() string {
	switch c.Kind {
	case EventAdded, EventRemoved:
		return fmt.Sprintf("%s %s %q", c.Kind, c.NodeKind, c.Path)
	case EventChanged:
		return fmt.Sprintf("changed %q attrs=%d content=%t", c.Path, len(c.Attrs), c.ContentChanged)
	case EventReordered:
		return fmt.Sprintf("reordered %q %v", c.Path, c.Permutation)
	default:
		return "unknown change"
	}
}

// ChangeSet lists changes in pre-order of the trees.
type ChangeSet []Change

// Diff computes the changes turning old into new. A nil old reports every
// child of the new root as added.
func Diff(old, new *Tree) ChangeSet {
	d := &differ{old: old, new: new}
	d.run()
	return d.out
}

// Reconcile is Diff plus identity transfer: every node of new that exists in
// old at the same path with the same kind takes the old serial; the rest get
// fresh serials above any serial old used. new must not be shared yet.
func Reconcile(old, new *Tree) ChangeSet {
	d := &differ{old: old, new: new, assign: true, matched: make([]bool, len(new.Nodes))}
	d.run()

	next := uint64(1)
	if old != nil {
		next = old.MaxSerial() + 1
	}
	for i := range new.Nodes {
		if !d.matched[i] {
			new.Nodes[i].Serial = next
			next++
		}
	}
	return d.out
}

type differ struct {
	old, new *Tree
	assign   bool
	matched  []bool
	out      ChangeSet
}

func (d *differ) run() {
	if d.old == nil {
		for _, c := range d.new.Nodes[0].Children {
			d.emit(Change{Kind: EventAdded, Path: d.new.Path(c), NodeKind: d.new.Nodes[c].Kind})
		}
		return
	}
	d.node(0, 0)
}

func (d *differ) emit(c Change) { d.out = append(d.out, c) }

func (d *differ) match(o, n NodeID) {
	if d.assign {
		d.new.Nodes[n].Serial = d.old.Nodes[o].Serial
		d.matched[n] = true
	}
}

// node compares a pair at the same path and kind.
func (d *differ) node(o, n NodeID) {
	on, nn := &d.old.Nodes[o], &d.new.Nodes[n]
	if on.Digest == nn.Digest && d.same(o, n) {
		d.matchSubtree(o, n)
		return
	}
	d.match(o, n)
	path := d.new.Path(n)

	if on.Self != nn.Self || !nodeSelfEqual(on, nn) {
		deltas := attrDeltas(on.Attrs, nn.Attrs)
		contentChanged := !on.Content.Equal(nn.Content)
		if len(deltas) > 0 || contentChanged {
			d.emit(Change{Kind: EventChanged, Path: path, Attrs: deltas, ContentChanged: contentChanged})
		}
	}
	if nn.Kind != layer.KindFolder {
		return
	}

	newByName := make(map[string]NodeID, len(nn.Children))
	for _, c := range nn.Children {
		newByName[d.new.Nodes[c].Name] = c
	}
	oldByName := make(map[string]NodeID, len(on.Children))
	for _, c := range on.Children {
		oldByName[d.old.Nodes[c].Name] = c
	}

	// common children, by their index among common children in old order
	oldRank := make(map[string]int)
	for _, c := range on.Children {
		oc := &d.old.Nodes[c]
		nc, ok := newByName[oc.Name]
		if !ok || d.new.Nodes[nc].Kind != oc.Kind {
			d.emit(Change{Kind: EventRemoved, Path: d.old.Path(c), NodeKind: oc.Kind})
			continue
		}
		oldRank[oc.Name] = len(oldRank)
	}

	var pairs [][2]NodeID
	for _, c := range nn.Children {
		nc := &d.new.Nodes[c]
		oc, ok := oldByName[nc.Name]
		if !ok || d.old.Nodes[oc].Kind != nc.Kind {
			d.emit(Change{Kind: EventAdded, Path: d.new.Path(c), NodeKind: nc.Kind})
			continue
		}
		pairs = append(pairs, [2]NodeID{oc, c})
	}

	perm := make([]int, len(pairs))
	moved := false
	for i, p := range pairs {
		perm[i] = oldRank[d.new.Nodes[p[1]].Name]
		if perm[i] != i {
			moved = true
		}
	}
	if moved {
		d.emit(Change{Kind: EventReordered, Path: path, Permutation: perm})
	}

	for _, p := range pairs {
		d.node(p[0], p[1])
	}
}

// same confirms a digest match structurally.
func (d *differ) same(o, n NodeID) bool {
	on, nn := &d.old.Nodes[o], &d.new.Nodes[n]
	if on.Kind != nn.Kind || on.Name != nn.Name || !nodeSelfEqual(on, nn) || len(on.Children) != len(nn.Children) {
		return false
	}
	for i := range on.Children {
		if !d.same(on.Children[i], nn.Children[i]) {
			return false
		}
	}
	return true
}

func (d *differ) matchSubtree(o, n NodeID) {
	if !d.assign {
		return
	}
	d.match(o, n)
	oc, nc := d.old.Nodes[o].Children, d.new.Nodes[n].Children
	for i := range oc {
		d.matchSubtree(oc[i], nc[i])
	}
}

func nodeSelfEqual(a, b *Node) bool {
	if !a.Content.Equal(b.Content) || len(a.Attrs) != len(b.Attrs) {
		return false
	}
	for i := range a.Attrs {
		if a.Attrs[i].Key != b.Attrs[i].Key || !a.Attrs[i].Value.Equal(b.Attrs[i].Value) {
			return false
		}
	}
	return true
}

// attrDeltas lists keys whose merged value differs, old keys first in old
// order, then keys only new has.
func attrDeltas(old, new []Attr) []AttrDelta {
	var out []AttrDelta
	newByKey := make(map[string]int, len(new))
	for i, a := range new {
		newByKey[a.Key] = i
	}
	oldKeys := make(map[string]bool, len(old))
	for _, a := range old {
		oldKeys[a.Key] = true
		ov := a.Value
		j, ok := newByKey[a.Key]
		if !ok {
			out = append(out, AttrDelta{Key: a.Key, Old: &ov})
			continue
		}
		if nv := new[j].Value; !ov.Equal(nv) {
			out = append(out, AttrDelta{Key: a.Key, Old: &ov, New: &nv})
		}
	}
	for _, a := range new {
		if oldKeys[a.Key] {
			continue
		}
		nv := a.Value
		out = append(out, AttrDelta{Key: a.Key, New: &nv})
	}
	return out
}
