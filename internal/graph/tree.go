package graph

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/layercache/internal/layer"
)

// NodeID indexes Tree.Nodes. IDs follow pre-order, so a parent always has a
// smaller ID than its children.
type NodeID int32

const (
	NoParent NodeID = -1

	// NoTimestamp marks a layer (or node) whose modification time is not tracked.
	NoTimestamp int64 = math.MinInt64

	// NoSource is the provenance of a synthesized root when no layer was merged.
	NoSource = -1
)

// StampOf converts a modification time to the stamp stored in trees.
func StampOf(t time.Time) int64 {
	if t.IsZero() {
		return NoTimestamp
	}
	return t.UnixNano()
}

// Attr is one merged attribute with the layer that supplied it.
type Attr struct {
	Key    string
	Value  layer.Value
	Source int
}

// Node is one entry of the merged arena.
type Node struct {
	Name     string
	Parent   NodeID
	Kind     layer.Kind
	Content  layer.Content
	Attrs    []Attr
	Children []NodeID
	Source   int    // layer that won the kind and content decision
	Stamp    int64  // max stamp of contributing layers, or NoTimestamp
	Serial   uint64 // identity, carried across generations by Reconcile

	Self   uint64 // digest of this node alone
	Digest uint64 // digest of the whole subtree
}

// Attr returns the merged attribute for key.
func (n *Node) Attr(key string) (Attr, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a, true
		}
	}
	return Attr{}, false
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool { return n.Kind == layer.KindFolder }

// LayerInfo describes one merge input as recorded in the tree.
type LayerInfo struct {
	Origin string
	Stamp  int64
	// Nodes holds the IDs of every node this layer declared something for.
	Nodes *roaring.Bitmap
}

// Tree is an immutable merged tree. Nodes[0] is the root folder.
type Tree struct {
	Nodes  []Node
	Layers []LayerInfo

	paths []string
	index map[string]NodeID
}

// Assemble builds a tree from nodes whose Parent fields are set and whose
// Children are empty, in pre-order. It rebuilds children lists, digests and
// the path index, then verifies the arena.
func Assemble(nodes []Node, layers []LayerInfo) (*Tree, error) {
	for i := range nodes {
		nodes[i].Children = nil
	}
	for i := 1; i < len(nodes); i++ {
		p := nodes[i].Parent
		if p < 0 || int(p) >= i {
			return nil, &InvariantViolation{Node: NodeID(i), Msg: fmt.Sprintf("parent %d out of order", p)}
		}
		nodes[p].Children = append(nodes[p].Children, NodeID(i))
	}
	t := &Tree{Nodes: nodes, Layers: layers}
	t.finish()
	if err := t.Verify(); err != nil {
		return nil, err
	}
	return t, nil
}

// finish computes digests and the path index.
func (t *Tree) finish() {
	computeDigests(t.Nodes)
	t.paths = make([]string, len(t.Nodes))
	t.index = make(map[string]NodeID, len(t.Nodes))
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.Parent == NoParent {
			t.paths[i] = ""
		} else {
			t.paths[i] = joinPath(t.paths[n.Parent], n.Name)
		}
		t.index[t.paths[i]] = NodeID(i)
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// CleanPath normalizes "/a/b/" and "a/b" to "a/b"; the root is "".
func CleanPath(p string) string {
	return strings.Trim(p, "/")
}

// Root returns the root ID.
func (t *Tree) Root() NodeID { return 0 }

// Len returns the number of nodes including the root.
func (t *Tree) Len() int { return len(t.Nodes) }

// Node returns the node for id.
func (t *Tree) Node(id NodeID) *Node { return &t.Nodes[id] }

// Path returns the slash separated path of id.
func (t *Tree) Path(id NodeID) string { return t.paths[id] }

// Lookup finds a node by path.
func (t *Tree) Lookup(path string) (NodeID, bool) {
	id, ok := t.index[CleanPath(path)]
	return id, ok
}

// Child finds a direct child by name.
func (t *Tree) Child(parent NodeID, name string) (NodeID, bool) {
	for _, c := range t.Nodes[parent].Children {
		if t.Nodes[c].Name == name {
			return c, true
		}
	}
	return 0, false
}

// Stamp is the newest stamp over all layers, or NoTimestamp.
func (t *Tree) Stamp() int64 {
	s := NoTimestamp
	for _, l := range t.Layers {
		if l.Stamp > s {
			s = l.Stamp
		}
	}
	return s
}

// MaxSerial returns the largest identity serial in the tree.
func (t *Tree) MaxSerial() uint64 {
	var m uint64
	for i := range t.Nodes {
		if t.Nodes[i].Serial > m {
			m = t.Nodes[i].Serial
		}
	}
	return m
}

// InvariantViolation reports an arena that breaks the tree invariants. From
// Merge it means the merge itself misbehaved; from the codec, a corrupt file.
type InvariantViolation struct {
	Node NodeID
	Msg  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("tree invariant violated at node %d: %s", e.Node, e.Msg)
}

// Verify checks the arena invariants.
func (t *Tree) Verify() error {
	bad := func(id int, format string, args ...any) error {
		return &InvariantViolation{Node: NodeID(id), Msg: fmt.Sprintf(format, args...)}
	}
	if len(t.Nodes) == 0 {
		return bad(0, "empty tree")
	}
	root := &t.Nodes[0]
	if root.Parent != NoParent || root.Kind != layer.KindFolder || root.Name != "" {
		return bad(0, "root must be an unnamed folder without parent")
	}
	linked := 0
	serials := make(map[uint64]int, len(t.Nodes))
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if prev, dup := serials[n.Serial]; dup {
			return bad(i, "serial %d already used by node %d", n.Serial, prev)
		}
		serials[n.Serial] = i
		if i > 0 {
			if n.Parent < 0 || int(n.Parent) >= i {
				return bad(i, "parent %d out of order", n.Parent)
			}
			if n.Name == "" || strings.Contains(n.Name, "/") {
				return bad(i, "bad name %q", n.Name)
			}
			if t.Nodes[n.Parent].Kind != layer.KindFolder {
				return bad(i, "parent %d is not a folder", n.Parent)
			}
		}
		switch n.Kind {
		case layer.KindFolder:
			if n.Content.Kind != layer.ContentNone {
				return bad(i, "folder with content")
			}
		case layer.KindFile:
			if len(n.Children) > 0 {
				return bad(i, "file with children")
			}
		default:
			return bad(i, "unknown kind %d", n.Kind)
		}
		if n.Source < NoSource || n.Source >= len(t.Layers) || (n.Source == NoSource && i > 0) {
			return bad(i, "source %d out of range", n.Source)
		}
		seen := make(map[string]bool, len(n.Children))
		for _, c := range n.Children {
			if c <= NodeID(i) || int(c) >= len(t.Nodes) || t.Nodes[c].Parent != NodeID(i) {
				return bad(i, "child %d not linked back", c)
			}
			name := t.Nodes[c].Name
			if seen[name] {
				return bad(i, "duplicate child %q", name)
			}
			seen[name] = true
		}
		linked += len(n.Children)
		keys := make(map[string]bool, len(n.Attrs))
		for _, a := range n.Attrs {
			if keys[a.Key] {
				return bad(i, "duplicate attribute %q", a.Key)
			}
			keys[a.Key] = true
			if a.Source < 0 || a.Source >= len(t.Layers) {
				return bad(i, "attribute %q source %d out of range", a.Key, a.Source)
			}
		}
	}
	if linked != len(t.Nodes)-1 {
		return bad(0, "%d nodes unreachable", len(t.Nodes)-1-linked)
	}
	return nil
}

// Equal reports whether two trees are structurally and attribute-wise
// identical, including provenance, stamps and identity serials.
func (t *Tree) Equal(o *Tree) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.Nodes) != len(o.Nodes) || len(t.Layers) != len(o.Layers) {
		return false
	}
	for i := range t.Layers {
		a, b := t.Layers[i], o.Layers[i]
		if a.Origin != b.Origin || a.Stamp != b.Stamp || !bitmapsEqual(a.Nodes, b.Nodes) {
			return false
		}
	}
	for i := range t.Nodes {
		if !nodesEqual(&t.Nodes[i], &o.Nodes[i]) {
			return false
		}
	}
	return true
}

func nodesEqual(a, b *Node) bool {
	if a.Name != b.Name || a.Parent != b.Parent || a.Kind != b.Kind || a.Source != b.Source ||
		a.Stamp != b.Stamp || a.Serial != b.Serial || a.Digest != b.Digest || !a.Content.Equal(b.Content) {
		return false
	}
	if len(a.Attrs) != len(b.Attrs) || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Attrs {
		if a.Attrs[i].Key != b.Attrs[i].Key || a.Attrs[i].Source != b.Attrs[i].Source ||
			!a.Attrs[i].Value.Equal(b.Attrs[i].Value) {
			return false
		}
	}
	for i := range a.Children {
		if a.Children[i] != b.Children[i] {
			return false
		}
	}
	return true
}

func bitmapsEqual(a, b *roaring.Bitmap) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil:
		return b.IsEmpty()
	case b == nil:
		return a.IsEmpty()
	}
	return a.Equals(b)
}
