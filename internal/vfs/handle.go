package vfs

import (
	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/layer"
)

// Handle refers to a node of one generation. Its data never changes, even
// after newer generations are published; Refresh follows the node's identity
// into the current generation.
type Handle struct {
	fs   *FS
	snap *snapshot
	id   graph.NodeID
}

// IsValid reports whether h was obtained from an FS.
func (h Handle) IsValid() bool { return h.fs != nil && h.snap != nil }

func (h Handle) node() *graph.Node { return h.snap.tree.Node(h.id) }

func (h Handle) Path() string { return h.snap.tree.Path(h.id) }

func (h Handle) Name() string { return h.node().Name }

func (h Handle) Kind() layer.Kind { return h.node().Kind }

func (h Handle) IsFolder() bool { return h.node().IsFolder() }

// Serial is the node identity, stable across generations while the node
// keeps its path and kind.
func (h Handle) Serial() uint64 { return h.node().Serial }

// Generation is the generation h was obtained from.
func (h Handle) Generation() uint64 { return h.snap.gen }

// Stamp is the newest modification time among the layers declaring the node.
func (h Handle) Stamp() int64 { return h.node().Stamp }

// Origin names the layer that won the node's kind and content.
func (h Handle) Origin() string { return h.snap.origin(h.node().Source) }

// Attribute resolves another attribute of this node; it lets handles serve
// as the node argument of registered callables.
func (h Handle) Attribute(key string) (any, bool) {
	if !h.IsValid() {
		return nil, false
	}
	return h.fs.Attribute(h, key)
}

// Refresh returns the handle for the same node in the current generation.
// ok is false once the node has been removed or replaced by one of another
// kind.
func (h Handle) Refresh() (Handle, bool) {
	if !h.IsValid() {
		return Handle{}, false
	}
	cur := h.fs.current()
	if cur == h.snap {
		return h, true
	}
	id, ok := cur.bySerial[h.Serial()]
	if !ok {
		return Handle{}, false
	}
	return Handle{fs: h.fs, snap: cur, id: id}, true
}

// Alive reports whether the node still exists in the current generation.
func (h Handle) Alive() bool {
	_, ok := h.Refresh()
	return ok
}
