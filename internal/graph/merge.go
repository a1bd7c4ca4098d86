package graph

import (
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/layercache/internal/layer"
)

// decl is one layer's declaration of a path.
type decl struct {
	layer int
	node  *layer.Node
}

type merger struct {
	nodes  []Node
	layers []LayerInfo
}

// Merge overlays sources into one tree. sources[0] has the highest priority.
//
// The winning declaration at a path (the first in priority order) decides the
// kind and, for files, the content. Folder children are the union of every
// folder declaration, ordered by first appearance and then by numeric
// position. Attributes fall through per key from all declarations regardless
// of kind. A file "X_hidden" in layer i hides X declared by layers after i.
//
// Merge is deterministic and never fails on valid input. It panics with
// *InvariantViolation if the resulting arena is inconsistent.
func Merge(sources []layer.Source) *Tree {
	m := &merger{layers: make([]LayerInfo, len(sources))}
	var roots []decl
	for i, src := range sources {
		m.layers[i] = LayerInfo{
			Origin: src.Origin,
			Stamp:  StampOf(src.ModTime),
			Nodes:  roaring.New(),
		}
		if src.Root != nil {
			roots = append(roots, decl{layer: i, node: src.Root})
		}
	}

	if len(roots) == 0 {
		m.nodes = append(m.nodes, Node{Parent: NoParent, Kind: layer.KindFolder, Source: NoSource, Stamp: NoTimestamp, Serial: 1})
	} else {
		m.emit("", NoParent, roots)
	}

	t := &Tree{Nodes: m.nodes, Layers: m.layers}
	t.finish()
	if err := t.Verify(); err != nil {
		panic(err)
	}
	return t
}

func (m *merger) emit(name string, parent NodeID, decls []decl) NodeID {
	id := NodeID(len(m.nodes))
	win := decls[0]
	n := Node{
		Name:   name,
		Parent: parent,
		Kind:   win.node.Kind,
		Source: win.layer,
		Stamp:  NoTimestamp,
		Serial: uint64(id) + 1,
	}
	if parent == NoParent {
		n.Kind = layer.KindFolder
	}
	if n.Kind == layer.KindFile {
		n.Content = cloneContent(win.node.Content)
	}
	n.Attrs = mergeAttrs(decls)
	for _, d := range decls {
		m.layers[d.layer].Nodes.Add(uint32(id))
		if s := m.layers[d.layer].Stamp; s > n.Stamp {
			n.Stamp = s
		}
	}
	m.nodes = append(m.nodes, n)

	if n.Kind != layer.KindFolder {
		return id
	}
	names, groups := collectChildren(decls)
	for _, childName := range names {
		child := m.emit(childName, id, groups[childName])
		m.nodes[id].Children = append(m.nodes[id].Children, child)
	}
	return id
}

// collectChildren gathers the visible children of the folder declarations in
// decls, applying masks. Names come back in merged sibling order.
func collectChildren(decls []decl) ([]string, map[string][]decl) {
	var names []string
	groups := make(map[string][]decl)
	masked := make(map[string]int) // hidden name -> layer of the highest mask
	for _, d := range decls {
		if d.node.Kind != layer.KindFolder {
			continue
		}
		for _, c := range d.node.Children {
			if target, ok := c.MaskTarget(); ok {
				if _, seen := masked[target]; !seen {
					masked[target] = d.layer
				}
				continue
			}
			if at, ok := masked[c.Name]; ok && d.layer > at {
				continue
			}
			if _, seen := groups[c.Name]; !seen {
				names = append(names, c.Name)
			}
			groups[c.Name] = append(groups[c.Name], decl{layer: d.layer, node: c})
		}
	}
	sortByPosition(names, groups)
	return names, groups
}

// sortByPosition stable-sorts names by their merged position attribute.
// Positioned children come first; the rest keep first-appearance order.
func sortByPosition(names []string, groups map[string][]decl) {
	pos := make(map[string]float64, len(names))
	positioned := false
	for _, name := range names {
		for _, d := range groups[name] {
			if _, declared := d.node.Attr(layer.PositionAttr); !declared {
				continue
			}
			if p, ok := layer.Position(d.node.Attrs); ok {
				pos[name] = p
				positioned = true
			}
			break
		}
	}
	if !positioned {
		return
	}
	sort.SliceStable(names, func(i, j int) bool {
		pi, iok := pos[names[i]]
		pj, jok := pos[names[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		default:
			return false
		}
	})
}

// mergeAttrs takes each key from the highest-priority declaration that has it.
// Keys keep the order in which they were first met.
func mergeAttrs(decls []decl) []Attr {
	var out []Attr
	var seen map[string]bool
	for _, d := range decls {
		for _, a := range d.node.Attrs {
			if seen == nil {
				seen = make(map[string]bool)
			}
			if seen[a.Key] {
				continue
			}
			seen[a.Key] = true
			out = append(out, Attr{Key: a.Key, Value: a.Value, Source: d.layer})
		}
	}
	return out
}

func cloneContent(c layer.Content) layer.Content {
	if c.Data != nil {
		c.Data = append([]byte(nil), c.Data...)
	}
	return c
}
