// Package layer parses declarative layer documents into node trees.
//
// A layer declares folders and files, each carrying attributes. Layers are
// merged by the graph package; this package only knows about one document
// at a time.
package layer

import (
	"strings"
	"time"
)

// Kind says whether a node is a folder or a file.
type Kind uint8

const (
	KindFolder Kind = iota + 1
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// ContentKind says where a file's bytes come from.
type ContentKind uint8

const (
	ContentNone ContentKind = iota
	ContentInline
	ContentURL
)

// Content is a file's byte source.
type Content struct {
	Kind ContentKind
	Data []byte // ContentInline
	URL  string // ContentURL, as written in the document
}

// Equal reports whether two content sources are identical.
func (c Content) Equal(o Content) bool {
	return c.Kind == o.Kind && c.URL == o.URL && string(c.Data) == string(o.Data)
}

// Attr is one named attribute declaration.
type Attr struct {
	Key   string
	Value Value
}

// PositionAttr orders siblings when it holds a numeric literal.
const PositionAttr = "position"

// MaskSuffix marks a file that hides the same-named entry of lower layers.
const MaskSuffix = "_hidden"

// Node is a folder or file parsed from a single layer document.
type Node struct {
	Name     string
	Kind     Kind
	Attrs    []Attr
	Children []*Node
	Content  Content
	Line     int
}

// NewFolder builds a folder node. Mostly used by tests and programmatic layers.
func NewFolder(name string, children ...*Node) *Node {
	return &Node{Name: name, Kind: KindFolder, Children: children}
}

// NewFile builds a file node with inline content.
func NewFile(name string, data []byte) *Node {
	n := &Node{Name: name, Kind: KindFile}
	if data != nil {
		n.Content = Content{Kind: ContentInline, Data: data}
	}
	return n
}

// WithAttr appends an attribute and returns n for chaining.
func (n *Node) WithAttr(key string, v Value) *Node {
	n.Attrs = append(n.Attrs, Attr{Key: key, Value: v})
	return n
}

// Attr returns the declaration for key.
func (n *Node) Attr(key string) (Value, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return Value{}, false
}

// Child returns the direct child called name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Lookup walks a slash separated path below n.
func (n *Node) Lookup(path string) *Node {
	cur := n
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		if cur = cur.Child(seg); cur == nil {
			return nil
		}
	}
	return cur
}

// MaskTarget returns the name hidden by a mask file.
func (n *Node) MaskTarget() (string, bool) {
	if n.Kind != KindFile || !strings.HasSuffix(n.Name, MaskSuffix) || n.Name == MaskSuffix {
		return "", false
	}
	return strings.TrimSuffix(n.Name, MaskSuffix), true
}

// Position returns the numeric position hint of a declaration set.
func Position(attrs []Attr) (float64, bool) {
	for _, a := range attrs {
		if a.Key != PositionAttr {
			continue
		}
		if a.Value.Kind != ValueLiteral {
			return 0, false
		}
		v, err := a.Value.Literal()
		if err != nil {
			return 0, false
		}
		switch p := v.(type) {
		case int64:
			return float64(p), true
		case float64:
			return p, true
		}
		return 0, false
	}
	return 0, false
}

// Source is one ordered merge input. Earlier sources take precedence.
type Source struct {
	Origin  string
	Root    *Node
	ModTime time.Time // zero when the origin does not track modification times
}
