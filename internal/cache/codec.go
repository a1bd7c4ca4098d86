// Package cache persists merged trees in a compact binary form.
//
// Layout (all integers little-endian):
//
//	header   magic u32 | version u16 | flags u16 | strings u32 | layers u32 | nodes u32
//	strings  (len u32, bytes)*
//	layers   (origin str, hasStamp u8, stamp i64, bitmap len u32, roaring bytes)*
//	nodes    (parent i32, kind u8, name str, source i32, stamp i64, serial u64,
//	          content, attrs u32, (key str, source i32, value)*)*
//	trailer  xxhash64 of everything above
//
// str is an index into the string pool. Nodes are written in pre-order so a
// reader rebuilds the arena in one pass.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"

	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/layer"
)

const (
	Magic         = 0x4C595243 // 'LYRC'
	FormatVersion = 1

	headerSize  = 4 + 2 + 2 + 4 + 4 + 4
	trailerSize = 8

	// nested constructed/computed arguments deeper than this are rejected
	maxValueDepth = 16
)

var (
	ErrVersionMismatch = errors.New("cache format version mismatch")
	ErrCorrupt         = errors.New("cache corrupt")
)

// Error describes why a cache could not be loaded. It matches
// ErrVersionMismatch or ErrCorrupt with errors.Is.
type Error struct {
	Kind   error
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v at byte %d: %s", e.Kind, e.Offset, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Encode serializes t. The output is deterministic for equal trees.
func Encode(t *graph.Tree) ([]byte, error) {
	if t == nil || len(t.Nodes) == 0 {
		return nil, fmt.Errorf("encode: empty tree")
	}
	if len(t.Nodes) > math.MaxInt32 {
		return nil, fmt.Errorf("encode: %d nodes exceed the format limit", len(t.Nodes))
	}
	return encodeArena(t.Nodes, t.Layers)
}

// encodeArena writes nodes and layers without checking tree invariants.
func encodeArena(nodes []graph.Node, layers []graph.LayerInfo) ([]byte, error) {
	pool := newStringPool()
	body := encoder{pool: pool}
	for _, l := range layers {
		body.str(l.Origin)
		if l.Stamp == graph.NoTimestamp {
			body.u8(0)
			body.i64(0)
		} else {
			body.u8(1)
			body.i64(l.Stamp)
		}
		var bm []byte
		if l.Nodes != nil {
			var err error
			if bm, err = l.Nodes.ToBytes(); err != nil {
				return nil, fmt.Errorf("encode layer %q provenance: %w", l.Origin, err)
			}
		}
		body.bytes(bm)
	}
	for i := range nodes {
		n := &nodes[i]
		body.i32(int32(n.Parent))
		body.u8(uint8(n.Kind))
		body.str(n.Name)
		body.i32(int32(n.Source))
		body.i64(n.Stamp)
		body.u64(n.Serial)
		body.u8(uint8(n.Content.Kind))
		switch n.Content.Kind {
		case layer.ContentInline:
			body.bytes(n.Content.Data)
		case layer.ContentURL:
			body.str(n.Content.URL)
		}
		body.u32(uint32(len(n.Attrs)))
		for _, a := range n.Attrs {
			body.str(a.Key)
			body.i32(int32(a.Source))
			body.value(a.Value)
		}
	}

	out := make([]byte, 0, headerSize+pool.size+len(body.buf)+trailerSize)
	out = binary.LittleEndian.AppendUint32(out, Magic)
	out = binary.LittleEndian.AppendUint16(out, FormatVersion)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pool.list)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(layers)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(nodes)))
	for _, s := range pool.list {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	out = append(out, body.buf...)
	out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
	return out, nil
}

// Decode parses an encoded tree and verifies it. Digests are recomputed.
func Decode(data []byte) (*graph.Tree, error) {
	if len(data) < headerSize+trailerSize {
		return nil, &Error{Kind: ErrCorrupt, Msg: fmt.Sprintf("short buffer (%d bytes)", len(data))}
	}
	if m := binary.LittleEndian.Uint32(data); m != Magic {
		return nil, &Error{Kind: ErrCorrupt, Msg: fmt.Sprintf("bad magic %#x", m)}
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != FormatVersion {
		return nil, &Error{Kind: ErrVersionMismatch, Offset: 4, Msg: fmt.Sprintf("found %d, want %d", v, FormatVersion)}
	}
	payload := data[:len(data)-trailerSize]
	if sum := binary.LittleEndian.Uint64(data[len(payload):]); sum != xxhash.Sum64(payload) {
		return nil, &Error{Kind: ErrCorrupt, Offset: len(payload), Msg: "checksum mismatch"}
	}

	d := &decoder{buf: payload, off: 6}
	_ = d.u16() // flags, reserved
	nStrings := d.count(4)
	nLayers := d.count(13)
	nNodes := d.count(30)
	if d.err != nil {
		return nil, d.err
	}
	if nNodes == 0 {
		return nil, d.fail("no nodes")
	}

	d.pool = make([]string, nStrings)
	for i := range d.pool {
		d.pool[i] = string(d.take(int(d.u32())))
	}

	layers := make([]graph.LayerInfo, nLayers)
	for i := range layers {
		l := &layers[i]
		l.Origin = d.str()
		hasStamp := d.u8()
		stamp := d.i64()
		l.Stamp = graph.NoTimestamp
		if hasStamp == 1 {
			l.Stamp = stamp
		} else if hasStamp != 0 {
			return nil, d.fail("bad stamp flag %d", hasStamp)
		}
		l.Nodes = roaring.New()
		if bm := d.take(int(d.u32())); d.err == nil && len(bm) > 0 {
			if err := l.Nodes.UnmarshalBinary(bm); err != nil {
				return nil, d.fail("layer %d bitmap: %v", i, err)
			}
			if !l.Nodes.IsEmpty() && l.Nodes.Maximum() >= uint32(nNodes) {
				return nil, d.fail("layer %d bitmap references node %d", i, l.Nodes.Maximum())
			}
		}
	}

	nodes := make([]graph.Node, nNodes)
	for i := range nodes {
		n := &nodes[i]
		n.Parent = graph.NodeID(d.i32())
		n.Kind = layer.Kind(d.u8())
		n.Name = d.str()
		n.Source = int(d.i32())
		n.Stamp = d.i64()
		n.Serial = d.u64()
		n.Content.Kind = layer.ContentKind(d.u8())
		switch n.Content.Kind {
		case layer.ContentNone:
		case layer.ContentInline:
			n.Content.Data = append([]byte(nil), d.take(int(d.u32()))...)
		case layer.ContentURL:
			n.Content.URL = d.str()
		default:
			return nil, d.fail("node %d: bad content kind %d", i, n.Content.Kind)
		}
		if nAttrs := d.count(9); nAttrs > 0 {
			n.Attrs = make([]graph.Attr, nAttrs)
			for j := range n.Attrs {
				n.Attrs[j].Key = d.str()
				n.Attrs[j].Source = int(d.i32())
				n.Attrs[j].Value = d.value(0)
			}
		}
		if d.err != nil {
			return nil, d.err
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(payload) {
		return nil, d.fail("%d trailing bytes", len(payload)-d.off)
	}

	t, err := graph.Assemble(nodes, layers)
	if err != nil {
		return nil, &Error{Kind: ErrCorrupt, Offset: d.off, Msg: err.Error()}
	}
	return t, nil
}

type stringPool struct {
	index map[string]uint32
	list  []string
	size  int
}

func newStringPool() *stringPool {
	return &stringPool{index: make(map[string]uint32)}
}

func (p *stringPool) intern(s string) uint32 {
	if i, ok := p.index[s]; ok {
		return i
	}
	i := uint32(len(p.list))
	p.index[s] = i
	p.list = append(p.list, s)
	p.size += 4 + len(s)
	return i
}

type encoder struct {
	pool *stringPool
	buf  []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) str(s string) { e.u32(e.pool.intern(s)) }

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) value(v layer.Value) {
	e.u8(uint8(v.Kind))
	e.u8(uint8(v.Type))
	e.str(v.Text)
	e.str(v.Method)
	e.bytes(v.Blob)
	e.u32(uint32(len(v.Args)))
	for _, a := range v.Args {
		e.value(a)
	}
}

// decoder reads sequentially and latches the first error; reads after an
// error return zero values.
type decoder struct {
	buf  []byte
	off  int
	pool []string
	err  error
}

func (d *decoder) fail(format string, args ...any) error {
	if d.err == nil {
		d.err = &Error{Kind: ErrCorrupt, Offset: d.off, Msg: fmt.Sprintf(format, args...)}
	}
	return d.err
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf)-d.off {
		_ = d.fail("truncated: need %d bytes, have %d", n, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 { return int64(d.u64()) }

// count reads a u32 element count and rejects counts that cannot fit in the
// remaining bytes given a minimum per-element size.
func (d *decoder) count(minSize int) int {
	n := int(d.u32())
	if d.err == nil && n*minSize > len(d.buf)-d.off {
		_ = d.fail("count %d exceeds remaining %d bytes", n, len(d.buf)-d.off)
		return 0
	}
	return n
}

func (d *decoder) str() string {
	i := d.u32()
	if d.err != nil {
		return ""
	}
	if int(i) >= len(d.pool) {
		_ = d.fail("string index %d out of range (%d)", i, len(d.pool))
		return ""
	}
	return d.pool[i]
}

func (d *decoder) value(depth int) layer.Value {
	if depth > maxValueDepth {
		_ = d.fail("value nesting deeper than %d", maxValueDepth)
		return layer.Value{}
	}
	var v layer.Value
	v.Kind = layer.ValueKind(d.u8())
	v.Type = layer.LiteralType(d.u8())
	v.Text = d.str()
	v.Method = d.str()
	if blob := d.take(int(d.u32())); len(blob) > 0 {
		v.Blob = append([]byte(nil), blob...)
	}
	if n := d.count(14); n > 0 {
		v.Args = make([]layer.Value, n)
		for i := range v.Args {
			v.Args[i] = d.value(depth + 1)
		}
	}
	return v
}
