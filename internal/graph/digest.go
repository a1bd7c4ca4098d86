package graph

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/agentic-research/layercache/internal/layer"
)

// computeDigests fills Self and Digest for every node. Children always follow
// their parent in the arena, so a reverse sweep sees children first.
// Provenance, stamps and serials are excluded: two subtrees with the same
// digests look identical to readers.
func computeDigests(nodes []Node) {
	h := xxhash.New()
	var scratch [8]byte
	for i := len(nodes) - 1; i >= 0; i-- {
		n := &nodes[i]

		h.Reset()
		writeUint(h, scratch[:], uint64(n.Kind))
		writeString(h, scratch[:], n.Name)
		writeUint(h, scratch[:], uint64(n.Content.Kind))
		writeString(h, scratch[:], n.Content.URL)
		writeString(h, scratch[:], string(n.Content.Data))
		writeUint(h, scratch[:], uint64(len(n.Attrs)))
		for _, a := range n.Attrs {
			writeString(h, scratch[:], a.Key)
			writeValue(h, scratch[:], a.Value)
		}
		n.Self = h.Sum64()

		h.Reset()
		writeUint(h, scratch[:], n.Self)
		writeUint(h, scratch[:], uint64(len(n.Children)))
		for _, c := range n.Children {
			writeUint(h, scratch[:], nodes[c].Digest)
		}
		n.Digest = h.Sum64()
	}
}

func writeValue(h *xxhash.Digest, scratch []byte, v layer.Value) {
	writeUint(h, scratch, uint64(v.Kind))
	writeUint(h, scratch, uint64(v.Type))
	writeString(h, scratch, v.Text)
	writeString(h, scratch, v.Method)
	writeString(h, scratch, string(v.Blob))
	writeUint(h, scratch, uint64(len(v.Args)))
	for _, a := range v.Args {
		writeValue(h, scratch, a)
	}
}

func writeUint(h *xxhash.Digest, scratch []byte, v uint64) {
	binary.LittleEndian.PutUint64(scratch, v)
	_, _ = h.Write(scratch)
}

// Strings are length-prefixed so ("ab","c") and ("a","bc") differ.
func writeString(h *xxhash.Digest, scratch []byte, s string) {
	writeUint(h, scratch, uint64(len(s)))
	_, _ = h.WriteString(s)
}
