// Package vfs serves the merged tree to readers.
//
// Readers load the current generation with one atomic pointer read and never
// block. A rebuild publishes a new generation by swapping that pointer and
// then replaying the change set to listeners, one generation at a time.
package vfs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"github.com/agentic-research/layercache/internal/diag"
	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/resolve"
)

var (
	ErrIsFolder      = errors.New("node is a folder")
	ErrInvalidHandle = errors.New("invalid handle")
)

const DefaultContentCacheSize = 256

// Options configures an FS. The zero value is usable.
type Options struct {
	// Registry resolves constructed and computed attributes.
	Registry resolve.Registry
	// Diagnostics receives resolution failures. Defaults to diag.LogSink.
	Diagnostics diag.Sink
	// Loader fetches URL content. Defaults to FileLoader.
	Loader Loader
	// ContentCacheSize bounds the number of cached URL bodies.
	ContentCacheSize int
}

// snapshot is one immutable generation.
type snapshot struct {
	tree     *graph.Tree
	gen      uint64
	id       ulid.ULID
	memo     *resolve.Memo
	bySerial map[uint64]graph.NodeID
}

func newSnapshot(t *graph.Tree, gen uint64) *snapshot {
	s := &snapshot{
		tree:     t,
		gen:      gen,
		id:       ulid.Make(),
		memo:     resolve.NewMemo(),
		bySerial: make(map[uint64]graph.NodeID, t.Len()),
	}
	for i := range t.Nodes {
		s.bySerial[t.Nodes[i].Serial] = graph.NodeID(i)
	}
	return s
}

// Event is one change delivered to listeners.
type Event struct {
	Generation uint64
	ID         ulid.ULID
	graph.Change
}

// Listener receives events on the dispatch path. It must not call Publish.
type Listener func(ev Event)

// ListenerID identifies a registered listener for RemoveListener.
type ListenerID uint64

// FS is the facade over successive merged trees.
type FS struct {
	cur      atomic.Pointer[snapshot]
	resolver *resolve.Resolver
	sink     diag.Sink
	loader   Loader
	content  *lru.Cache[string, []byte]

	dispatchMu sync.Mutex

	lmu       sync.RWMutex
	listeners map[ListenerID]Listener
	order     []ListenerID
	nextID    ListenerID
}

// New serves t as generation 1.
func New(t *graph.Tree, opts Options) (*FS, error) {
	if t == nil {
		return nil, fmt.Errorf("vfs: nil tree")
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = diag.LogSink
	}
	if opts.Loader == nil {
		opts.Loader = FileLoader{}
	}
	if opts.ContentCacheSize <= 0 {
		opts.ContentCacheSize = DefaultContentCacheSize
	}
	content, err := lru.New[string, []byte](opts.ContentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("vfs: content cache: %w", err)
	}
	f := &FS{
		resolver:  resolve.New(opts.Registry),
		sink:      opts.Diagnostics,
		loader:    opts.Loader,
		content:   content,
		listeners: make(map[ListenerID]Listener),
	}
	f.cur.Store(newSnapshot(t, 1))
	return f, nil
}

func (f *FS) current() *snapshot { return f.cur.Load() }

// Tree returns the current merged tree.
func (f *FS) Tree() *graph.Tree { return f.current().tree }

// Generation returns the current generation number and its unique id.
func (f *FS) Generation() (uint64, ulid.ULID) {
	s := f.current()
	return s.gen, s.id
}

// Root returns a handle to the root folder.
func (f *FS) Root() Handle {
	return Handle{fs: f, snap: f.current(), id: 0}
}

// Find resolves a slash separated path in the current generation.
func (f *FS) Find(path string) (Handle, bool) {
	s := f.current()
	id, ok := s.tree.Lookup(path)
	if !ok {
		return Handle{}, false
	}
	return Handle{fs: f, snap: s, id: id}, true
}

// Children lists the children of h in merged order, from h's generation.
func (f *FS) Children(h Handle) []Handle {
	if !h.IsValid() {
		return nil
	}
	n := h.node()
	out := make([]Handle, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, Handle{fs: f, snap: h.snap, id: c})
	}
	return out
}

// Attributes lists the merged attribute keys of h.
func (f *FS) Attributes(h Handle) []string {
	if !h.IsValid() {
		return nil
	}
	n := h.node()
	keys := make([]string, 0, len(n.Attrs))
	for _, a := range n.Attrs {
		keys = append(keys, a.Key)
	}
	return keys
}

// Attribute resolves key on h. Missing keys and values that fail to resolve
// are both absent; failures go to the diagnostics sink once per generation.
func (f *FS) Attribute(h Handle, key string) (any, bool) {
	if !h.IsValid() {
		return nil, false
	}
	n := h.node()
	a, ok := n.Attr(key)
	if !ok {
		return nil, false
	}
	v, err := h.snap.memo.Do(n.Serial, key, func() (any, error) {
		v, err := f.resolver.Resolve(key, a.Value, h)
		if err != nil {
			f.sink.Report(diag.Diagnostic{
				Severity: diag.SeverityWarning,
				Origin:   h.snap.origin(a.Source),
				Path:     h.Path(),
				Key:      key,
				Err:      err,
			})
		}
		return v, err
	})
	if err != nil {
		return nil, false
	}
	return v, true
}

func (s *snapshot) origin(layerIdx int) string {
	if layerIdx < 0 || layerIdx >= len(s.tree.Layers) {
		return ""
	}
	return s.tree.Layers[layerIdx].Origin
}

// AddListener registers l for every later Publish.
func (f *FS) AddListener(l Listener) ListenerID {
	f.lmu.Lock()
	defer f.lmu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = l
	f.order = append(f.order, id)
	return id
}

// RemoveListener unregisters id. It reports whether id was registered.
func (f *FS) RemoveListener(id ListenerID) bool {
	f.lmu.Lock()
	defer f.lmu.Unlock()
	if _, ok := f.listeners[id]; !ok {
		return false
	}
	delete(f.listeners, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return true
}

func (f *FS) snapshotListeners() []Listener {
	f.lmu.RLock()
	defer f.lmu.RUnlock()
	out := make([]Listener, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.listeners[id])
	}
	return out
}

// Publish makes t the current generation and then delivers changes, in
// order, to every listener. Publishes are serialized, so listeners never see
// events of two generations interleaved. t must already carry identity from
// the previous tree (see graph.Reconcile).
func (f *FS) Publish(t *graph.Tree, changes graph.ChangeSet) uint64 {
	f.dispatchMu.Lock()
	defer f.dispatchMu.Unlock()

	prev := f.current()
	next := newSnapshot(t, prev.gen+1)
	carried := next.memo.Carry(prev.memo, func(serial uint64) bool {
		oldID, ok := prev.bySerial[serial]
		if !ok {
			return false
		}
		newID, ok := next.bySerial[serial]
		return ok && prev.tree.Node(oldID).Self == t.Node(newID).Self &&
			prev.tree.Path(oldID) == t.Path(newID)
	})
	f.cur.Store(next)
	if len(changes) > 0 {
		f.content.Purge()
	}
	glog.V(1).Infof("vfs: generation %d (%s): %d nodes, %d changes, %d memoized values kept",
		next.gen, next.id, t.Len(), len(changes), carried)

	listeners := f.snapshotListeners()
	for _, c := range changes {
		ev := Event{Generation: next.gen, ID: next.id, Change: c}
		for _, l := range listeners {
			f.deliver(l, ev)
		}
	}
	return next.gen
}

func (f *FS) deliver(l Listener, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("vfs: listener panicked on %s: %v", ev.Change, p)
		}
	}()
	l(ev)
}
