package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/layercache/internal/cache"
	"github.com/agentic-research/layercache/internal/diag"
	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/layer"
	"github.com/agentic-research/layercache/internal/vfs"
)

// Options configures an Engine.
type Options struct {
	// Backend is consulted by Load. Nil disables the cache.
	Backend cache.Backend
	// Writer receives every rebuilt tree. Nil disables persisting.
	Writer *cache.Writer
	// FS configures the facade created on the first build or load.
	FS vfs.Options
	// Diagnostics receives parser diagnostics. Defaults to diag.LogSink.
	Diagnostics diag.Sink
	// Parallelism bounds concurrent document parsing. Defaults to GOMAXPROCS.
	Parallelism int
}

// Report describes one Load or Rebuild.
type Report struct {
	Generation uint64
	FromCache  bool
	// CacheMiss explains why a Load did not use the cache.
	CacheMiss string
	Changes   graph.ChangeSet
	// ParseErrors holds documents that were skipped, keyed by origin.
	ParseErrors map[string]error
	Duration    time.Duration
}

// Err joins the parse errors, or returns nil.
func (r *Report) Err() error {
	if len(r.ParseErrors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.ParseErrors))
	for _, err := range r.ParseErrors {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Engine runs the rebuild pipeline: parse every document, merge, diff against
// the previous tree, publish to the facade and hand the tree to the cache
// writer. One rebuild runs at a time; readers of the facade are never blocked.
//
// Listeners run while the next rebuild may already be parsing. They may call
// FS, Documents and SetDocuments, but must not call Load, Rebuild or Adopt
// synchronously.
type Engine struct {
	opts Options

	build   sync.Mutex // one Load, Rebuild or Adopt at a time; guards tree
	publish sync.Mutex // taken before build is released so generations stay in build order
	tree    *graph.Tree

	mu   sync.Mutex // guards docs and fs
	docs []Document
	fs   *vfs.FS
}

func NewEngine(docs []Document, opts Options) *Engine {
	if opts.Diagnostics == nil {
		opts.Diagnostics = diag.LogSink
	}
	if opts.FS.Diagnostics == nil {
		opts.FS.Diagnostics = opts.Diagnostics
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	return &Engine{opts: opts, docs: append([]Document(nil), docs...)}
}

// FS returns the facade, or nil before the first Load or Rebuild.
func (e *Engine) FS() *vfs.FS {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fs
}

// Documents returns the current layer list, highest priority first.
func (e *Engine) Documents() []Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Document(nil), e.docs...)
}

// SetDocuments replaces the layer list. It takes effect on the next Rebuild.
func (e *Engine) SetDocuments(docs []Document) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs = append([]Document(nil), docs...)
}

// Load serves the cached tree when it is usable and current, and rebuilds
// from the documents otherwise. A corrupt, mismatched or stale cache is never
// an error; it only costs a rebuild.
func (e *Engine) Load(ctx context.Context) (*Report, error) {
	start := time.Now()
	if e.opts.Backend == nil {
		rep, err := e.Rebuild(ctx)
		if rep != nil {
			rep.CacheMiss = "no cache configured"
		}
		return rep, err
	}

	tree, miss := e.loadCached(ctx)
	if tree == nil {
		glog.Infof("ingest: rebuilding (%s)", miss)
		rep, err := e.Rebuild(ctx)
		if rep != nil {
			rep.CacheMiss = miss
		}
		return rep, err
	}

	e.build.Lock()
	rep := &Report{FromCache: true}
	if err := e.swap(tree, rep, false); err != nil {
		return nil, err
	}
	rep.Duration = time.Since(start)
	glog.Infof("ingest: loaded %d nodes from cache %s in %s", tree.Len(), e.opts.Backend.Location(), rep.Duration)
	return rep, nil
}

// Adopt publishes the stored cache when it holds a current tree that differs
// from the one being served, typically after another process rebuilt it. It
// returns nil when there is nothing to adopt.
func (e *Engine) Adopt(ctx context.Context) (*Report, error) {
	if e.opts.Backend == nil {
		return nil, nil
	}
	start := time.Now()
	tree, miss := e.loadCached(ctx)
	if tree == nil {
		glog.V(1).Infof("ingest: not adopting cache (%s)", miss)
		return nil, nil
	}

	e.build.Lock()
	if e.tree != nil && e.tree.Node(e.tree.Root()).Digest == tree.Node(tree.Root()).Digest {
		e.build.Unlock()
		return nil, nil
	}
	rep := &Report{FromCache: true}
	if err := e.swap(tree, rep, false); err != nil {
		return nil, err
	}
	rep.Duration = time.Since(start)
	glog.Infof("ingest: adopted cache %s as generation %d (%d changes)", e.opts.Backend.Location(), rep.Generation, len(rep.Changes))
	return rep, nil
}

// loadCached returns a usable cached tree, or nil and the reason it is not.
func (e *Engine) loadCached(ctx context.Context) (*graph.Tree, string) {
	data, err := e.opts.Backend.Load(ctx)
	if errors.Is(err, cache.ErrNoCache) {
		return nil, "no cache stored"
	}
	if err != nil {
		glog.Warningf("ingest: reading cache: %v", err)
		return nil, "cache unreadable"
	}
	tree, err := cache.Decode(data)
	switch {
	case errors.Is(err, cache.ErrVersionMismatch):
		return nil, "cache format changed"
	case err != nil:
		glog.Warningf("ingest: discarding cache: %v", err)
		return nil, "cache corrupt"
	}
	if reason := e.stale(tree); reason != "" {
		return nil, reason
	}
	return tree, ""
}

// stale compares the layer identities recorded in the cache with the current
// documents. Any difference, including an untracked timestamp, is stale.
func (e *Engine) stale(tree *graph.Tree) string {
	docs := e.Documents()
	if len(docs) != len(tree.Layers) {
		return fmt.Sprintf("layer count changed (%d cached, %d now)", len(tree.Layers), len(docs))
	}
	for i, d := range docs {
		cached := tree.Layers[i]
		if cached.Origin != d.Origin() {
			return fmt.Sprintf("layer %d is now %s", i, d.Origin())
		}
		mt, err := d.ModTime()
		if err != nil {
			return fmt.Sprintf("stat %s: %v", d.Origin(), err)
		}
		now := graph.StampOf(mt)
		if now == graph.NoTimestamp || cached.Stamp == graph.NoTimestamp {
			return fmt.Sprintf("%s has no timestamp", d.Origin())
		}
		if now != cached.Stamp {
			return fmt.Sprintf("%s modified", d.Origin())
		}
	}
	return ""
}

// Rebuild parses every document and publishes the merged result. Documents
// that fail to parse are skipped and listed in the report.
func (e *Engine) Rebuild(ctx context.Context) (*Report, error) {
	e.build.Lock()
	start := time.Now()

	sources, parseErrs, err := e.parseAll(ctx, e.Documents())
	if err != nil {
		e.build.Unlock()
		return nil, err
	}

	tree := graph.Merge(sources)
	rep := &Report{ParseErrors: parseErrs}
	if err := e.swap(tree, rep, true); err != nil {
		return nil, err
	}
	rep.Duration = time.Since(start)
	glog.Infof("ingest: generation %d: %d layers, %d nodes, %d changes, %d skipped in %s",
		rep.Generation, len(sources), tree.Len(), len(rep.Changes), len(parseErrs), rep.Duration)
	return rep, nil
}

// swap installs tree as the current generation. It is called with e.build
// held and releases it once the tree is recorded, so the next build can start
// while listeners of this one still run.
func (e *Engine) swap(tree *graph.Tree, rep *Report, persist bool) error {
	if e.fs == nil {
		defer e.build.Unlock()
		fs, err := vfs.New(tree, e.opts.FS)
		if err != nil {
			return err
		}
		e.tree = tree
		e.mu.Lock()
		e.fs = fs
		e.mu.Unlock()
		rep.Generation, _ = fs.Generation()
		if persist && e.opts.Writer != nil {
			e.opts.Writer.Request(tree)
		}
		return nil
	}

	rep.Changes = graph.Reconcile(e.tree, tree)
	e.tree = tree
	e.publish.Lock()
	defer e.publish.Unlock()
	e.build.Unlock()

	if persist && e.opts.Writer != nil {
		e.opts.Writer.Request(tree)
	}
	rep.Generation = e.fs.Publish(tree, rep.Changes)
	return nil
}

// parseAll reads documents concurrently. Sources keep document order; a
// failed document becomes an empty source so layer indices stay aligned.
func (e *Engine) parseAll(ctx context.Context, docs []Document) ([]layer.Source, map[string]error, error) {
	sources := make([]layer.Source, len(docs))
	errs := make([]error, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, d := range docs {
		g.Go(func() error {
			sources[i], errs[i] = e.parseOne(gctx, d)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var failed map[string]error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if failed == nil {
			failed = make(map[string]error)
		}
		origin := docs[i].Origin()
		failed[origin] = err
		sources[i] = layer.Source{Origin: origin}
		e.opts.Diagnostics.Report(diag.Diagnostic{Severity: diag.SeverityError, Origin: origin, Err: err})
	}
	return sources, failed, nil
}

func (e *Engine) parseOne(ctx context.Context, d Document) (layer.Source, error) {
	origin := d.Origin()
	mt, err := d.ModTime()
	if err != nil {
		return layer.Source{}, fmt.Errorf("stat %s: %w", origin, err)
	}
	rc, err := d.Open(ctx)
	if err != nil {
		return layer.Source{}, fmt.Errorf("open %s: %w", origin, err)
	}
	defer func() { _ = rc.Close() }()

	res, err := layer.Parse(origin, rc)
	if err != nil {
		return layer.Source{}, err
	}
	for _, dg := range res.Diagnostics {
		e.opts.Diagnostics.Report(dg)
	}
	glog.V(2).Infof("ingest: parsed %s (schema %d, %d diagnostics)", origin, res.Schema, len(res.Diagnostics))
	return layer.Source{Origin: origin, Root: res.Root, ModTime: mt}, nil
}
