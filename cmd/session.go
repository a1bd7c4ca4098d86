package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/agentic-research/layercache/api"
	"github.com/agentic-research/layercache/internal/cache"
	"github.com/agentic-research/layercache/internal/control"
	"github.com/agentic-research/layercache/internal/ingest"
	"github.com/agentic-research/layercache/internal/resolve"
	"github.com/agentic-research/layercache/internal/vfs"
)

// session is everything a command needs: the engine, its facade and the
// cache plumbing that must be flushed and closed on exit.
type session struct {
	cfg     *api.Config
	docs    []ingest.Document
	engine  *ingest.Engine
	backend cache.Backend
	writer  *cache.Writer
	ctrl    *control.Controller
	closer  []func() error
}

// followInterval is how often the control block is checked for caches
// stored by other processes.
const followInterval = time.Second

func (r *session) FS() *vfs.FS { return r.engine.FS() }

// Close flushes the cache writer and releases backends.
func (r *session) Close() error {
	var errs []error
	for i := len(r.closer) - 1; i >= 0; i-- {
		errs = append(errs, r.closer[i]())
	}
	return errors.Join(errs...)
}

// newSession builds the engine described by the configuration file.
func newSession() (*session, error) {
	cfg, err := api.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	r := &session{cfg: cfg}

	for _, l := range cfg.EnabledLayers() {
		r.docs = append(r.docs, ingest.FileDocument(l.Path))
	}
	if len(r.docs) == 0 {
		return nil, fmt.Errorf("%s: no enabled layers", configPath)
	}

	var registry resolve.Registry
	if defs := cfg.FunctionDefs(); len(defs) > 0 {
		exprs, err := resolve.NewExprRegistry(defs)
		if err != nil {
			return nil, err
		}
		registry = exprs
	}

	opts := ingest.Options{
		FS: vfs.Options{
			Registry:         registry,
			Loader:           vfs.FileLoader{},
			ContentCacheSize: cfg.ContentCacheSize,
		},
		Parallelism: cfg.Parallelism,
	}
	if cfg.Cache != nil {
		if err := r.openCache(cfg.Cache, &opts); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	r.engine = ingest.NewEngine(r.docs, opts)
	return r, nil
}

func (r *session) openCache(cc *api.CacheConfig, opts *ingest.Options) error {
	var backend cache.Backend
	switch cc.BackendName() {
	case api.BackendSQLite:
		db, err := cache.OpenSQLite(cc.Path, cc.RowName())
		if err != nil {
			return err
		}
		r.closer = append(r.closer, db.Close)
		backend = db
	default:
		backend = cache.NewFileBackend(cc.Path)
	}

	var ctrl *control.Controller
	if cc.Control != "" {
		c, err := control.OpenOrCreate(cc.Control)
		if err != nil {
			return fmt.Errorf("open control block: %w", err)
		}
		r.closer = append(r.closer, c.Close)
		ctrl = c
		r.ctrl = c
	}

	r.writer = cache.NewWriter(backend, ctrl)
	if d := cc.Interval(); d > 0 {
		r.writer.Start(d)
	}
	r.closer = append(r.closer, r.writer.Close)
	r.backend = backend
	opts.Backend = backend
	opts.Writer = r.writer
	glog.V(1).Infof("cache: %s backend at %s", cc.BackendName(), backend.Location())
	return nil
}

// load serves from the cache when it is current.
func (r *session) load(ctx context.Context) (*ingest.Report, error) {
	rep, err := r.engine.Load(ctx)
	if err != nil {
		return nil, err
	}
	if perr := rep.Err(); perr != nil {
		glog.Warningf("some layers were skipped: %v", perr)
	}
	return rep, nil
}

// follow adopts caches that other processes announce through the control
// block, so a long-running mount picks up a "layercache build" run elsewhere.
// It is a no-op without a control block.
func (r *session) follow(ctx context.Context) {
	if r.ctrl == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ctrl.Watch(ctx, followInterval, func(gen uint64) { r.adopt(ctx, gen) })
	}()
	// Runs before the control block is unmapped.
	r.closer = append(r.closer, func() error {
		cancel()
		<-done
		return nil
	})
}

func (r *session) adopt(ctx context.Context, gen uint64) {
	if f := r.ctrl.CacheFormat(); f != cache.FormatVersion {
		glog.V(1).Infof("control: generation %d has cache format %d, want %d", gen, f, cache.FormatVersion)
		return
	}
	if loc := r.ctrl.CachePath(); loc != r.backend.Location() {
		glog.V(1).Infof("control: generation %d is for %s, not %s", gen, loc, r.backend.Location())
		return
	}
	rep, err := r.engine.Adopt(ctx)
	switch {
	case err != nil:
		glog.Errorf("control: adopting generation %d: %v", gen, err)
	case rep != nil:
		glog.Infof("control: generation %d adopted as facade generation %d", gen, rep.Generation)
	}
}
