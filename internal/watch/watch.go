// Package watch rebuilds the merged tree when layer documents change on disk.
package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"

	"github.com/agentic-research/layercache/internal/ingest"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("watcher closed")

// Rebuilder is the part of ingest.Engine the watcher drives.
type Rebuilder interface {
	Rebuild(ctx context.Context) (*ingest.Report, error)
}

// Watcher watches the directories holding file-backed layer documents and
// triggers a rebuild after changes settle. Editors often replace a file with
// rename, so directories are watched instead of the files themselves.
type Watcher struct {
	engine   Rebuilder
	debounce time.Duration
	files    map[string]bool
	fsw      *fsnotify.Watcher

	// OnRebuild, when set, receives the result of each triggered rebuild.
	OnRebuild func(*ingest.Report, error)

	mu     sync.Mutex
	closed bool
}

// New watches every ingest.FileDocument in docs. Other document kinds are
// ignored. A debounce of zero uses DefaultDebounce.
func New(engine Rebuilder, docs []ingest.Document, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		engine:   engine,
		debounce: debounce,
		files:    make(map[string]bool),
		fsw:      fsw,
	}
	dirs := make(map[string]bool)
	for _, d := range docs {
		fd, ok := d.(ingest.FileDocument)
		if !ok {
			continue
		}
		abs, err := filepath.Abs(string(fd))
		if err != nil {
			_ = fsw.Close()
			return nil, err
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, err
		}
		glog.V(1).Infof("watch: watching %s", dir)
	}
	return w, nil
}

// Files returns the number of watched layer documents.
func (w *Watcher) Files() int { return len(w.files) }

// Run processes events until ctx is done or the watcher is closed. Each
// settled burst of changes to watched documents causes one rebuild.
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return ErrClosed
			}
			if !w.relevant(ev) {
				continue
			}
			glog.V(2).Infof("watch: %s %s", ev.Op, ev.Name)
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return ErrClosed
			}
			glog.Errorf("watch: %v", err)

		case <-timer.C:
			pending = false
			rep, err := w.engine.Rebuild(ctx)
			if err != nil {
				glog.Errorf("watch: rebuild: %v", err)
			} else if perr := rep.Err(); perr != nil {
				glog.Warningf("watch: rebuilt with skipped layers: %v", perr)
			}
			if w.OnRebuild != nil {
				w.OnRebuild(rep, err)
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	return w.files[abs]
}

// Close stops the watcher. Run returns ErrClosed.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fsw.Close()
}
