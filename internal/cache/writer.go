package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/agentic-research/layercache/internal/control"
	"github.com/agentic-research/layercache/internal/graph"
)

// Writer persists trees off the rebuild path. Request only records the
// newest tree; a background goroutine encodes and stores it at most once per
// tick, so a burst of rebuilds costs one write.
//
// After each successful store the control block (if any) gets the cache
// location and a new generation.
type Writer struct {
	backend Backend
	ctrl    *control.Controller

	mu       sync.Mutex
	pending  *graph.Tree
	seq      uint64 // bumped per Request
	flushErr error // last background error, readable via LastError()
	stored   int
	tick     *time.Ticker
	stopCh   chan struct{}
	stopped  bool

	storeMu   sync.Mutex // serializes backend writes
	storedSeq uint64     // guarded by storeMu
}

// NewWriter creates a writer. ctrl may be nil.
//
// Call Start to begin the coalescing goroutine, and Close to stop it and
// write anything still pending.
func NewWriter(b Backend, ctrl *control.Controller) *Writer {
	return &Writer{
		backend: b,
		ctrl:    ctrl,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the coalescing goroutine. Safe to call multiple times.
func (w *Writer) Start(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tick != nil || w.stopped {
		return
	}
	w.tick = time.NewTicker(interval)
	go w.coalesceLoop()
}

func (w *Writer) coalesceLoop() {
	for {
		select {
		case <-w.tick.C:
			t, seq := w.take()
			if t == nil {
				continue
			}
			if err := w.store(t, seq); err != nil {
				w.mu.Lock()
				w.flushErr = err
				w.mu.Unlock()
				glog.Errorf("cache store: %v", err)
			}
		case <-w.stopCh:
			return
		}
	}
}

// Request schedules t to be stored, replacing any tree not yet written.
// Non-blocking.
func (w *Writer) Request(t *graph.Tree) {
	w.mu.Lock()
	w.pending = t
	w.seq++
	w.mu.Unlock()
}

func (w *Writer) take() (*graph.Tree, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.pending
	w.pending = nil
	return t, w.seq
}

// FlushNow stores the pending tree synchronously, if there is one.
func (w *Writer) FlushNow() error {
	t, seq := w.take()
	if t == nil {
		return nil
	}
	return w.store(t, seq)
}

// LastError returns the last error from the coalescing goroutine.
func (w *Writer) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushErr
}

// Stored returns how many trees have been written.
func (w *Writer) Stored() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stored
}

// Close stops the goroutine and writes the pending tree, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	t, seq := w.pending, w.seq
	w.pending = nil
	if w.tick != nil {
		w.tick.Stop()
		close(w.stopCh)
	}
	w.mu.Unlock()

	if t != nil {
		return w.store(t, seq)
	}
	return nil
}

// store writes t unless a newer request was already written.
func (w *Writer) store(t *graph.Tree, seq uint64) error {
	w.storeMu.Lock()
	defer w.storeMu.Unlock()
	if seq <= w.storedSeq {
		return nil
	}

	data, err := Encode(t)
	if err != nil {
		return err
	}
	if err := w.backend.Store(context.Background(), data); err != nil {
		return err
	}
	w.storedSeq = seq

	w.mu.Lock()
	w.stored++
	w.mu.Unlock()

	if w.ctrl != nil {
		gen, err := w.ctrl.Publish(w.backend.Location(), uint64(len(data)), FormatVersion)
		if err != nil {
			return fmt.Errorf("update control block: %w", err)
		}
		glog.V(1).Infof("cache: stored %d nodes (%d bytes) to %s, generation %d", t.Len(), len(data), w.backend.Location(), gen)
		return nil
	}
	glog.V(1).Infof("cache: stored %d nodes (%d bytes) to %s", t.Len(), len(data), w.backend.Location())
	return nil
}
