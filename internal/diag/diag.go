// Package diag is the diagnostics channel shared by the parser, the resolver
// and the rebuild pipeline. Recoverable problems (a malformed attribute, a
// computed value that failed) are reported here instead of aborting a read.
package diag

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Severity classifies a diagnostic.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Diagnostic is one reported problem.
type Diagnostic struct {
	Severity Severity
	Origin   string // layer origin, empty when not tied to a document
	Path     string // node path inside the layer or merged tree
	Key      string // attribute key, if any
	Line     int    // 1-based source line, 0 when unknown
	Err      error
}

func (d Diagnostic) String() string {
	loc := d.Origin
	if d.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, d.Line)
	}
	target := d.Path
	if d.Key != "" {
		target += "@" + d.Key
	}
	return fmt.Sprintf("%s %s [%s]: %v", d.Severity, loc, target, d.Err)
}

// Sink receives diagnostics. Implementations must be safe for concurrent use.
type Sink interface {
	Report(d Diagnostic)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(d Diagnostic)

func (f SinkFunc) Report(d Diagnostic) { f(d) }

// LogSink writes diagnostics to glog.
var LogSink Sink = SinkFunc(func(d Diagnostic) {
	switch d.Severity {
	case SeverityError:
		glog.Errorf("%s", d)
	case SeverityWarning:
		glog.Warningf("%s", d)
	default:
		glog.V(1).Infof("%s", d)
	}
})

// Discard drops everything.
var Discard Sink = SinkFunc(func(Diagnostic) {})

// Collector keeps diagnostics in memory, mostly for tests and CLI summaries.
type Collector struct {
	mu    sync.Mutex
	items []Diagnostic
}

func (c *Collector) Report(d Diagnostic) {
	c.mu.Lock()
	c.items = append(c.items, d)
	c.mu.Unlock()
}

// Items returns a copy of everything reported so far.
func (c *Collector) Items() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	return out
}

// Tee fans a diagnostic out to several sinks.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(d Diagnostic) {
		for _, s := range sinks {
			if s != nil {
				s.Report(d)
			}
		}
	})
}
