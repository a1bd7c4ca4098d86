package resolve

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentic-research/layercache/internal/layer"
)

var (
	ErrUnknownFunc  = errors.New("no such function")
	ErrInvalidValue = errors.New("invalid attribute declaration")
	ErrPanic        = errors.New("function panicked")
)

// ResolutionError reports an attribute that could not be computed. Readers
// treat the attribute as absent.
type ResolutionError struct {
	Path string
	Key  string
	Func string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("resolve %s@%s via %s: %v", e.Path, e.Key, e.Func, e.Err)
	}
	return fmt.Sprintf("resolve %s@%s: %v", e.Path, e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Blob is the resolved form of a serialized value. It is opaque to the engine.
type Blob []byte

// Resolver evaluates declarations against a registry.
type Resolver struct {
	registry Registry
}

// New builds a resolver. A nil registry makes every constructed and computed
// value fail with ErrUnknownFunc.
func New(reg Registry) *Resolver {
	return &Resolver{registry: reg}
}

// Resolve evaluates v for the attribute key of node n.
func (r *Resolver) Resolve(key string, v layer.Value, n Node) (val any, err error) {
	fail := func(fn string, cause error) (any, error) {
		return nil, &ResolutionError{Path: n.Path(), Key: key, Func: fn, Err: cause}
	}
	switch v.Kind {
	case layer.ValueLiteral:
		lit, err := v.Literal()
		if err != nil {
			return fail("", err)
		}
		return lit, nil
	case layer.ValueSerialized:
		return Blob(append([]byte(nil), v.Blob...)), nil
	case layer.ValueInvalid:
		return fail("", fmt.Errorf("%w: %s", ErrInvalidValue, v.Text))
	case layer.ValueConstructed, layer.ValueComputed:
	default:
		return fail("", fmt.Errorf("%w: kind %d", ErrInvalidValue, v.Kind))
	}

	name := v.FuncName()
	var fn Func
	if r.registry != nil {
		fn, _ = r.registry.Lookup(name)
	}
	if fn == nil {
		return fail(name, ErrUnknownFunc)
	}
	args := make([]any, 0, len(v.Args))
	for _, a := range v.Args {
		lit, err := a.Literal()
		if err != nil {
			return fail(name, fmt.Errorf("argument: %w", err))
		}
		args = append(args, lit)
	}

	defer func() {
		if p := recover(); p != nil {
			val = nil
			err = &ResolutionError{Path: n.Path(), Key: key, Func: name, Err: fmt.Errorf("%w: %v", ErrPanic, p)}
		}
	}()
	out, err := fn(Call{Node: n, Key: key, Args: args})
	if err != nil {
		return fail(name, err)
	}
	return out, nil
}

// Memo caches resolved values per (node serial, attribute key). Each entry
// is computed at most once, even with concurrent readers.
type Memo struct {
	mu      sync.Mutex
	entries map[memoKey]*memoEntry
}

type memoKey struct {
	serial uint64
	key    string
}

type memoEntry struct {
	once sync.Once
	done atomic.Bool
	val  any
	err  error
}

func NewMemo() *Memo {
	return &Memo{entries: make(map[memoKey]*memoEntry)}
}

// Do returns the memoized result for (serial, key), computing it with fn on
// first use. A callable that reads its own key re-entrantly deadlocks.
func (m *Memo) Do(serial uint64, key string, fn func() (any, error)) (any, error) {
	k := memoKey{serial: serial, key: key}
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		e = &memoEntry{}
		m.entries[k] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		e.val, e.err = fn()
		e.done.Store(true)
	})
	return e.val, e.err
}

// Len returns the number of finished entries.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.done.Load() {
			n++
		}
	}
	return n
}

// Carry copies finished entries from prev whose serial passes keep. Used
// when a new generation replaces prev and some nodes did not change.
func (m *Memo) Carry(prev *Memo, keep func(serial uint64) bool) int {
	if prev == nil {
		return 0
	}
	prev.mu.Lock()
	carried := make(map[memoKey]*memoEntry)
	for k, e := range prev.entries {
		if e.done.Load() && keep(k.serial) {
			carried[k] = e
		}
	}
	prev.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range carried {
		if _, exists := m.entries[k]; !exists {
			m.entries[k] = e
		}
	}
	return len(carried)
}
