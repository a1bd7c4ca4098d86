// Package resolve turns attribute declarations into values.
//
// Literal values decode directly. Constructed and computed values are
// late-bound through a Registry the embedding application supplies.
package resolve

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Node is the handle a callable receives for the node owning the attribute.
type Node interface {
	Path() string
	Name() string
	// Attribute resolves another attribute of the same node.
	Attribute(key string) (any, bool)
}

// Call is everything a registered callable is given.
type Call struct {
	Node Node
	Key  string // attribute being resolved
	Args []any  // decoded literal arguments
}

// Func produces a constructed or computed attribute value.
type Func func(c Call) (any, error)

// Registry looks callables up by name. Constructed values use the type name,
// computed values use "Target.method".
type Registry interface {
	Lookup(name string) (Func, bool)
}

// FuncRegistry is a map-backed Registry. Names are case-insensitive.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]Func)}
}

// Register stores fn under name guarding against duplicates.
func (r *FuncRegistry) Register(name string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("resolve: function %q is nil", name)
	}
	if name == "" {
		return fmt.Errorf("resolve: function name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if _, exists := r.funcs[key]; exists {
		return fmt.Errorf("resolve: function %q already registered", name)
	}
	r.funcs[key] = fn
	return nil
}

// MustRegister is Register for static setup code.
func (r *FuncRegistry) MustRegister(name string, fn Func) *FuncRegistry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

func (r *FuncRegistry) Lookup(name string) (Func, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[strings.ToLower(name)]
	return fn, ok
}

// Names returns registered names sorted alphabetically.
func (r *FuncRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain consults registries in order and returns the first hit.
func Chain(regs ...Registry) Registry { return chain(regs) }

type chain []Registry

func (c chain) Lookup(name string) (Func, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if fn, ok := r.Lookup(name); ok {
			return fn, true
		}
	}
	return nil, false
}
