package resolve

import (
	"fmt"
	"sort"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// exprEnv is what an expression sees when it runs.
type exprEnv struct {
	Path string               `expr:"path"`
	Name string               `expr:"name"`
	Key  string               `expr:"key"`
	Args []any                `expr:"args"`
	Attr func(key string) any `expr:"attr"`
}

// ExprRegistry defines callables as expr-lang expressions, compiled once.
// Configuration files use it to declare computed attributes without code.
type ExprRegistry struct {
	programs map[string]*exprvm.Program
	sources  map[string]string
}

// NewExprRegistry compiles every definition; the first failure aborts.
func NewExprRegistry(defs map[string]string) (*ExprRegistry, error) {
	r := &ExprRegistry{
		programs: make(map[string]*exprvm.Program, len(defs)),
		sources:  make(map[string]string, len(defs)),
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src := defs[name]
		if strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("resolve: expression for %q is empty", name)
		}
		program, err := exprlang.Compile(src, exprlang.Env(exprEnv{}))
		if err != nil {
			return nil, fmt.Errorf("resolve: compile %q: %w", name, err)
		}
		key := strings.ToLower(name)
		if _, dup := r.programs[key]; dup {
			return nil, fmt.Errorf("resolve: function %q defined twice", name)
		}
		r.programs[key] = program
		r.sources[key] = src
	}
	return r, nil
}

func (r *ExprRegistry) Lookup(name string) (Func, bool) {
	if r == nil {
		return nil, false
	}
	program, ok := r.programs[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return func(c Call) (any, error) {
		env := exprEnv{
			Path: c.Node.Path(),
			Name: c.Node.Name(),
			Key:  c.Key,
			Args: c.Args,
			Attr: func(key string) any {
				v, _ := c.Node.Attribute(key)
				return v
			},
		}
		return exprlang.Run(program, env)
	}, true
}
