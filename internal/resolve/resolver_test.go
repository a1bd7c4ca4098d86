package resolve

import (
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/layercache/internal/layer"
)

type fakeNode struct {
	path  string
	attrs map[string]any
}

func (n fakeNode) Path() string { return n.path }
func (n fakeNode) Name() string { return n.path }
func (n fakeNode) Attribute(key string) (any, bool) {
	v, ok := n.attrs[key]
	return v, ok
}

func TestResolve_Literals(t *testing.T) {
	r := New(nil)
	n := fakeNode{path: "a/b"}

	v, err := r.Resolve("s", layer.String("hi"), n)
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	v, err = r.Resolve("i", layer.Int(-3), n)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), v)

	v, err = r.Resolve("b", layer.Bool(true), n)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = r.Resolve("u", layer.URL("https://example.com/x"), n)
	require.NoError(t, err)
	assert.Equal(t, "example.com", v.(*url.URL).Host)

	v, err = r.Resolve("blob", layer.Serialized([]byte{1, 2}), n)
	require.NoError(t, err)
	assert.Equal(t, Blob{1, 2}, v)
}

func TestResolve_ComputedAndConstructed(t *testing.T) {
	reg := NewFuncRegistry()
	reg.MustRegister("example.Factory.label", func(c Call) (any, error) {
		return c.Node.Path() + ":" + c.Key + ":" + c.Args[0].(string), nil
	})
	reg.MustRegister("example.Widget", func(c Call) (any, error) {
		return struct{ Owner string }{c.Node.Path()}, nil
	})
	r := New(reg)
	n := fakeNode{path: "menu/File"}

	v, err := r.Resolve("displayName", layer.Computed("example.Factory", "label", layer.String("x")), n)
	require.NoError(t, err)
	assert.Equal(t, "menu/File:displayName:x", v)

	v, err = r.Resolve("instance", layer.Constructed("EXAMPLE.widget"), n)
	require.NoError(t, err)
	assert.Equal(t, struct{ Owner string }{"menu/File"}, v)
}

func TestResolve_Failures(t *testing.T) {
	reg := NewFuncRegistry()
	reg.MustRegister("boom.Thing.fail", func(Call) (any, error) { return nil, errors.New("nope") })
	reg.MustRegister("boom.Thing.panic", func(Call) (any, error) { panic("kaboom") })
	r := New(reg)
	n := fakeNode{path: "p"}

	_, err := r.Resolve("k", layer.Computed("missing", "fn"), n)
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.ErrorIs(t, err, ErrUnknownFunc)
	assert.Equal(t, "p", re.Path)
	assert.Equal(t, "missing.fn", re.Func)

	_, err = r.Resolve("k", layer.Computed("boom.Thing", "fail"), n)
	assert.ErrorContains(t, err, "nope")

	_, err = r.Resolve("k", layer.Computed("boom.Thing", "panic"), n)
	assert.ErrorIs(t, err, ErrPanic)

	_, err = r.Resolve("k", layer.Invalid("bad intvalue"), n)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestFuncRegistry_RejectsDuplicates(t *testing.T) {
	reg := NewFuncRegistry()
	require.NoError(t, reg.Register("a.B.c", func(Call) (any, error) { return 1, nil }))
	assert.Error(t, reg.Register("A.b.C", func(Call) (any, error) { return 2, nil }))
	assert.Error(t, reg.Register("", func(Call) (any, error) { return 2, nil }))
	assert.Equal(t, []string{"a.b.c"}, reg.Names())
}

func TestMemo_CallsOnceUnderConcurrency(t *testing.T) {
	m := NewMemo()
	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Do(7, "k", func() (any, error) {
				calls.Add(1)
				return "v", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, m.Len())
}

func TestMemo_Carry(t *testing.T) {
	prev := NewMemo()
	_, _ = prev.Do(1, "a", func() (any, error) { return "one", nil })
	_, _ = prev.Do(2, "a", func() (any, error) { return "two", nil })

	next := NewMemo()
	n := next.Carry(prev, func(serial uint64) bool { return serial == 1 })
	assert.Equal(t, 1, n)

	v, _ := next.Do(1, "a", func() (any, error) { return "recomputed", nil })
	assert.Equal(t, "one", v)
	v, _ = next.Do(2, "a", func() (any, error) { return "recomputed", nil })
	assert.Equal(t, "recomputed", v)
}

func TestExprRegistry(t *testing.T) {
	reg, err := NewExprRegistry(map[string]string{
		"Labels.title": `name + "/" + key + "/" + string(len(args))`,
		"Labels.peer":  `attr("other")`,
	})
	require.NoError(t, err)
	r := New(Chain(NewFuncRegistry(), reg))
	n := fakeNode{path: "x", attrs: map[string]any{"other": "o"}}

	v, err := r.Resolve("k", layer.Computed("Labels", "title", layer.Int(1)), n)
	require.NoError(t, err)
	assert.Equal(t, "x/k/1", v)

	v, err = r.Resolve("k", layer.Computed("labels", "PEER"), n)
	require.NoError(t, err)
	assert.Equal(t, "o", v)

	_, err = NewExprRegistry(map[string]string{"bad": "1 +"})
	assert.Error(t, err)
}
