package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/layercache/internal/layer"
)

func bazLayers(withSecond bool) []layer.Source {
	l1 := src("l1", layer.NewFolder("baz", layer.NewFile("keep", []byte("k")).WithAttr("a", layer.Int(1))))
	l2 := src("l2", layer.NewFolder("baz"), layer.NewFolder("other", layer.NewFile("deep", nil)))
	if withSecond {
		l2.Root.Children[0].Children = append(l2.Root.Children[0].Children, layer.NewFile("drop", nil))
	}
	return []layer.Source{l1, l2}
}

func TestReconcile_RemovedSiblingKeepsIdentity(t *testing.T) {
	t1 := Merge(bazLayers(true))
	require.Len(t, t1.Node(mustID(t1, "baz")).Children, 2)
	keepSerial := mustLookup(t, t1, "baz/keep").Serial
	deepSerial := mustLookup(t, t1, "other/deep").Serial

	t2 := Merge(bazLayers(false))
	cs := Reconcile(t1, t2)

	require.Len(t, cs, 1)
	assert.Equal(t, EventRemoved, cs[0].Kind)
	assert.Equal(t, "baz/drop", cs[0].Path)
	assert.Equal(t, layer.KindFile, cs[0].NodeKind)

	assert.Len(t, t2.Node(mustID(t2, "baz")).Children, 1)
	assert.Equal(t, keepSerial, mustLookup(t, t2, "baz/keep").Serial)
	assert.Equal(t, deepSerial, mustLookup(t, t2, "other/deep").Serial)
}

func TestDiff_IdenticalTreesAreSilent(t *testing.T) {
	t1 := Merge(bazLayers(true))
	t2 := Merge(bazLayers(true))
	assert.Empty(t, Diff(t1, t2))
	assert.Empty(t, Reconcile(t1, t2))
	assert.True(t, t1.Equal(t2))
}

func TestDiff_AddedOnlyForSubtreeRoot(t *testing.T) {
	t1 := Merge([]layer.Source{src("a", layer.NewFolder("f"))})
	t2 := Merge([]layer.Source{src("a", layer.NewFolder("f",
		layer.NewFolder("g", layer.NewFile("h", nil)),
	))})

	cs := Diff(t1, t2)
	require.Len(t, cs, 1)
	assert.Equal(t, Change{Kind: EventAdded, Path: "f/g", NodeKind: layer.KindFolder}, cs[0])
}

func TestDiff_AttributeAndContentChanges(t *testing.T) {
	t1 := Merge([]layer.Source{src("a", layer.NewFile("f", []byte("v1")).
		WithAttr("same", layer.Int(1)).
		WithAttr("gone", layer.Int(2)).
		WithAttr("edit", layer.String("old")))})
	t2 := Merge([]layer.Source{src("a", layer.NewFile("f", []byte("v2")).
		WithAttr("same", layer.Int(1)).
		WithAttr("edit", layer.String("new")).
		WithAttr("fresh", layer.Bool(true)))})

	cs := Diff(t1, t2)
	require.Len(t, cs, 1)
	c := cs[0]
	assert.Equal(t, EventChanged, c.Kind)
	assert.Equal(t, "f", c.Path)
	assert.True(t, c.ContentChanged)
	require.Len(t, c.Attrs, 3)

	assert.Equal(t, "gone", c.Attrs[0].Key)
	assert.Nil(t, c.Attrs[0].New)
	assert.Equal(t, "edit", c.Attrs[1].Key)
	assert.Equal(t, layer.String("old"), *c.Attrs[1].Old)
	assert.Equal(t, layer.String("new"), *c.Attrs[1].New)
	assert.Equal(t, "fresh", c.Attrs[2].Key)
	assert.Nil(t, c.Attrs[2].Old)
}

func TestDiff_Reordered(t *testing.T) {
	t1 := Merge([]layer.Source{src("a", layer.NewFolder("f",
		layer.NewFile("a", nil), layer.NewFile("b", nil), layer.NewFile("c", nil)))})
	t2 := Merge([]layer.Source{src("a", layer.NewFolder("f",
		layer.NewFile("c", nil), layer.NewFile("a", nil), layer.NewFile("b", nil)))})

	cs := Diff(t1, t2)
	require.Len(t, cs, 1)
	assert.Equal(t, EventReordered, cs[0].Kind)
	assert.Equal(t, "f", cs[0].Path)
	assert.Equal(t, []int{2, 0, 1}, cs[0].Permutation)
}

func TestDiff_KindFlipAndOrdering(t *testing.T) {
	t1 := Merge([]layer.Source{src("a",
		layer.NewFolder("f", layer.NewFile("x", nil), layer.NewFile("old", nil)),
	)})
	t2 := Merge([]layer.Source{src("a",
		layer.NewFolder("f", layer.NewFolder("x"), layer.NewFile("new", nil)).WithAttr("k", layer.Int(1)),
	)})

	cs := Diff(t1, t2)
	var got []string
	for _, c := range cs {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		`changed "f" attrs=1 content=false`,
		`removed file "f/x"`,
		`removed file "f/old"`,
		`added folder "f/x"`,
		`added file "f/new"`,
	}, got)
}

func TestReconcile_FreshSerialsAboveOld(t *testing.T) {
	t1 := Merge([]layer.Source{src("a", layer.NewFile("a", nil))})
	t2 := Merge([]layer.Source{src("a", layer.NewFile("b", nil), layer.NewFile("a", nil))})
	Reconcile(t1, t2)

	assert.Equal(t, t1.Node(0).Serial, t2.Node(0).Serial)
	assert.Equal(t, mustLookup(t, t1, "a").Serial, mustLookup(t, t2, "a").Serial)
	assert.Greater(t, mustLookup(t, t2, "b").Serial, t1.MaxSerial())
}

func TestDiff_FromNothing(t *testing.T) {
	t2 := Merge(bazLayers(true))
	cs := Diff(nil, t2)
	require.Len(t, cs, 2)
	assert.Equal(t, "baz", cs[0].Path)
	assert.Equal(t, "other", cs[1].Path)
}
