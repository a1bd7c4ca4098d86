package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/layercache/internal/diag"
	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/layer"
	"github.com/agentic-research/layercache/internal/vfs"
)

func menuFS(t *testing.T) *vfs.FS {
	t.Helper()
	tr := graph.Merge([]layer.Source{{Origin: "x", Root: layer.NewFolder("",
		layer.NewFolder("Menu",
			layer.NewFile("File", []byte("f")).WithAttr("position", layer.Int(100)).WithAttr("mnemonic", layer.String("F")),
			layer.NewFile("Edit", []byte("e")).WithAttr("position", layer.Int(200)),
			layer.NewFolder("Tools"),
		),
	)}})
	fs, err := vfs.New(tr, vfs.Options{Diagnostics: diag.Discard})
	require.NoError(t, err)
	return fs
}

func TestTree_SelectsByAttribute(t *testing.T) {
	fs := menuFS(t)
	got, err := Tree(fs, "Menu", `$.children[?(@.attrs.position > 150)].name`, Options{Resolve: true})
	require.NoError(t, err)
	assert.Equal(t, []any{"Edit"}, got)

	got, err = Tree(fs, "", `$..children[*].path`, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"Menu", "Menu/File", "Menu/Edit", "Menu/Tools"}, got)
}

func TestExport_Content(t *testing.T) {
	fs := menuFS(t)
	h, _ := fs.Find("Menu/File")
	out := Export(fs, h, Options{Resolve: true, Content: 16})
	assert.Equal(t, "f", out["content"])
	assert.Equal(t, "file", out["kind"])
	assert.Equal(t, map[string]any{"position": int64(100), "mnemonic": "F"}, out["attrs"])

	out = Export(fs, h, Options{})
	assert.Nil(t, out["content"])
	assert.Equal(t, []any{"position", "mnemonic"}, out["attrs"])
}

func TestRun_InvalidExpression(t *testing.T) {
	_, err := Run(map[string]any{}, "$[")
	assert.ErrorContains(t, err, "invalid jsonpath")

	_, err = Tree(menuFS(t), "nope", "$", Options{})
	assert.Error(t, err)
}

func TestJSON(t *testing.T) {
	out := JSON(map[string]any{"b": 1, "a": 2})
	assert.Less(t, strings.Index(out, `"a"`), strings.Index(out, `"b"`))
}
