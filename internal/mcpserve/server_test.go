package mcpserve

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/layercache/internal/diag"
	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/layer"
	"github.com/agentic-research/layercache/internal/vfs"
)

func testServer(t *testing.T, extra ...*layer.Node) *Server {
	t.Helper()
	tr := graph.Merge([]layer.Source{{Origin: "x", Root: layer.NewFolder("", append([]*layer.Node{
		layer.NewFolder("foo",
			layer.NewFile("test1", []byte("hello")).WithAttr("y", layer.String("two")),
		),
	}, extra...)...)}})
	fs, err := vfs.New(tr, vfs.Options{Diagnostics: diag.Discard})
	require.NoError(t, err)
	return &Server{fs: fs}
}

func call(t *testing.T, s *Server, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, st := range s.Tools() {
		if st.Tool.Name != tool {
			continue
		}
		req := mcp.CallToolRequest{}
		req.Params.Name = tool
		req.Params.Arguments = args
		res, err := st.Handler(context.Background(), req)
		require.NoError(t, err)
		return res
	}
	t.Fatalf("no tool %q", tool)
	return nil
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestTools(t *testing.T) {
	s := testServer(t)

	res := call(t, s, "find", map[string]any{"path": "foo/test1"})
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"file"`)

	res = call(t, s, "children", map[string]any{"path": "foo"})
	assert.Contains(t, text(t, res), "test1")

	res = call(t, s, "attribute", map[string]any{"path": "foo/test1", "key": "y"})
	assert.Equal(t, "two", text(t, res))

	res = call(t, s, "content", map[string]any{"path": "foo/test1"})
	assert.Equal(t, "hello", text(t, res))

	res = call(t, s, "query", map[string]any{"path": "", "expr": "$..children[*].name"})
	assert.Contains(t, text(t, res), "test1")
}

func TestTools_Errors(t *testing.T) {
	s := testServer(t)

	assert.True(t, call(t, s, "find", map[string]any{"path": "nope"}).IsError)
	assert.True(t, call(t, s, "children", map[string]any{"path": "foo/test1"}).IsError)
	assert.True(t, call(t, s, "attribute", map[string]any{"path": "foo/test1", "key": "zz"}).IsError)
	assert.True(t, call(t, s, "attribute", map[string]any{"path": "foo/test1"}).IsError)
	assert.True(t, call(t, s, "content", map[string]any{"path": "foo"}).IsError)
	assert.True(t, call(t, s, "query", map[string]any{"path": "", "expr": "$["}).IsError)
}

func TestNew_RegistersTools(t *testing.T) {
	s := testServer(t)
	srv := New(s.fs)
	require.NotNil(t, srv)
	assert.Len(t, s.Tools(), 5)
}

func TestContent_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", maxContent-1) + "é"
	s := testServer(t, layer.NewFile("big", []byte(body)))

	out := text(t, call(t, s, "content", map[string]any{"path": "big"}))
	assert.True(t, utf8.ValidString(out))
	assert.Len(t, out, maxContent-1)

	assert.Equal(t, []byte("ab"), truncate([]byte("ab€"), 4))
	assert.Equal(t, []byte("ab€"), truncate([]byte("ab€"), 5))
	assert.Equal(t, []byte("x"), truncate([]byte("x"), 1))
}
