// Package mcpserve exposes the facade as MCP tools, so agents can browse the
// merged tree without mounting it.
package mcpserve

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/layercache/internal/query"
	"github.com/agentic-research/layercache/internal/vfs"
)

// Version is set at build time via ldflags.
var Version = "dev"

// maxContent caps file bodies returned by the content tool.
const maxContent = 1 << 20

// Server holds the tool handlers.
type Server struct {
	fs *vfs.FS
}

// New creates the MCP server with every tool registered.
func New(fs *vfs.FS) *server.MCPServer {
	s := server.NewMCPServer(
		"layercache",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Browse a merged layer tree. Paths are slash separated; the root is \"\"."),
	)
	h := &Server{fs: fs}
	for _, t := range h.Tools() {
		s.AddTool(t.Tool, t.Handler)
	}
	return s
}

// Serve runs the server on stdin/stdout until the client disconnects.
func Serve(fs *vfs.FS) error {
	return server.ServeStdio(New(fs))
}

// Tools lists the tool definitions with their handlers.
func (s *Server) Tools() []server.ServerTool {
	pathArg := mcp.WithString("path", mcp.Required(), mcp.Description("Slash separated node path; empty for the root"))
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("find",
				mcp.WithDescription("Describe one node: kind, identity serial, attribute keys and child count"),
				pathArg,
			),
			Handler: s.handleFind,
		},
		{
			Tool: mcp.NewTool("children",
				mcp.WithDescription("List the children of a folder in merged order"),
				pathArg,
			),
			Handler: s.handleChildren,
		},
		{
			Tool: mcp.NewTool("attribute",
				mcp.WithDescription("Resolve one attribute of a node"),
				pathArg,
				mcp.WithString("key", mcp.Required(), mcp.Description("Attribute name")),
			),
			Handler: s.handleAttribute,
		},
		{
			Tool: mcp.NewTool("content",
				mcp.WithDescription("Read the content of a file"),
				pathArg,
			),
			Handler: s.handleContent,
		},
		{
			Tool: mcp.NewTool("query",
				mcp.WithDescription("Run a JSONPath expression over the subtree at path"),
				pathArg,
				mcp.WithString("expr", mcp.Required(), mcp.Description("JSONPath, e.g. $..children[?(@.kind == 'file')].path")),
				mcp.WithBoolean("resolve", mcp.Description("Resolve attribute values instead of listing keys")),
			),
			Handler: s.handleQuery,
		},
	}
}

func (s *Server) lookup(req mcp.CallToolRequest) (vfs.Handle, *mcp.CallToolResult) {
	path := req.GetString("path", "")
	h, ok := s.fs.Find(path)
	if !ok {
		return vfs.Handle{}, mcp.NewToolResultError(fmt.Sprintf("no such node: %q", path))
	}
	return h, nil
}

func (s *Server) handleFind(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	gen, id := s.fs.Generation()
	attrs := make([]any, 0)
	for _, k := range s.fs.Attributes(h) {
		attrs = append(attrs, k)
	}
	out := map[string]any{
		"path":       h.Path(),
		"kind":       h.Kind().String(),
		"serial":     int64(h.Serial()),
		"origin":     h.Origin(),
		"attrs":      attrs,
		"children":   int64(len(s.fs.Children(h))),
		"generation": int64(gen),
		"id":         id.String(),
	}
	return mcp.NewToolResultText(query.JSON(out)), nil
}

func (s *Server) handleChildren(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	if !h.IsFolder() {
		return mcp.NewToolResultError(fmt.Sprintf("%q is not a folder", h.Path())), nil
	}
	list := make([]any, 0)
	for _, c := range s.fs.Children(h) {
		list = append(list, map[string]any{"name": c.Name(), "kind": c.Kind().String()})
	}
	return mcp.NewToolResultText(query.JSON(list)), nil
}

func (s *Server) handleAttribute(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, ok := s.fs.Attribute(h, key)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%q has no attribute %q", h.Path(), key)), nil
	}
	return mcp.NewToolResultText(fmt.Sprint(v)), nil
}

func (s *Server) handleContent(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	data, err := s.fs.ReadAll(h)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(truncate(data, maxContent))), nil
}

// truncate cuts data to at most n bytes without splitting a UTF-8 sequence.
func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return data[:cut]
}

func (s *Server) handleQuery(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr, err := req.RequireString("expr")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := query.Options{Resolve: req.GetBool("resolve", false)}
	res, err := query.Tree(s.fs, req.GetString("path", ""), expr, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(query.JSON(res)), nil
}
