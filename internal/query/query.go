// Package query runs JSONPath expressions over a JSON view of the merged tree.
package query

import (
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/layercache/internal/resolve"
	"github.com/agentic-research/layercache/internal/vfs"
)

// Options controls how much of the tree Export materializes.
type Options struct {
	// Resolve evaluates attributes; otherwise only their keys are listed.
	Resolve bool
	// Content inlines file bodies up to this many bytes. Zero skips content.
	Content int
}

// Export converts the subtree at h into nested maps and slices:
//
//	{"name", "path", "kind", "serial", "attrs": {...}, "children": [...], "content"}
func Export(fs *vfs.FS, h vfs.Handle, opts Options) map[string]any {
	out := map[string]any{
		"name":   h.Name(),
		"path":   h.Path(),
		"kind":   h.Kind().String(),
		"serial": int64(h.Serial()),
	}
	keys := fs.Attributes(h)
	if opts.Resolve {
		attrs := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := fs.Attribute(h, k); ok {
				attrs[k] = jsonValue(v)
			}
		}
		out["attrs"] = attrs
	} else {
		list := make([]any, len(keys))
		for i, k := range keys {
			list[i] = k
		}
		out["attrs"] = list
	}
	if h.IsFolder() {
		children := fs.Children(h)
		list := make([]any, len(children))
		for i, c := range children {
			list[i] = Export(fs, c, opts)
		}
		out["children"] = list
		return out
	}
	if opts.Content > 0 {
		if data, err := fs.ReadAll(h); err == nil && len(data) <= opts.Content {
			out["content"] = string(data)
		}
	}
	return out
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case *url.URL:
		return x.String()
	case []byte:
		return hex.EncodeToString(x)
	case resolve.Blob:
		return hex.EncodeToString(x)
	case string, bool, int64, float64, nil:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Run evaluates a JSONPath expression against an exported tree.
func Run(root any, expr string) ([]any, error) {
	x, err := jp.ParseString(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", expr, err)
	}
	return x.Get(root), nil
}

// Tree exports the subtree at path and runs expr over it.
func Tree(fs *vfs.FS, path, expr string, opts Options) ([]any, error) {
	h, ok := fs.Find(path)
	if !ok {
		return nil, fmt.Errorf("no such node: %q", path)
	}
	return Run(Export(fs, h, opts), expr)
}

// JSON renders query results, indented and with sorted keys.
func JSON(v any) string {
	return oj.JSON(v, &oj.Options{Indent: 2, Sort: true})
}
