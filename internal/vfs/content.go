package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/agentic-research/layercache/internal/layer"
)

var ErrUnsupportedURL = errors.New("unsupported content url")

// Loader fetches the body of a file declared by URL. origin is the layer the
// declaration came from, so relative references can be resolved.
type Loader interface {
	Load(origin, ref string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(origin, ref string) ([]byte, error)

func (f LoaderFunc) Load(origin, ref string) ([]byte, error) { return f(origin, ref) }

// FileLoader reads file: URLs and paths relative to the layer document.
type FileLoader struct{}

func (FileLoader) Load(origin, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	var path string
	switch u.Scheme {
	case "":
		path = u.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(origin), path)
		}
	case "file":
		path = u.Path
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, ref)
	}
	return os.ReadFile(path)
}

// Content opens the bytes of a file. Folders have no content.
func (f *FS) Content(h Handle) (io.ReadCloser, error) {
	data, err := f.ReadAll(h)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadAll returns the bytes of a file. The slice must not be modified.
func (f *FS) ReadAll(h Handle) ([]byte, error) {
	if !h.IsValid() {
		return nil, ErrInvalidHandle
	}
	n := h.node()
	if n.IsFolder() {
		return nil, fmt.Errorf("%s: %w", h.Path(), ErrIsFolder)
	}
	switch n.Content.Kind {
	case layer.ContentInline:
		return n.Content.Data, nil
	case layer.ContentURL:
		origin := h.snap.origin(n.Source)
		key := origin + "\x00" + n.Content.URL
		if data, ok := f.content.Get(key); ok {
			return data, nil
		}
		data, err := f.loader.Load(origin, n.Content.URL)
		if err != nil {
			return nil, fmt.Errorf("%s: load %s: %w", h.Path(), n.Content.URL, err)
		}
		f.content.Add(key, data)
		return data, nil
	default:
		return nil, nil
	}
}

// Size returns the content length of a file, loading URL content if needed.
func (f *FS) Size(h Handle) (int64, error) {
	if h.IsValid() && h.IsFolder() {
		return 0, nil
	}
	data, err := f.ReadAll(h)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
