// Package nfsmount exports the merged layer tree over NFS. It adapts the
// vfs facade to billy.Filesystem for use with willscott/go-nfs. The export
// is read-only and always serves the facade's current generation.
package nfsmount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"

	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/query"
	"github.com/agentic-research/layercache/internal/vfs"
)

var errReadOnly = fmt.Errorf("read-only filesystem")

// ManifestName is the virtual root file describing the merged layers. A real
// node with the same name hides it.
const ManifestName = "_layers.json"

// GraphFS adapts a vfs.FS to billy.Filesystem.
type GraphFS struct {
	fs        *vfs.FS
	mountTime time.Time
}

// NewGraphFS creates a billy.Filesystem backed by the facade.
func NewGraphFS(fs *vfs.FS) *GraphFS {
	return &GraphFS{fs: fs, mountTime: time.Now()}
}

// Manifest renders the layer table of the current generation.
func (fs *GraphFS) Manifest() []byte {
	t := fs.fs.Tree()
	gen, id := fs.fs.Generation()
	layers := make([]any, len(t.Layers))
	for i, l := range t.Layers {
		entry := map[string]any{"origin": l.Origin, "nodes": int64(0)}
		if l.Nodes != nil {
			entry["nodes"] = int64(l.Nodes.GetCardinality())
		}
		if l.Stamp != graph.NoTimestamp {
			entry["modified"] = time.Unix(0, l.Stamp).UTC().Format(time.RFC3339Nano)
		}
		layers[i] = entry
	}
	out := map[string]any{
		"generation": int64(gen),
		"id":         id.String(),
		"nodes":      int64(t.Len()),
		"layers":     layers,
	}
	return append([]byte(query.JSON(out)), '\n')
}

// --- billy.Basic ---

func (fs *GraphFS) Create(filename string) (billy.File, error) {
	return nil, errReadOnly
}

func (fs *GraphFS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *GraphFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, errReadOnly
	}
	filename = cleanPath(filename)

	h, ok := fs.resolve(filename)
	if !ok {
		if filename == "/"+ManifestName {
			return &bytesFile{name: ManifestName, data: fs.Manifest()}, nil
		}
		return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
	}
	if h.IsFolder() {
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("is a directory")}
	}
	data, err := fs.fs.ReadAll(h)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: filename, Err: err}
	}
	return &bytesFile{name: h.Name(), data: data}, nil
}

func (fs *GraphFS) Stat(filename string) (os.FileInfo, error) {
	return fs.Lstat(filename)
}

func (fs *GraphFS) Rename(oldpath, newpath string) error {
	return errReadOnly
}

func (fs *GraphFS) Remove(filename string) error {
	return errReadOnly
}

func (fs *GraphFS) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// --- billy.TempFile ---

func (fs *GraphFS) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

// --- billy.Dir ---

func (fs *GraphFS) ReadDir(path string) ([]os.FileInfo, error) {
	path = cleanPath(path)

	h, ok := fs.resolve(path)
	if !ok {
		return nil, &os.PathError{Op: "readdir", Path: path, Err: os.ErrNotExist}
	}
	if !h.IsFolder() {
		return nil, &os.PathError{Op: "readdir", Path: path, Err: fmt.Errorf("not a directory")}
	}

	children := fs.fs.Children(h)
	infos := make([]os.FileInfo, 0, len(children)+1)
	shadowed := false
	for _, c := range children {
		if path == "/" && c.Name() == ManifestName {
			shadowed = true
		}
		infos = append(infos, fs.fileInfo(c))
	}
	if path == "/" && !shadowed {
		infos = append(infos, fs.manifestInfo())
	}
	return infos, nil
}

func (fs *GraphFS) MkdirAll(filename string, perm os.FileMode) error {
	return errReadOnly
}

// --- billy.Symlink ---

func (fs *GraphFS) Lstat(filename string) (os.FileInfo, error) {
	filename = cleanPath(filename)

	if filename == "/" {
		return &staticFileInfo{
			name:    "/",
			mode:    os.ModeDir | 0o555,
			modTime: fs.mountTime,
		}, nil
	}

	h, ok := fs.resolve(filename)
	if !ok {
		if filename == "/"+ManifestName {
			return fs.manifestInfo(), nil
		}
		return nil, &os.PathError{Op: "lstat", Path: filename, Err: os.ErrNotExist}
	}
	return fs.fileInfo(h), nil
}

func (fs *GraphFS) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (fs *GraphFS) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

// --- billy.Chroot ---

func (fs *GraphFS) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(fs, path), nil
}

func (fs *GraphFS) Root() string {
	return "/"
}

// --- billy.Capable ---

func (fs *GraphFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// --- internals ---

func (fs *GraphFS) resolve(path string) (vfs.Handle, bool) {
	return fs.fs.Find(strings.TrimPrefix(path, "/"))
}

func (fs *GraphFS) manifestInfo() os.FileInfo {
	return &staticFileInfo{
		name:    ManifestName,
		size:    int64(len(fs.Manifest())),
		mode:    0o444,
		modTime: fs.mountTime,
	}
}

// fileInfo describes a node. Files whose URL content cannot be loaded report
// size zero; opening them reports the error.
func (fs *GraphFS) fileInfo(h vfs.Handle) os.FileInfo {
	mode := os.FileMode(0o444)
	if h.IsFolder() {
		mode = os.ModeDir | 0o555
	}
	size, _ := fs.fs.Size(h)

	modTime := fs.mountTime
	if st := h.Stamp(); st != graph.NoTimestamp {
		modTime = time.Unix(0, st)
	}

	return &staticFileInfo{
		name:    h.Name(),
		size:    size,
		mode:    mode,
		modTime: modTime,
	}
}

// cleanPath normalizes a billy path to a clean absolute path.
func cleanPath(path string) string {
	path = filepath.Clean("/" + path)
	if path == "." {
		return "/"
	}
	return path
}

// staticFileInfo implements os.FileInfo with static values.
type staticFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *staticFileInfo) Name() string       { return fi.name }
func (fi *staticFileInfo) Size() int64        { return fi.size }
func (fi *staticFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *staticFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *staticFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *staticFileInfo) Sys() interface{}   { return nil }

var (
	_ billy.Filesystem = (*GraphFS)(nil)
	_ billy.Capable    = (*GraphFS)(nil)
	_ billy.File       = (*bytesFile)(nil)
)
