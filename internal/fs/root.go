// Package fs exports the merged layer tree through FUSE. Folders are
// directories, files are read-only regular files and node attributes are
// extended attributes under the "user." namespace.
package fs

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/agentic-research/layercache/internal/graph"
	"github.com/agentic-research/layercache/internal/resolve"
	"github.com/agentic-research/layercache/internal/vfs"
)

// XattrPrefix is prepended to attribute keys.
const XattrPrefix = "user."

// LayerFS implements the FUSE interface from cgofuse over a vfs.FS.
type LayerFS struct {
	fuse.FileSystemBase
	FS        *vfs.FS
	mountTime fuse.Timespec

	mu     sync.Mutex
	nextFh uint64
	open   map[uint64][]byte // content pinned at open
}

func NewLayerFS(v *vfs.FS) *LayerFS {
	return &LayerFS{
		FS:        v,
		mountTime: fuse.NewTimespec(time.Now()),
		open:      make(map[uint64][]byte),
	}
}

func (fs *LayerFS) lookup(path string) (vfs.Handle, bool) {
	return fs.FS.Find(strings.TrimPrefix(path, "/"))
}

// Open loads the file content once; reads through the returned handle see
// the generation current at open.
func (fs *LayerFS) Open(path string, flags int) (int, uint64) {
	if flags&fuse.O_ACCMODE != fuse.O_RDONLY {
		return -fuse.EROFS, ^uint64(0)
	}
	h, ok := fs.lookup(path)
	if !ok {
		return -fuse.ENOENT, ^uint64(0)
	}
	if h.IsFolder() {
		return -fuse.EISDIR, ^uint64(0)
	}
	data, err := fs.FS.ReadAll(h)
	if err != nil {
		return -fuse.EIO, ^uint64(0)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh := fs.nextFh
	fs.nextFh++
	fs.open[fh] = data
	return 0, fh
}

func (fs *LayerFS) Release(path string, fh uint64) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.open, fh)
	return 0
}

// Getattr (Stat)
func (fs *LayerFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	h, ok := fs.lookup(path)
	if !ok {
		return -fuse.ENOENT
	}
	ts := fs.mountTime
	if st := h.Stamp(); st != graph.NoTimestamp {
		ts = fuse.NewTimespec(time.Unix(0, st))
	}
	stat.Atim = ts
	stat.Mtim = ts
	stat.Ctim = ts
	stat.Birthtim = ts
	stat.Ino = h.Serial()

	if h.IsFolder() {
		stat.Mode = fuse.S_IFDIR | 0o555
		stat.Nlink = 2
		return 0
	}
	stat.Mode = fuse.S_IFREG | 0o444
	stat.Nlink = 1
	size, err := fs.FS.Size(h)
	if err != nil {
		return -fuse.EIO
	}
	stat.Size = size
	return 0
}

func (fs *LayerFS) Opendir(path string) (int, uint64) {
	h, ok := fs.lookup(path)
	if !ok {
		return -fuse.ENOENT, ^uint64(0)
	}
	if !h.IsFolder() {
		return -fuse.ENOTDIR, ^uint64(0)
	}
	return 0, 0
}

// Readdir (List directory)
func (fs *LayerFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	h, ok := fs.lookup(path)
	if !ok {
		return -fuse.ENOENT
	}
	if !h.IsFolder() {
		return -fuse.ENOTDIR
	}
	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, c := range fs.FS.Children(h) {
		if !fill(c.Name(), nil, 0) {
			break
		}
	}
	return 0
}

// Read (Cat file)
func (fs *LayerFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	fs.mu.Lock()
	content, ok := fs.open[fh]
	fs.mu.Unlock()
	if !ok {
		h, found := fs.lookup(path)
		if !found {
			return -fuse.ENOENT
		}
		data, err := fs.FS.ReadAll(h)
		if err != nil {
			return -fuse.EIO
		}
		content = data
	}

	if ofst >= int64(len(content)) {
		return 0
	}
	end := ofst + int64(len(buff))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return copy(buff, content[ofst:end])
}

func (fs *LayerFS) Listxattr(path string, fill func(name string) bool) int {
	h, ok := fs.lookup(path)
	if !ok {
		return -fuse.ENOENT
	}
	for _, k := range fs.FS.Attributes(h) {
		if !fill(XattrPrefix + k) {
			break
		}
	}
	return 0
}

// Getxattr resolves one attribute. Attributes that fail to resolve are absent.
func (fs *LayerFS) Getxattr(path string, name string) (int, []byte) {
	h, ok := fs.lookup(path)
	if !ok {
		return -fuse.ENOENT, nil
	}
	key, ok := strings.CutPrefix(name, XattrPrefix)
	if !ok {
		return -fuse.ENOATTR, nil
	}
	v, ok := fs.FS.Attribute(h, key)
	if !ok {
		return -fuse.ENOATTR, nil
	}
	return 0, []byte(xattrText(v))
}

func (fs *LayerFS) Setxattr(path string, name string, value []byte, flags int) int {
	return -fuse.EROFS
}

func (fs *LayerFS) Removexattr(path string, name string) int {
	return -fuse.EROFS
}

func xattrText(v any) string {
	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case resolve.Blob:
		return hex.EncodeToString(x)
	default:
		return fmt.Sprint(x)
	}
}
