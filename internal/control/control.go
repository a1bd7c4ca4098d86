package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x4C594343 // 'LYCC'
	Version     = 1
)

// Block is the memory-mapped control file. Other processes map the same
// file to notice that a newer cache was written without polling the cache.
type Block struct {
	Magic       uint32
	Version     uint32
	Generation  uint64 // Atomic
	CachePath   [256]byte
	CacheSize   uint64
	CacheFormat uint32
	_           uint32
	Padding     [ControlSize - 288]byte // Pad to 4096 bytes
}

// Controller manages the memory-mapped control file.
type Controller struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))

	// Read the header before any unmap; ptr is dead afterwards.
	magic, version := ptr.Magic, ptr.Version
	switch {
	case magic == 0:
		ptr.Magic = Magic
		ptr.Version = Version
	case magic != Magic:
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", magic)
	case version != Version:
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("unsupported control version: %d", version)
	}

	return &Controller{
		path: path,
		file: f,
		data: data,
		ptr:  ptr,
	}, nil
}

// Generation returns the number of caches published so far.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// CachePath returns where the latest cache was written.
func (c *Controller) CachePath() string {
	b := c.ptr.CachePath[:]
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// CacheFormat returns the codec version of the latest cache.
func (c *Controller) CacheFormat() uint32 {
	return atomic.LoadUint32(&c.ptr.CacheFormat)
}

// Publish records a freshly written cache and bumps the generation. The
// generation store comes last so readers that see it also see the path.
func (c *Controller) Publish(location string, size uint64, format uint32) (uint64, error) {
	if len(location) >= len(c.ptr.CachePath) {
		return 0, fmt.Errorf("path too long (max %d)", len(c.ptr.CachePath)-1)
	}

	copy(c.ptr.CachePath[:], location)
	c.ptr.CachePath[len(location)] = 0
	c.ptr.CacheSize = size
	atomic.StoreUint32(&c.ptr.CacheFormat, format)

	return atomic.AddUint64(&c.ptr.Generation, 1), nil
}

// Watch calls fn whenever the generation moves past the one seen at the
// call, checking every interval until ctx is done. The controller must stay
// open until Watch returns.
func (c *Controller) Watch(ctx context.Context, interval time.Duration, fn func(gen uint64)) {
	last := c.Generation()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if gen := c.Generation(); gen != last {
				last = gen
				fn(gen)
			}
		}
	}
}

// Sync flushes the mapping to disk.
func (c *Controller) Sync() error {
	return unix.Msync(c.data, unix.MS_SYNC)
}

// Close unmaps and closes the control file.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
