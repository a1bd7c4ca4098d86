package ingest

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"
)

// Document is one layer input, in priority order within an Engine.
type Document interface {
	Origin() string
	Open(ctx context.Context) (io.ReadCloser, error)
	// ModTime is the zero time when the document does not track changes.
	ModTime() (time.Time, error)
}

// FileDocument is a layer document on disk.
type FileDocument string

func (d FileDocument) Origin() string { return string(d) }

func (d FileDocument) Open(_ context.Context) (io.ReadCloser, error) {
	return os.Open(string(d))
}

func (d FileDocument) ModTime() (time.Time, error) {
	info, err := os.Stat(string(d))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// MemDocument is a layer document held in memory.
type MemDocument struct {
	Name    string
	Data    []byte
	Changed time.Time
}

func (d *MemDocument) Origin() string { return d.Name }

func (d *MemDocument) Open(_ context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(d.Data)), nil
}

func (d *MemDocument) ModTime() (time.Time, error) { return d.Changed, nil }
