// Package source opens seekable byte streams for record streams to read from.
//
// Plain files are read directly or through a read-only memory mapping.
// Compressed files (snappy framed, gzip) can't be seeked in their compressed
// form and are decompressed into memory when opened.
package source

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Source is the capability set a record stream needs from its input.
type Source interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Opener opens the source for path.
type Opener func(logger *zap.Logger, path string) (Source, error)

const (
	snappyExt     = ".sz"
	snappyLongExt = ".snappy"
	gzipExt       = ".gz"
)

// Open dispatches by file extension: snappy and gzip files are decompressed,
// everything else is opened as a plain file.
func Open(logger *zap.Logger, path string) (Source, error) {
	return open(logger, path, func(logger *zap.Logger, path string) (Source, error) {
		f, err := OpenFile(logger, path)
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}

// OpenMapped is like Open, but memory maps plain files.
func OpenMapped(logger *zap.Logger, path string) (Source, error) {
	return open(logger, path, func(logger *zap.Logger, path string) (Source, error) {
		m, err := OpenMmap(logger, path)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

func open(logger *zap.Logger, path string, plain Opener) (Source, error) {
	var (
		m   *Memory
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case snappyExt, snappyLongExt:
		m, err = OpenSnappy(logger, path)
	case gzipExt:
		m, err = OpenGzip(logger, path)
	default:
		return plain(logger, path)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Memory is a Source over an in-memory buffer. Close is a noop.
type Memory struct {
	*bytes.Reader
}

// NewMemory returns a Source that reads buf.
func NewMemory(buf []byte) *Memory {
	return &Memory{Reader: bytes.NewReader(buf)}
}

func (m *Memory) Close() error {
	return nil
}
