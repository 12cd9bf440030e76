package source

import (
	"fmt"
	"os"

	"github.com/tysonmote/gommap"
	"go.uber.org/zap"
)

// OpenFile opens path for reading and advises the kernel that it will be
// read sequentially.
func OpenFile(logger *zap.Logger, path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if err := adviseSequential(f); err != nil {
		f.Close()
		return nil, err
	}
	logger.Debug("opened file", zap.String("path", path))
	return f, nil
}

// Mmap is a read-only memory mapped file.
type Mmap struct {
	f    *os.File
	mmap gommap.MMap
	r    *Memory
}

// OpenMmap maps path into memory. Empty files are not mapped.
func OpenMmap(logger *zap.Logger, path string) (*Mmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	m := &Mmap{f: f}
	if stat.Size() == 0 {
		m.r = NewMemory(nil)
		return m, nil
	}
	mmap, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}
	if err := mmap.Advise(gommap.MADV_SEQUENTIAL); err != nil {
		mmap.UnsafeUnmap()
		f.Close()
		return nil, fmt.Errorf("syscall MADVISE failed: %w", err)
	}
	m.mmap = mmap
	m.r = NewMemory(mmap)
	logger.Debug("mapped file", zap.String("path", path), zap.Int64("size", stat.Size()))
	return m, nil
}

func (m *Mmap) Read(buf []byte) (int, error) {
	return m.r.Read(buf)
}

func (m *Mmap) Seek(offset int64, whence int) (int64, error) {
	return m.r.Seek(offset, whence)
}

// Close unmaps the file. Reads after Close panic.
func (m *Mmap) Close() error {
	if m.mmap != nil {
		if err := m.mmap.UnsafeUnmap(); err != nil {
			return fmt.Errorf("failed to unmap: %w", err)
		}
		m.mmap = nil
	}
	return m.f.Close()
}
