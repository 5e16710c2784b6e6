//go:build !unix

package page

import (
	"encoding/binary"
	"fmt"
	"os"
)

// mmapRegion falls back to plain read/write file I/O on platforms without a
// POSIX mmap (golang.org/x/sys/windows has its own mapping API, but a
// regular file round-trip is correctness-equivalent for this shim since the
// shm region is an optimization hint, never a durability guarantee).
type mmapRegion struct {
	f    *os.File
	size int
}

func openMmapRegion(path string, size int) (*mmapRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("page: open shm file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &mmapRegion{f: f, size: size}, nil
}

func (m *mmapRegion) putUint64(off int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = m.f.WriteAt(buf[:], int64(off))
}

func (m *mmapRegion) uint64(off int) uint64 {
	var buf [8]byte
	_, _ = m.f.ReadAt(buf[:], int64(off))
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *mmapRegion) close() error {
	return m.f.Close()
}
