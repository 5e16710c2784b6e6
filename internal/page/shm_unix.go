//go:build unix

package page

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is a memory-mapped, fixed-size scratch file shared between
// processes attached to the same database.
type mmapRegion struct {
	f    *os.File
	data []byte
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
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("page: mmap shm file: %w", err)
	}
	return &mmapRegion{f: f, data: data}, nil
}

func (m *mmapRegion) putUint64(off int, v uint64) {
	binary.LittleEndian.PutUint64(m.data[off:off+8], v)
}

func (m *mmapRegion) uint64(off int) uint64 {
	return binary.LittleEndian.Uint64(m.data[off : off+8])
}

func (m *mmapRegion) close() error {
	var firstErr error
	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}
	if err := m.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
