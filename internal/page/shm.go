package page

// shmIndex is the "data-shm" shared index: a small fixed-layout region,
// memory-mapped where the platform supports it, that readers consult to
// find the newest committed frame number without reopening the frame log.
// The frame log is still the durable source of truth; losing the shm file
// only costs a rescan, never correctness, matching the WAL-index shadow
// region the embedded engine's WAL mode keeps beside the WAL file.
type shmIndex struct {
	path string
	mm   *mmapRegion
}

// shmSize is the fixed size of the mapped region: a generation counter, a
// last-committed frame number, and a last-committed checksum, each a
// uint64, padded out to a full page so future fields fit without a format
// bump.
const shmSize = 4096

func openShmIndex(path string) (*shmIndex, error) {
	mm, err := openMmapRegion(path, shmSize)
	if err != nil {
		return nil, err
	}
	return &shmIndex{path: path, mm: mm}, nil
}

// PutLastCommitted records the newest committed frame number and its
// checksum so a reader that just opened the database can skip straight to
// the log tail.
func (s *shmIndex) PutLastCommitted(frameNo, checksum uint64) {
	if s.mm == nil {
		return
	}
	s.mm.putUint64(8, frameNo)
	s.mm.putUint64(16, checksum)
}

// LastCommitted returns the last recorded frame number and checksum, or
// (0, 0) if the shm region has never been written.
func (s *shmIndex) LastCommitted() (frameNo, checksum uint64) {
	if s.mm == nil {
		return 0, 0
	}
	return s.mm.uint64(8), s.mm.uint64(16)
}

func (s *shmIndex) close() error {
	if s.mm == nil {
		return nil
	}
	return s.mm.close()
}
