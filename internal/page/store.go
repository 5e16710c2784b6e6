package page

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Store owns the database file: page-granular reads and writes, the
// database header, and a bounded page cache that evicts an arbitrary
// entry when full. It knows nothing about frames or
// WAL records — that layering lives in internal/framelog and
// internal/walintercept, the way the original embedded engine keeps its
// B+Tree pager separate from its WAL file.
type Store struct {
	mu       sync.RWMutex
	file     *os.File
	path     string
	pageSize int
	header   DatabaseHeader
	locks    *LockManager
	shm      *shmIndex

	cacheMu sync.Mutex
	cache   map[PageNo][]byte
	maxPin  int
}

// Config configures Open.
type Config struct {
	Path     string
	PageSize uint32 // only consulted when creating a new database
	CacheCap int    // page cache capacity, 0 = DefaultCacheCap
}

// DefaultCacheCap is the default number of cached pages.
const DefaultCacheCap = 2048

// Open opens an existing database file or creates a new one with a fresh
// header and database UUID.
func Open(cfg Config) (*Store, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	isNew := false
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("page: open database file: %w", err)
	}

	cacheCap := cfg.CacheCap
	if cacheCap <= 0 {
		cacheCap = DefaultCacheCap
	}

	s := &Store{
		file:     f,
		path:     cfg.Path,
		pageSize: int(ps),
		locks:    NewLockManager(),
		cache:    make(map[PageNo][]byte, cacheCap),
		maxPin:   cacheCap,
	}

	if isNew {
		s.header = NewDatabaseHeader(ps, uuid.New())
		buf := make([]byte, s.pageSize)
		s.header.Marshal(buf)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("page: write database header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, HeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("page: read database header: %w", err)
		}
		h, err := UnmarshalDatabaseHeader(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.header = h
		s.pageSize = int(h.PageSize)
	}

	shm, err := openShmIndex(cfg.Path + "-shm")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("page: open data-shm: %w", err)
	}
	s.shm = shm

	return s, nil
}

// DatabaseUUID identifies this database instance across its whole
// replication lifetime.
func (s *Store) DatabaseUUID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header.DBUUID
}

// PageSize returns the configured page size in bytes.
func (s *Store) PageSize() int { return s.pageSize }

// PageCount returns the number of pages the database currently occupies,
// including the header page.
func (s *Store) PageCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header.PageCount
}

// Locks returns the lock ladder governing this store.
func (s *Store) Locks() *LockManager { return s.locks }

// ReadPage returns the current contents of a page, consulting the cache
// first.
func (s *Store) ReadPage(no PageNo) ([]byte, error) {
	s.cacheMu.Lock()
	if buf, ok := s.cache[no]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		s.cacheMu.Unlock()
		return out, nil
	}
	s.cacheMu.Unlock()

	buf := make([]byte, s.pageSize)
	off := int64(no) * int64(s.pageSize)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("page: read page %d: %w", no, err)
	}
	s.cachePut(no, buf)
	return buf, nil
}

// WritePage writes a page's contents directly to the database file and
// refreshes the cache. Callers must hold at least LevelExclusive via the
// Store's LockManager; WritePage does not itself serialize concurrent
// writers.
func (s *Store) WritePage(no PageNo, data []byte) error {
	if len(data) != s.pageSize {
		return fmt.Errorf("page: write page %d: data length %d != page size %d", no, len(data), s.pageSize)
	}
	off := int64(no) * int64(s.pageSize)
	if _, err := s.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("page: write page %d: %w", no, err)
	}
	s.cachePut(no, data)

	s.mu.Lock()
	if uint64(no)+1 > s.header.PageCount {
		s.header.PageCount = uint64(no) + 1
	}
	s.header.ChangeCtr++
	s.mu.Unlock()
	return nil
}

func (s *Store) cachePut(no PageNo, data []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if len(s.cache) >= s.maxPin {
		for k := range s.cache {
			delete(s.cache, k)
			break
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.cache[no] = cp
}

// Truncate shrinks the database to pageCount pages, invalidating any cached
// pages beyond the new boundary. Used when the replication client rewinds
// the database after a snapshot-driven reset.
func (s *Store) Truncate(pageCount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Truncate(int64(pageCount) * int64(s.pageSize)); err != nil {
		return fmt.Errorf("page: truncate to %d pages: %w", pageCount, err)
	}
	s.header.PageCount = pageCount
	s.cacheMu.Lock()
	for no := range s.cache {
		if uint64(no) >= pageCount {
			delete(s.cache, no)
		}
	}
	s.cacheMu.Unlock()
	return nil
}

// FlushHeader persists the in-memory database header to page 0.
func (s *Store) FlushHeader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, s.pageSize)
	s.header.Marshal(buf)
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("page: flush database header: %w", err)
	}
	return s.file.Sync()
}

// Sync fsyncs the underlying database file.
func (s *Store) Sync() error {
	return s.file.Sync()
}

// Close flushes the header and closes the database file and its data-shm
// mapping.
func (s *Store) Close() error {
	if err := s.FlushHeader(); err != nil {
		_ = s.shm.close()
		_ = s.file.Close()
		return err
	}
	if err := s.shm.close(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
