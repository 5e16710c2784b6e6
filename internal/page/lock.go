package page

import (
	"fmt"
	"sync"
)

// Level identifies a position on the shared/reserved/pending/exclusive lock
// ladder a connection holds against a database file.
type Level uint8

const (
	// LevelNone holds no lock at all.
	LevelNone Level = iota
	// LevelShared allows concurrent readers; blocks a writer from reaching
	// LevelExclusive.
	LevelShared
	// LevelReserved marks "this connection intends to write"; other
	// readers may still hold LevelShared, but no second writer may also
	// reach LevelReserved.
	LevelReserved
	// LevelPending blocks any new LevelShared acquisition from starting,
	// so existing readers can drain without new ones joining the queue.
	LevelPending
	// LevelExclusive requires zero other lock holders; only then may the
	// writer mutate pages.
	LevelExclusive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelShared:
		return "SHARED"
	case LevelReserved:
		return "RESERVED"
	case LevelPending:
		return "PENDING"
	case LevelExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// LockManager arbitrates the shared/reserved/pending/exclusive ladder for a
// single database file. It is the concurrency primitive the WAL interceptor
// builds BeginRead/EndRead/BeginWrite/EndWrite on top of.
type LockManager struct {
	mu    sync.Mutex
	cond  *sync.Cond
	share int  // number of held shared locks
	rsvd  bool // a connection holds RESERVED
	pend  bool // a connection holds PENDING
	excl  bool // a connection holds EXCLUSIVE
}

// NewLockManager returns a ready-to-use LockManager.
func NewLockManager() *LockManager {
	lm := &LockManager{}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

// AcquireShared blocks until no writer holds PENDING or EXCLUSIVE, then
// registers a shared reader.
func (lm *LockManager) AcquireShared() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for lm.pend || lm.excl {
		lm.cond.Wait()
	}
	lm.share++
}

// ReleaseShared drops one shared reader registration.
func (lm *LockManager) ReleaseShared() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.share > 0 {
		lm.share--
	}
	lm.cond.Broadcast()
}

// AcquireReserved marks intent to write. At most one connection may hold
// RESERVED at a time; existing shared readers are unaffected.
func (lm *LockManager) AcquireReserved() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.rsvd {
		return fmt.Errorf("page: RESERVED already held by another writer")
	}
	lm.rsvd = true
	return nil
}

// ReleaseReserved drops the RESERVED lock.
func (lm *LockManager) ReleaseReserved() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.rsvd = false
	lm.cond.Broadcast()
}

// AcquirePending blocks new shared acquisitions so the existing readers can
// drain, then returns once the writer is clear to wait for EXCLUSIVE.
func (lm *LockManager) AcquirePending() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.pend = true
}

// AcquireExclusive blocks until every shared reader has drained, then takes
// the exclusive lock. The caller must already hold RESERVED and PENDING.
func (lm *LockManager) AcquireExclusive() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for lm.share > 0 {
		lm.cond.Wait()
	}
	lm.excl = true
}

// ReleaseExclusive drops EXCLUSIVE, PENDING and RESERVED together, the way a
// successful commit releases the whole writer ladder at once.
func (lm *LockManager) ReleaseExclusive() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.excl = false
	lm.pend = false
	lm.rsvd = false
	lm.cond.Broadcast()
}

// State reports a best-effort snapshot of the current ladder position, for
// diagnostics only.
func (lm *LockManager) State() (shared int, reserved, pending, exclusive bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.share, lm.rsvd, lm.pend, lm.excl
}
