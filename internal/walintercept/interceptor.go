// Package walintercept sits between the embedded engine's WAL writes and
// the durable frame log: every page the engine's B+Tree pager flushes
// passes through here on its way to becoming a frame, and every page a
// query reads is served from whichever of (cached page, frame log, base
// page store) holds the newest committed copy. It is the component that
// makes replication possible without changing a single line of query
// execution code above it — the database engine believes it is still
// talking to an ordinary page store.
package walintercept

import (
	"fmt"
	"sync"
	"time"

	"github.com/keelsql/keel/internal/framelog"
	"github.com/keelsql/keel/internal/page"
)

// Interceptor mediates all page I/O for one open database, tracking the
// frame number a reader's snapshot is pinned to and funneling committed
// writes into the frame log.
type Interceptor struct {
	store *page.Store
	log   *framelog.Log

	mu                  sync.Mutex
	lastCommittedFrame  uint64
	writerTxnOpen       bool
	writerTxnFrames     []framelog.PendingFrame
	writerTxnPageNos    map[uint32]int // PageNo -> index into writerTxnFrames, last write wins
}

// New wraps a page store and frame log into an Interceptor. The frame log's
// LastFrameNo seeds the initial "last committed" watermark.
func New(store *page.Store, log *framelog.Log) *Interceptor {
	return &Interceptor{
		store:              store,
		log:                log,
		lastCommittedFrame: log.LastFrameNo(),
	}
}

// ReadSnapshot is a reader's pinned view: a frame number ceiling past which
// it must not observe newer writes, matching the shared-lock snapshot
// semantics of the embedded engine's read transactions.
type ReadSnapshot struct {
	FrameNo uint64
}

// BeginRead acquires LevelShared and pins the reader to the current
// last-committed frame number.
func (ic *Interceptor) BeginRead() ReadSnapshot {
	ic.store.Locks().AcquireShared()
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ReadSnapshot{FrameNo: ic.lastCommittedFrame}
}

// EndRead releases the shared lock taken by BeginRead.
func (ic *Interceptor) EndRead(ReadSnapshot) {
	ic.store.Locks().ReleaseShared()
}

// BeginWrite walks the lock ladder up to LevelExclusive and opens a new
// writer transaction buffer. Only one writer transaction may be open at a
// time per Interceptor.
func (ic *Interceptor) BeginWrite() error {
	if err := ic.store.Locks().AcquireReserved(); err != nil {
		return fmt.Errorf("walintercept: begin write: %w", err)
	}
	ic.store.Locks().AcquirePending()
	ic.store.Locks().AcquireExclusive()

	ic.mu.Lock()
	ic.writerTxnOpen = true
	ic.writerTxnFrames = nil
	ic.writerTxnPageNos = make(map[uint32]int)
	ic.mu.Unlock()
	return nil
}

// WritePage stages a page write inside the open writer transaction. It does
// not touch the frame log yet — frames are only assigned numbers at Commit,
// so an aborted transaction never consumes frame numbers.
func (ic *Interceptor) WritePage(pageNo uint32, data []byte) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if !ic.writerTxnOpen {
		return fmt.Errorf("walintercept: write page %d outside a transaction", pageNo)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	if idx, ok := ic.writerTxnPageNos[pageNo]; ok {
		ic.writerTxnFrames[idx].Data = cp
		return nil
	}
	ic.writerTxnPageNos[pageNo] = len(ic.writerTxnFrames)
	ic.writerTxnFrames = append(ic.writerTxnFrames, framelog.PendingFrame{
		PageNo: pageNo,
		Data:   cp,
	})
	return nil
}

// Commit assigns frame numbers to every staged page write, marking the
// final one as the commit boundary with dbSizePages, applies the pages to
// the page store, and releases the write lock. This is the insert-frames
// operation from the replication design: the same code path a follower's
// injector drives when it applies frames received from a primary.
func (ic *Interceptor) Commit(dbSizePages uint32) ([]framelog.Frame, error) {
	ic.mu.Lock()
	frames := ic.writerTxnFrames
	ic.mu.Unlock()

	if len(frames) == 0 {
		ic.abortLocked()
		return nil, nil
	}
	frames[len(frames)-1].SizeAfter = dbSizePages
	now := time.Now().UnixNano()
	for i := range frames {
		frames[i].Timestamp = now
	}

	applied, err := ic.log.AppendBatch(frames)
	if err != nil {
		ic.abortLocked()
		ic.store.Locks().ReleaseExclusive()
		return nil, fmt.Errorf("walintercept: commit: %w", err)
	}
	for _, fr := range applied {
		if err := ic.store.WritePage(page.PageNo(fr.PageNo), fr.Data); err != nil {
			ic.abortLocked()
			ic.store.Locks().ReleaseExclusive()
			return nil, fmt.Errorf("walintercept: apply committed frame %d: %w", fr.FrameNo, err)
		}
	}
	if err := ic.log.Sync(); err != nil {
		ic.abortLocked()
		ic.store.Locks().ReleaseExclusive()
		return nil, fmt.Errorf("walintercept: sync frame log: %w", err)
	}

	ic.mu.Lock()
	ic.lastCommittedFrame = applied[len(applied)-1].FrameNo
	ic.writerTxnOpen = false
	ic.writerTxnFrames = nil
	ic.writerTxnPageNos = nil
	ic.mu.Unlock()

	ic.store.Locks().ReleaseExclusive()
	return applied, nil
}

// Abort discards the staged writer transaction without consuming any frame
// numbers.
func (ic *Interceptor) Abort() {
	ic.abortLocked()
	ic.store.Locks().ReleaseExclusive()
}

func (ic *Interceptor) abortLocked() {
	ic.mu.Lock()
	ic.writerTxnOpen = false
	ic.writerTxnFrames = nil
	ic.writerTxnPageNos = nil
	ic.mu.Unlock()
}

// FindFrame returns the newest frame number at or before asOf that wrote
// pageNo, or ok=false if the page has never been written.
func (ic *Interceptor) FindFrame(pageNo uint32, asOf uint64) (frameNo uint64, ok bool, err error) {
	err = ic.log.ForEach(func(fr framelog.Frame) error {
		if fr.FrameNo > asOf {
			return errStopIteration
		}
		if fr.PageNo == pageNo {
			frameNo = fr.FrameNo
			ok = true
		}
		return nil
	})
	if err == errStopIteration {
		err = nil
	}
	return frameNo, ok, err
}

var errStopIteration = fmt.Errorf("walintercept: stop iteration")

// ReadPage serves a page as of a reader's pinned snapshot: if the frame log
// has a newer version of the page than what is in the base page store, that
// version is served instead, without ever exposing pages the reader's
// snapshot should not see.
func (ic *Interceptor) ReadPage(snap ReadSnapshot, pageNo uint32) ([]byte, error) {
	frameNo, ok, err := ic.FindFrame(pageNo, snap.FrameNo)
	if err != nil {
		return nil, err
	}
	if ok {
		fr, err := ic.log.ReadFrame(frameNo)
		if err != nil {
			return nil, err
		}
		return fr.Data, nil
	}
	return ic.store.ReadPage(page.PageNo(pageNo))
}

// CheckpointFunc receives each page the checkpoint applies to the base page
// store, in frame order.
type CheckpointFunc func(pageNo uint32, data []byte) error

// Checkpoint applies every frame in the log to the base page store in
// order, invoking fn for each one, then flushes the store. It does not
// rotate or truncate the frame log itself — that is the compactor's job,
// once a snapshot exists that can replace the now-applied history.
func (ic *Interceptor) Checkpoint(fn CheckpointFunc) error {
	ic.store.Locks().AcquirePending()
	ic.store.Locks().AcquireExclusive()
	defer ic.store.Locks().ReleaseExclusive()

	err := ic.log.ForEach(func(fr framelog.Frame) error {
		if err := ic.store.WritePage(page.PageNo(fr.PageNo), fr.Data); err != nil {
			return err
		}
		if fn != nil {
			return fn(fr.PageNo, fr.Data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walintercept: checkpoint: %w", err)
	}
	return ic.store.Sync()
}

// LastCommittedFrame returns the newest frame number any writer has
// committed through this Interceptor.
func (ic *Interceptor) LastCommittedFrame() uint64 {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lastCommittedFrame
}
