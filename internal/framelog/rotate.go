package framelog

import (
	"fmt"
	"os"
)

// Rotate closes the current log file, renames it to archivePath (so the
// compactor can read it at leisure), and reopens the original path as a
// fresh log file whose StartFrameNo/StartChecksum continue exactly where
// the archived file left off. The caller must hold the database's
// LevelExclusive lock for the duration of Rotate, the same way a
// checkpoint in the embedded engine holds an exclusive lock while it
// truncates the WAL.
func (l *Log) Rotate(archivePath string) (*Log, error) {
	l.mu.Lock()
	path := l.path
	startFrameNo := l.lastNo + 1
	startChecksum := l.lastSum
	pageSize := l.header.PageSize
	dbUUID := l.header.DBUUID
	l.mu.Unlock()

	if err := l.Sync(); err != nil {
		return nil, fmt.Errorf("framelog: sync before rotate: %w", err)
	}
	if err := l.Close(); err != nil {
		return nil, fmt.Errorf("framelog: close before rotate: %w", err)
	}
	if err := os.Rename(path, archivePath); err != nil {
		return nil, fmt.Errorf("framelog: rename to archive: %w", err)
	}

	fresh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("framelog: create fresh log: %w", err)
	}
	nl := &Log{
		f:    fresh,
		path: path,
		header: Header{
			Version:       CurrentVersion,
			PageSize:      pageSize,
			DBUUID:        dbUUID,
			StartFrameNo:  startFrameNo,
			StartChecksum: startChecksum,
		},
		lastNo:   startFrameNo - 1,
		lastSum:  startChecksum,
		writePos: HeaderSize,
	}
	if _, err := fresh.WriteAt(nl.header.marshal(), 0); err != nil {
		fresh.Close()
		return nil, fmt.Errorf("framelog: write fresh header: %w", err)
	}
	if err := fresh.Sync(); err != nil {
		fresh.Close()
		return nil, err
	}
	return nl, nil
}

// ResetTo discards the current log file's contents and starts a fresh one
// at startFrameNo, used by a follower applying a snapshot: the snapshot
// collapses everything up to and including startFrameNo-1 into page
// images, so the local frame log has nothing left worth keeping and must
// resume numbering exactly where the snapshot's EndFrameNo leaves off.
// Unlike Rotate, the old file is discarded rather than archived — it
// belongs to a history the snapshot has already superseded.
func (l *Log) ResetTo(startFrameNo uint64) error {
	l.mu.Lock()
	path := l.path
	pageSize := l.header.PageSize
	dbUUID := l.header.DBUUID
	l.mu.Unlock()

	if err := l.Close(); err != nil {
		return fmt.Errorf("framelog: close before reset: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("framelog: remove stale log: %w", err)
	}

	fresh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("framelog: create reset log: %w", err)
	}
	l.mu.Lock()
	l.f = fresh
	l.header = Header{
		Version:      CurrentVersion,
		PageSize:     pageSize,
		DBUUID:       dbUUID,
		StartFrameNo: startFrameNo,
	}
	l.lastNo = startFrameNo - 1
	l.lastSum = 0
	l.writePos = HeaderSize
	l.mu.Unlock()

	if _, err := fresh.WriteAt(l.header.marshal(), 0); err != nil {
		return fmt.Errorf("framelog: write reset header: %w", err)
	}
	return fresh.Sync()
}

// OpenArchived opens a rotated-away frame log file read-only, for use by
// the compactor when it reads an archive to build a snapshot.
func OpenArchived(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("framelog: open archive: %w", err)
	}
	hdrBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("framelog: read archive header: %w", err)
	}
	h, err := unmarshalHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	l := &Log{f: f, path: path, header: h, lastNo: h.StartFrameNo - 1, lastSum: h.StartChecksum}
	if err := l.recoverTail(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}
