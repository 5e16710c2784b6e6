// Package snapshot implements the compactor that turns a rotated-away
// frame log segment into a page-deduplicated snapshot file, and the Store
// abstraction ("store one file, fetch one file, list known files") that
// both the compactor and the primary's snapshot service use to exchange
// those files.
package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Meta identifies a snapshot file: it covers the frame range
// [StartFrameNo, EndFrameNo], both ends included, for one database.
type Meta struct {
	DBUUID       uuid.UUID
	StartFrameNo uint64
	EndFrameNo   uint64
	PageSize     uint32
	PageCount    uint32
	// SizeAfterPages is the database's total page count once this segment's
	// frames are applied, the same size_after a commit frame carries. A
	// follower treats a whole snapshot as one transaction and needs this to
	// size its page store correctly when the snapshot doesn't happen to
	// contain the database's current highest-numbered page.
	SizeAfterPages uint32
}

// Name returns the canonical on-disk/object-store name for this snapshot,
// zero-padded so lexicographic and numeric ordering agree.
func (m Meta) Name() string {
	return fmt.Sprintf("%s-%020d-%020d.snap", m.DBUUID, m.StartFrameNo, m.EndFrameNo)
}

// fileHeaderSize is the size of a snapshot file's fixed header.
const fileHeaderSize = 64

const snapshotMagic = "keel-snapshot\x00\x00\x00"

// entryHeaderSize is the size of one (page number, page data) record's header;
// the page data itself follows immediately.
const entryHeaderSize = 4

func marshalHeader(m Meta) []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:16], snapshotMagic)
	b, _ := m.DBUUID.MarshalBinary()
	copy(buf[16:32], b)
	binary.LittleEndian.PutUint64(buf[32:40], m.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[40:48], m.EndFrameNo)
	binary.LittleEndian.PutUint32(buf[48:52], m.PageSize)
	binary.LittleEndian.PutUint32(buf[52:56], m.PageCount)
	binary.LittleEndian.PutUint32(buf[56:60], m.SizeAfterPages)
	return buf
}

func unmarshalHeader(buf []byte) (Meta, error) {
	var m Meta
	if len(buf) < fileHeaderSize {
		return m, fmt.Errorf("snapshot: header too short: %d bytes", len(buf))
	}
	if string(buf[0:16]) != snapshotMagic {
		return m, fmt.Errorf("snapshot: bad magic")
	}
	if err := m.DBUUID.UnmarshalBinary(buf[16:32]); err != nil {
		return m, fmt.Errorf("snapshot: bad db uuid: %w", err)
	}
	m.StartFrameNo = binary.LittleEndian.Uint64(buf[32:40])
	m.EndFrameNo = binary.LittleEndian.Uint64(buf[40:48])
	m.PageSize = binary.LittleEndian.Uint32(buf[48:52])
	m.PageCount = binary.LittleEndian.Uint32(buf[52:56])
	m.SizeAfterPages = binary.LittleEndian.Uint32(buf[56:60])
	return m, nil
}
