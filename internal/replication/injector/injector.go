// Package injector applies a primary's frames (or a full snapshot) onto a
// follower's local page store and frame log. It is the one place on the
// follower side that actually mutates durable state, and it brackets every
// apply with a tiny watermark file so a crash mid-apply is detected and
// rolled forward cleanly on restart instead of silently corrupting the
// local replica.
package injector

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelsql/keel/internal/framelog"
	"github.com/keelsql/keel/internal/page"
	"github.com/keelsql/keel/internal/replerr"
	"github.com/keelsql/keel/internal/rpc"
	"github.com/keelsql/keel/internal/snapshot"
)

// watermarkSize is the fixed size of the client_wal_index file: an 8-byte
// applied frame number, an 8-byte generation ID, and a checksum guarding
// against a torn write if the process dies mid-fsync.
const watermarkSize = 32

// Injector applies received frames or snapshot data to one namespace's
// local replica. It is single-threaded by construction: Apply* methods
// must not be called concurrently for the same Injector, matching the
// single writer the frame log's lock ladder already assumes.
type Injector struct {
	store        *page.Store
	log          *framelog.Log
	watermarkPath string
	logger       zerolog.Logger
}

// New builds an Injector writing into store and log, with its crash
// watermark kept alongside the frame log at watermarkPath.
func New(store *page.Store, log *framelog.Log, watermarkPath string, logger zerolog.Logger) *Injector {
	return &Injector{store: store, log: log, watermarkPath: watermarkPath, logger: logger}
}

// Watermark is the durable record of how far this follower has applied.
type Watermark struct {
	AppliedFrameNo uint64
	GenerationID   uint64
}

// ReadWatermark loads the last durably-recorded apply position, or the
// zero Watermark if none has been written yet (a brand new replica).
func (in *Injector) ReadWatermark() (Watermark, error) {
	buf, err := os.ReadFile(in.watermarkPath)
	if os.IsNotExist(err) {
		return Watermark{}, nil
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("injector: read watermark: %w", err)
	}
	if len(buf) != watermarkSize {
		return Watermark{}, replerr.New(replerr.KindFatalInject,
			fmt.Errorf("injector: watermark file is %d bytes, want %d", len(buf), watermarkSize))
	}
	if binary.LittleEndian.Uint64(buf[16:24]) != watermarkChecksum(buf[:16]) {
		return Watermark{}, replerr.New(replerr.KindFatalInject,
			fmt.Errorf("injector: watermark checksum mismatch, possible torn write"))
	}
	return Watermark{
		AppliedFrameNo: binary.LittleEndian.Uint64(buf[0:8]),
		GenerationID:   binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

func watermarkChecksum(header []byte) uint64 {
	var sum uint64
	for i, b := range header {
		sum = sum*131 + uint64(b) + uint64(i)
	}
	return sum
}

func (in *Injector) writeWatermark(w Watermark) error {
	buf := make([]byte, watermarkSize)
	binary.LittleEndian.PutUint64(buf[0:8], w.AppliedFrameNo)
	binary.LittleEndian.PutUint64(buf[8:16], w.GenerationID)
	binary.LittleEndian.PutUint64(buf[16:24], watermarkChecksum(buf[:16]))

	f, err := os.OpenFile(in.watermarkPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("injector: open watermark: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("injector: write watermark: %w", err)
	}
	return f.Sync()
}

// DatabaseUUID returns the local replica's database identity, the value a
// follower compares against a primary's Hello response to detect that it is
// now pointed at a different database entirely.
func (in *Injector) DatabaseUUID() uuid.UUID {
	return in.store.DatabaseUUID()
}

// LogPosition returns the highest frame number durably recorded in the
// local frame log, which may be ahead of the watermark's AppliedFrameNo if
// a crash landed a batch in the log before the matching page-store writes
// and watermark update completed.
func (in *Injector) LogPosition() uint64 {
	return in.log.LastFrameNo()
}

// Recover reconciles the watermark against the local frame log on startup:
// any frame already durable in the log past the last recorded watermark is
// replayed into the page store and the watermark is advanced to match. A
// follower must call this before resuming LogEntries, and must always ask
// the primary for frames SinceFrameNo == the watermark Recover returns
// (never the primary's reported CurrentFrameNo), since the local frame
// log's own numbering — not the primary's — is what SinceFrameNo resumes
// from; re-requesting frames the local log already holds would append them
// a second time under the wrong frame numbers.
func (in *Injector) Recover() (Watermark, error) {
	w, err := in.ReadWatermark()
	if err != nil {
		return Watermark{}, err
	}
	logTip := in.log.LastFrameNo()
	if logTip <= w.AppliedFrameNo {
		return w, nil
	}

	err = in.log.ForEachSince(w.AppliedFrameNo, func(fr framelog.Frame) error {
		return in.store.WritePage(page.PageNo(fr.PageNo), fr.Data)
	})
	if err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, fmt.Errorf("injector: recover to log tip: %w", err))
	}
	if err := in.store.Sync(); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}

	w.AppliedFrameNo = logTip
	if err := in.writeWatermark(w); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}
	in.logger.Info().Uint64("applied_frame_no", w.AppliedFrameNo).Msg("injector recovered watermark to frame log tip")
	return w, nil
}

// ApplyFrames writes frames received from the primary's LogEntries stream
// into the local frame log and page store, in order, advancing the
// watermark only once every frame in the batch has landed durably. If the
// batch is interrupted partway (process crash, disk error), the frame log
// and page store are left at a consistent prefix and the watermark on disk
// still names the last fully-applied frame, so resuming LogEntries from
// watermark+1 never re-applies a partial frame and never skips one.
func (in *Injector) ApplyFrames(generationID uint64, frames []*rpc.FrameDTO) (Watermark, error) {
	if len(frames) == 0 {
		w, err := in.ReadWatermark()
		return w, err
	}

	pending := make([]framelog.PendingFrame, len(frames))
	for i, fr := range frames {
		pending[i] = framelog.PendingFrame{
			PageNo:    fr.PageNo,
			Data:      fr.Data,
			SizeAfter: fr.SizeAfter,
			Timestamp: fr.Timestamp,
		}
	}

	applied, err := in.log.AppendBatch(pending)
	if err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, fmt.Errorf("injector: append frames: %w", err))
	}
	for _, fr := range applied {
		if err := in.store.WritePage(page.PageNo(fr.PageNo), fr.Data); err != nil {
			return Watermark{}, replerr.New(replerr.KindFatalInject, fmt.Errorf("injector: apply frame %d: %w", fr.FrameNo, err))
		}
	}
	if err := in.log.Sync(); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}
	if err := in.store.Sync(); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}

	w := Watermark{AppliedFrameNo: applied[len(applied)-1].FrameNo, GenerationID: generationID}
	if err := in.writeWatermark(w); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}

	in.logger.Debug().
		Uint64("applied_frame_no", w.AppliedFrameNo).
		Int("frame_count", len(applied)).
		Msg("injector applied frame batch")
	return w, nil
}

// SnapshotPage is one decoded (page number, image) pair from a snapshot
// payload.
type SnapshotPage struct {
	PageNo uint32
	Data   []byte
}

// DecodeSnapshotPages parses a snapshot's concatenated payload bytes
// (the 4-byte-page-number-then-page-data records the compactor writes)
// into individual pages.
func DecodeSnapshotPages(payload []byte, pageSize uint32) ([]SnapshotPage, error) {
	const entryHeaderSize = 4
	stride := int(entryHeaderSize) + int(pageSize)
	if stride <= 0 || len(payload)%stride != 0 {
		return nil, fmt.Errorf("injector: snapshot payload length %d is not a multiple of entry size %d", len(payload), stride)
	}
	out := make([]SnapshotPage, 0, len(payload)/stride)
	for off := 0; off < len(payload); off += stride {
		entry := payload[off : off+stride]
		pageNo := uint32(entry[0]) | uint32(entry[1])<<8 | uint32(entry[2])<<16 | uint32(entry[3])<<24
		data := make([]byte, pageSize)
		copy(data, entry[entryHeaderSize:])
		out = append(out, SnapshotPage{PageNo: pageNo, Data: data})
	}
	return out, nil
}

// ApplySnapshot resets the local replica to exactly the state described by
// meta and pages: every page is written directly to the page store (no
// frame log entries are generated for the pages themselves, since a
// snapshot collapses history rather than extending it), the local frame
// log is reset to resume numbering at meta.EndFrameNo+1, and the watermark
// is set to meta.EndFrameNo so subsequent LogEntries calls resume
// immediately after the snapshot using frame numbers that agree with the
// primary's.
func (in *Injector) ApplySnapshot(generationID uint64, meta snapshot.Meta, pages []SnapshotPage) (Watermark, error) {
	for _, p := range pages {
		if err := in.store.WritePage(page.PageNo(p.PageNo), p.Data); err != nil {
			return Watermark{}, replerr.New(replerr.KindFatalInject, fmt.Errorf("injector: apply snapshot page %d: %w", p.PageNo, err))
		}
	}
	if meta.SizeAfterPages > 0 {
		if err := in.store.Truncate(uint64(meta.SizeAfterPages)); err != nil {
			return Watermark{}, replerr.New(replerr.KindFatalInject, fmt.Errorf("injector: size database to snapshot size_after %d: %w", meta.SizeAfterPages, err))
		}
	}
	if err := in.store.FlushHeader(); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}
	if err := in.store.Sync(); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}
	if err := in.log.ResetTo(meta.EndFrameNo + 1); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, fmt.Errorf("injector: reset frame log after snapshot: %w", err))
	}

	w := Watermark{AppliedFrameNo: meta.EndFrameNo, GenerationID: generationID}
	if err := in.writeWatermark(w); err != nil {
		return Watermark{}, replerr.New(replerr.KindFatalInject, err)
	}

	in.logger.Info().
		Uint64("start_frame_no", meta.StartFrameNo).
		Uint64("end_frame_no", meta.EndFrameNo).
		Int("page_count", len(pages)).
		Msg("injector applied snapshot")
	return w, nil
}
