package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/keelsql/keel/internal/framelog"
)

// Compactor builds a Meta-described snapshot from an archived frame log
// segment, keeping only the newest image of each page. It enforces at most
// one compaction running per database at a time — a second request for a
// database already compacting is a no-op, not queued work.
type Compactor struct {
	store  Store
	log    zerolog.Logger
	mu     sync.Mutex
	active map[string]bool // dbUUID string -> compaction in progress
}

// NewCompactor builds a Compactor writing into store.
func NewCompactor(store Store, logger zerolog.Logger) *Compactor {
	return &Compactor{store: store, log: logger, active: make(map[string]bool)}
}

// Compact reads every frame out of archive (oldest to newest), keeps only
// the last-written image of each page number via a reverse pass, and
// writes the result to the store under the canonical snapshot name. It
// returns the snapshot Meta, or (zero, false, nil) if another compaction
// for the same database is already running.
func (c *Compactor) Compact(ctx context.Context, archive *framelog.Log, dbSizePages uint32) (Meta, bool, error) {
	key := archive.DBUUID().String()

	c.mu.Lock()
	if c.active[key] {
		c.mu.Unlock()
		return Meta{}, false, nil
	}
	c.active[key] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}()

	var frames []framelog.Frame
	if err := archive.ForEach(func(fr framelog.Frame) error {
		frames = append(frames, fr)
		return nil
	}); err != nil {
		return Meta{}, false, fmt.Errorf("snapshot: scan archive: %w", err)
	}
	if len(frames) == 0 {
		return Meta{}, false, nil
	}

	// Reverse scan: walking from the newest frame to the oldest and
	// recording each page's most recent image. lo.Uniq then collapses the
	// newest-first page-number sequence down to one entry per page,
	// keeping the first (i.e. newest) occurrence's position.
	newest := make(map[uint32]framelog.Frame, len(frames))
	rawOrder := make([]uint32, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		fr := frames[i]
		if _, seen := newest[fr.PageNo]; !seen {
			newest[fr.PageNo] = fr
		}
		rawOrder = append(rawOrder, fr.PageNo)
	}
	pageOrder := lo.Uniq(rawOrder)

	meta := Meta{
		DBUUID:         archive.DBUUID(),
		StartFrameNo:   frames[0].FrameNo,
		EndFrameNo:     frames[len(frames)-1].FrameNo,
		PageSize:       archive.PageSize(),
		PageCount:      uint32(len(pageOrder)),
		SizeAfterPages: dbSizePages,
	}

	var payload bytes.Buffer
	for _, pageNo := range pageOrder {
		fr := newest[pageNo]
		var entryHdr [entryHeaderSize]byte
		entryHdr[0] = byte(fr.PageNo)
		entryHdr[1] = byte(fr.PageNo >> 8)
		entryHdr[2] = byte(fr.PageNo >> 16)
		entryHdr[3] = byte(fr.PageNo >> 24)
		payload.Write(entryHdr[:])
		payload.Write(fr.Data)
	}

	if err := c.store.Store(ctx, meta, &payload); err != nil {
		return Meta{}, false, fmt.Errorf("snapshot: store: %w", err)
	}

	c.log.Info().
		Str("db_uuid", meta.DBUUID.String()).
		Uint64("start_frame_no", meta.StartFrameNo).
		Uint64("end_frame_no", meta.EndFrameNo).
		Uint32("page_count", meta.PageCount).
		Str("size", humanize.Bytes(uint64(payload.Len()))).
		Msg("compacted frame log segment into snapshot")

	return meta, true, nil
}

// ReconcileOverlaps resolves the case where two snapshots cover an
// overlapping frame range (possible if a crash interrupted deletion of a
// superseded snapshot before this run). It keeps the snapshot with the
// larger EndFrameNo and deletes the other. Every listed snapshot was
// fsynced by FileStore.Store before it was renamed into place, so the
// keeper is already on disk when the other is deleted.
func (c *Compactor) ReconcileOverlaps(ctx context.Context, metas []Meta) ([]Meta, error) {
	if len(metas) < 2 {
		return metas, nil
	}
	kept := make([]Meta, 0, len(metas))
	for _, m := range metas {
		overlapIdx := -1
		for i, k := range kept {
			if m.StartFrameNo < k.EndFrameNo && k.StartFrameNo < m.EndFrameNo {
				overlapIdx = i
				break
			}
		}
		if overlapIdx == -1 {
			kept = append(kept, m)
			continue
		}
		winner, loser := m, kept[overlapIdx]
		if loser.EndFrameNo >= winner.EndFrameNo {
			winner, loser = loser, winner
		}
		kept[overlapIdx] = winner
		if err := c.store.Delete(ctx, loser.Name()); err != nil {
			return nil, fmt.Errorf("snapshot: delete superseded overlap %s: %w", loser.Name(), err)
		}
	}
	return kept, nil
}
