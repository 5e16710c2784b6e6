package injector

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelsql/keel/internal/framelog"
	"github.com/keelsql/keel/internal/page"
	"github.com/keelsql/keel/internal/rpc"
	"github.com/keelsql/keel/internal/snapshot"
)

func newTestInjector(t *testing.T) *Injector {
	t.Helper()
	dir := t.TempDir()
	store, err := page.Open(page.Config{Path: filepath.Join(dir, "db"), PageSize: 4096})
	if err != nil {
		t.Fatalf("page.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log, err := framelog.Open(filepath.Join(dir, "frames"), 4096, store.DatabaseUUID())
	if err != nil {
		t.Fatalf("framelog.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	return New(store, log, filepath.Join(dir, "client_wal_index"), zerolog.Nop())
}

func TestApplyFramesAdvancesWatermark(t *testing.T) {
	in := newTestInjector(t)

	data := bytes.Repeat([]byte{7}, 4096)
	w, err := in.ApplyFrames(1, []*rpc.FrameDTO{
		{PageNo: 1, Data: data, SizeAfter: 1},
	})
	if err != nil {
		t.Fatalf("ApplyFrames: %v", err)
	}
	if w.AppliedFrameNo != 1 {
		t.Fatalf("got applied frame %d, want 1", w.AppliedFrameNo)
	}

	got, err := in.ReadWatermark()
	if err != nil {
		t.Fatalf("ReadWatermark: %v", err)
	}
	if got.AppliedFrameNo != 1 || got.GenerationID != 1 {
		t.Fatalf("watermark not persisted correctly: %+v", got)
	}
}

func TestReadWatermarkIsZeroForFreshReplica(t *testing.T) {
	in := newTestInjector(t)
	w, err := in.ReadWatermark()
	if err != nil {
		t.Fatalf("ReadWatermark: %v", err)
	}
	if w.AppliedFrameNo != 0 {
		t.Fatalf("expected a zero watermark, got %+v", w)
	}
}

func TestDecodeAndApplySnapshot(t *testing.T) {
	in := newTestInjector(t)

	page1 := bytes.Repeat([]byte{1}, 4096)
	page2 := bytes.Repeat([]byte{2}, 4096)
	var payload bytes.Buffer
	payload.Write([]byte{1, 0, 0, 0})
	payload.Write(page1)
	payload.Write([]byte{2, 0, 0, 0})
	payload.Write(page2)

	pages, err := DecodeSnapshotPages(payload.Bytes(), 4096)
	if err != nil {
		t.Fatalf("DecodeSnapshotPages: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}

	meta := snapshot.Meta{DBUUID: uuid.New(), StartFrameNo: 1, EndFrameNo: 5, PageSize: 4096}
	w, err := in.ApplySnapshot(1, meta, pages)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if w.AppliedFrameNo != 5 {
		t.Fatalf("got applied frame %d, want 5", w.AppliedFrameNo)
	}
}

func TestDecodeSnapshotPagesRejectsMisalignedPayload(t *testing.T) {
	if _, err := DecodeSnapshotPages([]byte{1, 2, 3}, 4096); err == nil {
		t.Fatalf("expected an error for a misaligned payload")
	}
}

func TestApplySnapshotResetsFrameLogNumbering(t *testing.T) {
	in := newTestInjector(t)

	page1 := bytes.Repeat([]byte{9}, 4096)
	meta := snapshot.Meta{DBUUID: uuid.New(), StartFrameNo: 1, EndFrameNo: 40, PageSize: 4096}
	if _, err := in.ApplySnapshot(1, meta, []SnapshotPage{{PageNo: 1, Data: page1}}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if got := in.log.LastFrameNo(); got != 40 {
		t.Fatalf("log tip after snapshot = %d, want 40", got)
	}

	fr, err := in.log.Append(2, bytes.Repeat([]byte{3}, 4096), 2, 0)
	if err != nil {
		t.Fatalf("Append after snapshot reset: %v", err)
	}
	if fr.FrameNo != 41 {
		t.Fatalf("first frame after snapshot reset = %d, want 41", fr.FrameNo)
	}
}

// TestRecoverReplaysLogFramesNotYetInStore simulates a crash that landed a
// batch durably in the frame log but died before the matching page-store
// write and watermark update. Recover must replay the gap into the store
// and advance the watermark to the log's tip without re-fetching anything
// from the primary.
func TestRecoverReplaysLogFramesNotYetInStore(t *testing.T) {
	in := newTestInjector(t)

	data := bytes.Repeat([]byte{5}, 4096)
	if _, err := in.ApplyFrames(1, []*rpc.FrameDTO{{PageNo: 1, Data: data, SizeAfter: 1}}); err != nil {
		t.Fatalf("ApplyFrames: %v", err)
	}

	// Append a second frame directly to the log, bypassing ApplyFrames, so
	// the log's tail is durable but neither the store nor the watermark
	// know about it yet, reproducing a crash between AppendBatch and the
	// page-store write.
	crashData := bytes.Repeat([]byte{6}, 4096)
	if _, err := in.log.Append(2, crashData, 2, 0); err != nil {
		t.Fatalf("log.Append: %v", err)
	}

	before, err := in.ReadWatermark()
	if err != nil {
		t.Fatalf("ReadWatermark: %v", err)
	}
	if before.AppliedFrameNo != 1 {
		t.Fatalf("watermark before recover = %d, want 1", before.AppliedFrameNo)
	}

	w, err := in.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if w.AppliedFrameNo != 2 {
		t.Fatalf("watermark after recover = %d, want 2", w.AppliedFrameNo)
	}

	got, err := in.store.ReadPage(page.PageNo(2))
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, crashData) {
		t.Fatalf("store did not receive replayed frame's page data")
	}

	persisted, err := in.ReadWatermark()
	if err != nil {
		t.Fatalf("ReadWatermark after recover: %v", err)
	}
	if persisted.AppliedFrameNo != 2 {
		t.Fatalf("persisted watermark = %d, want 2", persisted.AppliedFrameNo)
	}
}

func TestRecoverIsNoopWhenWatermarkAlreadyCaughtUp(t *testing.T) {
	in := newTestInjector(t)

	data := bytes.Repeat([]byte{4}, 4096)
	if _, err := in.ApplyFrames(1, []*rpc.FrameDTO{{PageNo: 1, Data: data, SizeAfter: 1}}); err != nil {
		t.Fatalf("ApplyFrames: %v", err)
	}

	w, err := in.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if w.AppliedFrameNo != 1 {
		t.Fatalf("got %d, want 1", w.AppliedFrameNo)
	}
}
