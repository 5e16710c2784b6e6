package snapshot

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelsql/keel/internal/framelog"
)

func TestCompactKeepsOnlyNewestPageImage(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	logPath := filepath.Join(dir, "archive")
	log, err := framelog.Open(logPath, 4096, dbUUID)
	if err != nil {
		t.Fatalf("framelog.Open: %v", err)
	}
	defer log.Close()

	old := bytes.Repeat([]byte{1}, 4096)
	fresh := bytes.Repeat([]byte{2}, 4096)
	if _, err := log.Append(1, old, 0, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(2, bytes.Repeat([]byte{9}, 4096), 0, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(1, fresh, 2, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}

	store, err := NewFileStore(filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	c := NewCompactor(store, zerolog.Nop())

	meta, ok, err := c.Compact(context.Background(), log, 2)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !ok {
		t.Fatalf("Compact reported no-op unexpectedly")
	}
	if meta.PageCount != 2 {
		t.Fatalf("PageCount = %d, want 2", meta.PageCount)
	}

	rc, gotMeta, err := store.Fetch(context.Background(), meta.Name())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer rc.Close()
	if gotMeta.PageCount != 2 {
		t.Fatalf("fetched meta PageCount = %d, want 2", gotMeta.PageCount)
	}

	payload, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Contains(payload, fresh) {
		t.Fatalf("snapshot payload missing the newest image of page 1")
	}
	if bytes.Contains(payload, old) {
		t.Fatalf("snapshot payload retained a superseded image of page 1")
	}
}

func TestReconcileOverlapsKeepsLargerEndFrame(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	c := NewCompactor(store, zerolog.Nop())
	dbUUID := uuid.New()

	small := Meta{DBUUID: dbUUID, StartFrameNo: 1, EndFrameNo: 10, PageSize: 4096, PageCount: 1}
	large := Meta{DBUUID: dbUUID, StartFrameNo: 1, EndFrameNo: 20, PageSize: 4096, PageCount: 2}

	for _, m := range []Meta{small, large} {
		if err := store.Store(context.Background(), m, bytes.NewReader(nil)); err != nil {
			t.Fatalf("Store %s: %v", m.Name(), err)
		}
	}

	kept, err := c.ReconcileOverlaps(context.Background(), []Meta{small, large})
	if err != nil {
		t.Fatalf("ReconcileOverlaps: %v", err)
	}
	if len(kept) != 1 || kept[0].EndFrameNo != 20 {
		t.Fatalf("kept = %+v, want single entry with EndFrameNo=20", kept)
	}
}
