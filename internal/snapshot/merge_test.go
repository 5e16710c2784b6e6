package snapshot

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
)

func entry(pageNo uint32, data []byte) []byte {
	hdr := []byte{byte(pageNo), byte(pageNo >> 8), byte(pageNo >> 16), byte(pageNo >> 24)}
	return append(hdr, data...)
}

func TestMergeKeepsNewestPageAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	dbUUID := uuid.New()

	oldPage1 := bytes.Repeat([]byte{1}, 4096)
	page2 := bytes.Repeat([]byte{2}, 4096)
	newPage1 := bytes.Repeat([]byte{3}, 4096)

	seg1 := Meta{DBUUID: dbUUID, StartFrameNo: 1, EndFrameNo: 10, PageSize: 4096, PageCount: 2}
	var seg1Payload bytes.Buffer
	seg1Payload.Write(entry(1, oldPage1))
	seg1Payload.Write(entry(2, page2))
	if err := store.Store(context.Background(), seg1, bytes.NewReader(seg1Payload.Bytes())); err != nil {
		t.Fatalf("Store seg1: %v", err)
	}

	seg2 := Meta{DBUUID: dbUUID, StartFrameNo: 11, EndFrameNo: 20, PageSize: 4096, PageCount: 1, SizeAfterPages: 3}
	var seg2Payload bytes.Buffer
	seg2Payload.Write(entry(1, newPage1))
	if err := store.Store(context.Background(), seg2, bytes.NewReader(seg2Payload.Bytes())); err != nil {
		t.Fatalf("Store seg2: %v", err)
	}

	merged, payload, err := Merge(context.Background(), store, []Meta{seg1, seg2})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.StartFrameNo != 1 || merged.EndFrameNo != 20 {
		t.Fatalf("got frame range [%d,%d], want [1,20]", merged.StartFrameNo, merged.EndFrameNo)
	}
	if merged.PageCount != 2 {
		t.Fatalf("got page count %d, want 2 (page 1 merged, page 2 carried over)", merged.PageCount)
	}
	if merged.SizeAfterPages != 3 {
		t.Fatalf("got size_after_pages %d, want 3 from the newest segment", merged.SizeAfterPages)
	}
	if !bytes.Contains(payload, newPage1) {
		t.Fatalf("merged payload missing the newer image of page 1")
	}
	if bytes.Contains(payload, oldPage1) {
		t.Fatalf("merged payload retained the superseded image of page 1")
	}
	if !bytes.Contains(payload, page2) {
		t.Fatalf("merged payload dropped page 2, which only exists in the older segment")
	}
}

func TestMergeSingleSegmentPassesThrough(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	dbUUID := uuid.New()
	page1 := bytes.Repeat([]byte{4}, 4096)
	meta := Meta{DBUUID: dbUUID, StartFrameNo: 1, EndFrameNo: 10, PageSize: 4096, PageCount: 1}
	if err := store.Store(context.Background(), meta, bytes.NewReader(entry(1, page1))); err != nil {
		t.Fatalf("Store: %v", err)
	}

	merged, payload, err := Merge(context.Background(), store, []Meta{meta})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.EndFrameNo != 10 {
		t.Fatalf("got EndFrameNo %d, want 10", merged.EndFrameNo)
	}
	if !bytes.Equal(payload, entry(1, page1)) {
		t.Fatalf("single-segment merge should pass the payload through unchanged")
	}
}

func TestMergeRejectsEmptyInput(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, _, err := Merge(context.Background(), store, nil); err == nil {
		t.Fatalf("expected an error merging zero snapshots")
	}
}
