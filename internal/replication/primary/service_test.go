package primary

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelsql/keel/internal/framelog"
	"github.com/keelsql/keel/internal/replerr"
	"github.com/keelsql/keel/internal/rpc"
	"github.com/keelsql/keel/internal/snapshot"
)

type fakeLogEntriesStream struct {
	ctx    context.Context
	frames []*rpc.FrameDTO
}

func (f *fakeLogEntriesStream) Send(fr *rpc.FrameDTO) error {
	f.frames = append(f.frames, fr)
	return nil
}
func (f *fakeLogEntriesStream) Context() context.Context { return f.ctx }

func newTestService(t *testing.T) (*Service, *framelog.Log) {
	t.Helper()
	dir := t.TempDir()
	dbUUID := uuid.New()
	log, err := framelog.Open(filepath.Join(dir, "frames"), 4096, dbUUID)
	if err != nil {
		t.Fatalf("framelog.Open: %v", err)
	}
	store, err := snapshot.NewFileStore(filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := New("db1", dbUUID, log, store, func() uint64 { return 1 }, zerolog.Nop())
	return svc, log
}

func TestHelloIssuesSessionAndRejectsUnknownNamespace(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Hello(context.Background(), &rpc.HelloRequest{Namespace: "db1"})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if resp.SessionToken == "" {
		t.Fatalf("expected a non-empty session token")
	}

	if _, err := svc.Hello(context.Background(), &rpc.HelloRequest{Namespace: "nope"}); err == nil {
		t.Fatalf("expected an error for an unknown namespace")
	}
}

func TestLogEntriesStreamsFramesSinceWatermark(t *testing.T) {
	svc, log := newTestService(t)
	resp, err := svc.Hello(context.Background(), &rpc.HelloRequest{Namespace: "db1"})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}

	data := bytes.Repeat([]byte{1}, 4096)
	if _, err := log.Append(1, data, 1, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(2, data, 2, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stream := &fakeLogEntriesStream{ctx: context.Background()}
	err = svc.LogEntries(&rpc.LogEntriesRequest{
		Namespace:    "db1",
		SessionToken: resp.SessionToken,
		SinceFrameNo: 0,
		GenerationID: 1,
	}, stream)
	if err != nil {
		t.Fatalf("LogEntries: %v", err)
	}
	if len(stream.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(stream.frames))
	}
}

func TestLogEntriesRejectsBadSession(t *testing.T) {
	svc, _ := newTestService(t)
	stream := &fakeLogEntriesStream{ctx: context.Background()}
	err := svc.LogEntries(&rpc.LogEntriesRequest{Namespace: "db1", SessionToken: "bogus"}, stream)
	if !replerr.OfKind(err, replerr.KindReplicationState) {
		t.Fatalf("expected a KindReplicationState error, got %v", err)
	}
}

type fakeSnapshotStream struct {
	ctx    context.Context
	chunks []*rpc.SnapshotChunk
}

func (f *fakeSnapshotStream) Send(c *rpc.SnapshotChunk) error {
	f.chunks = append(f.chunks, c)
	return nil
}
func (f *fakeSnapshotStream) Context() context.Context { return f.ctx }

func TestSnapshotMergesAcrossRotatedSegments(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	log, err := framelog.Open(filepath.Join(dir, "frames"), 4096, dbUUID)
	if err != nil {
		t.Fatalf("framelog.Open: %v", err)
	}
	store, err := snapshot.NewFileStore(filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := New("db1", dbUUID, log, store, func() uint64 { return 1 }, zerolog.Nop())

	oldPage1 := bytes.Repeat([]byte{1}, 4096)
	page2 := bytes.Repeat([]byte{2}, 4096)
	newPage1 := bytes.Repeat([]byte{3}, 4096)

	seg1 := snapshot.Meta{DBUUID: dbUUID, StartFrameNo: 1, EndFrameNo: 10, PageSize: 4096, PageCount: 2}
	seg1Payload := append(append([]byte{1, 0, 0, 0}, oldPage1...), append([]byte{2, 0, 0, 0}, page2...)...)
	if err := store.Store(context.Background(), seg1, bytes.NewReader(seg1Payload)); err != nil {
		t.Fatalf("store seg1: %v", err)
	}
	seg2 := snapshot.Meta{DBUUID: dbUUID, StartFrameNo: 11, EndFrameNo: 20, PageSize: 4096, PageCount: 1, SizeAfterPages: 3}
	seg2Payload := append([]byte{1, 0, 0, 0}, newPage1...)
	if err := store.Store(context.Background(), seg2, bytes.NewReader(seg2Payload)); err != nil {
		t.Fatalf("store seg2: %v", err)
	}

	resp, err := svc.Hello(context.Background(), &rpc.HelloRequest{Namespace: "db1"})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}

	stream := &fakeSnapshotStream{ctx: context.Background()}
	err = svc.Snapshot(&rpc.SnapshotRequest{Namespace: "db1", SessionToken: resp.SessionToken, NextOffset: 0}, stream)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(stream.chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	first := stream.chunks[0]
	if first.EndFrameNo != 20 {
		t.Fatalf("got EndFrameNo %d, want 20", first.EndFrameNo)
	}
	if first.SizeAfterPages != 3 {
		t.Fatalf("got SizeAfterPages %d, want 3", first.SizeAfterPages)
	}
	var all []byte
	for _, c := range stream.chunks {
		all = append(all, c.Data...)
	}
	if !bytes.Contains(all, newPage1) {
		t.Fatalf("merged snapshot stream missing the newer image of page 1")
	}
	if bytes.Contains(all, oldPage1) {
		t.Fatalf("merged snapshot stream retained the superseded image of page 1")
	}
	if !bytes.Contains(all, page2) {
		t.Fatalf("merged snapshot stream dropped page 2, which only exists in the older segment")
	}
}

func TestSnapshotRejectsOffsetBeyondNewestSegment(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	log, err := framelog.Open(filepath.Join(dir, "frames"), 4096, dbUUID)
	if err != nil {
		t.Fatalf("framelog.Open: %v", err)
	}
	store, err := snapshot.NewFileStore(filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := New("db1", dbUUID, log, store, func() uint64 { return 1 }, zerolog.Nop())

	seg := snapshot.Meta{DBUUID: dbUUID, StartFrameNo: 1, EndFrameNo: 10, PageSize: 4096, PageCount: 1}
	if err := store.Store(context.Background(), seg, bytes.NewReader(append([]byte{1, 0, 0, 0}, bytes.Repeat([]byte{1}, 4096)...))); err != nil {
		t.Fatalf("store: %v", err)
	}

	resp, err := svc.Hello(context.Background(), &rpc.HelloRequest{Namespace: "db1"})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}

	stream := &fakeSnapshotStream{ctx: context.Background()}
	err = svc.Snapshot(&rpc.SnapshotRequest{Namespace: "db1", SessionToken: resp.SessionToken, NextOffset: 50}, stream)
	if !replerr.OfKind(err, replerr.KindReplicationState) {
		t.Fatalf("expected a KindReplicationState error, got %v", err)
	}
}

func TestRotateSwapsInFreshLogAndReturnsArchive(t *testing.T) {
	dir := t.TempDir()
	svc, log := newTestService(t)

	data := bytes.Repeat([]byte{1}, 4096)
	if _, err := log.Append(1, data, 1, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(2, data, 2, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}

	archive, err := svc.Rotate(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	defer archive.Close()

	if archive.LastFrameNo() != 2 {
		t.Fatalf("archive LastFrameNo = %d, want 2", archive.LastFrameNo())
	}
	if got := svc.currentLog().LastFrameNo(); got != 2 {
		t.Fatalf("fresh log continuation marker = %d, want 2", got)
	}
	if svc.FrameLogFrameCount() != 0 {
		t.Fatalf("fresh log frame count = %d, want 0", svc.FrameLogFrameCount())
	}

	fr, err := svc.currentLog().Append(3, data, 1, 0)
	if err != nil {
		t.Fatalf("Append after rotate: %v", err)
	}
	if fr.FrameNo != 3 {
		t.Fatalf("post-rotate FrameNo = %d, want 3", fr.FrameNo)
	}
	if svc.FrameLogFrameCount() != 1 {
		t.Fatalf("frame count after one post-rotate append = %d, want 1", svc.FrameLogFrameCount())
	}
}
