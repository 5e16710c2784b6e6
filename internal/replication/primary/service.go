// Package primary implements the primary side of replication: the Hello
// handshake, streaming committed frames to followers since a requested
// frame number, and falling back to a snapshot transfer when a follower
// asks for history the frame log no longer retains.
package primary

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelsql/keel/internal/framelog"
	"github.com/keelsql/keel/internal/replerr"
	"github.com/keelsql/keel/internal/rpc"
	"github.com/keelsql/keel/internal/snapshot"
)

// snapshotChunkSize bounds how much of a snapshot file is buffered at once
// while streaming it to a follower.
const snapshotChunkSize = 1 << 20 // 1 MiB

// Service implements rpc.ReplicationServer for one namespace.
type Service struct {
	namespace    string
	dbUUID       uuid.UUID
	logMu        sync.RWMutex
	log          *framelog.Log
	snapshots    snapshot.Store
	generationOf func() uint64
	sessions     *sessionManager
	logger       zerolog.Logger

	connectedReplicas int64
}

func (s *Service) currentLog() *framelog.Log {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return s.log
}

// New builds a primary-side replication Service for one namespace.
func New(namespace string, dbUUID uuid.UUID, log *framelog.Log, snapshots snapshot.Store, generationOf func() uint64, logger zerolog.Logger) *Service {
	return &Service{
		namespace:    namespace,
		dbUUID:       dbUUID,
		log:          log,
		snapshots:    snapshots,
		generationOf: generationOf,
		sessions:     newSessionManager(),
		logger:       logger,
	}
}

// Hello issues a session token and reports the primary's current state.
func (s *Service) Hello(ctx context.Context, req *rpc.HelloRequest) (*rpc.HelloResponse, error) {
	if req.Namespace != s.namespace {
		return nil, replerr.Coded(replerr.KindPermanent, replerr.CodeNamespaceDoesntExist,
			fmt.Errorf("primary: no such namespace %q", req.Namespace))
	}
	token, err := s.sessions.New(req.Namespace)
	if err != nil {
		return nil, replerr.New(replerr.KindTransient, err)
	}
	log := s.currentLog()
	return &rpc.HelloResponse{
		DBUUID:         s.dbUUID.String(),
		GenerationID:   s.generationOf(),
		SessionToken:   token,
		CurrentFrameNo: log.LastFrameNo(),
		PageSize:       log.PageSize(),
	}, nil
}

// LogEntries streams every frame since req.SinceFrameNo. If the frame log
// no longer retains that range, it returns a KindReplicationState error
// carrying CodeNeedSnapshot so the follower knows to fetch a snapshot
// before retrying.
func (s *Service) LogEntries(req *rpc.LogEntriesRequest, stream rpc.LogEntriesStream) error {
	if err := s.sessions.Validate(req.Namespace, req.SessionToken); err != nil {
		return replerr.Coded(replerr.KindReplicationState, replerr.CodeSessionTokenMismatch, err)
	}
	if req.GenerationID != 0 && req.GenerationID != s.generationOf() {
		return replerr.Coded(replerr.KindReplicationState, replerr.CodeGenerationMismatch,
			fmt.Errorf("primary: follower generation %d != current %d", req.GenerationID, s.generationOf()))
	}

	atomic.AddInt64(&s.connectedReplicas, 1)
	defer atomic.AddInt64(&s.connectedReplicas, -1)

	log := s.currentLog()
	if start := log.StartFrameNo(); req.SinceFrameNo+1 < start {
		return replerr.Coded(replerr.KindReplicationState, replerr.CodeNeedSnapshot,
			fmt.Errorf("primary: frame %d predates frame log start %d", req.SinceFrameNo+1, start))
	}

	var highWater uint64
	err := log.ForEachSince(req.SinceFrameNo, func(fr framelog.Frame) error {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		default:
		}
		highWater = fr.FrameNo
		return stream.Send(&rpc.FrameDTO{
			FrameNo:   fr.FrameNo,
			PageNo:    fr.PageNo,
			SizeAfter: fr.SizeAfter,
			Checksum:  fr.Checksum,
			Timestamp: fr.Timestamp,
			Data:      fr.Data,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("namespace", s.namespace).
		Uint64("current_replication_index", highWater).
		Msg("replica caught up to frame log tail")
	return nil
}

// Snapshot streams the snapshot image covering req.NextOffset. A single
// rotation's compacted segment only contains the pages touched during that
// segment's frame range, so when more than one rotation has happened since
// the oldest page image a follower might need, every segment from the
// oldest up to the newest is merged into one image before streaming — the
// newest segment alone would silently drop any page that was never touched
// again after an older rotation.
func (s *Service) Snapshot(req *rpc.SnapshotRequest, stream rpc.SnapshotStream) error {
	if err := s.sessions.Validate(req.Namespace, req.SessionToken); err != nil {
		return replerr.Coded(replerr.KindReplicationState, replerr.CodeSessionTokenMismatch, err)
	}

	metas, err := s.snapshots.List(stream.Context(), s.dbUUID)
	if err != nil {
		return replerr.New(replerr.KindTransient, err)
	}
	if len(metas) == 0 {
		return replerr.Coded(replerr.KindReplicationState, replerr.CodeNeedSnapshot,
			fmt.Errorf("primary: no snapshot available for %s", s.dbUUID))
	}
	newest := metas[len(metas)-1]
	if req.NextOffset > newest.EndFrameNo {
		return replerr.Coded(replerr.KindReplicationState, replerr.CodeNeedSnapshot,
			fmt.Errorf("primary: no snapshot covers offset %d for %s (newest ends at %d)", req.NextOffset, s.dbUUID, newest.EndFrameNo))
	}

	merged, payload, err := snapshot.Merge(stream.Context(), s.snapshots, metas)
	if err != nil {
		return replerr.New(replerr.KindTransient, err)
	}

	first := true
	for first || len(payload) > 0 {
		n := len(payload)
		if n > snapshotChunkSize {
			n = snapshotChunkSize
		}
		chunk := &rpc.SnapshotChunk{Data: append([]byte(nil), payload[:n]...)}
		if first {
			chunk.StartFrameNo = merged.StartFrameNo
			chunk.EndFrameNo = merged.EndFrameNo
			chunk.PageSize = merged.PageSize
			chunk.SizeAfterPages = merged.SizeAfterPages
			first = false
		}
		if err := stream.Send(chunk); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// FrameLogFrameCount returns how many frames the active frame log file
// currently retains, the figure the namespace sweep compares against the
// configured rotation threshold.
func (s *Service) FrameLogFrameCount() uint64 {
	log := s.currentLog()
	last := log.LastFrameNo()
	start := log.StartFrameNo()
	if last < start {
		return 0
	}
	return last - start + 1
}

// Rotate freezes the active frame log at archivePath and swaps in a fresh
// one, the same way a checkpoint in the embedded engine truncates its WAL
// once it no longer needs the old content for crash recovery. It returns
// the archived log reopened read-only, ready for the compactor to turn into
// a snapshot; the caller is responsible for closing it once compaction
// finishes.
func (s *Service) Rotate(archivePath string) (*framelog.Log, error) {
	s.logMu.Lock()
	fresh, err := s.log.Rotate(archivePath)
	if err != nil {
		s.logMu.Unlock()
		return nil, fmt.Errorf("primary: rotate: %w", err)
	}
	s.log = fresh
	s.logMu.Unlock()

	archive, err := framelog.OpenArchived(archivePath)
	if err != nil {
		return nil, fmt.Errorf("primary: reopen archive for compaction: %w", err)
	}
	return archive, nil
}

// ValidateSession reports whether token was issued by this namespace's
// Hello handshake, the check the gRPC session interceptor runs before
// LogEntries/Snapshot handlers ever see a call.
func (s *Service) ValidateSession(token string) error {
	return s.sessions.Validate(s.namespace, token)
}

// ConnectedReplicas returns the number of followers currently streaming
// LogEntries from this service.
func (s *Service) ConnectedReplicas() int64 {
	return atomic.LoadInt64(&s.connectedReplicas)
}

// Idle reports whether no replica is connected and no session token is
// live, the condition the namespace sweep uses to decide whether to shut
// this service's streaming down. Issued tokens do not expire, so once a
// follower has completed Hello the service is never idle.
func (s *Service) Idle() bool {
	return s.ConnectedReplicas() == 0 && s.sessions.Count() == 0
}
