// Package rpc implements the replication wire protocol as a hand-assembled
// gRPC service, in the same style the teacher's cmd/server uses: no
// protoc-generated stubs, a JSON encoding.Codec, and a grpc.ServiceDesc
// built by hand with unary and server-streaming method descriptors.
package rpc

// HelloRequest opens a replication session.
type HelloRequest struct {
	Namespace string `json:"namespace"`
}

// HelloResponse identifies the primary's database and the session the
// follower must present on every subsequent call.
type HelloResponse struct {
	DBUUID         string `json:"db_uuid"`
	GenerationID   uint64 `json:"generation_id"`
	SessionToken   string `json:"session_token"`
	CurrentFrameNo uint64 `json:"current_frame_no"`
	PageSize       uint32 `json:"page_size"`
}

// LogEntriesRequest asks the primary to stream every frame after
// SinceFrameNo.
type LogEntriesRequest struct {
	Namespace      string `json:"namespace"`
	SessionToken   string `json:"session_token"`
	SinceFrameNo   uint64 `json:"since_frame_no"`
	GenerationID   uint64 `json:"generation_id"`
}

// FrameDTO is one frame as it travels over the wire.
type FrameDTO struct {
	FrameNo   uint64 `json:"frame_no"`
	PageNo    uint32 `json:"page_no"`
	SizeAfter uint32 `json:"size_after"`
	Checksum  uint64 `json:"checksum"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

// SnapshotRequest asks the primary for the snapshot covering NextOffset,
// used when a follower's SinceFrameNo predates the frame log's retained
// start.
type SnapshotRequest struct {
	Namespace    string `json:"namespace"`
	SessionToken string `json:"session_token"`
	NextOffset   uint64 `json:"next_offset"`
}

// SnapshotChunk carries a snapshot's bytes in bounded pieces so no single
// message exceeds the chunk size. The primary builds the whole merged
// payload in memory before sending, and the client collects every chunk
// before applying.
type SnapshotChunk struct {
	StartFrameNo   uint64 `json:"start_frame_no,omitempty"`
	EndFrameNo     uint64 `json:"end_frame_no,omitempty"`
	PageSize       uint32 `json:"page_size,omitempty"`
	SizeAfterPages uint32 `json:"size_after_pages,omitempty"`
	Data           []byte `json:"data"`
}
