package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ReplicationServer is what a primary implements: one unary handshake
// method and two server-streaming methods delivering frames and snapshot
// bytes.
type ReplicationServer interface {
	Hello(context.Context, *HelloRequest) (*HelloResponse, error)
	LogEntries(*LogEntriesRequest, LogEntriesStream) error
	Snapshot(*SnapshotRequest, SnapshotStream) error
}

// LogEntriesStream is the server-side handle for sending FrameDTOs to a
// connected follower.
type LogEntriesStream interface {
	Send(*FrameDTO) error
	Context() context.Context
}

// SnapshotStream is the server-side handle for sending SnapshotChunks to a
// follower recovering via NEED_SNAPSHOT.
type SnapshotStream interface {
	Send(*SnapshotChunk) error
	Context() context.Context
}

type logEntriesServerStream struct {
	grpc.ServerStream
}

func (s *logEntriesServerStream) Send(m *FrameDTO) error { return s.ServerStream.SendMsg(m) }

type snapshotServerStream struct {
	grpc.ServerStream
}

func (s *snapshotServerStream) Send(m *SnapshotChunk) error { return s.ServerStream.SendMsg(m) }

// ServiceName is the fully qualified gRPC service name replication traffic
// is registered under.
const ServiceName = "keel.Replication"

// RegisterReplicationServer registers srv's RPC surface on s, the way the
// teacher's cmd/server manually assembles its own grpc.ServiceDesc.
func RegisterReplicationServer(s *grpc.Server, srv ReplicationServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ReplicationServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Hello", Handler: helloHandler},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "LogEntries", Handler: logEntriesHandler, ServerStreams: true},
			{StreamName: "Snapshot", Handler: snapshotHandler, ServerStreams: true},
		},
		Metadata: "keel/replication",
	}, srv)
}

func helloHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HelloRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Hello"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).Hello(ctx, req.(*HelloRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func logEntriesHandler(srv any, stream grpc.ServerStream) error {
	in := new(LogEntriesRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ReplicationServer).LogEntries(in, &logEntriesServerStream{ServerStream: stream})
}

func snapshotHandler(srv any, stream grpc.ServerStream) error {
	in := new(SnapshotRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ReplicationServer).Snapshot(in, &snapshotServerStream{ServerStream: stream})
}

// client-side stream descriptors, used by internal/replication/client to
// open the two streaming RPCs against a *grpc.ClientConn.
var (
	logEntriesStreamDesc = &grpc.StreamDesc{StreamName: "LogEntries", ServerStreams: true}
	snapshotStreamDesc   = &grpc.StreamDesc{StreamName: "Snapshot", ServerStreams: true}
)

// Client wraps a *grpc.ClientConn with the typed helpers a follower uses to
// drive the replication RPCs.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Hello performs the unary handshake RPC.
func (c *Client) Hello(ctx context.Context, req *HelloRequest) (*HelloResponse, error) {
	out := new(HelloResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Hello", req, out, grpc.ForceCodec(Codec)); err != nil {
		return nil, err
	}
	return out, nil
}

// FrameReceiver is the client side of the LogEntries stream.
type FrameReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks for the next frame, returning io.EOF when the primary closes
// the stream cleanly.
func (r *FrameReceiver) Recv() (*FrameDTO, error) {
	out := new(FrameDTO)
	if err := r.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LogEntries opens the server-streaming RPC delivering frames since
// req.SinceFrameNo.
func (c *Client) LogEntries(ctx context.Context, req *LogEntriesRequest) (*FrameReceiver, error) {
	stream, err := c.conn.NewStream(ctx, logEntriesStreamDesc, "/"+ServiceName+"/LogEntries", grpc.ForceCodec(Codec))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameReceiver{stream: stream}, nil
}

// SnapshotReceiver is the client side of the Snapshot stream.
type SnapshotReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks for the next chunk.
func (r *SnapshotReceiver) Recv() (*SnapshotChunk, error) {
	out := new(SnapshotChunk)
	if err := r.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot opens the server-streaming RPC delivering a snapshot's bytes.
func (c *Client) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotReceiver, error) {
	stream, err := c.conn.NewStream(ctx, snapshotStreamDesc, "/"+ServiceName+"/Snapshot", grpc.ForceCodec(Codec))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SnapshotReceiver{stream: stream}, nil
}
