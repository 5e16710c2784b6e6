package rpc

import (
	"context"
	"fmt"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Metadata keys carried on every replication RPC after the initial Hello.
const (
	MetaKeyNamespace    = "namespace"
	MetaKeySessionToken = "session-token"
)

// SessionValidator checks that a (namespace, token) pair names a live
// replication session, returning an error otherwise.
type SessionValidator func(namespace, token string) error

// sessionKeyType is an unexported type for the context key storing the
// validated namespace/token pair, keeping it out of reach of other
// packages' context.WithValue calls.
type sessionKeyType struct{}

var sessionKey = sessionKeyType{}

// Session is the namespace/token pair validated by SessionInterceptor,
// retrievable from a handler's context via SessionFromContext.
type Session struct {
	Namespace string
	Token     string
}

// SessionFromContext returns the Session a SessionInterceptor attached to
// ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// SessionUnaryInterceptor rejects unary calls (other than Hello, which has
// no session yet) lacking a valid namespace/session-token pair.
func SessionUnaryInterceptor(validate SessionValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == "/"+ServiceName+"/Hello" {
			return handler(ctx, req)
		}
		sess, err := sessionFromMetadata(ctx, validate)
		if err != nil {
			return nil, err
		}
		return handler(context.WithValue(ctx, sessionKey, sess), req)
	}
}

// SessionStreamInterceptor is the streaming-RPC analog of
// SessionUnaryInterceptor, used for LogEntries and Snapshot.
func SessionStreamInterceptor(validate SessionValidator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		sess, err := sessionFromMetadata(ss.Context(), validate)
		if err != nil {
			return err
		}
		return handler(srv, &sessionServerStream{ServerStream: ss, ctx: context.WithValue(ss.Context(), sessionKey, sess)})
	}
}

type sessionServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *sessionServerStream) Context() context.Context { return s.ctx }

func sessionFromMetadata(ctx context.Context, validate SessionValidator) (Session, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Session{}, fmt.Errorf("rpc: missing metadata")
	}
	namespace := firstValue(md, MetaKeyNamespace)
	token := firstValue(md, MetaKeySessionToken)
	if namespace == "" || token == "" {
		return Session{}, fmt.Errorf("rpc: missing %s/%s metadata", MetaKeyNamespace, MetaKeySessionToken)
	}
	if err := validate(namespace, token); err != nil {
		return Session{}, err
	}
	return Session{Namespace: namespace, Token: token}, nil
}

func firstValue(md metadata.MD, key string) string {
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// ChainUnary composes a session-validating interceptor with any additional
// unary interceptors (logging, metrics) into the single interceptor
// grpc.NewServer expects.
func ChainUnary(interceptors ...grpc.UnaryServerInterceptor) grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(grpcmiddleware.ChainUnaryServer(interceptors...))
}

// ChainStream is the streaming analog of ChainUnary.
func ChainStream(interceptors ...grpc.StreamServerInterceptor) grpc.ServerOption {
	return grpc.ChainStreamInterceptor(grpcmiddleware.ChainStreamServer(interceptors...))
}

// WithSession attaches namespace/session-token outgoing metadata to a
// client call context, used by the replication client on every RPC after
// Hello.
func WithSession(ctx context.Context, namespace, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetaKeyNamespace, namespace, MetaKeySessionToken, token)
}
