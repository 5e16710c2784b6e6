package primary

import (
	"context"
	"testing"

	"github.com/keelsql/keel/internal/replerr"
	"github.com/keelsql/keel/internal/rpc"
)

func TestMultiplexerDispatchesByNamespace(t *testing.T) {
	svcA, _ := newTestService(t)
	mux := NewMultiplexer()
	mux.Add("db1", svcA)

	resp, err := mux.Hello(context.Background(), &rpc.HelloRequest{Namespace: "db1"})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if resp.SessionToken == "" {
		t.Fatalf("expected a session token")
	}

	_, err = mux.Hello(context.Background(), &rpc.HelloRequest{Namespace: "unknown"})
	if !replerr.OfKind(err, replerr.KindPermanent) {
		t.Fatalf("expected a KindPermanent error for an unknown namespace, got %v", err)
	}
}

func TestMultiplexerRemoveDropsNamespace(t *testing.T) {
	svcA, _ := newTestService(t)
	mux := NewMultiplexer()
	mux.Add("db1", svcA)
	mux.Remove("db1")

	if _, err := mux.Hello(context.Background(), &rpc.HelloRequest{Namespace: "db1"}); err == nil {
		t.Fatalf("expected an error after namespace removal")
	}
	if len(mux.Namespaces()) != 0 {
		t.Fatalf("expected no namespaces after removal")
	}
}
