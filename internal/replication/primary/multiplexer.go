package primary

import (
	"context"
	"fmt"
	"sync"

	"github.com/keelsql/keel/internal/replerr"
	"github.com/keelsql/keel/internal/rpc"
)

// Multiplexer implements rpc.ReplicationServer across every namespace a
// daemon currently hosts, dispatching each request by its Namespace field
// to the per-namespace Service the registry built for it. This is what
// lets one gRPC server and one registered grpc.ServiceDesc serve every
// namespace the process owns, instead of one listener per namespace.
type Multiplexer struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewMultiplexer builds an empty Multiplexer; namespaces are added as the
// registry opens them.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{services: make(map[string]*Service)}
}

// Add registers svc under its namespace, replacing the previous Service
// for a re-opened namespace.
func (m *Multiplexer) Add(namespace string, svc *Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[namespace] = svc
}

// Remove drops a namespace's Service, e.g. after the registry closes it.
func (m *Multiplexer) Remove(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, namespace)
}

func (m *Multiplexer) lookup(namespace string) (*Service, error) {
	m.mu.RLock()
	svc, ok := m.services[namespace]
	m.mu.RUnlock()
	if !ok {
		return nil, replerr.Coded(replerr.KindPermanent, replerr.CodeNamespaceDoesntExist,
			fmt.Errorf("primary: no such namespace %q", namespace))
	}
	return svc, nil
}

// Hello dispatches to the named namespace's Service.
func (m *Multiplexer) Hello(ctx context.Context, req *rpc.HelloRequest) (*rpc.HelloResponse, error) {
	svc, err := m.lookup(req.Namespace)
	if err != nil {
		return nil, err
	}
	return svc.Hello(ctx, req)
}

// LogEntries dispatches to the named namespace's Service.
func (m *Multiplexer) LogEntries(req *rpc.LogEntriesRequest, stream rpc.LogEntriesStream) error {
	svc, err := m.lookup(req.Namespace)
	if err != nil {
		return err
	}
	return svc.LogEntries(req, stream)
}

// Snapshot dispatches to the named namespace's Service.
func (m *Multiplexer) Snapshot(req *rpc.SnapshotRequest, stream rpc.SnapshotStream) error {
	svc, err := m.lookup(req.Namespace)
	if err != nil {
		return err
	}
	return svc.Snapshot(req, stream)
}

// Namespaces returns the names currently registered, used by the admin
// status and namespace-list endpoints.
func (m *Multiplexer) Namespaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.services))
	for name := range m.services {
		out = append(out, name)
	}
	return out
}

// Service returns the per-namespace Service, or nil if namespace isn't
// currently hosted.
func (m *Multiplexer) Service(namespace string) *Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[namespace]
}

// ValidateSession implements rpc.SessionValidator by delegating to the
// named namespace's Service.
func (m *Multiplexer) ValidateSession(namespace, token string) error {
	svc, err := m.lookup(namespace)
	if err != nil {
		return err
	}
	return svc.ValidateSession(token)
}
