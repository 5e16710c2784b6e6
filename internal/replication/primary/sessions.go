package primary

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// sessionManager issues and validates the session tokens a follower must
// present on every RPC after Hello.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]string // token -> namespace
}

func newSessionManager() *sessionManager {
	return &sessionManager{sessions: make(map[string]string)}
}

// New mints a fresh random session token scoped to namespace.
func (sm *sessionManager) New(namespace string) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("primary: generate session token: %w", err)
	}
	token := hex.EncodeToString(raw[:])

	sm.mu.Lock()
	sm.sessions[token] = namespace
	sm.mu.Unlock()
	return token, nil
}

// Validate reports an error unless token was issued for namespace.
func (sm *sessionManager) Validate(namespace, token string) error {
	sm.mu.Lock()
	got, ok := sm.sessions[token]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("primary: unknown session token")
	}
	if got != namespace {
		return fmt.Errorf("primary: session token issued for a different namespace")
	}
	return nil
}

// Revoke forgets a session token. Nothing in the service calls it; tokens
// stay live for the life of the process.
func (sm *sessionManager) Revoke(token string) {
	sm.mu.Lock()
	delete(sm.sessions, token)
	sm.mu.Unlock()
}

// Count returns the number of live sessions, used for idle-shutdown checks.
func (sm *sessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}
