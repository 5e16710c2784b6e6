// Package namespace implements the registry that owns the lifecycle of
// every keel database (namespace) a process knows about: opening one for
// the first time, handing the same open handle to concurrent callers,
// draining them on shutdown, and persisting each namespace's generation ID
// across restarts.
//
// The open-coordination shape mirrors the registry slot design used by the
// original's own WAL registry: a caller finding no slot becomes the
// builder and everyone else waits on a condition variable for the result,
// so N concurrent opens of the same namespace cost one build, not N.
package namespace

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a registry slot.
type State uint8

const (
	// StatePendingOpen means a builder goroutine is constructing the
	// namespace's handle; other callers wait.
	StatePendingOpen State = iota
	// StateReady means the handle is built and safe to share.
	StateReady
	// StateClosing means the namespace is being drained and torn down;
	// new opens must wait for it to finish before starting a fresh one.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StatePendingOpen:
		return "PENDING_OPEN"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Handle is whatever a namespace opener produces — the replication core
// only needs to know how to close it.
type Handle interface {
	Close() error
}

// OpenFunc constructs a Handle for a namespace name. It runs on exactly one
// goroutine per concurrent open race.
type OpenFunc func(name string) (Handle, error)

type slot struct {
	state   State
	handle  Handle
	err     error
	waiters int
}

// Registry coordinates concurrent opens/closes of namespace handles and
// tracks each namespace's generation ID.
type Registry struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots map[string]*slot
	gens  map[string]uint64
	log   zerolog.Logger
	meta  *MetaStore // durable bookkeeping, nil if running without persistence
}

// New creates an empty Registry. If meta is non-nil, persisted generation
// IDs are loaded from it immediately.
func New(logger zerolog.Logger, meta *MetaStore) (*Registry, error) {
	r := &Registry{
		slots: make(map[string]*slot),
		gens:  make(map[string]uint64),
		log:   logger,
		meta:  meta,
	}
	r.cond = sync.NewCond(&r.mu)

	if meta != nil {
		gens, err := meta.LoadGenerations()
		if err != nil {
			return nil, fmt.Errorf("namespace: load persisted generations: %w", err)
		}
		r.gens = gens
	}
	return r, nil
}

// Open returns the shared Handle for name, building it via open if this is
// the first caller to ask for it. Concurrent callers for the same name
// block on the first caller's result instead of each building their own.
func (r *Registry) Open(name string, open OpenFunc) (Handle, error) {
	r.mu.Lock()
	for {
		s, ok := r.slots[name]
		if !ok {
			s = &slot{state: StatePendingOpen}
			r.slots[name] = s
			r.mu.Unlock()

			handle, err := open(name)

			r.mu.Lock()
			s.handle, s.err = handle, err
			if err != nil {
				delete(r.slots, name)
				s.state = StateReady // waiters wake, find no slot, and retry the open
			} else {
				s.state = StateReady
				r.log.Info().Str("namespace", name).Msg("namespace opened")
			}
			r.cond.Broadcast()
			r.mu.Unlock()
			return handle, err
		}

		switch s.state {
		case StateReady:
			r.mu.Unlock()
			return s.handle, s.err
		case StateClosing:
			s.waiters++
			r.cond.Wait()
			s.waiters--
			continue
		case StatePendingOpen:
			r.cond.Wait()
			continue
		}
	}
}

// Close tears down the handle for name, blocking any concurrent Open calls
// until the close completes.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	s, ok := r.slots[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	for s.state == StatePendingOpen {
		r.cond.Wait()
	}
	s.state = StateClosing
	handle := s.handle
	r.mu.Unlock()

	var err error
	if handle != nil {
		err = handle.Close()
	}

	r.mu.Lock()
	delete(r.slots, name)
	r.cond.Broadcast()
	r.mu.Unlock()

	r.log.Info().Str("namespace", name).Err(err).Msg("namespace closed")
	return err
}

// DrainAll closes every open namespace, used on process shutdown.
func (r *Registry) DrainAll() []error {
	r.mu.Lock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	r.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := r.Close(name); err != nil {
			errs = append(errs, fmt.Errorf("namespace %s: %w", name, err))
		}
	}
	return errs
}

// Generation returns the current generation ID for name (0 if never bumped).
func (r *Registry) Generation(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[name]
}

// BumpGeneration increments name's generation ID, persisting the change if
// this Registry has a MetaStore. A generation bump invalidates any
// follower replication meta recorded against an older generation, forcing
// a full reset even when frame numbers alone would look compatible —
// mirroring the original's DbIncompatible/AheadOfPrimary handling.
func (r *Registry) BumpGeneration(name string) (uint64, error) {
	r.mu.Lock()
	r.gens[name]++
	gen := r.gens[name]
	r.mu.Unlock()

	if r.meta != nil {
		if err := r.meta.SaveGeneration(name, gen); err != nil {
			return gen, fmt.Errorf("namespace: persist generation bump: %w", err)
		}
	}
	r.log.Info().Str("namespace", name).Uint64("generation", gen).Msg("namespace generation bumped")
	return gen, nil
}

// Names returns every namespace name currently open.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.slots))
	for name, s := range r.slots {
		if s.state == StateReady {
			out = append(out, name)
		}
	}
	return out
}
