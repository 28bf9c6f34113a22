// Package lifecycle tracks every timer, sweep interval, and socket allocated
// on behalf of a session so teardown is idempotent and ordered. It also holds
// the process draining flag used by the readiness surface.
package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ProcessScope is the synthetic session id for handles that are not tied to
// one session (for example the registry sweep interval). They are disposed
// only on process shutdown.
const ProcessScope = "process"

type Kind string

const (
	KindTimer    Kind = "timer"
	KindInterval Kind = "interval"
	KindSocket   Kind = "socket"
)

// Handle describes one cleanup action registered at allocation time.
type Handle struct {
	SessionID string
	Kind      Kind
	Dispose   func()
}

type entry struct {
	sessionID string
	kind      Kind
	dispose   func()
	once      sync.Once
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   map[string][]string // session id -> handle ids, registration order

	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		order:   make(map[string][]string),
	}
}

// Register stores a disposer and returns its handle id. Safe for concurrent
// use from independent session workers.
func (r *Registry) Register(h Handle) string {
	if r == nil || h.Dispose == nil {
		return ""
	}
	sessionID := h.SessionID
	if sessionID == "" {
		sessionID = ProcessScope
	}
	id := "h_" + uuid.NewString()
	e := &entry{sessionID: sessionID, kind: h.Kind, dispose: h.Dispose}

	r.mu.Lock()
	r.entries[id] = e
	r.order[sessionID] = append(r.order[sessionID], id)
	r.mu.Unlock()
	return id
}

// Dispose invokes the disposer at most once. A second call is a no-op, never
// an error.
func (r *Registry) Dispose(id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	e := r.entries[id]
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.once.Do(func() {
		e.dispose()
		r.remove(id, e.sessionID)
	})
}

// DisposeAll tears down every handle registered for a session, later-allocated
// resources first. Called exactly once when a session ends, for any cause, but
// tolerates repeats.
func (r *Registry) DisposeAll(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}
	r.mu.Lock()
	ids := append([]string(nil), r.order[sessionID]...)
	r.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		r.Dispose(ids[i])
	}
}

// Count returns the number of live handles across all sessions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SessionCount returns the number of live handles for one session.
func (r *Registry) SessionCount(sessionID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order[sessionID])
}

func (r *Registry) SetDraining(draining bool) {
	if r == nil {
		return
	}
	r.draining.Store(draining)
}

func (r *Registry) IsDraining() bool {
	if r == nil {
		return false
	}
	return r.draining.Load()
}

func (r *Registry) remove(id, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	ids := r.order[sessionID]
	for i, candidate := range ids {
		if candidate == id {
			r.order[sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.order[sessionID]) == 0 {
		delete(r.order, sessionID)
	}
}
