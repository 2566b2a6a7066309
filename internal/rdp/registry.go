package rdp

import (
	"sync"

	"github.com/wsgate/gateway/internal/engine"
)

// registry maps engine instances back to the Session that owns them. Engine
// callbacks carry only the instance pointer; the registry never owns the
// sessions it resolves.
type registry struct {
	mu       sync.RWMutex
	sessions map[*engine.Instance]*Session
}

var instances = newRegistry()

func newRegistry() *registry {
	return &registry{
		sessions: make(map[*engine.Instance]*Session),
	}
}

func (r *registry) register(inst *engine.Instance, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[inst] = s
}

// resolve returns nil for an instance that is not registered.
func (r *registry) resolve(inst *engine.Instance) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[inst]
}

func (r *registry) unregister(inst *engine.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, inst)
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
