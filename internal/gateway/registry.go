package gateway

import (
	"sort"
	"sync"
)

// Registry holds the active gateway sessions keyed by client id. One mutex guards it; the
// supervisor iterates over snapshots so the lock is never held during I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[int]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int]*Session)}
}

// register allocates the smallest unused positive id and stores the session build returns
func (r *Registry) register(build func(id int) *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := 1
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id++
	}

	sess := build(id)
	r.sessions[id] = sess
	return sess
}

// Get returns the session registered under id
func (r *Registry) Get(id int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by id
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
