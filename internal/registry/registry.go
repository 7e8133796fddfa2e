package registry

import (
	"errors"
	"hash/fnv"
	"sync"
)

var ErrDuplicateConnection = errors.New("duplicate connection")

const shardCount = 32

// Registry maps each user to their set of live connection handles. It is the
// only component that knows whether a user is reachable on this instance.
//
// Operations on one user are serialized by the user's shard lock; operations
// on users in different shards never contend. The map invariant is that a
// present user always has at least one handle: removing the last handle
// removes the entry, which makes reachability a cheap existence check.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Handle // userID -> connID -> handle
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]*Handle)
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds a handle for the user. It reports whether the user just
// became reachable (this was their first handle). Fails with
// ErrDuplicateConnection if the connection ID is already registered; callers
// retrying a handshake must generate a fresh ID.
func (r *Registry) Register(userID string, h *Handle) (first bool, err error) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]*Handle)
		s.users[userID] = conns
	}
	if _, exists := conns[h.ID()]; exists {
		return false, ErrDuplicateConnection
	}
	conns[h.ID()] = h
	return len(conns) == 1, nil
}

// Deregister removes a handle. Absent handles are a no-op so duplicate
// disconnect signals are tolerated. It reports whether the user became
// unreachable (their last handle was removed).
func (r *Registry) Deregister(userID, connID string) (last bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.users, userID)
		return true
	}
	return false
}

// ConnectionsFor returns a consistent snapshot of the user's handles.
// No handle appears after its own Deregister call has completed.
func (r *Registry) ConnectionsFor(userID string) []*Handle {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Handle, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

func (r *Registry) IsReachableLocally(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// DrainAll removes every handle, returning the users that were reachable.
// Used on shutdown so presence and fanout subscriptions can be released.
func (r *Registry) DrainAll() []string {
	var users []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userID := range s.users {
			users = append(users, userID)
			delete(s.users, userID)
		}
		s.mu.Unlock()
	}
	return users
}
