package server

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry tracks authenticated sessions by identity. It is the single source
// of truth for who is online. The registry never calls into a Session while
// holding its lock, so callers may hold a session lock when calling it.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[int64]map[*Session]struct{}
	bySession map[*Session]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[int64]map[*Session]struct{}),
		bySession: make(map[*Session]int64),
	}
}

// Register adds s under userID. A session can be registered only once.
func (r *Registry) Register(userID int64, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySession[s]; exists {
		return ErrAlreadyRegistered
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[*Session]struct{})
		r.byUser[userID] = set
	}
	set[s] = struct{}{}
	r.bySession[s] = userID
	return nil
}

// Unregister removes exactly s. It reports whether s was registered and how
// many sessions its identity still has.
func (r *Registry) Unregister(s *Session) (removed bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.bySession[s]
	if !ok {
		return false, 0
	}
	delete(r.bySession, s)

	set := r.byUser[userID]
	delete(set, s)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
	return true, len(set)
}

// SnapshotAll returns every registered session in connection order. The
// slice is detached from the registry.
func (r *Registry) SnapshotAll() []*Session {
	r.mu.RLock()
	out := lo.Keys(r.bySession)
	r.mu.RUnlock()

	sortBySeq(out)
	return out
}

// Find returns the sessions of userID in connection order, or nil when the
// identity is offline.
func (r *Registry) Find(userID int64) []*Session {
	r.mu.RLock()
	set, ok := r.byUser[userID]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	out := lo.Keys(set)
	r.mu.RUnlock()

	sortBySeq(out)
	return out
}

// Online reports whether userID has at least one session.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// OnlineIDs returns the identities with at least one session, ascending.
func (r *Registry) OnlineIDs() []int64 {
	r.mu.RLock()
	ids := lo.Keys(r.byUser)
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

func sortBySeq(sessions []*Session) {
	slices.SortFunc(sessions, func(a, b *Session) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}
