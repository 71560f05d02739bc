package session

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
)

// Registry indexes active sessions by id. It is safe for concurrent use and
// never blocks readers on writers.
type Registry struct {
	m sync.Map // uint64 -> *Session
	n atomic.Int64
}

// Add stores s, replacing any session with the same id. It reports whether
// the id was new.
func (r *Registry) Add(s *Session) bool {
	if _, loaded := r.m.Swap(s.ID(), s); !loaded {
		r.n.Add(1)
		return true
	}
	return false
}

// Remove deletes the session with id. Removing an unknown id is a no-op; the
// return value reports whether a session was removed.
func (r *Registry) Remove(id uint64) bool {
	if _, loaded := r.m.LoadAndDelete(id); loaded {
		r.n.Add(-1)
		return true
	}
	return false
}

// Get returns the session with id.
func (r *Registry) Get(id uint64) (*Session, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// All returns a point-in-time snapshot ordered by id.
func (r *Registry) All() []*Session {
	var out []*Session
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// Len is the number of registered sessions.
func (r *Registry) Len() int { return int(r.n.Load()) }
