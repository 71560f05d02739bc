package session

import "sync"

// LifecycleProcessor accounts for the sessions owned by one acceptor or
// connector and fires their open and close notifications.
type LifecycleProcessor struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
}

func NewLifecycleProcessor() *LifecycleProcessor {
	return &LifecycleProcessor{sessions: make(map[uint64]*Session)}
}

// Add takes ownership of s and fires SessionOpened on its pipeline.
func (p *LifecycleProcessor) Add(s *Session) {
	p.mu.Lock()
	p.sessions[s.ID()] = s
	p.mu.Unlock()
	if pl := s.Pipeline(); pl != nil {
		pl.FireSessionOpened(s)
	}
}

// Remove releases s and fires SessionClosed. Only the first Remove for a
// session fires.
func (p *LifecycleProcessor) Remove(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s.ID())
	p.mu.Unlock()
	if !s.markClosed() {
		return
	}
	if pl := s.Pipeline(); pl != nil {
		pl.FireSessionClosed(s)
	}
}

// Len is the number of sessions currently owned.
func (p *LifecycleProcessor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
