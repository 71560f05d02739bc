// Package idle fires SessionIdle on sessions that have neither read nor
// written for a configured period.
//
// Idle notifications run on the tracker's goroutine. They are not serialized
// with the channel's own events, so a handler may see SessionIdle while a
// message for the same session is being delivered.
package idle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/gatewaycore/internal/metrics"
	"github.com/ggoodman/gatewaycore/session"
)

type entry struct {
	s *session.Session
	// notified is the activity stamp idleness was last reported for.
	notified time.Time
}

// Tracker watches registered sessions. It satisfies channel.IdleTracker.
type Tracker struct {
	timeout  time.Duration
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[uint64]*entry
}

// Option customizes a Tracker.
type Option func(*Tracker)

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithInterval sets how often Run checks sessions. Defaults to a quarter of
// the timeout.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker. A non-positive timeout disables idle events.
func NewTracker(timeout time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		timeout:  timeout,
		interval: max(timeout/4, time.Second),
		clock:    clock.New(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) AddSession(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID()] = &entry{s: s}
}

func (t *Tracker) RemoveSession(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s.ID())
}

// Len is the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Check fires SessionIdle on every session idle for at least the timeout.
// A session is reported once per idle period: it must show new activity
// before it is reported again.
func (t *Tracker) Check() int {
	if t.timeout <= 0 {
		return 0
	}
	now := t.clock.Now()
	var idle []*session.Session

	t.mu.Lock()
	for _, e := range t.sessions {
		last := e.s.LastActivity()
		if now.Sub(last) < t.timeout || last.Equal(e.notified) {
			continue
		}
		e.notified = last
		idle = append(idle, e.s)
	}
	t.mu.Unlock()

	for _, s := range idle {
		t.log.Debug("session idle", slog.Uint64("session", s.ID()), slog.Duration("timeout", t.timeout))
		t.metrics.Idle()
		if p := s.Pipeline(); p != nil {
			p.FireSessionIdle(s)
		}
	}
	return len(idle)
}

// Run checks sessions every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	if t.timeout <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := t.clock.Ticker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Check()
		}
	}
}
