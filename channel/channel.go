// Package channel bridges a transport channel's raw lifecycle onto a
// session's pipeline.
//
// One Handler exists per accepted or connected channel and the transport calls
// it from a single goroutine at a time, in the order the channel produced the
// events. The Handler never reorders or batches; it only translates.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/gatewaycore/buffer"
	"github.com/ggoodman/gatewaycore/internal/logctx"
	"github.com/ggoodman/gatewaycore/internal/metrics"
	"github.com/ggoodman/gatewaycore/session"
	"github.com/ggoodman/gatewaycore/transport"
)

var (
	// ErrNotConnected is returned for data events that arrive before Connected.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrClosed is returned for events that arrive after Closed.
	ErrClosed = errors.New("channel: closed")
	// ErrAlreadyConnected is returned by a second Connected.
	ErrAlreadyConnected = errors.New("channel: already connected")
)

// IdleTracker watches sessions for inactivity.
type IdleTracker interface {
	AddSession(s *session.Session)
	RemoveSession(s *session.Session)
}

// Processor owns session lifecycle accounting. Remove is responsible for
// firing the session-closed notification exactly once.
type Processor interface {
	Add(s *session.Session)
	Remove(s *session.Session)
}

// State of a Handler.
type State int32

const (
	StateUninitialized State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type nopTracker struct{}

func (nopTracker) AddSession(*session.Session)    {}
func (nopTracker) RemoveSession(*session.Session) {}

// Handler is the event bridge for one channel.
type Handler struct {
	session   *session.Session
	init      transport.SessionInitializer
	idle      IdleTracker
	processor Processor
	future    *transport.ConnectFuture
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics

	state atomic.Int32
}

// Option customizes a Handler.
type Option func(*Handler)

// WithIdleTracker registers connected sessions with t.
func WithIdleTracker(t IdleTracker) Option {
	return func(h *Handler) {
		if t != nil {
			h.idle = t
		}
	}
}

// WithProcessor overrides the lifecycle processor. The default is a fresh
// session.LifecycleProcessor.
func WithProcessor(p Processor) Option {
	return func(h *Handler) {
		if p != nil {
			h.processor = p
		}
	}
}

// WithFuture resolves f once the session is connected, or with an error when
// the channel fails before that.
func WithFuture(f *transport.ConnectFuture) Option {
	return func(h *Handler) { h.future = f }
}

// WithClock overrides the clock used for activity timestamps.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = logctx.Wrap(l)
		}
	}
}

// WithMetrics records opened sessions and written bytes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates the bridge for s. init runs on Connected before the
// session is opened.
func NewHandler(s *session.Session, init transport.SessionInitializer, opts ...Option) *Handler {
	h := &Handler{
		session:   s,
		init:      init,
		idle:      nopTracker{},
		processor: session.NewLifecycleProcessor(),
		clock:     clock.New(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Session returns the bridged session.
func (h *Handler) Session() *session.Session { return h.session }

// State returns the current state.
func (h *Handler) State() State { return State(h.state.Load()) }

func (h *Handler) complete(err error) {
	if h.future == nil {
		return
	}
	if err != nil {
		h.future.Complete(nil, err)
		return
	}
	h.future.Complete(h.session, nil)
}

func (h *Handler) logContext() context.Context {
	return logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID:  h.session.ID(),
		RemoteAddr: h.session.RemoteAddr(),
	})
}

func (h *Handler) active() error {
	switch h.State() {
	case StateUninitialized:
		return ErrNotConnected
	case StateClosed:
		return ErrClosed
	}
	return nil
}

// Connected runs the session initializer, registers the session with the
// idle tracker and hands it to the processor, which opens it.
func (h *Handler) Connected() error {
	if !h.state.CompareAndSwap(int32(StateUninitialized), int32(StateConnected)) {
		if h.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	s := h.session
	if h.init != nil {
		if err := h.init(s); err != nil {
			h.state.Store(int32(StateClosed))
			err = fmt.Errorf("initialize %s: %w", s, err)
			h.complete(err)
			_ = s.Close()
			return err
		}
	}
	h.idle.AddSession(s)
	h.processor.Add(s)
	h.metrics.SessionOpened()
	h.log.DebugContext(h.logContext(), "session.connected")
	h.complete(nil)
	return nil
}

// MessageReceived delivers msg to the session's current pipeline. A
// transport-native buffer is converted to a buffer.View and left fully
// consumed, so a pooled backing array is never delivered twice.
func (h *Handler) MessageReceived(msg any) error {
	if err := h.active(); err != nil {
		return err
	}
	s := h.session
	if src, ok := msg.(buffer.Source); ok {
		v := buffer.Take(src)
		s.AddReadBytes(int64(v.Len()), h.clock.Now())
		msg = v
	}
	// The pipeline can change between events when the session is re-aligned.
	s.Pipeline().FireMessageReceived(s, msg)
	return nil
}

// WriteComplete accounts for n written bytes.
func (h *Handler) WriteComplete(n int) error {
	if err := h.active(); err != nil {
		return err
	}
	h.session.AddWrittenBytes(int64(n), h.clock.Now())
	h.metrics.BytesWritten(n)
	return nil
}

// ExceptionCaught forwards err to the session's current pipeline. Before the
// session is connected the error resolves the connect future instead.
func (h *Handler) ExceptionCaught(err error) error {
	switch h.State() {
	case StateUninitialized:
		h.complete(err)
		return ErrNotConnected
	case StateClosed:
		return ErrClosed
	}
	s := h.session
	s.Pipeline().FireExceptionCaught(s, err)
	return nil
}

// Closed removes the session from its processor, which fires the closed
// notification, and from the idle tracker. Subsequent calls are no-ops.
func (h *Handler) Closed() error {
	prev := State(h.state.Swap(int32(StateClosed)))
	switch prev {
	case StateClosed:
		return nil
	case StateUninitialized:
		h.complete(ErrClosed)
		return nil
	}
	s := h.session
	h.processor.Remove(s)
	h.idle.RemoveSession(s)
	h.log.DebugContext(h.logContext(), "session.closed",
		slog.Int64("written", s.WrittenBytes()),
		slog.Int64("read", s.ReadBytes()))
	return nil
}
