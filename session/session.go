package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/gatewaycore/resource"
)

var lastID atomic.Uint64

// NextID returns a process-unique session identifier.
func NextID() uint64 {
	return lastID.Add(1)
}

// Conn is the transport side of a session: where writes go.
type Conn interface {
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() string
}

type pipelineCell struct {
	p Pipeline
}

// Session is one accepted or connected transport-level conversation.
type Session struct {
	id      uint64
	address *resource.Address
	conn    Conn
	created time.Time

	pipeline atomic.Pointer[pipelineCell]

	writtenBytes atomic.Int64
	readBytes    atomic.Int64
	lastWrite    atomic.Int64
	lastRead     atomic.Int64

	closing atomic.Bool
	closed  atomic.Bool

	attrs sync.Map
}

// New creates a session for conn bound at address with an initial pipeline.
// created seeds the activity timestamps.
func New(address *resource.Address, conn Conn, p Pipeline, created time.Time) *Session {
	s := &Session{
		id:      NextID(),
		address: address,
		conn:    conn,
		created: created,
	}
	s.lastWrite.Store(created.UnixNano())
	s.lastRead.Store(created.UnixNano())
	s.SetPipeline(p)
	return s
}

func (s *Session) ID() uint64 { return s.id }

// Address is the local resource address the session was accepted on or
// connected to. It may be nil for sessions created outside a transport.
func (s *Session) Address() *resource.Address { return s.address }

func (s *Session) CreatedAt() time.Time { return s.created }

func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr()
}

// Pipeline returns the pipeline currently assigned to the session.
func (s *Session) Pipeline() Pipeline {
	if c := s.pipeline.Load(); c != nil {
		return c.p
	}
	return nil
}

// SetPipeline re-aligns the session onto p. Events delivered after the call
// returns go to p.
func (s *Session) SetPipeline(p Pipeline) {
	s.pipeline.Store(&pipelineCell{p: p})
}

// Write sends p to the transport.
func (s *Session) Write(p []byte) (int, error) {
	if s.closing.Load() {
		return 0, fmt.Errorf("session %d: %w", s.id, ErrClosing)
	}
	if s.conn == nil {
		return 0, fmt.Errorf("session %d: no connection", s.id)
	}
	return s.conn.Write(p)
}

// Close starts closing the underlying connection. The transport reports the
// completed close through the event bridge.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// IsClosing reports whether Close has been called or the session is closed.
func (s *Session) IsClosing() bool { return s.closing.Load() || s.closed.Load() }

// IsClosed reports whether the session-closed notification has fired.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// markClosed flips the session to closed and reports whether this call did it.
func (s *Session) markClosed() bool {
	s.closing.Store(true)
	return s.closed.CompareAndSwap(false, true)
}

// AddWrittenBytes accounts for n bytes written at the given instant.
func (s *Session) AddWrittenBytes(n int64, at time.Time) {
	s.writtenBytes.Add(n)
	s.lastWrite.Store(at.UnixNano())
}

// AddReadBytes accounts for n bytes read at the given instant.
func (s *Session) AddReadBytes(n int64, at time.Time) {
	s.readBytes.Add(n)
	s.lastRead.Store(at.UnixNano())
}

func (s *Session) WrittenBytes() int64 { return s.writtenBytes.Load() }

func (s *Session) ReadBytes() int64 { return s.readBytes.Load() }

func (s *Session) LastWriteTime() time.Time { return time.Unix(0, s.lastWrite.Load()) }

func (s *Session) LastReadTime() time.Time { return time.Unix(0, s.lastRead.Load()) }

// LastActivity is the later of the last read and last write.
func (s *Session) LastActivity() time.Time {
	w, r := s.lastWrite.Load(), s.lastRead.Load()
	return time.Unix(0, max(w, r))
}

// Attribute returns a value stored with SetAttribute.
func (s *Session) Attribute(key any) (any, bool) {
	return s.attrs.Load(key)
}

func (s *Session) SetAttribute(key, value any) {
	s.attrs.Store(key, value)
}

func (s *Session) RemoveAttribute(key any) {
	s.attrs.Delete(key)
}

func (s *Session) String() string {
	if s.address != nil {
		return fmt.Sprintf("session#%d(%s)", s.id, s.address.URI())
	}
	return fmt.Sprintf("session#%d", s.id)
}
