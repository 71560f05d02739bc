package buffer

import (
	"bytes"
	"sync"
)

// Source is a transport-native buffer with a readable region that can be
// marked consumed. Take accepts any Source, not only *Shared.
type Source interface {
	// Bytes returns the current readable region without consuming it.
	Bytes() []byte
	// Skip advances the reader index by n bytes.
	Skip(n int)
}

// Shared is a reader-indexed buffer over storage the transport may recycle.
type Shared struct {
	mu     sync.Mutex
	data   []byte
	reader int
}

// NewShared wraps p. The caller hands p to the buffer and must not write to it
// afterwards.
func NewShared(p []byte) *Shared {
	return &Shared{data: p}
}

// Bytes returns the unread portion of the buffer.
func (s *Shared) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[s.reader:]
}

// Readable returns the number of unread bytes.
func (s *Shared) Readable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) - s.reader
}

// Skip advances the reader index by n, clamped to the readable region.
func (s *Shared) Skip(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		return
	}
	s.reader = min(s.reader+n, len(s.data))
}

// View is a read-only window onto bytes handed over by a transport.
type View struct {
	b []byte
}

// Wrap returns a View over p without copying. The slice capacity is clamped so
// appends through Bytes can never write into storage beyond the view.
func Wrap(p []byte) View {
	return View{b: p[:len(p):len(p)]}
}

// Take converts src into a View that shares its backing storage and then marks
// the whole readable region of src as consumed.
func Take(src Source) View {
	p := src.Bytes()
	v := Wrap(p)
	src.Skip(len(p))
	return v
}

// Bytes returns the viewed bytes. Callers must treat the result as read-only.
func (v View) Bytes() []byte { return v.b }

// Len returns the number of bytes in the view.
func (v View) Len() int { return len(v.b) }

// Copy returns a deep copy of the viewed bytes.
func (v View) Copy() []byte { return bytes.Clone(v.b) }

// String returns the viewed bytes as a string.
func (v View) String() string { return string(v.b) }
