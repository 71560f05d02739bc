package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) handler(prefix string) *HandlerFuncs {
	return &HandlerFuncs{
		OnOpened:    func(*Session) { r.add("%sopened", prefix) },
		OnMessage:   func(_ *Session, msg any) { r.add("%smessage:%v", prefix, msg) },
		OnException: func(_ *Session, err error) { r.add("%sexception:%v", prefix, err) },
		OnIdle:      func(*Session) { r.add("%sidle", prefix) },
		OnClosed:    func(*Session) { r.add("%sclosed", prefix) },
	}
}

type fakeConn struct {
	written [][]byte
	closed  int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error       { c.closed++; return nil }
func (c *fakeConn) RemoteAddr() string { return "fake:1" }

func TestNextIDIsUnique(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := NextID()
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestChainRunsFiltersInOrder(t *testing.T) {
	rec := &recorder{}
	c := NewChain(rec.handler(""))
	require.NoError(t, c.AddLast("a", FilterFunc(func(s *Session, ev Event, next func(Event)) {
		rec.add("a:%s", ev.Kind)
		next(ev)
	})))
	require.NoError(t, c.AddLast("upper", FilterFunc(func(s *Session, ev Event, next func(Event)) {
		if ev.Kind == KindMessage {
			ev.Message = fmt.Sprintf("<%v>", ev.Message)
		}
		next(ev)
	})))
	require.NoError(t, c.AddFirst("first", FilterFunc(func(s *Session, ev Event, next func(Event)) {
		rec.add("first:%s", ev.Kind)
		next(ev)
	})))

	s := New(nil, nil, c, time.Unix(0, 0))
	c.FireSessionOpened(s)
	c.FireMessageReceived(s, "x")

	assert.Equal(t, []string{"first", "a", "upper"}, c.Names())
	assert.Equal(t, []string{
		"first:opened", "a:opened", "opened",
		"first:message", "a:message", "message:<x>",
	}, rec.Events())
}

func TestChainFilterCanSwallowEvents(t *testing.T) {
	rec := &recorder{}
	c := NewChain(rec.handler(""))
	require.NoError(t, c.AddLast("drop-idle", FilterFunc(func(s *Session, ev Event, next func(Event)) {
		if ev.Kind != KindIdle {
			next(ev)
		}
	})))
	s := New(nil, nil, c, time.Now())
	c.FireSessionIdle(s)
	c.FireExceptionCaught(s, errors.New("boom"))
	assert.Equal(t, []string{"exception:boom"}, rec.Events())
}

func TestChainAddRemove(t *testing.T) {
	c := NewChain(nil)
	noop := FilterFunc(func(s *Session, ev Event, next func(Event)) { next(ev) })
	require.NoError(t, c.AddLast("a", noop))
	require.ErrorIs(t, c.AddLast("a", noop), ErrDuplicateFilter)
	require.ErrorIs(t, c.Remove("b"), ErrFilterNotFound)
	require.NoError(t, c.Remove("a"))
	require.Empty(t, c.Names())

	// No handler: events are dropped at the end of the chain.
	c.FireSessionClosed(New(nil, nil, c, time.Now()))
}

func TestSessionPipelineRealign(t *testing.T) {
	rec := &recorder{}
	first, second := NewChain(rec.handler("1:")), NewChain(rec.handler("2:"))
	s := New(nil, nil, first, time.Now())

	s.Pipeline().FireMessageReceived(s, "a")
	s.SetPipeline(second)
	s.Pipeline().FireMessageReceived(s, "b")

	assert.Equal(t, []string{"1:message:a", "2:message:b"}, rec.Events())
}

func TestSessionCounters(t *testing.T) {
	start := time.Unix(100, 0)
	s := New(nil, &fakeConn{}, nil, start)
	require.Equal(t, start, s.LastActivity())

	s.AddWrittenBytes(3, start.Add(time.Second))
	s.AddWrittenBytes(4, start.Add(2*time.Second))
	s.AddReadBytes(10, start.Add(5*time.Second))

	assert.EqualValues(t, 7, s.WrittenBytes())
	assert.EqualValues(t, 10, s.ReadBytes())
	assert.Equal(t, start.Add(2*time.Second), s.LastWriteTime())
	assert.Equal(t, start.Add(5*time.Second), s.LastActivity())
}

func TestSessionWriteAndClose(t *testing.T) {
	conn := &fakeConn{}
	s := New(nil, conn, nil, time.Now())

	n, err := s.Write([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, conn.closed)
	require.True(t, s.IsClosing())

	_, err = s.Write([]byte("late"))
	require.ErrorIs(t, err, ErrClosing)
	require.Equal(t, [][]byte{[]byte("hi")}, conn.written)
}

func TestSessionAttributes(t *testing.T) {
	s := New(nil, nil, nil, time.Now())
	type key struct{}
	s.SetAttribute(key{}, 42)
	v, ok := s.Attribute(key{})
	require.True(t, ok)
	require.Equal(t, 42, v)
	s.RemoveAttribute(key{})
	_, ok = s.Attribute(key{})
	require.False(t, ok)
}

func TestRegistryAddRemove(t *testing.T) {
	var r Registry
	a := New(nil, nil, nil, time.Now())
	b := New(nil, nil, nil, time.Now())

	r.Add(a)
	r.Add(b)
	r.Add(a)
	require.Equal(t, 2, r.Len())

	got, ok := r.Get(a.ID())
	require.True(t, ok)
	require.Same(t, a, got)

	require.True(t, r.Remove(a.ID()))
	require.False(t, r.Remove(a.ID()))
	require.Equal(t, []*Session{b}, r.All())
	require.Equal(t, 1, r.Len())
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	var r Registry
	const n = 200
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = New(nil, nil, nil, time.Now())
	}

	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			r.Add(s)
			if i%3 == 0 {
				r.Remove(s.ID())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var want []*Session
	for i, s := range sessions {
		if i%3 != 0 {
			want = append(want, s)
		}
	}
	require.Equal(t, want, r.All())
	require.Equal(t, len(want), r.Len())
}

func TestLifecycleProcessorClosesOnce(t *testing.T) {
	rec := &recorder{}
	s := New(nil, nil, NewChain(rec.handler("")), time.Now())
	p := NewLifecycleProcessor()

	p.Add(s)
	require.Equal(t, 1, p.Len())
	p.Remove(s)
	p.Remove(s)

	require.Equal(t, 0, p.Len())
	require.True(t, s.IsClosed())
	require.Equal(t, []string{"opened", "closed"}, rec.Events())
}
