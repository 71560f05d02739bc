package session

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Kind enumerates pipeline events.
type Kind int

const (
	KindOpened Kind = iota
	KindMessage
	KindException
	KindIdle
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindMessage:
		return "message"
	case KindException:
		return "exception"
	case KindIdle:
		return "idle"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one event travelling down a pipeline.
type Event struct {
	Kind    Kind
	Message any
	Err     error
}

// Pipeline receives a session's events in order. Initializers extend it with
// AddLast before the session is opened.
type Pipeline interface {
	AddLast(name string, f Filter) error
	Remove(name string) error

	FireSessionOpened(s *Session)
	FireMessageReceived(s *Session, msg any)
	FireExceptionCaught(s *Session, err error)
	FireSessionIdle(s *Session)
	FireSessionClosed(s *Session)
}

// Handler is the application endpoint at the end of a pipeline.
type Handler interface {
	SessionOpened(s *Session)
	MessageReceived(s *Session, msg any)
	ExceptionCaught(s *Session, err error)
	SessionIdle(s *Session)
	SessionClosed(s *Session)
}

// Filter intercepts events before they reach the handler. Calling next passes
// the (possibly modified) event on; not calling it swallows the event.
type Filter interface {
	Handle(s *Session, ev Event, next func(Event))
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(s *Session, ev Event, next func(Event))

func (f FilterFunc) Handle(s *Session, ev Event, next func(Event)) { f(s, ev, next) }

type namedFilter struct {
	name string
	f    Filter
}

// Chain is a Pipeline made of named filters ending in a Handler. Filters can
// be added and removed while events flow; each event sees a consistent list.
type Chain struct {
	handler Handler
	mu      sync.Mutex
	filters atomic.Pointer[[]namedFilter]
}

var _ Pipeline = (*Chain)(nil)

// NewChain creates an empty chain that delivers to h.
func NewChain(h Handler) *Chain {
	c := &Chain{handler: h}
	c.filters.Store(&[]namedFilter{})
	return c
}

// Handler returns the terminal handler.
func (c *Chain) Handler() Handler { return c.handler }

// AddFirst inserts f at the head of the chain.
func (c *Chain) AddFirst(name string, f Filter) error {
	return c.update(func(list []namedFilter) ([]namedFilter, error) {
		if slices.ContainsFunc(list, func(nf namedFilter) bool { return nf.name == name }) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFilter, name)
		}
		return append([]namedFilter{{name: name, f: f}}, list...), nil
	})
}

// AddLast appends f just before the handler.
func (c *Chain) AddLast(name string, f Filter) error {
	return c.update(func(list []namedFilter) ([]namedFilter, error) {
		if slices.ContainsFunc(list, func(nf namedFilter) bool { return nf.name == name }) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFilter, name)
		}
		return append(slices.Clip(list), namedFilter{name: name, f: f}), nil
	})
}

// Remove drops the filter called name.
func (c *Chain) Remove(name string) error {
	return c.update(func(list []namedFilter) ([]namedFilter, error) {
		i := slices.IndexFunc(list, func(nf namedFilter) bool { return nf.name == name })
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrFilterNotFound, name)
		}
		return slices.Delete(slices.Clone(list), i, i+1), nil
	})
}

// Names lists the filters in order.
func (c *Chain) Names() []string {
	list := *c.filters.Load()
	names := make([]string, len(list))
	for i, nf := range list {
		names[i] = nf.name
	}
	return names
}

func (c *Chain) update(fn func([]namedFilter) ([]namedFilter, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := fn(*c.filters.Load())
	if err != nil {
		return err
	}
	c.filters.Store(&next)
	return nil
}

func (c *Chain) fire(s *Session, ev Event) {
	list := *c.filters.Load()
	var step func(i int, ev Event)
	step = func(i int, ev Event) {
		if i < len(list) {
			list[i].f.Handle(s, ev, func(ev Event) { step(i+1, ev) })
			return
		}
		c.deliver(s, ev)
	}
	step(0, ev)
}

func (c *Chain) deliver(s *Session, ev Event) {
	if c.handler == nil {
		return
	}
	switch ev.Kind {
	case KindOpened:
		c.handler.SessionOpened(s)
	case KindMessage:
		c.handler.MessageReceived(s, ev.Message)
	case KindException:
		c.handler.ExceptionCaught(s, ev.Err)
	case KindIdle:
		c.handler.SessionIdle(s)
	case KindClosed:
		c.handler.SessionClosed(s)
	}
}

func (c *Chain) FireSessionOpened(s *Session) { c.fire(s, Event{Kind: KindOpened}) }

func (c *Chain) FireMessageReceived(s *Session, msg any) {
	c.fire(s, Event{Kind: KindMessage, Message: msg})
}

func (c *Chain) FireExceptionCaught(s *Session, err error) {
	c.fire(s, Event{Kind: KindException, Err: err})
}

func (c *Chain) FireSessionIdle(s *Session) { c.fire(s, Event{Kind: KindIdle}) }

func (c *Chain) FireSessionClosed(s *Session) { c.fire(s, Event{Kind: KindClosed}) }

// HandlerFuncs is a Handler built from optional callbacks.
type HandlerFuncs struct {
	OnOpened    func(s *Session)
	OnMessage   func(s *Session, msg any)
	OnException func(s *Session, err error)
	OnIdle      func(s *Session)
	OnClosed    func(s *Session)
}

var _ Handler = (*HandlerFuncs)(nil)

func (h *HandlerFuncs) SessionOpened(s *Session) {
	if h.OnOpened != nil {
		h.OnOpened(s)
	}
}

func (h *HandlerFuncs) MessageReceived(s *Session, msg any) {
	if h.OnMessage != nil {
		h.OnMessage(s, msg)
	}
}

func (h *HandlerFuncs) ExceptionCaught(s *Session, err error) {
	if h.OnException != nil {
		h.OnException(s, err)
	}
}

func (h *HandlerFuncs) SessionIdle(s *Session) {
	if h.OnIdle != nil {
		h.OnIdle(s)
	}
}

func (h *HandlerFuncs) SessionClosed(s *Session) {
	if h.OnClosed != nil {
		h.OnClosed(s)
	}
}
