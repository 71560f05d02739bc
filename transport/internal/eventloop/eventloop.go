// Package eventloop serializes one channel's raw events onto its bridge.
// Transports post from any goroutine; a single goroutine per channel drains
// the FIFO, so the bridge sees events one at a time and in posting order.
package eventloop

import (
	"log/slog"
	"sync"

	"github.com/eapache/queue"
	"github.com/ggoodman/gatewaycore/channel"
)

type Kind int

const (
	Connected Kind = iota
	Message
	WriteComplete
	Exception
	Closed
)

type Event struct {
	Kind Kind
	Msg  any
	N    int
	Err  error
}

type Loop struct {
	bridge *channel.Handler
	log    *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	q        *queue.Queue
	finished bool
	done     chan struct{}
}

func New(bridge *channel.Handler, log *slog.Logger) *Loop {
	l := &Loop{bridge: bridge, log: log, q: queue.New(), done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Bridge returns the bridge events are delivered to.
func (l *Loop) Bridge() *channel.Handler { return l.bridge }

// Post enqueues ev. It reports false once the Closed event has been taken
// off the queue; later events are dropped.
func (l *Loop) Post(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return false
	}
	l.q.Add(ev)
	l.cond.Signal()
	return true
}

// Done is closed after the Closed event has been delivered.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run drains the queue until the Closed event is delivered.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for l.q.Length() == 0 {
			l.cond.Wait()
		}
		ev := l.q.Remove().(Event)
		if ev.Kind == Closed {
			l.finished = true
		}
		l.mu.Unlock()

		if err := l.dispatch(ev); err != nil {
			l.log.Debug("channel event rejected", slog.Int("kind", int(ev.Kind)), slog.String("err", err.Error()))
		}
		if ev.Kind == Closed {
			return
		}
	}
}

func (l *Loop) dispatch(ev Event) error {
	switch ev.Kind {
	case Connected:
		return l.bridge.Connected()
	case Message:
		return l.bridge.MessageReceived(ev.Msg)
	case WriteComplete:
		return l.bridge.WriteComplete(ev.N)
	case Exception:
		return l.bridge.ExceptionCaught(ev.Err)
	case Closed:
		return l.bridge.Closed()
	}
	return nil
}
