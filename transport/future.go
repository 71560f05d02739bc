package transport

import (
	"context"
	"sync"

	"github.com/ggoodman/gatewaycore/session"
)

// ConnectFuture is the pending result of Connector.Connect.
type ConnectFuture struct {
	once sync.Once
	done chan struct{}
	s    *session.Session
	err  error
}

func NewConnectFuture() *ConnectFuture {
	return &ConnectFuture{done: make(chan struct{})}
}

// Complete resolves the future. Only the first call has an effect.
func (f *ConnectFuture) Complete(s *session.Session, err error) {
	f.once.Do(func() {
		f.s, f.err = s, err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *ConnectFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *ConnectFuture) Wait(ctx context.Context) (*session.Session, error) {
	select {
	case <-f.done:
		return f.s, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
