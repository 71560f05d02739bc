// Package tcp serves tcp:// resource addresses with net listeners. Every
// accepted or dialed connection is bridged onto a session through the
// channel package.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/ggoodman/gatewaycore/buffer"
	"github.com/ggoodman/gatewaycore/channel"
	"github.com/ggoodman/gatewaycore/internal/metrics"
	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/session"
	"github.com/ggoodman/gatewaycore/transport"
	"github.com/ggoodman/gatewaycore/transport/internal/eventloop"
)

// Scheme served by this transport.
const Scheme = "tcp"

// BindValue is the option value that overrides the listen address of a bind.
const BindValue = "tcp.bind"

const readBufferSize = 16 << 10

var ErrAddressInUse = errors.New("tcp: address already bound")

// Transport implements transport.Transport for tcp addresses.
type Transport struct {
	idle    channel.IdleTracker
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	dialer  net.Dialer

	mu        sync.Mutex
	listeners map[string]*listener
}

type Option func(*Transport)

func WithIdleTracker(t channel.IdleTracker) Option {
	return func(tr *Transport) { tr.idle = t }
}

func WithClock(c clock.Clock) Option {
	return func(tr *Transport) {
		if c != nil {
			tr.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(tr *Transport) {
		if l != nil {
			tr.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(tr *Transport) { tr.metrics = m }
}

func New(opts ...Option) *Transport {
	tr := &Transport{
		clock:     clock.New(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		listeners: make(map[string]*listener),
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Acceptor  = (*acceptor)(nil)
	_ transport.Connector = (*connector)(nil)
)

func (tr *Transport) Acceptor(*resource.Address) transport.Acceptor { return (*acceptor)(tr) }

func (tr *Transport) Connector(*resource.Address) transport.Connector { return (*connector)(tr) }

// ListenAddr returns the actual listen address for a bound resource, which is
// useful when binding port 0.
func (tr *Transport) ListenAddr(addr *resource.Address) (net.Addr, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	l, ok := tr.listeners[addr.Resource()]
	if !ok {
		return nil, false
	}
	return l.ln.Addr(), true
}

func hostPort(addr *resource.Address) (string, error) {
	if v, ok := addr.Options().Value(BindValue); ok && v != "" {
		return v, nil
	}
	u, err := url.Parse(addr.Resource())
	if err != nil {
		return "", fmt.Errorf("%w: %v", resource.ErrInvalidURI, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", resource.ErrInvalidURI, addr.Resource())
	}
	return u.Host, nil
}

func (tr *Transport) start(nc net.Conn, addr *resource.Address, h transport.Handler, init transport.SessionInitializer, extra ...channel.Option) {
	c := &conn{nc: nc}
	s := session.New(addr, c, session.NewChain(h), tr.clock.Now())
	opts := []channel.Option{
		channel.WithIdleTracker(tr.idle),
		channel.WithClock(tr.clock),
		channel.WithLogger(tr.log),
		channel.WithMetrics(tr.metrics),
	}
	c.loop = eventloop.New(channel.NewHandler(s, init, append(opts, extra...)...), tr.log)
	c.loop.Post(eventloop.Event{Kind: eventloop.Connected})
	go c.loop.Run()
	go c.readLoop()
}

type listener struct {
	ln        net.Listener
	addr      *resource.Address
	processor *session.LifecycleProcessor
	closed    atomic.Bool
}

type acceptor Transport

func (a *acceptor) Bind(ctx context.Context, addr *resource.Address, h transport.Handler, init transport.SessionInitializer) error {
	hp, err := hostPort(addr)
	if err != nil {
		return err
	}
	key := addr.Resource()

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.listeners[key]; ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, key)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", hp)
	if err != nil {
		return err
	}
	l := &listener{ln: ln, addr: addr, processor: session.NewLifecycleProcessor()}
	a.listeners[key] = l
	a.log.InfoContext(ctx, "tcp listening", slog.String("resource", key), slog.String("addr", ln.Addr().String()))

	go (*Transport)(a).acceptLoop(l, h, init)
	return nil
}

func (tr *Transport) acceptLoop(l *listener, h transport.Handler, init transport.SessionInitializer) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if !l.closed.Load() {
				tr.log.Error("tcp accept failed", slog.String("resource", l.addr.Resource()), slog.String("err", err.Error()))
			}
			return
		}
		tr.start(nc, l.addr, h, init, channel.WithProcessor(l.processor))
	}
}

func (a *acceptor) Unbind(ctx context.Context, addr *resource.Address) error {
	a.mu.Lock()
	l, ok := a.listeners[addr.Resource()]
	delete(a.listeners, addr.Resource())
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrNotBound, addr.Resource())
	}
	l.closed.Store(true)
	a.log.InfoContext(ctx, "tcp unbound", slog.String("resource", addr.Resource()))
	return l.ln.Close()
}

type connector Transport

func (c *connector) Connect(ctx context.Context, addr *resource.Address, h transport.Handler, init transport.SessionInitializer) (*transport.ConnectFuture, error) {
	hp, err := hostPort(addr)
	if err != nil {
		return nil, err
	}
	future := transport.NewConnectFuture()
	go func() {
		nc, err := c.dialer.DialContext(ctx, "tcp", hp)
		if err != nil {
			future.Complete(nil, fmt.Errorf("dial %s: %w", hp, err))
			return
		}
		(*Transport)(c).start(nc, addr, h, init, channel.WithFuture(future))
	}()
	return future, nil
}

// conn adapts a net.Conn to session.Conn and feeds reads into the loop.
type conn struct {
	nc      net.Conn
	loop    *eventloop.Loop
	closing atomic.Bool
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.nc.Write(p)
	if n > 0 {
		c.loop.Post(eventloop.Event{Kind: eventloop.WriteComplete, N: n})
	}
	return n, err
}

func (c *conn) Close() error {
	c.closing.Store(true)
	return c.nc.Close()
}

func (c *conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

func (c *conn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.loop.Post(eventloop.Event{Kind: eventloop.Message, Msg: buffer.NewShared(data)})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !c.closing.Load() {
				c.loop.Post(eventloop.Event{Kind: eventloop.Exception, Err: err})
			}
			_ = c.nc.Close()
			c.loop.Post(eventloop.Event{Kind: eventloop.Closed})
			return
		}
	}
}
