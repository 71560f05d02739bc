// Package pipe is an in-process transport. A "pipe://name" address bound by
// one service can be connected to by another in the same process; both ends
// get real sessions driven through the channel bridge, which makes it the
// transport of choice for tests and for wiring services together.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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
const Scheme = "pipe"

var (
	ErrAddressInUse      = errors.New("pipe: address already bound")
	ErrConnectionRefused = errors.New("pipe: connection refused")
	ErrNotInitialized    = errors.New("pipe: connector not initialized")
)

type listener struct {
	addr      *resource.Address
	handler   transport.Handler
	init      transport.SessionInitializer
	processor *session.LifecycleProcessor
}

// Transport implements transport.Transport for pipe addresses.
type Transport struct {
	idle    channel.IdleTracker
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	listeners map[string]*listener
	inits     map[string]int
	conns     atomic.Uint64
}

// Option customizes a Transport.
type Option func(*Transport)

func WithIdleTracker(t channel.IdleTracker) Option {
	return func(p *Transport) { p.idle = t }
}

func WithClock(c clock.Clock) Option {
	return func(p *Transport) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Transport) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Transport) { p.metrics = m }
}

func New(opts ...Option) *Transport {
	p := &Transport{
		clock:     clock.New(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		listeners: make(map[string]*listener),
		inits:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ transport.Transport          = (*Transport)(nil)
	_ transport.Acceptor           = (*acceptor)(nil)
	_ transport.Connector          = (*connector)(nil)
	_ transport.ConnectInitializer = (*connector)(nil)
)

func (p *Transport) Acceptor(*resource.Address) transport.Acceptor { return (*acceptor)(p) }

func (p *Transport) Connector(*resource.Address) transport.Connector { return (*connector)(p) }

// Bound reports whether addr's resource is bound.
func (p *Transport) Bound(addr *resource.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.listeners[addr.Resource()]
	return ok
}

// Initialized reports whether ConnectInit is in effect for addr's resource.
func (p *Transport) Initialized(addr *resource.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits[addr.Resource()] > 0
}

func (p *Transport) bridgeOptions() []channel.Option {
	return []channel.Option{
		channel.WithIdleTracker(p.idle),
		channel.WithClock(p.clock),
		channel.WithLogger(p.log),
		channel.WithMetrics(p.metrics),
	}
}

type acceptor Transport

func (a *acceptor) Bind(ctx context.Context, addr *resource.Address, h transport.Handler, init transport.SessionInitializer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := addr.Resource()
	if _, ok := a.listeners[key]; ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, key)
	}
	a.listeners[key] = &listener{
		addr:      addr,
		handler:   h,
		init:      init,
		processor: session.NewLifecycleProcessor(),
	}
	a.log.DebugContext(ctx, "pipe bound", slog.String("resource", key))
	return nil
}

func (a *acceptor) Unbind(ctx context.Context, addr *resource.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := addr.Resource()
	if _, ok := a.listeners[key]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrNotBound, key)
	}
	delete(a.listeners, key)
	a.log.DebugContext(ctx, "pipe unbound", slog.String("resource", key))
	return nil
}

type connector Transport

func (c *connector) ConnectInit(_ context.Context, addr *resource.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits[addr.Resource()]++
	return nil
}

func (c *connector) ConnectDestroy(_ context.Context, addr *resource.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := addr.Resource()
	if c.inits[key] <= 1 {
		delete(c.inits, key)
		return nil
	}
	c.inits[key]--
	return nil
}

func (c *connector) Connect(ctx context.Context, addr *resource.Address, h transport.Handler, init transport.SessionInitializer) (*transport.ConnectFuture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := (*Transport)(c)
	key := addr.Resource()

	c.mu.Lock()
	l, ok := c.listeners[key]
	inited := c.inits[key] > 0
	c.mu.Unlock()
	if addr.ConnectRequiresInit() && !inited {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, key)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, key)
	}

	id := c.conns.Add(1)
	pair := &connPair{}
	server := &conn{pair: pair, remote: fmt.Sprintf("pipe-client#%d", id)}
	client := &conn{pair: pair, remote: fmt.Sprintf("%s#%d", key, id)}
	server.peer, client.peer = client, server

	now := c.clock.Now()
	ss := session.New(l.addr, server, session.NewChain(l.handler), now)
	cs := session.New(addr, client, session.NewChain(h), now)

	future := transport.NewConnectFuture()
	server.loop = eventloop.New(channel.NewHandler(ss, l.init,
		append(p.bridgeOptions(), channel.WithProcessor(l.processor))...), c.log)
	client.loop = eventloop.New(channel.NewHandler(cs, init,
		append(p.bridgeOptions(), channel.WithFuture(future))...), c.log)

	// Both ends are connected before either loop runs, so a write made while
	// one side opens always lands behind the peer's Connected.
	server.loop.Post(eventloop.Event{Kind: eventloop.Connected})
	client.loop.Post(eventloop.Event{Kind: eventloop.Connected})
	go server.loop.Run()
	go client.loop.Run()
	return future, nil
}

type connPair struct {
	closed atomic.Bool
}

// conn is one end of a pipe. Writes become message events on the peer and
// write-complete events locally.
type conn struct {
	pair   *connPair
	peer   *conn
	loop   *eventloop.Loop
	remote string
}

func (c *conn) Write(p []byte) (int, error) {
	if c.pair.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	data := make([]byte, len(p))
	copy(data, p)
	if !c.peer.loop.Post(eventloop.Event{Kind: eventloop.Message, Msg: buffer.NewShared(data)}) {
		return 0, io.ErrClosedPipe
	}
	c.loop.Post(eventloop.Event{Kind: eventloop.WriteComplete, N: len(p)})
	return len(p), nil
}

func (c *conn) Close() error {
	if !c.pair.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.loop.Post(eventloop.Event{Kind: eventloop.Closed})
	c.peer.loop.Post(eventloop.Event{Kind: eventloop.Closed})
	return nil
}

func (c *conn) RemoteAddr() string { return c.remote }
