// Package service binds a service's accept URIs to transports, keeps the
// registry of its live sessions and publishes its balance targets to the
// cluster.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/ggoodman/gatewaycore/balancer"
	"github.com/ggoodman/gatewaycore/internal/logctx"
	"github.com/ggoodman/gatewaycore/internal/metrics"
	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/session"
	"github.com/ggoodman/gatewaycore/transport"
)

// registryFilterName is the pipeline filter the default initializer installs.
const registryFilterName = "service"

// Binding is a bound accept address and the handler serving it.
type Binding struct {
	URI     string
	Address *resource.Address
	Handler transport.Handler
}

type bindingEntry struct {
	address *resource.Address
	handler transport.Handler
	// ready is closed once the physical bind finished, successfully or not.
	ready chan struct{}
	err   error
}

// Manager is the binding manager of one service.
type Manager struct {
	cfg        Config
	transports *transport.Registry
	factory    resource.Factory
	balancer   *balancer.State
	sessions   *session.Registry
	log        *slog.Logger
	metrics    *metrics.Metrics

	initializer atomic.Pointer[transport.SessionInitializer]
	bindings    sync.Map // uri -> *bindingEntry
	started     atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Its handler is wrapped so records carry the
// service, bind and session groups stored in the context.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = logctx.Wrap(l)
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithBalancer enables balance target publication.
func WithBalancer(b *balancer.State) Option {
	return func(m *Manager) { m.balancer = b }
}

// WithRegistry shares a session registry between managers.
func WithRegistry(r *session.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.sessions = r
		}
	}
}

// New creates a Manager for cfg. Addresses are resolved with factory and
// bound through the transports registered in transports.
func New(cfg Config, transports *transport.Registry, factory resource.Factory, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		transports: transports,
		factory:    factory,
		sessions:   &session.Registry{},
		log:        slog.New(logctx.Handler{Handler: slog.NewTextHandler(io.Discard, nil)}),
	}
	for _, opt := range opts {
		opt(m)
	}
	init := transport.SessionInitializer(m.defaultInitializer)
	m.initializer.Store(&init)
	return m
}

// Config returns the service configuration.
func (m *Manager) Config() Config { return m.cfg }

// Start marks the service started. It reports false when it already was.
func (m *Manager) Start(ctx context.Context) bool {
	if !m.started.CompareAndSwap(false, true) {
		return false
	}
	m.log.InfoContext(m.context(ctx), "service.start")
	return true
}

// Stop marks the service stopped. It reports false when it was not started.
func (m *Manager) Stop(ctx context.Context) bool {
	if !m.started.CompareAndSwap(true, false) {
		return false
	}
	m.log.InfoContext(m.context(ctx), "service.stop")
	return true
}

func (m *Manager) Started() bool { return m.started.Load() }

// SetSessionInitializer replaces the default session initializer. A nil
// initializer restores the default.
func (m *Manager) SetSessionInitializer(init transport.SessionInitializer) {
	if init == nil {
		init = m.defaultInitializer
	}
	m.initializer.Store(&init)
}

// SessionInitializer returns the initializer composed ahead of every
// caller-supplied one.
func (m *Manager) SessionInitializer() transport.SessionInitializer {
	return *m.initializer.Load()
}

// defaultInitializer tracks the session in the active session registry for
// as long as it is open.
func (m *Manager) defaultInitializer(s *session.Session) error {
	return s.Pipeline().AddLast(registryFilterName, session.FilterFunc(func(s *session.Session, ev session.Event, next func(session.Event)) {
		switch ev.Kind {
		case session.KindOpened:
			m.AddActiveSession(s)
		case session.KindClosed:
			m.RemoveActiveSession(s)
		}
		next(ev)
	}))
}

// ActiveSessions returns the service's open sessions ordered by id.
func (m *Manager) ActiveSessions() []*session.Session { return m.sessions.All() }

// ActiveSession returns the open session with id, or nil.
func (m *Manager) ActiveSession(id uint64) *session.Session {
	s, _ := m.sessions.Get(id)
	return s
}

func (m *Manager) AddActiveSession(s *session.Session) {
	if m.sessions.Add(s) {
		m.metrics.SessionAdded()
	}
}

func (m *Manager) RemoveActiveSession(s *session.Session) {
	if m.sessions.Remove(s.ID()) {
		m.metrics.SessionRemoved()
	}
}

// Bindings returns the bound addresses ordered by URI.
func (m *Manager) Bindings() []Binding {
	var out []Binding
	m.bindings.Range(func(k, v any) bool {
		e := v.(*bindingEntry)
		select {
		case <-e.ready:
			if e.err == nil {
				out = append(out, Binding{URI: k.(string), Address: e.address, Handler: e.handler})
			}
		default:
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

type bindOptions struct {
	acceptOptions *resource.Options
	init          transport.SessionInitializer
}

// BindOption customizes a single Bind call.
type BindOption func(*bindOptions)

// WithAcceptOptions replaces the service's accept option defaults.
func WithAcceptOptions(o resource.Options) BindOption {
	return func(b *bindOptions) { b.acceptOptions = &o }
}

// WithSessionInitializer runs init on each accepted session after the
// service's own initializer.
func WithSessionInitializer(init transport.SessionInitializer) BindOption {
	return func(b *bindOptions) { b.init = init }
}

// Bind binds every URI in uris to h. URIs already bound to h are left alone;
// a URI bound to another handler fails with ErrPreconditionFailed. A
// transport refusal is returned as a *BindError and leaves that address
// unregistered; addresses bound before it stay bound.
//
// When the service balances and every bound URI is one of its accept URIs,
// the accept URIs are published as balance targets after the physical bind.
func (m *Manager) Bind(ctx context.Context, uris []string, h transport.Handler, opts ...BindOption) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	bo := bindOptions{}
	for _, opt := range opts {
		opt(&bo)
	}
	defaults := m.cfg.AcceptOptions
	if bo.acceptOptions != nil {
		defaults = *bo.acceptOptions
	}

	ctx = m.context(ctx)
	schemes, groups, err := transport.Group(uris)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	for _, scheme := range schemes {
		t, err := m.transports.ForScheme(scheme)
		if err != nil {
			return err
		}
		for _, uri := range groups[scheme] {
			if err := m.bindOne(ctx, t, uri, h, defaults, bo.init); err != nil {
				return err
			}
		}
	}

	if m.balancer != nil && len(m.cfg.Balances) > 0 && isSubset(uris, m.cfg.Accepts) {
		if err := m.balancer.Publish(ctx, m.cfg.Balances, m.cfg.Accepts); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) bindOne(ctx context.Context, t transport.Transport, uri string, h transport.Handler, defaults resource.Options, init transport.SessionInitializer) error {
	entry := &bindingEntry{handler: h, ready: make(chan struct{})}
	if v, loaded := m.bindings.LoadOrStore(uri, entry); loaded {
		existing := v.(*bindingEntry)
		if existing.handler != h {
			return fmt.Errorf("%w: %s is bound to another handler", ErrPreconditionFailed, uri)
		}
		select {
		case <-existing.ready:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := m.physicalBind(ctx, t, uri, entry, defaults, init)
	entry.err = err
	close(entry.ready)
	if err != nil {
		m.bindings.CompareAndDelete(uri, entry)
	}
	return err
}

func (m *Manager) physicalBind(ctx context.Context, t transport.Transport, uri string, entry *bindingEntry, defaults resource.Options, init transport.SessionInitializer) error {
	addr, err := m.factory.Resolve(uri, m.addressOptions(uri, defaults))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	entry.address = addr

	ctx = logctx.WithBindData(ctx, &logctx.BindData{URI: uri, Scheme: addr.Scheme()})
	acceptor := t.Acceptor(addr)
	if acceptor == nil {
		err = &BindError{Address: addr, Err: ErrUnsupported}
	} else if berr := acceptor.Bind(ctx, addr, entry.handler, transport.ComposeInitializers(m.SessionInitializer(), init)); berr != nil {
		err = &BindError{Address: addr, Err: berr}
	}
	m.metrics.Bound(addr.Scheme(), err)
	if err != nil {
		m.log.ErrorContext(ctx, "service.bind.fail", slog.String("err", err.Error()))
		return err
	}
	m.log.InfoContext(ctx, "service.bind")
	return nil
}

// Unbind unbinds every URI in uris from h. It fails with
// ErrPreconditionFailed, changing nothing, when any URI is bound to a
// different handler. URIs that are not bound are skipped.
//
// Balance targets are retracted before any acceptor is unbound so no member
// routes new connections to listeners that are going away.
func (m *Manager) Unbind(ctx context.Context, uris []string, h transport.Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	ctx = m.context(ctx)

	entries := make(map[string]*bindingEntry, len(uris))
	for _, uri := range uris {
		v, ok := m.bindings.Load(uri)
		if !ok {
			continue
		}
		e := v.(*bindingEntry)
		if e.handler != h {
			return fmt.Errorf("%w: %s is bound to another handler", ErrPreconditionFailed, uri)
		}
		entries[uri] = e
	}

	if m.balancer != nil && len(m.cfg.Balances) > 0 {
		if err := m.balancer.Retract(ctx, m.cfg.Balances, m.cfg.Accepts); err != nil {
			return err
		}
	}

	var errs error
	for _, uri := range uris {
		e, ok := entries[uri]
		if !ok {
			continue
		}
		select {
		case <-e.ready:
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
		if !m.bindings.CompareAndDelete(uri, e) || e.err != nil {
			continue
		}
		errs = multierr.Append(errs, m.physicalUnbind(ctx, e))
	}
	return errs
}

func (m *Manager) physicalUnbind(ctx context.Context, e *bindingEntry) error {
	addr := e.address
	ctx = logctx.WithBindData(ctx, &logctx.BindData{URI: addr.URI(), Scheme: addr.Scheme()})
	t, err := m.transports.ForScheme(addr.Scheme())
	if err != nil {
		return err
	}
	acceptor := t.Acceptor(addr)
	if acceptor == nil {
		return fmt.Errorf("unbind %s: %w", addr.Resource(), ErrUnsupported)
	}
	err = acceptor.Unbind(ctx, addr)
	m.metrics.Unbound(addr.Scheme(), err)
	if err != nil {
		m.log.ErrorContext(ctx, "service.unbind.fail", slog.String("err", err.Error()))
		return fmt.Errorf("unbind %s: %w", addr.Resource(), err)
	}
	m.log.InfoContext(ctx, "service.unbind")
	return nil
}

// Connect resolves uri with the service's connect option defaults and
// connects to it.
func (m *Manager) Connect(ctx context.Context, uri string, h transport.Handler, init transport.SessionInitializer) (*transport.ConnectFuture, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	addr, err := m.factory.Resolve(uri, m.cfg.ConnectOptions.Clone())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return m.ConnectAddress(ctx, addr, h, init)
}

// ConnectAddress connects to a resolved address with the transport of its
// scheme. Sessions run the service initializer, then init.
func (m *Manager) ConnectAddress(ctx context.Context, addr *resource.Address, h transport.Handler, init transport.SessionInitializer) (*transport.ConnectFuture, error) {
	if h == nil || addr == nil {
		return nil, fmt.Errorf("%w: nil handler or address", ErrInvalidArgument)
	}
	ctx = logctx.WithBindData(m.context(ctx), &logctx.BindData{URI: addr.URI(), Scheme: addr.Scheme()})
	t, err := m.transports.ForScheme(addr.Scheme())
	if err != nil {
		return nil, err
	}
	connector := t.Connector(addr)
	if connector == nil {
		return nil, fmt.Errorf("connect %s: %w", addr.Resource(), ErrUnsupported)
	}
	f, err := connector.Connect(ctx, addr, h, transport.ComposeInitializers(m.SessionInitializer(), init))
	if err != nil {
		m.log.ErrorContext(ctx, "service.connect.fail", slog.String("err", err.Error()))
		return nil, err
	}
	return f, nil
}

// BindConnectsIfNecessary runs ConnectInit for the first layer of each
// connect URI's transport chain that requires it.
func (m *Manager) BindConnectsIfNecessary(ctx context.Context, uris []string) error {
	return m.walkConnects(ctx, uris, func(ctx context.Context, ci transport.ConnectInitializer, addr *resource.Address) error {
		return ci.ConnectInit(ctx, addr)
	})
}

// UnbindConnectsIfNecessary reverses BindConnectsIfNecessary.
func (m *Manager) UnbindConnectsIfNecessary(ctx context.Context, uris []string) error {
	return m.walkConnects(ctx, uris, func(ctx context.Context, ci transport.ConnectInitializer, addr *resource.Address) error {
		return ci.ConnectDestroy(ctx, addr)
	})
}

func (m *Manager) walkConnects(ctx context.Context, uris []string, fn func(context.Context, transport.ConnectInitializer, *resource.Address) error) error {
	ctx = m.context(ctx)
	var errs error
	for _, uri := range uris {
		addr, err := m.factory.Resolve(uri, m.addressOptions(uri, m.cfg.ConnectOptions))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %v", ErrInvalidArgument, err))
			continue
		}
		errs = multierr.Append(errs, m.initConnect(ctx, addr, fn))
	}
	return errs
}

func (m *Manager) initConnect(ctx context.Context, addr *resource.Address, fn func(context.Context, transport.ConnectInitializer, *resource.Address) error) error {
	for a := addr; a != nil; a = a.Transport() {
		if !a.ConnectRequiresInit() {
			continue
		}
		t, err := m.transports.ForScheme(a.Scheme())
		if err != nil {
			return err
		}
		ci, ok := t.Connector(a).(transport.ConnectInitializer)
		if !ok {
			return fmt.Errorf("connect init %s: %w", a.Resource(), ErrUnsupported)
		}
		return fn(ctx, ci, a)
	}
	return nil
}

func (m *Manager) context(ctx context.Context) context.Context {
	return logctx.WithServiceData(ctx, &logctx.ServiceData{Type: m.cfg.Type, Name: m.cfg.Name})
}

func isSubset(uris, of []string) bool {
	for _, u := range uris {
		if !slices.Contains(of, u) {
			return false
		}
	}
	return true
}

// IsBindError reports whether err came from a transport refusing a bind.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}
