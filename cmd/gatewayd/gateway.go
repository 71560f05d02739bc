package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/ggoodman/gatewaycore/balancer"
	"github.com/ggoodman/gatewaycore/buffer"
	"github.com/ggoodman/gatewaycore/internal/metrics"
	"github.com/ggoodman/gatewaycore/internal/servicefile"
	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/service"
	"github.com/ggoodman/gatewaycore/session"
	"github.com/ggoodman/gatewaycore/transport"
)

// echoHandler writes every message back to its sender and closes sessions
// that fail or go idle.
func echoHandler(log *slog.Logger) *session.HandlerFuncs {
	return &session.HandlerFuncs{
		OnMessage: func(s *session.Session, msg any) {
			v, ok := msg.(buffer.View)
			if !ok {
				return
			}
			if _, err := s.Write(v.Copy()); err != nil {
				log.Warn("echo.write.fail", slog.Uint64("session", s.ID()), slog.String("err", err.Error()))
			}
		},
		OnException: func(s *session.Session, err error) {
			log.Warn("session.exception", slog.Uint64("session", s.ID()), slog.String("err", err.Error()))
			_ = s.Close()
		},
		OnIdle: func(s *session.Session) { _ = s.Close() },
	}
}

// gateway runs the services of a service file and reconciles them when the
// file changes.
type gateway struct {
	transports *transport.Registry
	factory    resource.Factory
	balancer   *balancer.State
	metrics    *metrics.Metrics
	log        *slog.Logger
	handler    transport.Handler

	mu       sync.Mutex
	file     *servicefile.File
	services map[string]*service.Manager
}

func newGateway(transports *transport.Registry, factory resource.Factory, bal *balancer.State, mt *metrics.Metrics, log *slog.Logger) *gateway {
	return &gateway{
		transports: transports,
		factory:    factory,
		balancer:   bal,
		metrics:    mt,
		log:        log,
		handler:    echoHandler(log),
		services:   make(map[string]*service.Manager),
	}
}

// Services returns the running services ordered by name.
func (g *gateway) Services() []*service.Manager {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*service.Manager, 0, len(g.services))
	for _, m := range g.services {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config().Name < out[j].Config().Name })
	return out
}

// apply brings the running services in line with f. Removed and changed
// services are stopped before added and changed ones start, so a changed
// service never holds its old and new bindings at once.
func (g *gateway) apply(ctx context.Context, f *servicefile.File) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	changes := servicefile.Diff(g.file, f)
	g.file = f
	if changes.Empty() {
		return nil
	}
	g.log.InfoContext(ctx, "gateway.apply",
		slog.Any("added", changes.Added),
		slog.Any("removed", changes.Removed),
		slog.Any("changed", changes.Changed),
	)

	var errs error
	for _, name := range append(changes.Removed, changes.Changed...) {
		errs = multierr.Append(errs, g.stopLocked(ctx, name))
	}
	for _, name := range append(changes.Added, changes.Changed...) {
		d, _ := f.Lookup(name)
		errs = multierr.Append(errs, g.startLocked(ctx, f.Config(d)))
	}
	return errs
}

func (g *gateway) startLocked(ctx context.Context, cfg service.Config) error {
	m := service.New(cfg, g.transports, g.factory,
		service.WithBalancer(g.balancer),
		service.WithMetrics(g.metrics),
		service.WithLogger(g.log),
	)
	g.services[cfg.Name] = m
	m.Start(ctx)
	if err := m.BindConnectsIfNecessary(ctx, cfg.Connects); err != nil {
		return fmt.Errorf("service %q: %w", cfg.Name, err)
	}
	if err := m.Bind(ctx, cfg.Accepts, g.handler); err != nil {
		return fmt.Errorf("service %q: %w", cfg.Name, err)
	}
	return nil
}

func (g *gateway) stopLocked(ctx context.Context, name string) error {
	m, ok := g.services[name]
	if !ok {
		return nil
	}
	delete(g.services, name)
	defer m.Stop(ctx)

	cfg := m.Config()
	var errs error
	if err := m.Unbind(ctx, cfg.Accepts, g.handler); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("service %q: %w", name, err))
	}
	if err := m.UnbindConnectsIfNecessary(ctx, cfg.Connects); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("service %q: %w", name, err))
	}
	for _, s := range m.ActiveSessions() {
		_ = s.Close()
	}
	return errs
}

// shutdown stops every service and drops whatever balancer state this
// member still owns.
func (g *gateway) shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs error
	for name := range g.services {
		errs = multierr.Append(errs, g.stopLocked(ctx, name))
	}
	g.file = nil
	if g.balancer != nil {
		errs = multierr.Append(errs, g.balancer.Leave(ctx, g.balancer.LocalMember()))
	}
	return errs
}
