// Command gatewayd runs the services declared in a service file, echoing
// every message it receives, and serves an admin HTTP endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/gatewaycore/admin"
	"github.com/ggoodman/gatewaycore/balancer"
	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/ggoodman/gatewaycore/cluster/memory"
	"github.com/ggoodman/gatewaycore/cluster/redis"
	"github.com/ggoodman/gatewaycore/idle"
	"github.com/ggoodman/gatewaycore/internal/logctx"
	"github.com/ggoodman/gatewaycore/internal/metrics"
	"github.com/ggoodman/gatewaycore/internal/servicefile"
	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/transport"
	"github.com/ggoodman/gatewaycore/transport/pipe"
	"github.com/ggoodman/gatewaycore/transport/tcp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type provider interface {
	cluster.Provider
	io.Closer
}

func newProvider(cfg config) (provider, error) {
	if cfg.RedisAddr == "" {
		return memory.New(), nil
	}
	p, err := redis.New(redis.Config{RedisAddr: cfg.RedisAddr, KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func run(ctx context.Context, stderr io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := cfg.logger(stderr)
	if err != nil {
		return err
	}

	member := cluster.MemberID(cfg.MemberID)
	if member == "" {
		member = cluster.NewMemberID()
	}
	ctx = logctx.WithClusterData(ctx, &logctx.ClusterData{Member: member.String()})
	log = logctx.Wrap(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	collections, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("cluster provider: %w", err)
	}
	defer func() { _ = collections.Close() }()
	bal := balancer.New(cluster.Context{Collections: collections, LocalMember: member},
		balancer.WithLogger(log),
		balancer.WithMetrics(mt),
	)

	tracker := idle.NewTracker(cfg.IdleTimeout, idle.WithLogger(log), idle.WithMetrics(mt))
	transports := transport.NewRegistry()
	transports.Register(tcp.Scheme, tcp.New(tcp.WithIdleTracker(tracker), tcp.WithLogger(log), tcp.WithMetrics(mt)), false)
	transports.Register(pipe.Scheme, pipe.New(pipe.WithIdleTracker(tracker), pipe.WithLogger(log), pipe.WithMetrics(mt)), false)

	factory, err := resource.NewCachingFactory(resource.NewFactory(), 1024)
	if err != nil {
		return err
	}

	gw := newGateway(transports, factory, bal, mt, log)
	file, err := servicefile.Load(cfg.ServicesFile)
	if err != nil {
		return fmt.Errorf("load services: %w", err)
	}
	if err := gw.apply(ctx, file); err != nil {
		log.ErrorContext(ctx, "gateway.apply.fail", slog.String("err", err.Error()))
	}

	adminHandler, err := admin.New(admin.ServicesFunc(gw.Services),
		admin.WithLogger(log),
		admin.WithBalancer(bal),
		admin.WithGatherer(reg),
	)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           adminHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "admin.listen", slog.String("addr", cfg.AdminAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		if err := tracker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.WatchServices {
		g.Go(func() error {
			w := servicefile.NewWatcher(cfg.ServicesFile, servicefile.WithLogger(log))
			return w.Run(gctx, func(f *servicefile.File) {
				if err := gw.apply(gctx, f); err != nil {
					log.ErrorContext(gctx, "gateway.apply.fail", slog.String("err", err.Error()))
				}
			})
		})
	}

	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := gw.shutdown(sctx); serr != nil {
		log.ErrorContext(sctx, "gateway.shutdown.fail", slog.String("err", serr.Error()))
	}
	log.InfoContext(sctx, "gateway.stopped")
	return err
}
