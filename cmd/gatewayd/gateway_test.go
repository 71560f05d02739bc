package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ggoodman/gatewaycore/balancer"
	"github.com/ggoodman/gatewaycore/buffer"
	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/ggoodman/gatewaycore/cluster/memory"
	"github.com/ggoodman/gatewaycore/internal/servicefile"
	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/session"
	"github.com/ggoodman/gatewaycore/transport"
	"github.com/ggoodman/gatewaycore/transport/pipe"
	"github.com/stretchr/testify/require"
)

const balanceURI = "ws://balancer.example.com/echo"

func testGateway(t *testing.T) (*gateway, *pipe.Transport, *balancer.State) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pipe.New()
	transports := transport.NewRegistry()
	transports.Register(pipe.Scheme, p, false)
	bal := balancer.New(cluster.Context{Collections: memory.New(), LocalMember: "m1"})
	return newGateway(transports, resource.NewFactory(), bal, nil, log), p, bal
}

func boundNames(g *gateway) map[string][]string {
	out := map[string][]string{}
	for _, m := range g.Services() {
		for _, b := range m.Bindings() {
			out[m.Config().Name] = append(out[m.Config().Name], b.URI)
		}
	}
	return out
}

func TestApplyReconciles(t *testing.T) {
	ctx := context.Background()
	g, _, bal := testGateway(t)

	first := &servicefile.File{Services: []servicefile.Definition{
		{Name: "a", Accepts: []string{"pipe://a"}, Balances: []string{balanceURI}},
		{Name: "b", Accepts: []string{"pipe://b"}},
	}}
	require.NoError(t, g.apply(ctx, first))
	require.Equal(t, map[string][]string{"a": {"pipe://a"}, "b": {"pipe://b"}}, boundNames(g))
	targets, err := bal.Targets(ctx, balanceURI)
	require.NoError(t, err)
	require.Equal(t, []string{"pipe://a"}, targets)

	second := &servicefile.File{Services: []servicefile.Definition{
		{Name: "a", Accepts: []string{"pipe://a2"}, Balances: []string{balanceURI}},
		{Name: "c", Accepts: []string{"pipe://c"}},
	}}
	require.NoError(t, g.apply(ctx, second))
	require.Equal(t, map[string][]string{"a": {"pipe://a2"}, "c": {"pipe://c"}}, boundNames(g))
	targets, err = bal.Targets(ctx, balanceURI)
	require.NoError(t, err)
	require.Equal(t, []string{"pipe://a2"}, targets)

	// Reapplying the same file changes nothing.
	services := g.Services()
	require.NoError(t, g.apply(ctx, second))
	require.Equal(t, services, g.Services())

	require.NoError(t, g.shutdown(ctx))
	require.Empty(t, g.Services())
	records, err := bal.Records(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestEchoThroughGateway(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, p, _ := testGateway(t)
	require.NoError(t, g.apply(ctx, &servicefile.File{Services: []servicefile.Definition{
		{Name: "echo", Accepts: []string{"pipe://echo"}},
	}}))

	addr, err := resource.NewAddress("pipe://echo", "", resource.Options{}, nil)
	require.NoError(t, err)
	replies := make(chan string, 1)
	f, err := p.Connector(addr).Connect(ctx, addr, &session.HandlerFuncs{
		OnMessage: func(_ *session.Session, msg any) { replies <- msg.(buffer.View).String() },
	}, nil)
	require.NoError(t, err)
	s, err := f.Wait(ctx)
	require.NoError(t, err)

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	select {
	case got := <-replies:
		require.Equal(t, "ping", got)
	case <-ctx.Done():
		t.Fatal("no echo")
	}
	require.Eventually(t, func() bool { return len(g.Services()[0].ActiveSessions()) == 1 }, 5*time.Second, time.Millisecond)

	// Stopping the service closes its sessions.
	require.NoError(t, g.shutdown(ctx))
	require.Eventually(t, s.IsClosed, 5*time.Second, time.Millisecond)
}

func TestConnectInitFollowsService(t *testing.T) {
	ctx := context.Background()
	g, p, _ := testGateway(t)
	def := servicefile.Definition{
		Name:        "proxy",
		Accepts:     []string{"pipe://proxy"},
		Connects:    []string{"pipe://upstream"},
		ConnectInit: true,
	}
	require.NoError(t, g.apply(ctx, &servicefile.File{Services: []servicefile.Definition{def}}))

	upstream, err := resource.NewAddress("pipe://upstream", "", resource.Options{}, nil)
	require.NoError(t, err)
	require.True(t, p.Initialized(upstream))

	require.NoError(t, g.apply(ctx, &servicefile.File{}))
	require.False(t, p.Initialized(upstream))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("IDLE_TIMEOUT", "30s")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("MEMBER_ID", "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 30*time.Second, cfg.IdleTimeout)
	require.Equal(t, "services.json", cfg.ServicesFile)
	require.True(t, cfg.WatchServices)
	require.Empty(t, cfg.RedisAddr)

	var buf bytes.Buffer
	log, err := cfg.logger(&buf)
	require.NoError(t, err)
	log.Debug("gateway.test")
	require.Contains(t, buf.String(), "msg=gateway.test")

	cfg.LogFormat = "json"
	buf.Reset()
	log, err = cfg.logger(&buf)
	require.NoError(t, err)
	log.Info("gateway.test")
	require.Contains(t, buf.String(), `"msg":"gateway.test"`)

	cfg.LogFormat = "xml"
	_, err = cfg.logger(&buf)
	require.Error(t, err)

	cfg.LogFormat = "text"
	cfg.LogLevel = "loud"
	_, err = cfg.logger(&buf)
	require.Error(t, err)
}
