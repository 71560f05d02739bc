package servicefile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/service"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "gatewayOriginSecurity": [
    {"tcp://localhost:8001": {"http://app.example.com": {"allowOrigin": "http://app.example.com"}}}
  ],
  "services": [
    {
      "type": "echo",
      "name": "echo",
      "accepts": ["tcp://localhost:8001"],
      "balances": ["ws://balancer.example.com:8001/echo"],
      "realm": {"name": "demo", "challengeScheme": "Basic"},
      "requiredRoles": ["user"],
      "properties": {"service.domain": "example.com"},
      "acceptOptions": {"tcp.bind": ":8001"}
    },
    {
      "type": "proxy",
      "name": "proxy",
      "accepts": ["pipe://proxy"],
      "connects": ["pipe://echo"],
      "connectInit": true
    }
  ]
}`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, f.Services, 2)

	d, ok := f.Lookup("echo")
	require.True(t, ok)
	got := f.Config(d)

	want := service.Config{
		Type:     "echo",
		Name:     "echo",
		Accepts:  []string{"tcp://localhost:8001"},
		Balances: []string{"ws://balancer.example.com:8001/echo"},
		GatewayOriginSecurity: []map[string]resource.Constraints{
			{"tcp://localhost:8001": {"http://app.example.com": {AllowOrigin: "http://app.example.com"}}},
		},
		Realm:         &service.Realm{Name: "demo", ChallengeScheme: "Basic"},
		RequiredRoles: []string{"user"},
		Properties:    map[string]string{service.PropServiceDomain: "example.com"},
		AcceptOptions: resource.Options{Values: map[string]string{"tcp.bind": ":8001"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	proxy, ok := f.Lookup("proxy")
	require.True(t, ok)
	require.True(t, f.Config(proxy).ConnectOptions.ConnectRequiresInit)
}

func TestParseRejectsBadFiles(t *testing.T) {
	tests := map[string]string{
		"unknown field":  `{"services": [{"name": "a", "bogus": 1}]}`,
		"missing name":   `{"services": [{"accepts": ["tcp://a:1"]}]}`,
		"bad accept uri": `{"services": [{"name": "a", "accepts": ["no-scheme"]}]}`,
		"not json":       `services:`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			require.Error(t, err)
		})
	}

	_, err := Parse(strings.NewReader(`{"services": [{"name": "a"}, {"name": "a"}]}`))
	require.ErrorIs(t, err, ErrDuplicateService)
}

func TestDiff(t *testing.T) {
	old := &File{Services: []Definition{
		{Name: "a", Accepts: []string{"pipe://a"}},
		{Name: "b", Accepts: []string{"pipe://b"}},
		{Name: "c", Accepts: []string{"pipe://c"}},
	}}
	next := &File{Services: []Definition{
		{Name: "a", Accepts: []string{"pipe://a"}},
		{Name: "b", Accepts: []string{"pipe://b2"}},
		{Name: "d", Accepts: []string{"pipe://d"}},
	}}

	require.Equal(t, Changes{Added: []string{"d"}, Removed: []string{"c"}, Changed: []string{"b"}}, Diff(old, next))
	require.True(t, Diff(next, next).Empty())
	require.Equal(t, []string{"a", "b", "d"}, Diff(nil, next).Added)

	global := *next
	global.GatewayOriginSecurity = []map[string]resource.Constraints{{}}
	require.Equal(t, []string{"a", "b", "d"}, Diff(next, &global).Changed)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"services": []}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *File, 4)
	w := NewWatcher(path, WithDebounce(10*time.Millisecond))
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(f *File) {
			select {
			case reloads <- f:
			default:
			}
		})
	}()

	// The watch may not be registered yet, so keep rewriting until it is seen.
	var got *File
	require.Eventually(t, func() bool {
		select {
		case got = <-reloads:
			return true
		default:
		}
		_ = os.WriteFile(path, []byte(sample), 0o600)
		return false
	}, 5*time.Second, 50*time.Millisecond)
	require.Len(t, got.Services, 2)

	cancel()
	require.NoError(t, <-done)
}
