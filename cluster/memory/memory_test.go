package memory

import (
	"testing"

	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/ggoodman/gatewaycore/cluster/clustertest"
)

func TestMemoryProvider(t *testing.T) {
	clustertest.RunProviderTests(t, func(t *testing.T) cluster.Provider {
		p := New()
		t.Cleanup(func() { _ = p.Close() })
		return p
	})
}

func TestClosedProviderServesNoMaps(t *testing.T) {
	p := New()
	if _, ok := p.Map("balancerMap"); !ok {
		t.Fatal("expected map before close")
	}
	_ = p.Close()
	if _, ok := p.Map("balancerMap"); ok {
		t.Fatal("expected no map after close")
	}
}
