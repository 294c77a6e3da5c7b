package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicConfig() *Config {
	cfg := DefaultConfig()
	cfg.Proxies = []ProxyConfig{
		{
			Name:   "web",
			Listen: ListenConfig{Interfaces: []string{"eth0"}, Port: 80},
			Default: TargetGroupConfig{Targets: []WeightedTargetConfig{
				{IP: "10.0.0.1", Port: 8080, Weight: 50},
				{IP: "10.0.0.2", Port: 8080, Weight: 50},
			}},
		},
	}
	return cfg
}

func TestValidate_WeightsMustSumTo100(t *testing.T) {
	cfg := basicConfig()
	cfg.Proxies[0].Default.Targets[0].Weight = 34
	cfg.Proxies[0].Default.Targets[1].Weight = 33
	require.Error(t, cfg.Validate())
}

func TestValidate_LoneTargetImplicitWeight(t *testing.T) {
	cfg := basicConfig()
	cfg.Proxies[0].Default.Targets = []WeightedTargetConfig{{IP: "10.0.0.1", Port: 8080}}
	require.NoError(t, cfg.Validate())
}

func TestValidate_BadCIDR(t *testing.T) {
	cfg := basicConfig()
	cfg.Proxies[0].SourceRoutes = []SourceRouteConfig{{
		CIDR:   "not-a-cidr",
		Target: cfg.Proxies[0].Default,
	}}
	require.Error(t, cfg.Validate())
}

func TestDiff_Empty(t *testing.T) {
	cfg := basicConfig()
	d := Diff(cfg, cfg)
	assert.True(t, d.Empty())
}

func TestDiff_AddedAndRemovedProxies(t *testing.T) {
	running := basicConfig()

	next := basicConfig()
	next.Proxies = next.Proxies[:0]
	next.Proxies = append(next.Proxies, ProxyConfig{
		Name:    "stream",
		Listen:  ListenConfig{Interfaces: []string{"eth1"}, Port: 443},
		Default: TargetGroupConfig{Targets: []WeightedTargetConfig{{IP: "10.0.1.1", Port: 443}}},
	})

	d := Diff(running, next)
	require.Len(t, d.AddedProxies, 1)
	require.Len(t, d.RemovedProxies, 1)
	assert.Equal(t, "stream", d.AddedProxies[0].Name)
	assert.Equal(t, "web", d.RemovedProxies[0].Name)
	assert.Empty(t, d.ModifiedProxies)
}

func TestDiff_ListenChangeForcesFullReload(t *testing.T) {
	running := basicConfig()
	next := basicConfig()
	next.Proxies[0].Listen.Port = 8443

	d := Diff(running, next)
	require.Len(t, d.ModifiedProxies, 1)
	assert.True(t, d.ModifiedProxies[0].ListenChanged)
}

func TestDiff_SourceRouteAddRemove(t *testing.T) {
	running := basicConfig()
	next := basicConfig()
	next.Proxies[0].SourceRoutes = []SourceRouteConfig{{
		CIDR:   "10.1.0.0/16",
		Target: next.Proxies[0].Default,
	}}

	d := Diff(running, next)
	require.Len(t, d.ModifiedProxies, 1)
	assert.Len(t, d.ModifiedProxies[0].AddedSourceRoutes, 1)
	assert.Empty(t, d.ModifiedProxies[0].RemovedSourceRoutes)
}

func TestDiff_SettingsOnlyChangeDoesNotTouchProxies(t *testing.T) {
	running := basicConfig()
	next := basicConfig()
	next.Settings.MaxConnections = running.Settings.MaxConnections + 1

	d := Diff(running, next)
	assert.NotEmpty(t, d.SettingsChanges)
	assert.Empty(t, d.AddedProxies)
	assert.Empty(t, d.RemovedProxies)
	assert.Empty(t, d.ModifiedProxies)
}

// sourceRoutesByCIDR orders a []SourceRouteConfig slice for comparison; Diff
// walks a map internally, so AddedSourceRoutes/RemovedSourceRoutes arrive in
// an arbitrary order.
func sourceRoutesByCIDR(a, b SourceRouteConfig) bool { return a.CIDR < b.CIDR }

func TestDiff_MultipleSourceRoutesOrderIndependent(t *testing.T) {
	running := basicConfig()
	running.Proxies[0].SourceRoutes = []SourceRouteConfig{
		{CIDR: "10.1.0.0/16", Target: running.Proxies[0].Default},
		{CIDR: "10.2.0.0/16", Target: running.Proxies[0].Default},
	}

	next := basicConfig()
	next.Proxies[0].SourceRoutes = []SourceRouteConfig{
		{CIDR: "10.2.0.0/16", Target: next.Proxies[0].Default},
		{CIDR: "10.3.0.0/16", Target: next.Proxies[0].Default},
	}

	d := Diff(running, next)
	require.Len(t, d.ModifiedProxies, 1)

	wantAdded := []SourceRouteConfig{{CIDR: "10.3.0.0/16", Target: next.Proxies[0].Default}}
	wantRemoved := []SourceRouteConfig{{CIDR: "10.1.0.0/16", Target: running.Proxies[0].Default}}

	sortRoutes := cmpopts.SortSlices(sourceRoutesByCIDR)
	if diff := cmp.Diff(wantAdded, d.ModifiedProxies[0].AddedSourceRoutes, sortRoutes); diff != "" {
		t.Errorf("added source routes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRemoved, d.ModifiedProxies[0].RemovedSourceRoutes, sortRoutes); diff != "" {
		t.Errorf("removed source routes mismatch (-want +got):\n%s", diff)
	}
}
