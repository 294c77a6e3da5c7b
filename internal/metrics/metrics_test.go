package metrics

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/xdplb/xdplb/internal/weight"
)

func TestCollect_EmitsOneSeriesPerTarget(t *testing.T) {
	snapshot := Snapshot{
		Proxies: []ProxySnapshot{{
			Proxy: "web",
			Targets: []TargetSnapshot{{
				Target:           weight.Target{Addr: netip.MustParseAddr("10.0.1.1"), Port: 8080},
				ConfiguredWeight: 70,
				EffectiveWeight:  70,
				Healthy:          true,
				ConnCount:        4,
			}},
		}},
	}

	c := New(func() Snapshot { return snapshot })
	metrics := make(chan prometheus.Metric, 32)
	c.Collect(metrics)
	close(metrics)

	count := 0
	for range metrics {
		count++
	}
	require.Equal(t, 6, count, "one metric per descriptor for the single target")
}

func TestDescribe_ReportsSixDescriptors(t *testing.T) {
	c := New(func() Snapshot { return Snapshot{} })
	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)

	count := 0
	for range descs {
		count++
	}
	require.Equal(t, 6, count)
}
