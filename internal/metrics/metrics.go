// Package metrics exports a custom prometheus.Collector over the running
// state of internal/conntrack, internal/orchestrator and internal/health,
// so scraping never touches map state directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xdplb/xdplb/internal/weight"
)

// Snapshot is the point-in-time state Collect pulls from on each scrape.
// Callers (internal/app) provide a function returning the current
// snapshot rather than handing the collector direct references to the
// orchestrator/health/conntrack packages, keeping this package free of
// those import edges.
type Snapshot struct {
	Proxies []ProxySnapshot
}

// ProxySnapshot is one proxy's current target-level state.
type ProxySnapshot struct {
	Proxy   string
	Targets []TargetSnapshot
}

// TargetSnapshot is one target's weight/health/connection state.
type TargetSnapshot struct {
	Target           weight.Target
	ConfiguredWeight uint16
	EffectiveWeight  uint16
	Healthy          bool
	Draining         bool
	Circuit          weight.CircuitState
	ConnCount        uint64
}

// Source supplies the current Snapshot on demand.
type Source func() Snapshot

// Collector is a prometheus.Collector over a Source.
type Collector struct {
	source Source

	configuredWeight *prometheus.Desc
	effectiveWeight  *prometheus.Desc
	healthy          *prometheus.Desc
	draining         *prometheus.Desc
	circuitOpen      *prometheus.Desc
	connCount        *prometheus.Desc
}

// New returns a Collector that calls source on every scrape.
func New(source Source) *Collector {
	labels := []string{"proxy", "target"}
	return &Collector{
		source: source,
		configuredWeight: prometheus.NewDesc(
			"xdplb_target_configured_weight", "Configured weight for a target (1..100).", labels, nil),
		effectiveWeight: prometheus.NewDesc(
			"xdplb_target_effective_weight", "Current effective weight for a target after the weight pipeline.", labels, nil),
		healthy: prometheus.NewDesc(
			"xdplb_target_healthy", "1 if the target's last health probe was successful, 0 otherwise.", labels, nil),
		draining: prometheus.NewDesc(
			"xdplb_target_draining", "1 if the target is currently draining.", labels, nil),
		circuitOpen: prometheus.NewDesc(
			"xdplb_target_circuit_open", "1 if the target's circuit breaker is open or half-open.", labels, nil),
		connCount: prometheus.NewDesc(
			"xdplb_target_connection_count", "Current tracked connection count for a target.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.configuredWeight
	ch <- c.effectiveWeight
	ch <- c.healthy
	ch <- c.draining
	ch <- c.circuitOpen
	ch <- c.connCount
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.source()

	for _, proxy := range snapshot.Proxies {
		for _, t := range proxy.Targets {
			targetLabel := t.Target.Addr.String()
			ch <- prometheus.MustNewConstMetric(c.configuredWeight, prometheus.GaugeValue, float64(t.ConfiguredWeight), proxy.Proxy, targetLabel)
			ch <- prometheus.MustNewConstMetric(c.effectiveWeight, prometheus.GaugeValue, float64(t.EffectiveWeight), proxy.Proxy, targetLabel)
			ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, boolToFloat(t.Healthy), proxy.Proxy, targetLabel)
			ch <- prometheus.MustNewConstMetric(c.draining, prometheus.GaugeValue, boolToFloat(t.Draining), proxy.Proxy, targetLabel)
			ch <- prometheus.MustNewConstMetric(c.circuitOpen, prometheus.GaugeValue, boolToFloat(t.Circuit != weight.CircuitClosed), proxy.Proxy, targetLabel)
			ch <- prometheus.MustNewConstMetric(c.connCount, prometheus.GaugeValue, float64(t.ConnCount), proxy.Proxy, targetLabel)
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
