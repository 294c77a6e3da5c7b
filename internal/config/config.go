// Package config parses the declarative YAML configuration into typed
// records, validates it, and computes minimal diffs between two
// configurations. It is the single source of truth for control-plane
// state; every other package works from a *Config or a ConfigDiff, never
// from raw YAML.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/xdplb/xdplb/internal/weight"
)

// HealthCheckConfig is the YAML-facing shape of weight.HealthCheckDescriptor.
type HealthCheckConfig struct {
	Kind               string        `yaml:"kind"` // "tcp" or "http"
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	HTTPPath           string        `yaml:"http_path,omitempty"`
}

// WeightedTargetConfig is one target entry inside a target group.
type WeightedTargetConfig struct {
	IP       string             `yaml:"ip,omitempty"`
	Hostname string             `yaml:"hostname,omitempty"`
	Port     uint16             `yaml:"port"`
	Weight   uint16             `yaml:"weight"`
	Health   *HealthCheckConfig `yaml:"health,omitempty"`
}

// TargetGroupConfig is an ordered list of weighted targets. A group is a
// DNS group iff any member sets Hostname instead of IP.
type TargetGroupConfig struct {
	Targets []WeightedTargetConfig `yaml:"targets"`
}

// IsDNS reports whether any target in the group is a hostname pending
// resolution.
func (g TargetGroupConfig) IsDNS() bool {
	for _, t := range g.Targets {
		if t.Hostname != "" {
			return true
		}
	}
	return false
}

// SourceRouteConfig is an LPM entry: a CIDR plus the group it routes to.
type SourceRouteConfig struct {
	CIDR   string            `yaml:"cidr"`
	Target TargetGroupConfig `yaml:"target"`
}

// SNIRouteConfig is an exact-match SNI hostname entry.
type SNIRouteConfig struct {
	Hostname string            `yaml:"hostname"`
	Target   TargetGroupConfig `yaml:"target"`
}

// ListenConfig is the interface set and port a proxy binds.
type ListenConfig struct {
	Interfaces []string `yaml:"interfaces"`
	Port       uint16   `yaml:"port"`
}

// ProxyConfig is one named proxy: its listen spec, default target group,
// and source/SNI routes.
type ProxyConfig struct {
	Name               string              `yaml:"name"`
	Listen             ListenConfig        `yaml:"listen"`
	Default            TargetGroupConfig   `yaml:"default"`
	SourceRoutes       []SourceRouteConfig `yaml:"source_routes,omitempty"`
	SNIRoutes          []SNIRouteConfig    `yaml:"sni_routes,omitempty"`
	SessionPersistence bool                `yaml:"session_persistence,omitempty"`
}

// AccessLogConfig backs internal/accesslog's timberjack-rotated writer.
type AccessLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RateLimitConfig backs the default rate-limit map provisioning.
type RateLimitConfig struct {
	DefaultRatePerSecond float64 `yaml:"default_rate_per_second"`
	DefaultBurst         uint64  `yaml:"default_burst"`
}

// CircuitBreakerConfig is the default circuit-breaker tuning applied to a
// target unless overridden.
type CircuitBreakerConfig struct {
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	WindowSize         time.Duration `yaml:"window_size"`
	MinimumRequests    uint64        `yaml:"minimum_requests"`
	CooldownPeriod     time.Duration `yaml:"cooldown_period"`
}

// Settings are the global, non-per-proxy knobs.
type Settings struct {
	StatsEnabled          bool                  `yaml:"stats_enabled"`
	ConnTimeoutSeconds    uint32                `yaml:"conn_timeout_seconds"`
	MaxConnections        uint32                `yaml:"max_connections"`
	DrainTimeout          time.Duration         `yaml:"drain_timeout"`
	Algorithm             string                `yaml:"algorithm"` // "static", "least_conn", "least_conn_unweighted"
	RefreshInterval       time.Duration         `yaml:"refresh_interval"`
	CircuitBreaker        CircuitBreakerConfig  `yaml:"circuit_breaker"`
	HealthCheck           HealthCheckConfig     `yaml:"health_check"`
	AccessLog             AccessLogConfig       `yaml:"access_log"`
	RateLimit             RateLimitConfig       `yaml:"rate_limit"`
	// StatsRingBufferSize sizes the stats ring buffer internal/mapfacade
	// opens, in human-readable units ("1MB", "512KB").
	StatsRingBufferSize datasize.ByteSize `yaml:"stats_ring_buffer_size"`
}

// Config is the full declarative configuration: one or more proxies plus
// global settings.
type Config struct {
	Proxies  []ProxyConfig `yaml:"proxies"`
	Settings Settings      `yaml:"settings"`
}

// LBAlgorithm maps the Settings' string algorithm name to weight.LBAlgorithm.
func (s Settings) LBAlgorithm() weight.LBAlgorithm {
	switch s.Algorithm {
	case "least_conn":
		return weight.AlgorithmLeastConnections
	case "least_conn_unweighted":
		return weight.AlgorithmLeastConnectionsUnweighted
	default:
		return weight.AlgorithmStatic
	}
}

// DefaultConfig returns the baseline configuration LoadConfig starts from
// before overlaying the file's YAML, matching coordinator.DefaultConfig's
// "defaults then unmarshal over them" shape.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			ConnTimeoutSeconds: 300,
			MaxConnections:     1 << 20,
			DrainTimeout:       30 * time.Second,
			Algorithm:          "static",
			RefreshInterval:    30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				ErrorRateThreshold: 0.5,
				WindowSize:         10 * time.Second,
				MinimumRequests:    20,
				CooldownPeriod:     30 * time.Second,
			},
			HealthCheck: HealthCheckConfig{
				Kind:               "tcp",
				Interval:           5 * time.Second,
				Timeout:            3 * time.Second,
				HealthyThreshold:   2,
				UnhealthyThreshold: 3,
			},
			RateLimit: RateLimitConfig{
				DefaultRatePerSecond: 10000,
				DefaultBurst:         20000,
			},
			StatsRingBufferSize: 1 * datasize.MB,
		},
	}
}

// LoadConfig reads path, overlays it onto DefaultConfig, and validates the
// result (matching coordinator.LoadConfig's shape: read file, start from
// defaults, yaml.Unmarshal over them, return).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Path: path, Detail: err}
	}

	return cfg, nil
}

// ValidationError is returned by LoadConfig/Validate when the candidate
// configuration fails structural checks.
type ValidationError struct {
	Path   string
	Detail error
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: validation failed: %v", e.Detail)
	}
	return fmt.Sprintf("config: validation failed for %s: %v", e.Path, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Detail }

// Validate checks every parse-time invariant: weights sum to 100 for
// multi-target groups, and every routed CIDR/IP parses.
// Errors are aggregated with go-multierror so a single bad proxy doesn't
// hide a second, unrelated mistake elsewhere in the file.
func (c *Config) Validate() error {
	var errs *multierror.Error

	seen := make(map[string]bool, len(c.Proxies))
	for _, p := range c.Proxies {
		if p.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("proxy: name is required"))
			continue
		}
		if seen[p.Name] {
			errs = multierror.Append(errs, fmt.Errorf("proxy %s: duplicate name", p.Name))
		}
		seen[p.Name] = true

		if len(p.Listen.Interfaces) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("proxy %s: listen.interfaces must not be empty", p.Name))
		}
		if p.Listen.Port == 0 {
			errs = multierror.Append(errs, fmt.Errorf("proxy %s: listen.port is required", p.Name))
		}

		if err := validateGroup(p.Default); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("proxy %s: default target group: %w", p.Name, err))
		}

		for _, sr := range p.SourceRoutes {
			if _, err := netip.ParsePrefix(sr.CIDR); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("proxy %s: source route %q: %w", p.Name, sr.CIDR, err))
			}
			if err := validateGroup(sr.Target); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("proxy %s: source route %q: %w", p.Name, sr.CIDR, err))
			}
		}

		for _, sni := range p.SNIRoutes {
			if sni.Hostname == "" {
				errs = multierror.Append(errs, fmt.Errorf("proxy %s: sni route: hostname is required", p.Name))
			}
			if err := validateGroup(sni.Target); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("proxy %s: sni route %q: %w", p.Name, sni.Hostname, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// validateGroup checks the target-group invariants: 1..8 targets,
// every IP target resolves, and configured weights sum to exactly 100
// unless there is exactly one target (implicit weight 100).
func validateGroup(g TargetGroupConfig) error {
	n := len(g.Targets)
	if n < 1 || n > weight.MaxTargets {
		return fmt.Errorf("target group must have 1..%d targets, got %d", weight.MaxTargets, n)
	}

	sum := 0
	for _, t := range g.Targets {
		if t.Hostname == "" {
			if t.IP == "" {
				return fmt.Errorf("target must set ip or hostname")
			}
			if _, err := netip.ParseAddr(t.IP); err != nil {
				return fmt.Errorf("target ip %q: %w", t.IP, err)
			}
		}
		if t.Port == 0 {
			return fmt.Errorf("target port is required")
		}
		w := t.Weight
		if n == 1 && w == 0 {
			w = 100
		}
		sum += int(w)
	}

	if n > 1 && sum != 100 {
		return fmt.Errorf("configured weights must sum to exactly 100, got %d", sum)
	}
	if n == 1 && sum != 100 {
		return fmt.Errorf("a lone target has an implicit weight of 100, got %d", sum)
	}

	return nil
}

// normalizeHostname lowercases an SNI hostname before it is hashed or
// compared, matching the kernel-side key derivation.
func normalizeHostname(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
