package config

import (
	"reflect"
)

// FieldChange is an {old, new} pair for one changed Settings field.
type FieldChange struct {
	Old, New any
}

// ProxyDiff is the per-proxy decomposition of a modified proxy's changes.
type ProxyDiff struct {
	Name                string
	ListenChanged       bool
	DefaultTargetDiff   bool
	AddedSourceRoutes   []SourceRouteConfig
	RemovedSourceRoutes []SourceRouteConfig
	AddedSNIRoutes      []SNIRouteConfig
	RemovedSNIRoutes    []SNIRouteConfig
}

// Empty reports whether this proxy has no effective change at all.
func (d ProxyDiff) Empty() bool {
	return !d.ListenChanged && !d.DefaultTargetDiff &&
		len(d.AddedSourceRoutes) == 0 && len(d.RemovedSourceRoutes) == 0 &&
		len(d.AddedSNIRoutes) == 0 && len(d.RemovedSNIRoutes) == 0
}

// ConfigDiff is the minimal change set between two configurations.
type ConfigDiff struct {
	SettingsChanges map[string]FieldChange
	AddedProxies    []ProxyConfig
	RemovedProxies  []ProxyConfig
	ModifiedProxies []ProxyDiff
}

// Empty reports whether old and new configs are equivalent.
func (d ConfigDiff) Empty() bool {
	return len(d.SettingsChanges) == 0 && len(d.AddedProxies) == 0 &&
		len(d.RemovedProxies) == 0 && len(d.ModifiedProxies) == 0
}

// Diff computes the minimal change set between old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{SettingsChanges: diffSettings(old.Settings, new.Settings)}

	oldByName := make(map[string]ProxyConfig, len(old.Proxies))
	for _, p := range old.Proxies {
		oldByName[p.Name] = p
	}
	newByName := make(map[string]ProxyConfig, len(new.Proxies))
	for _, p := range new.Proxies {
		newByName[p.Name] = p
	}

	for name, np := range newByName {
		op, existed := oldByName[name]
		if !existed {
			d.AddedProxies = append(d.AddedProxies, np)
			continue
		}
		if pd := diffProxy(op, np); !pd.Empty() {
			d.ModifiedProxies = append(d.ModifiedProxies, pd)
		}
	}
	for name, op := range oldByName {
		if _, stillPresent := newByName[name]; !stillPresent {
			d.RemovedProxies = append(d.RemovedProxies, op)
		}
	}

	return d
}

func diffSettings(old, new Settings) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	add := func(field string, o, n any) {
		if !reflect.DeepEqual(o, n) {
			changes[field] = FieldChange{Old: o, New: n}
		}
	}

	add("stats_enabled", old.StatsEnabled, new.StatsEnabled)
	add("conn_timeout_seconds", old.ConnTimeoutSeconds, new.ConnTimeoutSeconds)
	add("max_connections", old.MaxConnections, new.MaxConnections)
	add("drain_timeout", old.DrainTimeout, new.DrainTimeout)
	add("algorithm", old.Algorithm, new.Algorithm)
	add("refresh_interval", old.RefreshInterval, new.RefreshInterval)
	add("circuit_breaker", old.CircuitBreaker, new.CircuitBreaker)
	add("health_check", old.HealthCheck, new.HealthCheck)
	add("access_log", old.AccessLog, new.AccessLog)
	add("rate_limit", old.RateLimit, new.RateLimit)

	if len(changes) == 0 {
		return nil
	}
	return changes
}

// diffProxy decomposes one modified proxy's changes: ListenChanged is true
// iff the interface set or port differs; target groups differ iff any
// target's (ip, port, configured_weight) differs or the length differs;
// source/SNI routes are keyed by (cidr)/(hostname) and an entry present in
// both with a different group appears in both removed and added.
func diffProxy(old, new ProxyConfig) ProxyDiff {
	pd := ProxyDiff{Name: old.Name}

	pd.ListenChanged = listenChanged(old.Listen, new.Listen)
	pd.DefaultTargetDiff = groupsDiffer(old.Default, new.Default)

	oldSR := make(map[string]SourceRouteConfig, len(old.SourceRoutes))
	for _, sr := range old.SourceRoutes {
		oldSR[sr.CIDR] = sr
	}
	newSR := make(map[string]SourceRouteConfig, len(new.SourceRoutes))
	for _, sr := range new.SourceRoutes {
		newSR[sr.CIDR] = sr
	}
	for cidr, nsr := range newSR {
		osr, existed := oldSR[cidr]
		if !existed || groupsDiffer(osr.Target, nsr.Target) {
			pd.AddedSourceRoutes = append(pd.AddedSourceRoutes, nsr)
			if existed {
				pd.RemovedSourceRoutes = append(pd.RemovedSourceRoutes, osr)
			}
		}
	}
	for cidr, osr := range oldSR {
		if _, stillPresent := newSR[cidr]; !stillPresent {
			pd.RemovedSourceRoutes = append(pd.RemovedSourceRoutes, osr)
		}
	}

	oldSNI := make(map[string]SNIRouteConfig, len(old.SNIRoutes))
	for _, sr := range old.SNIRoutes {
		oldSNI[normalizeHostname(sr.Hostname)] = sr
	}
	newSNI := make(map[string]SNIRouteConfig, len(new.SNIRoutes))
	for _, sr := range new.SNIRoutes {
		newSNI[normalizeHostname(sr.Hostname)] = sr
	}
	for host, nsr := range newSNI {
		osr, existed := oldSNI[host]
		if !existed || groupsDiffer(osr.Target, nsr.Target) {
			pd.AddedSNIRoutes = append(pd.AddedSNIRoutes, nsr)
			if existed {
				pd.RemovedSNIRoutes = append(pd.RemovedSNIRoutes, osr)
			}
		}
	}
	for host, osr := range oldSNI {
		if _, stillPresent := newSNI[host]; !stillPresent {
			pd.RemovedSNIRoutes = append(pd.RemovedSNIRoutes, osr)
		}
	}

	return pd
}

func listenChanged(old, new ListenConfig) bool {
	if old.Port != new.Port {
		return true
	}
	return !sameSet(old.Interfaces, new.Interfaces)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, v := range a {
		set[v]++
	}
	for _, v := range b {
		set[v]--
	}
	for _, c := range set {
		if c != 0 {
			return false
		}
	}
	return true
}

// groupsDiffer reports whether two target groups differ: any target's
// (ip, port, configured_weight) differs or the sequence length differs.
func groupsDiffer(old, new TargetGroupConfig) bool {
	if len(old.Targets) != len(new.Targets) {
		return true
	}
	for i := range old.Targets {
		ot, nt := old.Targets[i], new.Targets[i]
		if ot.IP != nt.IP || ot.Hostname != nt.Hostname || ot.Port != nt.Port || ot.Weight != nt.Weight {
			return true
		}
	}
	return false
}
