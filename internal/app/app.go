// Package app is the composition root: it owns every background task of a
// running process and wires them together behind the reload.Applier seam.
// Nothing outside this package decides which concrete internal/*
// implementations back a running proxy.
package app

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/xdplb/xdplb/common/go/bitset"
	"github.com/xdplb/xdplb/internal/accesslog"
	"github.com/xdplb/xdplb/internal/breaker"
	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/config"
	"github.com/xdplb/xdplb/internal/conntrack"
	"github.com/xdplb/xdplb/internal/dns"
	"github.com/xdplb/xdplb/internal/drain"
	"github.com/xdplb/xdplb/internal/health"
	"github.com/xdplb/xdplb/internal/mapbackend"
	"github.com/xdplb/xdplb/internal/mapfacade"
	"github.com/xdplb/xdplb/internal/metrics"
	"github.com/xdplb/xdplb/internal/orchestrator"
	"github.com/xdplb/xdplb/internal/ratelimit"
	"github.com/xdplb/xdplb/internal/weight"
)

// Options configures a new App. Backend is optional; if nil, New opens a
// production mapbackend.CiliumBackend. StatsRingBufferSize, if zero,
// falls back to mapfacade's own default.
type Options struct {
	Backend             mapbackend.Backend
	Family              codec.Family
	Log                 *zap.SugaredLogger
	StatsRingBufferSize datasize.ByteSize
}

// App is the single-process composition root: one mapfacade.Facade, one
// conntrack.Manager, and one proxyState (with its own orchestrator, health
// probers, breakers and drain manager) per running proxy. It implements
// reload.Applier so internal/reload can drive it directly.
type App struct {
	log       *zap.SugaredLogger
	family    codec.Family
	backend   mapbackend.Backend
	facade    *mapfacade.Facade
	conntrack *conntrack.Manager
	rateLimit *ratelimit.Provisioner
	metrics   *metrics.Collector
	accessLog *accesslog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	settings   config.Settings
	proxies    map[string]*proxyState
	connCounts map[netip.Addr]uint64
	nextRateID uint32
}

// proxyState is everything AddProxy spins up for one running proxy.
type proxyState struct {
	cfg      config.ProxyConfig
	ctx      context.Context // scopes every background task this proxy owns; cancelled by RemoveProxy
	cancel   context.CancelFunc
	orch     *orchestrator.Orchestrator
	drainMgr *drain.Manager

	mu       sync.Mutex
	health   map[string]*health.Prober
	breakers map[string]*breaker.Breaker
	groups   map[string]groupInfo // groupID -> binding metadata, for teardown
}

type groupInfo struct {
	binding orchestrator.Binding
}

func targetKey(t weight.Target) string {
	return netip.AddrPortFrom(t.Addr, t.Port).String()
}

// New builds an App against opts.Backend (or a fresh CiliumBackend), ready
// for Start.
func New(opts Options) (*App, error) {
	backend := opts.Backend
	if backend == nil {
		b, err := mapbackend.NewCiliumBackend()
		if err != nil {
			return nil, fmt.Errorf("app: open map backend: %w", err)
		}
		backend = b
	}

	facade, err := mapfacade.New(backend, opts.Family, opts.StatsRingBufferSize)
	if err != nil {
		return nil, fmt.Errorf("app: build map facade: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	a := &App{
		log:        log,
		family:     opts.Family,
		backend:    backend,
		facade:     facade,
		conntrack:  conntrack.NewManager(facade, log),
		proxies:    make(map[string]*proxyState),
		connCounts: make(map[netip.Addr]uint64),
	}
	a.metrics = metrics.New(a.snapshot)
	return a, nil
}

// Facade exposes the map façade for the admin/CLI layer (e.g. ad hoc
// lookups) without reaching into App's internals.
func (a *App) Facade() *mapfacade.Facade { return a.facade }

// Metrics returns the prometheus.Collector covering every running proxy.
func (a *App) Metrics() *metrics.Collector { return a.metrics }

// Start installs initial as the running configuration and launches every
// background task (conntrack cleanup, per-proxy orchestrators, access
// log). Start returns once every initial proxy is installed; background
// tasks keep running until ctx is cancelled or Close is called.
func (a *App) Start(ctx context.Context, initial *config.Config) error {
	a.baseCtx, a.cancel = context.WithCancel(ctx)

	a.mu.Lock()
	a.settings = initial.Settings
	a.mu.Unlock()

	if err := a.pushSettings(a.baseCtx, initial.Settings); err != nil {
		return fmt.Errorf("app: initial settings push: %w", err)
	}

	if initial.Settings.AccessLog.Enabled {
		logger, err := accesslog.New(a.facade, accesslog.Config{
			Enabled:    initial.Settings.AccessLog.Enabled,
			Path:       initial.Settings.AccessLog.Path,
			MaxSizeMB:  initial.Settings.AccessLog.MaxSizeMB,
			MaxBackups: initial.Settings.AccessLog.MaxBackups,
			MaxAgeDays: initial.Settings.AccessLog.MaxAgeDays,
			Compress:   initial.Settings.AccessLog.Compress,
		}, a.resolveAccessLogProxy)
		if err != nil {
			return fmt.Errorf("app: build access log: %w", err)
		}
		a.accessLog = logger
		a.goRun(a.baseCtx, "accesslog", func(ctx context.Context) { _ = logger.Run(ctx) })
	}

	a.rateLimit = ratelimit.NewProvisioner(a.facade, ratelimit.Defaults{
		RatePerSecond: initial.Settings.RateLimit.DefaultRatePerSecond,
		Burst:         float64(initial.Settings.RateLimit.DefaultBurst),
	})

	a.goRun(a.baseCtx, "conntrack-cleanup", func(ctx context.Context) {
		a.conntrack.RunCleanup(ctx, 60*time.Second, connTimeout(initial.Settings))
	})
	a.goRun(a.baseCtx, "conn-count-refresh", a.runConnCountRefresh)

	for _, p := range initial.Proxies {
		if err := a.AddProxy(a.baseCtx, p); err != nil {
			return fmt.Errorf("app: install proxy %s: %w", p.Name, err)
		}
	}
	return nil
}

// Close stops every background task, then releases the map facade.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if a.log != nil {
			a.log.Warn("app: background tasks did not stop within join timeout")
		}
	}

	if a.accessLog != nil {
		_ = a.accessLog.Close()
	}
	return a.facade.Close()
}

// goRun runs fn(ctx) in a tracked goroutine. ctx is whatever scope the
// caller wants the task bound to: a.baseCtx for process-lifetime tasks, or
// a proxy's own cancelable context so RemoveProxy stops exactly that
// proxy's tasks without touching any other proxy.
func (a *App) goRun(ctx context.Context, name string, fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(ctx)
		if a.log != nil {
			a.log.Debugw("background task stopped", "task", name)
		}
	}()
}

func connTimeout(s config.Settings) time.Duration {
	if s.ConnTimeoutSeconds == 0 {
		return 300 * time.Second
	}
	return time.Duration(s.ConnTimeoutSeconds) * time.Second
}

// runConnCountRefresh periodically recomputes per-target connection counts
// from the conntrack map and caches them, so the orchestrator's per-tick
// ConnCounts lookup never itself suspends on map iteration.
func (a *App) runConnCountRefresh(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			perTarget, err := a.conntrack.PerTarget(ctx)
			if err != nil {
				if a.log != nil {
					a.log.Warnw("conn count refresh failed", "error", err)
				}
				continue
			}
			counts := make(map[netip.Addr]uint64, len(perTarget))
			for addr, agg := range perTarget {
				counts[addr] = uint64(agg.Connections)
			}
			a.mu.Lock()
			a.connCounts = counts
			a.mu.Unlock()
		}
	}
}

func (a *App) connCountsFor(targets []weight.Target) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, len(targets))
	for i, t := range targets {
		out[i] = a.connCounts[t.Addr]
	}
	return out
}

func (a *App) pushSettings(ctx context.Context, s config.Settings) error {
	return a.facade.PutSettings(ctx, codec.SettingsArray{
		StatsEnabled:       s.StatsEnabled,
		ConnTimeoutSeconds: s.ConnTimeoutSeconds,
		MaxConnections:     s.MaxConnections,
	})
}

func (a *App) resolveAccessLogProxy(targetAddr string, targetPort uint16) string {
	addr, err := netip.ParseAddr(targetAddr)
	if err != nil {
		return ""
	}
	ip := addr.String()

	a.mu.Lock()
	defer a.mu.Unlock()
	for name, ps := range a.proxies {
		ps.mu.Lock()
		cfg := ps.cfg
		ps.mu.Unlock()

		if groupHasTarget(cfg.Default, ip, targetPort) {
			return name
		}
		for _, sr := range cfg.SourceRoutes {
			if groupHasTarget(sr.Target, ip, targetPort) {
				return name
			}
		}
		for _, sni := range cfg.SNIRoutes {
			if groupHasTarget(sni.Target, ip, targetPort) {
				return name
			}
		}
	}
	return ""
}

func groupHasTarget(g config.TargetGroupConfig, ip string, port uint16) bool {
	for _, t := range g.Targets {
		if t.IP == ip && t.Port == port {
			return true
		}
	}
	return false
}

// configuredWeightsByTarget indexes every target's configured weight across
// a proxy's default/source/SNI groups by its targetKey, for the metrics
// snapshot (which walks live breaker/health state, not the config model).
func configuredWeightsByTarget(cfg config.ProxyConfig) map[string]uint16 {
	out := make(map[string]uint16)
	add := func(g config.TargetGroupConfig) {
		for _, t := range g.Targets {
			if t.IP == "" {
				continue
			}
			addr, err := netip.ParseAddr(t.IP)
			if err != nil {
				continue
			}
			out[targetKey(weight.Target{Addr: addr, Port: t.Port})] = t.Weight
		}
	}
	add(cfg.Default)
	for _, sr := range cfg.SourceRoutes {
		add(sr.Target)
	}
	for _, sni := range cfg.SNIRoutes {
		add(sni.Target)
	}
	return out
}

// --- reload.Applier ---------------------------------------------------

// ApplySettings applies a single changed Settings field. Only the fields
// with a map-level or process-level effect are acted on immediately;
// circuit-breaker/health-check defaults take effect for targets added by
// a later AddProxy/ModifyProxy rather than retroactively mutating live
// state.
func (a *App) ApplySettings(ctx context.Context, change config.FieldChange) error {
	a.mu.Lock()
	next := a.settings
	a.mu.Unlock()

	// reload.Applier's ApplySettings takes one FieldChange at a time with no
	// field name attached, so a changed field is identified by which of
	// next's current fields change.Old matches rather than by name.
	switch v := change.New.(type) {
	case bool:
		next.StatsEnabled = v
	case uint32:
		switch change.Old {
		case next.ConnTimeoutSeconds:
			next.ConnTimeoutSeconds = v
		default:
			next.MaxConnections = v
		}
	case time.Duration:
		switch change.Old {
		case next.DrainTimeout:
			next.DrainTimeout = v
		default:
			next.RefreshInterval = v
		}
	case string:
		next.Algorithm = v
	case config.RateLimitConfig:
		next.RateLimit = v
	case config.CircuitBreakerConfig:
		next.CircuitBreaker = v
	case config.HealthCheckConfig:
		next.HealthCheck = v
	case config.AccessLogConfig:
		next.AccessLog = v
	}

	a.mu.Lock()
	a.settings = next
	a.mu.Unlock()

	if a.rateLimit != nil && next.RateLimit != (config.RateLimitConfig{}) {
		a.rateLimit = ratelimit.NewProvisioner(a.facade, ratelimit.Defaults{
			RatePerSecond: next.RateLimit.DefaultRatePerSecond,
			Burst:         float64(next.RateLimit.DefaultBurst),
		})
	}

	return a.pushSettings(ctx, next)
}

// AddProxy installs a new proxy: resolves its listen interfaces, builds
// and registers its default/source/SNI target groups with a dedicated
// orchestrator, and starts health probes, a drain manager and (for
// DNS-backed groups) a refresher, all scoped to a child context cancelled
// by RemoveProxy.
func (a *App) AddProxy(ctx context.Context, proxy config.ProxyConfig) error {
	proxyCtx, cancel := context.WithCancel(a.baseCtx)

	a.mu.Lock()
	settings := a.settings
	rateID := a.nextRateID
	a.nextRateID++
	a.mu.Unlock()

	ps := &proxyState{
		cfg:      proxy,
		ctx:      proxyCtx,
		cancel:   cancel,
		drainMgr: drain.NewManager(a.drainTimeoutCallback(proxy.Name)),
		health:   make(map[string]*health.Prober),
		breakers: make(map[string]*breaker.Breaker),
		groups:   make(map[string]groupInfo),
	}

	inputs := orchestrator.Inputs{
		Healthy:    ps.healthyMask,
		Draining:   ps.drainMask(proxy.Name),
		Circuit:    ps.circuitStates,
		ConnCounts: func(_ string, targets []weight.Target) []uint64 { return a.connCountsFor(targets) },
	}
	ps.orch = orchestrator.New(proxy.Name, a.facade, inputs, settings.LBAlgorithm(), a.family, a.log)

	listenKeys, err := a.resolveListenKeys(proxy)
	if err != nil {
		cancel()
		return err
	}

	flags := routeFlags(proxy, settings)

	if err := a.registerGroup(proxyCtx, ps, "default", proxy.Default, orchestrator.Binding{
		ListenKeys: listenKeys, Flags: flags,
	}, settings); err != nil {
		cancel()
		return fmt.Errorf("app: proxy %s: default group: %w", proxy.Name, err)
	}

	for _, sr := range proxy.SourceRoutes {
		lpm, err := sourceRouteKey(sr.CIDR, a.family)
		if err != nil {
			cancel()
			return fmt.Errorf("app: proxy %s: source route %s: %w", proxy.Name, sr.CIDR, err)
		}
		groupID := "src:" + sr.CIDR
		if err := a.registerGroup(proxyCtx, ps, groupID, sr.Target, orchestrator.Binding{
			SourceRouteKeys: []codec.LPMKey{lpm}, Flags: flags,
		}, settings); err != nil {
			cancel()
			return fmt.Errorf("app: proxy %s: source route %s: %w", proxy.Name, sr.CIDR, err)
		}
	}

	for _, sni := range proxy.SNIRoutes {
		groupID := "sni:" + sni.Hostname
		if err := a.registerGroup(proxyCtx, ps, groupID, sni.Target, orchestrator.Binding{
			SNIHostnames: []string{sni.Hostname}, Flags: flags,
		}, settings); err != nil {
			cancel()
			return fmt.Errorf("app: proxy %s: sni route %s: %w", proxy.Name, sni.Hostname, err)
		}
	}

	if err := a.rateLimit.ProvisionDefault(proxyCtx, rateID); err != nil && a.log != nil {
		a.log.Warnw("rate limit provisioning failed", "proxy", proxy.Name, "error", err)
	}

	a.goRun(proxyCtx, "orchestrator:"+proxy.Name, func(ctx context.Context) {
		ps.orch.Run(ctx, settings.RefreshInterval)
	})
	a.goRun(proxyCtx, "drain-watch:"+proxy.Name, func(ctx context.Context) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ps.drainMgr.CheckTimeouts(time.Now())
				// A drain whose target has no tracked connections left has
				// finished ahead of its timeout.
				for _, key := range ps.drainMgr.Active() {
					if a.connCountsForKey(key.Target) == 0 {
						ps.drainMgr.Complete(key)
					}
				}
			}
		}
	})

	a.mu.Lock()
	a.proxies[proxy.Name] = ps
	a.mu.Unlock()

	if a.log != nil {
		a.log.Infow("proxy installed", "proxy", proxy.Name)
	}
	return nil
}

// RemoveProxy tears down a proxy's background tasks, then removes its map
// entries (the caller, internal/reload, already sequences removals after
// adds/modifies so in-flight traffic keeps a landing spot).
func (a *App) RemoveProxy(ctx context.Context, name string) error {
	a.mu.Lock()
	ps, ok := a.proxies[name]
	if ok {
		delete(a.proxies, name)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	ps.cancel()

	ps.mu.Lock()
	groups := ps.groups
	ps.mu.Unlock()

	var firstErr error
	for _, gi := range groups {
		if err := a.deleteBinding(ctx, gi.binding); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.log != nil {
		a.log.Infow("proxy removed", "proxy", name)
	}
	return firstErr
}

// ModifyProxy applies one proxy's diff: removals before additions, the
// default target updated only if changed, and a full remove-then-add
// reload when the listen set changed.
func (a *App) ModifyProxy(ctx context.Context, diff config.ProxyDiff, next config.ProxyConfig) error {
	if diff.ListenChanged {
		if err := a.RemoveProxy(ctx, diff.Name); err != nil {
			return err
		}
		return a.AddProxy(ctx, next)
	}

	a.mu.Lock()
	ps, ok := a.proxies[diff.Name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: modify proxy %s: not installed", diff.Name)
	}

	a.mu.Lock()
	settings := a.settings
	a.mu.Unlock()
	flags := routeFlags(next, settings)

	for _, sr := range diff.RemovedSourceRoutes {
		groupID := "src:" + sr.CIDR
		a.unregisterGroup(ctx, ps, groupID)
	}
	for _, sni := range diff.RemovedSNIRoutes {
		groupID := "sni:" + sni.Hostname
		a.unregisterGroup(ctx, ps, groupID)
	}

	if diff.DefaultTargetDiff {
		ps.mu.Lock()
		listenKeys := ps.groups["default"].binding.ListenKeys
		ps.mu.Unlock()
		if err := a.registerGroup(ctx, ps, "default", next.Default, orchestrator.Binding{
			ListenKeys: listenKeys, Flags: flags,
		}, settings); err != nil {
			return fmt.Errorf("app: modify proxy %s: default group: %w", diff.Name, err)
		}
	}

	for _, sr := range diff.AddedSourceRoutes {
		lpm, err := sourceRouteKey(sr.CIDR, a.family)
		if err != nil {
			return fmt.Errorf("app: modify proxy %s: source route %s: %w", diff.Name, sr.CIDR, err)
		}
		groupID := "src:" + sr.CIDR
		if err := a.registerGroup(ctx, ps, groupID, sr.Target, orchestrator.Binding{
			SourceRouteKeys: []codec.LPMKey{lpm}, Flags: flags,
		}, settings); err != nil {
			return fmt.Errorf("app: modify proxy %s: source route %s: %w", diff.Name, sr.CIDR, err)
		}
	}
	for _, sni := range diff.AddedSNIRoutes {
		groupID := "sni:" + sni.Hostname
		if err := a.registerGroup(ctx, ps, groupID, sni.Target, orchestrator.Binding{
			SNIHostnames: []string{sni.Hostname}, Flags: flags,
		}, settings); err != nil {
			return fmt.Errorf("app: modify proxy %s: sni route %s: %w", diff.Name, sni.Hostname, err)
		}
	}

	ps.mu.Lock()
	ps.cfg = next
	ps.mu.Unlock()
	return nil
}

func (a *App) unregisterGroup(ctx context.Context, ps *proxyState, groupID string) {
	ps.mu.Lock()
	gi, ok := ps.groups[groupID]
	if ok {
		delete(ps.groups, groupID)
	}
	ps.mu.Unlock()
	if !ok {
		return
	}
	ps.orch.Unregister(groupID)
	if err := a.deleteBinding(ctx, gi.binding); err != nil && a.log != nil {
		a.log.Warnw("failed to remove map entries for group", "group", groupID, "error", err)
	}
}

func (a *App) deleteBinding(ctx context.Context, b orchestrator.Binding) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, lk := range b.ListenKeys {
		record(a.facade.DeleteListen(ctx, lk))
	}
	for _, host := range b.SNIHostnames {
		record(a.facade.DeleteSNIRoute(ctx, host))
	}
	for _, lpm := range b.SourceRouteKeys {
		record(a.facade.DeleteSourceRoute(ctx, lpm))
	}
	return firstErr
}

// registerGroup resolves groupCfg to a concrete weight.TargetGroup
// (resolving hostnames synchronously on the first pass), registers it and
// its health/breaker state with the proxy, and if groupCfg is DNS-backed
// starts a background refresher that keeps it current.
func (a *App) registerGroup(ctx context.Context, ps *proxyState, groupID string, groupCfg config.TargetGroupConfig, binding orchestrator.Binding, settings config.Settings) error {
	group, err := dns.Resolve(ctx, dns.DefaultResolver, groupCfg)
	if err != nil {
		return err
	}

	ps.orch.RegisterGroup(groupID, group, binding)
	a.spawnTargetWatchers(ps, group, settings)

	ps.mu.Lock()
	ps.groups[groupID] = groupInfo{binding: binding}
	ps.mu.Unlock()

	if groupCfg.IsDNS() {
		refresher := dns.NewRefresher(ps.cfg.Name, groupCfg, dns.DefaultResolver, settings.RefreshInterval, func(next *weight.TargetGroup) {
			ps.orch.RegisterGroup(groupID, next, binding)
			a.spawnTargetWatchers(ps, next, settings)
		}, a.log)
		a.goRun(ps.ctx, "dns:"+ps.cfg.Name+":"+groupID, refresher.Run)
	}

	return nil
}

// spawnTargetWatchers starts a health.Prober and a breaker.Breaker for
// every target in group that doesn't already have one. Health probes feed
// the breaker's error-rate window via health.Prober.OnSample, so both
// signals share one source of live-traffic-independent liveness checks.
// A target with no health descriptor is treated as always healthy and its
// breaker stays closed until samples arrive from elsewhere.
func (a *App) spawnTargetWatchers(ps *proxyState, group *weight.TargetGroup, settings config.Settings) {
	for _, wt := range group.Targets {
		key := targetKey(wt.Target)

		ps.mu.Lock()
		_, hasBreaker := ps.breakers[key]
		if !hasBreaker {
			ps.breakers[key] = breaker.New(breaker.Config{
				ErrorRateThreshold: settings.CircuitBreaker.ErrorRateThreshold,
				WindowSize:         settings.CircuitBreaker.WindowSize,
				MinimumRequests:    settings.CircuitBreaker.MinimumRequests,
				CooldownPeriod:     settings.CircuitBreaker.CooldownPeriod,
			})
		}
		b := ps.breakers[key]
		_, hasProbe := ps.health[key]
		ps.mu.Unlock()

		if hasProbe || wt.Health == nil {
			continue
		}

		target := health.Target{Proxy: ps.cfg.Name, Addr: wt.Target}
		prober := health.NewProber(target, *wt.Health, func(health.Transition) {}, a.log)
		prober.OnSample = func(err error) {
			if err == nil {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
		}

		ps.mu.Lock()
		ps.health[key] = prober
		ps.mu.Unlock()

		a.goRun(ps.ctx, "health:"+ps.cfg.Name+":"+key, prober.Run)
	}
}

func (a *App) drainTimeoutCallback(proxy string) func(drain.Key, *drain.State) {
	return func(key drain.Key, state *drain.State) {
		if a.log != nil {
			a.log.Infow("drain timed out", "proxy", proxy, "target", key.Target)
		}
	}
}

func (ps *proxyState) healthyMask(_ string, targets []weight.Target) *bitset.TinyBitset {
	mask := &bitset.TinyBitset{}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, t := range targets {
		prober, ok := ps.health[targetKey(t)]
		if !ok || prober.State().Status != health.StatusUnhealthy {
			mask.Insert(uint32(i))
		}
	}
	return mask
}

func (ps *proxyState) drainMask(proxy string) func(string, []weight.Target) *bitset.TinyBitset {
	return func(_ string, targets []weight.Target) *bitset.TinyBitset {
		mask := &bitset.TinyBitset{}
		for i, t := range targets {
			if ps.drainMgr.Draining(drain.Key{Proxy: proxy, Target: targetKey(t)}) {
				mask.Insert(uint32(i))
			}
		}
		return mask
	}
}

func (ps *proxyState) circuitStates(_ string, targets []weight.Target) []weight.CircuitState {
	out := make([]weight.CircuitState, len(targets))
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, t := range targets {
		if b, ok := ps.breakers[targetKey(t)]; ok {
			out[i] = b.State()
		}
	}
	return out
}

// Drain starts draining target within proxy.
func (a *App) Drain(proxy, target string, timeout time.Duration) error {
	a.mu.Lock()
	ps, ok := a.proxies[proxy]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: drain: proxy %s not found", proxy)
	}
	count := a.connCountsForKey(target)
	return ps.drainMgr.Start(drain.Key{Proxy: proxy, Target: target}, timeout, count)
}

// Undrain cancels an in-progress drain.
func (a *App) Undrain(proxy, target string) error {
	a.mu.Lock()
	ps, ok := a.proxies[proxy]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: undrain: proxy %s not found", proxy)
	}
	return ps.drainMgr.Cancel(drain.Key{Proxy: proxy, Target: target})
}

func (a *App) connCountsForKey(target string) uint64 {
	addrPort, err := netip.ParseAddrPort(target)
	if err != nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connCounts[addrPort.Addr()]
}

func (a *App) snapshot() metrics.Snapshot {
	a.mu.Lock()
	names := make([]string, 0, len(a.proxies))
	proxyStates := make([]*proxyState, 0, len(a.proxies))
	for name, ps := range a.proxies {
		names = append(names, name)
		proxyStates = append(proxyStates, ps)
	}
	connCounts := make(map[netip.Addr]uint64, len(a.connCounts))
	for addr, n := range a.connCounts {
		connCounts[addr] = n
	}
	a.mu.Unlock()

	snap := metrics.Snapshot{Proxies: make([]metrics.ProxySnapshot, 0, len(names))}
	for i, name := range names {
		ps := proxyStates[i]
		effective := ps.orch.EffectiveWeights()

		ps.mu.Lock()
		configured := configuredWeightsByTarget(ps.cfg)

		var targets []metrics.TargetSnapshot
		for key, b := range ps.breakers {
			addrPort, perr := netip.ParseAddrPort(key)
			if perr != nil {
				continue
			}
			healthy := true
			if prober, ok := ps.health[key]; ok {
				healthy = prober.State().Status == health.StatusHealthy
			}
			target := weight.Target{Addr: addrPort.Addr(), Port: addrPort.Port()}
			targets = append(targets, metrics.TargetSnapshot{
				Target:           target,
				ConfiguredWeight: configured[key],
				EffectiveWeight:  effective[target],
				Healthy:          healthy,
				Draining:         ps.drainMgr.Draining(drain.Key{Proxy: name, Target: key}),
				Circuit:          b.State(),
				ConnCount:        connCounts[addrPort.Addr()],
			})
		}
		ps.mu.Unlock()

		snap.Proxies = append(snap.Proxies, metrics.ProxySnapshot{Proxy: name, Targets: targets})
	}
	return snap
}

func routeFlags(proxy config.ProxyConfig, settings config.Settings) codec.RouteFlags {
	var flags codec.RouteFlags
	if settings.StatsEnabled {
		flags |= codec.RouteFlagStatsEnabled
	}
	if proxy.SessionPersistence {
		flags |= codec.RouteFlagSessionPersistence
	}
	return flags
}

func (a *App) resolveListenKeys(proxy config.ProxyConfig) ([]codec.ListenKey, error) {
	keys := make([]codec.ListenKey, 0, len(proxy.Listen.Interfaces))
	for _, name := range proxy.Listen.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			// A missing interface degrades to a skip; the proxy keeps
			// serving on the interfaces that did resolve.
			if a.log != nil {
				a.log.Warnw("interface not found, skipping", "proxy", proxy.Name, "interface", name, "error", err)
			}
			continue
		}
		keys = append(keys, codec.ListenKey{Ifindex: uint32(iface.Index), Port: proxy.Listen.Port})
	}
	return keys, nil
}

func sourceRouteKey(cidr string, family codec.Family) (codec.LPMKey, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return codec.LPMKey{}, fmt.Errorf("app: parse cidr %s: %w", cidr, err)
	}
	return codec.LPMKey{PrefixLen: uint32(prefix.Bits()), Addr: prefix.Addr()}, nil
}
