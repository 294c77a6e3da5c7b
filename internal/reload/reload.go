// Package reload implements the reload coordinator: it accepts a candidate
// config from any trigger (file watch, OS hangup signal, admin API, direct
// call), validates it, diffs it against the running config, and applies
// the diff in the order that preserves traffic continuity.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xdplb/xdplb/internal/config"
)

// ErrAlreadyInProgress is returned when a reload is requested while
// another is still applying; concurrent reloads are rejected rather than
// queued.
var ErrAlreadyInProgress = errors.New("reload: already in progress")

// Applier receives the ordered sequence of changes a reload produces.
// internal/app wires this to internal/orchestrator (proxy install/removal,
// weight group updates) and internal/mapfacade (settings writes).
type Applier interface {
	ApplySettings(ctx context.Context, change config.FieldChange) error
	AddProxy(ctx context.Context, proxy config.ProxyConfig) error
	RemoveProxy(ctx context.Context, name string) error
	ModifyProxy(ctx context.Context, diff config.ProxyDiff, next config.ProxyConfig) error
}

// Source supplies the next candidate config, independent of what
// triggered the reload.
type Source func() (*config.Config, error)

// Coordinator owns the single global reload lock and the currently-running
// config; it is single-writer globally for the duration of a reload.
type Coordinator struct {
	applier Applier
	log     *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	current *config.Config
}

// New returns a Coordinator seeded with the initially-applied config.
func New(initial *config.Config, applier Applier, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{applier: applier, log: log, current: initial}
}

// Current returns the config currently considered live.
func (c *Coordinator) Current() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Reload validates candidate, diffs it against the running config, and
// applies the diff in traffic-preserving order: settings, then added
// proxies, then modified proxies (removals before additions within each
// proxy, full reinstall when the listen set changed), then removed proxies
// last. On any apply error, the partial state reached is logged and the
// error is returned wrapped; transactional rollback across the map
// boundary is not offered — a subsequent successful reload is the recovery
// mechanism.
func (c *Coordinator) Reload(ctx context.Context, candidate *config.Config) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyInProgress
	}
	c.running = true
	previous := c.current
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("reload: validate: %w", err)
	}

	diff := config.Diff(previous, candidate)
	if diff.Empty() {
		return nil
	}
	if err := c.apply(ctx, diff, candidate); err != nil {
		return fmt.Errorf("reload: apply: %w", err)
	}

	c.mu.Lock()
	c.current = candidate
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) apply(ctx context.Context, diff config.ConfigDiff, next *config.Config) error {
	for field, change := range diff.SettingsChanges {
		if err := c.applier.ApplySettings(ctx, change); err != nil {
			c.logPartial("settings", field, err)
			return err
		}
	}

	for _, proxy := range diff.AddedProxies {
		if err := c.applier.AddProxy(ctx, proxy); err != nil {
			c.logPartial("add proxy", proxy.Name, err)
			return err
		}
	}

	nextByName := make(map[string]config.ProxyConfig, len(next.Proxies))
	for _, p := range next.Proxies {
		nextByName[p.Name] = p
	}
	for _, pd := range diff.ModifiedProxies {
		proxy, ok := nextByName[pd.Name]
		if !ok {
			continue
		}
		if err := c.applier.ModifyProxy(ctx, pd, proxy); err != nil {
			c.logPartial("modify proxy", pd.Name, err)
			return err
		}
	}

	for _, proxy := range diff.RemovedProxies {
		if err := c.applier.RemoveProxy(ctx, proxy.Name); err != nil {
			c.logPartial("remove proxy", proxy.Name, err)
			return err
		}
	}

	return nil
}

func (c *Coordinator) logPartial(stage, target string, err error) {
	if c.log == nil {
		return
	}
	c.log.Errorw("reload apply failed, partial state reached", "stage", stage, "target", target, "error", err)
}

// Watcher drives Reload from a config file's changes, coalescing rapid
// edits behind a 500 ms debounce window.
type Watcher struct {
	coordinator *Coordinator
	path        string
	source      Source
	debounce    time.Duration
	log         *zap.SugaredLogger
}

// NewWatcher returns a Watcher for path, calling source to parse a fresh
// candidate config each time the file changes.
func NewWatcher(coordinator *Coordinator, path string, source Source, log *zap.SugaredLogger) *Watcher {
	return &Watcher{coordinator: coordinator, path: path, source: source, debounce: 500 * time.Millisecond, log: log}
}

// Run blocks, triggering a debounced reload on every write/create event to
// the watched path, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reload: fsnotify: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("reload: watch %s: %w", w.path, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.Warnw("reload: watcher error", "error", err)
			}

		case <-fire:
			w.triggerReload(ctx)
		}
	}
}

func (w *Watcher) triggerReload(ctx context.Context) {
	candidate, err := w.source()
	if err != nil {
		if w.log != nil {
			w.log.Warnw("reload: failed to load candidate config", "error", err)
		}
		return
	}
	if err := w.coordinator.Reload(ctx, candidate); err != nil {
		if w.log != nil && !errors.Is(err, ErrAlreadyInProgress) {
			w.log.Errorw("reload failed", "error", err)
		}
	}
}
