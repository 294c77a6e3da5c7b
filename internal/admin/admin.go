// Package admin exposes the admin HTTP reload trigger and a handful of
// read/operator endpoints (drain control, current config, Prometheus
// scrape) behind one http.Handler: a plain ServeMux of path patterns,
// each backed by a handler that returns an error instead of writing it
// directly, with one wrapper translating that error into a JSON body and
// status code.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xdplb/xdplb/internal/config"
	"github.com/xdplb/xdplb/internal/reload"
	"github.com/xdplb/xdplb/internal/weight"
)

// DrainController is the subset of App's drain API the admin surface
// drives.
type DrainController interface {
	Drain(proxy, target string, timeout time.Duration) error
	Undrain(proxy, target string) error
}

// Server wires the reload coordinator, a drain controller and a
// prometheus.Collector behind one http.Handler. It holds no goroutines of
// its own; callers drive it with an *http.Server bound to a configured
// address.
type Server struct {
	coordinator *reload.Coordinator
	drain       DrainController
	configPath  string
	log         *zap.SugaredLogger
	mux         *http.ServeMux
}

// New returns a Server. metricsHandler is typically promhttp.Handler()
// wrapping the App's metrics.Collector registered into a
// prometheus.Registry by the caller; this package never reaches into map
// state directly.
func New(coordinator *reload.Coordinator, drain DrainController, configPath string, metricsHandler http.Handler, log *zap.SugaredLogger) *Server {
	s := &Server{coordinator: coordinator, drain: drain, configPath: configPath, log: log, mux: http.NewServeMux()}
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	s.mux.Handle("/metrics", metricsHandler)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/config", s.wrap(s.handleConfig))
	s.mux.HandleFunc("/route", s.wrap(s.handleRoute))
	s.mux.HandleFunc("/reload", s.wrap(s.handleReload))
	s.mux.HandleFunc("/drain", s.wrap(s.handleDrain))
	s.mux.HandleFunc("/undrain", s.wrap(s.handleUndrain))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type adminHandlerFunc func(w http.ResponseWriter, r *http.Request) error

// apiError carries the HTTP status a handler wants surfaced; unwrapped
// errors default to 500.
type apiError struct {
	status int
	err    error
}

func (e apiError) Error() string { return e.err.Error() }
func (e apiError) Unwrap() error { return e.err }

func statusErr(status int, format string, args ...any) error {
	return apiError{status: status, err: fmt.Errorf(format, args...)}
}

func (s *Server) wrap(h adminHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			var ae apiError
			status := http.StatusInternalServerError
			if errors.As(err, &ae) {
				status = ae.status
			}
			if s.log != nil {
				s.log.Warnw("admin request failed", "path", r.URL.Path, "status", status, "error", err)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleConfig returns the currently running configuration: the admin
// surface doubles as the read path for "what is live right now".
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return statusErr(http.StatusMethodNotAllowed, "admin: method %s not allowed on /config", r.Method)
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(s.coordinator.Current())
}

type routeTarget struct {
	Addr             string `json:"addr"`
	Port             uint16 `json:"port"`
	CumulativeWeight uint16 `json:"cumulative_weight"`
}

type routeAnswer struct {
	Proxy   string        `json:"proxy"`
	Matched string        `json:"matched"` // "source_route" or "default"
	Targets []routeTarget `json:"targets"`
}

// handleRoute answers "which target group would a packet from src hit on
// this proxy" from the config model alone, mirroring the kernel's
// longest-prefix-match decision without touching the maps. Useful for
// verifying a routing config before pointing traffic at it.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return statusErr(http.StatusMethodNotAllowed, "admin: method %s not allowed on /route", r.Method)
	}

	proxyName := r.URL.Query().Get("proxy")
	src, err := netip.ParseAddr(r.URL.Query().Get("src"))
	if err != nil {
		return statusErr(http.StatusBadRequest, "admin: parse src: %w", err)
	}

	for _, p := range s.coordinator.Current().Proxies {
		if p.Name != proxyName {
			continue
		}

		answer := routeAnswer{Proxy: p.Name, Matched: "default"}
		var group *weight.TargetGroup

		idx, err := config.NewProxyRouteIndex(p)
		if err == nil {
			if tg, ok := idx.Lookup(src); ok {
				answer.Matched = "source_route"
				group = tg
			}
		}
		if group == nil {
			tg, err := config.StaticGroup(p.Default)
			if err != nil {
				return statusErr(http.StatusConflict, "admin: proxy %s default group has no static targets: %w", p.Name, err)
			}
			group = tg
		}

		for i, wt := range group.Targets {
			answer.Targets = append(answer.Targets, routeTarget{
				Addr:             wt.Target.Addr.String(),
				Port:             wt.Target.Port,
				CumulativeWeight: group.Cumulative[i],
			})
		}
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(answer)
	}

	return statusErr(http.StatusNotFound, "admin: proxy %q not found", proxyName)
}

// handleReload accepts a candidate config body (or, with no body,
// re-reads configPath from disk) and drives it through the same
// Coordinator.Reload path a file-watch or hangup-signal trigger would.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return statusErr(http.StatusMethodNotAllowed, "admin: method %s not allowed on /reload", r.Method)
	}

	var candidate *config.Config
	if r.ContentLength > 0 {
		candidate = &config.Config{}
		if err := json.NewDecoder(r.Body).Decode(candidate); err != nil {
			return statusErr(http.StatusBadRequest, "admin: decode candidate config: %w", err)
		}
	} else {
		loaded, err := config.LoadConfig(s.configPath)
		if err != nil {
			return statusErr(http.StatusBadRequest, "admin: load config %s: %w", s.configPath, err)
		}
		candidate = loaded
	}

	if err := s.coordinator.Reload(r.Context(), candidate); err != nil {
		if errors.Is(err, reload.ErrAlreadyInProgress) {
			return statusErr(http.StatusConflict, "admin: %w", err)
		}
		return statusErr(http.StatusUnprocessableEntity, "admin: %w", err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

type drainRequest struct {
	Proxy      string        `json:"proxy"`
	Target     string        `json:"target"`
	TimeoutSec time.Duration `json:"timeout_seconds"`
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return statusErr(http.StatusMethodNotAllowed, "admin: method %s not allowed on /drain", r.Method)
	}
	var req drainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return statusErr(http.StatusBadRequest, "admin: decode drain request: %w", err)
	}
	timeout := req.TimeoutSec * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := s.drain.Drain(req.Proxy, req.Target, timeout); err != nil {
		return statusErr(http.StatusConflict, "admin: %w", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleUndrain(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return statusErr(http.StatusMethodNotAllowed, "admin: method %s not allowed on /undrain", r.Method)
	}
	var req drainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return statusErr(http.StatusBadRequest, "admin: decode undrain request: %w", err)
	}
	if err := s.drain.Undrain(req.Proxy, req.Target); err != nil {
		return statusErr(http.StatusNotFound, "admin: %w", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Serve runs an *http.Server bound to addr until ctx is cancelled, then
// shuts it down within the 2s join timeout.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.SugaredLogger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil && log != nil {
			log.Warnw("admin: shutdown did not complete cleanly", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
