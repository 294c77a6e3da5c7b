// Command xdplb is the process entry point: it parses the CLI surface,
// loads or synthesizes a configuration, attaches the dataplane to its
// interfaces, and runs the control plane until an interrupt or termination
// signal, with one errgroup goroutine per background surface (reload
// watcher, admin HTTP, hangup-signal listener).
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/xdplb/xdplb/common/go/logging"
	"github.com/xdplb/xdplb/common/go/xcmd"
	"github.com/xdplb/xdplb/internal/admin"
	"github.com/xdplb/xdplb/internal/app"
	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/config"
	"github.com/xdplb/xdplb/internal/lifecycle"
	"github.com/xdplb/xdplb/internal/reload"
)

// cliFlags is the full CLI surface of the command.
type cliFlags struct {
	ConfigPath string
	Interfaces []string
	Port       uint16
	Target     string
	Stats      bool
	Verbose    bool
	AdminAddr  string
	ObjectPath string
}

var flags cliFlags

var rootCmd = &cobra.Command{
	Use:   "xdplb",
	Short: "XDP/TC weighted L4 load balancer control plane",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(flags)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to the declarative config file")
	rootCmd.Flags().StringArrayVar(&flags.Interfaces, "interface", nil, "interface to attach (repeatable); used only without --config")
	rootCmd.Flags().Uint16Var(&flags.Port, "port", 0, "listen port; used only without --config")
	rootCmd.Flags().StringVar(&flags.Target, "target", "", "ip:port of a single backend target; used only without --config")
	rootCmd.Flags().BoolVar(&flags.Stats, "stats", false, "enable the stats ring-buffer and access log; used only without --config")
	rootCmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false, "debug-level logging")
	rootCmd.Flags().StringVar(&flags.AdminAddr, "admin-addr", "127.0.0.1:9600", "admin HTTP listen address")
	rootCmd.Flags().StringVar(&flags.ObjectPath, "bpf-obj", "", "path to the compiled XDP/TC object; maps run detached from any program when omitted")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cliFlags) error {
	log, err := initLogging(flags.Verbose)
	if err != nil {
		return fmt.Errorf("xdplb: init logging: %w", err)
	}
	defer log.Sync()

	initial, err := loadOrSynthesizeConfig(flags)
	if err != nil {
		return fmt.Errorf("xdplb: load config: %w", err)
	}

	a, err := app.New(app.Options{
		Family:              codec.FamilyIPv4,
		Log:                 log,
		StatsRingBufferSize: initial.Settings.StatsRingBufferSize,
	})
	if err != nil {
		return fmt.Errorf("xdplb: build app: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx, initial); err != nil {
		_ = a.Close()
		return fmt.Errorf("xdplb: start: %w", err)
	}
	defer a.Close()

	if flags.ObjectPath != "" {
		dp, err := lifecycle.Load(flags.ObjectPath, log)
		if err != nil {
			return fmt.Errorf("xdplb: load dataplane object: %w", err)
		}
		defer func() {
			closeCtx, closeCancel := lifecycle.WithJoinTimeout(context.Background())
			defer closeCancel()
			if err := dp.Close(closeCtx); err != nil {
				log.Warnw("dataplane teardown failed", "error", err)
			}
		}()
		for _, name := range listenInterfaces(initial) {
			if err := dp.Attach(name); err != nil {
				// A missing interface degrades to a skip; the proxy keeps
				// serving on the interfaces that did attach.
				log.Warnw("dataplane attach failed, skipping interface", "interface", name, "error", err)
			}
		}
	}

	coordinator := reload.New(initial, a, log)

	wg, gctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(gctx)
		log.Infow("caught signal, shutting down", "error", err)
		cancel()
		return nil
	})

	if flags.ConfigPath != "" {
		wg.Go(func() error {
			return runHangupReload(gctx, coordinator, flags.ConfigPath, log)
		})

		watcher := reload.NewWatcher(coordinator, flags.ConfigPath, func() (*config.Config, error) {
			return config.LoadConfig(flags.ConfigPath)
		}, log)
		wg.Go(func() error {
			if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
				log.Warnw("config file watcher stopped", "error", err)
			}
			return nil
		})
	}

	wg.Go(func() error {
		server := admin.New(coordinator, a, flags.ConfigPath, nil, log)
		return admin.Serve(gctx, flags.AdminAddr, server, log)
	})

	if err := wg.Wait(); err != nil {
		return fmt.Errorf("xdplb: %w", err)
	}
	return nil
}

// runHangupReload re-reads the config file and reloads on SIGHUP,
// independent of the file watcher's edit-driven path.
func runHangupReload(ctx context.Context, coordinator *reload.Coordinator, path string, log *zap.SugaredLogger) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			candidate, err := config.LoadConfig(path)
			if err != nil {
				log.Warnw("sighup reload: failed to load candidate config", "error", err)
				continue
			}
			if err := coordinator.Reload(ctx, candidate); err != nil {
				log.Warnw("sighup reload failed", "error", err)
			} else {
				log.Infow("sighup reload applied")
			}
		}
	}
}

// initLogging maps the single --verbose flag onto the logging level.
func initLogging(verbose bool) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	log, _, err := logging.Init(level)
	return log, err
}

// loadOrSynthesizeConfig supports both entry modes: a --config file, or
// the ad hoc --interface/--port/--target flags building a single default
// proxy with one target at its implicit weight of 100.
func loadOrSynthesizeConfig(flags cliFlags) (*config.Config, error) {
	if flags.ConfigPath != "" {
		return config.LoadConfig(flags.ConfigPath)
	}

	if len(flags.Interfaces) == 0 || flags.Port == 0 || flags.Target == "" {
		return nil, fmt.Errorf("xdplb: --config or all of --interface/--port/--target are required")
	}

	ip, port, err := splitHostPort(flags.Target)
	if err != nil {
		return nil, fmt.Errorf("xdplb: parse --target %s: %w", flags.Target, err)
	}

	cfg := config.DefaultConfig()
	cfg.Settings.StatsEnabled = flags.Stats
	cfg.Settings.AccessLog.Enabled = flags.Stats
	cfg.Proxies = []config.ProxyConfig{{
		Name: "default",
		Listen: config.ListenConfig{
			Interfaces: flags.Interfaces,
			Port:       flags.Port,
		},
		Default: config.TargetGroupConfig{
			Targets: []config.WeightedTargetConfig{{IP: ip, Port: port, Weight: 100}},
		},
	}}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listenInterfaces returns the deduplicated union of every proxy's listen
// interfaces.
func listenInterfaces(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range cfg.Proxies {
		for _, name := range p.Listen.Interfaces {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

func splitHostPort(hostPort string) (string, uint16, error) {
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	host, portStr := hostPort[:idx], hostPort[idx+1:]
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return addr.String(), uint16(port), nil
}
