// tapbridged runs a tap-style 6LoWHAM radio agent as a child process and
// speaks the agent link protocol to it: frames queued over the control
// socket are sent to the agent, and frames the agent reports are parsed
// as Ethernet and counted in metrics, with IPv6/ICMPv6 decoder
// registries attached for payload decoding.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lpnet/tapbridge/internal/config"
	"github.com/lpnet/tapbridge/internal/controlsock"
	"github.com/lpnet/tapbridge/internal/ethernet"
	"github.com/lpnet/tapbridge/internal/icmpv6"
	"github.com/lpnet/tapbridge/internal/ipv6"
	"github.com/lpnet/tapbridge/internal/link"
	bridgemetrics "github.com/lpnet/tapbridge/internal/metrics"
	"github.com/lpnet/tapbridge/internal/transport"
	appversion "github.com/lpnet/tapbridge/internal/version"
)

// shutdownTimeout bounds how long graceful shutdown waits for the HTTP
// metrics server to drain.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	dumpConfig := flag.Bool("dump-config", false, "print the resolved configuration as YAML and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	if *dumpConfig {
		out, err := config.DumpYAML(cfg)
		if err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to render configuration",
				slog.String("error", err.Error()),
			)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tapbridged starting",
		slog.String("version", appversion.Version),
		slog.String("agent_path", cfg.Agent.Path),
		slog.String("control_socket", cfg.Control.SocketPath),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := bridgemetrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("tapbridged exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("tapbridged stopped")
	return 0
}

// runServers wires the link state machine, the agent transport, the
// control socket, and the metrics HTTP endpoint together and runs them
// under a signal-aware errgroup until shutdown.
func runServers(
	cfg *config.Config,
	collector *bridgemetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ethRegistry, ipv6Registry := newDecoderRegistries()

	var opts []link.Option
	opts = append(opts,
		link.WithTxAttempts(cfg.Agent.TxAttempts),
		link.WithEthernetRegistry(ethRegistry),
		link.WithLogger(logger),
	)
	if cfg.Agent.Name != "" {
		opts = append(opts, link.WithInitialName(cfg.Agent.Name))
	}
	if mac, err := ethernet.ParseAddr(cfg.Agent.MAC); err == nil {
		opts = append(opts, link.WithInitialMAC(mac))
	}
	if cfg.Agent.MTU != 0 {
		opts = append(opts, link.WithInitialMTU(cfg.Agent.MTU))
	}

	l := link.New(opts...)

	var transportOpts []transport.Option
	transportOpts = append(transportOpts, transport.WithAgentPath(cfg.Agent.Path), transport.WithLogger(logger))
	if cfg.Agent.Name != "" || cfg.Agent.MAC != "" || cfg.Agent.MTU != 0 {
		var namePtr *string
		var macPtr *ethernet.Addr
		var mtuPtr *uint16
		if cfg.Agent.Name != "" {
			namePtr = &cfg.Agent.Name
		}
		if mac, err := ethernet.ParseAddr(cfg.Agent.MAC); err == nil {
			macPtr = &mac
		}
		if cfg.Agent.MTU != 0 {
			mtuPtr = &cfg.Agent.MTU
		}
		transportOpts = append(transportOpts, transport.WithInterfaceHints(namePtr, macPtr, mtuPtr))
	}
	transportOpts = append(transportOpts, transport.WithOnChildExit(collector.IncChildRestarts))

	tr := transport.New(l, transportOpts...)
	l.SetSink(tr)

	ctrl, err := controlsock.NewServer(cfg.Control.SocketPath, l, logger)
	if err != nil {
		return fmt.Errorf("create control socket: %w", err)
	}

	wireMetricsCallbacks(l, ctrl, collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// The link's own context is independent of the signal context: Stop
	// asks the agent to exit cooperatively (an EOT frame) and the Run
	// loop ends when the resulting child exit is observed. linkCancel is
	// only a backstop for an agent that never reacts to EOT.
	linkCtx, linkCancel := context.WithCancel(context.Background())
	defer linkCancel()

	g.Go(func() error { return l.Run(linkCtx) })
	g.Go(func() error { return tr.Start(gCtx) })
	g.Go(func() error { return ctrl.Serve(gCtx) })

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	startSIGHUPReload(gCtx, g, configPath, logLevel, logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, l, ctrl, metricsSrv, logger, linkCancel)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// newDecoderRegistries builds the Ethernet and IPv6 decoder registries,
// wiring ICMPv6 in as the sole registered IPv6 upper-layer protocol.
func newDecoderRegistries() (*ethernet.Registry, *ipv6.Registry) {
	ipv6Registry := ipv6.NewRegistry(icmpv6.Parse)

	ethRegistry := ethernet.NewRegistry(func(payload []byte) (any, error) {
		datagram, err := ipv6.Parse(payload, ipv6Registry)
		if err != nil {
			return nil, err
		}
		return datagram, nil
	})

	return ethRegistry, ipv6Registry
}

// wireMetricsCallbacks subscribes to link lifecycle events so the
// Prometheus collector and control-socket status snapshot stay current
// without the link package needing to know about either.
func wireMetricsCallbacks(l *link.Link, ctrl *controlsock.Server, collector *bridgemetrics.Collector) {
	l.OnConnected(func(info link.AgentInfo) {
		collector.SetConnected(true)
		ctrl.UpdateStatus(controlsock.Status{
			Connected: true,
			Name:      info.Name,
			MAC:       info.MAC.String(),
			MTU:       info.MTU,
			Index:     info.Index,
		})
	})
	l.OnDisconnected(func() {
		collector.SetConnected(false)
		ctrl.UpdateStatus(controlsock.Status{Connected: false})
	})
	l.OnReceivedFrame(func(ethernet.Frame) {
		collector.IncFrames(bridgemetrics.DirectionInbound)
	})
	l.OnAck(func() {
		collector.IncAcks()
		collector.IncFrames(bridgemetrics.DirectionOutbound)
	})
	l.OnNak(collector.IncNaks)
	l.OnDropped(collector.IncDropped)
	l.OnQueueDepthChanged(collector.SetQueueDepth)
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only
// -------------------------------------------------------------------------

func startSIGHUPReload(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				reloadLogLevel(configPath, logLevel, logger)
			}
		}
	})
}

// reloadLogLevel reloads configuration and updates the dynamic log level.
// Other settings (agent path, hints) require a restart to take effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, l *link.Link, ctrl *controlsock.Server, metricsSrv *http.Server, logger *slog.Logger, linkCancel context.CancelFunc) error {
	logger.Info("initiating graceful shutdown")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := l.Stop(stopCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("stop link: %w", err))
	}
	linkCancel()
	if err := ctrl.Close(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("close control socket: %w", err))
	}
	if err := metricsSrv.Shutdown(stopCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown metrics server: %w", err))
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// HTTP Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Config Loading
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
