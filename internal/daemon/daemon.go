// Package daemon assembles the tunnelkeeper components into a runnable
// service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/netutil"

	"github.com/rennerdo30/tunnelkeeper/internal/api"
	"github.com/rennerdo30/tunnelkeeper/internal/config"
	"github.com/rennerdo30/tunnelkeeper/internal/engine"
	"github.com/rennerdo30/tunnelkeeper/internal/logging"
	"github.com/rennerdo30/tunnelkeeper/internal/metrics"
	"github.com/rennerdo30/tunnelkeeper/internal/monitor"
	"github.com/rennerdo30/tunnelkeeper/internal/network"
	"github.com/rennerdo30/tunnelkeeper/internal/openvpn"
	"github.com/rennerdo30/tunnelkeeper/internal/session"
	"github.com/rennerdo30/tunnelkeeper/internal/util"
)

// ErrAlreadyStarted is returned by Start on a running daemon.
var ErrAlreadyStarted = errors.New("daemon already started")

// Daemon owns every long-lived component. It implements service.Runner and
// service.Reloader.
type Daemon struct {
	configPath string
	optional   bool

	mu      sync.Mutex
	cfg     config.DaemonConfig
	started bool
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	registry  *session.Registry
	collector *metrics.Collector
	engine    *engine.Engine
	adapters  *network.Adapters
	resetter  *network.Resetter
	api       *api.API
	server    *http.Server
	listener  net.Listener
	scheduler *cron.Cron
	serveDone chan struct{}
}

// New creates a daemon from an already loaded configuration. configPath is
// re-read by ReloadConfig; optional tolerates it being absent.
func New(cfg config.DaemonConfig, configPath string, optional bool) *Daemon {
	return &Daemon{
		configPath: configPath,
		optional:   optional,
		cfg:        cfg,
		logger:     logging.WithComponent("daemon"),
	}
}

// Start builds the components and starts serving the control API. It
// returns once the listener is bound.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrAlreadyStarted
	}

	cfg := d.cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	d.logger = logging.WithComponent("daemon")

	// Components outlive the context Start was called with; Stop ends them.
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	d.registry = session.NewRegistry()

	var metricsHandler http.Handler
	if cfg.API.Metrics {
		m := metrics.New()
		d.collector = metrics.NewCollector(m, d.registry.Len)
		d.collector.Start()
		metricsHandler = m.Handler()
	}

	supervisor := openvpn.NewSupervisor(openvpn.SupervisorConfig{
		Binary:      cfg.OpenVPN.Binary,
		WorkDir:     cfg.OpenVPN.WorkDir,
		AuthDir:     cfg.OpenVPN.AuthDir,
		StopTimeout: cfg.OpenVPN.StopTimeout.Duration(),
		Env:         cfg.OpenVPN.Env,
	})
	mon := monitor.New(monitor.Config{
		Registry:     d.registry,
		LogDir:       cfg.Monitor.LogDir,
		PollInterval: cfg.Monitor.PollInterval.Duration(),
		Metrics:      d.collector,
	})
	d.engine = engine.New(engine.Config{
		Registry:   d.registry,
		Supervisor: supervisor,
		Monitor:    mon,
		Metrics:    d.collector,
	})

	apiCfg := api.Config{
		Sessions: d.engine,
		Metrics:  metricsHandler,
		Token:    cfg.API.Token,
	}
	if cfg.Adapters.Enabled {
		d.adapters = network.NewAdapters(network.AdaptersConfig{
			Command:            cfg.Adapters.Command,
			AdapterMarker:      cfg.Adapters.AdapterMarker,
			DisconnectedMarker: cfg.Adapters.DisconnectedMarker,
			Metrics:            d.collector,
		})
		apiCfg.Adapters = d.adapters
	}
	if cfg.NetworkReset.Enabled {
		d.resetter = network.NewResetter(network.ResetConfig{
			Commands: cfg.NetworkReset.Commands,
			Metrics:  d.collector,
		})
		apiCfg.Resetter = d.resetter
	}
	d.api = api.New(apiCfg)

	listener, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		d.abortStart()
		return fmt.Errorf("listen on %s: %w", cfg.API.Listen, err)
	}
	if cfg.API.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.API.MaxConnections)
	}
	d.listener = listener

	d.server = &http.Server{
		Handler:           d.api.Handler(),
		ReadTimeout:       cfg.API.ReadTimeout.Duration(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.API.WriteTimeout.Duration(),
		IdleTimeout:       120 * time.Second,
	}

	if d.adapters != nil {
		if err := d.scheduleAdapterRefresh(cfg.Adapters.RefreshInterval.Duration()); err != nil {
			listener.Close()
			d.abortStart()
			return err
		}
	}

	d.serveDone = make(chan struct{})
	go d.serve(d.server, listener, d.serveDone)

	d.started = true
	d.logger.Info("daemon started",
		"listen", listener.Addr().String(),
		"openvpn", cfg.OpenVPN.Binary,
		"log_dir", cfg.Monitor.LogDir,
		"adapters", cfg.Adapters.Enabled,
		"network_reset", cfg.NetworkReset.Enabled,
		"metrics", cfg.API.Metrics,
	)
	return nil
}

func (d *Daemon) serve(server *http.Server, listener net.Listener, done chan struct{}) {
	defer close(done)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Error("control API stopped", "error", err)
	}
}

// scheduleAdapterRefresh refreshes the adapter counts once in the
// background and then on every interval.
func (d *Daemon) scheduleAdapterRefresh(interval time.Duration) error {
	refresh := func() {
		used, available := d.adapters.Refresh(d.ctx)
		d.logger.Debug("adapters refreshed", "used", used, "available", available)
	}

	d.scheduler = cron.New()
	if _, err := d.scheduler.AddFunc(fmt.Sprintf("@every %s", interval), refresh); err != nil {
		return fmt.Errorf("schedule adapter refresh: %w", err)
	}
	d.scheduler.Start()

	go refresh()
	return nil
}

// abortStart releases what a failed Start already created.
func (d *Daemon) abortStart() {
	d.collector.Stop()
	d.cancel()
}

// Stop stops every session, then the control API and background jobs.
// Sessions go first so their teardown is complete before the process
// exits; it is bounded by ctx.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}
	d.started = false

	d.logger.Info("daemon stopping", "sessions", d.registry.Len())
	errs := util.NewMultiError()

	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
	}

	errs.Add(util.WrapError(d.engine.Shutdown(ctx), "stop sessions"))

	d.api.Close()
	errs.Add(util.WrapError(d.server.Shutdown(ctx), "shutdown control API"))
	<-d.serveDone

	d.collector.Stop()
	d.cancel()

	d.logger.Info("daemon stopped")
	return errs.Err()
}

// ReloadConfig re-reads the configuration file and applies the logging
// section. Every other section takes effect on the next start.
func (d *Daemon) ReloadConfig() error {
	cfg, err := config.LoadDaemonConfig(d.configPath, d.optional)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	if cfg.API != d.cfg.API || cfg.OpenVPN.Binary != d.cfg.OpenVPN.Binary {
		d.logger.Warn("api and openvpn changes require a restart")
	}
	d.cfg = cfg
	d.logger.Info("configuration reloaded", "path", d.configPath)
	return nil
}

// Addr returns the address the control API listens on, or "" before Start.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Engine returns the session engine. It is nil before Start.
func (d *Daemon) Engine() *engine.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}
