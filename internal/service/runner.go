package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
)

// ShutdownTimeout is the maximum time allowed for graceful shutdown. It
// leaves room for every live tunnel to go through its stop timeout.
const ShutdownTimeout = 30 * time.Second

// Runner defines the interface for a runnable service.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Reloader defines the interface for a service that supports config reload.
type Reloader interface {
	ReloadConfig() error
}

// Run executes the service until it is asked to stop.
// On Windows, it detects if running as a service and uses SCM.
// On other platforms (or interactive mode), it handles signals.
func Run(name string, runner Runner) error {
	return run(name, runner)
}

// serve starts runner and then consumes signals until a shutdown signal
// arrives or the channel is closed. Reload signals are forwarded to runners
// implementing Reloader.
func serve(runner Runner, signals <-chan os.Signal, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.WithComponent("service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	for sig := range signals {
		if isReloadSignal(sig) {
			reload(runner, logger)
			continue
		}
		logger.Info("received shutdown signal", "signal", sig)
		break
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer stopCancel()
	return runner.Stop(stopCtx)
}

func reload(runner Runner, logger *slog.Logger) {
	reloader, ok := runner.(Reloader)
	if !ok {
		logger.Info("reload requested but service does not support it")
		return
	}

	logger.Info("reloading configuration")
	if err := reloader.ReloadConfig(); err != nil {
		logger.Error("config reload failed", "error", err)
	}
}
