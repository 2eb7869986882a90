//go:build windows

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
)

func run(name string, runner Runner) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		logging.Warn("failed to detect if running as Windows service, assuming interactive", "error", err)
		return runInteractive(runner)
	}

	if isService {
		return svc.Run(name, &serviceHandler{runner: runner})
	}

	return runInteractive(runner)
}

func runInteractive(runner Runner) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	return serve(runner, sigChan, nil)
}

// Windows has no reload signal; the service control manager is used
// instead.
func isReloadSignal(os.Signal) bool {
	return false
}

type serviceHandler struct {
	runner Runner
}

func (h *serviceHandler) Execute(_ []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptParamChange

	logger := logging.WithComponent("service")
	s <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.runner.Start(ctx); err != nil {
		logger.Error("failed to start service", "error", err)
		return true, 1
	}

	s <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

loop:
	for c := range r {
		switch c.Cmd {
		case svc.Interrogate:
			s <- c.CurrentStatus
		case svc.ParamChange:
			reload(h.runner, logger)
			s <- c.CurrentStatus
		case svc.Stop, svc.Shutdown:
			logger.Info("service stopping")
			s <- svc.Status{State: svc.StopPending}
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			if err := h.runner.Stop(stopCtx); err != nil {
				logger.Error("error stopping service", "error", err)
			}
			stopCancel()
			break loop
		default:
			logger.Warn("unexpected service control request", "cmd", c.Cmd)
		}
	}

	return false, 0
}
