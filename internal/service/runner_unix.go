//go:build !windows

package service

import (
	"os"
	"os/signal"
	"syscall"
)

func run(_ string, runner Runner) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	return serve(runner, sigChan, nil)
}

func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}
