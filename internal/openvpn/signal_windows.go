//go:build windows

package openvpn

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// interrupt sends CTRL_BREAK to the process group. This fails when the
// daemon runs as a service without a console, in which case the caller
// falls back to kill.
func interrupt(p *os.Process) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.Pid)) //nolint:gosec // G115: pids fit in uint32
}

func kill(p *os.Process) error {
	return p.Kill()
}
