package openvpn

import (
	"context"
	"log/slog"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// descendant is a process started below OpenVPN, such as an up/down script
// or a helper that detached into its own process group.
type descendant struct {
	pid     int32
	created int64 // creation time in ms, guards against pid reuse
}

// descendants lists every live process below pid.
func descendants(ctx context.Context, pid int32) []descendant {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}

	children := make(map[int32][]*process.Process)
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p)
	}

	var out []descendant
	queue := []int32{pid}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range children[parent] {
			created, err := child.CreateTimeWithContext(ctx)
			if err != nil {
				continue
			}
			out = append(out, descendant{pid: child.Pid, created: created})
			queue = append(queue, child.Pid)
		}
	}
	return out
}

// killSurvivors kills the listed processes that are still running and
// returns how many it killed.
func killSurvivors(ctx context.Context, list []descendant, logger *slog.Logger) int {
	killed := 0
	for _, d := range list {
		p, err := process.NewProcessWithContext(ctx, d.pid)
		if err != nil {
			continue
		}
		if created, err := p.CreateTimeWithContext(ctx); err != nil || created != d.created {
			continue
		}
		if status, err := p.StatusWithContext(ctx); err == nil && slices.Contains(status, process.Zombie) {
			continue
		}

		if err := p.KillWithContext(ctx); err != nil {
			logger.Warn("failed to kill leftover process", "pid", d.pid, "error", err)
			continue
		}
		logger.Warn("killed leftover process", "pid", d.pid)
		killed++
	}
	return killed
}
