//go:build !linux

package inventory

import (
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is built on gopsutil/v4 for CPU/memory sampling and
// process-start-time lookups, for portability across darwin and windows.
func (s *System) Snapshot() (map[int32]ProcInfo, error) {
	pids, err := process.Pids()
	if err != nil {
		return nil, err
	}
	out := make(map[int32]ProcInfo, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue // InventoryDenied: best-effort, not fatal
		}
		name, _ := p.Name()
		ppid, _ := p.Ppid()
		exe, _ := p.Exe()
		cmdline, _ := p.CmdlineSlice()
		lowered := make([]string, len(cmdline))
		for i, c := range cmdline {
			lowered[i] = strings.ToLower(c)
		}
		out[pid] = ProcInfo{
			PID:     pid,
			PPID:    ppid,
			Name:    strings.ToLower(name),
			Exe:     strings.ToLower(exe),
			Cmdline: lowered,
		}
	}
	return out, nil
}

func (s *System) Alive(pid int32) bool {
	exists, err := process.PidExists(pid)
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, st := range status {
		if strings.HasPrefix(st, "Z") {
			return false
		}
	}
	return true
}
