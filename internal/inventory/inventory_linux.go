//go:build linux

package inventory

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Snapshot reads /proc directly rather than going through gopsutil's
// per-PID Process objects, because a full-table sweep calls this for every
// PID on the system. Each entry takes name and ppid from /proc/<pid>/stat,
// plus the exe link and cmdline; start time is not read.
func (s *System) Snapshot() (map[int32]ProcInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	out := make(map[int32]ProcInfo, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		info, ok := readProc(int32(pid))
		if !ok {
			continue // best-effort: InventoryDenied / already gone
		}
		out[int32(pid)] = info
	}
	return out, nil
}

func readProc(pid int32) (ProcInfo, bool) {
	base := "/proc/" + strconv.Itoa(int(pid))

	statBytes, err := os.ReadFile(base + "/stat")
	if err != nil {
		return ProcInfo{}, false
	}
	name, ppid, ok := parseStat(string(statBytes))
	if !ok {
		return ProcInfo{}, false
	}

	exe, _ := os.Readlink(base + "/exe")

	cmdlineBytes, _ := os.ReadFile(base + "/cmdline")
	var cmdline []string
	if len(cmdlineBytes) > 0 {
		for _, tok := range strings.Split(strings.TrimRight(string(cmdlineBytes), "\x00"), "\x00") {
			if tok != "" {
				cmdline = append(cmdline, strings.ToLower(tok))
			}
		}
	}

	return ProcInfo{
		PID:     pid,
		PPID:    ppid,
		Name:    strings.ToLower(name),
		Exe:     strings.ToLower(exe),
		Cmdline: cmdline,
	}, true
}

// parseStat extracts comm (field 2, parenthesized, may contain spaces) and
// ppid (field 4) from /proc/<pid>/stat.
func parseStat(s string) (name string, ppid int32, ok bool) {
	open := strings.IndexByte(s, '(')
	shut := strings.LastIndexByte(s, ')')
	if open < 0 || shut < 0 || shut < open {
		return "", 0, false
	}
	name = s[open+1 : shut]
	rest := strings.Fields(s[shut+1:])
	if len(rest) < 2 {
		return "", 0, false
	}
	// rest[0] = state, rest[1] = ppid
	p, err := strconv.Atoi(rest[1])
	if err != nil {
		return "", 0, false
	}
	return name, int32(p), true
}

// Alive checks liveness via kill(pid, 0) and filters zombies, which are
// "alive" by that signal but not a real running instance.
func (s *System) Alive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(int(pid), 0); err != nil {
		return false
	}
	statusBytes, err := os.ReadFile("/proc/" + strconv.Itoa(int(pid)) + "/status")
	if err != nil {
		// process vanished between the signal probe and the read; not alive
		return false
	}
	for _, line := range strings.Split(string(statusBytes), "\n") {
		if strings.HasPrefix(line, "State:") {
			return !strings.Contains(line, "Z (zombie)")
		}
	}
	return true
}
