// Package inventory is the live process table the supervisor reads to
// discover, track, and reap a service's descendants. It is read-only,
// shared across all supervisors, and re-queried on every call — there is
// no cached global state. Every lookup is best-effort:
// permission errors and already-gone processes are swallowed, never
// fatal (werr.InventoryDenied).
package inventory

import "strings"

// ProcInfo is one row of a Snapshot: a process's identity, lowercased for
// case-insensitive matching by Descendant discovery.
type ProcInfo struct {
	PID     int32
	PPID    int32
	Name    string
	Exe     string
	Cmdline []string
}

// CmdlineJoined returns the process's argv joined with spaces, for
// substring matching against the executable basename or a profile flag.
func (p ProcInfo) CmdlineJoined() string {
	return strings.Join(p.Cmdline, " ")
}

// Inventory is the interface internal/discovery and internal/terminator
// depend on, so both can be driven by a fake in unit tests without
// spawning real processes.
type Inventory interface {
	Snapshot() (map[int32]ProcInfo, error)
	Alive(pid int32) bool
	Children(pid int32) ([]int32, error)
	Cmdline(pid int32) ([]string, error)
}

// System is the production Inventory, backed by the OS process table.
type System struct{}

func New() *System { return &System{} }

// Children returns the immediate (non-recursive) children of pid by
// scanning a fresh Snapshot. Recursive expansion is Descendant discovery's
// job, one level at a time via repeated calls to the live inventory's
// children(pid, recursive=false).
func (s *System) Children(pid int32) ([]int32, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	var out []int32
	for p, info := range snap {
		if info.PPID == pid {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *System) Cmdline(pid int32) ([]string, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	if info, ok := snap[pid]; ok {
		return info.Cmdline, nil
	}
	return nil, nil
}
