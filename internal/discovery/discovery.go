// Package discovery implements snapshot-diff descendant discovery: given a
// process inventory taken just before a spawn and one taken just after,
// it produces the set of PIDs that should be tracked as "this service".
//
// Every function here is pure over its inputs (maps and a live
// inventory.Inventory for the expansion/final-filter steps), so it is
// independently unit-testable with
// synthetic snapshots rather than real spawned processes.
package discovery

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/watchsup/internal/inventory"
)

// Config carries the subset of config.ServiceConfig the candidate filter
// and expansion steps need. It is passed by value so discovery never
// imports internal/config (keeping it a leaf package).
type Config struct {
	ExePath         string // the resolved LaunchSpec.Path
	ProcessNames    []string
	AncestorDepth   int // default 10
	DescendantLimit int // default 50
	ProfileFlag     string
}

func (c Config) ancestorDepth() int {
	if c.AncestorDepth <= 0 {
		return 10
	}
	return c.AncestorDepth
}

func (c Config) descendantLimit() int {
	if c.DescendantLimit <= 0 {
		return 50
	}
	return c.DescendantLimit
}

func (c Config) exeBasename() string {
	return strings.ToLower(filepath.Base(c.ExePath))
}

func (c Config) exeStem() string {
	base := c.exeBasename()
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (c Config) exeDir() string {
	return strings.ToLower(filepath.Dir(c.ExePath))
}

func (c Config) allowedNames() map[string]struct{} {
	out := map[string]struct{}{c.exeBasename(): {}}
	for _, n := range c.ProcessNames {
		out[strings.ToLower(n)] = struct{}{}
	}
	return out
}

// matchesProfile reports whether info satisfies the profile filter: either
// no profile is configured, or the flag appears as a substring of the
// joined command-line.
func matchesProfile(info inventory.ProcInfo, profileFlag string) bool {
	if profileFlag == "" {
		return true
	}
	return strings.Contains(info.CmdlineJoined(), profileFlag)
}

// Discover walks from the direct child to the full tracked-PID set: seed
// candidates, filter by profile, expand to descendants, and filter again.
func Discover(before, after map[int32]inventory.ProcInfo, parentPID int32, cfg Config, inv inventory.Inventory) ([]int32, error) {
	newPIDs := diff(before, after)

	candidates := candidateFilter(newPIDs, after, parentPID, cfg)

	if len(candidates) == 0 {
		if cfg.ProfileFlag != "" {
			return nil, nil // step 3: profile-first short-circuit
		}
		// step 3 fallback: raw diff as candidates
		for pid := range newPIDs {
			candidates[pid] = struct{}{}
		}
	}

	expanded, err := expand(candidates, cfg, inv)
	if err != nil {
		return nil, err
	}

	return finalFilter(expanded, cfg, inv), nil
}

func diff(before, after map[int32]inventory.ProcInfo) map[int32]struct{} {
	out := make(map[int32]struct{})
	for pid := range after {
		if _, existed := before[pid]; !existed {
			out[pid] = struct{}{}
		}
	}
	return out
}

func candidateFilter(newPIDs map[int32]struct{}, after map[int32]inventory.ProcInfo, parentPID int32, cfg Config) map[int32]struct{} {
	out := make(map[int32]struct{})
	allowed := cfg.allowedNames()
	for pid := range newPIDs {
		if pid == parentPID {
			continue // the direct child is tracked separately by the Supervisor
		}
		info, ok := after[pid]
		if !ok {
			continue
		}
		if !profileFilterForCandidate(info, after, cfg) {
			continue
		}
		if matchesCandidateRule(pid, info, newPIDs, after, parentPID, allowed, cfg) {
			out[pid] = struct{}{}
		}
	}
	return out
}

// profileFilterForCandidate implements "the PID or its parent satisfies
// the profile filter".
func profileFilterForCandidate(info inventory.ProcInfo, after map[int32]inventory.ProcInfo, cfg Config) bool {
	if cfg.ProfileFlag == "" {
		return true
	}
	if matchesProfile(info, cfg.ProfileFlag) {
		return true
	}
	if parent, ok := after[info.PPID]; ok {
		return matchesProfile(parent, cfg.ProfileFlag)
	}
	return false
}

func matchesCandidateRule(pid int32, info inventory.ProcInfo, newPIDs map[int32]struct{}, after map[int32]inventory.ProcInfo, parentPID int32, allowed map[string]struct{}, cfg Config) bool {
	// a) parent is P, or parent is itself a new PID (sibling descendant)
	if info.PPID == parentPID {
		return true
	}
	if _, ok := newPIDs[info.PPID]; ok {
		return true
	}
	// b) name matches the allow-list (basename or explicit process_names)
	if _, ok := allowed[info.Name]; ok {
		return true
	}
	// c) name contains the executable's stem token
	if stem := cfg.exeStem(); stem != "" && strings.Contains(info.Name, stem) {
		return true
	}
	// d) image path begins with the executable's directory
	if dir := cfg.exeDir(); dir != "" && strings.HasPrefix(info.Exe, dir) {
		return true
	}
	// e) executable basename appears anywhere in the joined command-line
	if base := cfg.exeBasename(); base != "" && strings.Contains(info.CmdlineJoined(), base) {
		return true
	}
	// f) parent's name equals the executable basename
	if parent, ok := after[info.PPID]; ok && parent.Name == cfg.exeBasename() {
		return true
	}
	// g) ancestor within AncestorDepth is P or in the allowed set, and that
	// ancestor itself matches the profile filter
	return ancestorMatches(pid, after, parentPID, allowed, cfg)
}

// ancestorMatches walks up the parent chain (up to AncestorDepth hops)
// looking for an ancestor that is either P or whose name is in the
// allowed set, requiring that ancestor itself to pass the profile filter.
func ancestorMatches(pid int32, after map[int32]inventory.ProcInfo, parentPID int32, allowed map[string]struct{}, cfg Config) bool {
	cur := pid
	for depth := 0; depth < cfg.ancestorDepth(); depth++ {
		info, ok := after[cur]
		if !ok {
			return false
		}
		ppid := info.PPID
		if ppid == parentPID {
			return true // P itself always passes the profile filter by construction
		}
		ancestor, ok := after[ppid]
		if !ok {
			return false
		}
		if _, isAllowedName := allowed[ancestor.Name]; isAllowedName && matchesProfile(ancestor, cfg.ProfileFlag) {
			return true
		}
		cur = ppid
	}
	return false
}

// expand performs the capped breadth-first walk over the live inventory's
// children(pid).
func expand(candidates map[int32]struct{}, cfg Config, inv inventory.Inventory) (map[int32]struct{}, error) {
	limit := cfg.descendantLimit()
	visited := make(map[int32]struct{}, len(candidates))
	queue := make([]int32, 0, len(candidates))
	for pid := range candidates {
		if len(visited) >= limit {
			break
		}
		visited[pid] = struct{}{}
		queue = append(queue, pid)
	}

	for len(queue) > 0 && len(visited) < limit {
		pid := queue[0]
		queue = queue[1:]

		children, err := inv.Children(pid)
		if err != nil {
			continue // InventoryDenied: best-effort
		}
		for _, c := range children {
			if len(visited) >= limit {
				break
			}
			if _, already := visited[c]; already {
				continue
			}
			if cfg.ProfileFlag != "" {
				cmdline, err := inv.Cmdline(c)
				if err != nil {
					continue
				}
				if !strings.Contains(strings.Join(cmdline, " "), cfg.ProfileFlag) {
					continue
				}
			}
			visited[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return visited, nil
}

// finalFilter returns the sorted set of PIDs that still pass the profile
// filter against the live inventory.
func finalFilter(pids map[int32]struct{}, cfg Config, inv inventory.Inventory) []int32 {
	out := make([]int32, 0, len(pids))
	for pid := range pids {
		if cfg.ProfileFlag != "" {
			cmdline, err := inv.Cmdline(pid)
			if err != nil || !strings.Contains(strings.Join(cmdline, " "), cfg.ProfileFlag) {
				continue
			}
		}
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
