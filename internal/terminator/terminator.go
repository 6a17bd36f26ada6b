// Package terminator implements the Group terminator: recursively killing
// a service's direct child and its tracked descendants, honoring the
// profile filter so an isolated browser profile's siblings are never
// touched.
package terminator

import (
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/watchsup/internal/inventory"
	"github.com/loykin/watchsup/internal/werr"
)

// ReapWait is how long Terminate waits for the direct child to be reaped
// before giving up.
const ReapWait = 5 * time.Second

// Signaler sends a signal to a PID; satisfied by syscall.Kill in
// production and a fake in tests.
type Signaler interface {
	Signal(pid int32, sig syscall.Signal) error
}

type osSignaler struct{}

func (osSignaler) Signal(pid int32, sig syscall.Signal) error {
	return syscall.Kill(int(pid), sig)
}

// OSSignaler is the production Signaler.
var OSSignaler Signaler = osSignaler{}

// Reaper waits for the direct child process to exit, returning once it
// has been reaped or the deadline passes. Satisfied by ProcessReaper in
// production.
type Reaper interface {
	Wait(deadline time.Duration) error
}

// Terminate kills parentPID (the direct child, may be 0 if absent) and
// every PID in trackedPIDs, depth-first leaves-to-root, skipping any
// process that doesn't match profileFlag when one is set. It waits up to
// ReapWait for the parent (if any) to be reaped via reaper, and returns a
// werr.TerminateTimeout error (non-fatal, logged by the caller) if it is
// not.
func Terminate(parentPID int32, trackedPIDs []int32, profileFlag string, inv inventory.Inventory, sig Signaler, reaper Reaper) error {
	killed := make(map[int32]struct{})

	if parentPID != 0 {
		killTree(parentPID, profileFlag, inv, sig, killed)
	}
	for _, pid := range trackedPIDs {
		killTree(pid, profileFlag, inv, sig, killed)
	}

	if parentPID != 0 && reaper != nil {
		if err := reaper.Wait(ReapWait); err != nil {
			return werr.Wrap(werr.TerminateTimeout, err)
		}
	}
	return nil
}

// killTree kills pid's descendants first (depth-first, leaves to root),
// then pid itself, skipping any PID that fails the profile filter.
// Best-effort: a process that is already gone is not an error.
func killTree(pid int32, profileFlag string, inv inventory.Inventory, sig Signaler, killed map[int32]struct{}) {
	if _, done := killed[pid]; done {
		return
	}
	if !matchesProfile(pid, profileFlag, inv) {
		return // invariant: never kill a PID that doesn't match the profile filter
	}

	children, _ := inv.Children(pid)
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, c := range children {
		killTree(c, profileFlag, inv, sig, killed)
	}

	killed[pid] = struct{}{}
	if !inv.Alive(pid) {
		return
	}
	_ = sig.Signal(pid, syscall.SIGTERM)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && inv.Alive(pid) {
		time.Sleep(20 * time.Millisecond)
	}
	if inv.Alive(pid) {
		_ = sig.Signal(pid, syscall.SIGKILL)
	}
}

func matchesProfile(pid int32, profileFlag string, inv inventory.Inventory) bool {
	if profileFlag == "" {
		return true
	}
	cmdline, err := inv.Cmdline(pid)
	if err != nil {
		return false
	}
	return strings.Contains(strings.Join(cmdline, " "), profileFlag)
}

// ProcessReaper is a Reaper that waits for Done to be closed (the
// supervisor closes it once the direct child's exec.Cmd.Wait returns). A
// nil Done counts as already reaped.
type ProcessReaper struct {
	Done <-chan struct{}
}

func (r ProcessReaper) Wait(deadline time.Duration) error {
	if r.Done == nil {
		return nil
	}
	select {
	case <-r.Done:
		return nil
	case <-time.After(deadline):
		return os.ErrDeadlineExceeded
	}
}
