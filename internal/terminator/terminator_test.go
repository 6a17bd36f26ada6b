package terminator

import (
	"sync"
	"syscall"
	"testing"

	"github.com/loykin/watchsup/internal/inventory"
)

type fakeInv struct {
	mu    sync.Mutex
	procs map[int32]inventory.ProcInfo
	alive map[int32]bool
}

func (f *fakeInv) Snapshot() (map[int32]inventory.ProcInfo, error) { return f.procs, nil }

func (f *fakeInv) Alive(pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeInv) Children(pid int32) ([]int32, error) {
	var out []int32
	for p, info := range f.procs {
		if info.PPID == pid {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeInv) Cmdline(pid int32) ([]string, error) {
	if info, ok := f.procs[pid]; ok {
		return info.Cmdline, nil
	}
	return nil, nil
}

type fakeSignaler struct {
	mu     sync.Mutex
	inv    *fakeInv
	killed []int32
}

func (s *fakeSignaler) Signal(pid int32, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, pid)
	s.inv.mu.Lock()
	s.inv.alive[pid] = false
	s.inv.mu.Unlock()
	return nil
}

func TestTerminate_KillsDescendantsLeafFirst(t *testing.T) {
	inv := &fakeInv{
		procs: map[int32]inventory.ProcInfo{
			1: {PID: 1, PPID: 0},
			2: {PID: 2, PPID: 1},
			3: {PID: 3, PPID: 2},
		},
		alive: map[int32]bool{1: true, 2: true, 3: true},
	}
	sig := &fakeSignaler{inv: inv}

	err := Terminate(1, nil, "", inv, sig, nil)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(sig.killed) != 3 {
		t.Fatalf("expected 3 kills, got %v", sig.killed)
	}
	// leaf (3) must be signaled before its ancestors (2, then 1)
	order := map[int32]int{}
	for i, pid := range sig.killed {
		order[pid] = i
	}
	if order[3] > order[2] || order[2] > order[1] {
		t.Fatalf("expected leaf-to-root kill order, got %v", sig.killed)
	}
}

func TestTerminate_SkipsNonMatchingProfile(t *testing.T) {
	inv := &fakeInv{
		procs: map[int32]inventory.ProcInfo{
			10: {PID: 10, PPID: 0, Cmdline: []string{"--user-data-dir=/tmp/a"}},
			11: {PID: 11, PPID: 0, Cmdline: []string{"--user-data-dir=/tmp/b"}},
		},
		alive: map[int32]bool{10: true, 11: true},
	}
	sig := &fakeSignaler{inv: inv}

	err := Terminate(0, []int32{10, 11}, "--user-data-dir=/tmp/a", inv, sig, nil)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(sig.killed) != 1 || sig.killed[0] != 10 {
		t.Fatalf("expected only pid 10 killed, got %v", sig.killed)
	}
	if !inv.alive[11] {
		t.Fatalf("expected pid 11 (non-matching profile) to remain alive")
	}
}

func TestTerminate_ReapCompletes(t *testing.T) {
	inv := &fakeInv{procs: map[int32]inventory.ProcInfo{1: {PID: 1}}, alive: map[int32]bool{1: true}}
	sig := &fakeSignaler{inv: inv}
	done := make(chan struct{})
	close(done)

	err := Terminate(1, nil, "", inv, sig, ProcessReaper{Done: done})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestTerminate_ReapNeverCompletesTimesOut(t *testing.T) {
	inv := &fakeInv{procs: map[int32]inventory.ProcInfo{1: {PID: 1}}, alive: map[int32]bool{1: true}}
	sig := &fakeSignaler{inv: inv}
	done := make(chan struct{}) // never closed

	err := Terminate(1, nil, "", inv, sig, ProcessReaper{Done: done})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
