package supervisor

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loykin/watchsup/internal/config"
	"github.com/loykin/watchsup/internal/eventsink"
	"github.com/loykin/watchsup/internal/inventory"
	"github.com/loykin/watchsup/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix-like shell")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func baseConfig(name, script string) config.ServiceConfig {
	return config.ServiceConfig{
		Name:    name,
		Type:    "executable",
		Enabled: true,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
}

func newTestSupervisor(cfg config.ServiceConfig, inv inventory.Inventory) (*Supervisor, *eventsink.Sink) {
	events := eventsink.New()
	sup := New(cfg, nil, inv, events, nil, nil, logger.Config{})
	sup.SetPollInterval(30 * time.Millisecond)
	sup.SetCaptureWait(100 * time.Millisecond)
	return sup, events
}

func TestSupervisor_DisabledService_RefusesStart(t *testing.T) {
	cfg := baseConfig("disabled-svc", "exit 0")
	cfg.Enabled = false
	sup, _ := newTestSupervisor(cfg, inventory.New())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("expected no error from a disabled-service start(), got %v", err)
	}
	if got := sup.Status().State; got != eventsink.StateDisabled {
		t.Fatalf("expected state disabled, got %v", got)
	}
	if sup.IsAlive() {
		t.Fatalf("expected disabled service to never be alive")
	}
}

func TestSupervisor_Start_SecondCallIsNoOp(t *testing.T) {
	requireUnix(t)
	cfg := baseConfig("double-start", "sleep 2")
	sup, _ := newTestSupervisor(cfg, inventory.New())
	defer func() { _ = sup.Stop() }()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("expected second start() to be a no-op, not an error: %v", err)
	}
}

func TestSupervisor_CrashingChild_IncrementsCrashCountAndRestarts(t *testing.T) {
	requireUnix(t)
	cfg := baseConfig("crasher", "sleep 0.05; exit 1")
	cfg.AutoRestart = true
	sup, _ := newTestSupervisor(cfg, inventory.New())
	defer func() { _ = sup.Stop() }()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok := waitUntil(3*time.Second, 20*time.Millisecond, func() bool {
		return sup.Status().CrashCount >= 2
	})
	if !ok {
		t.Fatalf("expected at least 2 crashes (restart loop), got %d", sup.Status().CrashCount)
	}
}

func TestSupervisor_NormalExit_StopsWithoutCrash(t *testing.T) {
	requireUnix(t)
	cfg := baseConfig("normal-exit", "exit 0")
	cfg.MinUptimeForCrash = 0
	cfg.TrackChildProcesses = false
	sup, _ := newTestSupervisor(cfg, inventory.New())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok := waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		return sup.Status().State == eventsink.StateStopped
	})
	if !ok {
		t.Fatalf("expected supervisor to reach stopped state, got %v", sup.Status().State)
	}
	if sup.Status().CrashCount != 0 {
		t.Fatalf("expected 0 crashes on a clean zero-exit, got %d", sup.Status().CrashCount)
	}
	if sup.IsAlive() {
		t.Fatalf("expected not alive after normal exit with no descendants")
	}
}

func TestSupervisor_ZeroExitAboveUptimeThreshold_IsCrash(t *testing.T) {
	requireUnix(t)
	cfg := baseConfig("slow-zero-exit", "sleep 0.15; exit 0")
	cfg.MinUptimeForCrash = 100 * time.Millisecond
	cfg.AutoRestart = false
	sup, _ := newTestSupervisor(cfg, inventory.New())
	defer func() { _ = sup.Stop() }()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok := waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		return sup.Status().CrashCount >= 1
	})
	if !ok {
		t.Fatalf("expected a zero-exit above the uptime threshold to count as a crash")
	}
}

func TestSupervisor_AutoRestartDisabled_StopsAfterOneCrash(t *testing.T) {
	requireUnix(t)
	cfg := baseConfig("one-shot-crash", "sleep 0.05; exit 1")
	cfg.AutoRestart = false
	sup, _ := newTestSupervisor(cfg, inventory.New())
	defer func() { _ = sup.Stop() }()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok := waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		return sup.Status().State == eventsink.StateError
	})
	if !ok {
		t.Fatalf("expected final state error, got %v", sup.Status().State)
	}
	// Give the (absent) restart loop a chance to fire if the guard were broken.
	time.Sleep(150 * time.Millisecond)
	if sup.Status().CrashCount != 1 {
		t.Fatalf("expected exactly 1 crash with auto_restart=false, got %d", sup.Status().CrashCount)
	}
}

// fakeInventory lets descendant-capture tests control the before/after
// snapshot deterministically instead of relying on a real forked process
// tree, mirroring internal/discovery's test doubles.
type fakeInventory struct {
	mu        sync.Mutex
	parentPID int32
	childPID  int32
	populated bool
}

func (f *fakeInventory) setParent(pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parentPID = pid
	f.populated = true
}

func (f *fakeInventory) Snapshot() (map[int32]inventory.ProcInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.populated {
		return map[int32]inventory.ProcInfo{}, nil
	}
	return map[int32]inventory.ProcInfo{
		f.parentPID: {PID: f.parentPID, PPID: 1, Name: "sh"},
		f.childPID:  {PID: f.childPID, PPID: f.parentPID, Name: "sh"},
	}, nil
}

func (f *fakeInventory) Alive(pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pid == f.childPID
}

func (f *fakeInventory) Children(pid int32) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pid == f.parentPID {
		return []int32{f.childPID}, nil
	}
	return nil, nil
}

func (f *fakeInventory) Cmdline(pid int32) ([]string, error) { return nil, nil }

func TestSupervisor_DescendantCapture_TracksSyntheticChildAndStopClearsIt(t *testing.T) {
	requireUnix(t)
	cfg := baseConfig("descendant-capture", "exit 0")
	cfg.TrackChildProcesses = true
	cfg.SnapshotCaptureDuration = 50 * time.Millisecond
	cfg.SnapshotSettleDelay = 50 * time.Millisecond

	inv := &fakeInventory{childPID: 999999}
	sup, _ := newTestSupervisor(cfg, inv)
	sup.SetCaptureWait(500 * time.Millisecond)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Tell the fake inventory which real PID was spawned as soon as it is
	// known, well before the capture activity's settle delay elapses.
	ok := waitUntil(200*time.Millisecond, 5*time.Millisecond, func() bool {
		pid := sup.Status().DirectChildPID
		if pid == 0 {
			return false
		}
		inv.setParent(pid)
		return true
	})
	if !ok {
		t.Fatalf("never observed a direct child pid to seed the fake inventory")
	}

	ok = waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		return len(sup.Status().TrackedPIDs) == 1 && sup.Status().TrackedPIDs[0] == 999999
	})
	if !ok {
		t.Fatalf("expected descendant 999999 to be tracked, got %v", sup.Status().TrackedPIDs)
	}
	if !sup.IsAlive() {
		t.Fatalf("expected supervisor to report alive while its tracked descendant is alive")
	}

	if err := sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sup.IsAlive() {
		t.Fatalf("expected not alive after stop")
	}
	if len(sup.Status().TrackedPIDs) != 0 {
		t.Fatalf("expected tracked_pids cleared after stop, got %v", sup.Status().TrackedPIDs)
	}
}

func TestSupervisor_SpawnFailure_MissingCommand(t *testing.T) {
	cfg := config.ServiceConfig{
		Name:    "missing-cmd",
		Type:    "executable",
		Enabled: true,
		Command: "/no/such/binary-ever",
	}
	sup, _ := newTestSupervisor(cfg, inventory.New())
	defer func() { _ = sup.Stop() }()

	if err := sup.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail for a command that does not exist")
	}

	ok := waitUntil(time.Second, 20*time.Millisecond, func() bool {
		return sup.Status().State == eventsink.StateError
	})
	if !ok {
		t.Fatalf("expected error state for a launch that cannot build a spec")
	}
	if sup.Status().CrashCount != 0 {
		t.Fatalf("expected 0 crashes on a launch-time error, got %d", sup.Status().CrashCount)
	}
}

func TestSupervisor_Stop_Idempotent(t *testing.T) {
	requireUnix(t)
	cfg := baseConfig("idempotent-stop", "sleep 2")
	sup, _ := newTestSupervisor(cfg, inventory.New())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}
