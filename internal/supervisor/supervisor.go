// Package supervisor implements the per-service Supervisor: the monitoring
// loop, the crash/normal-exit classifier, and the group lifecycle
// (start/liveness/stop) where all of the non-trivial engineering lives.
// It is the consumer of internal/launcher, internal/inventory,
// internal/discovery, internal/terminator, internal/crashrecorder and
// internal/eventsink, driving the discover-then-track-a-process-group
// problem through a mailbox-and-control-loop goroutine per service.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/watchsup/internal/config"
	"github.com/loykin/watchsup/internal/crashrecorder"
	"github.com/loykin/watchsup/internal/discovery"
	"github.com/loykin/watchsup/internal/eventsink"
	"github.com/loykin/watchsup/internal/inventory"
	"github.com/loykin/watchsup/internal/launcher"
	"github.com/loykin/watchsup/internal/logger"
	"github.com/loykin/watchsup/internal/terminator"
	"github.com/loykin/watchsup/internal/werr"
)

// Metrics is the narrow set of counters a Supervisor reports on; satisfied
// by internal/metrics in production and a no-op in tests that don't care.
type Metrics interface {
	IncStart(service string)
	IncStop(service string)
	IncRestart(service string)
	IncCrash(service string)
	SetTrackedCount(service string, n int)
}

type noopMetrics struct{}

func (noopMetrics) IncStart(string)           {}
func (noopMetrics) IncStop(string)            {}
func (noopMetrics) IncRestart(string)         {}
func (noopMetrics) IncCrash(string)           {}
func (noopMetrics) SetTrackedCount(string, int) {}

// Status is a read-only snapshot of a Supervisor's SupervisorState,
// safe to hand to a caller without further locking.
type Status struct {
	Name           string
	State          eventsink.State
	ShouldRun      bool
	DirectChildPID int32 // 0 if absent
	TrackedPIDs    []int32
	CrashCount     int
	LastStartTime  time.Time
}

type directChild struct {
	cmd       *exec.Cmd
	pid       int32
	exePath   string
	startedAt time.Time
	waitDone  chan struct{}
	stdout    io.Closer
	stderr    io.Closer
}

func (d *directChild) isRunning() bool {
	if d == nil {
		return false
	}
	select {
	case <-d.waitDone:
		return false
	default:
		return true
	}
}

type msgKind int

const (
	msgChildExited msgKind = iota
	msgCaptureComplete
)

type message struct {
	kind msgKind
	pids []int32
}

// Supervisor owns one service's monitoring activity. The zero value is not
// usable; use New.
type Supervisor struct {
	cfg       config.ServiceConfig
	globalEnv []string

	inv     inventory.Inventory
	events  *eventsink.Sink
	crashes *crashrecorder.Recorder
	metrics Metrics
	logCfg  logger.Config

	pollInterval time.Duration
	captureWait  time.Duration

	mailbox chan message

	mu            sync.RWMutex
	state         eventsink.State
	shouldRun     bool
	directChild   *directChild
	trackedPIDs   []int32
	beforeInv     map[int32]inventory.ProcInfo
	profileFlag   string
	crashCount    int
	lastStartTime time.Time

	lifecycleMu sync.Mutex // serializes Start()/Stop(): a concurrent call is refused with a log line
	running     bool
	stopping    bool
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Supervisor for one ServiceConfig. metrics may be nil.
// logCfg configures where the direct child's stdout/stderr are captured
// (empty Config discards both, matching exec.Cmd's default).
func New(cfg config.ServiceConfig, globalEnv []string, inv inventory.Inventory, events *eventsink.Sink, crashes *crashrecorder.Recorder, metrics Metrics, logCfg logger.Config) *Supervisor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Supervisor{
		cfg:          cfg,
		globalEnv:    globalEnv,
		inv:          inv,
		events:       events,
		crashes:      crashes,
		metrics:      metrics,
		logCfg:       logCfg,
		pollInterval: 5 * time.Second,
		captureWait:  time.Second,
		mailbox:      make(chan message, 16),
		state:        eventsink.StateStopped,
	}
}

// SetPollInterval overrides the 5s monitoring-loop tick; for tests only,
// must be called before Start.
func (s *Supervisor) SetPollInterval(d time.Duration) { s.pollInterval = d }

// SetCaptureWait overrides the ~1s brief wait for a pending descendant
// capture; for tests only, must be called before Start.
func (s *Supervisor) SetCaptureWait(d time.Duration) { s.captureWait = d }

// Start begins the monitoring activity. Only one Start is effective: a
// second call while already running is a no-op with a log line, and a call
// made while a prior Stop is still reaping is refused with a log line and
// an error. A config the launcher rejects fails Start with the launcher's
// werr.ConfigInvalid error and sets the error state; nothing is spawned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.running {
		s.lifecycleMu.Unlock()
		s.logf("start() ignored: %s is already running", s.cfg.Name)
		return nil
	}
	if s.stopping {
		s.lifecycleMu.Unlock()
		s.logf("start() refused: %s is still reaping from stop()", s.cfg.Name)
		return fmt.Errorf("supervisor %s: start refused, stop still in progress", s.cfg.Name)
	}
	if !s.cfg.Enabled {
		s.lifecycleMu.Unlock()
		s.setState(eventsink.StateDisabled)
		s.logf("%s is disabled; start() refused", s.cfg.Name)
		return nil
	}
	if _, err := launcher.Build(s.cfg, s.globalEnv); err != nil {
		s.lifecycleMu.Unlock()
		s.setState(eventsink.StateError)
		s.logf("start() refused for %s: %v", s.cfg.Name, err)
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.lifecycleMu.Unlock()

	s.mu.Lock()
	s.shouldRun = true
	s.mu.Unlock()

	s.setState(eventsink.StateStarting)
	s.wg.Add(1)
	go s.monitorLoop(sctx)
	return nil
}

// Stop is idempotent: it tears down the direct child and every tracked
// PID via the Group terminator, then clears SupervisorState. Calling Stop
// on an already-stopped Supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.lifecycleMu.Lock()
	if !s.running {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	s.lifecycleMu.Unlock()

	s.mu.Lock()
	s.shouldRun = false
	var dcPID int32
	var reaper terminator.Reaper
	if s.directChild != nil {
		dcPID = s.directChild.pid
		reaper = terminator.ProcessReaper{Done: s.directChild.waitDone}
	}
	tracked := append([]int32(nil), s.trackedPIDs...)
	profileFlag := s.profileFlag
	s.mu.Unlock()

	if cancel != nil {
		cancel() // stops monitorLoop/captureDescendants promptly; does not kill dcPID
	}

	// Terminator runs to completion before a subsequent Start may spawn
	// again.
	err := terminator.Terminate(dcPID, tracked, profileFlag, s.inv, terminator.OSSignaler, reaper)

	// Only now can waitChild's cmd.Wait() unblock; wait for every
	// per-supervisor goroutine to exit before returning.
	s.wg.Wait()

	s.mu.Lock()
	s.directChild = nil
	s.trackedPIDs = nil
	s.profileFlag = ""
	s.mu.Unlock()

	s.metrics.IncStop(s.cfg.Name)
	s.setState(eventsink.StateStopped)

	s.lifecycleMu.Lock()
	s.running = false
	s.stopping = false
	s.lifecycleMu.Unlock()

	if err != nil {
		s.logf("stop: %v", err)
	}
	return err
}

// IsAlive reports whether the direct child is running, or any tracked PID
// is both alive and profile-matching.
func (s *Supervisor) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isAliveLocked()
}

func (s *Supervisor) isAliveLocked() bool {
	if s.directChild.isRunning() {
		return true
	}
	for _, pid := range s.trackedPIDs {
		if s.inv.Alive(pid) && s.matchesProfileLocked(pid) {
			return true
		}
	}
	return false
}

// Status returns a consistent snapshot of SupervisorState.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pid int32
	if s.directChild != nil {
		pid = s.directChild.pid
	}
	return Status{
		Name:           s.cfg.Name,
		State:          s.state,
		ShouldRun:      s.shouldRun,
		DirectChildPID: pid,
		TrackedPIDs:    append([]int32(nil), s.trackedPIDs...),
		CrashCount:     s.crashCount,
		LastStartTime:  s.lastStartTime,
	}
}

func (s *Supervisor) monitorLoop(ctx context.Context) {
	defer s.wg.Done()

	if s.cfg.StartupDelay > 0 {
		select {
		case <-time.After(s.cfg.StartupDelay):
		case <-ctx.Done():
			return
		}
	}

	s.handleTick(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.handleTick(ctx)
		case m := <-s.mailbox:
			s.handleMessage(m)
		}
		if !s.stillShouldRun() {
			return
		}
	}
}

func (s *Supervisor) stillShouldRun() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldRun
}

func (s *Supervisor) handleMessage(m message) {
	switch m.kind {
	case msgCaptureComplete:
		s.mu.Lock()
		if s.shouldRun && len(s.trackedPIDs) == 0 {
			s.trackedPIDs = sortedCopy(m.pids)
		}
		s.mu.Unlock()
		s.metrics.SetTrackedCount(s.cfg.Name, len(m.pids))
	case msgChildExited:
		// No-op here: the next tick's isAlive/classify pass observes the
		// exit via directChild.isRunning(). The message exists only to
		// avoid relying on the poll interval to notice shutdown promptly.
	}
}

// handleTick implements one monitoring-loop iteration: poll liveness,
// refresh the tracked-PID group, and classify an exit when one occurs.
func (s *Supervisor) handleTick(ctx context.Context) {
	s.mu.Lock()
	if len(s.trackedPIDs) > 0 {
		live := make([]int32, 0, len(s.trackedPIDs))
		for _, pid := range s.trackedPIDs {
			if s.inv.Alive(pid) && s.matchesProfileLocked(pid) {
				live = append(live, pid)
			}
		}
		s.trackedPIDs = live
	}
	alive := s.isAliveLocked()
	dc := s.directChild
	s.mu.Unlock()

	if alive {
		return // step 1
	}

	if dc != nil {
		s.classifyExit(ctx, dc)
		return
	}

	s.spawn(ctx) // step 5: first iteration or restart
}

func (s *Supervisor) spawn(ctx context.Context) {
	if !s.stillShouldRun() {
		return // Stop() already set shouldRun=false; never spawn past it
	}

	before, err := s.inv.Snapshot()
	if err != nil {
		before = map[int32]inventory.ProcInfo{}
	}

	spec, err := launcher.Build(s.cfg, s.globalEnv)
	if err != nil {
		s.logf("launch failed for %s: %v", s.cfg.Name, err)
		s.setState(eventsink.StateError)
		return
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdout, stderr, err := s.logCfg.Writers(s.cfg.Name)
	if err != nil {
		s.logf("log writer setup failed for %s: %v", s.cfg.Name, err)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		s.logf("spawn failed for %s: %v", s.cfg.Name, werr.Wrap(werr.LaunchTransient, err))
		s.setState(eventsink.StateError)
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
		return
	}

	dc := &directChild{
		cmd:       cmd,
		pid:       int32(cmd.Process.Pid),
		exePath:   spec.Path,
		startedAt: time.Now(),
		waitDone:  make(chan struct{}),
		stdout:    stdout,
		stderr:    stderr,
	}

	s.mu.Lock()
	s.directChild = dc
	s.beforeInv = before
	s.profileFlag = spec.ProfileFlag
	s.lastStartTime = dc.startedAt
	s.trackedPIDs = nil
	s.mu.Unlock()

	s.metrics.IncStart(s.cfg.Name)
	s.setState(eventsink.StateRunning)

	s.wg.Add(1)
	go s.waitChild(dc)

	if s.cfg.TrackChildProcesses {
		s.wg.Add(1)
		go s.captureDescendants(ctx, dc)
	}
}

func (s *Supervisor) waitChild(dc *directChild) {
	defer s.wg.Done()
	_ = dc.cmd.Wait()
	close(dc.waitDone)
	if dc.stdout != nil {
		_ = dc.stdout.Close()
	}
	if dc.stderr != nil {
		_ = dc.stderr.Close()
	}
	select {
	case s.mailbox <- message{kind: msgChildExited}:
	default:
	}
}

func (s *Supervisor) captureDescendants(ctx context.Context, dc *directChild) {
	defer s.wg.Done()
	wait := s.cfg.SnapshotCaptureDuration + s.cfg.SnapshotSettleDelay
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return
	}
	pids := s.runDiscovery(dc)
	select {
	case <-ctx.Done():
		return // cancellation observed before delivery: never mutate tracked_pids
	case s.mailbox <- message{kind: msgCaptureComplete, pids: pids}:
	}
}

func (s *Supervisor) runDiscovery(dc *directChild) []int32 {
	s.mu.RLock()
	before := s.beforeInv
	profileFlag := s.profileFlag
	s.mu.RUnlock()

	after, err := s.inv.Snapshot()
	if err != nil {
		return nil
	}
	dcfg := discovery.Config{
		ExePath:         dc.exePath,
		ProcessNames:    s.cfg.ProcessNames,
		AncestorDepth:   s.cfg.SnapshotAncestorDepth,
		DescendantLimit: s.cfg.SnapshotDescendantLimit,
		ProfileFlag:     profileFlag,
	}
	pids, err := discovery.Discover(before, after, dc.pid, dcfg, s.inv)
	if err != nil {
		return nil
	}
	return pids
}

func (s *Supervisor) classifyExit(ctx context.Context, dc *directChild) {
	uptime := time.Since(dc.startedAt)
	exitCode := -1
	if ps := dc.cmd.ProcessState; ps != nil {
		exitCode = ps.ExitCode()
	}

	crash := exitCode != 0
	if exitCode == 0 {
		if s.cfg.MinUptimeForCrash == 0 {
			crash = false
		} else {
			crash = uptime >= s.cfg.MinUptimeForCrash
		}
	}

	if crash {
		s.recordCrash(dc, exitCode, uptime)
		s.mu.Lock()
		s.directChild = nil
		s.mu.Unlock()

		if !s.cfg.AutoRestart {
			s.mu.Lock()
			s.shouldRun = false
			s.mu.Unlock()
			s.setState(eventsink.StateError)
			return
		}
		s.setState(eventsink.StateError)
		if !s.stillShouldRun() {
			return // Stop() raced with this crash; do not respawn
		}
		s.metrics.IncRestart(s.cfg.Name)
		s.spawn(ctx)
		return
	}

	// Normal exit.
	if s.cfg.TrackChildProcesses {
		if pids := s.waitForCaptureOrInline(dc); len(pids) > 0 {
			s.mu.Lock()
			s.trackedPIDs = pids
			s.directChild = nil
			s.mu.Unlock()
			return // continue the loop monitoring descendants only
		}
	}

	s.mu.Lock()
	s.shouldRun = false
	s.directChild = nil
	s.mu.Unlock()
	s.setState(eventsink.StateStopped)
}

// waitForCaptureOrInline waits briefly (captureWait, default ~1s) for the
// background capture activity to populate trackedPIDs; if it is still
// empty, performs one inline capture attempt.
func (s *Supervisor) waitForCaptureOrInline(dc *directChild) []int32 {
	deadline := time.Now().Add(s.captureWait)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		pids := s.trackedPIDs
		s.mu.RUnlock()
		if len(pids) > 0 {
			return pids
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.mu.RLock()
	pids := s.trackedPIDs
	s.mu.RUnlock()
	if len(pids) > 0 {
		return pids
	}
	return s.runDiscovery(dc) // CaptureEmpty otherwise: treated as normal exit by the caller
}

func (s *Supervisor) recordCrash(dc *directChild, exitCode int, uptime time.Duration) {
	s.mu.Lock()
	s.crashCount++
	s.mu.Unlock()
	s.metrics.IncCrash(s.cfg.Name)

	exitStr := "killed"
	if exitCode >= 0 {
		exitStr = fmt.Sprintf("%d", exitCode)
	}
	if s.crashes != nil {
		s.crashes.Record(context.Background(), crashrecorder.Record{
			Timestamp:   time.Now(),
			ServiceName: s.cfg.Name,
			ServiceType: s.cfg.Type,
			PID:         int(dc.pid),
			ExitCode:    exitStr,
			Uptime:      uptime,
			StartedAt:   dc.startedAt,
			Command:     s.cfg.Command,
		})
	}
}

func (s *Supervisor) matchesProfileLocked(pid int32) bool {
	if s.profileFlag == "" {
		return true
	}
	cmdline, err := s.inv.Cmdline(pid)
	if err != nil {
		return false
	}
	return strings.Contains(strings.Join(cmdline, " "), s.profileFlag)
}

func (s *Supervisor) setState(st eventsink.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.events != nil {
		s.events.Status(s.cfg.Name, st)
	}
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.events != nil {
		s.events.Log(fmt.Sprintf(format, args...))
	}
}

func sortedCopy(pids []int32) []int32 {
	out := append([]int32(nil), pids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
