// Package manager owns one internal/supervisor.Supervisor per configured
// service and exposes the bulk operations a CLI or servicegroup facade
// needs on top of it: start/stop/status by name, and wildcard matching
// across the whole catalog.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/watchsup/internal/config"
	"github.com/loykin/watchsup/internal/crashrecorder"
	"github.com/loykin/watchsup/internal/eventsink"
	"github.com/loykin/watchsup/internal/inventory"
	"github.com/loykin/watchsup/internal/logger"
	"github.com/loykin/watchsup/internal/supervisor"
)

// Manager is the top-level owner of every service's Supervisor.
type Manager struct {
	mu   sync.RWMutex
	sups map[string]*supervisor.Supervisor

	inv       inventory.Inventory
	events    *eventsink.Sink
	crashes   *crashrecorder.Recorder
	metrics   supervisor.Metrics
	logCfg    logger.Config
	globalEnv []string
}

// New constructs an empty Manager. events, crashes and metrics may be nil.
func New(globalEnv []string, events *eventsink.Sink, crashes *crashrecorder.Recorder, metrics supervisor.Metrics) *Manager {
	return &Manager{
		sups:      make(map[string]*supervisor.Supervisor),
		inv:       inventory.New(),
		events:    events,
		crashes:   crashes,
		metrics:   metrics,
		globalEnv: globalEnv,
	}
}

// SetLogConfig configures where every subsequently registered service's
// direct-child stdout/stderr is captured. Must be called before Register.
func (m *Manager) SetLogConfig(cfg logger.Config) { m.logCfg = cfg }

// Register creates the Supervisor for one catalog entry. Re-registering a
// service that is currently alive is refused; stop it first.
func (m *Manager) Register(cfg config.ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sups[cfg.Name]; ok && existing.IsAlive() {
		return fmt.Errorf("service %s: already running, stop before re-registering", cfg.Name)
	}
	m.sups[cfg.Name] = supervisor.New(cfg, m.globalEnv, m.inv, m.events, m.crashes, m.metrics, m.logCfg)
	return nil
}

// RegisterAll registers every service in a loaded catalog, stopping at the
// first registration error.
func (m *Manager) RegisterAll(cfg *config.Config) error {
	for _, svc := range cfg.Services {
		if err := m.Register(svc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) get(name string) (*supervisor.Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sups[name]
	if !ok {
		return nil, fmt.Errorf("unknown service: %s", name)
	}
	return s, nil
}

// Start starts one named service's Supervisor.
func (m *Manager) Start(ctx context.Context, name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Stop stops one named service's Supervisor.
func (m *Manager) Stop(name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.Stop()
}

// Status returns one named service's current SupervisorState snapshot.
func (m *Manager) Status(name string) (supervisor.Status, error) {
	s, err := m.get(name)
	if err != nil {
		return supervisor.Status{}, err
	}
	return s.Status(), nil
}

// StartAll starts every registered service, returning the first error
// encountered but attempting every service regardless.
func (m *Manager) StartAll(ctx context.Context) error {
	var firstErr error
	for _, name := range m.names() {
		if err := m.Start(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every registered service.
func (m *Manager) StopAll() error {
	var firstErr error
	for _, name := range m.names() {
		if err := m.Stop(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StatusAll returns every service's status, sorted by name.
func (m *Manager) StatusAll() []supervisor.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]supervisor.Status, 0, len(m.sups))
	for _, s := range m.sups {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatusMatch returns statuses for every service name matching the
// wildcard pattern.
func (m *Manager) StatusMatch(pattern string) []supervisor.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []supervisor.Status
	for name, s := range m.sups {
		if wildcardMatch(name, pattern) {
			out = append(out, s.Status())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopMatch stops every service whose name matches the wildcard pattern.
func (m *Manager) StopMatch(pattern string) error {
	m.mu.RLock()
	var names []string
	for name := range m.sups {
		if wildcardMatch(name, pattern) {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	var firstErr error
	for _, name := range names {
		if err := m.Stop(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namesLocked()
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.sups))
	for n := range m.sups {
		names = append(names, n)
	}
	return names
}

// wildcardMatch matches name against a pattern with '*' wildcard
// (glob-like, case-sensitive): the sequence of non-'*' segments must
// appear in order in name.
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		rel := strings.Index(name[idx:], p)
		if rel < 0 {
			return false
		}
		idx += rel + len(p)
	}
	last := parts[len(parts)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(name[idx:], last) || strings.Contains(name[idx:], last)
}
