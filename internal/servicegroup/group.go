// Package servicegroup provides start/stop/status operations over a named
// subset of a manager.Manager's registered services, generalizing the
// teacher's process_group package from an instance-count group of
// identical process.Spec members to a named list of heterogeneous
// supervised services (config.GroupConfig).
package servicegroup

import (
	"context"
	"fmt"

	"github.com/loykin/watchsup/internal/config"
	"github.com/loykin/watchsup/internal/manager"
	"github.com/loykin/watchsup/internal/supervisor"
)

// Group wraps a manager.Manager, scoped to one GroupConfig's members.
type Group struct {
	mgr *manager.Manager
	cfg config.GroupConfig
}

func New(mgr *manager.Manager, cfg config.GroupConfig) *Group {
	return &Group{mgr: mgr, cfg: cfg}
}

// Start starts every member. If any member fails to start, members
// already started in this call are stopped (rollback) and the error is
// returned.
func (g *Group) Start(ctx context.Context) error {
	started := make([]string, 0, len(g.cfg.Members))
	for _, name := range g.cfg.Members {
		if err := g.mgr.Start(ctx, name); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = g.mgr.Stop(started[i])
			}
			return fmt.Errorf("group %s: start failed on %s: %w", g.cfg.Name, name, err)
		}
		started = append(started, name)
	}
	return nil
}

// Stop stops every member regardless of state, best-effort, returning the
// first error encountered.
func (g *Group) Stop() error {
	var firstErr error
	for _, name := range g.cfg.Members {
		if err := g.mgr.Stop(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns every member's current status, keyed by service name.
func (g *Group) Status() (map[string]supervisor.Status, error) {
	res := make(map[string]supervisor.Status, len(g.cfg.Members))
	for _, name := range g.cfg.Members {
		st, err := g.mgr.Status(name)
		if err != nil {
			return nil, err
		}
		res[name] = st
	}
	return res, nil
}

// IsAlive reports whether every member is currently alive (direct child
// running or tracked descendants present).
func (g *Group) IsAlive() bool {
	for _, name := range g.cfg.Members {
		st, err := g.mgr.Status(name)
		if err != nil {
			return false
		}
		if st.DirectChildPID == 0 && len(st.TrackedPIDs) == 0 {
			return false
		}
	}
	return true
}
