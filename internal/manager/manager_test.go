package manager

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/watchsup/internal/config"
	"github.com/loykin/watchsup/internal/eventsink"
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

func sleeperConfig(name string) config.ServiceConfig {
	return config.ServiceConfig{
		Name:    name,
		Type:    "executable",
		Enabled: true,
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 2"},
	}
}

func TestManager_RegisterStartStopStatus(t *testing.T) {
	requireUnix(t)
	m := New(nil, eventsink.New(), nil, nil)
	if err := m.Register(sleeperConfig("svc-a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "svc-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = m.Stop("svc-a") }()

	ok := waitUntil(time.Second, 20*time.Millisecond, func() bool {
		st, err := m.Status("svc-a")
		return err == nil && st.DirectChildPID != 0
	})
	if !ok {
		t.Fatalf("expected svc-a to report a direct child pid")
	}
	if err := m.Stop("svc-a"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestManager_UnknownServiceErrors(t *testing.T) {
	m := New(nil, eventsink.New(), nil, nil)
	if _, err := m.Status("nope"); err == nil {
		t.Fatalf("expected error for unknown service")
	}
	if err := m.Stop("nope"); err == nil {
		t.Fatalf("expected error for unknown service")
	}
}

func TestManager_RegisterRefusesWhileRunning(t *testing.T) {
	requireUnix(t)
	m := New(nil, eventsink.New(), nil, nil)
	cfg := sleeperConfig("svc-b")
	if err := m.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "svc-b"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = m.Stop("svc-b") }()

	waitUntil(time.Second, 20*time.Millisecond, func() bool {
		st, _ := m.Status("svc-b")
		return st.DirectChildPID != 0
	})

	if err := m.Register(cfg); err == nil {
		t.Fatalf("expected re-registration of a running service to be refused")
	}
}

func TestManager_StatusAllAndMatch(t *testing.T) {
	m := New(nil, eventsink.New(), nil, nil)
	_ = m.Register(config.ServiceConfig{Name: "web-1", Type: "executable", Enabled: false, Command: "/bin/true"})
	_ = m.Register(config.ServiceConfig{Name: "web-2", Type: "executable", Enabled: false, Command: "/bin/true"})
	_ = m.Register(config.ServiceConfig{Name: "worker-1", Type: "executable", Enabled: false, Command: "/bin/true"})

	all := m.StatusAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(all))
	}

	matched := m.StatusMatch("web-*")
	if len(matched) != 2 {
		t.Fatalf("expected 2 web-* matches, got %d", len(matched))
	}
	for _, st := range matched {
		if st.Name != "web-1" && st.Name != "web-2" {
			t.Fatalf("unexpected match %s", st.Name)
		}
	}
}

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		name, pattern string
		want          bool
	}{
		{"web-1", "*", true},
		{"web-1", "web-*", true},
		{"worker-1", "web-*", false},
		{"web-1", "*-1", true},
		{"web-1", "web-1", true},
		{"web-1", "", false},
		{"web-1", "w*1", true},
	}
	for _, c := range cases {
		if got := wildcardMatch(c.name, c.pattern); got != c.want {
			t.Fatalf("wildcardMatch(%q, %q) = %v, want %v", c.name, c.pattern, got, c.want)
		}
	}
}
