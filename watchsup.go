// Package watchsup is the public facade: load a catalog, build an App
// wiring together the event sink, crash recorder and Manager, and drive
// every registered service's Supervisor from there.
package watchsup

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/watchsup/internal/config"
	"github.com/loykin/watchsup/internal/crashrecorder"
	"github.com/loykin/watchsup/internal/eventsink"
	"github.com/loykin/watchsup/internal/history"
	historyfactory "github.com/loykin/watchsup/internal/history/factory"
	"github.com/loykin/watchsup/internal/logger"
	"github.com/loykin/watchsup/internal/manager"
	"github.com/loykin/watchsup/internal/metrics"
	"github.com/loykin/watchsup/internal/servicegroup"
	"github.com/loykin/watchsup/internal/supervisor"
)

// Re-exported types so embedders don't need to import internal packages.
type (
	ServiceConfig = config.ServiceConfig
	GroupConfig   = config.GroupConfig
	Status        = supervisor.Status
	HistorySink   = history.Sink
)

// App wires one process's worth of catalog together: the Manager owning
// every service's Supervisor, the shared event sink every Supervisor
// publishes state transitions to, and the crash recorder every Supervisor
// reports classified crashes to.
type App struct {
	Manager *manager.Manager
	Events  *eventsink.Sink
	Crashes *crashrecorder.Recorder

	procMetrics *metrics.ProcessMetricsCollector
}

// New builds an App ready to Register services into. stream is the
// append-only crash-record text destination (nil discards it); sinks are
// optional history.Sink destinations the crash recorder fans crashes out
// to, in addition to the stream and the event sink.
func New(globalEnv []string, logCfg logger.Config, stream io.Writer, sinks ...HistorySink) *App {
	events := eventsink.New()
	crashes := crashrecorder.New(stream, events, sinks...)
	mgr := manager.New(globalEnv, events, crashes, metrics.Supervisor{})
	mgr.SetLogConfig(logCfg)
	return &App{Manager: mgr, Events: events, Crashes: crashes}
}

// NewFromConfig builds an App from a loaded Config's GlobalEnv and Log
// section, and registers every service in cfg.
func NewFromConfig(cfg *config.Config, stream io.Writer, sinks ...HistorySink) (*App, error) {
	a := New(cfg.GlobalEnv, logConfigFrom(cfg), stream, sinks...)
	if err := a.Manager.RegisterAll(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// HistoryDSNFromConfig builds a history sink DSN from a catalog's History
// section, or "" if history is unset or disabled. ClickHouse takes
// precedence over OpenSearch when both are configured.
func HistoryDSNFromConfig(cfg *config.Config) string {
	if cfg.History == nil || !cfg.History.Enabled {
		return ""
	}
	h := cfg.History
	switch {
	case h.ClickHouseURL != "":
		table := h.ClickHouseTable
		if table == "" {
			table = "process_history"
		}
		return "clickhouse://" + h.ClickHouseURL + "?table=" + table
	case h.OpenSearchURL != "":
		index := h.OpenSearchIndex
		if index == "" {
			index = "process-history"
		}
		return "opensearch://" + h.OpenSearchURL + "/" + index
	default:
		return ""
	}
}

func logConfigFrom(cfg *config.Config) logger.Config {
	if cfg.Log == nil {
		return logger.Config{}
	}
	return logger.Config{
		Dir:        cfg.Log.Dir,
		StdoutPath: cfg.Log.Stdout,
		StderrPath: cfg.Log.Stderr,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

func (a *App) StartAll(ctx context.Context) error { return a.Manager.StartAll(ctx) }
func (a *App) StopAll() error                      { return a.Manager.StopAll() }
func (a *App) Start(ctx context.Context, name string) error {
	return a.Manager.Start(ctx, name)
}
func (a *App) Stop(name string) error              { return a.Manager.Stop(name) }
func (a *App) Status(name string) (Status, error)  { return a.Manager.Status(name) }
func (a *App) StatusAll() []Status                 { return a.Manager.StatusAll() }
func (a *App) StatusMatch(pattern string) []Status { return a.Manager.StatusMatch(pattern) }
func (a *App) StopMatch(pattern string) error      { return a.Manager.StopMatch(pattern) }

// EnableProcessMetrics starts periodic CPU/memory sampling of every
// service's tracked PID group (direct child plus descendants) and
// publishes the aggregates as Prometheus gauges. Call StopProcessMetrics
// to halt it.
func (a *App) EnableProcessMetrics(cfg metrics.ProcessMetricsConfig) {
	a.procMetrics = metrics.NewProcessMetricsCollector(cfg, a.trackedPIDsByService)
	a.procMetrics.Start()
}

// StopProcessMetrics halts a previously enabled process-metrics sampler;
// a no-op if EnableProcessMetrics was never called.
func (a *App) StopProcessMetrics() {
	if a.procMetrics != nil {
		a.procMetrics.Stop()
	}
}

func (a *App) trackedPIDsByService() map[string][]int32 {
	statuses := a.Manager.StatusAll()
	out := make(map[string][]int32, len(statuses))
	for _, st := range statuses {
		pids := make([]int32, 0, len(st.TrackedPIDs)+1)
		if st.DirectChildPID != 0 {
			pids = append(pids, st.DirectChildPID)
		}
		pids = append(pids, st.TrackedPIDs...)
		out[st.Name] = pids
	}
	return out
}

// Group returns a servicegroup.Group scoped to gc's members, for combined
// start/stop/status over a named label within the catalog.
func (a *App) Group(gc GroupConfig) *servicegroup.Group {
	return servicegroup.New(a.Manager, gc)
}

// LoadConfig reads and validates a catalog file.
func LoadConfig(path string) (*config.Config, error) { return config.LoadConfig(path) }

// NewHistorySinkFromDSN builds a history.Sink from a DSN
// (clickhouse://, opensearch://, postgres(ql)://, sqlite://, or a bare
// filesystem path defaulting to sqlite).
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) {
	return historyfactory.NewSinkFromDSN(dsn)
}

// RegisterMetrics registers every watchsup Prometheus collector with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers against prometheus.DefaultRegisterer.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing only /metrics — the
// single, read-only, scrape-only HTTP surface this system ships; there is
// deliberately no control route behind it.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
