package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/watchsup"
	historyfactory "github.com/loykin/watchsup/internal/history/factory"
)

func newRunCmd() *cobra.Command {
	var (
		configPath    string
		metricsListen string
		historyDSN    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a config file, start every enabled service, and block until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), configPath, metricsListen, historyDSN)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the service catalog file")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus /metrics on (e.g. :9090)")
	cmd.Flags().StringVar(&historyDSN, "history-dsn", "", "optional history sink DSN (clickhouse://, opensearch://, postgres://, sqlite://)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runApp(ctx context.Context, configPath, metricsListen, historyDSN string) error {
	cfg, err := watchsup.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var sinks []watchsup.HistorySink
	dsn := historyDSN
	if dsn == "" {
		dsn = watchsup.HistoryDSNFromConfig(cfg)
	}
	if dsn != "" {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	var crashStream io.Writer
	if cfg.Log != nil && cfg.Log.CrashStreamPath != "" {
		f, err := os.OpenFile(cfg.Log.CrashStreamPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open crash stream: %w", err)
		}
		defer func() { _ = f.Close() }()
		crashStream = f
	}

	app, err := watchsup.NewFromConfig(cfg, crashStream, sinks...)
	if err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	unsub := logEventsToSlog(app)
	defer unsub()

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := watchsup.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		listen := metricsListen
		if listen == "" {
			listen = cfg.Metrics.Listen
		}
		if listen != "" {
			go func() {
				if err := watchsup.ServeMetrics(listen); err != nil {
					slog.Error("metrics server stopped", "error", err)
				}
			}()
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.StartAll(sigCtx); err != nil {
		slog.Error("one or more services failed to start", "error", err)
	}

	<-sigCtx.Done()
	slog.Info("signal received, stopping every service")
	return app.StopAll()
}

func logEventsToSlog(app *watchsup.App) func() {
	ch, cancel := app.Events.Subscribe()
	go func() {
		for ev := range ch {
			switch {
			case ev.Log != nil:
				slog.Info(ev.Log.Line)
			case ev.Status != nil:
				slog.Info("state transition", "service", ev.Status.Service, "state", string(ev.Status.State))
			}
		}
	}()
	return cancel
}
