package crashrecorder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loykin/watchsup/internal/history"
)

type bufLogSink struct{ lines []string }

func (b *bufLogSink) Log(line string) { b.lines = append(b.lines, line) }

type fakeHistorySink struct{ events []history.Event }

func (f *fakeHistorySink) Send(_ context.Context, e history.Event) error {
	f.events = append(f.events, e)
	return nil
}

func TestFormatBlock(t *testing.T) {
	r := Record{
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ServiceName: "demo",
		ServiceType: "executable",
		PID:         1234,
		ExitCode:    "1",
		Uptime:      30 * time.Second,
		StartedAt:   time.Date(2026, 1, 2, 3, 3, 35, 0, time.UTC),
		Command:     "/bin/demo --flag",
	}
	block := FormatBlock(r, 1)
	if !strings.HasPrefix(block, delimiter) {
		t.Fatalf("expected block to start with delimiter rule")
	}
	if !strings.Contains(block, "CRASH EVENT #1") {
		t.Fatalf("expected header, got:\n%s", block)
	}
	if !strings.Contains(block, "Service: demo") || !strings.Contains(block, "PID: 1234") {
		t.Fatalf("expected fields present, got:\n%s", block)
	}
	if strings.Count(block, delimiter) != 2 {
		t.Fatalf("expected exactly two delimiter rules, got:\n%s", block)
	}
}

func TestRecorder_IncrementsCountAndFansOut(t *testing.T) {
	var stream strings.Builder
	events := &bufLogSink{}
	sink := &fakeHistorySink{}
	rec := New(&stream, events, sink)

	rec.Record(context.Background(), Record{ServiceName: "a", PID: 1, ExitCode: "1"})
	rec.Record(context.Background(), Record{ServiceName: "a", PID: 2, ExitCode: "1"})

	if rec.Count() != 2 {
		t.Fatalf("expected count 2, got %d", rec.Count())
	}
	if !strings.Contains(stream.String(), "CRASH EVENT #1") || !strings.Contains(stream.String(), "CRASH EVENT #2") {
		t.Fatalf("expected both events in stream, got:\n%s", stream.String())
	}
	if len(events.lines) != 2 {
		t.Fatalf("expected 2 log lines, got %v", events.lines)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(sink.events))
	}
}
