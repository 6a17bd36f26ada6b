// Package crashrecorder implements the Crash recorder: on a classified
// crash, it formats a structured record and delivers it to two kinds of
// sink — a short line for the event sink (UI) and a full block appended
// to an append-only crash-record stream (forensic review) plus any
// attached internal/history.Sink destinations for aggregate crash-rate
// analysis. None of these sinks are ever read back to decide which
// processes to track; they are write-only observability.
package crashrecorder

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loykin/watchsup/internal/history"
)

// Record is the crash-record stream's field set.
type Record struct {
	Timestamp   time.Time
	ServiceName string
	ServiceType string
	PID         int
	ExitCode    string // decimal, or "killed" if indeterminate
	Uptime      time.Duration
	StartedAt   time.Time
	Command     string
}

// delimiter is the 80-'=' rule bracketing each record in the stream.
const delimiter = "================================================================================"

// FormatBlock renders one crash record as the multi-line text block
// appended to the crash-record stream, numbered n (1-based, monotonic per
// stream).
func FormatBlock(r Record, n int) string {
	var b strings.Builder
	b.WriteString(delimiter)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "CRASH EVENT #%d\n", n)
	fmt.Fprintf(&b, "Timestamp: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Service: %s\n", r.ServiceName)
	fmt.Fprintf(&b, "Type: %s\n", r.ServiceType)
	fmt.Fprintf(&b, "PID: %d\n", r.PID)
	fmt.Fprintf(&b, "ExitCode: %s\n", r.ExitCode)
	fmt.Fprintf(&b, "Uptime: %s\n", r.Uptime)
	fmt.Fprintf(&b, "StartedAt: %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Command: %s\n", r.Command)
	b.WriteString(delimiter)
	b.WriteByte('\n')
	return b.String()
}

// LogSink is the short, one-line event-sink notice (the GUI/test-harness
// facing half of the crash record); Log(line string) matches
// internal/eventsink's contract exactly.
type LogSink interface {
	Log(line string)
}

// Recorder owns the monotonic event counter and fans a crash out to the
// text stream, the event sink, and any history sinks.
type Recorder struct {
	mu     sync.Mutex
	stream io.Writer
	sinks  []history.Sink
	events LogSink
	n      int
}

func New(stream io.Writer, events LogSink, sinks ...history.Sink) *Recorder {
	return &Recorder{stream: stream, events: events, sinks: sinks}
}

// Record emits a crash: increments the counter exactly once, writes the
// block to the stream, pushes a short line to the event sink, and hands
// the record to every attached history.Sink (best-effort — a sink failure
// is logged, never fatal to the supervisor).
func (r *Recorder) Record(ctx context.Context, rec Record) {
	r.mu.Lock()
	r.n++
	n := r.n
	r.mu.Unlock()

	if r.stream != nil {
		_, _ = io.WriteString(r.stream, FormatBlock(rec, n))
	}
	if r.events != nil {
		r.events.Log(fmt.Sprintf("[crash #%d] %s (pid %d) exited %s after %s", n, rec.ServiceName, rec.PID, rec.ExitCode, rec.Uptime))
	}
	for _, sink := range r.sinks {
		err := sink.Send(ctx, history.Event{
			Type:       history.EventStop,
			OccurredAt: rec.Timestamp,
			Record: history.Record{
				Name:      rec.ServiceName,
				PID:       rec.PID,
				StartedAt: rec.StartedAt,
				Running:   false,
			},
		})
		if err != nil && r.events != nil {
			r.events.Log(fmt.Sprintf("[crash #%d] history sink failed: %v", n, err))
		}
	}
}

// Count returns the number of crashes recorded so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
