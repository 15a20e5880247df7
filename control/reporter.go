package control

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sample is the outcome of one tick.
type Sample struct {
	Interface string
	Count     uint64
	At        time.Time
	Err       error
}

// Reporter receives tick results. Report must not block for long; it
// runs on the read loop.
type Reporter interface {
	Report(ctx context.Context, s Sample)
}

// LogReporter logs every sample. Failures are logged at warn, repeated
// identical counts at debug.
type LogReporter struct {
	logger *slog.Logger

	mu   sync.Mutex
	last uint64
	seen bool
}

// NewLogReporter returns a Reporter that logs to logger.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(ctx context.Context, s Sample) {
	if s.Err != nil {
		r.logger.WarnContext(ctx, "counter read failed", "error", s.Err)
		return
	}

	r.mu.Lock()
	delta := s.Count - r.last
	if s.Count < r.last {
		// Reset since the previous sample.
		delta = s.Count
	}
	unchanged := r.seen && delta == 0
	r.last, r.seen = s.Count, true
	r.mu.Unlock()

	level := slog.LevelInfo
	if unchanged {
		level = slog.LevelDebug
	}
	r.logger.Log(ctx, level, "packets", "count", s.Count, "delta", delta)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, s Sample)

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, s Sample) { f(ctx, s) }

// MultiReporter fans a sample out to every reporter in order.
type MultiReporter []Reporter

// Report implements Reporter.
func (m MultiReporter) Report(ctx context.Context, s Sample) {
	for _, r := range m {
		r.Report(ctx, s)
	}
}
