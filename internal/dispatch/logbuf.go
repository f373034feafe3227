package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// logBufferCap bounds the retained log lines served by get_logs.
const logBufferCap = 500

// LogBuffer is a slog.Handler that keeps the most recent formatted log
// lines in memory, wrapping an inner handler that does the real output.
// It backs the get_logs tool.
type LogBuffer struct {
	inner slog.Handler

	mu    sync.Mutex
	lines []string
}

var _ slog.Handler = (*LogBuffer)(nil)

// NewLogBuffer wraps inner with in-memory retention. A nil inner keeps
// lines without forwarding them anywhere.
func NewLogBuffer(inner slog.Handler) *LogBuffer {
	return &LogBuffer{inner: inner}
}

// Enabled defers to the inner handler, capturing everything when absent.
func (b *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	if b.inner == nil {
		return true
	}
	return b.inner.Enabled(ctx, level)
}

// Handle formats the record into one line, appends it to the ring, and
// forwards to the inner handler.
func (b *LogBuffer) Handle(ctx context.Context, rec slog.Record) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s",
		rec.Time.Format(time.RFC3339), rec.Level, rec.Message)
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	})

	b.mu.Lock()
	b.lines = append(b.lines, sb.String())
	if len(b.lines) > logBufferCap {
		b.lines = b.lines[len(b.lines)-logBufferCap:]
	}
	b.mu.Unlock()

	if b.inner == nil {
		return nil
	}
	return b.inner.Handle(ctx, rec)
}

// WithAttrs returns a handler sharing this buffer with extra attrs on the
// inner handler.
func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	if b.inner == nil {
		return b
	}
	return &sharedBuffer{parent: b, inner: b.inner.WithAttrs(attrs)}
}

// WithGroup returns a handler sharing this buffer with a group on the
// inner handler.
func (b *LogBuffer) WithGroup(name string) slog.Handler {
	if b.inner == nil {
		return b
	}
	return &sharedBuffer{parent: b, inner: b.inner.WithGroup(name)}
}

// Recent returns the newest n lines (all when n <= 0).
func (b *LogBuffer) Recent(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// sharedBuffer is a derived handler whose lines still land in the parent
// buffer.
type sharedBuffer struct {
	parent *LogBuffer
	inner  slog.Handler
}

func (s *sharedBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return s.inner.Enabled(ctx, level)
}

func (s *sharedBuffer) Handle(ctx context.Context, rec slog.Record) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s",
		rec.Time.Format(time.RFC3339), rec.Level, rec.Message)
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	})

	s.parent.mu.Lock()
	s.parent.lines = append(s.parent.lines, sb.String())
	if len(s.parent.lines) > logBufferCap {
		s.parent.lines = s.parent.lines[len(s.parent.lines)-logBufferCap:]
	}
	s.parent.mu.Unlock()

	return s.inner.Handle(ctx, rec)
}

func (s *sharedBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sharedBuffer{parent: s.parent, inner: s.inner.WithAttrs(attrs)}
}

func (s *sharedBuffer) WithGroup(name string) slog.Handler {
	return &sharedBuffer{parent: s.parent, inner: s.inner.WithGroup(name)}
}
