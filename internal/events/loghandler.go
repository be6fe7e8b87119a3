package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// logRing is the shared retention buffer behind all derived handlers.
type logRing struct {
	mu        sync.RWMutex
	ring      []LogLine
	ringSize  int
	ringPos   int
	ringCount int
}

// LogHandler tees slog records to stderr and retains the last N lines.
type LogHandler struct {
	inner  slog.Handler
	core   *logRing
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		core: &logRing{
			ring:     make([]LogLine, ringSize),
			ringSize: ringSize,
		},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	c := h.core
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring[c.ringPos] = line
	c.ringPos = (c.ringPos + 1) % c.ringSize
	if c.ringCount < c.ringSize {
		c.ringCount++
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		core:   h.core,
		level:  h.level,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		core:   h.core,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

// Recent returns the retained log lines in chronological order.
func (h *LogHandler) Recent() []LogLine {
	c := h.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]LogLine, 0, c.ringCount)
	start := c.ringPos - c.ringCount
	if start < 0 {
		start += c.ringSize
	}
	for i := 0; i < c.ringCount; i++ {
		out = append(out, c.ring[(start+i)%c.ringSize])
	}
	return out
}

func groupPrefix(groups []string) string {
	prefix := ""
	for _, g := range groups {
		prefix += g + "."
	}
	return prefix
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	return append([]slog.Attr{}, attrs...)
}
