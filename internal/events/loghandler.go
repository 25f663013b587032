package events

import (
	"context"
	"log/slog"
	"os"
	"time"
)

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogHandler is a slog.Handler that tees records to stderr and retains a
// ring of recent lines for the debug endpoint.
type LogHandler struct {
	inner  slog.Handler
	ring   *ring[LogLine]
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewLogHandler(level slog.Leveler, size int) *LogHandler {
	if size <= 0 {
		size = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:  newRing[LogLine](size),
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
	h.ring.publish(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = append(cloneAttrs(h.attrs), attrs...)
	return &c
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.groups = append(append([]string{}, h.groups...), name)
	return &c
}

func (h *LogHandler) Subscribe() (int, <-chan LogLine, []LogLine) {
	return h.ring.subscribe()
}

func (h *LogHandler) Unsubscribe(id int) {
	h.ring.unsubscribe(id)
}

func (h *LogHandler) Recent() []LogLine {
	return h.ring.recent()
}

func groupPrefix(groups []string) string {
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
