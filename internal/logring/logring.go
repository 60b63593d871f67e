// Package logring keeps the newest N formatted log lines in memory so the
// terminal log view can render them without writing to stdout behind the
// renderer's back.
package logring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultCapacity = 200

// Buffer is a fixed-capacity ring of formatted log lines.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	start int
	count int
	gen   uint64
}

// NewBuffer creates a buffer holding at most capacity lines; capacity <= 0
// selects the default.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when full.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < len(b.lines) {
		b.lines[(b.start+b.count)%len(b.lines)] = line
		b.count++
	} else {
		b.lines[b.start] = line
		b.start = (b.start + 1) % len(b.lines)
	}
	b.gen++
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

// Generation increments on every append; the view uses it to skip
// re-reading an unchanged buffer.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Handler is a slog.Handler that formats records into a Buffer.
type Handler struct {
	buf   *Buffer
	level slog.Leveler
	bound []string
	group string
}

// NewHandler creates a handler appending to buf at the given minimum level.
func NewHandler(buf *Buffer, level slog.Leveler) *Handler {
	return &Handler{buf: buf, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	var sb strings.Builder
	sb.WriteString(rec.Time.Format(time.TimeOnly))
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-5s", rec.Level.String()))
	sb.WriteString(" ")
	sb.WriteString(rec.Message)

	for _, kv := range h.bound {
		sb.WriteString(" ")
		sb.WriteString(kv)
	}
	rec.Attrs(func(a slog.Attr) bool {
		sb.WriteString(" ")
		sb.WriteString(h.formatAttr(a))
		return true
	})

	h.buf.Append(sb.String())
	return nil
}

func (h *Handler) formatAttr(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return key + "=" + a.Value.String()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.bound = append([]string(nil), h.bound...)
	for _, a := range attrs {
		clone.bound = append(clone.bound, h.formatAttr(a))
	}
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}
