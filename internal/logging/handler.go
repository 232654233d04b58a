package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// RedactingHandler scrubs secrets from messages and attribute values before
// handing records to the next handler.
type RedactingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler, sanitizer *Sanitizer) *RedactingHandler {
	return &RedactingHandler{next: next, sanitizer: sanitizer}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactingHandler{next: h.next.WithAttrs(h.redactAll(attrs)), sanitizer: h.sanitizer}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), sanitizer: h.sanitizer}
}

func (h *RedactingHandler) redactAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = h.redact(a)
	}
	return out
}

// redact rewrites string values, errors and groups. Invocation errors carry
// agent response bodies, so they are flattened to sanitized text.
func (h *RedactingHandler) redact(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(v.String()))
	case slog.KindGroup:
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(h.redactAll(v.Group())...)}
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.sanitizer.Sanitize(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

// ANSI sequences used by ConsoleHandler.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

var levelTags = map[slog.Level]string{
	slog.LevelDebug: ansiGray + "DBG" + ansiReset,
	slog.LevelInfo:  ansiBlue + "INF" + ansiReset,
	slog.LevelWarn:  ansiYellow + "WRN" + ansiReset,
	slog.LevelError: ansiRed + "ERR" + ansiReset,
}

// ConsoleHandler writes one colored line per record for terminals. The
// run_id and stage attributes become a "[run/stage]" prefix so lines from
// concurrent runs can be told apart.
type ConsoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string // dotted group path for attrs added after WithGroup
}

// NewConsoleHandler writes records at or above level to w.
func NewConsoleHandler(w io.Writer, level slog.Leveler) *ConsoleHandler {
	return &ConsoleHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var runID, stage string
	var tail strings.Builder

	add := func(a slog.Attr) {
		switch a.Key {
		case "run_id":
			runID = a.Value.String()
		case "stage":
			stage = a.Value.String()
		default:
			writeAttr(&tail, "", a)
		}
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix != "" {
			writeAttr(&tail, h.prefix, a)
			return true
		}
		add(a)
		return true
	})

	var line strings.Builder
	line.WriteString(r.Time.Format("15:04:05"))
	line.WriteByte(' ')
	if tag, ok := levelTags[r.Level]; ok {
		line.WriteString(tag)
	} else {
		line.WriteString(r.Level.String())
	}
	if label := runLabel(runID, stage); label != "" {
		line.WriteString(" [" + label + "]")
	}
	line.WriteByte(' ')
	line.WriteString(r.Message)
	line.WriteString(tail.String())
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), qualify(h.prefix, attrs)...)
	return &nh
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = joinKey(h.prefix, name)
	return &nh
}

func runLabel(runID, stage string) string {
	switch {
	case runID != "" && stage != "":
		return runID + "/" + stage
	case runID != "":
		return runID
	default:
		return stage
	}
}

// qualify nests attrs under the current group path so they are not mistaken
// for the top-level run_id or stage.
func qualify(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	return []slog.Attr{{Key: prefix, Value: slog.GroupValue(attrs...)}}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := joinKey(prefix, a.Key)
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	b.WriteString(" " + ansiCyan + key + ansiReset + "=" + v.String())
}
