package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogEntry is one JSON log line. component and protocol are lifted out of
// the attributes because every relay log line carries them.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Protocol  string         `json:"protocol,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// entryHandler writes LogEntry lines. Handlers derived through WithAttrs and
// WithGroup share the writer lock.
type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	mu        *sync.Mutex

	attrs  []groupedAttr
	groups []string
}

type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

func newEntryHandler(level slog.Level, addSource bool, writer io.Writer) *entryHandler {
	return &entryHandler{level: level, addSource: addSource, writer: writer, mu: &sync.Mutex{}}
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}
	fields := make(map[string]any)
	for _, ga := range h.attrs {
		entry.add(fields, ga.groups, ga.attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry.add(fields, h.groups, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}
	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]groupedAttr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, attr := range attrs {
		next.attrs = append(next.attrs, groupedAttr{groups: h.groups, attr: attr})
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func (e *LogEntry) add(fields map[string]any, groups []string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if len(groups) == 0 && attr.Value.Kind() == slog.KindString {
		switch attr.Key {
		case "component":
			e.Component = attr.Value.String()
			return
		case "protocol":
			e.Protocol = attr.Value.String()
			return
		}
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + attr.Key
	}
	fields[key] = jsonValue(attr.Value)
}

func jsonValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = jsonValue(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case fmt.Stringer:
			return v.String()
		default:
			return v
		}
	default:
		return value.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
