package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// Entry is one captured log record with its attributes flattened.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

type entryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// LogRecorder is a slog.Handler that keeps every record in memory. Handlers
// derived through WithAttrs share the same store.
type LogRecorder struct {
	store *entryStore
	attrs []slog.Attr
	group string
}

// NewLogger returns a logger backed by a fresh LogRecorder.
func NewLogger() (*slog.Logger, *LogRecorder) {
	rec := &LogRecorder{store: &entryStore{}}
	return slog.New(rec), rec
}

func (h *LogRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (h *LogRecorder) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = a.Value.Any()
		return true
	})

	h.store.mu.Lock()
	h.store.entries = append(h.store.entries, Entry{Level: r.Level, Message: r.Message, Attrs: attrs})
	h.store.mu.Unlock()
	return nil
}

func (h *LogRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &LogRecorder{store: h.store, attrs: merged, group: h.group}
}

func (h *LogRecorder) WithGroup(name string) slog.Handler {
	return &LogRecorder{store: h.store, attrs: h.attrs, group: name}
}

// Entries returns a copy of everything captured so far.
func (h *LogRecorder) Entries() []Entry {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	out := make([]Entry, len(h.store.entries))
	copy(out, h.store.entries)
	return out
}

// Find returns the first entry at level whose message contains msg.
func (h *LogRecorder) Find(level slog.Level, msg string) (Entry, bool) {
	for _, e := range h.Entries() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return e, true
		}
	}
	return Entry{}, false
}

// RequireLogged fails the test unless an entry at level contains msg.
func RequireLogged(t testing.TB, h *LogRecorder, level slog.Level, msg string) Entry {
	t.Helper()
	e, ok := h.Find(level, msg)
	if !ok {
		for _, got := range h.Entries() {
			t.Logf("  [%s] %s %v", got.Level, got.Message, got.Attrs)
		}
		t.Fatalf("no %s log containing %q", level, msg)
	}
	return e
}
