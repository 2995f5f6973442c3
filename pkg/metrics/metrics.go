package metrics

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event is one recorded measurement with optional tags.
type Event struct {
	Name  string
	Time  time.Time
	Value float64
	Tags  map[string]string
}

// Observer receives session measurements from streaming components.
// Implementations must be safe for concurrent use.
type Observer interface {
	RecordEvent(ev Event)
}

// Record is a convenience for emitting a measurement through an observer.
// A nil observer drops the event.
func Record(o Observer, name string, value float64, tags map[string]string) {
	if o == nil {
		return
	}
	o.RecordEvent(Event{Name: name, Time: time.Now(), Value: value, Tags: tags})
}

// NoopObserver discards all events.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// MemoryObserver collects events in memory; intended for tests.
type MemoryObserver struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a snapshot of recorded events.
func (m *MemoryObserver) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// ByName returns recorded events matching name.
func (m *MemoryObserver) ByName(name string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// JSONLObserver writes one JSON line per event.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev Event) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	o.logger.LogAttrs(context.TODO(), slog.LevelInfo, "metrics", attrs...)
}
