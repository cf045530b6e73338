// Package metrics records scalar time series (tag, value, step) to
// append-only JSON-lines event files and serves them back over HTTP.
package metrics

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	eventPrefix = "events."
	eventSuffix = ".jsonl"
)

// Writer receives scalar observations.
type Writer interface {
	AddScalar(tag string, value float64, step int) error
	Close() error
}

// Tag joins path segments into a scalar tag.
func Tag(parts ...string) string {
	return strings.Join(parts, "/")
}

// Value is a float64 that survives JSON round trips for NaN and +/-Inf,
// which a diverging loss can produce.
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("metrics: invalid value %s", b)
	}
	*v = Value(f)
	return nil
}

// Event is one line of an event file.
type Event struct {
	WallTime float64 `json:"wall_time"`
	Step     int     `json:"step"`
	Tag      string  `json:"tag"`
	Value    Value   `json:"value"`
}

// EventWriter appends events to events.<unix>.<uuid>.jsonl in a run
// directory. Each process gets its own file so concurrent writers never
// interleave.
type EventWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	now  func() time.Time
}

func NewEventWriter(dir string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	now := time.Now()
	name := fmt.Sprintf("%s%d.%s%s", eventPrefix, now.Unix(), uuid.NewString(), eventSuffix)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &EventWriter{path: path, f: f, now: time.Now}, nil
}

// Path is the event file being written.
func (w *EventWriter) Path() string { return w.path }

func (w *EventWriter) AddScalar(tag string, value float64, step int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	ev := Event{
		WallTime: float64(w.now().UnixNano()) / 1e9,
		Step:     step,
		Tag:      tag,
		Value:    Value(value),
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (w *EventWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) AddScalar(tag string, value float64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Step: step, Tag: tag, Value: Value(value)})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Series returns the points recorded under tag in arrival order.
func (r *Recorder) Series(tag string) []Point {
	var out []Point
	for _, ev := range r.Events() {
		if ev.Tag == tag {
			out = append(out, Point{Step: ev.Step, Value: ev.Value, WallTime: ev.WallTime})
		}
	}
	return out
}

// Discard drops every observation.
type Discard struct{}

func (Discard) AddScalar(string, float64, int) error { return nil }

func (Discard) Close() error { return nil }
