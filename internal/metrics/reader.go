package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

var ErrUnknownRun = errors.New("metrics: unknown run")

// Point is one observation of a series.
type Point struct {
	Step     int     `json:"step"`
	Value    Value   `json:"value"`
	WallTime float64 `json:"wall_time"`
}

func isEventFile(name string) bool {
	return strings.HasPrefix(name, eventPrefix) && strings.HasSuffix(name, eventSuffix)
}

// ReadEvents parses one event file. A truncated final line (a writer killed
// mid-write) is skipped.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	var pending error
	for sc.Scan() {
		line++
		if pending != nil {
			return nil, pending
		}
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			pending = fmt.Errorf("%s:%d: %w", path, line, err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Runs lists the run directories under root that hold event files, as
// slash-separated paths relative to root.
func Runs(root string) ([]string, error) {
	seen := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !isEventFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		seen[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	runs := make([]string, 0, len(seen))
	for r := range seen {
		runs = append(runs, r)
	}
	sort.Strings(runs)
	return runs, nil
}

// LoadRun merges every event file of run into per-tag series sorted by step.
func LoadRun(root, run string) (map[string][]Point, error) {
	if !filepath.IsLocal(filepath.FromSlash(run)) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRun, run)
	}
	dir := filepath.Join(root, filepath.FromSlash(run))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRun, run)
	}
	if err != nil {
		return nil, err
	}

	series := make(map[string][]Point)
	found := false
	for _, e := range entries {
		if e.IsDir() || !isEventFile(e.Name()) {
			continue
		}
		found = true
		events, err := ReadEvents(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			series[ev.Tag] = append(series[ev.Tag], Point{Step: ev.Step, Value: ev.Value, WallTime: ev.WallTime})
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRun, run)
	}
	for _, pts := range series {
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].Step < pts[j].Step })
	}
	return series, nil
}
