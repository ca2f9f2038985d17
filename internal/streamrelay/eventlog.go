package streamrelay

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EventLog is the append-only canonical event store: one JSON object per
// line, UTF-8. Events are immutable once appended and never removed. Corrupt
// lines are skipped on read so a partial write cannot poison the whole log.
type EventLog struct {
	path string
	mu   sync.Mutex
}

func NewEventLog(path string) (*EventLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &EventLog{path: path}, nil
}

// Append writes the batch under one lock so append order equals discovery
// order within a poll cycle.
func (g *EventLog) Append(events ...CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	var b strings.Builder
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteString("\n")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

func (g *EventLog) ReadAll() ([]CanonicalEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, err := os.Open(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []CanonicalEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev CanonicalEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// malformed record, skip
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

func (g *EventLog) Tail(n int) ([]CanonicalEvent, error) {
	all, err := g.ReadAll()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func (g *EventLog) Len() (int, error) {
	all, err := g.ReadAll()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
