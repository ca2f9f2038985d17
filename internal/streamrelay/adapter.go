package streamrelay

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Message is a raw source-native record as returned by an adapter's Fetch.
type Message map[string]any

func (m Message) String(key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

type FetchHint struct {
	// Seed requests a larger first-run page used only to prime the dedup
	// ledger without emitting events.
	Seed  bool
	Limit int
}

// SourceAdapter is the per-source plug point. Polling, dedup, persistence,
// and notification mechanics are centralized in Poller; only these five
// operations vary between sources.
//
// Key returning "" marks the message permanently unprocessable: it is
// skipped and never retried. Normalize returning (nil, nil) drops the
// message after it has been marked seen, so malformed input is not
// reprocessed every cycle.
type SourceAdapter interface {
	Name() string
	Fetch(ctx context.Context, hint FetchHint) ([]Message, error)
	Key(msg Message) string
	ShouldSkip(msg Message) bool
	Normalize(msg Message) (*CanonicalEvent, error)
	FormatLine(ev CanonicalEvent) string
}

type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: map[string]SourceAdapter{}}
}

func (r *AdapterRegistry) Register(adapter SourceAdapter) {
	if adapter == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(adapter.Name()))
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

func (r *AdapterRegistry) Lookup(name string) (SourceAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	return adapter, ok
}

func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
