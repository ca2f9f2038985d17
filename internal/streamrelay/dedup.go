package streamrelay

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const DefaultLedgerMax = 5000

// DedupLedger is an ordered bounded set of previously-seen keys, persisted
// one key per line, most-recent-last. One ledger file is owned by exactly one
// poller or ingestor instance; ownership is enforced with an advisory lock on
// the file while the ledger is open.
type DedupLedger struct {
	path string
	max  int

	mu    sync.Mutex
	lock  *os.File
	seen  map[string]struct{}
	order []string
	dirty bool
}

func OpenDedupLedger(path string, max int) (*DedupLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if max <= 0 {
		max = DefaultLedgerMax
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireLedgerLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	l := &DedupLedger{
		path: path,
		max:  max,
		lock: lock,
		seen: map[string]struct{}{},
	}
	if err := l.load(); err != nil {
		releaseLedgerLock(lock)
		return nil, err
	}
	return l, nil
}

func (l *DedupLedger) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		l.markLocked(key)
	}
	return scanner.Err()
}

func (l *DedupLedger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[key]
	return ok
}

// Mark records a key and reports whether it was new. Oldest keys are evicted
// once the set exceeds the bound; an evicted key reappearing upstream will be
// reprocessed, which is accepted documented behavior.
func (l *DedupLedger) Mark(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markLocked(key)
}

func (l *DedupLedger) markLocked(key string) bool {
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	l.order = append(l.order, key)
	l.dirty = true
	for len(l.order) > l.max {
		evicted := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, evicted)
	}
	return true
}

// Forget withdraws a key so a later retry is treated as new. Used when the
// work keyed on a mark fails after the mark was taken.
func (l *DedupLedger) Forget(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; !ok {
		return
	}
	delete(l.seen, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.dirty = true
}

func (l *DedupLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *DedupLedger) Empty() bool {
	return l.Len() == 0
}

// Save persists the retained keys. Called once per poll cycle that discovered
// new keys, not per message.
func (l *DedupLedger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	var b strings.Builder
	for _, key := range l.order {
		b.WriteString(key)
		b.WriteString("\n")
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

func (l *DedupLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock != nil {
		releaseLedgerLock(l.lock)
		l.lock = nil
	}
	return nil
}
