package streamrelay

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Receipt is the immutable audit record of one side-effecting action: a
// delivery attempt, a posted reply, a command execution, a poll cycle that
// emitted events. One receipt per action regardless of outcome.
type Receipt struct {
	TraceID        string `json:"traceId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Actor          string `json:"actor"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	ExitCode       *int   `json:"exitCode,omitempty"`
	StartedAt      string `json:"startedAt"`
	FinishedAt     string `json:"finishedAt"`
	Notes          string `json:"notes,omitempty"`
}

// CreateReceipt fills required fields with defaults so callers only supply
// the delta.
func CreateReceipt(overrides Receipt) Receipt {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	r := overrides
	if r.TraceID == "" {
		r.TraceID = "trc_" + uuid.NewString()
	}
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = "idk_" + uuid.NewString()
	}
	if r.Actor == "" {
		r.Actor = "streamrelay"
	}
	if r.Status == "" {
		r.Status = "ok"
	}
	if r.StartedAt == "" {
		r.StartedAt = now
	}
	if r.FinishedAt == "" {
		r.FinishedAt = now
	}
	return r
}

type ReceiptLog struct {
	path string
	mu   sync.Mutex
}

func NewReceiptLog(path string) (*ReceiptLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &ReceiptLog{path: path}, nil
}

func (rl *ReceiptLog) Append(r Receipt) error {
	r = CreateReceipt(r)
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	f, err := os.OpenFile(rl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(string(line) + "\n")
	return err
}

// Tail returns the last n well-formed receipts. Corrupt lines are skipped:
// an audit log must survive partial writes.
func (rl *ReceiptLog) Tail(n int) ([]Receipt, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	f, err := os.Open(rl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []Receipt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Receipt
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
