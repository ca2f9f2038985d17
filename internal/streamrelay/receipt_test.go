package streamrelay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateReceiptFillsDefaults(t *testing.T) {
	r := CreateReceipt(Receipt{Action: "delivery_attempt"})
	if !strings.HasPrefix(r.TraceID, "trc_") {
		t.Fatalf("missing trace id: %+v", r)
	}
	if !strings.HasPrefix(r.IdempotencyKey, "idk_") {
		t.Fatalf("missing idempotency key: %+v", r)
	}
	if r.Actor != "streamrelay" || r.Status != "ok" {
		t.Fatalf("unexpected defaults: %+v", r)
	}
	if r.StartedAt == "" || r.FinishedAt == "" {
		t.Fatalf("missing timestamps: %+v", r)
	}

	custom := CreateReceipt(Receipt{Actor: "outbound", Status: "error", IdempotencyKey: "dlv_1_2"})
	if custom.Actor != "outbound" || custom.Status != "error" || custom.IdempotencyKey != "dlv_1_2" {
		t.Fatalf("overrides clobbered: %+v", custom)
	}
}

func TestReceiptLogAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.jsonl")
	rl, err := NewReceiptLog(path)
	if err != nil {
		t.Fatalf("new receipt log: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := rl.Append(Receipt{Action: "poll_cycle", Notes: string(rune('a' + i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// torn line in the middle of the audit trail
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{\"half\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()
	if err := rl.Append(Receipt{Action: "poll_cycle", Notes: "d"}); err != nil {
		t.Fatalf("append after garbage: %v", err)
	}

	tail, err := rl.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Notes != "c" || tail[1].Notes != "d" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	missing, err := NewReceiptLog(filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil {
		t.Fatalf("new receipt log: %v", err)
	}
	if got, err := missing.Tail(5); err != nil || got != nil {
		t.Fatalf("missing file should tail empty, got %v %v", got, err)
	}
}
