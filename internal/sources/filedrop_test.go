package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

func TestFiledropFetchAndNormalize(t *testing.T) {
	dir := t.TempDir()
	adapter, err := NewFiledropAdapter(streamrelay.FiledropConfig{Dir: dir})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "msg-1.json"), []byte(`{"from":"cron","body":"backup done"}`), 0o644); err != nil {
		t.Fatalf("write drop file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	msgs, err := adapter.Fetch(context.Background(), streamrelay.FetchHint{Limit: 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if key := adapter.Key(msgs[0]); key != "filedrop:msg-1.json" {
		t.Fatalf("unexpected key %q", key)
	}
	ev, err := adapter.Normalize(msgs[0])
	if err != nil || ev == nil {
		t.Fatalf("normalize: ev=%v err=%v", ev, err)
	}
	if ev.Kind != "filedrop.message.received" || ev.Payload["body"] != "backup done" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestFiledropUnparseableFileDroppedOnce(t *testing.T) {
	dir := t.TempDir()
	adapter, err := NewFiledropAdapter(streamrelay.FiledropConfig{Dir: dir})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	msgs, err := adapter.Fetch(context.Background(), streamrelay.FetchHint{Limit: 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("unparseable file must still be surfaced, got %d messages", len(msgs))
	}
	// a key is assigned so the ledger marks it, then normalize drops it
	if key := adapter.Key(msgs[0]); key == "" {
		t.Fatalf("expected a key for the bad file")
	}
	ev, err := adapter.Normalize(msgs[0])
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected drop for unparseable file, got %+v", ev)
	}
}

func TestFiledropWatchNudges(t *testing.T) {
	dir := t.TempDir()
	adapter, err := NewFiledropAdapter(streamrelay.FiledropConfig{Dir: dir})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nudged := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = adapter.Watch(ctx, func() {
			select {
			case nudged <- struct{}{}:
			default:
			}
		})
	}()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "live.json"), []byte(`{"body":"hi"}`), 0o644); err != nil {
		t.Fatalf("write drop file: %v", err)
	}

	select {
	case <-nudged:
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher did not nudge after a json drop")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not stop on context cancel")
	}
}
