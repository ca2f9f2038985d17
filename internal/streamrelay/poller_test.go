package streamrelay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeAdapter struct {
	name    string
	batches [][]Message
	calls   int
	err     error
	skip    func(Message) bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, hint FetchHint) ([]Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, nil
}

func (f *fakeAdapter) Key(msg Message) string {
	id := msg.String("id")
	if id == "" {
		return ""
	}
	return f.name + ":" + id
}

func (f *fakeAdapter) ShouldSkip(msg Message) bool {
	if f.skip == nil {
		return false
	}
	return f.skip(msg)
}

func (f *fakeAdapter) Normalize(msg Message) (*CanonicalEvent, error) {
	if msg.String("body") == "" {
		return nil, nil
	}
	ev, err := NewCanonicalEvent(f.name, msg.String("id"), f.name+".message.posted",
		Actor{Login: msg.String("from")}, "", map[string]string{"body": msg.String("body")})
	if err != nil {
		return nil, nil
	}
	return &ev, nil
}

func (f *fakeAdapter) FormatLine(ev CanonicalEvent) string {
	return fmt.Sprintf("[%s] %s: %s", f.name, ev.Actor.Login, ev.Payload["body"])
}

func newPollerFixture(t *testing.T, adapter SourceAdapter) (*Poller, *EventLog, *ReceiptLog, string) {
	t.Helper()
	dir := t.TempDir()
	ledger, err := OpenDedupLedger(filepath.Join(dir, "seen.txt"), 100)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	log, err := NewEventLog(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	receipts, err := NewReceiptLog(filepath.Join(dir, "receipts.jsonl"))
	if err != nil {
		t.Fatalf("new receipt log: %v", err)
	}
	p, err := NewPoller(PollerOptions{
		Adapter:   adapter,
		Ledger:    ledger,
		Log:       log,
		Receipts:  receipts,
		InboxPath: filepath.Join(dir, "inbox.txt"),
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return p, log, receipts, dir
}

func TestPollOnceDoublePollScenario(t *testing.T) {
	a := msg("a", "alice", "first")
	b := msg("b", "bob", "second")
	c := msg("c", "carol", "third")
	adapter := &fakeAdapter{name: "room", batches: [][]Message{
		{a, b},
		{a, b, c},
	}}
	p, log, _, _ := newPollerFixture(t, adapter)

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("first poll emitted %d, want 2", n)
	}

	n, err = p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("second poll emitted %d, want 1 (only c is new)", n)
	}

	all, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 logged events, got %d", len(all))
	}
	if all[2].EventID != "c" {
		t.Fatalf("expected c last, got %q", all[2].EventID)
	}
}

func TestSeedMarksWithoutEmitting(t *testing.T) {
	history := []Message{msg("h1", "alice", "old"), msg("h2", "bob", "older")}
	adapter := &fakeAdapter{name: "room", batches: [][]Message{history, history}}
	p, log, _, _ := newPollerFixture(t, adapter)

	if err := p.seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	all, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("seed emitted events: %+v", all)
	}

	// the first real poll sees only already-seeded history
	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll after seed: %v", err)
	}
	if n != 0 {
		t.Fatalf("poll after seed emitted %d, want 0", n)
	}
}

func TestPollOnceSkipAndDropSemantics(t *testing.T) {
	noKey := Message{"from": "x", "body": "no id at all"}
	skipped := msg("s1", "bot", "noise")
	malformed := msg("m1", "alice", "") // Normalize drops empty bodies
	good := msg("g1", "alice", "real")
	adapter := &fakeAdapter{
		name:    "room",
		batches: [][]Message{{noKey, skipped, malformed, good}, {skipped, malformed}},
		skip:    func(m Message) bool { return m.String("from") == "bot" },
	}
	p, log, _, _ := newPollerFixture(t, adapter)

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("emitted %d, want 1", n)
	}
	all, _ := log.ReadAll()
	if len(all) != 1 || all[0].EventID != "g1" {
		t.Fatalf("unexpected events: %+v", all)
	}

	// skipped and malformed were marked seen: they never come back
	n, err = p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if n != 0 {
		t.Fatalf("second poll emitted %d, want 0", n)
	}
}

func TestPollOnceWritesCycleReceiptAndInbox(t *testing.T) {
	adapter := &fakeAdapter{name: "room", batches: [][]Message{{msg("r1", "alice", "hello")}}}
	p, _, receipts, dir := newPollerFixture(t, adapter)

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	tail, err := receipts.Tail(10)
	if err != nil {
		t.Fatalf("tail receipts: %v", err)
	}
	if len(tail) != 1 || tail[0].Action != "poll_cycle" {
		t.Fatalf("expected one poll_cycle receipt, got %+v", tail)
	}
	if tail[0].Notes != "adapter=room count=1" {
		t.Fatalf("unexpected receipt notes %q", tail[0].Notes)
	}

	inbox, err := os.ReadFile(filepath.Join(dir, "inbox.txt"))
	if err != nil {
		t.Fatalf("read inbox: %v", err)
	}
	if !strings.Contains(string(inbox), "alice: hello") {
		t.Fatalf("inbox line missing: %q", inbox)
	}
}

func TestFetchFailureRecordsErrorReceipt(t *testing.T) {
	adapter := &fakeAdapter{name: "room", err: errors.New("connection refused")}
	p, _, receipts, _ := newPollerFixture(t, adapter)

	if _, err := p.PollOnce(context.Background()); err == nil {
		t.Fatalf("expected fetch error")
	}
	p.recordError("poll_cycle", errors.New("fetch room: connection refused"))
	tail, err := receipts.Tail(10)
	if err != nil {
		t.Fatalf("tail receipts: %v", err)
	}
	if len(tail) != 1 || tail[0].Status != "error" {
		t.Fatalf("expected one error receipt, got %+v", tail)
	}
}

func TestRunStopIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{name: "room"}
	p, _, _, _ := newPollerFixture(t, adapter)

	go p.Run(context.Background())
	p.Stop()
	p.Stop()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("poller did not stop")
	}
	if p.State() != "stopped" {
		t.Fatalf("state = %q, want stopped", p.State())
	}
}

func msg(id, from, body string) Message {
	return Message{"id": id, "from": from, "body": body}
}
