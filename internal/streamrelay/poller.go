package streamrelay

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultFetchLimit   = 20
	DefaultSeedLimit    = 100
)

const (
	pollerIdle    = "idle"
	pollerSeeding = "seeding"
	pollerPolling = "polling"
	pollerStopped = "stopped"
)

type PollerOptions struct {
	Adapter    SourceAdapter
	Ledger     *DedupLedger
	Log        *EventLog
	Receipts   *ReceiptLog
	Notifier   Notifier
	Limiter    *NotifyLimiter
	SessionID  string
	InboxPath  string
	Interval   time.Duration
	FetchLimit int
	SeedLimit  int
}

// Poller drives one adapter on a fixed interval. It owns its dedup ledger
// exclusively; two pollers must never share one ledger file.
type Poller struct {
	adapter    SourceAdapter
	ledger     *DedupLedger
	log        *EventLog
	receipts   *ReceiptLog
	notifier   Notifier
	limiter    *NotifyLimiter
	sessionID  string
	inboxPath  string
	interval   time.Duration
	fetchLimit int
	seedLimit  int

	mu       sync.Mutex
	state    string
	stopOnce sync.Once
	stopc    chan struct{}
	nudgec   chan struct{}
	done     chan struct{}
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Adapter == nil || opts.Ledger == nil || opts.Log == nil {
		return nil, ErrInvalidInput
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = DefaultFetchLimit
	}
	if opts.SeedLimit <= 0 {
		opts.SeedLimit = DefaultSeedLimit
	}
	if opts.Limiter == nil {
		opts.Limiter = NewNotifyLimiter(0)
	}
	return &Poller{
		adapter:    opts.Adapter,
		ledger:     opts.Ledger,
		log:        opts.Log,
		receipts:   opts.Receipts,
		notifier:   opts.Notifier,
		limiter:    opts.Limiter,
		sessionID:  opts.SessionID,
		inboxPath:  opts.InboxPath,
		interval:   opts.Interval,
		fetchLimit: opts.FetchLimit,
		seedLimit:  opts.SeedLimit,
		state:      pollerIdle,
		stopc:      make(chan struct{}),
		nudgec:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

func (p *Poller) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) setState(s string) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Nudge requests an immediate cycle ahead of the next tick. Coalesced,
// never blocks.
func (p *Poller) Nudge() {
	select {
	case p.nudgec <- struct{}{}:
	default:
	}
}

// Run seeds the ledger if it is empty, then polls until Stop or context
// cancellation. The interval is measured between cycle starts.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)
	defer p.setState(pollerStopped)

	if p.ledger.Empty() {
		p.setState(pollerSeeding)
		if err := p.seed(ctx); err != nil {
			p.recordError("seed", err)
		}
	}

	p.setState(pollerPolling)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if _, err := p.PollOnce(ctx); err != nil {
		p.recordError("poll_cycle", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopc:
			return
		case <-ticker.C:
		case <-p.nudgec:
		}
		if _, err := p.PollOnce(ctx); err != nil {
			p.recordError("poll_cycle", err)
		}
	}
}

// Stop cancels the pending timer. Safe to call multiple times; an in-flight
// fetch is allowed to complete and its appends remain safe because dedup has
// already been applied.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopc) })
}

func (p *Poller) Wait() {
	<-p.done
}

// seed primes an empty ledger from a larger page without emitting events, so
// the first real poll does not flood the log with history.
func (p *Poller) seed(ctx context.Context) error {
	msgs, err := p.adapter.Fetch(ctx, FetchHint{Seed: true, Limit: p.seedLimit})
	if err != nil {
		return err
	}
	marked := 0
	for _, msg := range msgs {
		key := p.adapter.Key(msg)
		if key == "" {
			continue
		}
		if p.ledger.Mark(key) {
			marked++
		}
	}
	if marked == 0 {
		return nil
	}
	return p.ledger.Save()
}

// PollOnce runs a single cycle and returns the number of events emitted.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.adapter.Fetch(ctx, FetchHint{Limit: p.fetchLimit})
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", p.adapter.Name(), err)
	}

	var survivors []CanonicalEvent
	discovered := false
	for _, msg := range msgs {
		key := p.adapter.Key(msg)
		if key == "" {
			continue
		}
		if !p.ledger.Mark(key) {
			continue
		}
		discovered = true
		if p.adapter.ShouldSkip(msg) {
			continue
		}
		ev, err := p.adapter.Normalize(msg)
		if err != nil || ev == nil {
			// already marked seen: malformed input is dropped, not retried
			continue
		}
		survivors = append(survivors, *ev)
	}

	// one ledger write per cycle, not per message
	if discovered {
		if err := p.ledger.Save(); err != nil {
			return 0, fmt.Errorf("save ledger %s: %w", p.adapter.Name(), err)
		}
	}
	if len(survivors) == 0 {
		return 0, nil
	}

	if err := p.log.Append(survivors...); err != nil {
		return 0, fmt.Errorf("append events %s: %w", p.adapter.Name(), err)
	}
	p.writeInboxLines(survivors)
	p.nudgeSession(len(survivors))
	if p.receipts != nil {
		_ = p.receipts.Append(Receipt{
			Actor:  p.adapter.Name(),
			Action: "poll_cycle",
			Notes:  fmt.Sprintf("adapter=%s count=%d", p.adapter.Name(), len(survivors)),
		})
	}
	return len(survivors), nil
}

func (p *Poller) writeInboxLines(events []CanonicalEvent) {
	if strings.TrimSpace(p.inboxPath) == "" {
		return
	}
	var b strings.Builder
	for _, ev := range events {
		line := strings.TrimSpace(p.adapter.FormatLine(ev))
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return
	}
	f, err := os.OpenFile(p.inboxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(b.String())
}

func (p *Poller) nudgeSession(count int) {
	if p.notifier == nil || p.sessionID == "" {
		return
	}
	if !p.limiter.Allow() {
		return
	}
	// best-effort, failures swallowed
	_ = p.notifier(p.sessionID, fmt.Sprintf("%d new %s event(s)", count, p.adapter.Name()))
}

func (p *Poller) recordError(action string, err error) {
	if p.receipts == nil || err == nil {
		return
	}
	_ = p.receipts.Append(Receipt{
		Actor:  p.adapter.Name(),
		Action: action,
		Status: "error",
		Notes:  err.Error(),
	})
}
