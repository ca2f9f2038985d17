package streamrelay

import (
	"context"
	"sync"
	"time"
)

// Notifier wakes a human-facing session out of band. Fire-and-forget: the
// pipeline never depends on the returned flag for correctness.
type Notifier func(sessionID, text string) bool

// NotifyLimiter throttles side-channel nudges. The last-sent timestamp is an
// explicit instance threaded through the delivery path rather than process
// state, so concurrent workers share one limiter safely.
type NotifyLimiter struct {
	mu       sync.Mutex
	minGap   time.Duration
	lastSent time.Time
	now      func() time.Time
}

func NewNotifyLimiter(minGap time.Duration) *NotifyLimiter {
	if minGap <= 0 {
		minGap = 30 * time.Second
	}
	return &NotifyLimiter{minGap: minGap, now: time.Now}
}

// Allow reports whether a nudge may be sent now, and if so records it.
func (nl *NotifyLimiter) Allow() bool {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	now := nl.now().UTC()
	if !nl.lastSent.IsZero() && now.Sub(nl.lastSent) < nl.minGap {
		return false
	}
	nl.lastSent = now
	return true
}

type CommandResult struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	StdoutTail string `json:"stdoutTail"`
	StderrTail string `json:"stderrTail"`
}

// CommandRunner executes rule-triggered actions. Implementations live
// outside this module; the pipeline only consumes the interface and records
// a Receipt per invocation.
type CommandRunner interface {
	Run(ctx context.Context, command string, args ...string) CommandResult
}

type noopCommandRunner struct{}

func (noopCommandRunner) Run(ctx context.Context, command string, args ...string) CommandResult {
	return CommandResult{Status: "skipped", ExitCode: 0}
}

func NewNoopCommandRunner() CommandRunner {
	return noopCommandRunner{}
}
