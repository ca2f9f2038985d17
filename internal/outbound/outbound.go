// Package outbound implements the durable delivery queue: pending
// notifications to third-party endpoints with atomic claiming, bounded
// retry, and stale-claim recovery across worker crashes.
package outbound

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBatchSize      = 10
	DefaultStaleThreshold = 5 * time.Minute
	DefaultPostTimeout    = 10 * time.Second
)

// staleRecoveryError marks items reset by the stale sweep. Recovery does not
// count as a delivery attempt.
const staleRecoveryError = "stale processing recovery"

type DeliveryItem struct {
	ID            int64      `json:"id"`
	TargetURL     string     `json:"targetUrl"`
	Payload       string     `json:"payload"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Store is the persistence contract for the delivery queue. Claim is the
// core correctness property: it must atomically transition a bounded batch
// of pending/failed items (under the attempts ceiling) to processing, stamp
// LastAttemptAt, and return exactly the claimed rows. Two concurrent
// workers must never both claim the same item.
type Store interface {
	Enqueue(ctx context.Context, targetURL, payload string) (DeliveryItem, error)
	Claim(ctx context.Context, batch, maxAttempts int) ([]DeliveryItem, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errText string) error
	Get(ctx context.Context, id int64) (DeliveryItem, error)
	List(ctx context.Context, status string, limit int) ([]DeliveryItem, error)
	Close() error
}

type Result struct {
	Processed int `json:"processed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}
