package outbound

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

const deliveryHeader = "X-Streamrelay-Delivery"

type WorkerOptions struct {
	Store          Store
	Receipts       *streamrelay.ReceiptLog
	Client         *http.Client
	BatchSize      int
	MaxAttempts    int
	StaleThreshold time.Duration
	PostTimeout    time.Duration
	Interval       time.Duration
}

// Worker drains the delivery queue: sweep stale claims, claim a batch,
// deliver the claimed items in parallel. Items are disjoint once claimed, so
// per-item delivery needs no further coordination.
type Worker struct {
	store          Store
	receipts       *streamrelay.ReceiptLog
	client         *http.Client
	batchSize      int
	maxAttempts    int
	staleThreshold time.Duration
	interval       time.Duration
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = DefaultPostTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.PostTimeout}
	}
	return &Worker{
		store:          opts.Store,
		receipts:       opts.Receipts,
		client:         opts.Client,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		staleThreshold: opts.StaleThreshold,
		interval:       opts.Interval,
	}, nil
}

// Run drains batches until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		_, _ = w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep-claim-deliver cycle.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	// reclaim work abandoned by crashed workers first, so it is visible to
	// this claim
	if _, err := w.store.RecoverStale(ctx, w.staleThreshold); err != nil {
		return Result{}, fmt.Errorf("recover stale: %w", err)
	}
	claimed, err := w.store.Claim(ctx, w.batchSize, w.maxAttempts)
	if err != nil {
		return Result{}, fmt.Errorf("claim: %w", err)
	}
	if len(claimed) == 0 {
		return Result{}, nil
	}

	results := make([]bool, len(claimed))
	var wg sync.WaitGroup
	for i, item := range claimed {
		wg.Add(1)
		go func(i int, item DeliveryItem) {
			defer wg.Done()
			results[i] = w.deliver(ctx, item)
		}(i, item)
	}
	wg.Wait()

	res := Result{Processed: len(claimed)}
	for _, delivered := range results {
		if delivered {
			res.Delivered++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

func (w *Worker) deliver(ctx context.Context, item DeliveryItem) bool {
	started := time.Now().UTC()
	err := w.post(ctx, item)
	finished := time.Now().UTC()

	status := "delivered"
	notes := fmt.Sprintf("delivery=%d target=%s attempt=%d", item.ID, item.TargetURL, item.Attempts+1)
	if err != nil {
		status = "failed"
		notes = notes + " error=" + err.Error()
		_ = w.store.MarkFailed(ctx, item.ID, err.Error())
	} else {
		_ = w.store.MarkDelivered(ctx, item.ID)
	}
	if w.receipts != nil {
		_ = w.receipts.Append(streamrelay.Receipt{
			IdempotencyKey: "dlv_" + strconv.FormatInt(item.ID, 10) + "_" + strconv.Itoa(item.Attempts+1),
			Actor:          "outbound",
			Action:         "delivery_attempt",
			Status:         status,
			StartedAt:      started.Format(time.RFC3339Nano),
			FinishedAt:     finished.Format(time.RFC3339Nano),
			Notes:          notes,
		})
	}
	return err == nil
}

func (w *Worker) post(ctx context.Context, item DeliveryItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.TargetURL, strings.NewReader(item.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deliveryHeader, strconv.FormatInt(item.ID, 10))
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
