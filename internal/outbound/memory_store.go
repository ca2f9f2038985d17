package outbound

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps the queue in process memory. Used by tests and
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*DeliveryItem
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		items:  map[int64]*DeliveryItem{},
		now:    time.Now,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, targetURL, payload string) (DeliveryItem, error) {
	targetURL = strings.TrimSpace(targetURL)
	if targetURL == "" {
		return DeliveryItem{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item := &DeliveryItem{
		ID:        s.nextID,
		TargetURL: targetURL,
		Payload:   payload,
		Status:    StatusPending,
	}
	s.nextID++
	s.items[item.ID] = item
	return *item, nil
}

func (s *MemoryStore) Claim(ctx context.Context, batch, maxAttempts int) ([]DeliveryItem, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.items))
	for id, item := range s.items {
		if (item.Status == StatusPending || item.Status == StatusFailed) && item.Attempts < maxAttempts {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > batch {
		ids = ids[:batch]
	}
	now := s.now().UTC()
	claimed := make([]DeliveryItem, 0, len(ids))
	for _, id := range ids {
		item := s.items[id]
		item.Status = StatusProcessing
		t := now
		item.LastAttemptAt = &t
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (s *MemoryStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleThreshold
	}
	cutoff := s.now().UTC().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for _, item := range s.items {
		if item.Status != StatusProcessing {
			continue
		}
		if item.LastAttemptAt != nil && item.LastAttemptAt.After(cutoff) {
			continue
		}
		item.Status = StatusFailed
		item.LastError = staleRecoveryError
		recovered++
	}
	return recovered, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = StatusDelivered
	item.Attempts++
	item.LastError = ""
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = StatusFailed
	item.Attempts++
	item.LastError = errText
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (DeliveryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return DeliveryItem{}, ErrNotFound
	}
	return *item, nil
}

func (s *MemoryStore) List(ctx context.Context, status string, limit int) ([]DeliveryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.items))
	for id, item := range s.items {
		if status != "" && item.Status != status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]DeliveryItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.items[id])
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
