package outbound

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("STREAMRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set STREAMRELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func newIntegrationPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	store.tableName = fmt.Sprintf("streamrelay_delivery_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		db, err := sql.Open("postgres", dsn)
		if err == nil {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + quoteIdentifier(store.tableName))
			db.Close()
		}
		store.Close()
	})
	return store
}

func TestPostgresIntegrationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationPostgresStore(t)

	item, err := store.Enqueue(ctx, "https://target.example.com/hook", `{"n":1}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.Claim(ctx, 10, DefaultMaxAttempts)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != item.ID || claimed[0].Status != StatusProcessing {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if again, err := store.Claim(ctx, 10, DefaultMaxAttempts); err != nil || len(again) != 0 {
		t.Fatalf("claimed row visible to second claim: %v %v", again, err)
	}
	if err := store.MarkDelivered(ctx, item.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDelivered || got.Attempts != 1 {
		t.Fatalf("unexpected final state: %+v", got)
	}
}

func TestPostgresIntegrationClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationPostgresStore(t)

	const total = 30
	for i := 0; i < total; i++ {
		if _, err := store.Enqueue(ctx, "https://target.example.com/hook", "{}"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	const workers = 6
	var wg sync.WaitGroup
	claims := make([][]DeliveryItem, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			claimed, err := store.Claim(ctx, 10, DefaultMaxAttempts)
			if err != nil {
				t.Errorf("worker %d claim: %v", w, err)
				return
			}
			claims[w] = claimed
		}(w)
	}
	wg.Wait()

	seen := map[int64]int{}
	for _, batch := range claims {
		for _, item := range batch {
			seen[item.ID]++
		}
	}
	if len(seen) != total {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), total)
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("item %d claimed %d times", id, count)
		}
	}
}

func TestPostgresIntegrationStaleRecovery(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationPostgresStore(t)

	item, err := store.Enqueue(ctx, "https://target.example.com/hook", "{}")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, 1, DefaultMaxAttempts); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// a fresh claim is not stale
	if n, err := store.RecoverStale(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("fresh claim recovered: n=%d err=%v", n, err)
	}
	// with a zero-width threshold everything in processing is stale
	time.Sleep(50 * time.Millisecond)
	n, err := store.RecoverStale(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.LastError != staleRecoveryError || got.Attempts != 0 {
		t.Fatalf("unexpected recovered state: %+v", got)
	}
}
