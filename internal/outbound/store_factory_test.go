package outbound

import (
	"path/filepath"
	"testing"
)

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	path := filepath.Join(t.TempDir(), "queue.db")
	store, err = BuildStoreFromDSN("sqlite:" + path)
	if err != nil {
		t.Fatalf("sqlite dsn: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	store.Close()

	// a bare path is treated as an embedded database file
	store, err = BuildStoreFromDSN(filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatalf("bare path dsn: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store for bare path, got %T", store)
	}
	store.Close()

	if _, err := BuildStoreFromDSN(""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := BuildStoreFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
