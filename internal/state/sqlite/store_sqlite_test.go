package sqlite

import (
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreScanPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	pairs := map[string]string{
		"request:0x01": "a",
		"request:0x02": "b",
		"vault:last_snapshot": "c",
	}
	for k, v := range pairs {
		if err := store.Set(ctx, k, v); err != nil {
			t.Fatalf("set %s failed: %v", k, err)
		}
	}
	got, err := store.Scan(ctx, "request:")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got["request:0x01"] != "a" || got["request:0x02"] != "b" {
		t.Fatalf("unexpected scan result: %#v", got)
	}
}
