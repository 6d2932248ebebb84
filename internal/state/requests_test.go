package state

import (
	"context"
	"testing"
)

func TestWithdrawRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}

	first := WithdrawRequestRecord{
		Key:             "0xAA01",
		Owner:           "0x01",
		Receiver:        "0x02",
		RequestedAssets: "300",
		AccRequested:    "300",
		RequestedAtMS:   2000,
	}
	second := WithdrawRequestRecord{
		Key:             "0xAA02",
		Owner:           "0x03",
		Receiver:        "0x03",
		RequestedAssets: "150",
		AccRequested:    "450",
		RequestedAtMS:   1000,
		Prioritized:     true,
	}
	if err := SaveWithdrawRequest(ctx, store, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := SaveWithdrawRequest(ctx, store, second); err != nil {
		t.Fatalf("save: %v", err)
	}

	records, err := LoadWithdrawRequests(ctx, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	// Oldest first regardless of insertion order.
	if records[0].Key != "0xAA02" || !records[0].Prioritized {
		t.Fatalf("unexpected first record: %+v", records[0])
	}

	if err := DeleteWithdrawRequest(ctx, store, "0xAA02"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	records, err = LoadWithdrawRequests(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(records) != 1 || records[0].Key != "0xAA01" {
		t.Fatalf("unexpected records after delete: %+v", records)
	}
}

func TestLoadWithdrawRequestsNilStore(t *testing.T) {
	records, err := LoadWithdrawRequests(context.Background(), nil)
	if err != nil || records != nil {
		t.Fatalf("nil store: %v %v", records, err)
	}
}
