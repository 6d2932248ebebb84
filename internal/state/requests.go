package state

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

const withdrawRequestPrefix = "request:"

// WithdrawRequestRecord is the persisted form of one open withdraw request.
// Claimed requests are deleted rather than updated.
type WithdrawRequestRecord struct {
	Key             string `json:"key"`
	Owner           string `json:"owner"`
	Receiver        string `json:"receiver"`
	RequestedAssets string `json:"requested_assets"`
	AccRequested    string `json:"acc_requested_withdraw_assets"`
	RequestedAtMS   int64  `json:"requested_at_ms"`
	Prioritized     bool   `json:"prioritized"`
}

func withdrawRequestStoreKey(key string) string {
	return withdrawRequestPrefix + strings.ToLower(key)
}

func SaveWithdrawRequest(ctx context.Context, store Store, rec WithdrawRequestRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, withdrawRequestStoreKey(rec.Key), string(payload))
}

func DeleteWithdrawRequest(ctx context.Context, store Store, key string) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return store.Delete(ctx, withdrawRequestStoreKey(key))
}

// LoadWithdrawRequests returns every open request, oldest first.
func LoadWithdrawRequests(ctx context.Context, store Store) ([]WithdrawRequestRecord, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := store.Scan(ctx, withdrawRequestPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]WithdrawRequestRecord, 0, len(raw))
	for _, value := range raw {
		var rec WithdrawRequestRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].RequestedAtMS != records[j].RequestedAtMS {
			return records[i].RequestedAtMS < records[j].RequestedAtMS
		}
		return records[i].Key < records[j].Key
	})
	return records, nil
}
