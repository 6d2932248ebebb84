package state

import (
	"context"
	"encoding/json"
	"strings"
)

const VaultSnapshotKey = "vault:last_snapshot"

// VaultSnapshot is the periodic dump of every ledger and strategy counter,
// string-encoded so arbitrary-precision values survive the round trip.
type VaultSnapshot struct {
	Status                     string `json:"status"`
	TotalSupply                string `json:"total_supply"`
	TotalAssets                string `json:"total_assets"`
	IdleAssets                 string `json:"idle_assets"`
	ClaimableAssets            string `json:"claimable_assets"`
	ReservedExecutionCost      string `json:"reserved_execution_cost"`
	AccRequestedWithdrawAssets string `json:"acc_requested_withdraw_assets"`
	ProcessedWithdrawAssets    string `json:"processed_withdraw_assets"`
	PrioritizedAccRequested    string `json:"prioritized_acc_requested_withdraw_assets"`
	PrioritizedProcessed       string `json:"prioritized_processed_withdraw_assets"`
	PendingIncreaseCollateral  string `json:"pending_increase_collateral"`
	PendingDecreaseCollateral  string `json:"pending_decrease_collateral"`
	CurrentLeverage            string `json:"current_leverage"`
	Paused                     bool   `json:"paused"`
	UpdatedAtMS                int64  `json:"updated_at_ms"`
}

func LoadVaultSnapshot(ctx context.Context, store Store) (VaultSnapshot, bool, error) {
	if store == nil {
		return VaultSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, VaultSnapshotKey)
	if err != nil {
		return VaultSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return VaultSnapshot{}, false, nil
	}
	var snapshot VaultSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return VaultSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveVaultSnapshot(ctx context.Context, store Store, snapshot VaultSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, VaultSnapshotKey, string(payload))
}
