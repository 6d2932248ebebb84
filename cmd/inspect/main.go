// inspect prints the persisted keeper state: the last ledger snapshot and
// any in-flight hedge order, read straight from the sqlite store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"basis-vault/internal/config"
	"basis-vault/internal/state"
	"basis-vault/internal/state/sqlite"
)

func main() {
	configPath := flag.String("config", "", "optional config path (overrides -db)")
	dbPath := flag.String("db", "data/basis-vault.db", "path to the sqlite state store")
	asJSON := flag.Bool("json", false, "print the raw snapshot as JSON")
	flag.Parse()

	path := *dbPath
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		if cfg.State.SQLitePath != "" {
			path = cfg.State.SQLitePath
		}
	}

	store, err := sqlite.New(path)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot, ok, err := state.LoadVaultSnapshot(ctx, store)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Println("no snapshot recorded")
	} else if *asJSON {
		payload, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(payload))
	} else {
		printSnapshot(snapshot)
	}

	requests, err := state.LoadWithdrawRequests(ctx, store)
	if err != nil {
		fatal(err)
	}
	if len(requests) > 0 {
		fmt.Println()
		fmt.Println("open withdraw requests:")
		for _, req := range requests {
			tag := ""
			if req.Prioritized {
				tag = " (prioritized)"
			}
			fmt.Printf("  %s  owner=%s  requested=%s  acc=%s%s\n",
				req.Key, req.Owner, req.RequestedAssets, req.AccRequested, tag)
		}
	}

	pending, err := store.Scan(ctx, "hedge:")
	if err != nil {
		fatal(err)
	}
	if len(pending) > 0 {
		fmt.Println()
		fmt.Println("in-flight hedge orders:")
		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, pending[k])
		}
	}
}

func printSnapshot(s state.VaultSnapshot) {
	fmt.Printf("status:                %s\n", s.Status)
	fmt.Printf("paused:                %v\n", s.Paused)
	fmt.Printf("total supply:          %s\n", s.TotalSupply)
	fmt.Printf("total assets:          %s\n", s.TotalAssets)
	fmt.Printf("idle assets:           %s\n", s.IdleAssets)
	fmt.Printf("claimable assets:      %s\n", s.ClaimableAssets)
	fmt.Printf("reserved exec cost:    %s\n", s.ReservedExecutionCost)
	fmt.Printf("withdraw acc/proc:     %s / %s\n", s.AccRequestedWithdrawAssets, s.ProcessedWithdrawAssets)
	fmt.Printf("prioritized acc/proc:  %s / %s\n", s.PrioritizedAccRequested, s.PrioritizedProcessed)
	fmt.Printf("pending inc/dec:       %s / %s\n", s.PendingIncreaseCollateral, s.PendingDecreaseCollateral)
	fmt.Printf("leverage:              %s\n", s.CurrentLeverage)
	if s.UpdatedAtMS > 0 {
		fmt.Printf("updated:               %s\n", time.UnixMilli(s.UpdatedAtMS).UTC().Format(time.RFC3339))
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
	os.Exit(1)
}
