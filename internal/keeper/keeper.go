// Package keeper runs the periodic maintenance loop: perform any due
// upkeep, move idle assets in or out of the position, publish gauges,
// and persist a recovery snapshot.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"basis-vault/internal/alerts"
	"basis-vault/internal/config"
	"basis-vault/internal/legs"
	"basis-vault/internal/metrics"
	"basis-vault/internal/state"
	"basis-vault/internal/strategy"
	"basis-vault/internal/timescale"
	"basis-vault/internal/vault"

	"go.uber.org/zap"
)

type Keeper struct {
	cfg      config.KeeperConfig
	vault    *vault.Vault
	strategy *strategy.Strategy
	store    state.Store
	writer   *timescale.Writer
	metrics  *metrics.Metrics
	alerts   *alerts.Telegram
	log      *zap.Logger
	now      func() time.Time

	wasPaused bool
}

func New(cfg config.KeeperConfig, v *vault.Vault, s *strategy.Strategy, store state.Store, writer *timescale.Writer, m *metrics.Metrics, tg *alerts.Telegram, log *zap.Logger) (*Keeper, error) {
	if v == nil || s == nil {
		return nil, errors.New("vault and strategy are required")
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Keeper{
		cfg:      cfg,
		vault:    v,
		strategy: s,
		store:    store,
		writer:   writer,
		metrics:  m,
		alerts:   tg,
		log:      log,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (k *Keeper) SetClock(now func() time.Time) {
	k.now = now
}

func (k *Keeper) Run(ctx context.Context) error {
	interval := k.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.Tick(ctx); err != nil {
				k.log.Warn("keeper tick failed", zap.Error(err))
			}
		}
	}
}

// Tick is one full maintenance pass. Upkeep runs to quiescence first so
// deposits are never utilized into a position that is about to be resized.
func (k *Keeper) Tick(ctx context.Context) error {
	k.runUpkeep(ctx)
	k.runFlows(ctx)
	k.publish(ctx)
	return nil
}

func (k *Keeper) runUpkeep(ctx context.Context) {
	maxIterations := k.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}
	for i := 0; i < maxIterations; i++ {
		action, due := k.strategy.CheckUpkeep()
		if !due {
			return
		}
		performed, err := k.strategy.PerformUpkeep(ctx)
		if err != nil {
			k.log.Warn("upkeep failed", zap.String("action", action.String()), zap.Error(err))
			k.recordUpkeep(action.String(), "error", err.Error())
			return
		}
		if !performed {
			// Due but blocked on an in-flight adjustment; retry next tick.
			return
		}
		k.log.Info("upkeep performed", zap.String("action", action.String()))
		k.recordUpkeep(action.String(), "ok", "")
	}
	k.log.Warn("upkeep iteration cap reached", zap.Int("max_iterations", maxIterations))
}

func (k *Keeper) runFlows(ctx context.Context) {
	utilization, deutilization := k.strategy.PendingUtilizations()
	switch {
	case utilization.Sign() > 0:
		err := k.strategy.Utilize(ctx, utilization, legs.SwapKindMarket, nil)
		if err != nil && !benignFlowErr(err) {
			k.log.Warn("utilize failed", zap.String("amount", utilization.String()), zap.Error(err))
			return
		}
		if err == nil {
			k.log.Info("utilization submitted", zap.String("amount", utilization.String()))
		}
	case deutilization.Sign() > 0:
		amount := deutilization
		if deutilization.Cmp(k.strategy.UtilizedAssets()) >= 0 {
			amount = strategy.DeutilizeAll
		}
		err := k.strategy.Deutilize(ctx, amount, legs.SwapKindMarket, nil)
		if err != nil && !benignFlowErr(err) {
			k.log.Warn("deutilize failed", zap.String("amount", deutilization.String()), zap.Error(err))
			return
		}
		if err == nil {
			k.log.Info("deutilization submitted", zap.String("amount", deutilization.String()))
		}
	}
}

func (k *Keeper) publish(ctx context.Context) {
	ledger := k.vault.State()
	strat := k.strategy.State()

	leverage, _ := strat.CurrentLeverage.Float64()
	k.metrics.Leverage.Set(leverage)
	k.metrics.IdleAssets.Set(bigToFloat(ledger.IdleAssets))
	k.metrics.TotalAssets.Set(bigToFloat(ledger.TotalAssets))
	backlog := new(big.Int).Sub(ledger.AccRequestedWithdrawAssets, ledger.ProcessedWithdrawAssets)
	backlog.Add(backlog, ledger.PrioritizedAccRequestedWithdrawAssets)
	backlog.Sub(backlog, ledger.PrioritizedProcessedWithdrawAssets)
	k.metrics.WithdrawBacklog.Set(bigToFloat(backlog))

	if strat.Paused && !k.wasPaused {
		k.notify(ctx, fmt.Sprintf("strategy paused, manual intervention required (status=%s)", strat.Status))
	}
	k.wasPaused = strat.Paused

	snapshot := state.VaultSnapshot{
		Status:                     string(strat.Status),
		TotalSupply:                ledger.TotalSupply.String(),
		TotalAssets:                ledger.TotalAssets.String(),
		IdleAssets:                 ledger.IdleAssets.String(),
		ClaimableAssets:            ledger.ClaimableAssets.String(),
		ReservedExecutionCost:      ledger.ReservedExecutionCost.String(),
		AccRequestedWithdrawAssets: ledger.AccRequestedWithdrawAssets.String(),
		ProcessedWithdrawAssets:    ledger.ProcessedWithdrawAssets.String(),
		PrioritizedAccRequested:    ledger.PrioritizedAccRequestedWithdrawAssets.String(),
		PrioritizedProcessed:       ledger.PrioritizedProcessedWithdrawAssets.String(),
		PendingIncreaseCollateral:  strat.PendingIncreaseCollateral.String(),
		PendingDecreaseCollateral:  strat.PendingDecreaseCollateral.String(),
		CurrentLeverage:            strat.CurrentLeverage.String(),
		Paused:                     strat.Paused,
		UpdatedAtMS:                k.now().UnixMilli(),
	}
	if err := state.SaveVaultSnapshot(ctx, k.store, snapshot); err != nil {
		k.log.Warn("snapshot persist failed", zap.Error(err))
	}

	if k.writer != nil {
		pendingUtil, pendingDeutil := k.strategy.PendingUtilizations()
		// Price per share and the high-water mark are 1e18 fixed point.
		pps := bigToFloat(k.vault.PricePerShare()) / 1e18
		k.writer.EnqueueNavSample(timescale.NavSample{
			Time:                 k.now().UTC(),
			Status:               string(strat.Status),
			TotalAssets:          ledger.TotalAssets.String(),
			TotalSupply:          ledger.TotalSupply.String(),
			PricePerShare:        pps,
			IdleAssets:           ledger.IdleAssets.String(),
			UtilizedAssets:       strat.UtilizedAssets.String(),
			ClaimableAssets:      ledger.ClaimableAssets.String(),
			WithdrawBacklog:      backlog.String(),
			PrioritizedBacklog:   new(big.Int).Sub(ledger.PrioritizedAccRequestedWithdrawAssets, ledger.PrioritizedProcessedWithdrawAssets).String(),
			HighWaterMark:        bigToFloat(ledger.HighWaterMark) / 1e18,
			CurrentLeverage:      leverage,
			PendingUtilization:   pendingUtil.String(),
			PendingDeutilization: pendingDeutil.String(),
		})
	}
}

func (k *Keeper) recordUpkeep(action, status, detail string) {
	if k.writer == nil {
		return
	}
	k.writer.EnqueueUpkeepEvent(timescale.UpkeepEvent{
		Time:   k.now().UTC(),
		Action: action,
		Status: status,
		Detail: detail,
	})
}

func (k *Keeper) notify(ctx context.Context, message string) {
	if k.alerts == nil {
		return
	}
	if err := k.alerts.Send(ctx, message); err != nil {
		k.log.Warn("alert send failed", zap.Error(err))
	}
}

func benignFlowErr(err error) bool {
	return errors.Is(err, strategy.ErrAlreadyPending) ||
		errors.Is(err, strategy.ErrStatusNotIdle) ||
		errors.Is(err, strategy.ErrStrategyPaused)
}

func bigToFloat(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}
