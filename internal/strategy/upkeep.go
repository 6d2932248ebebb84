package strategy

import (
	"context"
	"fmt"
	"math/big"

	"basis-vault/internal/legs"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckUpkeep evaluates, in strict priority order, whether maintenance is
// needed. It is read-only; callers loop PerformUpkeep until this reports
// false, since one call makes only bounded progress.
func (s *Strategy) CheckUpkeep() (UpkeepAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action := s.checkUpkeepLocked()
	return action, action != ActionNone
}

func (s *Strategy) checkUpkeepLocked() UpkeepAction {
	if s.paused {
		return ActionNone
	}
	size := s.hedge.PositionSizeInTokens()
	if size.Sign() > 0 {
		lev := s.hedge.CurrentLeverage()
		if lev.GreaterThanOrEqual(s.cfg.SafeMarginLeverage) {
			return ActionEmergencyDeleverage
		}
		if lev.GreaterThan(s.cfg.MaxLeverage) {
			return ActionRebalanceDown
		}
		if lev.IsPositive() && lev.LessThan(s.cfg.MinLeverage) {
			return ActionRebalanceUp
		}
		if s.hedgeDeviationLocked(size) {
			return ActionHedgeDeviation
		}
	}
	if s.hedge.NeedKeep() {
		return ActionKeep
	}
	if s.vault.ReservedExecutionCost().Sign() > 0 && s.vault.TotalPendingWithdrawAssets().Sign() == 0 {
		return ActionClearReserve
	}
	return ActionNone
}

func (s *Strategy) hedgeDeviationLocked(size *big.Int) bool {
	if s.cfg.HedgeDeviationPct.LessThanOrEqual(decimal.Zero) {
		return false
	}
	exposure := s.spot.Exposure()
	if exposure.Sign() == 0 {
		return false
	}
	diff := new(big.Int).Sub(exposure, size)
	diff.Abs(diff)
	ratio := decimal.NewFromBigInt(diff, 0).Div(decimal.NewFromBigInt(exposure, 0))
	return ratio.GreaterThan(s.cfg.HedgeDeviationPct)
}

// PerformUpkeep executes the highest-priority action. It returns true when
// it made progress; false means either nothing is needed or an adjustment
// is in flight and the caller should retry after settlement.
func (s *Strategy) PerformUpkeep(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action := s.checkUpkeepLocked()
	if action == ActionNone {
		return false, nil
	}
	switch action {
	case ActionKeep:
		claimed, err := s.hedge.Keep(ctx)
		if err != nil {
			return false, fmt.Errorf("hedge keep: %w", err)
		}
		s.metrics.UpkeepActions.Inc()
		s.log.Info("hedge keep performed", zap.String("claimed", claimed.String()))
		return true, nil
	case ActionClearReserve:
		s.vault.ClearReservedExecutionCost()
		s.metrics.UpkeepActions.Inc()
		s.log.Info("reserved execution cost cleared")
		return true, nil
	}
	if s.intent != nil || s.status != StatusIdle {
		// Order-type actions wait for the in-flight slot.
		return false, nil
	}
	var err error
	switch action {
	case ActionEmergencyDeleverage, ActionRebalanceDown:
		err = s.rebalanceDownLocked(ctx, action == ActionEmergencyDeleverage)
	case ActionRebalanceUp:
		err = s.rebalanceUpLocked(ctx)
	case ActionHedgeDeviation:
		err = s.correctHedgeDeviationLocked(ctx)
	}
	if err != nil {
		return false, err
	}
	s.metrics.UpkeepActions.Inc()
	s.log.Info("upkeep action performed", zap.String("action", action.String()))
	return true, nil
}

// rebalanceDownLocked lowers leverage. The ordinary path tops up hedge
// collateral from idle assets; the emergency path (or an empty vault)
// sheds position size instead, which needs no idle assets at all.
func (s *Strategy) rebalanceDownLocked(ctx context.Context, emergency bool) error {
	notional, err := s.hedgeNotionalLocked()
	if err != nil {
		return err
	}
	netBalance := s.hedge.PositionNetBalance()
	if !emergency {
		need := new(big.Int).Sub(notional, mulPct(netBalance, s.cfg.TargetLeverage))
		need = divPct(need, s.cfg.TargetLeverage)
		avail := s.spendableIdleLocked()
		if need.Sign() > 0 && avail.Sign() > 0 {
			collateral := need
			if collateral.Cmp(avail) > 0 {
				collateral = avail
			}
			if err := s.vault.PullIdleAssets(collateral); err != nil {
				return err
			}
			params := legs.AdjustPositionParams{
				SizeDeltaInTokens:     big.NewInt(0),
				CollateralDeltaAmount: collateral,
				IsIncrease:            true,
			}
			if err := s.hedge.AdjustPosition(ctx, params); err != nil {
				s.vault.ReturnIdleAssets(collateral)
				return fmt.Errorf("hedge collateral top-up: %w", err)
			}
			s.intent = &adjustIntent{isIncrease: true, sizeDelta: big.NewInt(0), collateralDelta: collateral}
			s.pendingIncrease = new(big.Int).Set(collateral)
			s.status = nextStatus(s.status, EventUtilize)
			return nil
		}
	}
	step := s.deleverageStepLocked(s.utilizedLocked())
	if step.Sign() == 0 {
		return nil
	}
	tokens, err := s.oracle.Convert(s.cfg.Asset, s.cfg.Product, step)
	if err != nil {
		return err
	}
	if exposure := s.spot.Exposure(); tokens.Cmp(exposure) > 0 {
		tokens = exposure
	}
	if tokens.Sign() == 0 {
		return nil
	}
	proceeds, err := s.spot.Sell(ctx, tokens, legs.SwapKindMarket, nil)
	if err != nil {
		return fmt.Errorf("deleverage spot sell: %w", err)
	}
	params := legs.AdjustPositionParams{
		SizeDeltaInTokens:     tokens,
		CollateralDeltaAmount: big.NewInt(0),
		IsIncrease:            false,
	}
	if err := s.hedge.AdjustPosition(ctx, params); err != nil {
		if _, buyErr := s.spot.Buy(ctx, proceeds, legs.SwapKindMarket, nil); buyErr != nil {
			s.log.Error("spot rebuy after hedge rejection failed", zap.Error(buyErr))
		}
		return fmt.Errorf("deleverage hedge decrease: %w", err)
	}
	s.intent = &adjustIntent{isIncrease: false, sizeDelta: tokens, collateralDelta: big.NewInt(0)}
	s.pendingDecrease = big.NewInt(0)
	s.heldProceeds = proceeds
	s.processingRebalanceDown = true
	s.status = nextStatus(s.status, EventDeutilize)
	return nil
}

// rebalanceUpLocked returns excess hedge collateral to the vault when
// leverage has drifted below the band.
func (s *Strategy) rebalanceUpLocked(ctx context.Context) error {
	notional, err := s.hedgeNotionalLocked()
	if err != nil {
		return err
	}
	netBalance := s.hedge.PositionNetBalance()
	wanted := divPct(notional, s.cfg.TargetLeverage)
	excess := new(big.Int).Sub(netBalance, wanted)
	if excess.Sign() <= 0 {
		return nil
	}
	params := legs.AdjustPositionParams{
		SizeDeltaInTokens:     big.NewInt(0),
		CollateralDeltaAmount: excess,
		IsIncrease:            false,
	}
	if err := s.hedge.AdjustPosition(ctx, params); err != nil {
		return fmt.Errorf("hedge collateral withdrawal: %w", err)
	}
	s.intent = &adjustIntent{isIncrease: false, sizeDelta: big.NewInt(0), collateralDelta: excess}
	s.pendingDecrease = new(big.Int).Set(excess)
	s.heldProceeds = big.NewInt(0)
	s.status = nextStatus(s.status, EventDeutilize)
	return nil
}

// correctHedgeDeviationLocked resizes the short so it matches the settled
// spot exposure again.
func (s *Strategy) correctHedgeDeviationLocked(ctx context.Context) error {
	exposure := s.spot.Exposure()
	size := s.hedge.PositionSizeInTokens()
	diff := new(big.Int).Sub(exposure, size)
	increase := diff.Sign() > 0
	diff.Abs(diff)
	if diff.Sign() == 0 {
		return nil
	}
	params := legs.AdjustPositionParams{
		SizeDeltaInTokens:     diff,
		CollateralDeltaAmount: big.NewInt(0),
		IsIncrease:            increase,
	}
	if err := s.hedge.AdjustPosition(ctx, params); err != nil {
		return fmt.Errorf("hedge deviation correction: %w", err)
	}
	s.intent = &adjustIntent{isIncrease: increase, sizeDelta: diff, collateralDelta: big.NewInt(0)}
	if increase {
		s.pendingIncrease = big.NewInt(0)
		s.status = nextStatus(s.status, EventUtilize)
	} else {
		s.pendingDecrease = big.NewInt(0)
		s.heldProceeds = big.NewInt(0)
		s.status = nextStatus(s.status, EventDeutilize)
	}
	return nil
}

// deleverageStepLocked sizes one bounded step of position shedding: the
// notional above target, capped per call the same way utilization is.
func (s *Strategy) deleverageStepLocked(utilized *big.Int) *big.Int {
	lev := s.hedge.CurrentLeverage()
	if lev.LessThanOrEqual(s.cfg.MaxLeverage) {
		return big.NewInt(0)
	}
	notional, err := s.hedgeNotionalLocked()
	if err != nil {
		return big.NewInt(0)
	}
	target := mulPct(s.hedge.PositionNetBalance(), s.cfg.TargetLeverage)
	excess := new(big.Int).Sub(notional, target)
	if excess.Sign() <= 0 {
		return big.NewInt(0)
	}
	cap := mulPct(s.vault.TotalAssetsGiven(utilized), s.cfg.MaxUtilizePct)
	if cap.Sign() > 0 && excess.Cmp(cap) > 0 {
		return cap
	}
	return excess
}

func (s *Strategy) hedgeNotionalLocked() (*big.Int, error) {
	size := s.hedge.PositionSizeInTokens()
	if size.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return s.oracle.Convert(s.cfg.Product, s.cfg.Asset, size)
}

// spendableIdleLocked is idle minus the execution-cost reserve and the
// withdrawal backlog; rebalancing never spends assets owed to withdrawers.
func (s *Strategy) spendableIdleLocked() *big.Int {
	idle := new(big.Int).Sub(s.vault.IdleAssets(), s.vault.ReservedExecutionCost())
	idle.Sub(idle, s.vault.TotalPendingWithdrawAssets())
	if idle.Sign() < 0 {
		return big.NewInt(0)
	}
	return idle
}

func divPct(amount *big.Int, pct decimal.Decimal) *big.Int {
	if amount == nil || amount.Sign() <= 0 || pct.LessThanOrEqual(decimal.Zero) {
		return big.NewInt(0)
	}
	return decimal.NewFromBigInt(amount, 0).Div(pct).Floor().BigInt()
}
