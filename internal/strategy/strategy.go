// Package strategy orchestrates the two legs of the basis trade: it pulls
// idle vault assets into a matched spot-long/hedge-short position, keeps
// the hedge leverage inside its band, and drains assets back when the
// withdrawal backlog needs them. One adjustment may be in flight at a
// time; only the matching settlement callback returns the status to idle.
package strategy

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"basis-vault/internal/legs"
	"basis-vault/internal/metrics"
	"basis-vault/internal/vault"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Strategy struct {
	log     *zap.Logger
	cfg     Config
	vault   *vault.Vault
	spot    legs.SpotLeg
	hedge   legs.HedgeLeg
	oracle  legs.Oracle
	metrics *metrics.Metrics

	mu                      sync.Mutex
	status                  Status
	intent                  *adjustIntent
	pendingIncrease         *big.Int
	pendingDecrease         *big.Int
	heldProceeds            *big.Int
	processingRebalanceDown bool
	paused                  bool
	stopped                 bool
}

func New(cfg Config, v *vault.Vault, spot legs.SpotLeg, hedge legs.HedgeLeg, oracle legs.Oracle, m *metrics.Metrics, log *zap.Logger) (*Strategy, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Strategy{
		log:             log,
		cfg:             cfg,
		vault:           v,
		spot:            spot,
		hedge:           hedge,
		oracle:          oracle,
		metrics:         m,
		status:          StatusIdle,
		pendingIncrease: big.NewInt(0),
		pendingDecrease: big.NewInt(0),
		heldProceeds:    big.NewInt(0),
	}
	if v != nil {
		v.BindStrategy(s)
	}
	return s, nil
}

func validateConfig(cfg Config) error {
	if cfg.Asset == "" || cfg.Product == "" {
		return fmt.Errorf("asset and product are required")
	}
	if cfg.TargetLeverage.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("target leverage must be positive")
	}
	if cfg.MinLeverage.GreaterThan(cfg.TargetLeverage) || cfg.TargetLeverage.GreaterThan(cfg.MaxLeverage) {
		return fmt.Errorf("leverage band must satisfy min <= target <= max")
	}
	if cfg.MaxLeverage.GreaterThanOrEqual(cfg.SafeMarginLeverage) {
		return fmt.Errorf("max leverage must stay below safe margin leverage")
	}
	if cfg.MaxUtilizePct.LessThanOrEqual(decimal.Zero) || cfg.MaxUtilizePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max utilize pct must be in (0, 1]")
	}
	return nil
}

// UtilizedAssets is everything the strategy holds on behalf of the vault:
// the spot exposure valued in asset terms, the hedge net balance, plus any
// collateral or proceeds parked while an adjustment is in flight.
func (s *Strategy) UtilizedAssets() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utilizedLocked()
}

func (s *Strategy) utilizedLocked() *big.Int {
	total := big.NewInt(0)
	if exposure := s.spot.Exposure(); exposure.Sign() > 0 {
		if value, err := s.oracle.Convert(s.cfg.Product, s.cfg.Asset, exposure); err == nil {
			total.Add(total, value)
		}
	}
	total.Add(total, s.hedge.PositionNetBalance())
	total.Add(total, s.pendingIncrease)
	total.Add(total, s.heldProceeds)
	return total
}

// PendingUtilizations reports how much the keeper should utilize or
// deutilize next. At most one of the two is non-zero.
func (s *Strategy) PendingUtilizations() (*big.Int, *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero := big.NewInt(0)
	if s.paused {
		return zero, zero
	}
	utilized := s.utilizedLocked()
	if s.stopped {
		if utilized.Sign() > 0 {
			return zero, utilized
		}
		return zero, zero
	}
	if s.processingRebalanceDown {
		return zero, s.deleverageStepLocked(utilized)
	}
	backlog := s.vault.TotalPendingWithdrawAssets()
	idle := new(big.Int).Sub(s.vault.IdleAssets(), s.vault.ReservedExecutionCost())
	if idle.Sign() < 0 {
		idle = big.NewInt(0)
	}
	switch idle.Cmp(backlog) {
	case 1:
		amount := new(big.Int).Sub(idle, backlog)
		cap := mulPct(s.vault.TotalAssetsGiven(utilized), s.cfg.MaxUtilizePct)
		if cap.Sign() > 0 && amount.Cmp(cap) > 0 {
			amount = cap
		}
		return amount, zero
	case -1:
		amount := new(big.Int).Sub(backlog, idle)
		if min := s.hedge.MinOrderSize(); min.Sign() > 0 && amount.Cmp(min) < 0 {
			// Round up to the venue minimum rather than leaving the
			// backlog unservable.
			amount = new(big.Int).Set(min)
		}
		if amount.Cmp(utilized) >= 0 {
			amount = new(big.Int).Set(utilized)
		}
		return zero, amount
	}
	return zero, zero
}

// Utilize moves amount of idle assets into the two legs: the spot portion
// buys product and the rest goes to the hedge as collateral, sized so that
// post-settlement leverage lands near the target.
func (s *Strategy) Utilize(ctx context.Context, amount *big.Int, kind legs.SwapKind, swapData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return ErrStrategyPaused
	}
	if s.stopped {
		return ErrStrategyStopped
	}
	if s.intent != nil {
		return ErrAlreadyPending
	}
	if s.status != StatusIdle {
		return ErrStatusNotIdle
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmountUtilization
	}
	if err := s.vault.PullIdleAssets(amount); err != nil {
		return err
	}
	spotAmount, collateral := s.splitNotional(amount)
	bought, err := s.spot.Buy(ctx, spotAmount, kind, swapData)
	if err != nil {
		s.vault.ReturnIdleAssets(amount)
		return fmt.Errorf("spot buy: %w", err)
	}
	params := legs.AdjustPositionParams{
		SizeDeltaInTokens:     bought,
		CollateralDeltaAmount: collateral,
		IsIncrease:            true,
	}
	if err := s.hedge.AdjustPosition(ctx, params); err != nil {
		if proceeds, sellErr := s.spot.Sell(ctx, bought, kind, swapData); sellErr == nil {
			s.vault.ReturnIdleAssets(new(big.Int).Add(proceeds, collateral))
		} else {
			s.log.Error("spot unwind after hedge rejection failed", zap.Error(sellErr))
		}
		return fmt.Errorf("hedge increase: %w", err)
	}
	s.intent = &adjustIntent{isIncrease: true, sizeDelta: bought, collateralDelta: collateral}
	s.pendingIncrease = new(big.Int).Set(collateral)
	s.status = nextStatus(s.status, EventUtilize)
	s.metrics.UtilizeOrders.Inc()
	s.log.Info("utilize order issued",
		zap.String("amount", amount.String()),
		zap.String("spot", spotAmount.String()),
		zap.String("collateral", collateral.String()),
	)
	return nil
}

// Deutilize drains amount of assets back toward the vault: product is sold
// synchronously and a matching hedge decrease is issued; the proceeds are
// delivered to the vault when the decrease settles. Passing DeutilizeAll
// (or nil) closes the whole position.
func (s *Strategy) Deutilize(ctx context.Context, amount *big.Int, kind legs.SwapKind, swapData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deutilizeLocked(ctx, amount, kind, swapData)
}

func (s *Strategy) deutilizeLocked(ctx context.Context, amount *big.Int, kind legs.SwapKind, swapData []byte) error {
	if s.paused {
		return ErrStrategyPaused
	}
	if s.intent != nil {
		return ErrAlreadyPending
	}
	if s.status != StatusIdle {
		return ErrStatusNotIdle
	}
	closeAll := amount == nil || amount.Sign() < 0
	var productToSell, sizeDelta, collateral *big.Int
	if closeAll {
		productToSell = s.spot.Exposure()
		sizeDelta = s.hedge.PositionSizeInTokens()
		collateral = s.hedge.PositionNetBalance()
		if productToSell.Sign() == 0 && sizeDelta.Sign() == 0 && collateral.Sign() == 0 {
			return ErrZeroAmountUtilization
		}
	} else {
		if amount.Sign() == 0 {
			return ErrZeroAmountUtilization
		}
		spotAmount, hedgeAmount := s.splitNotional(amount)
		product, err := s.oracle.Convert(s.cfg.Asset, s.cfg.Product, spotAmount)
		if err != nil {
			return err
		}
		if s.spot.Exposure().Cmp(product) < 0 {
			return ErrInsufficientProductBalance
		}
		if s.hedge.PositionNetBalance().Cmp(hedgeAmount) < 0 {
			return legs.ErrNotEnoughCollateral
		}
		productToSell = product
		sizeDelta = product
		collateral = hedgeAmount
	}
	proceeds := big.NewInt(0)
	if productToSell.Sign() > 0 {
		var err error
		proceeds, err = s.spot.Sell(ctx, productToSell, kind, swapData)
		if err != nil {
			return fmt.Errorf("spot sell: %w", err)
		}
	}
	params := legs.AdjustPositionParams{
		SizeDeltaInTokens:     sizeDelta,
		CollateralDeltaAmount: collateral,
		IsIncrease:            false,
	}
	if err := s.hedge.AdjustPosition(ctx, params); err != nil {
		if proceeds.Sign() > 0 {
			if _, buyErr := s.spot.Buy(ctx, proceeds, kind, swapData); buyErr != nil {
				s.log.Error("spot rebuy after hedge rejection failed", zap.Error(buyErr))
			}
		}
		return fmt.Errorf("hedge decrease: %w", err)
	}
	s.intent = &adjustIntent{isIncrease: false, sizeDelta: sizeDelta, collateralDelta: collateral, closeAll: closeAll}
	s.pendingDecrease = new(big.Int).Set(collateral)
	s.heldProceeds = proceeds
	s.status = nextStatus(s.status, EventDeutilize)
	s.metrics.DeutilizeOrders.Inc()
	s.log.Info("deutilize order issued",
		zap.Bool("close_all", closeAll),
		zap.String("size_delta", sizeDelta.String()),
		zap.String("collateral", collateral.String()),
		zap.String("spot_proceeds", proceeds.String()),
	)
	return nil
}

// AfterAdjustPosition is the hedge leg's settlement callback. A callback
// whose direction contradicts the issued intent is an invariant fault: the
// strategy pauses and stays paused until an operator intervenes.
func (s *Strategy) AfterAdjustPosition(res legs.AdjustPositionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intent == nil || res.IsIncrease != s.intent.isIncrease {
		s.paused = true
		s.metrics.InvariantFaults.Inc()
		s.log.Error("mismatched settlement callback, strategy paused",
			zap.Bool("callback_increase", res.IsIncrease),
			zap.String("status", string(s.status)),
		)
		return ErrInvalidCallback
	}
	intent := s.intent
	s.intent = nil
	s.status = nextStatus(s.status, EventSettled)
	s.metrics.SettlementsApplied.Inc()
	if s.processingRebalanceDown {
		if s.hedge.CurrentLeverage().LessThanOrEqual(s.cfg.MaxLeverage) {
			s.processingRebalanceDown = false
		}
	}
	if res.IsIncrease {
		s.pendingIncrease = big.NewInt(0)
		s.log.Info("utilization settled",
			zap.String("collateral", stringOrZero(res.ExecutedCollateralDelta)),
		)
		return nil
	}
	returned := new(big.Int).Set(s.heldProceeds)
	if res.ExecutedCollateralDelta != nil {
		returned.Add(returned, res.ExecutedCollateralDelta)
	} else {
		returned.Add(returned, intent.collateralDelta)
	}
	s.pendingDecrease = big.NewInt(0)
	s.heldProceeds = big.NewInt(0)
	s.vault.ProcessReturnedAssets(returned)
	s.log.Info("deutilization settled",
		zap.String("returned", returned.String()),
		zap.Bool("close_all", intent.closeAll),
	)
	return nil
}

func (s *Strategy) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *Strategy) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Stop halts new utilizations and unwinds the position completely. If an
// adjustment is in flight the unwind is picked up by the keeper once the
// settlement lands.
func (s *Strategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.intent != nil || s.status != StatusIdle {
		return nil
	}
	if s.utilizedLocked().Sign() == 0 {
		return nil
	}
	return s.deutilizeLocked(ctx, DeutilizeAll, legs.SwapKindMarket, nil)
}

func (s *Strategy) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Strategy) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Strategy) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Strategy) State() StrategyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StrategyState{
		Status:                    s.status,
		Paused:                    s.paused,
		Stopped:                   s.stopped,
		ProcessingRebalanceDown:   s.processingRebalanceDown,
		PendingIncreaseCollateral: new(big.Int).Set(s.pendingIncrease),
		PendingDecreaseCollateral: new(big.Int).Set(s.pendingDecrease),
		HeldProceeds:              new(big.Int).Set(s.heldProceeds),
		UtilizedAssets:            s.utilizedLocked(),
		SpotExposure:              s.spot.Exposure(),
		HedgePositionSize:         s.hedge.PositionSizeInTokens(),
		HedgeNetBalance:           s.hedge.PositionNetBalance(),
		CurrentLeverage:           s.hedge.CurrentLeverage(),
	}
}

// splitNotional divides an asset amount between the spot buy and the hedge
// collateral so that spot notional over collateral equals the target
// leverage after settlement.
func (s *Strategy) splitNotional(amount *big.Int) (*big.Int, *big.Int) {
	ratio := s.cfg.TargetLeverage.Div(s.cfg.TargetLeverage.Add(decimal.NewFromInt(1)))
	spotAmount := mulPct(amount, ratio)
	collateral := new(big.Int).Sub(amount, spotAmount)
	return spotAmount, collateral
}

func mulPct(amount *big.Int, pct decimal.Decimal) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	return decimal.NewFromBigInt(amount, 0).Mul(pct).Floor().BigInt()
}

func stringOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
