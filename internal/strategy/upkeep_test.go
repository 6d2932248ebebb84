package strategy

import (
	"context"
	"math/big"
	"testing"

	"basis-vault/internal/legs"

	"github.com/shopspring/decimal"
)

// settlePending drains the hedge's in-flight slot if one is occupied.
func (f *fixture) settlePending(t *testing.T) {
	t.Helper()
	if f.hedge.HasPending() {
		if err := f.hedge.Settle(); err != nil {
			t.Fatalf("settle: %v", err)
		}
	}
}

func (f *fixture) perform(t *testing.T) bool {
	t.Helper()
	progressed, err := f.strat.PerformUpkeep(context.Background())
	if err != nil {
		t.Fatalf("perform upkeep: %v", err)
	}
	return progressed
}

func TestCheckUpkeepIdleWhenHealthy(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1000)
	f.utilizeSettled(t, 900)

	if action, due := f.strat.CheckUpkeep(); due {
		t.Fatalf("unexpected upkeep %s on a healthy position", action)
	}
}

func TestCheckUpkeepSilentWhilePaused(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1000)
	f.utilizeSettled(t, 1000)
	f.hedge.ApplyPnL(big.NewInt(-300))

	f.strat.Pause()
	if action, due := f.strat.CheckUpkeep(); due {
		t.Fatalf("paused strategy reported upkeep %s", action)
	}
	f.strat.Resume()
	if _, due := f.strat.CheckUpkeep(); !due {
		t.Fatalf("expected upkeep to be due after resume")
	}
}

func TestRebalanceDownTopsUpCollateralFromIdle(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1000)
	f.utilizeSettled(t, 500)

	// Exposure 333, collateral 167. Marking the hedge down to 117 puts
	// leverage at about 2.85, above the band but below the safe margin.
	f.hedge.ApplyPnL(big.NewInt(-50))
	action, due := f.strat.CheckUpkeep()
	if !due || action != ActionRebalanceDown {
		t.Fatalf("action = %s (due=%v), want rebalance_down", action, due)
	}

	if !f.perform(t) {
		t.Fatalf("expected upkeep to make progress")
	}
	f.settlePending(t)

	if got := f.hedge.PositionSizeInTokens(); got.Cmp(big.NewInt(333)) != 0 {
		t.Fatalf("position size changed on collateral top-up: %s", got)
	}
	maxLev := decimal.RequireFromString("2.5")
	if lev := f.hedge.CurrentLeverage(); lev.GreaterThan(maxLev) {
		t.Fatalf("leverage = %s, want <= 2.5", lev)
	}
	if got := f.vault.IdleAssets(); got.Cmp(big.NewInt(451)) != 0 {
		t.Fatalf("idle = %s, want 451 after a 49 top-up", got)
	}
	if _, due := f.strat.CheckUpkeep(); due {
		t.Fatalf("upkeep still due after top-up")
	}
}

func TestEmergencyDeleverageShedsSize(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1000)
	f.utilizeSettled(t, 1000)

	// Exposure 666, collateral 334. Dropping the balance to 100 pushes
	// leverage past the safe margin; with no idle assets the only way down
	// is shedding position size.
	f.hedge.ApplyPnL(big.NewInt(-234))
	action, due := f.strat.CheckUpkeep()
	if !due || action != ActionEmergencyDeleverage {
		t.Fatalf("action = %s (due=%v), want emergency_deleverage", action, due)
	}

	if !f.perform(t) {
		t.Fatalf("expected upkeep to make progress")
	}
	if !f.strat.State().ProcessingRebalanceDown {
		t.Fatalf("expected deleverage latch while decrease is in flight")
	}
	f.settlePending(t)

	state := f.strat.State()
	if state.ProcessingRebalanceDown {
		t.Fatalf("deleverage latch not cleared after recovery")
	}
	maxLev := decimal.RequireFromString("2.5")
	if state.CurrentLeverage.GreaterThan(maxLev) {
		t.Fatalf("leverage = %s, want <= 2.5", state.CurrentLeverage)
	}
	// Sale proceeds flow back to the vault, not into the position.
	if got := f.vault.IdleAssets(); got.Cmp(big.NewInt(466)) != 0 {
		t.Fatalf("idle = %s, want 466 from the shed notional", got)
	}
}

func TestDeleverageConvergesWithoutIdleAssets(t *testing.T) {
	f := newFixture(t)
	f.strat.cfg.MaxUtilizePct = decimal.RequireFromString("0.25")
	f.deposit(t, 1000)
	f.utilizeSettled(t, 1000)

	// Leverage lands around 6.5, well past the safe margin, with zero idle
	// assets to top up from. Recovery must come from bounded size-shedding
	// steps whose proceeds then fund an ordinary collateral top-up.
	f.hedge.ApplyPnL(big.NewInt(-232))

	for i := 0; i < 12; i++ {
		if _, due := f.strat.CheckUpkeep(); !due {
			break
		}
		f.perform(t)
		f.settlePending(t)
	}

	state := f.strat.State()
	maxLev := decimal.RequireFromString("2.5")
	if state.CurrentLeverage.GreaterThan(maxLev) {
		t.Fatalf("leverage = %s, want <= 2.5", state.CurrentLeverage)
	}
	if state.ProcessingRebalanceDown {
		t.Fatalf("deleverage latch not cleared after convergence")
	}
	if _, due := f.strat.CheckUpkeep(); due {
		t.Fatalf("upkeep still due after convergence")
	}
}

func TestRebalanceUpWithdrawsExcessCollateral(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1000)
	f.utilizeSettled(t, 500)

	// A mark-up of the balance drops leverage below the band.
	f.hedge.ApplyPnL(big.NewInt(200))
	action, due := f.strat.CheckUpkeep()
	if !due || action != ActionRebalanceUp {
		t.Fatalf("action = %s (due=%v), want rebalance_up", action, due)
	}

	if !f.perform(t) {
		t.Fatalf("expected upkeep to make progress")
	}
	f.settlePending(t)

	// Excess 201 over the 166 wanted at target leverage returns to idle.
	if got := f.vault.IdleAssets(); got.Cmp(big.NewInt(701)) != 0 {
		t.Fatalf("idle = %s, want 701", got)
	}
	minLev := decimal.RequireFromString("1.5")
	maxLev := decimal.RequireFromString("2.5")
	lev := f.hedge.CurrentLeverage()
	if lev.LessThan(minLev) || lev.GreaterThan(maxLev) {
		t.Fatalf("leverage = %s, want inside [1.5, 2.5]", lev)
	}
}

func TestHedgeDeviationResizesShort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1000)
	f.utilizeSettled(t, 500)

	// Shrink the spot side out from under the hedge so the short is over
	// 5% larger than the exposure it covers.
	if _, err := f.spot.Sell(ctx, big.NewInt(33), legs.SwapKindMarket, nil); err != nil {
		t.Fatalf("spot sell: %v", err)
	}
	action, due := f.strat.CheckUpkeep()
	if !due || action != ActionHedgeDeviation {
		t.Fatalf("action = %s (due=%v), want hedge_deviation", action, due)
	}

	if !f.perform(t) {
		t.Fatalf("expected upkeep to make progress")
	}
	f.settlePending(t)

	if got := f.hedge.PositionSizeInTokens(); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("hedge size = %s, want 300 to match exposure", got)
	}
	if _, due := f.strat.CheckUpkeep(); due {
		t.Fatalf("upkeep still due after correction")
	}
}

func TestKeepClaimsFundingEvenWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1000)

	if err := f.strat.Utilize(ctx, big.NewInt(900), legs.SwapKindMarket, nil); err != nil {
		t.Fatalf("utilize: %v", err)
	}
	f.hedge.AccrueFunding(big.NewInt(5))

	action, due := f.strat.CheckUpkeep()
	if !due || action != ActionKeep {
		t.Fatalf("action = %s (due=%v), want keep", action, due)
	}
	// Keep is not an order: it must not wait for the in-flight slot.
	if !f.perform(t) {
		t.Fatalf("expected keep to run despite pending adjustment")
	}
	if f.hedge.NeedKeep() {
		t.Fatalf("funding still unclaimed after keep")
	}
	f.settlePending(t)
	if got := f.hedge.PositionNetBalance(); got.Cmp(big.NewInt(305)) != 0 {
		t.Fatalf("net balance = %s, want 305 with claimed funding", got)
	}
}

func TestClearReserveOnceBacklogDrains(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1000)
	f.vault.SetReservedExecutionCost(big.NewInt(10))

	action, due := f.strat.CheckUpkeep()
	if !due || action != ActionClearReserve {
		t.Fatalf("action = %s (due=%v), want clear_reserve", action, due)
	}
	if !f.perform(t) {
		t.Fatalf("expected upkeep to make progress")
	}
	if got := f.vault.ReservedExecutionCost(); got.Sign() != 0 {
		t.Fatalf("reserve = %s, want 0", got)
	}
	if _, due := f.strat.CheckUpkeep(); due {
		t.Fatalf("upkeep still due after clearing reserve")
	}
}

func TestOrderUpkeepWaitsForInFlightSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1000)
	f.utilizeSettled(t, 1000)
	f.hedge.ApplyPnL(big.NewInt(-234))

	// Park a foreign adjustment in the venue slot; the deleverage order
	// cannot be placed until it clears.
	if err := f.strat.Deutilize(ctx, big.NewInt(100), legs.SwapKindMarket, nil); err != nil {
		t.Fatalf("deutilize: %v", err)
	}
	progressed, err := f.strat.PerformUpkeep(ctx)
	if err != nil {
		t.Fatalf("perform upkeep: %v", err)
	}
	if progressed {
		t.Fatalf("order upkeep ran while an adjustment was in flight")
	}
}
