package strategy

import (
	"math/big"

	"github.com/shopspring/decimal"
)

type Status string

type Event string

const (
	StatusIdle                     Status = "IDLE"
	StatusAwaitingFinalUtilization Status = "AWAITING_FINAL_UTILIZATION"
	StatusDeutilizing              Status = "DEUTILIZING"
)

const (
	EventUtilize   Event = "UTILIZE"
	EventDeutilize Event = "DEUTILIZE"
	EventSettled   Event = "SETTLED"
)

func nextStatus(current Status, event Event) Status {
	switch current {
	case StatusIdle:
		if event == EventUtilize {
			return StatusAwaitingFinalUtilization
		}
		if event == EventDeutilize {
			return StatusDeutilizing
		}
	case StatusAwaitingFinalUtilization:
		if event == EventSettled {
			return StatusIdle
		}
	case StatusDeutilizing:
		if event == EventSettled {
			return StatusIdle
		}
	}
	return current
}

// DeutilizeAll is the sentinel amount meaning "close everything".
var DeutilizeAll = big.NewInt(-1)

// adjustIntent is the single in-flight slot: the order we issued and are
// waiting on. The settlement callback must match it before it clears.
type adjustIntent struct {
	isIncrease      bool
	sizeDelta       *big.Int
	collateralDelta *big.Int
	closeAll        bool
}

type Config struct {
	Asset   string
	Product string

	TargetLeverage     decimal.Decimal
	MinLeverage        decimal.Decimal
	MaxLeverage        decimal.Decimal
	SafeMarginLeverage decimal.Decimal

	// MaxUtilizePct caps a single utilize (or deleverage step) at a
	// fraction of TVL, forcing multi-step ramps.
	MaxUtilizePct     decimal.Decimal
	HedgeDeviationPct decimal.Decimal
}

// StrategyState is the read-only aggregate view for monitoring and tests.
type StrategyState struct {
	Status                    Status
	Paused                    bool
	Stopped                   bool
	ProcessingRebalanceDown   bool
	PendingIncreaseCollateral *big.Int
	PendingDecreaseCollateral *big.Int
	HeldProceeds              *big.Int
	UtilizedAssets            *big.Int
	SpotExposure              *big.Int
	HedgePositionSize         *big.Int
	HedgeNetBalance           *big.Int
	CurrentLeverage           decimal.Decimal
}

// UpkeepAction identifies the maintenance step performUpkeep would take,
// in strict priority order.
type UpkeepAction int

const (
	ActionNone UpkeepAction = iota
	ActionEmergencyDeleverage
	ActionRebalanceDown
	ActionRebalanceUp
	ActionHedgeDeviation
	ActionKeep
	ActionClearReserve
)

func (a UpkeepAction) String() string {
	switch a {
	case ActionEmergencyDeleverage:
		return "emergency_deleverage"
	case ActionRebalanceDown:
		return "rebalance_down"
	case ActionRebalanceUp:
		return "rebalance_up"
	case ActionHedgeDeviation:
		return "hedge_deviation"
	case ActionKeep:
		return "keep"
	case ActionClearReserve:
		return "clear_reserve"
	default:
		return "none"
	}
}
