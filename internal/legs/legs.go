// Package legs defines the capability interfaces for the two sides of the
// basis trade. The strategy depends only on these interfaces; concrete
// backends (a DEX spot router, a perp venue agent) live elsewhere.
package legs

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrNotEnoughCollateral = errors.New("not enough collateral for requested decrease")
	ErrAdjustPending       = errors.New("position adjustment already pending")
	ErrUnsupportedSwapKind = errors.New("unsupported swap kind")
)

// SwapKind selects the execution venue for a spot swap. The payload passed
// alongside it is opaque to the core.
type SwapKind uint8

const (
	SwapKindMarket SwapKind = iota
	SwapKindAggregator
)

// Oracle supplies prices and conversions between the vault asset and the
// product. Freshness is the oracle's responsibility.
type Oracle interface {
	Price(symbol string) (decimal.Decimal, error)
	Convert(from, to string, amount *big.Int) (*big.Int, error)
}

// SpotLeg buys and sells the product against the vault asset. Both calls
// settle synchronously and return the amount received.
type SpotLeg interface {
	Buy(ctx context.Context, assetAmount *big.Int, kind SwapKind, swapData []byte) (*big.Int, error)
	Sell(ctx context.Context, productAmount *big.Int, kind SwapKind, swapData []byte) (*big.Int, error)
	Exposure() *big.Int
}

// AdjustPositionParams describes a resize of the leveraged short.
type AdjustPositionParams struct {
	SizeDeltaInTokens     *big.Int
	CollateralDeltaAmount *big.Int
	IsIncrease            bool
}

// AdjustPositionResult is delivered asynchronously once the venue settles
// the adjustment. Executed amounts may differ from the requested deltas.
type AdjustPositionResult struct {
	IsIncrease              bool
	ExecutedSizeDelta       *big.Int
	ExecutedCollateralDelta *big.Int
	Success                 bool
}

// SettlementHandler receives the completion callback for an in-flight
// position adjustment.
type SettlementHandler interface {
	AfterAdjustPosition(res AdjustPositionResult) error
}

// HedgeLeg holds the leveraged short. AdjustPosition places an order and
// returns; completion arrives later through the registered handler.
type HedgeLeg interface {
	AdjustPosition(ctx context.Context, params AdjustPositionParams) error
	PositionSizeInTokens() *big.Int
	PositionNetBalance() *big.Int
	CurrentLeverage() decimal.Decimal
	MinOrderSize() *big.Int
	NeedKeep() bool
	Keep(ctx context.Context) (*big.Int, error)
}
