package legs

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// SimOracle is a fixed-price oracle for tests and paper trading.
type SimOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func NewSimOracle() *SimOracle {
	return &SimOracle{prices: make(map[string]decimal.Decimal)}
}

func (o *SimOracle) SetPrice(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

func (o *SimOracle) Price(symbol string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (o *SimOracle) Convert(from, to string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	fromPrice, err := o.Price(from)
	if err != nil {
		return nil, err
	}
	toPrice, err := o.Price(to)
	if err != nil {
		return nil, err
	}
	if toPrice.IsZero() {
		return nil, fmt.Errorf("zero price for %s", to)
	}
	value := decimal.NewFromBigInt(amount, 0).Mul(fromPrice).Div(toPrice)
	return value.Floor().BigInt(), nil
}

// SimSpot is an in-memory spot leg. Swaps settle instantly at the oracle
// price with no slippage.
type SimSpot struct {
	mu       sync.Mutex
	oracle   Oracle
	asset    string
	product  string
	exposure *big.Int
}

func NewSimSpot(oracle Oracle, asset, product string) *SimSpot {
	return &SimSpot{oracle: oracle, asset: asset, product: product, exposure: big.NewInt(0)}
}

func (s *SimSpot) Buy(ctx context.Context, assetAmount *big.Int, kind SwapKind, swapData []byte) (*big.Int, error) {
	_ = ctx
	_ = swapData
	if kind != SwapKindMarket && kind != SwapKindAggregator {
		return nil, ErrUnsupportedSwapKind
	}
	bought, err := s.oracle.Convert(s.asset, s.product, assetAmount)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.exposure = new(big.Int).Add(s.exposure, bought)
	s.mu.Unlock()
	return bought, nil
}

func (s *SimSpot) Sell(ctx context.Context, productAmount *big.Int, kind SwapKind, swapData []byte) (*big.Int, error) {
	_ = ctx
	_ = swapData
	if kind != SwapKindMarket && kind != SwapKindAggregator {
		return nil, ErrUnsupportedSwapKind
	}
	s.mu.Lock()
	if s.exposure.Cmp(productAmount) < 0 {
		s.mu.Unlock()
		return nil, errors.New("sell exceeds spot exposure")
	}
	s.exposure = new(big.Int).Sub(s.exposure, productAmount)
	s.mu.Unlock()
	return s.oracle.Convert(s.product, s.asset, productAmount)
}

func (s *SimSpot) Exposure() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.exposure)
}

// SimHedge is an in-memory hedge leg with manual settlement: orders park in
// a single in-flight slot until Settle releases the callback.
type SimHedge struct {
	mu         sync.Mutex
	oracle     Oracle
	product    string
	size       *big.Int
	netBalance *big.Int
	minOrder   *big.Int
	pending    *AdjustPositionParams
	handler    SettlementHandler
	needKeep   bool
	accrued    *big.Int
}

func NewSimHedge(oracle Oracle, product string) *SimHedge {
	return &SimHedge{
		oracle:     oracle,
		product:    product,
		size:       big.NewInt(0),
		netBalance: big.NewInt(0),
		minOrder:   big.NewInt(0),
		accrued:    big.NewInt(0),
	}
}

func (h *SimHedge) SetHandler(handler SettlementHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *SimHedge) SetMinOrderSize(min *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minOrder = new(big.Int).Set(min)
}

func (h *SimHedge) AdjustPosition(ctx context.Context, params AdjustPositionParams) error {
	_ = ctx
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil {
		return ErrAdjustPending
	}
	if !params.IsIncrease && params.CollateralDeltaAmount != nil && params.CollateralDeltaAmount.Cmp(h.netBalance) > 0 {
		return ErrNotEnoughCollateral
	}
	stored := AdjustPositionParams{
		SizeDeltaInTokens:     cloneOrZero(params.SizeDeltaInTokens),
		CollateralDeltaAmount: cloneOrZero(params.CollateralDeltaAmount),
		IsIncrease:            params.IsIncrease,
	}
	h.pending = &stored
	return nil
}

// Settle applies the in-flight adjustment and delivers the callback, the
// way an off-chain agent confirmation would.
func (h *SimHedge) Settle() error {
	h.mu.Lock()
	if h.pending == nil {
		h.mu.Unlock()
		return errors.New("no pending adjustment")
	}
	params := *h.pending
	h.pending = nil
	if params.IsIncrease {
		h.size = new(big.Int).Add(h.size, params.SizeDeltaInTokens)
		h.netBalance = new(big.Int).Add(h.netBalance, params.CollateralDeltaAmount)
	} else {
		h.size = new(big.Int).Sub(h.size, params.SizeDeltaInTokens)
		if h.size.Sign() < 0 {
			h.size = big.NewInt(0)
		}
		h.netBalance = new(big.Int).Sub(h.netBalance, params.CollateralDeltaAmount)
	}
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler.AfterAdjustPosition(AdjustPositionResult{
		IsIncrease:              params.IsIncrease,
		ExecutedSizeDelta:       params.SizeDeltaInTokens,
		ExecutedCollateralDelta: params.CollateralDeltaAmount,
		Success:                 true,
	})
}

// SettleMismatched delivers a callback whose direction contradicts the
// in-flight order. Used to exercise the invariant fault path.
func (h *SimHedge) SettleMismatched() error {
	h.mu.Lock()
	if h.pending == nil {
		h.mu.Unlock()
		return errors.New("no pending adjustment")
	}
	params := *h.pending
	h.pending = nil
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler.AfterAdjustPosition(AdjustPositionResult{
		IsIncrease:              !params.IsIncrease,
		ExecutedSizeDelta:       params.SizeDeltaInTokens,
		ExecutedCollateralDelta: params.CollateralDeltaAmount,
		Success:                 true,
	})
}

func (h *SimHedge) HasPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != nil
}

// ApplyPnL moves the position's net balance, modelling mark-to-market
// drift of the short between settlements.
func (h *SimHedge) ApplyPnL(delta *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.netBalance = new(big.Int).Add(h.netBalance, delta)
	if h.netBalance.Sign() < 0 {
		h.netBalance = big.NewInt(0)
	}
}

// AccrueFunding parks claimable funding and raises the keep flag.
func (h *SimHedge) AccrueFunding(amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accrued = new(big.Int).Add(h.accrued, amount)
	h.needKeep = true
}

func (h *SimHedge) PositionSizeInTokens() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return new(big.Int).Set(h.size)
}

func (h *SimHedge) PositionNetBalance() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return new(big.Int).Set(h.netBalance)
}

func (h *SimHedge) CurrentLeverage() decimal.Decimal {
	h.mu.Lock()
	size := new(big.Int).Set(h.size)
	balance := new(big.Int).Set(h.netBalance)
	h.mu.Unlock()
	if size.Sign() == 0 || balance.Sign() == 0 {
		return decimal.Zero
	}
	price, err := h.oracle.Price(h.product)
	if err != nil {
		return decimal.Zero
	}
	notional := decimal.NewFromBigInt(size, 0).Mul(price)
	return notional.Div(decimal.NewFromBigInt(balance, 0))
}

func (h *SimHedge) MinOrderSize() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return new(big.Int).Set(h.minOrder)
}

func (h *SimHedge) NeedKeep() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.needKeep
}

func (h *SimHedge) Keep(ctx context.Context) (*big.Int, error) {
	_ = ctx
	h.mu.Lock()
	defer h.mu.Unlock()
	claimed := h.accrued
	h.accrued = big.NewInt(0)
	h.needKeep = false
	h.netBalance = new(big.Int).Add(h.netBalance, claimed)
	return new(big.Int).Set(claimed), nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
