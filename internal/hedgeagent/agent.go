// Package hedgeagent drives the leveraged short through an order transport.
// Orders carry a deterministic client id so a crash between submit and
// settlement never produces a duplicate adjustment.
package hedgeagent

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"basis-vault/internal/legs"
	"basis-vault/internal/state"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const pendingOrderKey = "hedge:pending_order"

// Transport delivers an encoded adjustment order to the venue. Submission is
// fire-and-forget; the settlement arrives later through HandleSettlement.
type Transport interface {
	Submit(ctx context.Context, payload []byte) error
}

type Config struct {
	Product      string
	MinOrderSize *big.Int
}

type Agent struct {
	transport Transport
	store     state.Store
	oracle    legs.Oracle
	log       *zap.Logger
	product   string
	minOrder  *big.Int

	mu          sync.Mutex
	handler     legs.SettlementHandler
	pending     *AdjustOrderWire
	nonce       uint64
	sizeTokens  *big.Int
	netBalance  *big.Int
	fundingOwed *big.Int
}

func New(transport Transport, store state.Store, oracle legs.Oracle, cfg Config, log *zap.Logger) (*Agent, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Product == "" {
		return nil, fmt.Errorf("product is required")
	}
	minOrder := cfg.MinOrderSize
	if minOrder == nil {
		minOrder = big.NewInt(0)
	}
	a := &Agent{
		transport:   transport,
		store:       store,
		oracle:      oracle,
		log:         log,
		product:     cfg.Product,
		minOrder:    new(big.Int).Set(minOrder),
		nonce:       uint64(time.Now().UnixNano()),
		sizeTokens:  big.NewInt(0),
		netBalance:  big.NewInt(0),
		fundingOwed: big.NewInt(0),
	}
	if err := a.loadPending(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) SetHandler(h legs.SettlementHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// AdjustPosition places a single in-flight adjustment. A second call before
// the settlement returns legs.ErrAdjustPending.
func (a *Agent) AdjustPosition(ctx context.Context, params legs.AdjustPositionParams) error {
	a.mu.Lock()
	if a.pending != nil {
		a.mu.Unlock()
		return legs.ErrAdjustPending
	}
	a.nonce++
	order := AdjustOrderWire{
		ID:              a.orderID(a.nonce),
		Product:         a.product,
		SizeDelta:       bigToWire(params.SizeDeltaInTokens),
		CollateralDelta: bigToWire(params.CollateralDeltaAmount),
		IsIncrease:      params.IsIncrease,
	}
	a.pending = &order
	a.mu.Unlock()

	payload, err := EncodeAdjustOrder(order)
	if err != nil {
		a.clearPending()
		return err
	}
	if a.store != nil {
		if err := a.store.Set(ctx, pendingOrderKey, hexutil.Encode(payload)); err != nil {
			a.log.Warn("failed to persist pending order", zap.Error(err))
		}
	}
	if err := a.submitWithRetry(ctx, payload); err != nil {
		a.clearPending()
		if a.store != nil {
			if derr := a.store.Delete(ctx, pendingOrderKey); derr != nil {
				a.log.Warn("failed to drop pending order", zap.Error(derr))
			}
		}
		return err
	}
	a.log.Info("adjustment submitted",
		zap.String("id", order.ID),
		zap.Bool("increase", order.IsIncrease),
		zap.String("size_delta", order.SizeDelta),
		zap.String("collateral_delta", order.CollateralDelta))
	return nil
}

// HandleSettlement matches a venue settlement against the in-flight order,
// applies it to the local position, and forwards the result to the handler.
// Settlements with an unknown id are dropped as replays.
func (a *Agent) HandleSettlement(ctx context.Context, payload []byte) error {
	settlement, err := DecodeSettlement(payload)
	if err != nil {
		return err
	}
	executedSize, err := wireToBig(settlement.ExecutedSizeDelta)
	if err != nil {
		return err
	}
	executedCollateral, err := wireToBig(settlement.ExecutedCollateralDelta)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.pending == nil || a.pending.ID != settlement.ID {
		a.mu.Unlock()
		a.log.Warn("dropping settlement for unknown order", zap.String("id", settlement.ID))
		return nil
	}
	a.pending = nil
	if settlement.Success {
		if settlement.IsIncrease {
			a.sizeTokens.Add(a.sizeTokens, executedSize)
			a.netBalance.Add(a.netBalance, executedCollateral)
		} else {
			a.sizeTokens.Sub(a.sizeTokens, executedSize)
			a.netBalance.Sub(a.netBalance, executedCollateral)
		}
	}
	handler := a.handler
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.Delete(ctx, pendingOrderKey); err != nil {
			a.log.Warn("failed to drop pending order", zap.Error(err))
		}
	}
	if handler == nil {
		return nil
	}
	return handler.AfterAdjustPosition(legs.AdjustPositionResult{
		IsIncrease:              settlement.IsIncrease,
		ExecutedSizeDelta:       executedSize,
		ExecutedCollateralDelta: executedCollateral,
		Success:                 settlement.Success,
	})
}

// ApplyAccountUpdate replaces the local position marks with the venue's.
func (a *Agent) ApplyAccountUpdate(sizeTokens, netBalance, fundingOwed *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sizeTokens != nil {
		a.sizeTokens = new(big.Int).Set(sizeTokens)
	}
	if netBalance != nil {
		a.netBalance = new(big.Int).Set(netBalance)
	}
	if fundingOwed != nil {
		a.fundingOwed = new(big.Int).Set(fundingOwed)
	}
}

func (a *Agent) PositionSizeInTokens() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.sizeTokens)
}

func (a *Agent) PositionNetBalance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.netBalance)
}

func (a *Agent) CurrentLeverage() decimal.Decimal {
	a.mu.Lock()
	size := new(big.Int).Set(a.sizeTokens)
	net := new(big.Int).Set(a.netBalance)
	a.mu.Unlock()
	if net.Sign() <= 0 || size.Sign() == 0 {
		return decimal.Zero
	}
	price, err := a.oracle.Price(a.product)
	if err != nil {
		a.log.Warn("leverage unavailable", zap.Error(err))
		return decimal.Zero
	}
	notional := decimal.NewFromBigInt(size, 0).Mul(price)
	return notional.Div(decimal.NewFromBigInt(net, 0))
}

func (a *Agent) MinOrderSize() *big.Int {
	return new(big.Int).Set(a.minOrder)
}

func (a *Agent) NeedKeep() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fundingOwed.Sign() != 0
}

// Keep settles accrued funding against the position collateral and returns
// the settled amount.
func (a *Agent) Keep(ctx context.Context) (*big.Int, error) {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()
	settled := a.fundingOwed
	a.fundingOwed = big.NewInt(0)
	a.netBalance.Sub(a.netBalance, settled)
	return new(big.Int).Set(settled), nil
}

// PendingOrderID reports the in-flight order, if any.
func (a *Agent) PendingOrderID() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return "", false
	}
	return a.pending.ID, true
}

func (a *Agent) clearPending() {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
}

func (a *Agent) loadPending(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	raw, ok, err := a.store.Get(ctx, pendingOrderKey)
	if err != nil || !ok {
		return err
	}
	payload, err := hexutil.Decode(raw)
	if err != nil {
		return fmt.Errorf("corrupt pending order record: %w", err)
	}
	order, err := DecodeAdjustOrder(payload)
	if err != nil {
		return fmt.Errorf("corrupt pending order record: %w", err)
	}
	a.pending = &order
	a.log.Info("recovered pending adjustment", zap.String("id", order.ID))
	return nil
}

func (a *Agent) orderID(nonce uint64) string {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return crypto.Keccak256Hash([]byte(a.product), nonceBytes[:]).Hex()
}

func (a *Agent) submitWithRetry(ctx context.Context, payload []byte) error {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := a.transport.Submit(ctx, payload); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("submit failed after retries: %w", lastErr)
}
