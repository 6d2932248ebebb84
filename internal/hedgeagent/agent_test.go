package hedgeagent

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"basis-vault/internal/legs"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu       sync.Mutex
	payloads [][]byte
	failures int
}

func (f *fakeTransport) Submit(ctx context.Context, payload []byte) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transport down")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeHandler struct {
	results []legs.AdjustPositionResult
}

func (f *fakeHandler) AfterAdjustPosition(res legs.AdjustPositionResult) error {
	f.results = append(f.results, res)
	return nil
}

type fixedOracle struct {
	price decimal.Decimal
}

func (f *fixedOracle) Price(symbol string) (decimal.Decimal, error) {
	_ = symbol
	return f.price, nil
}

func (f *fixedOracle) Convert(from, to string, amount *big.Int) (*big.Int, error) {
	_, _ = from, to
	return new(big.Int).Set(amount), nil
}

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.items {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

func newTestAgent(t *testing.T, transport *fakeTransport, store *memoryStore) *Agent {
	t.Helper()
	agent, err := New(transport, store, &fixedOracle{price: decimal.NewFromInt(2)}, Config{
		Product:      "BTC",
		MinOrderSize: big.NewInt(10),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent
}

func TestAdjustAndSettleRoundTrip(t *testing.T) {
	transport := &fakeTransport{}
	store := &memoryStore{}
	agent := newTestAgent(t, transport, store)
	handler := &fakeHandler{}
	agent.SetHandler(handler)

	ctx := context.Background()
	err := agent.AdjustPosition(ctx, legs.AdjustPositionParams{
		SizeDeltaInTokens:     big.NewInt(100),
		CollateralDeltaAmount: big.NewInt(50),
		IsIncrease:            true,
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(transport.payloads) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(transport.payloads))
	}
	order, err := DecodeAdjustOrder(transport.payloads[0])
	if err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if order.Product != "BTC" || order.SizeDelta != "100" || order.CollateralDelta != "50" || !order.IsIncrease {
		t.Fatalf("unexpected order: %#v", order)
	}
	if _, ok, _ := store.Get(ctx, pendingOrderKey); !ok {
		t.Fatalf("expected pending order to be persisted")
	}

	payload, err := EncodeSettlement(SettlementWire{
		ID:                      order.ID,
		IsIncrease:              true,
		ExecutedSizeDelta:       "100",
		ExecutedCollateralDelta: "50",
		Success:                 true,
	})
	if err != nil {
		t.Fatalf("encode settlement: %v", err)
	}
	if err := agent.HandleSettlement(ctx, payload); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(handler.results) != 1 {
		t.Fatalf("expected 1 callback, got %d", len(handler.results))
	}
	if agent.PositionSizeInTokens().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected size: %s", agent.PositionSizeInTokens())
	}
	if agent.PositionNetBalance().Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected net balance: %s", agent.PositionNetBalance())
	}
	if _, ok, _ := store.Get(ctx, pendingOrderKey); ok {
		t.Fatalf("pending order record should be cleared")
	}
	// size 100 * price 2 / net 50
	if !agent.CurrentLeverage().Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected leverage: %s", agent.CurrentLeverage())
	}
}

func TestSecondAdjustWhilePending(t *testing.T) {
	agent := newTestAgent(t, &fakeTransport{}, &memoryStore{})
	ctx := context.Background()
	params := legs.AdjustPositionParams{
		SizeDeltaInTokens:     big.NewInt(10),
		CollateralDeltaAmount: big.NewInt(5),
		IsIncrease:            true,
	}
	if err := agent.AdjustPosition(ctx, params); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if err := agent.AdjustPosition(ctx, params); !errors.Is(err, legs.ErrAdjustPending) {
		t.Fatalf("expected ErrAdjustPending, got %v", err)
	}
}

func TestUnknownSettlementDropped(t *testing.T) {
	agent := newTestAgent(t, &fakeTransport{}, &memoryStore{})
	handler := &fakeHandler{}
	agent.SetHandler(handler)

	payload, err := EncodeSettlement(SettlementWire{
		ID:                      "0xdeadbeef",
		ExecutedSizeDelta:       "1",
		ExecutedCollateralDelta: "1",
		Success:                 true,
	})
	if err != nil {
		t.Fatalf("encode settlement: %v", err)
	}
	if err := agent.HandleSettlement(context.Background(), payload); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(handler.results) != 0 {
		t.Fatalf("stale settlement must not reach the handler")
	}
}

func TestSubmitRetries(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	agent := newTestAgent(t, transport, &memoryStore{})
	err := agent.AdjustPosition(context.Background(), legs.AdjustPositionParams{
		SizeDeltaInTokens:     big.NewInt(10),
		CollateralDeltaAmount: big.NewInt(5),
		IsIncrease:            true,
	})
	if err != nil {
		t.Fatalf("adjust should survive transient failures: %v", err)
	}
	if len(transport.payloads) != 1 {
		t.Fatalf("expected exactly 1 delivered payload, got %d", len(transport.payloads))
	}
}

func TestPendingOrderRecoveredFromStore(t *testing.T) {
	transport := &fakeTransport{}
	store := &memoryStore{}
	agent := newTestAgent(t, transport, store)
	ctx := context.Background()
	if err := agent.AdjustPosition(ctx, legs.AdjustPositionParams{
		SizeDeltaInTokens:     big.NewInt(10),
		CollateralDeltaAmount: big.NewInt(5),
		IsIncrease:            false,
	}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	wantID, ok := agent.PendingOrderID()
	if !ok {
		t.Fatalf("expected pending order")
	}

	restarted := newTestAgent(t, transport, store)
	gotID, ok := restarted.PendingOrderID()
	if !ok || gotID != wantID {
		t.Fatalf("expected recovered pending order %s, got %s (ok=%v)", wantID, gotID, ok)
	}
	if err := restarted.AdjustPosition(ctx, legs.AdjustPositionParams{
		SizeDeltaInTokens:     big.NewInt(1),
		CollateralDeltaAmount: big.NewInt(1),
		IsIncrease:            true,
	}); !errors.Is(err, legs.ErrAdjustPending) {
		t.Fatalf("recovered pending order must block new adjustments, got %v", err)
	}
}

func TestKeepSettlesFunding(t *testing.T) {
	agent := newTestAgent(t, &fakeTransport{}, &memoryStore{})
	agent.ApplyAccountUpdate(big.NewInt(100), big.NewInt(60), big.NewInt(7))
	if !agent.NeedKeep() {
		t.Fatalf("expected keep to be due")
	}
	settled, err := agent.Keep(context.Background())
	if err != nil {
		t.Fatalf("keep: %v", err)
	}
	if settled.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected settled funding: %s", settled)
	}
	if agent.PositionNetBalance().Cmp(big.NewInt(53)) != 0 {
		t.Fatalf("funding must come out of collateral, got %s", agent.PositionNetBalance())
	}
	if agent.NeedKeep() {
		t.Fatalf("keep should be cleared")
	}
}
