// Package oracle implements the price oracle against a websocket feed.
// The feed pushes price ticks per symbol; the oracle caches the latest
// tick and answers conversions from the cache. Staleness handling lives
// here, not in the consumers.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"basis-vault/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type tick struct {
	price decimal.Decimal
	at    time.Time
}

type Feed struct {
	log      *zap.Logger
	client   *wsClient
	symbols  []string
	maxAge   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	ticks map[string]tick
}

type feedMessage struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func NewFeed(cfg config.OracleConfig, log *zap.Logger) *Feed {
	return &Feed{
		log:     log,
		client:  newWSClient(cfg.WSURL, cfg.ReconnectDelay, cfg.PingInterval, log),
		symbols: cfg.Symbols,
		maxAge:  time.Minute,
		now:     time.Now,
		ticks:   make(map[string]tick),
	}
}

func (f *Feed) Start(ctx context.Context) error {
	if err := f.client.Connect(ctx); err != nil {
		return err
	}
	for _, symbol := range f.symbols {
		sub := map[string]any{"method": "subscribe", "symbol": symbol}
		if err := f.client.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	go func() {
		if err := f.client.Run(ctx, f.handle); err != nil && ctx.Err() == nil {
			f.log.Error("feed terminated", zap.Error(err))
		}
	}()
	return nil
}

func (f *Feed) handle(raw json.RawMessage) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Symbol == "" || msg.Price == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	f.ticks[msg.Symbol] = tick{price: price, at: f.now()}
	f.mu.Unlock()
}

func (f *Feed) Price(symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	entry, ok := f.ticks[symbol]
	f.mu.Unlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	if f.maxAge > 0 && f.now().Sub(entry.at) > f.maxAge {
		return decimal.Zero, fmt.Errorf("price for %s is stale", symbol)
	}
	return entry.price, nil
}

func (f *Feed) Convert(from, to string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	fromPrice, err := f.Price(from)
	if err != nil {
		return nil, err
	}
	toPrice, err := f.Price(to)
	if err != nil {
		return nil, err
	}
	if toPrice.IsZero() {
		return nil, fmt.Errorf("zero price for %s", to)
	}
	value := decimal.NewFromBigInt(amount, 0).Mul(fromPrice).Div(toPrice)
	return value.Floor().BigInt(), nil
}
