// Package spot executes swaps between the vault asset and the product
// through a swap-router HTTP API. Swaps settle synchronously.
package spot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"basis-vault/internal/config"
	"basis-vault/internal/legs"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

type Router struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
	asset   string
	product string

	mu       sync.Mutex
	exposure *big.Int
}

func New(cfg config.SpotConfig, asset, product string, log *zap.Logger) *Router {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		baseURL:  cfg.RouterURL,
		http:     &http.Client{Timeout: timeout},
		log:      log,
		asset:    asset,
		product:  product,
		exposure: big.NewInt(0),
	}
}

type swapRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Kind   string `json:"kind"`
	Data   string `json:"data,omitempty"`
}

type swapResponse struct {
	Received string `json:"received"`
	Error    string `json:"error,omitempty"`
}

func (r *Router) Buy(ctx context.Context, assetAmount *big.Int, kind legs.SwapKind, swapData []byte) (*big.Int, error) {
	received, err := r.swap(ctx, r.asset, r.product, assetAmount, kind, swapData)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.exposure.Add(r.exposure, received)
	r.mu.Unlock()
	return received, nil
}

func (r *Router) Sell(ctx context.Context, productAmount *big.Int, kind legs.SwapKind, swapData []byte) (*big.Int, error) {
	received, err := r.swap(ctx, r.product, r.asset, productAmount, kind, swapData)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.exposure.Sub(r.exposure, productAmount)
	if r.exposure.Sign() < 0 {
		r.exposure.SetInt64(0)
	}
	r.mu.Unlock()
	return received, nil
}

func (r *Router) Exposure() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.exposure)
}

// SetExposure overrides the tracked product balance, used when reconciling
// against the custody account at startup.
func (r *Router) SetExposure(amount *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exposure = new(big.Int).Set(amount)
}

func (r *Router) swap(ctx context.Context, from, to string, amount *big.Int, kind legs.SwapKind, swapData []byte) (*big.Int, error) {
	kindName, err := kindName(kind)
	if err != nil {
		return nil, err
	}
	req := swapRequest{
		From:   from,
		To:     to,
		Amount: amount.String(),
		Kind:   kindName,
	}
	if len(swapData) > 0 {
		req.Data = hexutil.Encode(swapData)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("swap failed: http %d: %s", resp.StatusCode, string(body))
	}
	var result swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("swap rejected: %s", result.Error)
	}
	received, ok := new(big.Int).SetString(result.Received, 10)
	if !ok {
		return nil, fmt.Errorf("invalid received amount: %q", result.Received)
	}
	r.log.Debug("swap executed",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("in", amount.String()),
		zap.String("out", received.String()))
	return received, nil
}

func kindName(kind legs.SwapKind) (string, error) {
	switch kind {
	case legs.SwapKindMarket:
		return "market", nil
	case legs.SwapKindAggregator:
		return "aggregator", nil
	default:
		return "", legs.ErrUnsupportedSwapKind
	}
}
