// Package app wires the vault, strategy, keeper, and venue adapters
// together from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"basis-vault/internal/alerts"
	"basis-vault/internal/config"
	"basis-vault/internal/hedgeagent"
	"basis-vault/internal/keeper"
	"basis-vault/internal/metrics"
	"basis-vault/internal/oracle"
	"basis-vault/internal/spot"
	"basis-vault/internal/state"
	"basis-vault/internal/state/sqlite"
	"basis-vault/internal/strategy"
	"basis-vault/internal/timescale"
	"basis-vault/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	oracle   *oracle.Feed
	spot     *spot.Router
	agent    *hedgeagent.Agent
	vault    *vault.Vault
	strategy *strategy.Strategy
	keeper   *keeper.Keeper
	writer   *timescale.Writer
	alerts   *alerts.Telegram
	prom     *metrics.Prometheus
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	feed := oracle.NewFeed(cfg.Oracle, log)
	spotLeg := spot.New(cfg.Spot, cfg.Strategy.Asset, cfg.Strategy.Product, log)

	minOrder := big.NewInt(0)
	if raw := strings.TrimSpace(cfg.Agent.MinOrderSize); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			_ = store.Close()
			return nil, fmt.Errorf("invalid agent min_order_size: %q", raw)
		}
		minOrder = parsed
	}
	transport := hedgeagent.NewHTTPTransport(cfg.Agent)
	agent, err := hedgeagent.New(transport, store, feed, hedgeagent.Config{
		Product:      cfg.Strategy.Product,
		MinOrderSize: minOrder,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	vaultCfg := vault.Config{
		ManagementFeeRate:  cfg.Vault.ManagementFeeRate.Wad(),
		PerformanceFeeRate: cfg.Vault.PerformanceFeeRate.Wad(),
		HurdleRate:         cfg.Vault.HurdleRate.Wad(),
		FeeRecipient:       common.HexToAddress(cfg.Vault.FeeRecipient),
	}
	for _, account := range cfg.Vault.PrioritizedAccounts {
		vaultCfg.PrioritizedAccounts = append(vaultCfg.PrioritizedAccounts, common.HexToAddress(account))
	}
	v := vault.New(vaultCfg, log)
	if raw := strings.TrimSpace(cfg.Vault.ReservedExecutionCost); raw != "" {
		reserve, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			_ = store.Close()
			return nil, fmt.Errorf("invalid reserved_execution_cost: %q", raw)
		}
		v.SetReservedExecutionCost(reserve)
	}
	v.SetJournal(func(key common.Hash, req vault.WithdrawRequest) {
		ctx := context.Background()
		if req.IsClaimed {
			if err := state.DeleteWithdrawRequest(ctx, store, key.Hex()); err != nil {
				log.Warn("withdraw request delete failed", zap.Error(err))
			}
			return
		}
		rec := state.WithdrawRequestRecord{
			Key:             key.Hex(),
			Owner:           req.Owner.Hex(),
			Receiver:        req.Receiver.Hex(),
			RequestedAssets: req.RequestedAssets.String(),
			AccRequested:    req.AccRequestedWithdrawAssets.String(),
			RequestedAtMS:   req.RequestTimestamp.UnixMilli(),
			Prioritized:     req.IsPrioritized,
		}
		if err := state.SaveWithdrawRequest(ctx, store, rec); err != nil {
			log.Warn("withdraw request persist failed", zap.Error(err))
		}
	})

	s, err := strategy.New(strategy.Config{
		Asset:              cfg.Strategy.Asset,
		Product:            cfg.Strategy.Product,
		TargetLeverage:     cfg.Strategy.TargetLeverage.Decimal,
		MinLeverage:        cfg.Strategy.MinLeverage.Decimal,
		MaxLeverage:        cfg.Strategy.MaxLeverage.Decimal,
		SafeMarginLeverage: cfg.Strategy.SafeMarginLeverage.Decimal,
		MaxUtilizePct:      cfg.Strategy.MaxUtilizePct.Decimal,
		HedgeDeviationPct:  cfg.Strategy.HedgeDeviationPct.Decimal,
	}, v, spotLeg, agent, feed, m, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	agent.SetHandler(s)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
	}
	tg := alerts.NewTelegram(cfg.Telegram, log)

	k, err := keeper.New(cfg.Keeper, v, s, store, writer, m, tg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		oracle:   feed,
		spot:     spotLeg,
		agent:    agent,
		vault:    v,
		strategy: s,
		keeper:   k,
		writer:   writer,
		alerts:   tg,
		prom:     prom,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()

	if err := a.oracle.Start(ctx); err != nil {
		return fmt.Errorf("oracle start: %w", err)
	}
	if a.writer != nil {
		a.writer.Start(ctx)
		defer a.writer.Close()
	}
	if a.prom != nil {
		a.serveMetrics(ctx)
	}
	a.serveCallbacks(ctx)
	a.startOperator(ctx)

	if snapshot, ok, err := state.LoadVaultSnapshot(ctx, a.store); err != nil {
		a.log.Warn("snapshot load failed", zap.Error(err))
	} else if ok {
		a.log.Info("recovered snapshot",
			zap.String("status", snapshot.Status),
			zap.String("total_assets", snapshot.TotalAssets),
			zap.Bool("paused", snapshot.Paused))
	}

	return a.keeper.Run(ctx)
}

func (a *App) serveMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.ListenAddr
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", addr))
}

// serveCallbacks accepts settlement pushes from the venue agent.
func (a *App) serveCallbacks(ctx context.Context) {
	addr := strings.TrimSpace(a.cfg.Agent.CallbackListenAddr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/settlements", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := a.agent.HandleSettlement(r.Context(), payload); err != nil {
			a.log.Warn("settlement rejected", zap.Error(err))
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("callback server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("settlement callbacks listening", zap.String("addr", addr))
}
