package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"basis-vault/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// NavSample is one ledger observation, taken once per keeper tick. Amounts
// are stringified integers in the asset's smallest unit.
type NavSample struct {
	Time                 time.Time
	Status               string
	TotalAssets          string
	TotalSupply          string
	PricePerShare        float64
	IdleAssets           string
	UtilizedAssets       string
	ClaimableAssets      string
	WithdrawBacklog      string
	PrioritizedBacklog   string
	HighWaterMark        float64
	CurrentLeverage      float64
	PendingUtilization   string
	PendingDeutilization string
}

// UpkeepEvent records one maintenance action the keeper performed.
type UpkeepEvent struct {
	Time   time.Time
	Action string
	Status string
	Detail string
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	samples    chan NavSample
	events     chan UpkeepEvent
	started    atomic.Bool
	dropSample atomic.Uint64
	dropEvent  atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		samples: make(chan NavSample, queueSize),
		events:  make(chan UpkeepEvent, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueNavSample(sample NavSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
		return
	default:
		if w.dropSample.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale nav queue full")
		}
	}
}

func (w *Writer) EnqueueUpkeepEvent(event UpkeepEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- event:
		return
	default:
		if w.dropEvent.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale upkeep queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeNavSample(ctx, sample)
		case event := <-w.events:
			w.writeUpkeepEvent(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		total_assets NUMERIC NOT NULL,
		total_supply NUMERIC NOT NULL,
		price_per_share DOUBLE PRECISION NOT NULL,
		idle_assets NUMERIC NOT NULL,
		utilized_assets NUMERIC NOT NULL,
		claimable_assets NUMERIC NOT NULL,
		withdraw_backlog NUMERIC NOT NULL,
		prioritized_backlog NUMERIC NOT NULL,
		high_water_mark DOUBLE PRECISION NOT NULL,
		current_leverage DOUBLE PRECISION NOT NULL,
		pending_utilization NUMERIC NOT NULL,
		pending_deutilization NUMERIC NOT NULL
	)`, w.table("vault_nav"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("upkeep_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("vault_nav"))); err != nil && w.log != nil {
		w.log.Warn("timescale vault_nav hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("upkeep_events"))); err != nil && w.log != nil {
		w.log.Warn("timescale upkeep_events hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeNavSample(ctx context.Context, sample NavSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, status, total_assets, total_supply, price_per_share, idle_assets, utilized_assets,
		claimable_assets, withdraw_backlog, prioritized_backlog, high_water_mark,
		current_leverage, pending_utilization, pending_deutilization
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)`, w.table("vault_nav"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.Status,
		sample.TotalAssets,
		sample.TotalSupply,
		sample.PricePerShare,
		sample.IdleAssets,
		sample.UtilizedAssets,
		sample.ClaimableAssets,
		sample.WithdrawBacklog,
		sample.PrioritizedBacklog,
		sample.HighWaterMark,
		sample.CurrentLeverage,
		sample.PendingUtilization,
		sample.PendingDeutilization,
	); err != nil && w.log != nil {
		w.log.Warn("timescale nav insert failed", zap.Error(err))
	}
}

func (w *Writer) writeUpkeepEvent(ctx context.Context, event UpkeepEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, action, status, detail
	) VALUES (
		$1,$2,$3,$4
	)`, w.table("upkeep_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.Action,
		event.Status,
		event.Detail,
	); err != nil && w.log != nil {
		w.log.Warn("timescale upkeep insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
