// Package warehouse implements the staging store and the attribution marts
// on ClickHouse, PostgreSQL or process memory.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
)

// Supported drivers.
const (
	DriverMemory     = "memory"
	DriverClickHouse = "clickhouse"
	DriverPostgres   = "postgres"
)

// Default table names.
const (
	DefaultStagingTable   = "stream_events"
	DefaultMartFirstTable = "mart_attribution_first"
	DefaultMartLastTable  = "mart_attribution_last"
)

// StagingStore is the append-only event table.
type StagingStore interface {
	// InsertEvents appends events and returns how many were new.
	// Re-inserting an existing event_id is a no-op.
	InsertEvents(ctx context.Context, events []model.Event) (int, error)
	// RecentEvents returns up to limit events ordered by event time descending.
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)
}

// MartReader reads the first- and last-touch marts.
type MartReader interface {
	FirstTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error)
	LastTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error)
	FirstTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error)
	LastTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error)
}

// Materializer rebuilds the marts from the staging table.
type Materializer interface {
	MaterializeMarts(ctx context.Context) error
}

// Store is a complete warehouse backend.
type Store interface {
	StagingStore
	MartReader
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver         string
	DSN            string
	StagingTable   string
	MartFirstTable string
	MartLastTable  string
	InitSchema     bool
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

func (c Config) tables() tables {
	t := tables{staging: c.StagingTable, first: c.MartFirstTable, last: c.MartLastTable}
	if t.staging == "" {
		t.staging = DefaultStagingTable
	}
	if t.first == "" {
		t.first = DefaultMartFirstTable
	}
	if t.last == "" {
		t.last = DefaultMartLastTable
	}
	return t
}

// Open creates the backend named by cfg.Driver. The returned store is meant
// to be created once at startup and shared.
func Open(ctx context.Context, cfg Config, log logger.Logger) (Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case "", DriverMemory:
		log.Info(ctx, "using in-memory warehouse")
		return NewMemoryStore(), nil
	case DriverClickHouse:
		var opts *clickhouse.Options
		opts, err = clickhouse.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: parse clickhouse dsn: %w", ErrUnavailable, err)
		}
		if cfg.ConnectTimeout > 0 {
			opts.DialTimeout = cfg.ConnectTimeout
		}
		db = clickhouse.OpenDB(opts)
		d = clickhouseDialect{}
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: open postgres: %w", ErrUnavailable, err)
		}
		d = postgresDialect{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := NewSQLStore(db, d, cfg.tables(), log)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := store.Ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info(ctx, "connected to warehouse", logger.String("driver", driver))

	if cfg.InitSchema {
		if err := store.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}
