// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pricehound/pricehound/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PriceStoreConfig controls the Postgres connection pool used for price rows.
type PriceStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PriceStore writes scraped price observations into Postgres.
type PriceStore struct {
	pool  execCloser
	table string
}

// NewPriceStore creates a Postgres-backed PriceStore using the provided config.
func NewPriceStore(ctx context.Context, cfg PriceStoreConfig) (*PriceStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "prices"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PriceStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewPriceStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPriceStoreWithPool(pool execCloser, table string) (*PriceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "prices"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PriceStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PriceStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertPrice appends one price observation. Failed scrapes are stored too,
// with a NULL price and the error text, so coverage gaps stay visible.
func (s *PriceStore) InsertPrice(ctx context.Context, runID uuid.UUID, retailer string, res scrape.Result) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("price store is not configured")
	}
	if res.GTIN == "" {
		return fmt.Errorf("result gtin is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	retailer,
	gtin,
	price,
	product_url,
	error,
	cached,
	scraped_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		uuid.New(),
		runID,
		retailer,
		res.GTIN,
		res.Price,
		res.ProductURL,
		res.Err,
		res.Cached,
		res.Timestamp,
		res.Duration.Milliseconds(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert price: %w", err)
	}
	return nil
}
