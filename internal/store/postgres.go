package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Schema is applied on connect. Every statement is idempotent.
var Schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS products_position_seq`,
	`CREATE TABLE IF NOT EXISTS products (
		keyword               TEXT        NOT NULL,
		search_keyword        TEXT        NOT NULL DEFAULT '',
		position              BIGINT      NOT NULL DEFAULT nextval('products_position_seq'),
		id                    TEXT        NOT NULL,
		title                 TEXT        NOT NULL,
		price                 DOUBLE PRECISION,
		rating                DOUBLE PRECISION,
		review_count          INTEGER     NOT NULL DEFAULT 0,
		purchased_last_month  INTEGER     NOT NULL DEFAULT 0,
		is_expedited_shipping BOOLEAN     NOT NULL DEFAULT FALSE,
		brand                 TEXT        NOT NULL DEFAULT '',
		category              TEXT        NOT NULL DEFAULT '',
		seller                TEXT        NOT NULL DEFAULT '',
		url                   TEXT        NOT NULL DEFAULT '',
		scraped_at            TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (keyword, id)
	)`,
	`ALTER TABLE products ADD COLUMN IF NOT EXISTS search_keyword TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE products ADD COLUMN IF NOT EXISTS position BIGINT NOT NULL DEFAULT nextval('products_position_seq')`,
	`CREATE INDEX IF NOT EXISTS products_keyword_scraped_idx ON products (keyword, scraped_at)`,
	`CREATE TABLE IF NOT EXISTS scrape_runs (
		id            TEXT PRIMARY KEY,
		keyword       TEXT        NOT NULL,
		status        TEXT        NOT NULL,
		product_count INTEGER     NOT NULL DEFAULT 0,
		attempts      INTEGER     NOT NULL DEFAULT 0,
		error         TEXT        NOT NULL DEFAULT '',
		started_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS scrape_runs_keyword_idx ON scrape_runs (keyword, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS reports (
		seq        BIGSERIAL PRIMARY KEY,
		keyword    TEXT        NOT NULL,
		payload    JSONB       NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reports_keyword_idx ON reports (keyword, seq DESC)`,
}

const (
	upsertProductSQL = `INSERT INTO products (
		keyword, search_keyword, id, title, price, rating, review_count, purchased_last_month,
		is_expedited_shipping, brand, category, seller, url, scraped_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (keyword, id) DO UPDATE SET
		search_keyword = EXCLUDED.search_keyword,
		position = EXCLUDED.position,
		title = EXCLUDED.title,
		price = EXCLUDED.price,
		rating = EXCLUDED.rating,
		review_count = EXCLUDED.review_count,
		purchased_last_month = EXCLUDED.purchased_last_month,
		is_expedited_shipping = EXCLUDED.is_expedited_shipping,
		brand = EXCLUDED.brand,
		category = EXCLUDED.category,
		seller = EXCLUDED.seller,
		url = EXCLUDED.url,
		scraped_at = EXCLUDED.scraped_at`

	selectProductsSQL = `SELECT search_keyword, id, title, price, rating, review_count, purchased_last_month,
		is_expedited_shipping, brand, category, seller, url, scraped_at
	FROM products
	WHERE keyword = $1 AND scraped_at >= $2
	ORDER BY position`

	upsertRunSQL = `INSERT INTO scrape_runs (
		id, keyword, status, product_count, attempts, error, started_at, completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		product_count = EXCLUDED.product_count,
		attempts = EXCLUDED.attempts,
		error = EXCLUDED.error,
		completed_at = EXCLUDED.completed_at`

	selectRunsSQL = `SELECT id, keyword, status, product_count, attempts, error, started_at, completed_at
	FROM scrape_runs
	WHERE keyword = $1
	ORDER BY started_at DESC
	LIMIT $2`

	insertReportSQL = `INSERT INTO reports (keyword, payload, created_at) VALUES ($1, $2, $3)`

	selectReportsSQL = `SELECT payload FROM reports
	WHERE keyword = $1
	ORDER BY seq DESC
	LIMIT $2`
)

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool      *pgxpool.Pool
	freshness time.Duration
	now       clock
}

// NewPostgresStore connects, pings and applies Schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, freshness time.Duration) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, freshness: freshness, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// LoadExisting implements Store.
func (s *PostgresStore) LoadExisting(ctx context.Context, keyword string, minCount int) ([]model.Product, error) {
	key := NormalizeKeyword(keyword)
	rows, err := s.pool.Query(ctx, selectProductsSQL, key, s.now.cutoff(s.freshness))
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(
			&p.Keyword, &p.ID, &p.Title, &p.Price, &p.Rating, &p.ReviewCount, &p.PurchasedLastMonth,
			&p.IsExpeditedShipping, &p.Brand, &p.Category, &p.Seller, &p.URL, &p.ScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if p.Keyword == "" {
			p.Keyword = key
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(products) < minCount || len(products) == 0 {
		return nil, nil
	}
	return products, nil
}

// SaveBatch implements Store with one round trip per batch.
func (s *PostgresStore) SaveBatch(ctx context.Context, products []model.Product) error {
	if len(products) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, p := range products {
		b.Queue(upsertProductSQL, productArgs(p)...)
	}

	br := s.pool.SendBatch(ctx, b)
	for range products {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to upsert product: %w", err)
		}
	}
	return br.Close()
}

// SaveRun implements Store.
func (s *PostgresStore) SaveRun(ctx context.Context, run model.ScrapeRun) error {
	if _, err := s.pool.Exec(ctx, upsertRunSQL, runArgs(run)...); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Runs implements Store.
func (s *PostgresStore) Runs(ctx context.Context, keyword string, limit int) ([]model.ScrapeRun, error) {
	rows, err := s.pool.Query(ctx, selectRunsSQL, NormalizeKeyword(keyword), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ScrapeRun
	for rows.Next() {
		var r model.ScrapeRun
		var status string
		if err := rows.Scan(&r.ID, &r.Keyword, &status, &r.ProductCount, &r.Attempts,
			&r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = model.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveReport implements Store.
func (s *PostgresStore) SaveReport(ctx context.Context, report *model.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if _, err := s.pool.Exec(ctx, insertReportSQL, NormalizeKeyword(report.Keyword), payload, report.CreatedAt); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// History implements Store.
func (s *PostgresStore) History(ctx context.Context, keyword string, limit int) ([]model.Report, error) {
	rows, err := s.pool.Query(ctx, selectReportsSQL, NormalizeKeyword(keyword), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var r model.Report
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// productArgs orders a product's columns for upsertProductSQL. The
// normalized keyword is the lookup key; the keyword as searched is kept
// alongside it.
func productArgs(p model.Product) []any {
	return []any{
		NormalizeKeyword(p.Keyword), p.Keyword, p.ID, p.Title, p.Price, p.Rating,
		p.ReviewCount, p.PurchasedLastMonth, p.IsExpeditedShipping,
		p.Brand, p.Category, p.Seller, p.URL, p.ScrapedAt,
	}
}

// runArgs orders a run's columns for upsertRunSQL.
func runArgs(r model.ScrapeRun) []any {
	return []any{
		r.ID, NormalizeKeyword(r.Keyword), string(r.Status), r.ProductCount,
		r.Attempts, r.Error, r.StartedAt, r.CompletedAt,
	}
}

// sqlLimit maps a non-positive limit to no limit. LIMIT NULL is unbounded.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
