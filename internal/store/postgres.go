// Package store provides Postgres-backed persistence for harvested reports.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore persists normalized records with an idempotent upsert keyed
// on the article URL.
type PostgresStore struct {
	pool   pgxPool
	retry  harvest.RetryPolicy
	logger *zap.Logger
}

// New creates a Postgres-backed store using the provided config.
func New(ctx context.Context, cfg Config, retry harvest.RetryPolicy, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return &PostgresStore{pool: pool, retry: retry, logger: logger}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, retry harvest.RetryPolicy, logger *zap.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool, retry: retry, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping reports connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store is not configured")
	}
	return s.pool.Ping(ctx)
}

const upsertArticleSQL = `
INSERT INTO articles (
	url,
	site,
	article_type,
	title,
	posted_date,
	country,
	iso3,
	latitude,
	longitude,
	geo_resolved,
	language,
	relevance,
	tags,
	content_kind,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now()
)
ON CONFLICT (url) DO UPDATE SET
	site = EXCLUDED.site,
	article_type = EXCLUDED.article_type,
	title = EXCLUDED.title,
	posted_date = EXCLUDED.posted_date,
	country = EXCLUDED.country,
	iso3 = EXCLUDED.iso3,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	geo_resolved = EXCLUDED.geo_resolved,
	language = EXCLUDED.language,
	relevance = EXCLUDED.relevance,
	tags = EXCLUDED.tags,
	content_kind = EXCLUDED.content_kind,
	updated_at = now()
RETURNING id`

// Upsert writes the record and its dependent rows in a single transaction.
// Re-harvesting the same URL replaces the body and raw HTML instead of
// accumulating duplicates. Transient database failures are retried per the
// configured policy.
func (s *PostgresStore) Upsert(ctx context.Context, rec harvest.NormalizedRecord) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("store is not configured")
	}
	if rec.URL == "" {
		return 0, fmt.Errorf("record url is required")
	}

	var id int64
	var err error
	for attempt := 1; ; attempt++ {
		id, err = s.upsertOnce(ctx, rec)
		if err == nil {
			return id, nil
		}
		if s.retry == nil || !s.retry.ShouldRetry(err, attempt) {
			break
		}
		if s.logger != nil {
			s.logger.Warn("retrying upsert",
				zap.String("url", rec.URL),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.retry.Backoff(attempt)):
		}
	}
	return 0, harvest.CardFailure{
		URL:  rec.URL,
		Site: rec.Site,
		Kind: harvest.FailureStorageUnavailable,
		Err:  err,
	}
}

func (s *PostgresStore) upsertOnce(ctx context.Context, rec harvest.NormalizedRecord) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lat, lng any
	if rec.Geography.Resolved {
		lat, lng = rec.Geography.Lat, rec.Geography.Lng
	}
	var id int64
	err = tx.QueryRow(ctx, upsertArticleSQL,
		rec.URL,
		string(rec.Site),
		rec.ArticleType,
		rec.Title,
		rec.PostedDate,
		rec.Geography.Country,
		rec.Geography.ISO3,
		lat,
		lng,
		rec.Geography.Resolved,
		rec.Language,
		rec.Relevance,
		rec.Tags,
		string(rec.Kind),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert article: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM article_content WHERE article_id = $1`, id); err != nil {
		return 0, fmt.Errorf("clear article content: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO article_content (article_id, body_text) VALUES ($1,$2)`,
		id, rec.BodyText); err != nil {
		return 0, fmt.Errorf("insert article content: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM raw_html WHERE article_id = $1`, id); err != nil {
		return 0, fmt.Errorf("clear raw html: %w", err)
	}
	// PDF-sourced records carry no HTML; they get no raw_html row.
	if rec.RawHTML != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO raw_html (article_id, html) VALUES ($1,$2)`,
			id, rec.RawHTML); err != nil {
			return 0, fmt.Errorf("insert raw html: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return id, nil
}

// Exists reports whether an article with the given URL has been stored.
func (s *PostgresStore) Exists(ctx context.Context, url string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("store is not configured")
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM articles WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check article exists: %w", err)
	}
	return exists, nil
}
