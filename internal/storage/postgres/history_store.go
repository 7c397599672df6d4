// Package postgres provides Postgres-backed persistence
// implementations for the durable job history and team limits.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlops/crawlward/internal/crawl"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// HistoryStoreConfig controls the Postgres connection pool backing the
// job-history store.
type HistoryStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// HistoryStore reads job rows that outlive the work queue's retention.
type HistoryStore struct {
	pool querier
}

// NewHistoryStore creates a Postgres-backed HistoryStore.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
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
	return &HistoryStore{pool: pool}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewHistoryStoreWithPool(pool querier) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HistoryStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *HistoryStore) Close() {
	s.pool.Close()
}

const historicalJobColumns = `id, crawl_id, team_id, status, scrape_options, created_at, failed_reason`

// GetHistoricalJob returns the durable row for a job evicted from the
// live queue, or crawl.ErrNotFound.
func (s *HistoryStore) GetHistoricalJob(ctx context.Context, id string) (*crawl.HistoricalJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+historicalJobColumns+` FROM scrape_jobs WHERE id = $1`, id)
	job, err := scanHistoricalJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("historical job %s: %w", id, crawl.ErrNotFound)
		}
		return nil, fmt.Errorf("get historical job %s: %w", id, err)
	}
	return job, nil
}

// MostRecentJobForCrawl returns the newest job row recorded for the
// crawl, or crawl.ErrNotFound when the crawl never produced one.
func (s *HistoryStore) MostRecentJobForCrawl(ctx context.Context, crawlID string) (*crawl.HistoricalJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+historicalJobColumns+` FROM scrape_jobs
		 WHERE crawl_id = $1 ORDER BY created_at DESC LIMIT 1`, crawlID)
	job, err := scanHistoricalJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("jobs for crawl %s: %w", crawlID, crawl.ErrNotFound)
		}
		return nil, fmt.Errorf("most recent job for crawl %s: %w", crawlID, err)
	}
	return job, nil
}

func scanHistoricalJob(row pgx.Row) (*crawl.HistoricalJob, error) {
	var (
		job        crawl.HistoricalJob
		crawlID    *string
		status     string
		optionsRaw []byte
		reason     *string
	)
	if err := row.Scan(&job.ID, &crawlID, &job.TeamID, &status, &optionsRaw, &job.CreatedAt, &reason); err != nil {
		return nil, err
	}
	if crawlID != nil {
		job.CrawlID = *crawlID
	}
	job.Status = crawl.JobStatus(status)
	job.FailedReason = reason
	if len(optionsRaw) > 0 {
		if err := json.Unmarshal(optionsRaw, &job.Options); err != nil {
			return nil, fmt.Errorf("decode scrape_options: %w", err)
		}
	}
	return &job, nil
}
