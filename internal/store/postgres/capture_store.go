// Package postgres writes the capture ledger to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-capture/internal/capture"
)

const defaultTable = "captures"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// schema creates the ledger table when it does not exist yet.
const schema = `
CREATE TABLE IF NOT EXISTS %s (
	id                 TEXT PRIMARY KEY,
	url                TEXT NOT NULL,
	bucket             TEXT NOT NULL,
	original_html_key  TEXT NOT NULL,
	rewritten_html_key TEXT NOT NULL,
	method_used        TEXT NOT NULL,
	asset_count        INTEGER NOT NULL,
	url_map            JSONB NOT NULL,
	content_sha256     TEXT NOT NULL DEFAULT '',
	captured_at        TIMESTAMPTZ NOT NULL
)`

// CaptureStoreConfig controls the connection pool backing the ledger.
type CaptureStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// EnsureSchema creates the table on startup.
	EnsureSchema bool
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// CaptureStore implements capture.RecordStore.
type CaptureStore struct {
	pool  execCloser
	table string
}

// NewCaptureStore connects to Postgres using cfg.
func NewCaptureStore(ctx context.Context, cfg CaptureStoreConfig) (*CaptureStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	s := &CaptureStore{pool: pool, table: table}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewCaptureStoreWithPool wraps an existing pool (primarily for testing).
func NewCaptureStoreWithPool(pool execCloser, table string) (*CaptureStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &CaptureStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the ledger table if needed.
func (s *CaptureStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, s.table)); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Close releases the pool.
func (s *CaptureStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertCapture writes one ledger row.
func (s *CaptureStore) InsertCapture(ctx context.Context, record capture.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("capture store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	urlMap := record.URLMap
	if urlMap == nil {
		urlMap = map[string]string{}
	}
	urlMapJSON, err := json.Marshal(urlMap)
	if err != nil {
		return fmt.Errorf("marshal url map: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	bucket,
	original_html_key,
	rewritten_html_key,
	method_used,
	asset_count,
	url_map,
	content_sha256,
	captured_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		record.ID,
		record.URL,
		record.Bucket,
		record.OriginalHTMLKey,
		record.RewrittenHTMLKey,
		record.MethodUsed,
		assetCount(urlMap),
		urlMapJSON,
		record.ContentHash,
		record.CapturedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// assetCount counts distinct rehosted locations; several spellings of one
// asset share a location.
func assetCount(urlMap map[string]string) int {
	seen := make(map[string]struct{}, len(urlMap))
	for _, loc := range urlMap {
		seen[loc] = struct{}{}
	}
	return len(seen)
}
