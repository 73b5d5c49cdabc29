// Package store persists observed rate-limit rule state in SQLite so that
// cooldowns and window counters survive process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lewta/admit/internal/ratelimit"
)

const driverSQLite = "sqlite"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rate_limit_rules (
		scope TEXT NOT NULL,
		max_hits INTEGER NOT NULL,
		period_s INTEGER NOT NULL,
		restricted_s INTEGER NOT NULL,
		position INTEGER NOT NULL,
		observed_at INTEGER,
		hits INTEGER NOT NULL DEFAULT 0,
		current_period_ms INTEGER NOT NULL DEFAULT 0,
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, max_hits, period_s, restricted_s)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_rules_scope ON rate_limit_rules(scope, position);`,
}

// Store wraps the database connection.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	s := &Store{DB: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Migrate ensures the required tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}
	return nil
}

// SaveScope upserts every rule of scope in a single transaction, keyed by
// the rule's identity.
func (s *Store) SaveScope(ctx context.Context, scope string, rules []ratelimit.RuleState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return errors.New("scope is required")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rate_limit_rules
			(scope, max_hits, period_s, restricted_s, position, observed_at, hits, current_period_ms, cooldown_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, max_hits, period_s, restricted_s) DO UPDATE SET
			position = excluded.position,
			observed_at = excluded.observed_at,
			hits = excluded.hits,
			current_period_ms = excluded.current_period_ms,
			cooldown_ms = excluded.cooldown_ms
	`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()

	for i, r := range rules {
		var observedAt sql.NullInt64
		if !r.ObservedAt.IsZero() {
			observedAt = sql.NullInt64{Int64: r.ObservedAt.UTC().UnixMilli(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			scope,
			r.MaxHits,
			int64(r.Identity.Period/time.Second),
			int64(r.Restricted/time.Second),
			i,
			observedAt,
			r.Hits,
			r.Snapshot.Period.Milliseconds(),
			r.Cooldown.Milliseconds(),
		); err != nil {
			return fmt.Errorf("store rule %s/%s: %w", scope, r.Identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load returns every persisted rule grouped by scope, in saved order.
func (s *Store) Load(ctx context.Context) (map[string][]ratelimit.RuleState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT scope, max_hits, period_s, restricted_s, observed_at, hits, current_period_ms, cooldown_ms
		FROM rate_limit_rules
		ORDER BY scope, position
	`)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]ratelimit.RuleState)
	for rows.Next() {
		var (
			scope                       string
			maxHits, hits               int
			periodS, restrictedS        int64
			observedAt                  sql.NullInt64
			currentPeriodMs, cooldownMs int64
		)
		if err := rows.Scan(&scope, &maxHits, &periodS, &restrictedS, &observedAt, &hits, &currentPeriodMs, &cooldownMs); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		st := ratelimit.RuleState{
			Identity: ratelimit.Identity{
				MaxHits:    maxHits,
				Period:     time.Duration(periodS) * time.Second,
				Restricted: time.Duration(restrictedS) * time.Second,
			},
			Snapshot: ratelimit.Snapshot{
				Hits:     hits,
				Period:   time.Duration(currentPeriodMs) * time.Millisecond,
				Cooldown: time.Duration(cooldownMs) * time.Millisecond,
			},
		}
		if observedAt.Valid {
			st.ObservedAt = time.UnixMilli(observedAt.Int64).UTC()
		}
		out[scope] = append(out[scope], st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("store path is required")
	}
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}
