// Package db is the SQLite persistence layer: footprint bars, daily volume
// profiles, session levels, VWAP accumulators, OI snapshots, depth deltas
// and liquidations, with a single-writer write-behind queue.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"orderflow-mcp/internal/logger"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection.
type Store struct {
	sql *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{sql: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	version := 0
	// Try to read current version
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			-- Price levels are stored as canonical decimal strings so the
			-- unique key matches exactly; volumes are numeric for the
			-- additive upserts.
			CREATE TABLE IF NOT EXISTS footprint_1m (
				symbol      TEXT NOT NULL,
				timestamp   INTEGER NOT NULL,
				price_level TEXT NOT NULL,
				buy_volume  REAL NOT NULL DEFAULT 0,
				sell_volume REAL NOT NULL DEFAULT 0,
				trade_count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, timestamp, price_level)
			);
			CREATE INDEX IF NOT EXISTS idx_footprint_ts ON footprint_1m(symbol, timestamp);

			CREATE TABLE IF NOT EXISTS daily_trades (
				symbol      TEXT NOT NULL,
				date        TEXT NOT NULL,
				price_level TEXT NOT NULL,
				volume      REAL NOT NULL DEFAULT 0,
				buy_volume  REAL NOT NULL DEFAULT 0,
				sell_volume REAL NOT NULL DEFAULT 0,
				notional    REAL NOT NULL DEFAULT 0,
				trade_count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, date, price_level)
			);

			CREATE TABLE IF NOT EXISTS session_levels (
				symbol    TEXT NOT NULL,
				date      TEXT NOT NULL,
				session   TEXT NOT NULL,
				high      TEXT,
				low       TEXT,
				high_time INTEGER,
				low_time  INTEGER,
				volume    REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, date, session)
			);

			CREATE TABLE IF NOT EXISTS vwap_data (
				symbol        TEXT NOT NULL,
				date          TEXT NOT NULL,
				cumulative_pv TEXT NOT NULL,
				cumulative_v  TEXT NOT NULL,
				last_update   INTEGER NOT NULL,
				PRIMARY KEY (symbol, date)
			);

			CREATE TABLE IF NOT EXISTS oi_snapshots (
				symbol        TEXT NOT NULL,
				timestamp     INTEGER NOT NULL,
				open_interest TEXT NOT NULL,
				PRIMARY KEY (symbol, timestamp)
			);

			CREATE TABLE IF NOT EXISTS depth_delta (
				symbol     TEXT NOT NULL,
				timestamp  INTEGER NOT NULL,
				percent    REAL NOT NULL,
				mid_price  TEXT NOT NULL,
				bid_volume TEXT NOT NULL,
				ask_volume TEXT NOT NULL,
				net_volume TEXT NOT NULL,
				PRIMARY KEY (symbol, timestamp)
			);

			CREATE TABLE IF NOT EXISTS liquidations (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol     TEXT NOT NULL,
				side       TEXT NOT NULL,
				price      TEXT NOT NULL,
				avg_price  TEXT NOT NULL,
				orig_qty   TEXT NOT NULL,
				filled_qty TEXT NOT NULL,
				timestamp  INTEGER NOT NULL,
				status     TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_liq_symbol_ts ON liquidations(symbol, timestamp);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1")
	}

	return nil
}
