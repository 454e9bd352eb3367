// Package store provides SQLite persistence for the homebrain reasoning core:
// the event log (read side), mined event patterns, automation rules and their
// metrics. One LocalStore guards a single database with an RWMutex; writers
// for the same rule therefore serialize, which is what keeps confidence
// updates atomic under concurrent outcome reports.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width UTC format. Width matters: stored timestamps
// are compared as strings in SQL, and variable-length fractional seconds
// would break the ordering.
const timeLayout = "2006-01-02 15:04:05.000000000"

// LocalStore wraps the homebrain SQLite database.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore opens (creating if needed) the SQLite database at path.
// Use ":memory:" for tests.
func NewLocalStore(path string) (*LocalStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the foreign_keys pragma is per-connection, and a pooled
	// ":memory:" handle would otherwise open several independent databases.
	db.SetMaxOpenConns(1)

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	// Event log. Written by the ingestion side, read-only for the engines.
	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		state TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id, event_type);
	`

	// Mined patterns, upserted keyed by the trigger/effect pair.
	patternsTable := `
	CREATE TABLE IF NOT EXISTS event_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_device_id TEXT NOT NULL,
		trigger_event_type TEXT NOT NULL,
		effect_device_id TEXT NOT NULL,
		effect_event_type TEXT NOT NULL,
		time_delay_seconds INTEGER NOT NULL,
		confidence REAL NOT NULL,
		frequency INTEGER NOT NULL,
		total_occurrences INTEGER NOT NULL,
		consistency REAL NOT NULL,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(trigger_device_id, trigger_event_type, effect_device_id, effect_event_type)
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_confidence ON event_patterns(confidence DESC);
	CREATE INDEX IF NOT EXISTS idx_patterns_trigger ON event_patterns(trigger_device_id, trigger_event_type);
	`

	// Automation rules. Conditions/actions are JSON columns; schedule holds a
	// cron expression for schedule-triggered rules.
	rulesTable := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		trigger_type TEXT NOT NULL,
		trigger_device_id TEXT,
		trigger_event_type TEXT,
		trigger_action TEXT,
		conditions TEXT,
		actions TEXT,
		schedule TEXT,
		confidence REAL DEFAULT 0.0,
		enabled INTEGER DEFAULT 0,
		created_by TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_triggered DATETIME,
		trigger_count INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled);
	CREATE INDEX IF NOT EXISTS idx_rules_trigger ON rules(trigger_event_type, trigger_device_id);
	`

	// Rule metrics, 1:1 with rules. The confidence manager is the only writer
	// of confidence and ttl_expires_at.
	metricsTable := `
	CREATE TABLE IF NOT EXISTS rule_metrics (
		rule_id TEXT PRIMARY KEY,
		execution_count INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0.5,
		last_executed DATETIME,
		average_execution_time REAL,
		user_feedback TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ttl_expires_at DATETIME,
		FOREIGN KEY (rule_id) REFERENCES rules(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_confidence ON rule_metrics(confidence DESC);
	CREATE INDEX IF NOT EXISTS idx_metrics_ttl ON rule_metrics(ttl_expires_at);
	`

	for _, ddl := range []string{eventsTable, patternsTable, rulesTable, metricsTable} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	// Cascade from rules to rule_metrics needs foreign keys on.
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// GetDB exposes the underlying handle for stats and tests.
func (s *LocalStore) GetDB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// GetStats returns row counts for each table.
func (s *LocalStore) GetStats() (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	for _, table := range []string{"events", "event_patterns", "rules", "rule_metrics"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
