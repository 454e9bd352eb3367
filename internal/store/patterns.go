package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// UpsertPatterns replaces patterns keyed by their trigger/effect pair, all in
// one transaction so a cancelled sweep never leaves a half-applied batch.
func (s *LocalStore) UpsertPatterns(ctx context.Context, patterns []types.EventPattern) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}
	if len(patterns) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pattern upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO event_patterns (
			trigger_device_id, trigger_event_type,
			effect_device_id, effect_event_type,
			time_delay_seconds, confidence, frequency, total_occurrences,
			consistency, last_seen, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_device_id, trigger_event_type, effect_device_id, effect_event_type)
		DO UPDATE SET
			time_delay_seconds = excluded.time_delay_seconds,
			confidence = excluded.confidence,
			frequency = excluded.frequency,
			total_occurrences = excluded.total_occurrences,
			consistency = excluded.consistency,
			last_seen = excluded.last_seen
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare pattern upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range patterns {
		_, err := stmt.ExecContext(ctx,
			p.Trigger.DeviceID, p.Trigger.EventType,
			p.Effect.DeviceID, p.Effect.EventType,
			int(p.TimeDelay/time.Second), p.Confidence, p.Frequency, p.TotalOccurrences,
			p.Consistency,
			p.LastSeen.UTC().Format(timeLayout),
			p.Created.UTC().Format(timeLayout),
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to upsert pattern %s: %v", p.Key(), err)
			return err
		}
	}
	return tx.Commit()
}

// GetPatternsForTrigger returns patterns for a (device, event type) trigger at
// or above minConfidence, ordered by confidence then frequency descending.
func (s *LocalStore) GetPatternsForTrigger(ctx context.Context, deviceID, eventType string, minConfidence float64) ([]types.EventPattern, error) {
	return s.queryPatterns(ctx, `
		SELECT trigger_device_id, trigger_event_type, effect_device_id, effect_event_type,
		       time_delay_seconds, confidence, frequency, total_occurrences, consistency,
		       last_seen, created_at
		FROM event_patterns
		WHERE trigger_device_id = ? AND trigger_event_type = ? AND confidence >= ?
		ORDER BY confidence DESC, frequency DESC
	`, deviceID, eventType, minConfidence)
}

// GetHighConfidencePatterns returns the top patterns at or above
// minConfidence, ordered by confidence then frequency descending.
func (s *LocalStore) GetHighConfidencePatterns(ctx context.Context, minConfidence float64, limit int) ([]types.EventPattern, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryPatterns(ctx, `
		SELECT trigger_device_id, trigger_event_type, effect_device_id, effect_event_type,
		       time_delay_seconds, confidence, frequency, total_occurrences, consistency,
		       last_seen, created_at
		FROM event_patterns
		WHERE confidence >= ?
		ORDER BY confidence DESC, frequency DESC
		LIMIT ?
	`, minConfidence, limit)
}

func (s *LocalStore) queryPatterns(ctx context.Context, query string, args ...any) ([]types.EventPattern, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []types.EventPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping malformed pattern row: %v", err)
			continue
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

func scanPattern(rows *sql.Rows) (types.EventPattern, error) {
	var p types.EventPattern
	var delaySeconds int64
	var lastSeen, created string
	err := rows.Scan(
		&p.Trigger.DeviceID, &p.Trigger.EventType,
		&p.Effect.DeviceID, &p.Effect.EventType,
		&delaySeconds, &p.Confidence, &p.Frequency, &p.TotalOccurrences,
		&p.Consistency, &lastSeen, &created,
	)
	if err != nil {
		return types.EventPattern{}, err
	}
	p.TimeDelay = time.Duration(delaySeconds) * time.Second
	if t, err := parseStoredTime(lastSeen); err == nil {
		p.LastSeen = t
	}
	if t, err := parseStoredTime(created); err == nil {
		p.Created = t
	}
	return p, nil
}
