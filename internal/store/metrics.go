package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// InitMetrics creates (or resets) the metrics row for a rule.
func (s *LocalStore) InitMetrics(ctx context.Context, ruleID string, confidence float64, ttlExpiresAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rule_metrics (
			rule_id, execution_count, success_count, failure_count,
			confidence, created_at, ttl_expires_at
		) VALUES (?, 0, 0, 0, ?, ?, ?)
	`, ruleID, confidence,
		time.Now().UTC().Format(timeLayout),
		ttlExpiresAt.UTC().Format(timeLayout))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to init metrics for rule %s: %v", ruleID, err)
		return err
	}
	return nil
}

// GetMetrics returns the metrics row for a rule, or nil if none exists.
func (s *LocalStore) GetMetrics(ctx context.Context, ruleID string) (*types.RuleMetrics, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectMetrics+` WHERE rule_id = ?`, ruleID)
	m, err := scanMetricsRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics for rule %s: %w", ruleID, err)
	}
	return m, nil
}

// GetAllMetrics returns every metrics row, highest confidence first.
func (s *LocalStore) GetAllMetrics(ctx context.Context) ([]types.RuleMetrics, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectMetrics+` ORDER BY confidence DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var all []types.RuleMetrics
	for rows.Next() {
		m, err := scanMetricsRow(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping malformed metrics row: %v", err)
			continue
		}
		all = append(all, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

// MutateMetrics runs a read-modify-write cycle on one rule's metrics under the
// store's write lock, which is what keeps concurrent outcome reports for the
// same rule from losing updates.
func (s *LocalStore) MutateMetrics(ctx context.Context, ruleID string, fn func(*types.RuleMetrics)) (*types.RuleMetrics, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, selectMetrics+` WHERE rule_id = ?`, ruleID)
	m, err := scanMetricsRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics for rule %s: %w", ruleID, err)
	}

	fn(m)

	var lastExecuted, ttl any
	if m.LastExecuted != nil {
		lastExecuted = m.LastExecuted.UTC().Format(timeLayout)
	}
	if m.TTLExpiresAt != nil {
		ttl = m.TTLExpiresAt.UTC().Format(timeLayout)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE rule_metrics
		SET execution_count = ?, success_count = ?, failure_count = ?,
		    confidence = ?, last_executed = ?, average_execution_time = ?,
		    user_feedback = ?, ttl_expires_at = ?
		WHERE rule_id = ?
	`, m.ExecutionCount, m.SuccessCount, m.FailureCount,
		m.Confidence, lastExecuted, m.AverageExecutionTime,
		m.UserFeedback, ttl, m.RuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to write metrics for rule %s: %w", ruleID, err)
	}
	return m, nil
}

// DecayAllConfidence multiplies every positive confidence by (1 - rate) in a
// single statement and returns the ids of enabled rules now below the floor.
func (s *LocalStore) DecayAllConfidence(ctx context.Context, rate, floor float64) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin decay sweep: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE rule_metrics
		SET confidence = MAX(0, confidence * (1 - ?))
		WHERE confidence > 0
	`, rate); err != nil {
		return nil, fmt.Errorf("failed to apply decay: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT rm.rule_id
		FROM rule_metrics rm
		JOIN rules r ON r.id = rm.rule_id
		WHERE rm.confidence < ? AND r.enabled = 1
	`, floor)
	if err != nil {
		return nil, fmt.Errorf("failed to find sub-floor rules: %w", err)
	}
	var below []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			below = append(below, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return below, nil
}

// DisableExpiredRules disables enabled rules whose TTL has passed while their
// confidence is still below the floor. Returns how many rules were disabled.
func (s *LocalStore) DisableExpiredRules(ctx context.Context, floor float64) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("local store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET enabled = 0, updated_at = ?
		WHERE enabled = 1 AND id IN (
			SELECT rule_id FROM rule_metrics
			WHERE ttl_expires_at IS NOT NULL AND ttl_expires_at < ? AND confidence < ?
		)
	`, time.Now().UTC().Format(timeLayout),
		time.Now().UTC().Format(timeLayout), floor)
	if err != nil {
		return 0, fmt.Errorf("failed to disable expired rules: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RulesNeedingAttention returns enabled rules with low confidence (< 0.5) or
// a TTL expiring within 24 hours, weakest first.
func (s *LocalStore) RulesNeedingAttention(ctx context.Context) ([]types.RuleMetrics, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	soon := time.Now().Add(24 * time.Hour).UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT rm.rule_id, rm.execution_count, rm.success_count, rm.failure_count,
		       rm.confidence, rm.last_executed, rm.average_execution_time,
		       rm.user_feedback, rm.created_at, rm.ttl_expires_at
		FROM rule_metrics rm
		JOIN rules r ON r.id = rm.rule_id
		WHERE r.enabled = 1
		  AND (rm.confidence < 0.5 OR (rm.ttl_expires_at IS NOT NULL AND rm.ttl_expires_at < ?))
		ORDER BY rm.confidence ASC, rm.ttl_expires_at ASC
	`, soon)
	if err != nil {
		return nil, fmt.Errorf("failed to query attention list: %w", err)
	}
	defer rows.Close()

	var all []types.RuleMetrics
	for rows.Next() {
		m, err := scanMetricsRow(rows)
		if err != nil {
			continue
		}
		all = append(all, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

// ConfidenceStats summarizes the confidence landscape across all rules.
type ConfidenceStats struct {
	TotalRules          int
	EnabledRules        int
	AverageConfidence   float64
	HighConfidenceRules int // > 0.8
	LowConfidenceRules  int // < 0.5
	ExpiringSoonRules   int // TTL < 24h away
}

// GetConfidenceStats computes aggregate confidence statistics.
func (s *LocalStore) GetConfidenceStats(ctx context.Context) (ConfidenceStats, error) {
	if s == nil || s.db == nil {
		return ConfidenceStats{}, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	soon := time.Now().Add(24 * time.Hour).UTC().Format(timeLayout)
	var stats ConfidenceStats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN r.enabled = 1 THEN 1 ELSE 0 END),
		       AVG(rm.confidence),
		       SUM(CASE WHEN rm.confidence > 0.8 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN rm.confidence < 0.5 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN rm.ttl_expires_at IS NOT NULL AND rm.ttl_expires_at < ? THEN 1 ELSE 0 END)
		FROM rules r
		JOIN rule_metrics rm ON r.id = rm.rule_id
	`, soon).Scan(
		&stats.TotalRules,
		&nullInt{&stats.EnabledRules},
		&avg,
		&nullInt{&stats.HighConfidenceRules},
		&nullInt{&stats.LowConfidenceRules},
		&nullInt{&stats.ExpiringSoonRules},
	)
	if err != nil {
		return ConfidenceStats{}, fmt.Errorf("failed to compute stats: %w", err)
	}
	if avg.Valid {
		stats.AverageConfidence = avg.Float64
	}
	return stats, nil
}

const selectMetrics = `
	SELECT rule_id, execution_count, success_count, failure_count,
	       confidence, last_executed, average_execution_time,
	       user_feedback, created_at, ttl_expires_at
	FROM rule_metrics
`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetricsRow(row rowScanner) (*types.RuleMetrics, error) {
	var m types.RuleMetrics
	var lastExecuted, feedback, ttl sql.NullString
	var avgExec sql.NullFloat64
	var createdAt string

	err := row.Scan(
		&m.RuleID, &m.ExecutionCount, &m.SuccessCount, &m.FailureCount,
		&m.Confidence, &lastExecuted, &avgExec,
		&feedback, &createdAt, &ttl,
	)
	if err != nil {
		return nil, err
	}

	if lastExecuted.Valid && lastExecuted.String != "" {
		if t, err := parseStoredTime(lastExecuted.String); err == nil {
			m.LastExecuted = &t
		}
	}
	if avgExec.Valid {
		m.AverageExecutionTime = avgExec.Float64
	}
	m.UserFeedback = feedback.String
	if t, err := parseStoredTime(createdAt); err == nil {
		m.CreatedAt = t
	}
	if ttl.Valid && ttl.String != "" {
		if t, err := parseStoredTime(ttl.String); err == nil {
			m.TTLExpiresAt = &t
		}
	}
	return &m, nil
}

// nullInt scans a SUM() that may be NULL on an empty table.
type nullInt struct{ p *int }

func (n *nullInt) Scan(v any) error {
	if v == nil {
		*n.p = 0
		return nil
	}
	switch x := v.(type) {
	case int64:
		*n.p = int(x)
	case float64:
		*n.p = int(x)
	default:
		return fmt.Errorf("unexpected sum type %T", v)
	}
	return nil
}
