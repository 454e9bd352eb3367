package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// AppendEvent writes one event to the log. Used by the ingestion side and by
// tests; the reasoning core itself only reads.
func (s *LocalStore) AppendEvent(ctx context.Context, ev types.Event) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}

	var state any
	if ev.State != nil {
		data, err := json.Marshal(ev.State)
		if err != nil {
			return fmt.Errorf("failed to marshal event state: %w", err)
		}
		state = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (device_id, event_type, timestamp, state)
		VALUES (?, ?, ?, ?)
	`, ev.DeviceID, ev.EventType, ev.Timestamp.UTC().Format(timeLayout), state)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append event: %v", err)
		return err
	}
	return nil
}

// ReadEvents returns events with start <= timestamp <= end, ordered by
// timestamp ascending, ties broken by insertion order.
func (s *LocalStore) ReadEvents(ctx context.Context, start, end time.Time) ([]types.Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, event_type, timestamp, state
		FROM events
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
	`, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping malformed event row: %v", err)
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (types.Event, error) {
	var ev types.Event
	var ts string
	var state sql.NullString
	if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.EventType, &ts, &state); err != nil {
		return types.Event{}, err
	}

	t, err := parseStoredTime(ts)
	if err != nil {
		return types.Event{}, fmt.Errorf("bad timestamp %q: %w", ts, err)
	}
	ev.Timestamp = t

	if state.Valid && state.String != "" {
		if err := json.Unmarshal([]byte(state.String), &ev.State); err != nil {
			return types.Event{}, fmt.Errorf("bad state payload: %w", err)
		}
	}
	return ev, nil
}

// parseStoredTime accepts the formats SQLite hands back for our DATETIME
// columns: what we write, the CURRENT_TIMESTAMP default, and RFC3339 from
// older databases. Values without a zone are UTC.
func parseStoredTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if layout == time.RFC3339Nano || layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}
