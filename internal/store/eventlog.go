package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppendEvent appends an audit event with a monotonically increasing
// per-entity sequence. The single-connection pool serializes writers, so the
// sequence read and insert cannot interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE entity_type = ? AND entity_id = ?`,
		event.EntityType, event.EntityID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (entity_type, entity_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.EntityType, event.EntityID, event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storeErr("event", event.Type, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// ListEvents returns audit events matching filter, oldest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, entity_type, entity_id, event_type, payload, timestamp, sequence FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("events", "", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload sql.NullString
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.Timestamp = ts
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
