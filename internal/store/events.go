package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// EmitEvent inserts a durable event row. Events back the adaptive poller in
// internal/events, whose poll interval resets to its minimum when it finds
// unconsumed events and grows while none arrive.
func (s *Store) EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (project_id, event_type, task_id, payload)
		VALUES (?, ?, ?, ?)`, projectID, typ, taskID, payload)
	return errors.Wrap(err, "emit event")
}

// PollUnconsumedEvents returns unconsumed events oldest-first, up to limit.
func (s *Store) PollUnconsumedEvents(ctx context.Context, projectID string, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, event_type, task_id, payload, emitted_at, consumed_at
		FROM events WHERE project_id = ? AND consumed_at IS NULL
		ORDER BY id LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "poll events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var consumedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Type, &e.TaskID, &e.Payload, &e.EmittedAt, &consumedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if consumedAt.Valid {
			e.ConsumedAt = &consumedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkConsumed stamps consumed_at so the event won't be redelivered.
func (s *Store) MarkConsumed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET consumed_at = datetime('now') WHERE id = ?`, id)
	return errors.Wrap(err, "mark event consumed")
}
