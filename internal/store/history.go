package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// RecordChange appends an audit row. Change history is insert-only; nothing
// ever updates or deletes a row here.
func (s *Store) RecordChange(ctx context.Context, c model.ChangeHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_history (project_id, entity_type, entity_id, field_name, old_value,
			new_value, changed_by, change_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ProjectID, c.EntityType, c.EntityID, c.FieldName, c.OldValue, c.NewValue,
		c.ChangedBy, c.ChangeReason)
	return errors.Wrap(err, "insert change history")
}

// ListHistory returns the audit trail for one entity, oldest first.
func (s *Store) ListHistory(ctx context.Context, projectID string, entity model.EntityType, entityID string) ([]model.ChangeHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, entity_type, entity_id, field_name, old_value, new_value,
			changed_by, change_reason, changed_at
		FROM change_history
		WHERE project_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY id`, projectID, entity, entityID)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	var out []model.ChangeHistory
	for rows.Next() {
		var c model.ChangeHistory
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.EntityType, &c.EntityID, &c.FieldName,
			&c.OldValue, &c.NewValue, &c.ChangedBy, &c.ChangeReason, &c.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "scan change history")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
