package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// RecordIncident inserts an incident row, returning its assigned id.
func (s *Store) RecordIncident(ctx context.Context, inc model.Incident) (int64, error) {
	var patternID any
	if inc.PatternID != nil {
		patternID = *inc.PatternID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (project_id, task_id, category, severity, pattern_id, root_cause, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.ProjectID, inc.TaskID, inc.Category, inc.Severity, patternID, inc.RootCause, inc.Resolution)
	if err != nil {
		return 0, errors.Wrap(err, "insert incident")
	}
	return res.LastInsertId()
}

// ListIncidentsForTask returns every incident recorded against a task, used
// by AutoRecovery to decide whether a failure streak warrants escalation.
func (s *Store) ListIncidentsForTask(ctx context.Context, projectID, taskID string) ([]model.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, task_id, category, severity, pattern_id, root_cause, resolution, occurred_at
		FROM incidents WHERE project_id = ? AND task_id = ? ORDER BY occurred_at`, projectID, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "query incidents")
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		var patternID sql.NullInt64
		if err := rows.Scan(&inc.ID, &inc.ProjectID, &inc.TaskID, &inc.Category, &inc.Severity,
			&patternID, &inc.RootCause, &inc.Resolution, &inc.OccurredAt); err != nil {
			return nil, errors.Wrap(err, "scan incident")
		}
		if patternID.Valid {
			inc.PatternID = &patternID.Int64
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
