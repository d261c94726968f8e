package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// ListActiveBugPatterns returns patterns eligible for prompt injection:
// global (project_id NULL) plus ones scoped to projectID.
func (s *Store) ListActiveBugPatterns(ctx context.Context, projectID string) ([]model.BugPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, pattern_type, severity, solution,
			occurrence_count, total_injections, related_failures, effectiveness_score, status
		FROM bug_patterns
		WHERE status = ? AND (project_id IS NULL OR project_id = ?)
		ORDER BY effectiveness_score DESC`, model.BugPatternActive, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "query bug patterns")
	}
	defer rows.Close()

	var out []model.BugPattern
	for rows.Next() {
		bp, err := scanBugPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// RecordInjection bumps total_injections each time a pattern is included in
// a Worker prompt, and related_failures when the resulting task still fails.
func (s *Store) RecordInjection(ctx context.Context, id int64, taskFailed bool) error {
	query := `UPDATE bug_patterns SET total_injections = total_injections + 1`
	if taskFailed {
		query += `, related_failures = related_failures + 1`
	}
	query += ` WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, id)
	return errors.Wrap(err, "record bug pattern injection")
}

// RecalculateEffectiveness recomputes effectiveness_score as the inverse
// failure rate among injections, the signal that demotes ineffective
// patterns toward ARCHIVED.
func (s *Store) RecalculateEffectiveness(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bug_patterns
		SET effectiveness_score = CASE WHEN total_injections = 0 THEN 0
			ELSE 1.0 - (CAST(related_failures AS REAL) / total_injections) END
		WHERE id = ?`, id)
	return errors.Wrap(err, "recalculate effectiveness")
}

// AddBugPattern inserts a newly learned pattern.
func (s *Store) AddBugPattern(ctx context.Context, bp model.BugPattern) error {
	var projectID any
	if bp.ProjectID != nil {
		projectID = *bp.ProjectID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bug_patterns (project_id, title, description, pattern_type, severity, solution, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID, bp.Title, bp.Description, bp.PatternType, bp.Severity, bp.Solution, model.BugPatternActive)
	return errors.Wrap(err, "insert bug pattern")
}

func scanBugPattern(rows *sql.Rows) (model.BugPattern, error) {
	var bp model.BugPattern
	var projectID sql.NullString
	if err := rows.Scan(&bp.ID, &projectID, &bp.Title, &bp.Description, &bp.PatternType, &bp.Severity,
		&bp.Solution, &bp.OccurrenceCount, &bp.TotalInjections, &bp.RelatedFailures,
		&bp.EffectivenessScore, &bp.Status); err != nil {
		return model.BugPattern{}, errors.Wrap(err, "scan bug pattern")
	}
	if projectID.Valid {
		bp.ProjectID = &projectID.String
	}
	return bp, nil
}
