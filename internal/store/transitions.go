package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// ListTransitionRules loads the active rule set for an entity type. The
// Transition Engine treats this table as the sole source of truth — it never
// hardcodes the state chart in Go.
func (s *Store) ListTransitionRules(ctx context.Context, entity model.EntityType) ([]model.StatusTransitionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, from_status, to_status, allowed_role, is_active, description
		FROM status_transitions WHERE entity_type = ? AND is_active = 1`, entity)
	if err != nil {
		return nil, errors.Wrap(err, "query transition rules")
	}
	defer rows.Close()

	var out []model.StatusTransitionRule
	for rows.Next() {
		var r model.StatusTransitionRule
		var from sql.NullString
		if err := rows.Scan(&r.ID, &r.EntityType, &from, &r.ToStatus, &r.AllowedRole, &r.IsActive, &r.Description); err != nil {
			return nil, errors.Wrap(err, "scan transition rule")
		}
		if from.Valid {
			v := from.String
			r.FromStatus = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddTransitionRule inserts a new rule row, used by operators extending the
// state chart without a schema migration.
func (s *Store) AddTransitionRule(ctx context.Context, r model.StatusTransitionRule) error {
	var from any
	if r.FromStatus != nil {
		from = *r.FromStatus
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_transitions (entity_type, from_status, to_status, allowed_role, is_active, description)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.EntityType, from, r.ToStatus, r.AllowedRole, r.IsActive, r.Description)
	return errors.Wrap(err, "insert transition rule")
}
