package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, p model.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, active, current_order_id)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Active, nullString(p.CurrentOrderID))
	return errors.Wrap(err, "insert project")
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, active, current_order_id, created_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns every known project.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, active, current_order_id, created_at
		FROM projects ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query projects")
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetCurrentOrder updates which order a project is actively working.
func (s *Store) SetCurrentOrder(ctx context.Context, projectID string, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET current_order_id = ? WHERE id = ?`, orderID, projectID)
	if err != nil {
		return errors.Wrap(err, "update current order")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ValidationError{Field: "project_id", Reason: "no such project: " + projectID}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (model.Project, error) {
	var p model.Project
	var currentOrder sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Active, &currentOrder, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Project{}, apperr.ValidationError{Field: "project_id", Reason: "not found"}
		}
		return model.Project{}, errors.Wrap(err, "scan project")
	}
	p.CurrentOrderID = currentOrder.String
	return p, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
