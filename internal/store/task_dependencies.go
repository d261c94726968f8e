package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// AddTaskDependency records a task_id -> depends_on_task_id edge.
func (s *Store) AddTaskDependency(ctx context.Context, d model.TaskDependency) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies (project_id, task_id, depends_on_task_id)
		VALUES (?, ?, ?)`, d.ProjectID, d.TaskID, d.DependsOnTaskID)
	return errors.Wrap(err, "insert task dependency")
}

// ListDependencies returns the tasks that must complete before taskID can run.
func (s *Store) ListDependencies(ctx context.Context, projectID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_task_id FROM task_dependencies
		WHERE project_id = ? AND task_id = ?`, projectID, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "query dependencies")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListDependents returns the tasks that depend on taskID, used when a task
// completes and the Dependency Resolver needs to re-check who's unblocked.
func (s *Store) ListDependents(ctx context.Context, projectID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id FROM task_dependencies
		WHERE project_id = ? AND depends_on_task_id = ?`, projectID, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "query dependents")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
