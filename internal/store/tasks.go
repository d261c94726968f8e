package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t model.Task) error {
	files, err := json.Marshal(t.TargetFiles)
	if err != nil {
		return errors.Wrap(err, "marshal target_files")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, order_id, title, description, status, priority,
			assignee, recommended_model, complexity, target_files, is_destructive_db_change)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.OrderID, t.Title, t.Description, t.Status, t.Priority,
		t.Assignee, t.RecommendedModel, t.Complexity, string(files), t.IsDestructiveDBChange)
	return errors.Wrap(err, "insert task")
}

// GetTask fetches one task by composite key.
func (s *Store) GetTask(ctx context.Context, projectID, taskID string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ? AND project_id = ?`, taskID, projectID)
	return scanTask(row)
}

// ListTasksByOrder returns every task belonging to an order.
func (s *Store) ListTasksByOrder(ctx context.Context, projectID, orderID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE project_id = ? AND order_id = ? ORDER BY id`, projectID, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "query tasks by order")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListReadyTasks returns QUEUED or REWORK tasks whose dependencies are all
// COMPLETED, the query the Parallel Task Detector selects launch candidates
// from.
func (s *Store) ListReadyTasks(ctx context.Context, projectID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE project_id = ? AND status IN (?, ?)
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_task_id AND dep.project_id = d.project_id
			WHERE d.project_id = tasks.project_id AND d.task_id = tasks.id
			AND dep.status != ?
		)
		ORDER BY priority, id`, projectID, model.TaskQueued, model.TaskRework, model.TaskCompleted)
	if err != nil {
		return nil, errors.Wrap(err, "query ready tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns every task in a project currently in the given
// status, used by the Daemon's orphan-detection and ESCALATED-timeout
// sweeps where the candidate set isn't tied to one order.
func (s *Store) ListTasksByStatus(ctx context.Context, projectID string, status model.TaskStatus) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE project_id = ? AND status = ? ORDER BY id`, projectID, status)
	if err != nil {
		return nil, errors.Wrap(err, "query tasks by status")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus sets a task's status and touches updated_at. Callers are
// expected to have validated the transition via internal/transition first.
func (s *Store) UpdateTaskStatus(ctx context.Context, projectID, taskID string, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, status, taskID, projectID)
	if err != nil {
		return errors.Wrap(err, "update task status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ValidationError{Field: "task_id", Reason: "no such task: " + taskID}
	}
	return nil
}

// IncrementRejectCount bumps reject_count by one, used on DONE->REWORK.
func (s *Store) IncrementRejectCount(ctx context.Context, projectID, taskID string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET reject_count = reject_count + 1, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, taskID, projectID)
	if err != nil {
		return 0, errors.Wrap(err, "increment reject_count")
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT reject_count FROM tasks WHERE id = ? AND project_id = ?`, taskID, projectID).Scan(&n)
	return n, errors.Wrap(err, "read reject_count")
}

// SetRecommendedModel is used by the auto-escalation rule (REWORK ->
// IN_PROGRESS with reject_count >= 2).
func (s *Store) SetRecommendedModel(ctx context.Context, projectID, taskID string, m model.Model) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET recommended_model = ?, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, m, taskID, projectID)
	return errors.Wrap(err, "update recommended_model")
}

// SetStaticAnalysisScore persists the Worker's static-analysis post-hook
// score. It does not touch reviewed_at — that's a separate claim the
// Reviewer makes for itself, and conflating the two would make every task
// look already-reviewed the moment its Worker run finishes.
func (s *Store) SetStaticAnalysisScore(ctx context.Context, projectID, taskID string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET static_analysis_score = ?, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, score, taskID, projectID)
	return errors.Wrap(err, "set static analysis score")
}

// MarkReviewed claims the review: sets reviewed_at so a second concurrent
// Reviewer invocation sees the precondition already violated.
func (s *Store) MarkReviewed(ctx context.Context, projectID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET reviewed_at = datetime('now'), updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, taskID, projectID)
	return errors.Wrap(err, "mark reviewed")
}

// ClearReviewedAt un-claims a task's review on REWORK->IN_PROGRESS re-entry,
// so it becomes reviewable again once the Worker's rework run finishes.
func (s *Store) ClearReviewedAt(ctx context.Context, projectID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET reviewed_at = NULL, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, taskID, projectID)
	return errors.Wrap(err, "clear reviewed_at")
}

// ResetRejectCount zeroes reject_count, used when a PM redesign succeeds and
// the task re-enters QUEUED for a clean retry.
func (s *Store) ResetRejectCount(ctx context.Context, projectID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET reject_count = 0, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, taskID, projectID)
	return errors.Wrap(err, "reset reject_count")
}

const taskSelect = `
	SELECT id, project_id, order_id, title, description, status, priority, assignee,
		recommended_model, complexity, target_files, is_destructive_db_change,
		reject_count, reviewed_at, static_analysis_score, created_at, updated_at
	FROM tasks`

func scanTasks(rows *sql.Rows) ([]model.Task, error) {
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var files string
	var reviewedAt sql.NullTime
	var score sql.NullFloat64
	if err := row.Scan(&t.ID, &t.ProjectID, &t.OrderID, &t.Title, &t.Description, &t.Status,
		&t.Priority, &t.Assignee, &t.RecommendedModel, &t.Complexity, &files,
		&t.IsDestructiveDBChange, &t.RejectCount, &reviewedAt, &score, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, apperr.ValidationError{Field: "task_id", Reason: "not found"}
		}
		return model.Task{}, errors.Wrap(err, "scan task")
	}
	if err := json.Unmarshal([]byte(files), &t.TargetFiles); err != nil {
		return model.Task{}, errors.Wrap(err, "unmarshal target_files")
	}
	if reviewedAt.Valid {
		t.ReviewedAt = &reviewedAt.Time
	}
	if score.Valid {
		t.StaticAnalysisScore = &score.Float64
	}
	return t, nil
}
