package store

import (
	"context"

	"github.com/pkg/errors"
)

// OrphanRef is a foreign-key reference pointing at a row that no longer
// exists, the raw shape every FK check below returns.
type OrphanRef struct {
	EntityID  string
	ProjectID string
	RefField  string
	RefValue  string
}

// OrphanOrders returns orders whose project_id has no matching project row.
func (s *Store) OrphanOrders(ctx context.Context) ([]OrphanRef, error) {
	return s.queryOrphans(ctx, `
		SELECT o.id, o.project_id, o.project_id
		FROM orders o LEFT JOIN projects p ON o.project_id = p.id
		WHERE p.id IS NULL`, "project_id")
}

// OrphanTasksByProject returns tasks whose project_id has no matching project row.
func (s *Store) OrphanTasksByProject(ctx context.Context) ([]OrphanRef, error) {
	return s.queryOrphans(ctx, `
		SELECT t.id, t.project_id, t.project_id
		FROM tasks t LEFT JOIN projects p ON t.project_id = p.id
		WHERE p.id IS NULL`, "project_id")
}

// OrphanTasksByOrder returns tasks whose order_id has no matching order row.
func (s *Store) OrphanTasksByOrder(ctx context.Context) ([]OrphanRef, error) {
	return s.queryOrphans(ctx, `
		SELECT t.id, t.project_id, t.order_id
		FROM tasks t LEFT JOIN orders o ON t.order_id = o.id AND t.project_id = o.project_id
		WHERE o.id IS NULL`, "order_id")
}

// OrphanTaskDependencies returns dependency edges pointing at a task that no
// longer exists.
func (s *Store) OrphanTaskDependencies(ctx context.Context) ([]OrphanRef, error) {
	return s.queryOrphans(ctx, `
		SELECT td.task_id, td.project_id, td.depends_on_task_id
		FROM task_dependencies td
		LEFT JOIN tasks t ON td.depends_on_task_id = t.id AND td.project_id = t.project_id
		WHERE t.id IS NULL`, "depends_on_task_id")
}

// OrphanBacklogItems returns backlog rows whose project_id has no matching
// project row.
func (s *Store) OrphanBacklogItems(ctx context.Context) ([]OrphanRef, error) {
	return s.queryOrphans(ctx, `
		SELECT b.id, b.project_id, b.project_id
		FROM backlog_items b LEFT JOIN projects p ON b.project_id = p.id
		WHERE p.id IS NULL`, "project_id")
}

// OrphanBacklogOrders returns backlog rows whose related_order_id points at
// an order that doesn't exist.
func (s *Store) OrphanBacklogOrders(ctx context.Context) ([]OrphanRef, error) {
	return s.queryOrphans(ctx, `
		SELECT b.id, b.project_id, b.related_order_id
		FROM backlog_items b
		LEFT JOIN orders o ON b.related_order_id = o.id AND b.project_id = o.project_id
		WHERE b.related_order_id IS NOT NULL AND o.id IS NULL`, "related_order_id")
}

func (s *Store) queryOrphans(ctx context.Context, query, refField string) ([]OrphanRef, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "query orphans")
	}
	defer rows.Close()

	var out []OrphanRef
	for rows.Next() {
		var o OrphanRef
		o.RefField = refField
		if err := rows.Scan(&o.EntityID, &o.ProjectID, &o.RefValue); err != nil {
			return nil, errors.Wrap(err, "scan orphan")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DuplicateKey is a composite (id, project_id) that appears more than once
// in a table the schema declares PRIMARY KEY on — should be unreachable
// through normal inserts, but a verifier checks it anyway rather than
// trusting the constraint blindly.
type DuplicateKey struct {
	Table     string
	ID        string
	ProjectID string
	Count     int
}

// DuplicateCompositeKeys scans orders, tasks, and backlog_items for
// (id, project_id) collisions.
func (s *Store) DuplicateCompositeKeys(ctx context.Context) ([]DuplicateKey, error) {
	var out []DuplicateKey
	for _, table := range []string{"orders", "tasks", "backlog_items"} {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, project_id, COUNT(*) FROM `+table+`
			GROUP BY id, project_id HAVING COUNT(*) > 1`)
		if err != nil {
			return nil, errors.Wrapf(err, "query duplicate keys in %s", table)
		}
		for rows.Next() {
			var d DuplicateKey
			d.Table = table
			if err := rows.Scan(&d.ID, &d.ProjectID, &d.Count); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan duplicate key")
			}
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// StatusRow is a raw (entity_id, project_id, status) triple, used by the
// status-validity check against the Go-side enum of legal values.
type StatusRow struct {
	ID        string
	ProjectID string
	Status    string
}

func (s *Store) statusRows(ctx context.Context, table string) ([]StatusRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, status FROM `+table)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s statuses", table)
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Status); err != nil {
			return nil, errors.Wrap(err, "scan status row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AllOrderStatuses(ctx context.Context) ([]StatusRow, error) {
	return s.statusRows(ctx, "orders")
}

func (s *Store) AllTaskStatuses(ctx context.Context) ([]StatusRow, error) {
	return s.statusRows(ctx, "tasks")
}

func (s *Store) AllBacklogStatuses(ctx context.Context) ([]StatusRow, error) {
	return s.statusRows(ctx, "backlog_items")
}

// StatusTransitionHistoryRow is one status-field change_history entry,
// joined against nothing — the caller matches it against the rule table
// it already loaded via ListTransitionRules.
type StatusTransitionHistoryRow struct {
	EntityType string
	EntityID   string
	FromStatus string // empty means "no prior value" (initial transition)
	ToStatus   string
	ChangedAt  string
}

// StatusChangeHistory returns every status-field change_history row, oldest
// first, the same set the Transition Engine's rule table should explain.
func (s *Store) StatusChangeHistory(ctx context.Context) ([]StatusTransitionHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, old_value, new_value, changed_at
		FROM change_history
		WHERE field_name = 'status'
		ORDER BY entity_type, entity_id, changed_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query status change history")
	}
	defer rows.Close()

	var out []StatusTransitionHistoryRow
	for rows.Next() {
		var r StatusTransitionHistoryRow
		if err := rows.Scan(&r.EntityType, &r.EntityID, &r.FromStatus, &r.ToStatus, &r.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "scan status change history row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskDepRow names a task and one of its dependencies' statuses, the shape
// the dependency-consistency check (I2) needs.
type TaskDepRow struct {
	TaskID       string
	ProjectID    string
	TaskStatus   string
	DependsOnID  string
	DependStatus string
}

// IncompleteDependenciesForNonBlockedTasks returns, for every task NOT in
// BLOCKED status, each dependency edge whose target is not COMPLETED. A row
// here on a task in {IN_PROGRESS, DONE, COMPLETED} is an I2 violation; on a
// task in any other status internal/verify reports it at INFO severity.
func (s *Store) IncompleteDependenciesForNonBlockedTasks(ctx context.Context) ([]TaskDepRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.project_id, t.status, td.depends_on_task_id, dep.status
		FROM tasks t
		JOIN task_dependencies td ON t.id = td.task_id AND t.project_id = td.project_id
		JOIN tasks dep ON td.depends_on_task_id = dep.id AND td.project_id = dep.project_id
		WHERE t.status != 'BLOCKED' AND dep.status != 'COMPLETED'`)
	if err != nil {
		return nil, errors.Wrap(err, "query incomplete dependencies")
	}
	defer rows.Close()

	var out []TaskDepRow
	for rows.Next() {
		var r TaskDepRow
		if err := rows.Scan(&r.TaskID, &r.ProjectID, &r.TaskStatus, &r.DependsOnID, &r.DependStatus); err != nil {
			return nil, errors.Wrap(err, "scan task dep row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BlockedTasksWithNoOutstandingDependency returns BLOCKED tasks whose
// dependencies are all COMPLETED, meaning the Dependency Resolver should
// have already moved them to QUEUED.
func (s *Store) BlockedTasksWithNoOutstandingDependency(ctx context.Context) ([]StatusRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.project_id, t.status
		FROM tasks t
		WHERE t.status = 'BLOCKED'
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies td
			JOIN tasks dep ON td.depends_on_task_id = dep.id AND td.project_id = dep.project_id
			WHERE td.task_id = t.id AND td.project_id = t.project_id
			AND dep.status != 'COMPLETED'
		)`)
	if err != nil {
		return nil, errors.Wrap(err, "query incorrectly blocked tasks")
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Status); err != nil {
			return nil, errors.Wrap(err, "scan blocked task row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LockRow is one file_locks row joined against its owning task's status.
type LockRow struct {
	ProjectID  string
	FilePath   string
	TaskID     string
	TaskStatus string
}

// LocksOnNonRunningTasks returns file_locks rows whose owning task is not
// IN_PROGRESS, the I1 invariant check.
func (s *Store) LocksOnNonRunningTasks(ctx context.Context) ([]LockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.project_id, l.file_path, l.task_id, t.status
		FROM file_locks l
		JOIN tasks t ON l.task_id = t.id AND l.project_id = t.project_id
		WHERE t.status != 'IN_PROGRESS'`)
	if err != nil {
		return nil, errors.Wrap(err, "query locks on non-running tasks")
	}
	defer rows.Close()

	var out []LockRow
	for rows.Next() {
		var r LockRow
		if err := rows.Scan(&r.ProjectID, &r.FilePath, &r.TaskID, &r.TaskStatus); err != nil {
			return nil, errors.Wrap(err, "scan lock row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReviewedTasksInPreReviewStatus returns tasks that carry a reviewed_at
// timestamp despite being back in a status that should have cleared it
// (QUEUED, BLOCKED, or IN_PROGRESS), the I3 invariant check: reviewed_at
// may only be cleared on REWORK->IN_PROGRESS, never silently left stale.
func (s *Store) ReviewedTasksInPreReviewStatus(ctx context.Context) ([]StatusRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, status FROM tasks
		WHERE reviewed_at IS NOT NULL AND status IN ('QUEUED', 'BLOCKED', 'IN_PROGRESS')`)
	if err != nil {
		return nil, errors.Wrap(err, "query stale reviewed_at")
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Status); err != nil {
			return nil, errors.Wrap(err, "scan stale reviewed_at row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BacklogOrderStatusRow pairs a backlog item with its related order's
// status, for the "order completed but backlog not DONE" check.
type BacklogOrderStatusRow struct {
	BacklogID     string
	ProjectID     string
	BacklogStatus string
	OrderID       string
	OrderStatus   string
}

// BacklogInconsistentWithCompletedOrder returns backlog items whose related
// order has reached COMPLETED while the backlog item itself hasn't.
func (s *Store) BacklogInconsistentWithCompletedOrder(ctx context.Context) ([]BacklogOrderStatusRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.project_id, b.status, b.related_order_id, o.status
		FROM backlog_items b
		JOIN orders o ON b.related_order_id = o.id AND b.project_id = o.project_id
		WHERE o.status = 'COMPLETED' AND b.status != 'DONE'`)
	if err != nil {
		return nil, errors.Wrap(err, "query inconsistent backlog status")
	}
	defer rows.Close()

	var out []BacklogOrderStatusRow
	for rows.Next() {
		var r BacklogOrderStatusRow
		if err := rows.Scan(&r.BacklogID, &r.ProjectID, &r.BacklogStatus, &r.OrderID, &r.OrderStatus); err != nil {
			return nil, errors.Wrap(err, "scan backlog/order status row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskArtifactRow is the subset of a completed task's fields the artifact
// presence check needs, joined against its owning project's filesystem path.
type TaskArtifactRow struct {
	TaskID      string
	ProjectID   string
	OrderID     string
	Status      string
	ProjectPath string
}

// CompletedTaskArtifactCandidates returns every task in DONE or COMPLETED,
// joined with its project's on-disk path.
func (s *Store) CompletedTaskArtifactCandidates(ctx context.Context) ([]TaskArtifactRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.project_id, t.order_id, t.status, p.path
		FROM tasks t
		JOIN projects p ON t.project_id = p.id
		WHERE t.status IN ('DONE', 'COMPLETED')`)
	if err != nil {
		return nil, errors.Wrap(err, "query completed task artifact candidates")
	}
	defer rows.Close()

	var out []TaskArtifactRow
	for rows.Next() {
		var r TaskArtifactRow
		if err := rows.Scan(&r.TaskID, &r.ProjectID, &r.OrderID, &r.Status, &r.ProjectPath); err != nil {
			return nil, errors.Wrap(err, "scan task artifact row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
