package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// CreateBacklogItem inserts a new backlog row.
func (s *Store) CreateBacklogItem(ctx context.Context, b model.BacklogItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backlog_items (id, project_id, category, priority, sort_order, status,
			related_order_id, title, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.Category, b.Priority, b.SortOrder, b.Status,
		nullString(b.RelatedOrderID), b.Title, b.Description)
	return errors.Wrap(err, "insert backlog item")
}

// GetBacklogItem fetches one backlog row by composite key.
func (s *Store) GetBacklogItem(ctx context.Context, projectID, backlogID string) (model.BacklogItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, category, priority, sort_order, status, related_order_id,
			title, description, created_at, updated_at
		FROM backlog_items WHERE id = ? AND project_id = ?`, backlogID, projectID)

	var b model.BacklogItem
	var related sql.NullString
	if err := row.Scan(&b.ID, &b.ProjectID, &b.Category, &b.Priority, &b.SortOrder, &b.Status,
		&related, &b.Title, &b.Description, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BacklogItem{}, apperr.ValidationError{Field: "backlog_id", Reason: "not found"}
		}
		return model.BacklogItem{}, errors.Wrap(err, "scan backlog item")
	}
	b.RelatedOrderID = related.String
	return b, nil
}

// ListBacklogByStatus returns backlog items in a given status, ordered by
// priority rank then sort_order — the order the Planner consumes intake in.
func (s *Store) ListBacklogByStatus(ctx context.Context, projectID string, status model.BacklogStatus) ([]model.BacklogItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, category, priority, sort_order, status, related_order_id,
			title, description, created_at, updated_at
		FROM backlog_items WHERE project_id = ? AND status = ?
		ORDER BY CASE priority WHEN 'High' THEN 0 WHEN 'Medium' THEN 1 ELSE 2 END, sort_order`,
		projectID, status)
	if err != nil {
		return nil, errors.Wrap(err, "query backlog")
	}
	defer rows.Close()

	var out []model.BacklogItem
	for rows.Next() {
		var b model.BacklogItem
		var related sql.NullString
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Category, &b.Priority, &b.SortOrder, &b.Status,
			&related, &b.Title, &b.Description, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan backlog item")
		}
		b.RelatedOrderID = related.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// LinkBacklogToOrder records which Order a backlog item spawned and marks it
// IN_PROGRESS.
func (s *Store) LinkBacklogToOrder(ctx context.Context, projectID, backlogID, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backlog_items SET related_order_id = ?, status = ?, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, orderID, model.BacklogInProgress, backlogID, projectID)
	if err != nil {
		return errors.Wrap(err, "link backlog to order")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ValidationError{Field: "backlog_id", Reason: "no such backlog item: " + backlogID}
	}
	return nil
}

// UpdateBacklogStatus transitions a backlog item's status.
func (s *Store) UpdateBacklogStatus(ctx context.Context, projectID, backlogID string, status model.BacklogStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backlog_items SET status = ?, updated_at = datetime('now')
		WHERE id = ? AND project_id = ?`, status, backlogID, projectID)
	return errors.Wrap(err, "update backlog status")
}
