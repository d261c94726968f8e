package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// CreateOrder inserts a new order row in PLANNING status.
func (s *Store) CreateOrder(ctx context.Context, o model.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, project_id, title, priority, status)
		VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.ProjectID, o.Title, o.Priority, o.Status)
	return errors.Wrap(err, "insert order")
}

// GetOrder fetches one order by composite key.
func (s *Store) GetOrder(ctx context.Context, projectID, orderID string) (model.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, priority, status, created_at, started_at, completed_at, updated_at
		FROM orders WHERE id = ? AND project_id = ?`, orderID, projectID)
	return scanOrder(row)
}

// ListOrders returns every order for a project, newest first.
func (s *Store) ListOrders(ctx context.Context, projectID string) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, priority, status, created_at, started_at, completed_at, updated_at
		FROM orders WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrderStatus transitions an order's status, stamping started_at /
// completed_at as appropriate. Callers are expected to have already checked
// the transition against internal/transition.
func (s *Store) UpdateOrderStatus(ctx context.Context, projectID, orderID string, status model.OrderStatus) error {
	var setClause string
	switch status {
	case model.OrderInProgress:
		setClause = ", started_at = COALESCE(started_at, datetime('now'))"
	case model.OrderCompleted:
		setClause = ", completed_at = datetime('now')"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = datetime('now')`+setClause+`
		WHERE id = ? AND project_id = ?`, status, orderID, projectID)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ValidationError{Field: "order_id", Reason: "no such order: " + orderID}
	}
	return nil
}

func scanOrder(row rowScanner) (model.Order, error) {
	var o model.Order
	var started, completed sql.NullTime
	if err := row.Scan(&o.ID, &o.ProjectID, &o.Title, &o.Priority, &o.Status,
		&o.CreatedAt, &started, &completed, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, apperr.ValidationError{Field: "order_id", Reason: "not found"}
		}
		return model.Order{}, errors.Wrap(err, "scan order")
	}
	if started.Valid {
		o.StartedAt = &started.Time
	}
	if completed.Valid {
		o.CompletedAt = &completed.Time
	}
	return o, nil
}
