package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
)

// AcquireLocks attempts to lease every path in paths for taskID, atomically.
// If any path is already held by a different task, nothing is acquired and
// an apperr.LockConflictError names every conflicting path and its current
// owner — acquire-all-or-none per spec.md §4.3.
func (s *Store) AcquireLocks(ctx context.Context, projectID, taskID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		owned := map[string]string{}
		for _, p := range paths {
			var owner string
			err := tx.QueryRowContext(ctx, `
				SELECT task_id FROM file_locks WHERE project_id = ? AND file_path = ?`, projectID, p).Scan(&owner)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				continue
			case err != nil:
				return errors.Wrap(err, "check existing lock")
			case owner != taskID:
				owned[p] = owner
			}
		}
		if len(owned) > 0 {
			conflicting := make([]string, 0, len(owned))
			for p := range owned {
				conflicting = append(conflicting, p)
			}
			return apperr.LockConflictError{Paths: conflicting, OwnedBy: owned}
		}

		for _, p := range paths {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO file_locks (project_id, file_path, task_id)
				VALUES (?, ?, ?)`, projectID, p, taskID); err != nil {
				return errors.Wrapf(err, "acquire lock %s", p)
			}
		}
		return nil
	})
}

// ReleaseLocks drops every lock held by taskID, called on any IN_PROGRESS
// exit regardless of the destination status.
func (s *Store) ReleaseLocks(ctx context.Context, projectID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM file_locks WHERE project_id = ? AND task_id = ?`, projectID, taskID)
	return errors.Wrap(err, "release locks")
}

// ConflictsForPaths reports, for each path already locked by a task other
// than taskID, who holds it — the advisory check the Detector runs before
// attempting a launch (spec.md §4.3 checkConflicts).
func (s *Store) ConflictsForPaths(ctx context.Context, projectID, taskID string, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := map[string]string{}
	for _, p := range paths {
		var owner string
		err := s.db.QueryRowContext(ctx, `
			SELECT task_id FROM file_locks WHERE project_id = ? AND file_path = ?`, projectID, p).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return nil, errors.Wrap(err, "check path conflict")
		case owner != taskID:
			out[p] = owner
		}
	}
	return out, nil
}

// LocksForTask lists the paths currently held by a task.
func (s *Store) LocksForTask(ctx context.Context, projectID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path FROM file_locks WHERE project_id = ? AND task_id = ? ORDER BY file_path`,
		projectID, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "query locks for task")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
