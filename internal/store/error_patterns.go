package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// ListErrorPatterns loads every known failure signature, used by AutoRecovery
// to classify a Runner error before deciding RETRY/SKIP/ROLLBACK/ESCALATE.
func (s *Store) ListErrorPatterns(ctx context.Context) ([]model.ErrorPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern_name, regex, category, recommended_action, max_retries
		FROM error_patterns ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query error patterns")
	}
	defer rows.Close()

	var out []model.ErrorPattern
	for rows.Next() {
		var p model.ErrorPattern
		if err := rows.Scan(&p.ID, &p.PatternName, &p.Regex, &p.Category, &p.RecommendedAction, &p.MaxRetries); err != nil {
			return nil, errors.Wrap(err, "scan error pattern")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddErrorPattern inserts a new signature. internal/recovery does not call
// it; AutoRecovery only classifies against the rows already present.
func (s *Store) AddErrorPattern(ctx context.Context, p model.ErrorPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_patterns (pattern_name, regex, category, recommended_action, max_retries)
		VALUES (?, ?, ?, ?, ?)`, p.PatternName, p.Regex, p.Category, p.RecommendedAction, p.MaxRetries)
	return errors.Wrap(err, "insert error pattern")
}
