// Package bugpattern exposes the learned-pattern injection logic the Worker
// prompt builder uses and the feedback loop that keeps effectiveness_score
// honest as patterns either earn their keep or get archived.
package bugpattern

import (
	"context"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	ListActiveBugPatterns(ctx context.Context, projectID string) ([]model.BugPattern, error)
	RecordInjection(ctx context.Context, id int64, taskFailed bool) error
	RecalculateEffectiveness(ctx context.Context, id int64) error
	AddBugPattern(ctx context.Context, bp model.BugPattern) error
}

// archiveThreshold is the effectiveness_score floor below which a pattern
// with enough injections to be statistically meaningful stops being
// suggested for prompt injection, even though it stays ACTIVE in storage
// until an operator archives it explicitly (no auto-ARCHIVE transition is
// named in the rule table).
const archiveThreshold = 0.2

// minSampleSize is the number of injections required before effectiveness
// is trusted enough to suppress a pattern.
const minSampleSize = 5

// Library selects the patterns eligible for injection into one Worker
// prompt and records the injection/outcome feedback loop.
type Library struct {
	store Store
}

func NewLibrary(store Store) *Library {
	return &Library{store: store}
}

// SelectForInjection returns the ACTIVE patterns worth injecting into a
// task's prompt, filtering out patterns with enough history to show they
// aren't helping.
func (l *Library) SelectForInjection(ctx context.Context, projectID string) ([]model.BugPattern, error) {
	all, err := l.store.ListActiveBugPatterns(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]model.BugPattern, 0, len(all))
	for _, p := range all {
		if p.TotalInjections >= minSampleSize && p.EffectivenessScore < archiveThreshold {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// RecordOutcome is called once per injected pattern after a Worker run
// concludes, bumping total_injections (and related_failures when the task
// still failed) and refreshing effectiveness_score.
func (l *Library) RecordOutcome(ctx context.Context, patternID int64, taskFailed bool) error {
	if err := l.store.RecordInjection(ctx, patternID, taskFailed); err != nil {
		return err
	}
	return l.store.RecalculateEffectiveness(ctx, patternID)
}

// Learn records a newly discovered failure signature as a fresh ACTIVE
// pattern, used when AutoRecovery or a human operator identifies a
// recurring bug that error_patterns doesn't cover yet.
func (l *Library) Learn(ctx context.Context, bp model.BugPattern) error {
	return l.store.AddBugPattern(ctx, bp)
}
