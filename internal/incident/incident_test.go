package incident

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

type fakeStore struct {
	patterns  []model.ErrorPattern
	incidents []model.Incident
}

func (f *fakeStore) ListErrorPatterns(ctx context.Context) ([]model.ErrorPattern, error) {
	return f.patterns, nil
}
func (f *fakeStore) RecordIncident(ctx context.Context, inc model.Incident) (int64, error) {
	inc.ID = int64(len(f.incidents) + 1)
	f.incidents = append(f.incidents, inc)
	return inc.ID, nil
}
func (f *fakeStore) ListIncidentsForTask(ctx context.Context, projectID, taskID string) ([]model.Incident, error) {
	var out []model.Incident
	for _, i := range f.incidents {
		if i.TaskID == taskID {
			out = append(out, i)
		}
	}
	return out, nil
}

func TestAnalyzeMatchesPattern(t *testing.T) {
	fs := &fakeStore{patterns: []model.ErrorPattern{
		{ID: 1, PatternName: "rate_limit", Regex: "rate.?limit", Category: model.ErrorRetryable, RecommendedAction: model.ActionRetry, MaxRetries: 3},
	}}
	c := NewClassifier(fs)

	a, err := c.Analyze(context.Background(), "received 429 Rate Limited from upstream")
	require.NoError(t, err)
	require.NotNil(t, a.PatternID)
	assert.Equal(t, int64(1), *a.PatternID)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, model.ActionRetry, a.RecommendedAction)
}

func TestAnalyzeFallsBackToHeuristic(t *testing.T) {
	fs := &fakeStore{}
	c := NewClassifier(fs)

	a, err := c.Analyze(context.Background(), "fatal: disk full")
	require.NoError(t, err)
	assert.Nil(t, a.PatternID)
	assert.Equal(t, model.ErrorSystem, a.Category)
	assert.Less(t, a.Confidence, 1.0)
}

func TestAnalyzeHeuristicRetryable(t *testing.T) {
	fs := &fakeStore{}
	c := NewClassifier(fs)

	a, err := c.Analyze(context.Background(), "connection Error while dialing")
	require.NoError(t, err)
	assert.Equal(t, model.ErrorRetryable, a.Category)
}

func TestAnalyzeCachesPatterns(t *testing.T) {
	fs := &fakeStore{patterns: []model.ErrorPattern{
		{ID: 1, PatternName: "x", Regex: "boom", Category: model.ErrorSystem, RecommendedAction: model.ActionSkip},
	}}
	c := NewClassifier(fs)

	_, err := c.Analyze(context.Background(), "boom")
	require.NoError(t, err)

	fs.patterns = nil // mutate the backing store; cached classifier should not notice
	a, err := c.Analyze(context.Background(), "boom")
	require.NoError(t, err)
	assert.NotNil(t, a.PatternID)

	c.Invalidate()
	a2, err := c.Analyze(context.Background(), "boom")
	require.NoError(t, err)
	assert.Nil(t, a2.PatternID)
}

func TestRecordPersistsIncident(t *testing.T) {
	fs := &fakeStore{}
	id, err := Record(context.Background(), fs, "proj", "TASK_001", model.IncidentWorker, model.SeverityMedium,
		Analysis{PatternName: "rate_limit", Category: model.ErrorRetryable}, "retried")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Len(t, fs.incidents, 1)
	assert.Contains(t, fs.incidents[0].RootCause, "rate_limit")
}
