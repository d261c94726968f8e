package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/recovery"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
)

type fakeStore struct {
	task        model.Task
	order       model.Order
	project     model.Project
	history     []model.ChangeHistory
	incidents   []model.Incident
	reviewScore       float64
	events            []model.EventType
	reviewedAtCleared int
}

func (f *fakeStore) GetTask(ctx context.Context, projectID, taskID string) (model.Task, error) {
	return f.task, nil
}
func (f *fakeStore) GetOrder(ctx context.Context, projectID, orderID string) (model.Order, error) {
	return f.order, nil
}
func (f *fakeStore) GetProject(ctx context.Context, id string) (model.Project, error) {
	return f.project, nil
}
func (f *fakeStore) ListHistory(ctx context.Context, projectID string, entity model.EntityType, entityID string) ([]model.ChangeHistory, error) {
	return f.history, nil
}
func (f *fakeStore) ListIncidentsForTask(ctx context.Context, projectID, taskID string) ([]model.Incident, error) {
	return f.incidents, nil
}
func (f *fakeStore) SetStaticAnalysisScore(ctx context.Context, projectID, taskID string, score float64) error {
	f.reviewScore = score
	return nil
}
func (f *fakeStore) ClearReviewedAt(ctx context.Context, projectID, taskID string) error {
	f.reviewedAtCleared++
	return nil
}
func (f *fakeStore) EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error {
	f.events = append(f.events, typ)
	return nil
}

type fakeFSM struct {
	transitions []string
}

func (f *fakeFSM) Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error {
	f.transitions = append(f.transitions, to)
	return nil
}

type fakeLocker struct{ released int }

func (f *fakeLocker) Release(ctx context.Context, projectID, taskID string) error {
	f.released++
	return nil
}

type fakeBugPatterns struct {
	patterns []model.BugPattern
	outcomes map[int64]bool
}

func (f *fakeBugPatterns) SelectForInjection(ctx context.Context, projectID string) ([]model.BugPattern, error) {
	return f.patterns, nil
}
func (f *fakeBugPatterns) RecordOutcome(ctx context.Context, patternID int64, taskFailed bool) error {
	if f.outcomes == nil {
		f.outcomes = map[int64]bool{}
	}
	f.outcomes[patternID] = taskFailed
	return nil
}

type fakeRecovery struct {
	called  bool
	errText string
}

func (f *fakeRecovery) Handle(ctx context.Context, projectID, taskID, errText string) (recovery.Decision, error) {
	f.called = true
	f.errText = errText
	return recovery.Decision{NextStatus: model.TaskRework}, nil
}

type fakeRunner struct {
	stdout string
	err    error
	specs  []runner.Spec
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.Spec) (runner.Result, error) {
	f.specs = append(f.specs, spec)
	return runner.Result{Stdout: f.stdout}, f.err
}

type noopVerifier struct{}

func (noopVerifier) Detect(workDir string, artifacts []string) bool { return false }
func (noopVerifier) Verify(ctx context.Context, workDir string, artifacts []string) (VerificationResult, error) {
	return VerificationResult{Passed: true}, nil
}

func newTestWorker(t *testing.T, store *fakeStore, fsm *fakeFSM, locker *fakeLocker, bugs *fakeBugPatterns, rec *fakeRecovery, rnr *fakeRunner) *Worker {
	t.Helper()
	return New(store, fsm, locker, bugs, rec, rnr, noopVerifier{}, nil, "claude", time.Minute, nil)
}

func baseTask(status model.TaskStatus) model.Task {
	return model.Task{
		ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001",
		Title: "do the thing", Description: "desc", Status: status,
		Priority: model.PriorityP1, RecommendedModel: model.ModelSonnet,
		TargetFiles: []string{"main.go"},
	}
}

func TestExecuteRunsQueuedTaskToDone(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		task:    baseTask(model.TaskQueued),
		order:   model.Order{ID: "ORDER_001", Title: "ship feature"},
		project: model.Project{ID: "proj", Path: dir},
	}
	fsm := &fakeFSM{}
	locker := &fakeLocker{}
	bugs := &fakeBugPatterns{}
	rec := &fakeRecovery{}
	rnr := &fakeRunner{stdout: "did the work, wrote files, all good, nothing more to report here at all"}

	w := newTestWorker(t, store, fsm, locker, bugs, rec, rnr)

	result, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	assert.Equal(t, []string{"IN_PROGRESS", "DONE"}, fsm.transitions)
	assert.Equal(t, 0, locker.released) // QUEUED entry never releases stale locks
	assert.False(t, rec.called)

	content, err := os.ReadFile(result.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "do the thing")
	assert.GreaterOrEqual(t, len(content), minReportBytes)
}

func TestExecuteReworkReleasesStaleLocksBeforeReassign(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		task:    baseTask(model.TaskRework),
		order:   model.Order{ID: "ORDER_001", Title: "ship feature"},
		project: model.Project{ID: "proj", Path: dir},
	}
	fsm := &fakeFSM{}
	locker := &fakeLocker{}
	bugs := &fakeBugPatterns{}
	rec := &fakeRecovery{}
	rnr := &fakeRunner{stdout: "fixed the issue, verified output is correct this time around for sure"}

	w := newTestWorker(t, store, fsm, locker, bugs, rec, rnr)

	_, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	assert.Equal(t, 1, locker.released)
	assert.Equal(t, 1, store.reviewedAtCleared)
}

// TestExecuteAcceptsDaemonPreTransitionedTask covers the handoff from
// internal/daemon's admit step, which transitions QUEUED/REWORK->IN_PROGRESS
// and only then spawns this subprocess: by the time Execute runs, the task
// it fetches is already IN_PROGRESS, and that must not be rejected as
// "not runnable".
func TestExecuteAcceptsDaemonPreTransitionedTask(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		task:    baseTask(model.TaskInProgress),
		order:   model.Order{ID: "ORDER_001", Title: "ship feature"},
		project: model.Project{ID: "proj", Path: dir},
	}
	fsm := &fakeFSM{}
	locker := &fakeLocker{}
	rnr := &fakeRunner{stdout: "did the work, wrote files, all good, nothing more to report here at all"}

	w := newTestWorker(t, store, fsm, locker, &fakeBugPatterns{}, &fakeRecovery{}, rnr)

	_, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	assert.Equal(t, 0, locker.released) // not a REWORK re-entry: no stale locks to drop
	assert.Equal(t, []string{"IN_PROGRESS", "DONE"}, fsm.transitions)
}

func TestExecutePassesRecommendedModelAndAllowedToolsToRunner(t *testing.T) {
	dir := t.TempDir()
	task := baseTask(model.TaskQueued)
	task.RecommendedModel = model.ModelOpus
	store := &fakeStore{
		task:    task,
		order:   model.Order{ID: "ORDER_001", Title: "ship feature"},
		project: model.Project{ID: "proj", Path: dir},
	}
	rnr := &fakeRunner{stdout: "did the work, wrote files, all good, nothing more to report here at all"}

	w := newTestWorker(t, store, &fakeFSM{}, &fakeLocker{}, &fakeBugPatterns{}, &fakeRecovery{}, rnr)

	_, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	require.Len(t, rnr.specs, 1)
	assert.Equal(t, model.ModelOpus, rnr.specs[0].Model)
	assert.Equal(t, runner.DefaultAllowedTools, rnr.specs[0].AllowedTools)
}

func TestExecuteRejectsNonRunnableStatus(t *testing.T) {
	store := &fakeStore{task: baseTask(model.TaskCompleted)}
	w := newTestWorker(t, store, &fakeFSM{}, &fakeLocker{}, &fakeBugPatterns{}, &fakeRecovery{}, &fakeRunner{})

	_, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
}

func TestExecuteRoutesRunnerFailureThroughRecovery(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		task:    baseTask(model.TaskQueued),
		order:   model.Order{ID: "ORDER_001"},
		project: model.Project{ID: "proj", Path: dir},
	}
	fsm := &fakeFSM{}
	rec := &fakeRecovery{}
	rnr := &fakeRunner{err: assertErr{"subprocess exploded"}}

	w := newTestWorker(t, store, fsm, &fakeLocker{}, &fakeBugPatterns{}, rec, rnr)

	_, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
	assert.True(t, rec.called)
	assert.Contains(t, rec.errText, "subprocess exploded")
	assert.Contains(t, store.events, model.EventTaskFailed)
}

func TestExecuteInjectsBugPatternsAndRecordsOutcome(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		task:    baseTask(model.TaskQueued),
		order:   model.Order{ID: "ORDER_001"},
		project: model.Project{ID: "proj", Path: dir},
	}
	bugs := &fakeBugPatterns{patterns: []model.BugPattern{
		{ID: 7, Title: "off by one", Description: "loop bound", Solution: "use <="},
	}}
	rnr := &fakeRunner{stdout: "used <= everywhere like the pattern said to do, looks solid now"}

	w := newTestWorker(t, store, &fakeFSM{}, &fakeLocker{}, bugs, &fakeRecovery{}, rnr)

	_, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	failed, ok := bugs.outcomes[7]
	require.True(t, ok)
	assert.False(t, failed)
}

func TestBuildPromptIncludesReworkHistoryAndFailureContext(t *testing.T) {
	store := &fakeStore{
		history: []model.ChangeHistory{
			{FieldName: "status", NewValue: string(model.TaskRework), ChangeReason: "missing tests", ChangedAt: time.Now()},
		},
		incidents: []model.Incident{
			{Category: model.IncidentWorker, RootCause: "panic: nil pointer", OccurredAt: time.Now()},
		},
	}
	w := newTestWorker(t, store, &fakeFSM{}, &fakeLocker{}, &fakeBugPatterns{}, &fakeRecovery{}, &fakeRunner{})

	task := baseTask(model.TaskRework)
	prompt, err := w.buildPrompt(context.Background(), task, model.Order{Title: "ship feature"}, nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "missing tests")
	assert.Contains(t, prompt, "panic: nil pointer")
	assert.Contains(t, prompt, "terminal-only")
}

func TestBuildPromptAddsMigrationSafetyNoteForDestructiveTask(t *testing.T) {
	w := newTestWorker(t, &fakeStore{}, &fakeFSM{}, &fakeLocker{}, &fakeBugPatterns{}, &fakeRecovery{}, &fakeRunner{})

	task := baseTask(model.TaskQueued)
	task.IsDestructiveDBChange = true
	prompt, err := w.buildPrompt(context.Background(), task, model.Order{}, nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "migration safety")
}

func TestScanDestructiveSQLFindsDropTable(t *testing.T) {
	dir := t.TempDir()
	sqlFile := filepath.Join(dir, "migration.sql")
	require.NoError(t, os.WriteFile(sqlFile, []byte("DROP TABLE legacy_orders;"), 0o644))

	w := newTestWorker(t, &fakeStore{}, &fakeFSM{}, &fakeLocker{}, &fakeBugPatterns{}, &fakeRecovery{}, &fakeRunner{})
	findings := w.scanDestructiveSQL(dir, []string{"migration.sql"})
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0], "migration.sql")
}

func TestReportMissingErrorOnTooSmallReport(t *testing.T) {
	dir := t.TempDir()
	task := baseTask(model.TaskQueued)
	task.Title = ""
	store := &fakeStore{
		task:    task,
		order:   model.Order{ID: "ORDER_001"},
		project: model.Project{ID: "proj", Path: dir},
	}
	rnr := &fakeRunner{stdout: ""}
	rec := &fakeRecovery{}
	w := newTestWorker(t, store, &fakeFSM{}, &fakeLocker{}, &fakeBugPatterns{}, rec, rnr)

	_, err := w.Execute(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
	assert.True(t, rec.called)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
