package review

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/pm"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
	"github.com/swarmguard/aipm-orchestrator/internal/worker"
)

type fakeStore struct {
	task    model.Task
	order   model.Order
	project model.Project
	history []model.ChangeHistory
	changes []model.ChangeHistory

	markReviewedCalls int
	resetRejectCalls  int
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
func (f *fakeStore) MarkReviewed(ctx context.Context, projectID, taskID string) error {
	f.markReviewedCalls++
	return nil
}
func (f *fakeStore) ResetRejectCount(ctx context.Context, projectID, taskID string) error {
	f.resetRejectCalls++
	f.task.RejectCount = 0
	return nil
}
func (f *fakeStore) ListHistory(ctx context.Context, projectID string, entity model.EntityType, entityID string) ([]model.ChangeHistory, error) {
	return f.history, nil
}
func (f *fakeStore) RecordChange(ctx context.Context, c model.ChangeHistory) error {
	f.changes = append(f.changes, c)
	return nil
}

// fakeFSM mimics internal/taskfsm.Machine's one side effect Reviewer logic
// depends on: DONE->REWORK bumps reject_count. Everything else is just
// recorded for assertions.
type fakeFSM struct {
	store       *fakeStore
	transitions []string
}

func (f *fakeFSM) Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error {
	f.transitions = append(f.transitions, to)
	if f.store != nil {
		if to == string(model.TaskRework) {
			f.store.task.RejectCount++
		}
		f.store.task.Status = model.TaskStatus(to)
	}
	return nil
}

// fakeWorker stands in for internal/worker.Worker: on success it leaves the
// task DONE and clears reviewed_at, mirroring the real rework re-entry path
// (REWORK->IN_PROGRESS clears reviewed_at, IN_PROGRESS->DONE on success).
type fakeWorker struct {
	store *fakeStore
	calls int
	err   error
}

func (f *fakeWorker) Execute(ctx context.Context, projectID, taskID string) (worker.Result, error) {
	f.calls++
	if f.err == nil && f.store != nil {
		f.store.task.Status = model.TaskDone
		f.store.task.ReviewedAt = nil
	}
	return worker.Result{}, f.err
}

type fakePlanner struct {
	verdict pm.RedesignVerdict
	err     error
	calls   int
}

func (f *fakePlanner) Redesign(ctx context.Context, projectID, orderID, failedTaskID, failedTitle, failedDescription string, recommendedModel model.Model, rejectComment string) (pm.RedesignVerdict, error) {
	f.calls++
	return f.verdict, f.err
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

func baseTask(rejectCount int) model.Task {
	return model.Task{
		ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001",
		Title: "ship feature", Description: "do the thing",
		Status: model.TaskDone, RejectCount: rejectCount,
	}
}

func writeReport(t *testing.T, dir, orderID, taskID, content string) {
	t.Helper()
	path := filepath.Join(dir, "RESULT", orderID, "05_REPORT", "REPORT_"+taskID[len("TASK_"):]+".md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const longReportBody = "did the work, verified output, everything checks out and looks correct to me overall"

func TestReviewRejectsTaskNotDone(t *testing.T) {
	store := &fakeStore{task: model.Task{Status: model.TaskQueued}}
	r := New(store, &fakeFSM{}, &fakeWorker{}, &fakePlanner{}, &fakeRunner{}, "claude", time.Minute, 3, true, nil)

	_, err := r.Review(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
}

func TestReviewRejectsAlreadyReviewedTask(t *testing.T) {
	now := time.Now()
	task := baseTask(0)
	task.ReviewedAt = &now
	store := &fakeStore{task: task}
	r := New(store, &fakeFSM{}, &fakeWorker{}, &fakePlanner{}, &fakeRunner{}, "claude", time.Minute, 3, true, nil)

	_, err := r.Review(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
}

func TestReviewApprovedTransitionsDoneToCompleted(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", longReportBody)

	store := &fakeStore{task: baseTask(0), order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	fsm := &fakeFSM{store: store}
	rnr := &fakeRunner{stdout: `{"verdict":"APPROVED","summary":"looks good","checklist":[],"issues":[],"recommendations":[]}`}

	r := New(store, fsm, &fakeWorker{}, &fakePlanner{}, rnr, "claude", time.Minute, 3, true, nil)

	result, err := r.Review(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", result.Verdict)
	assert.Equal(t, []string{"COMPLETED"}, fsm.transitions)
	assert.Equal(t, 1, store.markReviewedCalls)

	content, err := os.ReadFile(result.ReviewPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "APPROVED")
}

func TestReviewPassesRecommendedModelAndReadOnlyToolsToRunner(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", longReportBody)

	task := baseTask(0)
	task.RecommendedModel = model.ModelOpus
	store := &fakeStore{task: task, order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	fsm := &fakeFSM{store: store}
	rnr := &fakeRunner{stdout: `{"verdict":"APPROVED","summary":"looks good","checklist":[],"issues":[],"recommendations":[]}`}

	r := New(store, fsm, &fakeWorker{}, &fakePlanner{}, rnr, "claude", time.Minute, 3, true, nil)

	_, err := r.Review(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	require.Len(t, rnr.specs, 1)
	assert.Equal(t, model.ModelOpus, rnr.specs[0].Model)
	assert.Equal(t, reviewAllowedTools, rnr.specs[0].AllowedTools)
}

func TestReviewRejectedDispatchesAutoReworkAndRecurses(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", longReportBody)

	store := &fakeStore{task: baseTask(0), order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	fsm := &fakeFSM{store: store}
	wrk := &fakeWorker{store: store}
	// First call REJECTED, second (post-rework recursive) call APPROVED.
	rnr := &sequencedRunner{responses: []string{
		`{"verdict":"REJECTED","summary":"missing tests","issues":["no tests"],"recommendations":["add tests"]}`,
		`{"verdict":"APPROVED","summary":"fixed","issues":[],"recommendations":[]}`,
	}}

	r := New(store, fsm, wrk, &fakePlanner{}, rnr, "claude", time.Minute, 3, true, nil)

	result, err := r.Review(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	assert.True(t, result.ReworkDispatched)
	assert.Equal(t, 1, wrk.calls)
	assert.Equal(t, []string{"REWORK", "COMPLETED"}, fsm.transitions)
	assert.Equal(t, 1, store.task.RejectCount)
}

type sequencedRunner struct {
	responses []string
	idx       int
}

func (s *sequencedRunner) Run(ctx context.Context, spec runner.Spec) (runner.Result, error) {
	r := s.responses[s.idx]
	if s.idx < len(s.responses)-1 {
		s.idx++
	}
	return runner.Result{Stdout: r}, nil
}

func TestReviewRejectedBeyondMaxReworkTriggersRedesign(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", longReportBody)

	task := baseTask(1) // one more rejection pushes reject_count to 2, over max_rework=1
	store := &fakeStore{task: task, order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	fsm := &fakeFSM{store: store}
	planner := &fakePlanner{verdict: pm.RedesignVerdict{Decision: "split", NewTasks: []model.Task{{ID: "TASK_002"}}}}
	rnr := &fakeRunner{stdout: `{"verdict":"REJECTED","summary":"bad","issues":["broken"],"recommendations":[]}`}

	r := New(store, fsm, &fakeWorker{}, planner, rnr, "claude", time.Minute, 1, true, nil)

	result, err := r.Review(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", result.Verdict)
	assert.Equal(t, 1, planner.calls)
	assert.Equal(t, []string{"REWORK", "QUEUED"}, fsm.transitions)
	assert.Equal(t, 1, store.resetRejectCalls)
}

func TestReviewRejectedRedesignDeclineEndsRejected(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", longReportBody)

	task := baseTask(1)
	store := &fakeStore{task: task, order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	fsm := &fakeFSM{store: store}
	planner := &fakePlanner{verdict: pm.RedesignVerdict{Decision: "decline", DeclineWhy: "too vague"}}
	rnr := &fakeRunner{stdout: `{"verdict":"REJECTED","summary":"bad","issues":["broken"],"recommendations":[]}`}

	r := New(store, fsm, &fakeWorker{}, planner, rnr, "claude", time.Minute, 1, true, nil)

	_, err := r.Review(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
	assert.Equal(t, []string{"REWORK", "REJECTED"}, fsm.transitions)
}

func TestReviewEscalatedTriggersPMAutoJudgeSuccess(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", longReportBody)

	store := &fakeStore{task: baseTask(0), order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	fsm := &fakeFSM{store: store}
	planner := &fakePlanner{verdict: pm.RedesignVerdict{Decision: "clarify"}}
	rnr := &fakeRunner{stdout: `{"verdict":"ESCALATED","summary":"unclear"}`}

	r := New(store, fsm, &fakeWorker{}, planner, rnr, "claude", time.Minute, 3, true, nil)

	result, err := r.Review(context.Background(), "proj", "TASK_001")
	require.NoError(t, err)
	assert.Equal(t, "ESCALATED", result.Verdict)
	assert.Equal(t, []string{"ESCALATED", "QUEUED"}, fsm.transitions)
	assert.Equal(t, 1, store.resetRejectCalls)
}

func TestReviewEscalatedExhaustedCountForcesReject(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", longReportBody)

	store := &fakeStore{
		task:    baseTask(0),
		order:   model.Order{ID: "ORDER_001"},
		project: model.Project{ID: "proj", Path: dir},
		history: []model.ChangeHistory{
			{FieldName: "status", NewValue: "ESCALATED"},
			{FieldName: "status", NewValue: "ESCALATED"},
		},
	}
	fsm := &fakeFSM{store: store}
	planner := &fakePlanner{verdict: pm.RedesignVerdict{Decision: "clarify"}}
	rnr := &fakeRunner{stdout: `{"verdict":"ESCALATED","summary":"still unclear"}`}

	r := New(store, fsm, &fakeWorker{}, planner, rnr, "claude", time.Minute, 3, true, nil)

	_, err := r.Review(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
	assert.Equal(t, []string{"ESCALATED", "REJECTED"}, fsm.transitions)
	assert.Equal(t, 0, planner.calls) // count limit hit before redesign is even attempted
}

func TestReviewMissingReportFails(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{task: baseTask(0), order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	r := New(store, &fakeFSM{}, &fakeWorker{}, &fakePlanner{}, &fakeRunner{}, "claude", time.Minute, 3, true, nil)

	_, err := r.Review(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
}

func TestReviewTooShortReportFails(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, "ORDER_001", "TASK_001", "short")
	store := &fakeStore{task: baseTask(0), order: model.Order{ID: "ORDER_001"}, project: model.Project{ID: "proj", Path: dir}}
	r := New(store, &fakeFSM{}, &fakeWorker{}, &fakePlanner{}, &fakeRunner{}, "claude", time.Minute, 3, true, nil)

	_, err := r.Review(context.Background(), "proj", "TASK_001")
	require.Error(t, err)
}

func TestCriteriaForReworkCountEscalatesStrictness(t *testing.T) {
	assert.Contains(t, criteriaForReworkCount(0), "Standard criteria")
	assert.Contains(t, criteriaForReworkCount(1), "previous rework comments")
	assert.Contains(t, criteriaForReworkCount(2), "Relaxed criteria")
	assert.Contains(t, criteriaForReworkCount(5), "Minimal criteria")
}
