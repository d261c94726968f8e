package taskfsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/aipm-orchestrator/internal/locks"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

type fakeStore struct {
	tasks   map[string]model.Task
	history []model.ChangeHistory
}

func newFakeStore() *fakeStore { return &fakeStore{tasks: map[string]model.Task{}} }

func (f *fakeStore) GetTask(ctx context.Context, projectID, taskID string) (model.Task, error) {
	return f.tasks[taskID], nil
}
func (f *fakeStore) UpdateTaskStatus(ctx context.Context, projectID, taskID string, status model.TaskStatus) error {
	t := f.tasks[taskID]
	t.Status = status
	f.tasks[taskID] = t
	return nil
}
func (f *fakeStore) IncrementRejectCount(ctx context.Context, projectID, taskID string) (int, error) {
	t := f.tasks[taskID]
	t.RejectCount++
	f.tasks[taskID] = t
	return t.RejectCount, nil
}
func (f *fakeStore) SetRecommendedModel(ctx context.Context, projectID, taskID string, m model.Model) error {
	t := f.tasks[taskID]
	t.RecommendedModel = m
	f.tasks[taskID] = t
	return nil
}
func (f *fakeStore) RecordChange(ctx context.Context, c model.ChangeHistory) error {
	f.history = append(f.history, c)
	return nil
}

type fakeEngine struct{}

func (fakeEngine) Check(ctx context.Context, kind model.EntityType, from *string, to string, role model.Role) error {
	return nil
}

type fakeLocks struct {
	fail bool
}

func (f *fakeLocks) Resolve(ctx context.Context, projectID string, candidates []locks.Candidate) ([]string, error) {
	if f.fail {
		return nil, nil
	}
	var out []string
	for _, c := range candidates {
		out = append(out, c.TaskID)
	}
	return out, nil
}
func (f *fakeLocks) Release(ctx context.Context, projectID, taskID string) error { return nil }

type fakeResolver struct {
	called []string
}

func (f *fakeResolver) OnTaskCompleted(ctx context.Context, projectID, taskID string) ([]string, error) {
	f.called = append(f.called, taskID)
	return nil, nil
}

func TestTransitionToInProgressAcquiresLocks(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["TASK_001"] = model.Task{ID: "TASK_001", Status: model.TaskQueued, TargetFiles: []string{"a.go"}, CreatedAt: time.Now()}
	m := NewMachine(fs, fakeEngine{}, &fakeLocks{}, &fakeResolver{}, nil)

	err := m.Transition(context.Background(), "proj", "TASK_001", "IN_PROGRESS", model.RoleSystem, "daemon", "dispatch")
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, fs.tasks["TASK_001"].Status)
}

func TestTransitionToInProgressFailsOnLockConflict(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["TASK_001"] = model.Task{ID: "TASK_001", Status: model.TaskQueued, TargetFiles: []string{"a.go"}}
	m := NewMachine(fs, fakeEngine{}, &fakeLocks{fail: true}, &fakeResolver{}, nil)

	err := m.Transition(context.Background(), "proj", "TASK_001", "IN_PROGRESS", model.RoleSystem, "daemon", "dispatch")
	require.Error(t, err)
	assert.Equal(t, model.TaskQueued, fs.tasks["TASK_001"].Status)
}

func TestDoneToReworkIncrementsRejectCount(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["TASK_001"] = model.Task{ID: "TASK_001", Status: model.TaskDone, RejectCount: 0}
	m := NewMachine(fs, fakeEngine{}, &fakeLocks{}, &fakeResolver{}, nil)

	err := m.Transition(context.Background(), "proj", "TASK_001", "REWORK", model.RolePM, "reviewer", "rejected")
	require.NoError(t, err)
	assert.Equal(t, 1, fs.tasks["TASK_001"].RejectCount)
}

func TestReworkToInProgressEscalatesModelAtTwoRejects(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["TASK_001"] = model.Task{ID: "TASK_001", Status: model.TaskRework, RejectCount: 2, RecommendedModel: model.ModelSonnet}
	m := NewMachine(fs, fakeEngine{}, &fakeLocks{}, &fakeResolver{}, nil)

	err := m.Transition(context.Background(), "proj", "TASK_001", "IN_PROGRESS", model.RoleSystem, "daemon", "redispatch")
	require.NoError(t, err)
	assert.Equal(t, model.ModelOpus, fs.tasks["TASK_001"].RecommendedModel)
}

func TestCompletedTriggersDependencyResolver(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["TASK_001"] = model.Task{ID: "TASK_001", Status: model.TaskDone}
	resolver := &fakeResolver{}
	m := NewMachine(fs, fakeEngine{}, &fakeLocks{}, resolver, nil)

	err := m.Transition(context.Background(), "proj", "TASK_001", "COMPLETED", model.RolePM, "reviewer", "approved")
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK_001"}, resolver.called)
}

func TestSameStatusIsNoOp(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["TASK_001"] = model.Task{ID: "TASK_001", Status: model.TaskInProgress}
	m := NewMachine(fs, fakeEngine{}, &fakeLocks{}, &fakeResolver{}, nil)

	err := m.Transition(context.Background(), "proj", "TASK_001", "IN_PROGRESS", model.RoleWorker, "worker", "heartbeat")
	require.NoError(t, err)
	assert.Empty(t, fs.history)
}
