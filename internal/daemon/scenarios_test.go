package daemon

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/aipm-orchestrator/internal/config"
	"github.com/swarmguard/aipm-orchestrator/internal/dependency"
	"github.com/swarmguard/aipm-orchestrator/internal/detector"
	"github.com/swarmguard/aipm-orchestrator/internal/events"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/resources"
	"github.com/swarmguard/aipm-orchestrator/internal/supervisor"
)

// fakeStore backs every subsystem's own Store interface at once: the Daemon
// composes concrete subsystem types, not interfaces, so one fake satisfying
// every method set keeps a scenario test to a single source of truth.
type fakeStore struct {
	project model.Project
	orders  map[string]model.Order
	tasks   map[string]model.Task
	deps    map[string][]string // taskID -> depends_on taskIDs
	history []model.ChangeHistory
	incidents []model.Incident
	events  []model.Event
}

func newFakeStore(project model.Project) *fakeStore {
	return &fakeStore{
		project: project,
		orders:  map[string]model.Order{},
		tasks:   map[string]model.Task{},
		deps:    map[string][]string{},
	}
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (model.Project, error) { return f.project, nil }

func (f *fakeStore) GetOrder(ctx context.Context, projectID, orderID string) (model.Order, error) {
	return f.orders[orderID], nil
}
func (f *fakeStore) UpdateOrderStatus(ctx context.Context, projectID, orderID string, status model.OrderStatus) error {
	o := f.orders[orderID]
	o.Status = status
	f.orders[orderID] = o
	return nil
}
func (f *fakeStore) ListTasksByOrder(ctx context.Context, projectID, orderID string) ([]model.Task, error) {
	var out []model.Task
	for _, t := range f.tasks {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (f *fakeStore) ListTasksByStatus(ctx context.Context, projectID string, status model.TaskStatus) ([]model.Task, error) {
	var out []model.Task
	for _, t := range f.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (f *fakeStore) GetTask(ctx context.Context, projectID, taskID string) (model.Task, error) {
	return f.tasks[taskID], nil
}
func (f *fakeStore) ListHistory(ctx context.Context, projectID string, entity model.EntityType, entityID string) ([]model.ChangeHistory, error) {
	var out []model.ChangeHistory
	for _, h := range f.history {
		if h.EntityType == entity && h.EntityID == entityID {
			out = append(out, h)
		}
	}
	return out, nil
}
func (f *fakeStore) RecordChange(ctx context.Context, c model.ChangeHistory) error {
	c.ChangedAt = time.Now()
	f.history = append(f.history, c)
	return nil
}
func (f *fakeStore) RecordIncident(ctx context.Context, inc model.Incident) (int64, error) {
	f.incidents = append(f.incidents, inc)
	return int64(len(f.incidents)), nil
}
func (f *fakeStore) EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error {
	f.events = append(f.events, model.Event{Type: typ, TaskID: taskID, Payload: payload})
	return nil
}

// dependency.Store
func (f *fakeStore) ListDependents(ctx context.Context, projectID, taskID string) ([]string, error) {
	var out []string
	for id, ds := range f.deps {
		for _, d := range ds {
			if d == taskID {
				out = append(out, id)
			}
		}
	}
	return out, nil
}
func (f *fakeStore) ListDependencies(ctx context.Context, projectID, taskID string) ([]string, error) {
	return f.deps[taskID], nil
}
func (f *fakeStore) UpdateTaskStatus(ctx context.Context, projectID, taskID string, status model.TaskStatus) error {
	t := f.tasks[taskID]
	t.Status = status
	f.tasks[taskID] = t
	return nil
}

// detector.Store
func (f *fakeStore) ListReadyTasks(ctx context.Context, projectID string) ([]model.Task, error) {
	var out []model.Task
	for _, t := range f.tasks {
		if t.Status == model.TaskQueued || t.Status == model.TaskRework {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// events.Store
func (f *fakeStore) PollUnconsumedEvents(ctx context.Context, projectID string, limit int) ([]model.Event, error) {
	return nil, nil
}
func (f *fakeStore) MarkConsumed(ctx context.Context, id int64) error { return nil }

type fakeFSM struct {
	store *fakeStore
}

func (f *fakeFSM) Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error {
	t := f.store.tasks[taskID]
	from := string(t.Status)
	t.Status = model.TaskStatus(to)
	f.store.tasks[taskID] = t
	return f.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: projectID, EntityType: model.EntityTask, EntityID: taskID,
		FieldName: "status", OldValue: from, NewValue: to, ChangedBy: changedBy, ChangeReason: reason,
	})
}

type fakeTransition struct{}

func (fakeTransition) Check(ctx context.Context, kind model.EntityType, from *string, to string, role model.Role) error {
	return nil
}

type fakeLockChecker struct{}

func (fakeLockChecker) CanTaskStart(ctx context.Context, projectID, taskID string, paths []string) (bool, []string, error) {
	return true, nil, nil
}

type fakeSampler struct{ cpu, mem float64 }

func (s fakeSampler) SampleCPUPercent(ctx context.Context) (float64, error) { return s.cpu, nil }
func (s fakeSampler) SampleMemPercent(ctx context.Context) (float64, error) { return s.mem, nil }

// fakeProcess never actually runs anything; reap is driven by sending on exit
// manually from the test, matching how a real subprocess eventually exits.
type fakeProcess struct {
	alive bool
	exit  chan error
}

func newFakeProcess() *fakeProcess { return &fakeProcess{alive: true, exit: make(chan error, 1)} }

func (p *fakeProcess) Wait() error  { return <-p.exit }
func (p *fakeProcess) PID() int     { return 1 }
func (p *fakeProcess) Alive() bool  { return p.alive }
func (p *fakeProcess) Kill() error  { p.alive = false; return nil }

func newTestDaemon(t *testing.T, store *fakeStore, starter supervisor.ProcessStarter) *Daemon {
	t.Helper()
	log := slog.Default()
	det := detector.NewDetector(store, fakeLockChecker{})
	resolver := dependency.NewResolver(store, log)
	monitor := resources.NewMonitor(fakeSampler{cpu: 10, mem: 10}, 85, 85, 5)
	poller := events.NewPoller(store, time.Second, 30*time.Second)
	if starter == nil {
		starter = func(ctx context.Context, command, prompt, logPath string) (supervisor.Process, error) {
			return newFakeProcess(), nil
		}
	}
	workerSup := supervisor.NewSupervisor(starter)
	reviewSup := supervisor.NewSupervisor(starter)

	cfg := testConfig()
	d := New(store, &fakeFSM{store: store}, fakeTransition{}, det, resolver, monitor, poller, workerSup, reviewSup,
		cfg, "proj", "ORDER_001", log)
	return d
}

func TestOrphanDetectionRecoversStuckTask(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.orders["ORDER_001"] = model.Order{ID: "ORDER_001", ProjectID: "proj", Status: model.OrderInProgress}
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskInProgress}

	d := newTestDaemon(t, store, nil)
	d.detectOrphans(context.Background())

	assert.Equal(t, model.TaskQueued, store.tasks["TASK_001"].Status)
	require.Len(t, store.incidents, 1)
	assert.Equal(t, model.IncidentWorker, store.incidents[0].Category)
	require.Len(t, store.events, 1)
	assert.Equal(t, model.EventWorkerCrashed, store.events[0].Type)
}

func TestHealthCheckKillsDeadProcessAndRequeues(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.orders["ORDER_001"] = model.Order{ID: "ORDER_001", ProjectID: "proj", Status: model.OrderInProgress}
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskInProgress}

	proc := newFakeProcess()
	proc.alive = false // already dead, pid_alive_check should fire
	d := newTestDaemon(t, store, func(ctx context.Context, command, prompt, logPath string) (supervisor.Process, error) {
		return proc, nil
	})
	_, err := d.workerSup.Spawn(context.Background(), "TASK_001", "aipm-worker", "TASK_001", "/tmp/does-not-exist.log", 0, 0)
	require.NoError(t, err)

	d.healthCheckWorkers(context.Background())

	assert.Equal(t, model.TaskQueued, store.tasks["TASK_001"].Status)
	_, tracked := d.workerSup.Handle("TASK_001")
	assert.False(t, tracked)
}

func TestEscalatedTimeoutForceRejects(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskEscalated}
	store.history = append(store.history, model.ChangeHistory{
		ProjectID: "proj", EntityType: model.EntityTask, EntityID: "TASK_001",
		FieldName: "status", NewValue: string(model.TaskEscalated), ChangedAt: time.Now().Add(-time.Hour),
	})

	d := newTestDaemon(t, store, nil)
	d.cfg.EscalatedTimeout = 30 * time.Minute

	err := d.sweepEscalatedTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.TaskRejected, store.tasks["TASK_001"].Status)
}

func TestEscalatedTimeoutLeavesRecentEscalationAlone(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskEscalated}
	store.history = append(store.history, model.ChangeHistory{
		ProjectID: "proj", EntityType: model.EntityTask, EntityID: "TASK_001",
		FieldName: "status", NewValue: string(model.TaskEscalated), ChangedAt: time.Now(),
	})

	d := newTestDaemon(t, store, nil)
	d.cfg.EscalatedTimeout = 30 * time.Minute

	err := d.sweepEscalatedTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.TaskEscalated, store.tasks["TASK_001"].Status)
}

func TestOrderCompletionDrivesReviewThenCompleted(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.orders["ORDER_001"] = model.Order{ID: "ORDER_001", ProjectID: "proj", Status: model.OrderInProgress}
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskCompleted}
	store.tasks["TASK_002"] = model.Task{ID: "TASK_002", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskRejected}

	d := newTestDaemon(t, store, nil)
	done, err := d.checkOrderCompletion(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, model.OrderCompleted, store.orders["ORDER_001"].Status)
}

func TestOrderCompletionWaitsOnNonTerminalTask(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.orders["ORDER_001"] = model.Order{ID: "ORDER_001", ProjectID: "proj", Status: model.OrderInProgress}
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskInProgress}

	d := newTestDaemon(t, store, nil)
	done, err := d.checkOrderCompletion(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, model.OrderInProgress, store.orders["ORDER_001"].Status)
}

// TestAdmissionIsIdempotentUnderReTick covers I7: re-running Tick's
// admission step against a task that's already IN_PROGRESS with a tracked
// handle must not spawn a second subprocess for it.
func TestAdmissionIsIdempotentUnderReTick(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskQueued, CreatedAt: time.Now()}

	d := newTestDaemon(t, store, nil)
	project := store.project

	require.NoError(t, d.admit(context.Background(), project))
	assert.Equal(t, model.TaskInProgress, store.tasks["TASK_001"].Status)
	assert.Len(t, d.workerSup.TrackedTaskIDs(), 1)

	// second admit pass: the task is no longer QUEUED/REWORK so ListReadyTasks
	// won't surface it again, so nothing new spawns even though capacity
	// remains for more workers.
	require.NoError(t, d.admit(context.Background(), project))
	assert.Len(t, d.workerSup.TrackedTaskIDs(), 1)
}

func TestAdmissionRespectsResourcePressure(t *testing.T) {
	store := newFakeStore(model.Project{ID: "proj", Path: "/tmp/proj"})
	store.tasks["TASK_001"] = model.Task{ID: "TASK_001", ProjectID: "proj", OrderID: "ORDER_001", Status: model.TaskQueued, CreatedAt: time.Now()}

	d := newTestDaemon(t, store, nil)
	// override the monitor with one already past threshold
	d.monitor = resources.NewMonitor(fakeSampler{cpu: 99, mem: 99}, 85, 85, 5)
	require.NoError(t, d.monitor.Tick(context.Background()))

	require.NoError(t, d.admit(context.Background(), store.project))
	assert.Equal(t, model.TaskQueued, store.tasks["TASK_001"].Status)
	assert.Empty(t, d.workerSup.TrackedTaskIDs())
}

func testConfig() config.Config {
	return config.Config{
		MaxWorkers: 4, EscalatedTimeout: 30 * time.Minute, WorkerTimeout: time.Minute,
		ReviewerTimeout: time.Minute, WorkerMaxStale: time.Minute,
		WorkerBinary: "aipm-worker", ReviewerBinary: "aipm-reviewer", DBPath: ":memory:",
	}
}
