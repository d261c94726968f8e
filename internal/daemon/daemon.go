// Package daemon implements the Daemon Loop (spec.md §4.13): the single
// resident driver that reaps and heals worker/reviewer subprocesses,
// resolves dependencies, samples host resources, admits new work under
// lock and capacity constraints, and exits once its Order is complete.
// Grounded on the teacher's services/orchestrator/scheduler.go (cron-driven
// periodic sweep via robfig/cron, OTel counters on every decision point)
// and services/orchestrator/task_executor.go's getEnvDefault-style config
// plumbing, reworked from workflow-DAG execution onto task-row polling.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/aipm-orchestrator/internal/config"
	"github.com/swarmguard/aipm-orchestrator/internal/dependency"
	"github.com/swarmguard/aipm-orchestrator/internal/detector"
	"github.com/swarmguard/aipm-orchestrator/internal/events"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/resources"
	"github.com/swarmguard/aipm-orchestrator/internal/supervisor"
	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
)

// Store is the slice of internal/store.Store this package depends on. It is
// deliberately wide — the Daemon is the one package that touches every
// entity's lifecycle columns directly, rather than through a subsystem.
type Store interface {
	GetProject(ctx context.Context, id string) (model.Project, error)
	GetOrder(ctx context.Context, projectID, orderID string) (model.Order, error)
	UpdateOrderStatus(ctx context.Context, projectID, orderID string, status model.OrderStatus) error
	ListTasksByOrder(ctx context.Context, projectID, orderID string) ([]model.Task, error)
	ListTasksByStatus(ctx context.Context, projectID string, status model.TaskStatus) ([]model.Task, error)
	GetTask(ctx context.Context, projectID, taskID string) (model.Task, error)
	ListHistory(ctx context.Context, projectID string, entity model.EntityType, entityID string) ([]model.ChangeHistory, error)
	RecordChange(ctx context.Context, c model.ChangeHistory) error
	RecordIncident(ctx context.Context, inc model.Incident) (int64, error)
	EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error
}

// FSM is the slice of internal/taskfsm.Machine this package depends on.
type FSM interface {
	Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error
}

// TransitionEngine is the slice of internal/transition.Engine this package
// depends on, used for Order-level transitions the Task FSM doesn't cover.
type TransitionEngine interface {
	Check(ctx context.Context, kind model.EntityType, from *string, to string, role model.Role) error
}

// Daemon drives one (project, order) pair from admission through
// completion.
type Daemon struct {
	store      Store
	fsm        FSM
	transition TransitionEngine
	detector   *detector.Detector
	resolver   *dependency.Resolver
	monitor    *resources.Monitor
	poller     *events.Poller
	workerSup  *supervisor.Supervisor
	reviewSup  *supervisor.Supervisor

	cfg       config.Config
	projectID string
	orderID   string
	log       *slog.Logger

	reviewCron     *cron.Cron
	reviewSweepDue atomic.Bool
	shutdown       atomic.Bool

	spawns   metric.Int64Counter
	crashes  metric.Int64Counter
	reaps    metric.Int64Counter
	sleeps   metric.Int64Counter
}

// New wires every subsystem the Daemon composes. workerSup and reviewSup
// may share a ProcessStarter in production (internal/supervisor.
// ExecProcessStarter) but are tracked separately since a task is never
// simultaneously a live Worker and a live Reviewer.
func New(store Store, fsm FSM, transitionEngine TransitionEngine, det *detector.Detector, resolver *dependency.Resolver,
	monitor *resources.Monitor, poller *events.Poller, workerSup, reviewSup *supervisor.Supervisor,
	cfg config.Config, projectID, orderID string, log *slog.Logger) *Daemon {

	reviewCron := cron.New()

	meter := otel.Meter(telemetry.Meter)
	spawns, _ := meter.Int64Counter("aipm_daemon_subprocess_spawns_total")
	crashes, _ := meter.Int64Counter("aipm_daemon_subprocess_crashes_total")
	reaps, _ := meter.Int64Counter("aipm_daemon_subprocess_reaps_total")
	sleeps, _ := meter.Int64Counter("aipm_daemon_sleep_cycles_total")

	d := &Daemon{
		store: store, fsm: fsm, transition: transitionEngine, detector: det, resolver: resolver,
		monitor: monitor, poller: poller, workerSup: workerSup, reviewSup: reviewSup,
		cfg: cfg, projectID: projectID, orderID: orderID, log: log,
		reviewCron: reviewCron,
		spawns:     spawns, crashes: crashes, reaps: reaps, sleeps: sleeps,
	}
	d.reviewSweepDue.Store(true) // run one review sweep on the very first tick
	return d
}

// Run drives the Daemon loop until the Order completes or ctx is cancelled,
// honoring shutdown_requested cooperatively: no new spawns once requested,
// but in-flight workers and reviewers are drained before exit.
func (d *Daemon) Run(ctx context.Context) error {
	d.reviewCron.AddFunc("@every 60s", func() { d.reviewSweepDue.Store(true) })
	d.reviewCron.Start()
	defer d.reviewCron.Stop()
	defer d.cleanupHeartbeat()

	var errs []error
	for {
		if ctx.Err() != nil {
			d.shutdown.Store(true)
		}

		done, err := d.Tick(ctx)
		if err != nil {
			errs = append(errs, err)
			d.log.Error("daemon tick error", "error", err)
		}
		if done {
			break
		}
		if d.shutdown.Load() && len(d.workerSup.TrackedTaskIDs())+len(d.reviewSup.TrackedTaskIDs()) == 0 {
			break
		}

		d.sleepAdaptive(ctx)
	}

	if len(errs) > 0 {
		return fmt.Errorf("daemon exited with %d tick error(s): %w", len(errs), errs[len(errs)-1])
	}
	return nil
}

// RequestShutdown marks shutdown_requested; Run stops admitting new work
// and exits once every in-flight subprocess has been reaped.
func (d *Daemon) RequestShutdown() { d.shutdown.Store(true) }

// Tick runs one full pass of the 12 steps spec.md §4.13 names. It returns
// done=true once the Order has reached a terminal status.
func (d *Daemon) Tick(ctx context.Context) (bool, error) {
	project, err := d.store.GetProject(ctx, d.projectID)
	if err != nil {
		return false, err
	}

	d.reapWorkers(ctx, project)
	d.healthCheckWorkers(ctx)
	d.detectOrphans(ctx)

	if d.reviewSweepDue.Swap(false) {
		if err := d.sweepReviews(ctx, project); err != nil {
			d.log.Warn("review sweep error", "error", err)
		}
	}
	d.reapReviewers(ctx)

	if err := d.consumeEvents(ctx); err != nil {
		d.log.Warn("event consume error", "error", err)
	}

	if err := d.monitor.Tick(ctx); err != nil {
		d.log.Warn("resource sample error", "error", err)
	}

	if err := d.sweepEscalatedTimeouts(ctx); err != nil {
		d.log.Warn("escalated timeout sweep error", "error", err)
	}

	done, err := d.checkOrderCompletion(ctx)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}

	if !d.shutdown.Load() {
		if err := d.admit(ctx, project); err != nil {
			d.log.Warn("admission error", "error", err)
		}
	}

	d.writeHeartbeat(ctx)
	return false, nil
}

// sleepAdaptive sleeps in 0.5s slices up to the Adaptive Poller's current
// interval so shutdown is observed promptly, per spec.md §4.12.
func (d *Daemon) sleepAdaptive(ctx context.Context) {
	d.sleeps.Add(ctx, 1)
	remaining := d.poller.Interval()
	const slice = 500 * time.Millisecond
	for remaining > 0 {
		if ctx.Err() != nil || d.shutdown.Load() {
			return
		}
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
		remaining -= wait
	}
}

func (d *Daemon) cleanupHeartbeat() {
	os.Remove(d.cfg.HeartbeatPath)
}

// heartbeat is the JSON shape spec.md §6 names, written each tick.
type heartbeat struct {
	PID                int       `json:"pid"`
	OrderID            string    `json:"order_id"`
	ProjectID          string    `json:"project_id"`
	Timestamp          time.Time `json:"timestamp"`
	Status             string    `json:"status"`
	ActiveWorkers      int       `json:"active_workers"`
	ActiveWorkerPIDs   []int     `json:"active_worker_pids"`
	AdaptivePollSecs   float64   `json:"adaptive_poll_interval"`
	ResourceTrend      []float64 `json:"resource_trend"`
}

func (d *Daemon) writeHeartbeat(ctx context.Context) {
	status := "running"
	if d.shutdown.Load() {
		status = "shutting_down"
	}

	ids := d.workerSup.TrackedTaskIDs()
	pids := make([]int, 0, len(ids))
	for _, id := range ids {
		if h, ok := d.workerSup.Handle(id); ok {
			if reaped, _ := h.Reaped(); !reaped {
				pids = append(pids, h.Process.PID())
			}
		}
	}

	hb := heartbeat{
		PID: os.Getpid(), OrderID: d.orderID, ProjectID: d.projectID,
		Timestamp: time.Now(), Status: status,
		ActiveWorkers: len(pids), ActiveWorkerPIDs: pids,
		AdaptivePollSecs: d.poller.Interval().Seconds(),
		ResourceTrend:    d.monitor.Trend(),
	}
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(d.cfg.HeartbeatPath, data, 0o644); err != nil {
		d.log.Warn("heartbeat write failed", "error", err)
	}
}

// recoverCrashed applies the single crash-recovery path spec.md §4.7 names:
// any exit from IN_PROGRESS releases locks (handled inside fsm.Transition),
// the task returns to QUEUED, and the crash is audited as an Incident plus
// a WORKER_CRASHED event.
func (d *Daemon) recoverCrashed(ctx context.Context, taskID, method string) error {
	reason := fmt.Sprintf("worker process crashed or timed out before completion: detection_method=%s", method)
	if err := d.fsm.Transition(ctx, d.projectID, taskID, string(model.TaskQueued), model.RoleSystem, "daemon", reason); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"detection_method": method})
	if err := d.store.EmitEvent(ctx, d.projectID, model.EventWorkerCrashed, taskID, string(payload)); err != nil {
		d.log.Warn("crash event emit failed", "task_id", taskID, "error", err)
	}
	if _, err := d.store.RecordIncident(ctx, model.Incident{
		ProjectID: d.projectID, TaskID: taskID, Category: model.IncidentWorker,
		Severity: model.SeverityMedium, RootCause: reason,
	}); err != nil {
		d.log.Warn("crash incident record failed", "task_id", taskID, "error", err)
	}

	d.crashes.Add(ctx, 1, metric.WithAttributes(attribute.String("detection_method", method)))
	d.workerSup.Forget(taskID)
	return nil
}

// lastEnteredStatus returns the most recent time taskID transitioned into
// `status`, derived from ChangeHistory rather than a dedicated column, the
// same convention internal/review already uses for rework/escalation
// counts.
func (d *Daemon) lastEnteredStatus(ctx context.Context, taskID string, status model.TaskStatus) (time.Time, bool, error) {
	history, err := d.store.ListHistory(ctx, d.projectID, model.EntityTask, taskID)
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	found := false
	for _, h := range history {
		if h.FieldName == "status" && h.NewValue == string(status) {
			at = h.ChangedAt
			found = true
		}
	}
	return at, found, nil
}
