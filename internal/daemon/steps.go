package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/aipm-orchestrator/internal/layout"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// minReportBytes mirrors internal/worker's own floor: a Report file that
// exists but is under 100 bytes is treated the same as a missing one.
const minReportBytes = 100

// reapWorkers is step 1: reap finished worker subprocesses and sanity-check
// that an exit-0 worker actually produced a Report.
func (d *Daemon) reapWorkers(ctx context.Context, project model.Project) {
	for _, taskID := range d.workerSup.TrackedTaskIDs() {
		h, ok := d.workerSup.Handle(taskID)
		if !ok {
			continue
		}
		reaped, exitErr := h.Reaped()
		if !reaped {
			continue
		}

		d.reaps.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "worker")))

		if exitErr == nil {
			task, err := d.store.GetTask(ctx, d.projectID, taskID)
			if err == nil && task.Status == model.TaskDone {
				reportPath := layout.ReportFile(project.Path, task.OrderID, taskID)
				if !reportExists(reportPath) {
					d.log.Warn("worker exited 0 with no report", "task_id", taskID, "report_path", reportPath)
				}
			}
		}

		// Forget regardless of outcome: a task still IN_PROGRESS after its
		// handle is forgotten here surfaces as an orphan in the very same
		// tick's detectOrphans pass (I6's "within one tick" bound).
		d.workerSup.Forget(taskID)
	}
}

func reportExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() >= minReportBytes
}

// healthCheckWorkers is step 2: probe every still-tracked worker for
// pid-death, timeout, or log staleness.
func (d *Daemon) healthCheckWorkers(ctx context.Context) {
	for _, taskID := range d.workerSup.TrackedTaskIDs() {
		h, ok := d.workerSup.Handle(taskID)
		if !ok {
			continue
		}
		if reaped, _ := h.Reaped(); reaped {
			continue
		}
		check := h.CheckHealth()
		if !check.Detected {
			continue
		}
		h.Process.Kill()
		if err := d.recoverCrashed(ctx, taskID, check.DetectionMethod); err != nil {
			d.log.Error("crash recovery failed", "task_id", taskID, "error", err)
		}
	}
}

// detectOrphans is step 3: a DB row stuck IN_PROGRESS with no tracked
// handle is a daemon-restart orphan.
func (d *Daemon) detectOrphans(ctx context.Context) {
	tracked := map[string]bool{}
	for _, id := range d.workerSup.TrackedTaskIDs() {
		tracked[id] = true
	}

	inProgress, err := d.store.ListTasksByStatus(ctx, d.projectID, model.TaskInProgress)
	if err != nil {
		d.log.Warn("orphan scan failed", "error", err)
		return
	}
	for _, t := range inProgress {
		if tracked[t.ID] {
			continue
		}
		if err := d.recoverCrashed(ctx, t.ID, "orphan_detection"); err != nil {
			d.log.Error("orphan recovery failed", "task_id", t.ID, "error", err)
		}
	}
}

// sweepReviews is step 4's spawn half: every DONE task awaiting review with
// no in-flight Reviewer gets one spawned.
func (d *Daemon) sweepReviews(ctx context.Context, project model.Project) error {
	done, err := d.store.ListTasksByStatus(ctx, d.projectID, model.TaskDone)
	if err != nil {
		return err
	}
	for _, t := range done {
		if t.ReviewedAt != nil {
			continue
		}
		if _, tracked := d.reviewSup.Handle(t.ID); tracked {
			continue
		}
		if d.shutdown.Load() {
			continue
		}

		logPath := layout.ReviewerLogFile(project.Path, t.OrderID, t.ID, time.Now().UnixNano())
		command := fmt.Sprintf("%s -db %s -project %s", d.cfg.ReviewerBinary, d.cfg.DBPath, d.projectID)
		if _, err := d.reviewSup.Spawn(ctx, t.ID, command, t.ID, logPath, d.cfg.ReviewerTimeout, d.cfg.WorkerMaxStale); err != nil {
			d.log.Error("reviewer spawn failed", "task_id", t.ID, "error", err)
			continue
		}
		d.spawns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "reviewer")))
	}
	return nil
}

// reapReviewers is step 4's reap half: the Reviewer subprocess already
// applied its own verdict's Task transition before exiting, so the Daemon
// only needs to stop tracking it.
func (d *Daemon) reapReviewers(ctx context.Context) {
	for _, taskID := range d.reviewSup.TrackedTaskIDs() {
		h, ok := d.reviewSup.Handle(taskID)
		if !ok {
			continue
		}
		if reaped, exitErr := h.Reaped(); reaped {
			d.reaps.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "reviewer")))
			if exitErr != nil {
				d.log.Warn("reviewer subprocess exited non-zero", "task_id", taskID, "error", exitErr)
			}
			d.reviewSup.Forget(taskID)
		}
	}
}

// consumeEvents is step 5: drain unconsumed event rows and, if anything
// was found, run the Dependency Resolver's defensive reconciliation pass
// over every currently-BLOCKED task. The synchronous path
// (internal/taskfsm.Machine.Transition calling OnTaskCompleted directly on
// DONE->COMPLETED) handles the common case; this is the fallback for a
// process that died between the status update and that call.
func (d *Daemon) consumeEvents(ctx context.Context) error {
	evts, err := d.poller.Poll(ctx, d.projectID)
	if err != nil {
		return err
	}
	if len(evts) == 0 {
		return nil
	}

	relevant := false
	for _, e := range evts {
		if e.Type == model.EventTaskCompleted || e.Type == model.EventDependencyResolved {
			relevant = true
			break
		}
	}
	if !relevant {
		return nil
	}

	blocked, err := d.store.ListTasksByStatus(ctx, d.projectID, model.TaskBlocked)
	if err != nil {
		return err
	}
	ids := make([]string, len(blocked))
	for i, t := range blocked {
		ids[i] = t.ID
	}
	_, err = d.resolver.Reconcile(ctx, d.projectID, ids)
	return err
}

// sweepEscalatedTimeouts is step 7: an ESCALATED task that has sat past
// escalated_timeout without a PM redesign resolving it is force-rejected.
func (d *Daemon) sweepEscalatedTimeouts(ctx context.Context) error {
	escalated, err := d.store.ListTasksByStatus(ctx, d.projectID, model.TaskEscalated)
	if err != nil {
		return err
	}
	for _, t := range escalated {
		enteredAt, found, err := d.lastEnteredStatus(ctx, t.ID, model.TaskEscalated)
		if err != nil || !found {
			continue
		}
		if time.Since(enteredAt) < d.cfg.EscalatedTimeout {
			continue
		}

		reason := fmt.Sprintf("%s: escalated_timeout (%s) exceeded", model.EscalationTimeout, d.cfg.EscalatedTimeout)
		if err := d.store.RecordChange(ctx, model.ChangeHistory{
			ProjectID: d.projectID, EntityType: model.EntityTask, EntityID: t.ID,
			FieldName: "status", OldValue: string(model.TaskEscalated), NewValue: string(model.TaskRejected),
			ChangedBy: "daemon", ChangeReason: reason,
		}); err != nil {
			d.log.Warn("escalation timeout audit log failed", "task_id", t.ID, "error", err)
		}
		if err := d.fsm.Transition(ctx, d.projectID, t.ID, string(model.TaskRejected), model.RolePM, "daemon", reason); err != nil {
			d.log.Error("escalation timeout force-reject failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// checkOrderCompletion is step 8: once every task in the Order has reached
// a terminal status, the Order progresses IN_PROGRESS->REVIEW->COMPLETED
// and the Daemon can exit.
func (d *Daemon) checkOrderCompletion(ctx context.Context) (bool, error) {
	tasks, err := d.store.ListTasksByOrder(ctx, d.projectID, d.orderID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	for _, t := range tasks {
		if t.Status.NonTerminal() {
			return false, nil
		}
	}

	order, err := d.store.GetOrder(ctx, d.projectID, d.orderID)
	if err != nil {
		return false, err
	}

	if order.Status == model.OrderInProgress {
		if err := d.transitionOrder(ctx, order, model.OrderReview, "all tasks reached a terminal state"); err != nil {
			return false, err
		}
		order.Status = model.OrderReview
	}
	if order.Status == model.OrderReview {
		if err := d.transitionOrder(ctx, order, model.OrderCompleted, "final review accepted"); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *Daemon) transitionOrder(ctx context.Context, order model.Order, to model.OrderStatus, reason string) error {
	from := string(order.Status)
	if err := d.transition.Check(ctx, model.EntityOrder, &from, string(to), model.RolePM); err != nil {
		return err
	}
	if err := d.store.UpdateOrderStatus(ctx, d.projectID, order.ID, to); err != nil {
		return err
	}
	return d.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: d.projectID, EntityType: model.EntityOrder, EntityID: order.ID,
		FieldName: "status", OldValue: from, NewValue: string(to),
		ChangedBy: "daemon", ChangeReason: reason,
	})
}

// admit is steps 9-10: run the Dependency Resolver's defensive
// reconciliation over every BLOCKED task, compute dynamic capacity from the
// Resource Monitor, ask the Detector for up to that many candidates, and
// spawn a Worker subprocess for each.
func (d *Daemon) admit(ctx context.Context, project model.Project) error {
	blocked, err := d.store.ListTasksByStatus(ctx, d.projectID, model.TaskBlocked)
	if err != nil {
		return err
	}
	blockedIDs := make([]string, len(blocked))
	for i, t := range blocked {
		blockedIDs[i] = t.ID
	}
	if _, err := d.resolver.Reconcile(ctx, d.projectID, blockedIDs); err != nil {
		return err
	}

	current := len(d.workerSup.TrackedTaskIDs())
	capacity := d.monitor.RecommendedWorkerCount(current, d.cfg.MaxWorkers)
	if ok, reason := d.monitor.CanLaunchWorker(); !ok {
		d.log.Info("admission paused", "reason", reason)
		capacity = 0
	}

	slots := capacity - current
	if slots <= 0 {
		return nil
	}

	candidates, err := d.detector.Select(ctx, d.projectID, slots)
	if err != nil {
		return err
	}

	for _, t := range candidates {
		reason := "worker supervisor dispatched the task"
		if t.Status == model.TaskRework {
			reason = "worker supervisor re-dispatched after rejection"
		}
		if err := d.fsm.Transition(ctx, d.projectID, t.ID, string(model.TaskInProgress), model.RoleSystem, "daemon", reason); err != nil {
			d.log.Warn("admission transition failed", "task_id", t.ID, "error", err)
			continue
		}

		logPath := layout.WorkerLogFile(project.Path, t.OrderID, t.ID, time.Now().UnixNano())
		command := fmt.Sprintf("%s -db %s -project %s", d.cfg.WorkerBinary, d.cfg.DBPath, d.projectID)
		if _, err := d.workerSup.Spawn(ctx, t.ID, command, t.ID, logPath, d.cfg.WorkerTimeout, d.cfg.WorkerMaxStale); err != nil {
			d.log.Error("worker spawn failed", "task_id", t.ID, "error", err)
			continue
		}
		d.spawns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "worker")))
	}
	return nil
}
