// Package dependency implements the Dependency Resolver: given a task that
// just completed, compute which blocked tasks became ready.
package dependency

import (
	"context"
	"log/slog"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	ListDependents(ctx context.Context, projectID, taskID string) ([]string, error)
	ListDependencies(ctx context.Context, projectID, taskID string) ([]string, error)
	GetTask(ctx context.Context, projectID, taskID string) (model.Task, error)
	UpdateTaskStatus(ctx context.Context, projectID, taskID string, status model.TaskStatus) error
	RecordChange(ctx context.Context, c model.ChangeHistory) error
	EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error
}

// Resolver walks dependent edges and unblocks tasks whose dependencies are
// all satisfied.
type Resolver struct {
	store Store
	log   *slog.Logger
}

func NewResolver(store Store, log *slog.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// OnTaskCompleted is the event-driven path: task T just reached COMPLETED.
// Every direct dependent D with D.status = BLOCKED is re-checked; if every
// dependency of D is now COMPLETED, D transitions BLOCKED -> QUEUED.
func (r *Resolver) OnTaskCompleted(ctx context.Context, projectID, taskID string) ([]string, error) {
	dependents, err := r.store.ListDependents(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}

	var unblocked []string
	for _, depID := range dependents {
		dep, err := r.store.GetTask(ctx, projectID, depID)
		if err != nil {
			return unblocked, err
		}
		if dep.Status != model.TaskBlocked {
			continue
		}
		ready, err := r.allDependenciesCompleted(ctx, projectID, depID)
		if err != nil {
			return unblocked, err
		}
		if !ready {
			continue
		}
		if err := r.unblock(ctx, projectID, depID, taskID); err != nil {
			return unblocked, err
		}
		unblocked = append(unblocked, depID)
	}
	return unblocked, nil
}

// Reconcile is the defensive pass run every admission cycle: it re-checks
// every candidate in blockedCandidates (typically every currently-BLOCKED
// task in the project) independent of any specific completion event, to
// heal drift where a task should have unblocked but didn't (e.g. after a
// crash recovery path skipped the event path).
func (r *Resolver) Reconcile(ctx context.Context, projectID string, blockedCandidates []string) ([]string, error) {
	var healed []string
	for _, taskID := range blockedCandidates {
		task, err := r.store.GetTask(ctx, projectID, taskID)
		if err != nil {
			return healed, err
		}
		if task.Status != model.TaskBlocked {
			continue
		}
		ready, err := r.allDependenciesCompleted(ctx, projectID, taskID)
		if err != nil {
			return healed, err
		}
		if !ready {
			continue
		}
		if r.log != nil {
			r.log.Info("reconcile healed blocked-but-ready task", "task_id", taskID, "project_id", projectID)
		}
		if err := r.unblock(ctx, projectID, taskID, ""); err != nil {
			return healed, err
		}
		healed = append(healed, taskID)
	}
	return healed, nil
}

func (r *Resolver) allDependenciesCompleted(ctx context.Context, projectID, taskID string) (bool, error) {
	deps, err := r.store.ListDependencies(ctx, projectID, taskID)
	if err != nil {
		return false, err
	}
	for _, depOn := range deps {
		t, err := r.store.GetTask(ctx, projectID, depOn)
		if err != nil {
			return false, err
		}
		if t.Status != model.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (r *Resolver) unblock(ctx context.Context, projectID, taskID, reasonTaskID string) error {
	if err := r.store.UpdateTaskStatus(ctx, projectID, taskID, model.TaskQueued); err != nil {
		return err
	}
	reason := "dependency resolver: all dependencies completed"
	if reasonTaskID != "" {
		reason = "dependency resolver: unblocked by completion of " + reasonTaskID
	}
	if err := r.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID:    projectID,
		EntityType:   model.EntityTask,
		EntityID:     taskID,
		FieldName:    "status",
		OldValue:     string(model.TaskBlocked),
		NewValue:     string(model.TaskQueued),
		ChangedBy:    "dependency_resolver",
		ChangeReason: reason,
	}); err != nil {
		return err
	}
	return r.store.EmitEvent(ctx, projectID, model.EventDependencyResolved, taskID, reason)
}
