// Package taskfsm is the Task State Machine: every Task status change in
// the system goes through Machine.Transition, which validates the move
// against internal/transition and then runs the side effects spec.md §4.2
// names (lock acquire/release, reject_count, model auto-escalation,
// dependency resolution) inside one logical operation.
package taskfsm

import (
	"context"
	"log/slog"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/locks"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	GetTask(ctx context.Context, projectID, taskID string) (model.Task, error)
	UpdateTaskStatus(ctx context.Context, projectID, taskID string, status model.TaskStatus) error
	IncrementRejectCount(ctx context.Context, projectID, taskID string) (int, error)
	SetRecommendedModel(ctx context.Context, projectID, taskID string, m model.Model) error
	RecordChange(ctx context.Context, c model.ChangeHistory) error
}

// Engine is the slice of internal/transition.Engine this package depends on.
type Engine interface {
	Check(ctx context.Context, kind model.EntityType, from *string, to string, role model.Role) error
}

// Locker is the slice of internal/locks.Manager this package depends on.
type Locker interface {
	Resolve(ctx context.Context, projectID string, candidates []locks.Candidate) ([]string, error)
	Release(ctx context.Context, projectID, taskID string) error
}

// DependencyResolver is the slice of internal/dependency.Resolver this
// package depends on.
type DependencyResolver interface {
	OnTaskCompleted(ctx context.Context, projectID, taskID string) ([]string, error)
}

// Machine drives every Task status transition.
type Machine struct {
	store    Store
	engine   Engine
	locks    Locker
	resolver DependencyResolver
	log      *slog.Logger
}

func NewMachine(store Store, engine Engine, locks Locker, resolver DependencyResolver, log *slog.Logger) *Machine {
	return &Machine{store: store, engine: engine, locks: locks, resolver: resolver, log: log}
}

// Transition moves taskID from its current status to `to`, enforcing role
// and running every side effect named in spec.md §4.2. changedBy/reason feed
// the ChangeHistory row.
func (m *Machine) Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error {
	task, err := m.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	from := string(task.Status)

	if err := m.engine.Check(ctx, model.EntityTask, &from, to, role); err != nil {
		return err
	}

	if from == to {
		return nil
	}

	// IN_PROGRESS entry: acquire all locks, all-or-none.
	if to == string(model.TaskInProgress) {
		winners, err := m.locks.Resolve(ctx, projectID, []locks.Candidate{
			{TaskID: taskID, Priority: task.Priority, CreatedAt: task.CreatedAt.UnixNano(), Paths: task.TargetFiles},
		})
		if err != nil {
			return err
		}
		if len(winners) == 0 {
			return apperr.LockConflictError{Paths: task.TargetFiles}
		}
	}

	// Any exit from IN_PROGRESS: release every lock this task holds.
	if from == string(model.TaskInProgress) {
		if err := m.locks.Release(ctx, projectID, taskID); err != nil {
			return err
		}
	}

	if from == string(model.TaskDone) && to == string(model.TaskRework) {
		if _, err := m.store.IncrementRejectCount(ctx, projectID, taskID); err != nil {
			return err
		}
	}

	if from == string(model.TaskRework) && to == string(model.TaskInProgress) {
		refreshed, err := m.store.GetTask(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if refreshed.RejectCount >= 2 && refreshed.RecommendedModel != model.ModelOpus {
			if err := m.store.SetRecommendedModel(ctx, projectID, taskID, model.ModelOpus); err != nil {
				return err
			}
			if err := m.store.RecordChange(ctx, model.ChangeHistory{
				ProjectID: projectID, EntityType: model.EntityTask, EntityID: taskID,
				FieldName: "recommended_model", OldValue: string(refreshed.RecommendedModel),
				NewValue: string(model.ModelOpus), ChangedBy: "task_state_machine",
				ChangeReason: "MODEL_UPGRADE escalation: reject_count >= 2",
			}); err != nil {
				return err
			}
			if m.log != nil {
				m.log.Info("model auto-escalated", "task_id", taskID, "project_id", projectID, "reject_count", refreshed.RejectCount)
			}
		}
	}

	if err := m.store.UpdateTaskStatus(ctx, projectID, taskID, model.TaskStatus(to)); err != nil {
		return err
	}

	if err := m.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: projectID, EntityType: model.EntityTask, EntityID: taskID,
		FieldName: "status", OldValue: from, NewValue: to,
		ChangedBy: changedBy, ChangeReason: reason,
	}); err != nil {
		return err
	}

	if to == string(model.TaskCompleted) && m.resolver != nil {
		if _, err := m.resolver.OnTaskCompleted(ctx, projectID, taskID); err != nil {
			return err
		}
	}

	return nil
}
