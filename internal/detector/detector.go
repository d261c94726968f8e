// Package detector implements the Parallel Task Detector: selects up to
// limit ready tasks per spec.md §4.6, greedy under the lock-conflict
// constraint so a batch is internally consistent.
package detector

import (
	"context"
	"sort"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	ListReadyTasks(ctx context.Context, projectID string) ([]model.Task, error)
}

// LockChecker is the slice of internal/locks.Manager this package depends on.
type LockChecker interface {
	CanTaskStart(ctx context.Context, projectID, taskID string, paths []string) (bool, []string, error)
}

// Detector selects launch candidates.
type Detector struct {
	store Store
	locks LockChecker
}

func NewDetector(store Store, locks LockChecker) *Detector {
	return &Detector{store: store, locks: locks}
}

// Select returns up to limit tasks in ranking order: REWORK before QUEUED,
// then priority P0 > P1 > P2, then created_at ascending, filtering out any
// task whose target files conflict with a lock already held or with a task
// earlier in this same batch.
func (d *Detector) Select(ctx context.Context, projectID string, limit int) ([]model.Task, error) {
	ready, err := d.store.ListReadyTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := rework(ready[i]), rework(ready[j])
		if ri != rj {
			return ri // REWORK (true) sorts before QUEUED (false)
		}
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() < ready[j].Priority.Rank()
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	claimed := map[string]bool{}
	var selected []model.Task
	for _, t := range ready {
		if len(selected) >= limit {
			break
		}
		if batchConflict(t, claimed) {
			continue
		}
		ok, _, err := d.locks.CanTaskStart(ctx, projectID, t.ID, t.TargetFiles)
		if err != nil {
			return selected, err
		}
		if !ok {
			continue
		}
		for _, p := range t.TargetFiles {
			claimed[p] = true
		}
		selected = append(selected, t)
	}
	return selected, nil
}

func rework(t model.Task) bool {
	return t.Status == model.TaskRework
}

func batchConflict(t model.Task, claimed map[string]bool) bool {
	for _, p := range t.TargetFiles {
		if claimed[p] {
			return true
		}
	}
	return false
}
