// Package locks layers the tie-break policy and advisory checks spec.md
// §4.3 calls for on top of internal/store's acquire-all-or-none primitive.
package locks

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	AcquireLocks(ctx context.Context, projectID, taskID string, paths []string) error
	ReleaseLocks(ctx context.Context, projectID, taskID string) error
	LocksForTask(ctx context.Context, projectID, taskID string) ([]string, error)
	ConflictsForPaths(ctx context.Context, projectID, taskID string, paths []string) (map[string]string, error)
}

// Conflict names a contended path and the task already holding it.
type Conflict struct {
	Path      string
	HeldByTask string
}

// Manager owns the tie-break policy layered on top of Store's atomic
// acquire-all-or-none.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Candidate is a task contending for a lock acquisition this tick.
type Candidate struct {
	TaskID    string
	Priority  model.Priority
	CreatedAt int64 // unix nanos, ascending tie-break
	Paths     []string
}

// Resolve orders candidates by the tie-break rule (priority, then earlier
// created_at) and attempts to acquire locks for each in that order, so a
// higher-priority task never loses a contended path to a lower-priority one
// scheduled the same tick. Losers are returned untouched for re-evaluation
// next tick.
func (m *Manager) Resolve(ctx context.Context, projectID string, candidates []Candidate) (winners []string, err error) {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority.Rank() != ordered[j].Priority.Rank() {
			return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
		}
		return ordered[i].CreatedAt < ordered[j].CreatedAt
	})

	meter := otel.Meter(telemetry.Meter)
	wins, _ := meter.Int64Counter("aipm_locks_acquire_win_total")
	losses, _ := meter.Int64Counter("aipm_locks_acquire_loss_total")

	claimed := map[string]string{} // path -> taskID already won this batch
	for _, c := range ordered {
		conflict := false
		for _, p := range c.Paths {
			if _, ok := claimed[p]; ok {
				conflict = true
				break
			}
		}
		if conflict {
			losses.Add(ctx, 1)
			continue
		}
		if err := m.store.AcquireLocks(ctx, projectID, c.TaskID, c.Paths); err != nil {
			losses.Add(ctx, 1)
			continue
		}
		for _, p := range c.Paths {
			claimed[p] = c.TaskID
		}
		winners = append(winners, c.TaskID)
		wins.Add(ctx, 1)
	}
	return winners, nil
}

// Release drops every lock held by taskID.
func (m *Manager) Release(ctx context.Context, projectID, taskID string) error {
	return m.store.ReleaseLocks(ctx, projectID, taskID)
}

// CheckConflicts is the advisory precheck the Detector runs before proposing
// a task as a launch candidate.
func (m *Manager) CheckConflicts(ctx context.Context, projectID, taskID string, paths []string) ([]Conflict, error) {
	owners, err := m.store.ConflictsForPaths(ctx, projectID, taskID, paths)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, 0, len(owners))
	for path, owner := range owners {
		out = append(out, Conflict{Path: path, HeldByTask: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CanTaskStart reports whether taskID's target files are all free, and if
// not, which tasks are blocking it.
func (m *Manager) CanTaskStart(ctx context.Context, projectID, taskID string, paths []string) (bool, []string, error) {
	conflicts, err := m.CheckConflicts(ctx, projectID, taskID, paths)
	if err != nil {
		return false, nil, err
	}
	if len(conflicts) == 0 {
		return true, nil, nil
	}
	blockers := make([]string, 0, len(conflicts))
	seen := map[string]bool{}
	for _, c := range conflicts {
		if !seen[c.HeldByTask] {
			seen[c.HeldByTask] = true
			blockers = append(blockers, c.HeldByTask)
		}
	}
	return false, blockers, nil
}
