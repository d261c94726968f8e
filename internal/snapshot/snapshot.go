// Package snapshot implements the ROLLBACK action's file restore: reverting
// a task's working tree to the state it was in before its Worker run,
// without a separate snapshot table. Grounded on
// original_source/backend/worker/auto_recovery.py's optional
// snapshot_manager/auto_rollback integration (both absent from the pack,
// so this is a from-scratch equivalent in Go using the project's own git
// checkout rather than a bespoke snapshot store).
package snapshot

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// Store is the slice of internal/store.Store this package depends on, used
// only to resolve a task back to its project's working directory.
type Store interface {
	GetTask(ctx context.Context, projectID, taskID string) (model.Task, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
}

// GitRestorer restores a task's working tree via `git checkout` + `git
// clean`, discarding whatever the Worker subprocess left uncommitted. It
// assumes the project path is a git working tree, which every Project row
// spec.md names is expected to be (a Worker edits files under version
// control so a Reviewer can diff them).
type GitRestorer struct {
	store Store
}

func NewGitRestorer(store Store) *GitRestorer {
	return &GitRestorer{store: store}
}

// Restore discards uncommitted changes and untracked files under the
// project's working tree. Best-effort: the caller (internal/recovery) logs
// and proceeds to REWORK regardless of the outcome here.
func (r *GitRestorer) Restore(ctx context.Context, projectID, taskID string) error {
	task, err := r.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return fmt.Errorf("restore: load task: %w", err)
	}
	proj, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("restore: load project: %w", err)
	}

	if out, err := exec.CommandContext(ctx, "git", "-C", proj.Path, "checkout", "--", ".").CombinedOutput(); err != nil {
		return fmt.Errorf("restore task %s: git checkout: %w: %s", taskID, err, out)
	}
	args := append([]string{"-C", proj.Path, "clean", "-fd", "--"}, cleanPathspec(task.TargetFiles)...)
	if out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("restore task %s: git clean: %w: %s", taskID, err, out)
	}
	return nil
}

// cleanPathspec turns target_files into clean's pathspec args; an empty
// list falls back to cleaning the whole tree.
func cleanPathspec(files []string) []string {
	if len(files) == 0 {
		return []string{"."}
	}
	return files
}
