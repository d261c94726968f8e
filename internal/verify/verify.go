// Package verify is the standalone DB consistency checker: a read-only pass
// over the relational schema reporting foreign-key orphans, duplicate
// composite keys, invalid status values, and the I1-I4 runtime invariants
// (file locks, dependency safety, review monotonicity, transition legality)
// spec.md's error taxonomy names as "StorageIntegrity". It never
// auto-corrects; every finding is surfaced for a human or an operator script
// to act on.
package verify

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/swarmguard/aipm-orchestrator/internal/layout"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/store"
)

// Severity classifies how urgently a finding needs attention.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Category groups findings by the area of the schema they concern.
type Category string

const (
	CategoryForeignKey Category = "FK"
	CategoryStatus     Category = "STATUS"
	CategoryDependency Category = "DEPENDENCY"
	CategoryLock       Category = "LOCK"
	CategoryReview     Category = "REVIEW"
	CategoryBacklog    Category = "BACKLOG"
	CategoryArtifact   Category = "ARTIFACT"
)

// Issue is one consistency finding.
type Issue struct {
	Category Category
	Severity Severity
	Message  string
	Details  map[string]string
}

// Stats summarizes a Report's issue counts.
type Stats struct {
	TotalChecks int
	Errors      int
	Warnings    int
	Info        int
}

// Report is the result of a full Check pass.
type Report struct {
	Success   bool
	ProjectID string
	Stats     Stats
	Issues    []Issue
}

// Store is the narrow slice of internal/store.Store this package reads.
// Every method is a read-only query; Checker never writes.
type Store interface {
	OrphanOrders(ctx context.Context) ([]store.OrphanRef, error)
	OrphanTasksByProject(ctx context.Context) ([]store.OrphanRef, error)
	OrphanTasksByOrder(ctx context.Context) ([]store.OrphanRef, error)
	OrphanTaskDependencies(ctx context.Context) ([]store.OrphanRef, error)
	OrphanBacklogItems(ctx context.Context) ([]store.OrphanRef, error)
	OrphanBacklogOrders(ctx context.Context) ([]store.OrphanRef, error)
	DuplicateCompositeKeys(ctx context.Context) ([]store.DuplicateKey, error)
	AllOrderStatuses(ctx context.Context) ([]store.StatusRow, error)
	AllTaskStatuses(ctx context.Context) ([]store.StatusRow, error)
	AllBacklogStatuses(ctx context.Context) ([]store.StatusRow, error)
	StatusChangeHistory(ctx context.Context) ([]store.StatusTransitionHistoryRow, error)
	ListTransitionRules(ctx context.Context, entity model.EntityType) ([]model.StatusTransitionRule, error)
	IncompleteDependenciesForNonBlockedTasks(ctx context.Context) ([]store.TaskDepRow, error)
	BlockedTasksWithNoOutstandingDependency(ctx context.Context) ([]store.StatusRow, error)
	LocksOnNonRunningTasks(ctx context.Context) ([]store.LockRow, error)
	ReviewedTasksInPreReviewStatus(ctx context.Context) ([]store.StatusRow, error)
	BacklogInconsistentWithCompletedOrder(ctx context.Context) ([]store.BacklogOrderStatusRow, error)
	CompletedTaskArtifactCandidates(ctx context.Context) ([]store.TaskArtifactRow, error)
	GetTask(ctx context.Context, projectID, taskID string) (model.Task, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
}

var validOrderStatuses = map[string]bool{
	string(model.OrderPlanning): true, string(model.OrderInProgress): true,
	string(model.OrderReview): true, string(model.OrderCompleted): true,
	string(model.OrderOnHold): true, string(model.OrderCancelled): true,
}

var validTaskStatuses = map[string]bool{
	string(model.TaskQueued): true, string(model.TaskBlocked): true,
	string(model.TaskInProgress): true, string(model.TaskDone): true,
	string(model.TaskRework): true, string(model.TaskCompleted): true,
	string(model.TaskRejected): true, string(model.TaskCancelled): true,
	string(model.TaskSkipped): true, string(model.TaskEscalated): true,
	string(model.TaskInterrupted): true,
}

var validBacklogStatuses = map[string]bool{
	string(model.BacklogTodo): true, string(model.BacklogInProgress): true,
	string(model.BacklogDone): true, string(model.BacklogCanceled): true,
	string(model.BacklogExternal): true,
}

// Checker runs the consistency pass over one Store.
type Checker struct {
	store Store
}

func NewChecker(s Store) *Checker {
	return &Checker{store: s}
}

// CheckAll runs every check across the whole database and returns one
// aggregate Report. Individual checks are independent; a query failure in
// one does not abort the rest, it's folded into the returned error after
// every other check has run.
func (c *Checker) CheckAll(ctx context.Context) (Report, error) {
	r := Report{ProjectID: "ALL"}
	var firstErr error
	run := func(fn func(context.Context) ([]Issue, error)) {
		r.Stats.TotalChecks++
		issues, err := fn(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
			return
		}
		for _, iss := range issues {
			r.addIssue(iss)
		}
	}

	run(c.checkForeignKeys)
	run(c.checkStatusValidity)
	run(c.checkStatusTransitions)
	run(c.checkCompositeKeys)
	run(c.checkTaskDependencies)
	run(c.checkFileLocks)
	run(c.checkReviewConsistency)
	run(c.checkBacklog)
	run(c.checkArtifactFiles)

	r.Success = r.Stats.Errors == 0
	return r, firstErr
}

func (r *Report) addIssue(i Issue) {
	r.Issues = append(r.Issues, i)
	switch i.Severity {
	case SeverityError:
		r.Stats.Errors++
	case SeverityWarning:
		r.Stats.Warnings++
	case SeverityInfo:
		r.Stats.Info++
	}
}

func (c *Checker) checkForeignKeys(ctx context.Context) ([]Issue, error) {
	var out []Issue
	add := func(refs []store.OrphanRef, err error, entityLabel string) error {
		if err != nil {
			return err
		}
		for _, ref := range refs {
			out = append(out, Issue{
				Category: CategoryForeignKey,
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s %s references missing %s %s", entityLabel, ref.EntityID, ref.RefField, ref.RefValue),
				Details: map[string]string{
					"entity_id": ref.EntityID, "project_id": ref.ProjectID,
					ref.RefField: ref.RefValue,
				},
			})
		}
		return nil
	}

	orders, err := c.store.OrphanOrders(ctx)
	if err := add(orders, err, "ORDER"); err != nil {
		return nil, err
	}
	tasksP, err := c.store.OrphanTasksByProject(ctx)
	if err := add(tasksP, err, "TASK"); err != nil {
		return nil, err
	}
	tasksO, err := c.store.OrphanTasksByOrder(ctx)
	if err := add(tasksO, err, "TASK"); err != nil {
		return nil, err
	}
	deps, err := c.store.OrphanTaskDependencies(ctx)
	if err := add(deps, err, "TASK"); err != nil {
		return nil, err
	}
	backlog, err := c.store.OrphanBacklogItems(ctx)
	if err := add(backlog, err, "BACKLOG"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Checker) checkStatusValidity(ctx context.Context) ([]Issue, error) {
	var out []Issue

	orders, err := c.store.AllOrderStatuses(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range orders {
		if !validOrderStatuses[r.Status] {
			out = append(out, invalidStatusIssue("ORDER", r))
		}
	}

	tasks, err := c.store.AllTaskStatuses(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range tasks {
		if !validTaskStatuses[r.Status] {
			out = append(out, invalidStatusIssue("TASK", r))
		}
	}

	backlog, err := c.store.AllBacklogStatuses(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range backlog {
		if !validBacklogStatuses[r.Status] {
			out = append(out, invalidStatusIssue("BACKLOG", r))
		}
	}
	return out, nil
}

func invalidStatusIssue(entityLabel string, r store.StatusRow) Issue {
	return Issue{
		Category: CategoryStatus,
		Severity: SeverityError,
		Message:  fmt.Sprintf("%s %s has invalid status %q", entityLabel, r.ID, r.Status),
		Details:  map[string]string{"id": r.ID, "project_id": r.ProjectID, "status": r.Status},
	}
}

// checkStatusTransitions is the I4 invariant: no ChangeHistory row records a
// (entity_type, old_value, new_value) edge outside the active rule table.
func (c *Checker) checkStatusTransitions(ctx context.Context) ([]Issue, error) {
	history, err := c.store.StatusChangeHistory(ctx)
	if err != nil {
		return nil, err
	}

	rulesByEntity := map[model.EntityType][]model.StatusTransitionRule{}
	for _, entity := range []model.EntityType{model.EntityTask, model.EntityOrder, model.EntityProject, model.EntityBacklog} {
		rules, err := c.store.ListTransitionRules(ctx, entity)
		if err != nil {
			return nil, err
		}
		rulesByEntity[entity] = rules
	}

	var out []Issue
	for _, h := range history {
		if legalTransition(rulesByEntity[model.EntityType(h.EntityType)], h.FromStatus, h.ToStatus) {
			continue
		}
		out = append(out, Issue{
			Category: CategoryStatus,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s %s has an undeclared status transition %s->%s", h.EntityType, h.EntityID, orInitial(h.FromStatus), h.ToStatus),
			Details: map[string]string{
				"entity_type": h.EntityType, "entity_id": h.EntityID,
				"from_status": h.FromStatus, "to_status": h.ToStatus, "changed_at": h.ChangedAt,
			},
		})
	}
	return out, nil
}

func orInitial(from string) string {
	if from == "" {
		return "(none)"
	}
	return from
}

func legalTransition(rules []model.StatusTransitionRule, from, to string) bool {
	for _, r := range rules {
		ruleFrom := ""
		if r.FromStatus != nil {
			ruleFrom = *r.FromStatus
		}
		if ruleFrom == from && r.ToStatus == to {
			return true
		}
	}
	return false
}

func (c *Checker) checkCompositeKeys(ctx context.Context) ([]Issue, error) {
	dups, err := c.store.DuplicateCompositeKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []Issue
	for _, d := range dups {
		out = append(out, Issue{
			Category: CategoryForeignKey,
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s composite key (id=%s, project_id=%s) is duplicated %d times", d.Table, d.ID, d.ProjectID, d.Count),
			Details:  map[string]string{"table": d.Table, "id": d.ID, "project_id": d.ProjectID},
		})
	}
	return out, nil
}

// checkTaskDependencies is the I2 invariant (dependency safety) plus the
// BLOCKED-but-should-be-QUEUED companion check.
func (c *Checker) checkTaskDependencies(ctx context.Context) ([]Issue, error) {
	var out []Issue

	incomplete, err := c.store.IncompleteDependenciesForNonBlockedTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range incomplete {
		sev := SeverityInfo
		if r.TaskStatus == string(model.TaskInProgress) || r.TaskStatus == string(model.TaskDone) || r.TaskStatus == string(model.TaskCompleted) {
			sev = SeverityError
		}
		out = append(out, Issue{
			Category: CategoryDependency,
			Severity: sev,
			Message:  fmt.Sprintf("TASK %s (status=%s) depends on %s which is not COMPLETED (status=%s)", r.TaskID, r.TaskStatus, r.DependsOnID, r.DependStatus),
			Details: map[string]string{
				"task_id": r.TaskID, "project_id": r.ProjectID, "status": r.TaskStatus,
				"depends_on": r.DependsOnID, "depend_status": r.DependStatus,
			},
		})
	}

	stale, err := c.store.BlockedTasksWithNoOutstandingDependency(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range stale {
		out = append(out, Issue{
			Category: CategoryDependency,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("TASK %s is BLOCKED but every dependency is already COMPLETED", r.ID),
			Details:  map[string]string{"task_id": r.ID, "project_id": r.ProjectID, "status": r.Status},
		})
	}
	return out, nil
}

// checkFileLocks is the I1 invariant: every file_locks row's owning task
// must be IN_PROGRESS.
func (c *Checker) checkFileLocks(ctx context.Context) ([]Issue, error) {
	locks, err := c.store.LocksOnNonRunningTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []Issue
	for _, l := range locks {
		out = append(out, Issue{
			Category: CategoryLock,
			Severity: SeverityError,
			Message:  fmt.Sprintf("file lock on %s held by TASK %s whose status is %s, not IN_PROGRESS", l.FilePath, l.TaskID, l.TaskStatus),
			Details: map[string]string{
				"project_id": l.ProjectID, "file_path": l.FilePath,
				"task_id": l.TaskID, "task_status": l.TaskStatus,
			},
		})
	}
	return out, nil
}

// checkReviewConsistency is the I3 invariant: reviewed_at must have been
// cleared by the time a task is back in QUEUED, BLOCKED, or IN_PROGRESS.
func (c *Checker) checkReviewConsistency(ctx context.Context) ([]Issue, error) {
	stale, err := c.store.ReviewedTasksInPreReviewStatus(ctx)
	if err != nil {
		return nil, err
	}
	var out []Issue
	for _, r := range stale {
		out = append(out, Issue{
			Category: CategoryReview,
			Severity: SeverityError,
			Message:  fmt.Sprintf("TASK %s carries a stale reviewed_at while status is %s", r.ID, r.Status),
			Details:  map[string]string{"task_id": r.ID, "project_id": r.ProjectID, "status": r.Status},
		})
	}
	return out, nil
}

func (c *Checker) checkBacklog(ctx context.Context) ([]Issue, error) {
	var out []Issue

	orphans, err := c.store.OrphanBacklogOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range orphans {
		out = append(out, Issue{
			Category: CategoryBacklog,
			Severity: SeverityError,
			Message:  fmt.Sprintf("BACKLOG %s references missing ORDER %s", ref.EntityID, ref.RefValue),
			Details:  map[string]string{"backlog_id": ref.EntityID, "project_id": ref.ProjectID, "related_order_id": ref.RefValue},
		})
	}

	inconsistent, err := c.store.BacklogInconsistentWithCompletedOrder(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range inconsistent {
		out = append(out, Issue{
			Category: CategoryBacklog,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("BACKLOG %s's related ORDER %s is COMPLETED but backlog status is %s", r.BacklogID, r.OrderID, r.BacklogStatus),
			Details: map[string]string{
				"backlog_id": r.BacklogID, "project_id": r.ProjectID,
				"backlog_status": r.BacklogStatus, "order_id": r.OrderID, "order_status": r.OrderStatus,
			},
		})
	}
	return out, nil
}

// checkArtifactFiles verifies that every DONE/COMPLETED task left behind a
// Report file, and that a COMPLETED task's artifacts directory exists and
// isn't empty.
func (c *Checker) checkArtifactFiles(ctx context.Context) ([]Issue, error) {
	candidates, err := c.store.CompletedTaskArtifactCandidates(ctx)
	if err != nil {
		return nil, err
	}

	var out []Issue
	for _, t := range candidates {
		reportFile := layout.ReportFile(t.ProjectPath, t.OrderID, t.TaskID)
		if _, err := os.Stat(reportFile); os.IsNotExist(err) {
			out = append(out, Issue{
				Category: CategoryArtifact,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("TASK %s (status=%s) has no Report file at %s", t.TaskID, t.Status, reportFile),
				Details:  map[string]string{"task_id": t.TaskID, "project_id": t.ProjectID, "expected_path": reportFile},
			})
		}

		if t.Status != string(model.TaskCompleted) {
			continue
		}
		artifactsDir := layout.ArtifactsDir(t.ProjectPath, t.OrderID)
		entries, err := os.ReadDir(artifactsDir)
		switch {
		case os.IsNotExist(err):
			out = append(out, Issue{
				Category: CategoryArtifact,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("TASK %s (status=%s) has no artifacts directory at %s", t.TaskID, t.Status, artifactsDir),
				Details:  map[string]string{"task_id": t.TaskID, "project_id": t.ProjectID, "expected_path": artifactsDir},
			})
		case err == nil && len(entries) == 0:
			out = append(out, Issue{
				Category: CategoryArtifact,
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("TASK %s's artifacts directory %s is empty", t.TaskID, artifactsDir),
				Details:  map[string]string{"task_id": t.TaskID, "project_id": t.ProjectID, "path": artifactsDir},
			})
		}
	}
	return out, nil
}

// CheckTask runs the subset of checks meaningful for a single task, used at
// task-completion time rather than as a full sweep: status validity and, for
// a DONE/COMPLETED task, the artifact-presence check. Mirrors the narrower
// single-task verification a Worker or Reviewer can afford to run inline.
func (c *Checker) CheckTask(ctx context.Context, projectID, taskID string) (Report, error) {
	task, err := c.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return Report{}, err
	}
	r := Report{ProjectID: projectID}
	r.Stats.TotalChecks++

	if !validTaskStatuses[string(task.Status)] {
		r.addIssue(invalidStatusIssue("TASK", store.StatusRow{ID: task.ID, ProjectID: task.ProjectID, Status: string(task.Status)}))
	}

	if task.Status == model.TaskDone || task.Status == model.TaskCompleted {
		project, err := c.store.GetProject(ctx, projectID)
		if err != nil {
			return Report{}, err
		}
		reportFile := layout.ReportFile(project.Path, task.OrderID, task.ID)
		if _, err := os.Stat(reportFile); os.IsNotExist(err) {
			r.addIssue(Issue{
				Category: CategoryArtifact,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("TASK %s has no Report file at %s", task.ID, reportFile),
				Details:  map[string]string{"task_id": task.ID, "expected_path": reportFile},
			})
		}
		if task.Status == model.TaskCompleted {
			artifactsDir := layout.ArtifactsDir(project.Path, task.OrderID)
			entries, statErr := os.ReadDir(artifactsDir)
			if os.IsNotExist(statErr) {
				r.addIssue(Issue{
					Category: CategoryArtifact,
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("TASK %s has no artifacts directory at %s", task.ID, artifactsDir),
					Details:  map[string]string{"task_id": task.ID, "expected_path": artifactsDir},
				})
			} else if statErr == nil && len(entries) == 0 {
				r.addIssue(Issue{
					Category: CategoryArtifact,
					Severity: SeverityInfo,
					Message:  fmt.Sprintf("TASK %s's artifacts directory %s is empty", task.ID, artifactsDir),
					Details:  map[string]string{"task_id": task.ID, "path": artifactsDir},
				})
			}
		}
	}

	r.Success = r.Stats.Errors == 0
	return r, nil
}

// SortIssues orders findings by severity (errors first) then category, for
// stable CLI output.
func SortIssues(issues []Issue) {
	rank := map[Severity]int{SeverityError: 0, SeverityWarning: 1, SeverityInfo: 2}
	sort.SliceStable(issues, func(i, j int) bool {
		if rank[issues[i].Severity] != rank[issues[j].Severity] {
			return rank[issues[i].Severity] < rank[issues[j].Severity]
		}
		return issues[i].Category < issues[j].Category
	})
}
