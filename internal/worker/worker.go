// Package worker implements the Worker Subsystem: the one-shot subprocess
// driver that executes a single Task end to end — prompt assembly, Runner
// invocation, bounded self-verification, Report emission, the static-
// analysis and destructive-SQL post-hooks, and the terminal DONE
// transition. Any failure anywhere in this sequence is handed to
// internal/recovery, which is the only thing that decides the task's next
// status.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/layout"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/recovery"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	GetTask(ctx context.Context, projectID, taskID string) (model.Task, error)
	GetOrder(ctx context.Context, projectID, orderID string) (model.Order, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
	ListHistory(ctx context.Context, projectID string, entity model.EntityType, entityID string) ([]model.ChangeHistory, error)
	ListIncidentsForTask(ctx context.Context, projectID, taskID string) ([]model.Incident, error)
	SetStaticAnalysisScore(ctx context.Context, projectID, taskID string, score float64) error
	ClearReviewedAt(ctx context.Context, projectID, taskID string) error
	EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error
}

// FSM is the slice of internal/taskfsm.Machine this package depends on.
type FSM interface {
	Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error
}

// Locker lets the Worker drop stale locks on a REWORK re-entry before the
// FSM re-acquires them, per spec.md's "releases then re-acquires" rule —
// the FSM itself only releases locks on exit *from* IN_PROGRESS, which a
// REWORK->IN_PROGRESS move never passes through.
type Locker interface {
	Release(ctx context.Context, projectID, taskID string) error
}

// BugPatterns is the slice of internal/bugpattern.Library this package
// depends on.
type BugPatterns interface {
	SelectForInjection(ctx context.Context, projectID string) ([]model.BugPattern, error)
	RecordOutcome(ctx context.Context, patternID int64, taskFailed bool) error
}

// Recovery is the slice of internal/recovery.Engine this package depends on.
type Recovery interface {
	Handle(ctx context.Context, projectID, taskID, errText string) (recovery.Decision, error)
}

// Runner is the slice of internal/runner.Runner this package depends on.
type Runner interface {
	Run(ctx context.Context, spec runner.Spec) (runner.Result, error)
}

// VerificationResult is what one self-verification pass produced.
type VerificationResult struct {
	Passed bool
	Output string
}

// Verifier runs lint/test/type-check tooling against a task's declared
// artifacts. Detect reports whether any such tooling exists in workDir, so
// a project with none of it skips the loop instead of looping on nothing.
type Verifier interface {
	Detect(workDir string, artifacts []string) bool
	Verify(ctx context.Context, workDir string, artifacts []string) (VerificationResult, error)
}

// StaticAnalyzer is the best-effort post-hook over a task's declared
// artifacts: never fatal, its score and findings are attached to the
// Report and the task row.
type StaticAnalyzer interface {
	Analyze(ctx context.Context, workDir string, artifacts []string) (score float64, findings string, err error)
}

const (
	maxFixIterations = 3
	minReportBytes   = 100
)

var destructiveSQLPattern = regexp.MustCompile(`(?i)\b(drop\s+table|drop\s+column|truncate\s+table|alter\s+table\s+\w+\s+drop|delete\s+from\s+\w+\s*;)`)

// Worker drives one Task's execution.
type Worker struct {
	store      Store
	fsm        FSM
	locks      Locker
	bugs       BugPatterns
	recovery   Recovery
	runner     Runner
	verifier   Verifier
	staticScan StaticAnalyzer
	command    string
	timeout    time.Duration
	log        *slog.Logger
}

func New(store Store, fsm FSM, locks Locker, bugs BugPatterns, rec Recovery, rnr Runner, verifier Verifier, staticScan StaticAnalyzer, command string, timeout time.Duration, log *slog.Logger) *Worker {
	return &Worker{
		store: store, fsm: fsm, locks: locks, bugs: bugs, recovery: rec, runner: rnr,
		verifier: verifier, staticScan: staticScan, command: command, timeout: timeout, log: log,
	}
}

// Result is what a completed (successful) Execute produced.
type Result struct {
	ReportPath        string
	VerificationPasses int
	StaticAnalysisScore *float64
	DestructiveFindings []string
}

// Execute runs taskID end to end. On any failure it routes the error
// through Recovery (which owns the resulting transition) and returns that
// same error to the caller so the Supervisor can log it; Execute itself
// never decides the task's next status.
func (w *Worker) Execute(ctx context.Context, projectID, taskID string) (Result, error) {
	task, order, project, err := w.fetch(ctx, projectID, taskID)
	if err != nil {
		return Result{}, err // nothing to recover: fetch failed before the task was ever runnable (unknown id, terminal/blocked status)
	}

	if err := w.assign(ctx, projectID, taskID, task.Status); err != nil {
		return Result{}, err
	}

	result, err := w.run(ctx, task, order, project)
	if err != nil {
		w.fail(ctx, projectID, taskID, err)
		return Result{}, err
	}

	if err := w.fsm.Transition(ctx, projectID, taskID, string(model.TaskDone), model.RoleWorker, "worker", "worker finished"); err != nil {
		w.fail(ctx, projectID, taskID, err)
		return Result{}, err
	}

	return result, nil
}

func (w *Worker) fetch(ctx context.Context, projectID, taskID string) (model.Task, model.Order, model.Project, error) {
	task, err := w.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return model.Task{}, model.Order{}, model.Project{}, err
	}
	// IN_PROGRESS is also runnable here: the Daemon's admission step
	// (internal/daemon/steps.go admit) transitions QUEUED/REWORK->IN_PROGRESS
	// before spawning this subprocess, so by the time fetch runs the task is
	// already IN_PROGRESS. assign below re-applies that same transition,
	// which the FSM treats as a same-status no-op.
	if task.Status != model.TaskQueued && task.Status != model.TaskRework && task.Status != model.TaskInProgress {
		return model.Task{}, model.Order{}, model.Project{}, apperr.ValidationError{
			Field: "task_status", Reason: "not runnable: " + string(task.Status),
		}
	}
	order, err := w.store.GetOrder(ctx, projectID, task.OrderID)
	if err != nil {
		return model.Task{}, model.Order{}, model.Project{}, err
	}
	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		return model.Task{}, model.Order{}, model.Project{}, err
	}
	return task, order, project, nil
}

// assign transitions the task into IN_PROGRESS, dropping stale locks first
// on a REWORK re-entry. When the Daemon already pre-transitioned the task
// (the normal admission path), from is already IN_PROGRESS and the FSM's
// same-status no-op applies: locks stay held from that earlier transition
// and no duplicate history row is written.
func (w *Worker) assign(ctx context.Context, projectID, taskID string, from model.TaskStatus) error {
	if from == model.TaskRework {
		if err := w.locks.Release(ctx, projectID, taskID); err != nil && w.log != nil {
			w.log.Warn("stale lock release before rework re-entry failed", "task_id", taskID, "error", err)
		}
		// reviewed_at was set by the Reviewer on the prior DONE->REWORK verdict;
		// clear it here so the task is reviewable again once this run finishes.
		if err := w.store.ClearReviewedAt(ctx, projectID, taskID); err != nil {
			return err
		}
	}
	return w.fsm.Transition(ctx, projectID, taskID, string(model.TaskInProgress), model.RoleWorker, "worker", "assigned")
}

// run performs steps 3-8 of the per-task execution sequence: prompt build,
// AI execution, self-verification, Report emission, static analysis,
// destructive-SQL scan. It does not change the task's status; the caller
// drives IN_PROGRESS->DONE once run returns cleanly.
func (w *Worker) run(ctx context.Context, task model.Task, order model.Order, project model.Project) (Result, error) {
	patterns, err := w.bugs.SelectForInjection(ctx, task.ProjectID)
	if err != nil {
		return Result{}, err
	}

	prompt, err := w.buildPrompt(ctx, task, order, patterns)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	execResult, err := w.runner.Run(runCtx, runner.Spec{
		Command:      w.command,
		Prompt:       prompt,
		WorkDir:      project.Path,
		Timeout:      w.timeout,
		Model:        task.RecommendedModel,
		AllowedTools: runner.DefaultAllowedTools,
	})
	if err != nil {
		w.recordBugOutcome(ctx, patterns, true)
		return Result{}, err
	}

	passes, err := w.selfVerify(ctx, task, project, execResult)
	if err != nil {
		w.recordBugOutcome(ctx, patterns, true)
		return Result{}, err
	}

	reportPath := layout.ReportFile(project.Path, task.OrderID, task.ID)
	if err := w.writeReport(reportPath, task, execResult, passes); err != nil {
		w.recordBugOutcome(ctx, patterns, true)
		return Result{}, err
	}

	var score *float64
	if w.staticScan != nil {
		if s, findings, err := w.staticScan.Analyze(ctx, project.Path, task.TargetFiles); err != nil {
			if w.log != nil {
				w.log.Warn("static analysis hook failed, continuing", "task_id", task.ID, "error", err)
			}
		} else {
			score = &s
			if err := w.appendToReport(reportPath, "## Static analysis\n\n"+findings); err != nil && w.log != nil {
				w.log.Warn("could not append static analysis section to report", "task_id", task.ID, "error", err)
			}
			if err := w.store.SetStaticAnalysisScore(ctx, task.ProjectID, task.ID, s); err != nil {
				return Result{}, err
			}
		}
	}

	findings := w.scanDestructiveSQL(project.Path, task.TargetFiles)
	if len(findings) > 0 {
		section := "## Destructive SQL scan\n\n" + strings.Join(findings, "\n")
		if err := w.appendToReport(reportPath, section); err != nil && w.log != nil {
			w.log.Warn("could not append destructive-SQL section to report", "task_id", task.ID, "error", err)
		}
	}

	w.recordBugOutcome(ctx, patterns, false)

	return Result{
		ReportPath:          reportPath,
		VerificationPasses:  passes,
		StaticAnalysisScore: score,
		DestructiveFindings: findings,
	}, nil
}

func (w *Worker) recordBugOutcome(ctx context.Context, patterns []model.BugPattern, failed bool) {
	for _, p := range patterns {
		if err := w.bugs.RecordOutcome(ctx, p.ID, failed); err != nil && w.log != nil {
			w.log.Warn("bug pattern outcome recording failed", "pattern_id", p.ID, "error", err)
		}
	}
}

// selfVerify runs the bounded lint/test/type-check loop (spec.md §4.9 step
// 5): verify, and on failure rebuild a fix prompt incorporating the tool
// output and re-invoke the Runner, up to maxFixIterations times.
func (w *Worker) selfVerify(ctx context.Context, task model.Task, project model.Project, execResult runner.Result) (int, error) {
	if w.verifier == nil || !w.verifier.Detect(project.Path, task.TargetFiles) {
		return 0, nil
	}

	attempt := 0
	for {
		vr, err := w.verifier.Verify(ctx, project.Path, task.TargetFiles)
		if err != nil {
			return attempt, err
		}
		attempt++
		if vr.Passed || attempt > maxFixIterations {
			return attempt, nil
		}

		fixPrompt := w.buildFixPrompt(task, vr)
		fixCtx, cancel := context.WithTimeout(ctx, w.timeout)
		_, err = w.runner.Run(fixCtx, runner.Spec{
			Command:      w.command,
			Prompt:       fixPrompt,
			WorkDir:      project.Path,
			Timeout:      w.timeout,
			Model:        task.RecommendedModel,
			AllowedTools: runner.DefaultAllowedTools,
		})
		cancel()
		if err != nil {
			return attempt, err
		}
	}
}

func (w *Worker) buildFixPrompt(task model.Task, vr VerificationResult) string {
	return fmt.Sprintf(
		"Self-verification of %q failed. Fix the reported issues.\n\nTool output:\n%s\n",
		task.Title, vr.Output,
	)
}

// buildPrompt composes the header, REWORK excerpt, failure context,
// environment-constraints section, migration-safety note, and bug-pattern
// injections spec.md §4.9 step 3 names.
func (w *Worker) buildPrompt(ctx context.Context, task model.Task, order model.Order, patterns []model.BugPattern) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Order: %s\nTask: %s (%s)\n\n%s\n\n", order.Title, task.Title, task.ID, task.Description)

	if task.Status == model.TaskRework {
		history, err := w.store.ListHistory(ctx, task.ProjectID, model.EntityTask, task.ID)
		if err != nil {
			return "", err
		}
		if excerpt := reworkExcerpt(history); excerpt != "" {
			b.WriteString("Rework history:\n" + excerpt + "\n\n")
		}
		incidents, err := w.store.ListIncidentsForTask(ctx, task.ProjectID, task.ID)
		if err != nil {
			return "", err
		}
		if ctxText := failureContext(incidents); ctxText != "" {
			b.WriteString("Previous failure context:\n" + ctxText + "\n\n")
		}
	}

	b.WriteString("[environment constraints] This task executes in a terminal-only subprocess; it must not attempt GUI interaction (clicking, screenshots, window manipulation). Re-scope the work to CLI/API/file-level actions.\n\n")

	if task.IsDestructiveDBChange {
		b.WriteString("[migration safety] This task changes schema destructively. Back up affected tables conceptually before applying DDL and state the rollback plan in the Report.\n\n")
	}

	if len(patterns) > 0 {
		b.WriteString("Known failure patterns to avoid:\n")
		for _, p := range patterns {
			fmt.Fprintf(&b, "- %s: %s (solution: %s)\n", p.Title, p.Description, p.Solution)
		}
		b.WriteString("\n")
	}

	return b.String(), nil
}

func reworkExcerpt(history []model.ChangeHistory) string {
	var lines []string
	for _, h := range history {
		if h.FieldName == "status" && h.NewValue == string(model.TaskRework) {
			lines = append(lines, fmt.Sprintf("- %s: %s", h.ChangedAt.Format(time.RFC3339), h.ChangeReason))
		}
	}
	return strings.Join(lines, "\n")
}

func failureContext(incidents []model.Incident) string {
	var lines []string
	for _, inc := range incidents {
		if inc.Category == model.IncidentWorker {
			lines = append(lines, fmt.Sprintf("- %s: %s", inc.OccurredAt.Format(time.RFC3339), inc.RootCause))
		}
	}
	return strings.Join(lines, "\n")
}

func (w *Worker) writeReport(path string, task model.Task, execResult runner.Result, verificationPasses int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Report: %s\n\n## Output\n\n%s\n\n## Verification\n\n%d pass(es)\n", task.Title, execResult.Stdout, verificationPasses)
	content := b.String()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() < minReportBytes {
		return apperr.ReportMissingError{Path: path, Size: info.Size()}
	}
	return nil
}

func (w *Worker) appendToReport(path, section string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("\n\n" + section + "\n")
	return err
}

// scanDestructiveSQL never blocks the task; it only appends findings.
func (w *Worker) scanDestructiveSQL(projectPath string, targetFiles []string) []string {
	var findings []string
	for _, rel := range targetFiles {
		if !strings.HasSuffix(rel, ".sql") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(projectPath, rel))
		if err != nil {
			continue
		}
		if loc := destructiveSQLPattern.FindString(string(content)); loc != "" {
			findings = append(findings, fmt.Sprintf("%s: %q", rel, loc))
		}
	}
	return findings
}

// fail routes a run failure through Recovery, which owns the resulting
// transition and Incident record; Execute just propagates the original
// error to its caller for logging.
func (w *Worker) fail(ctx context.Context, projectID, taskID string, err error) {
	if _, recErr := w.recovery.Handle(ctx, projectID, taskID, err.Error()); recErr != nil && w.log != nil {
		w.log.Error("auto recovery handling itself failed", "task_id", taskID, "error", recErr)
	}
	if emitErr := w.store.EmitEvent(ctx, projectID, model.EventTaskFailed, taskID, err.Error()); emitErr != nil && w.log != nil {
		w.log.Warn("could not emit task-failed event", "task_id", taskID, "error", emitErr)
	}
}
