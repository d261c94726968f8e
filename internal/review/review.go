// Package review implements the Reviewer Subsystem: the one-shot subprocess
// that judges a DONE task's Report, drives the APPROVED/REJECTED/ESCALATED
// branch, and owns the rework loop, including the synchronous rework
// recursion and the PM redesign escalation path. Only one of those two
// recursive drivers is active at a time: the Reviewer recurses in-process,
// bounded strictly by max_rework, and never hands a task back to an async
// daemon-driven reviewer mid-loop.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/layout"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/pm"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
	"github.com/swarmguard/aipm-orchestrator/internal/worker"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	GetTask(ctx context.Context, projectID, taskID string) (model.Task, error)
	GetOrder(ctx context.Context, projectID, orderID string) (model.Order, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
	MarkReviewed(ctx context.Context, projectID, taskID string) error
	ResetRejectCount(ctx context.Context, projectID, taskID string) error
	ListHistory(ctx context.Context, projectID string, entity model.EntityType, entityID string) ([]model.ChangeHistory, error)
	RecordChange(ctx context.Context, c model.ChangeHistory) error
}

// FSM is the slice of internal/taskfsm.Machine this package depends on.
type FSM interface {
	Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error
}

// Worker is the slice of internal/worker.Worker this package depends on,
// used to drive the synchronous rework re-run.
type Worker interface {
	Execute(ctx context.Context, projectID, taskID string) (worker.Result, error)
}

// Planner is the slice of internal/pm.Planner this package depends on, used
// for the bounded redesign escalation.
type Planner interface {
	Redesign(ctx context.Context, projectID, orderID, failedTaskID, failedTitle, failedDescription string, recommendedModel model.Model, rejectComment string) (pm.RedesignVerdict, error)
}

// Runner is the slice of internal/runner.Runner this package depends on.
type Runner interface {
	Run(ctx context.Context, spec runner.Spec) (runner.Result, error)
}

const (
	// maxEscalationCount bounds how many times a single task may be handed
	// to the PM auto-judge after an ESCALATED verdict before it is force-
	// rejected.
	maxEscalationCount = 2
	// minReportChars is the content floor below which a Report is treated
	// as if the Worker never really produced one.
	minReportChars = 50
)

// reviewAllowedTools is the Reviewer's permission profile: it only reads the
// Report and the worked tree, it never edits or executes anything.
var reviewAllowedTools = []string{"Read", "Grep", "Glob"}

// Result is what one Review call produced.
type Result struct {
	Verdict          string
	ReviewPath       string
	ReworkDispatched bool
}

// Reviewer drives one task's review, including any rework/redesign
// recursion it triggers.
type Reviewer struct {
	store     Store
	fsm       FSM
	worker    Worker
	planner   Planner
	runner    Runner
	command   string
	timeout   time.Duration
	maxRework int
	autoRework bool
	log       *slog.Logger
}

func New(store Store, fsm FSM, wrk Worker, planner Planner, rnr Runner, command string, timeout time.Duration, maxRework int, autoRework bool, log *slog.Logger) *Reviewer {
	return &Reviewer{
		store: store, fsm: fsm, worker: wrk, planner: planner, runner: rnr,
		command: command, timeout: timeout, maxRework: maxRework, autoRework: autoRework, log: log,
	}
}

// Review judges taskID's Report and drives the resulting transition,
// recursing through a synchronous rework re-run when the verdict is
// REJECTED and the task is still inside its rework budget.
func (r *Reviewer) Review(ctx context.Context, projectID, taskID string) (Result, error) {
	task, order, project, err := r.fetch(ctx, projectID, taskID)
	if err != nil {
		return Result{}, err
	}

	reportContent, _, err := r.readReport(project.Path, task.OrderID, task.ID)
	if err != nil {
		return Result{}, err
	}

	// Claim the review before doing any AI work, so a second concurrent
	// invocation for the same task sees the precondition already violated.
	if err := r.store.MarkReviewed(ctx, projectID, taskID); err != nil {
		return Result{}, err
	}

	history, err := r.store.ListHistory(ctx, projectID, model.EntityTask, taskID)
	if err != nil {
		return Result{}, err
	}
	reworkCount := countStatusTransitions(history, model.TaskRework)

	if reworkCount >= 2 {
		if err := r.logCriteriaRelaxation(ctx, projectID, taskID, order.ID, reworkCount); err != nil && r.log != nil {
			r.log.Warn("criteria relaxation escalation log failed", "task_id", taskID, "error", err)
		}
	}

	verdict, details, err := r.executeReview(ctx, task, order, project, reportContent, reworkCount)
	if err != nil {
		return Result{}, err
	}

	reviewPath := layout.ReviewFile(project.Path, task.OrderID, task.ID)
	if err := writeReviewFile(reviewPath, task, verdict, details, reworkCount); err != nil {
		return Result{}, err
	}

	switch verdict {
	case "APPROVED":
		if err := r.updateApproved(ctx, projectID, taskID); err != nil {
			return Result{}, err
		}
		return Result{Verdict: verdict, ReviewPath: reviewPath}, nil

	case "REJECTED":
		dispatched, err := r.updateRejected(ctx, task, order, details)
		if err != nil {
			return Result{Verdict: verdict, ReviewPath: reviewPath, ReworkDispatched: dispatched}, err
		}
		return Result{Verdict: verdict, ReviewPath: reviewPath, ReworkDispatched: dispatched}, nil

	default: // ESCALATED
		if err := r.handleEscalation(ctx, task, order, history); err != nil {
			return Result{}, err
		}
		return Result{Verdict: verdict, ReviewPath: reviewPath}, nil
	}
}

func (r *Reviewer) fetch(ctx context.Context, projectID, taskID string) (model.Task, model.Order, model.Project, error) {
	task, err := r.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return model.Task{}, model.Order{}, model.Project{}, err
	}
	if task.Status != model.TaskDone {
		return model.Task{}, model.Order{}, model.Project{}, apperr.ValidationError{
			Field: "task_status", Reason: "not DONE: " + string(task.Status),
		}
	}
	if task.ReviewedAt != nil {
		return model.Task{}, model.Order{}, model.Project{}, apperr.ValidationError{
			Field: "reviewed_at", Reason: "task already reviewed at " + task.ReviewedAt.Format(time.RFC3339),
		}
	}
	order, err := r.store.GetOrder(ctx, projectID, task.OrderID)
	if err != nil {
		return model.Task{}, model.Order{}, model.Project{}, err
	}
	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return model.Task{}, model.Order{}, model.Project{}, err
	}
	return task, order, project, nil
}

func (r *Reviewer) readReport(projectPath, orderID, taskID string) (string, string, error) {
	path := layout.ReportFile(projectPath, orderID, taskID)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", path, apperr.ReportMissingError{Path: path, Size: 0}
	}
	content := string(raw)
	if len(strings.TrimSpace(content)) < minReportChars {
		return "", path, apperr.ReportMissingError{Path: path, Size: int64(len(strings.TrimSpace(content)))}
	}
	return content, path, nil
}

// verdictDetails is the parsed strict-JSON body of an AI review response.
type verdictDetails struct {
	Verdict         string           `json:"verdict"`
	Summary         string           `json:"summary"`
	Checklist       []checklistEntry `json:"checklist"`
	Issues          []string         `json:"issues"`
	Recommendations []string         `json:"recommendations"`
}

type checklistEntry struct {
	Item    string `json:"item"`
	Passed  bool   `json:"passed"`
	Comment string `json:"comment"`
}

// executeReview invokes the Runner and parses its verdict. A Runner failure
// (rather than a bad response) is itself treated as ESCALATED: an AI call
// that couldn't complete is not grounds for silently approving or rejecting.
func (r *Reviewer) executeReview(ctx context.Context, task model.Task, order model.Order, project model.Project, reportContent string, reworkCount int) (string, verdictDetails, error) {
	prompt := buildReviewPrompt(task, order, reportContent, reworkCount)

	result, err := r.runner.Run(ctx, runner.Spec{
		Command:      r.command,
		Prompt:       prompt,
		WorkDir:      project.Path,
		Timeout:      r.timeout,
		Model:        task.RecommendedModel,
		AllowedTools: reviewAllowedTools,
	})
	if err != nil {
		return "ESCALATED", verdictDetails{Summary: "review runner failed: " + err.Error()}, nil
	}

	return parseVerdict(result.Stdout)
}

func parseVerdict(raw string) (string, verdictDetails, error) {
	var details verdictDetails
	if err := json.Unmarshal([]byte(extractJSON(raw)), &details); err == nil {
		switch strings.ToUpper(details.Verdict) {
		case "APPROVED", "REJECTED", "ESCALATED":
			return strings.ToUpper(details.Verdict), details, nil
		}
	}

	// Parse failure or unrecognized verdict field: fall back to a keyword
	// scan of the raw response, same as the strict-JSON path's source.
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "APPROVED"):
		return "APPROVED", verdictDetails{Summary: "keyword fallback: APPROVED"}, nil
	case strings.Contains(upper, "REJECTED"):
		return "REJECTED", verdictDetails{Summary: "keyword fallback: REJECTED"}, nil
	default:
		return "ESCALATED", verdictDetails{Summary: "unparseable review response"}, nil
	}
}

func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func (r *Reviewer) updateApproved(ctx context.Context, projectID, taskID string) error {
	return r.fsm.Transition(ctx, projectID, taskID, string(model.TaskCompleted), model.RolePM, "reviewer", "review approved")
}

// updateRejected drives DONE->REWORK, then either synchronously re-runs the
// Worker and recurses into Review, or, once the rework budget is spent,
// hands the task to PM redesign.
func (r *Reviewer) updateRejected(ctx context.Context, task model.Task, order model.Order, details verdictDetails) (bool, error) {
	comment := formatRejectComment(details)

	if err := r.fsm.Transition(ctx, task.ProjectID, task.ID, string(model.TaskRework), model.RolePM, "reviewer", comment); err != nil {
		return false, err
	}

	refreshed, err := r.store.GetTask(ctx, task.ProjectID, task.ID)
	if err != nil {
		return false, err
	}

	if err := r.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: task.ProjectID, EntityType: model.EntityTask, EntityID: task.ID,
		FieldName: "reject_count", NewValue: fmt.Sprintf("%d", refreshed.RejectCount),
		ChangedBy: "reviewer", ChangeReason: string(model.EscalationReviewRejection) + ": " + comment,
	}); err != nil && r.log != nil {
		r.log.Warn("review rejection escalation log failed", "task_id", task.ID, "error", err)
	}

	if refreshed.RejectCount > r.maxRework {
		return false, r.redesignOrReject(ctx, refreshed, order, comment)
	}

	if !r.autoRework {
		return false, nil
	}

	if _, err := r.worker.Execute(ctx, task.ProjectID, task.ID); err != nil {
		// The Worker already routed this failure through AutoRecovery and
		// left the task in whatever status that decided; nothing further
		// for the Reviewer to drive.
		return true, err
	}

	if _, err := r.Review(ctx, task.ProjectID, task.ID); err != nil {
		return true, err
	}
	return true, nil
}

// redesignOrReject is the rework-budget-exhausted path: try a PM redesign,
// and only fall back to REWORK->REJECTED if it declines or fails.
func (r *Reviewer) redesignOrReject(ctx context.Context, task model.Task, order model.Order, rejectComment string) error {
	verdict, err := r.planner.Redesign(ctx, task.ProjectID, task.OrderID, task.ID, task.Title, task.Description, task.RecommendedModel, rejectComment)
	if err != nil || verdict.Decision == "decline" {
		reason := "redesign failed"
		if err == nil {
			reason = "redesign declined: " + verdict.DeclineWhy
		}
		return r.forceReject(ctx, task, reason)
	}

	if err := r.fsm.Transition(ctx, task.ProjectID, task.ID, string(model.TaskQueued), model.RolePM, "pm_redesign",
		string(model.EscalationRedesign)+": "+verdict.Decision); err != nil {
		return err
	}
	return r.store.ResetRejectCount(ctx, task.ProjectID, task.ID)
}

func (r *Reviewer) forceReject(ctx context.Context, task model.Task, reason string) error {
	if err := r.fsm.Transition(ctx, task.ProjectID, task.ID, string(model.TaskRejected), model.RolePM, "reviewer", reason); err != nil {
		return err
	}
	return apperr.EscalationExhaustedError{TaskID: task.ID, Reason: reason}
}

// handleEscalation drives DONE->ESCALATED, then attempts the PM auto-judge
// bounded by maxEscalationCount.
func (r *Reviewer) handleEscalation(ctx context.Context, task model.Task, order model.Order, history []model.ChangeHistory) error {
	if err := r.fsm.Transition(ctx, task.ProjectID, task.ID, string(model.TaskEscalated), model.RolePM, "reviewer", "review escalated"); err != nil {
		return err
	}

	escalationCount := countStatusTransitions(history, model.TaskEscalated)
	if escalationCount >= maxEscalationCount {
		return r.escalatedToRejected(ctx, task, fmt.Sprintf("escalation count limit reached (%d/%d)", escalationCount, maxEscalationCount))
	}

	verdict, err := r.planner.Redesign(ctx, task.ProjectID, task.OrderID, task.ID, task.Title, task.Description, task.RecommendedModel, "")
	if err != nil || verdict.Decision == "decline" {
		reason := "PM auto-judge redesign failed"
		if err == nil {
			reason = "PM auto-judge declined: " + verdict.DeclineWhy
		}
		return r.escalatedToRejected(ctx, task, reason)
	}

	if err := r.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: task.ProjectID, EntityType: model.EntityTask, EntityID: task.ID,
		FieldName: "status", OldValue: string(model.TaskEscalated), NewValue: string(model.TaskQueued),
		ChangedBy: "pm_auto_judge", ChangeReason: string(model.EscalationReviewEscalation) + ": " + verdict.Decision,
	}); err != nil && r.log != nil {
		r.log.Warn("review escalation log failed", "task_id", task.ID, "error", err)
	}

	if err := r.fsm.Transition(ctx, task.ProjectID, task.ID, string(model.TaskQueued), model.RolePM, "pm_auto_judge", "PM redesign: "+verdict.Decision); err != nil {
		return err
	}
	return r.store.ResetRejectCount(ctx, task.ProjectID, task.ID)
}

func (r *Reviewer) escalatedToRejected(ctx context.Context, task model.Task, reason string) error {
	if err := r.fsm.Transition(ctx, task.ProjectID, task.ID, string(model.TaskRejected), model.RolePM, "pm_auto_judge", reason); err != nil {
		return err
	}
	return apperr.EscalationExhaustedError{TaskID: task.ID, Reason: reason}
}

func (r *Reviewer) logCriteriaRelaxation(ctx context.Context, projectID, taskID, orderID string, reworkCount int) error {
	level := "relaxed"
	if reworkCount >= 3 {
		level = "minimal"
	}
	return r.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: projectID, EntityType: model.EntityTask, EntityID: taskID,
		FieldName: "review_criteria", NewValue: level,
		ChangedBy: "reviewer",
		ChangeReason: fmt.Sprintf("%s: applying %s criteria at rework #%d", model.EscalationCriteriaRelaxation, level, reworkCount),
	})
}

func countStatusTransitions(history []model.ChangeHistory, to model.TaskStatus) int {
	n := 0
	for _, h := range history {
		if h.FieldName == "status" && h.NewValue == string(to) {
			n++
		}
	}
	return n
}

func formatRejectComment(details verdictDetails) string {
	var parts []string
	if len(details.Issues) > 0 {
		parts = append(parts, "issues: "+strings.Join(details.Issues, "; "))
	}
	if len(details.Recommendations) > 0 {
		parts = append(parts, "recommendations: "+strings.Join(details.Recommendations, "; "))
	}
	if len(parts) == 0 {
		return "rework required"
	}
	return strings.Join(parts, " | ")
}

// criteriaForReworkCount returns the strictness-tiered review criteria
// text: standard for rework 0-1, relaxed at 2 (non-fatal differences
// tolerated), minimal at 3+ (only the core purpose and no regressions
// matter, to avoid an unbounded rework loop over cosmetic issues).
func criteriaForReworkCount(reworkCount int) string {
	switch {
	case reworkCount == 0:
		return standardCriteria
	case reworkCount == 1:
		return standardCriteria + "\n\nFocus particularly on whether the previous rework comments were addressed."
	case reworkCount == 2:
		return relaxedCriteria
	default:
		return minimalCriteria
	}
}

const standardCriteria = `Standard criteria:
1. Are the completion conditions clearly met?
2. Does the deliverable satisfy the requirements?
3. Are there any quality problems?
4. Is the code readable and maintainable?
5. Is testing adequate?`

const relaxedCriteria = `Relaxed criteria (rework #2) - non-fatal differences are acceptable:
1. REQUIRED: is the essential part of the completion condition met?
2. REQUIRED: does it function correctly with no serious bugs?
3. Acceptable: minor code style differences.
4. Acceptable: minor naming convention differences.
5. Acceptable: incomplete test coverage, as long as the basic cases are covered.

Unless there is a serious functional defect or the completion condition is
fundamentally unmet, lean toward APPROVED and record minor issues as
recommendations instead.`

const minimalCriteria = `Minimal criteria (rework #3+) - completion takes priority over polish:
1. Is the task's primary purpose achieved?
2. Is there no fatal bug or broken behavior?
3. Are existing features left intact?

Code quality, missing tests, documentation gaps, and style/naming issues are
all acceptable at this tier. Approve if the primary purpose is achieved and
nothing is fatally broken; record anything else as a recommendation.`

func buildReviewPrompt(task model.Task, order model.Order, reportContent string, reworkCount int) string {
	var b strings.Builder
	b.WriteString("Review the following Report for a task and decide whether its completion conditions were met.\n\n")
	fmt.Fprintf(&b, "## Task\n- ID: %s\n- Title: %s\n- Description: %s\n- Rework count: %d\n\n", task.ID, task.Title, task.Description, reworkCount)
	fmt.Fprintf(&b, "## Report\n```markdown\n%s\n```\n\n", reportContent)
	fmt.Fprintf(&b, "## Review criteria\n%s\n\n", criteriaForReworkCount(reworkCount))
	b.WriteString(`## Output format
Return JSON only, no surrounding prose:
{
  "verdict": "APPROVED" | "REJECTED" | "ESCALATED",
  "summary": "short rationale",
  "checklist": [{"item": "...", "passed": true, "comment": "..."}],
  "issues": ["..."],
  "recommendations": ["..."]
}

APPROVED: completion conditions met, no quality blockers.
REJECTED: completion conditions unmet or quality issues found, needs rework.
ESCALATED: judgment is unclear and needs human input.
`)
	return b.String()
}

func writeReviewFile(path string, task model.Task, verdict string, details verdictDetails, reworkCount int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Review: %s\n\nVerdict: %s\nRework count: %d\n\n## Summary\n\n%s\n", task.Title, verdict, reworkCount, details.Summary)
	if len(details.Checklist) > 0 {
		b.WriteString("\n## Checklist\n\n")
		for _, c := range details.Checklist {
			status := "FAIL"
			if c.Passed {
				status = "PASS"
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", status, c.Item, c.Comment)
		}
	}
	if len(details.Issues) > 0 {
		b.WriteString("\n## Issues\n\n")
		for _, i := range details.Issues {
			fmt.Fprintf(&b, "- %s\n", i)
		}
	}
	if len(details.Recommendations) > 0 {
		b.WriteString("\n## Recommendations\n\n")
		for _, rec := range details.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
