// Package pm implements the Planner (PM) Subsystem: turns an Order
// description into a persisted Task plan with dependencies and target
// files, and the bounded redesign path a failed review can trigger.
package pm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/idgen"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	ListTasksByOrder(ctx context.Context, projectID, orderID string) ([]model.Task, error)
	CreateTask(ctx context.Context, t model.Task) error
	AddTaskDependency(ctx context.Context, d model.TaskDependency) error
	RecordChange(ctx context.Context, c model.ChangeHistory) error
}

// Runner is the slice of internal/runner.Runner this package depends on.
type Runner interface {
	Run(ctx context.Context, spec runner.Spec) (runner.Result, error)
}

// planTask is one entry in the Planner's raw JSON response.
type planTask struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	Model              string   `json:"model"`
	DependsOn          []int    `json:"depends_on"`
	TargetFiles        []string `json:"target_files"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// planResponse is the strict JSON schema the Planner prompt requests,
// matching spec.md §4.8's shape.
type planResponse struct {
	Goal struct {
		Summary         string   `json:"summary"`
		Objectives      []string `json:"objectives"`
		SuccessCriteria []string `json:"success_criteria"`
	} `json:"goal"`
	Requirements struct {
		Functional    []string `json:"functional"`
		NonFunctional []string `json:"non_functional"`
		Constraints   []string `json:"constraints"`
	} `json:"requirements"`
	Tasks []planTask `json:"tasks"`
}

// destructiveKeywords flags a task as a destructive DB change, deferring it
// to the end of the plan.
var destructiveKeywords = []string{
	"drop table", "drop column", "alter table", "truncate", "delete from",
	"review_queue", "テーブル削除",
}

// guiKeywords trigger the environment-constraints note injected into a
// task's description — the Worker is terminal-only.
var guiKeywords = []string{
	"click", "screenshot", "mouse", "gui", "browser ui", "window",
}

const environmentConstraintNote = "\n\n[environment constraints] This task executes in a terminal-only subprocess; it must not attempt GUI interaction (clicking, screenshots, window manipulation). Re-scope the work to CLI/API/file-level actions."

// plannerAllowedTools is the Planner's permission profile: it reads the
// repository to decompose an Order but never edits or executes anything,
// including during a redesign pass over a failed task.
var plannerAllowedTools = []string{"Read", "Grep", "Glob"}

// defaultPlanModel is used for the initial decomposition call, before any
// per-task RecommendedModel exists.
const defaultPlanModel = model.ModelSonnet

// Planner drives Order decomposition.
type Planner struct {
	store   Store
	runner  Runner
	command string
	timeout time.Duration
}

func NewPlanner(store Store, runner Runner, command string, timeout time.Duration) *Planner {
	return &Planner{store: store, runner: runner, command: command, timeout: timeout}
}

// Plan invokes the Runner once against description, validates and enriches
// the result, and persists the resulting Task rows plus their dependency
// edges. It never guesses on a parse failure — it fails fast with the raw
// response attached to the error.
func (p *Planner) Plan(ctx context.Context, projectID, orderID, description string) ([]model.Task, []string, error) {
	prompt := buildPlanPrompt(description)

	result, err := p.runner.Run(ctx, runner.Spec{
		Command:      p.command,
		Prompt:       prompt,
		Timeout:      p.timeout,
		Model:        defaultPlanModel,
		AllowedTools: plannerAllowedTools,
	})
	if err != nil {
		return nil, nil, err
	}

	var resp planResponse
	if err := json.Unmarshal([]byte(extractJSON(result.Stdout)), &resp); err != nil {
		return nil, nil, apperr.ValidationError{
			Field:  "planner_response",
			Reason: "could not parse plan JSON: " + err.Error() + "; raw=" + truncate(result.Stdout, 500),
		}
	}
	if len(resp.Tasks) == 0 {
		return nil, nil, apperr.ValidationError{Field: "planner_response", Reason: "plan contains zero tasks"}
	}

	warnings := validatePlan(resp)
	reorderDestructive(resp.Tasks)

	tasks, err := p.persist(ctx, projectID, orderID, resp.Tasks)
	if err != nil {
		return nil, nil, err
	}
	return tasks, warnings, nil
}

func buildPlanPrompt(description string) string {
	return "You are the planning stage of an autonomous delivery pipeline. " +
		"Decompose the following order into a task plan.\n\n" +
		"Order description:\n" + description + "\n\n" +
		`Respond with strict JSON only, matching: {"goal":{"summary":string,"objectives":[string],"success_criteria":[string]},` +
		`"requirements":{"functional":[string],"non_functional":[string],"constraints":[string]},` +
		`"tasks":[{"title":string,"description":string,"priority":"P0"|"P1"|"P2","model":"Haiku"|"Sonnet"|"Opus",` +
		`"depends_on":[int],"target_files":[string],"acceptance_criteria":[string]}]}`
}

// extractJSON trims leading/trailing prose a model sometimes wraps JSON in.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// validatePlan annotates the plan with non-blocking warnings; only the
// zero-tasks case (checked by the caller) is treated as an error.
func validatePlan(resp planResponse) []string {
	var warnings []string
	if resp.Goal.Summary == "" {
		warnings = append(warnings, "goal.summary is empty")
	}
	for i, t := range resp.Tasks {
		if len(t.TargetFiles) == 0 {
			warnings = append(warnings, fmt.Sprintf("task %d (%s) has no target_files", i, t.Title))
		}
		if t.Priority != "P0" && t.Priority != "P1" && t.Priority != "P2" {
			warnings = append(warnings, fmt.Sprintf("task %d (%s) has unrecognized priority %q, defaulting to P1", i, t.Title, t.Priority))
		}
	}
	return warnings
}

// synthesizeAcceptanceCriteria fills in acceptance criteria the model
// omitted, derived from the task's own target files, description, and
// priority.
func synthesizeAcceptanceCriteria(t planTask) []string {
	if len(t.AcceptanceCriteria) > 0 {
		return t.AcceptanceCriteria
	}
	criteria := []string{fmt.Sprintf("%q is implemented as described", t.Title)}
	for _, f := range t.TargetFiles {
		criteria = append(criteria, "changes to "+f+" compile and pass existing tests")
	}
	if t.Priority == "P0" {
		criteria = append(criteria, "no regression in any currently passing test")
	}
	return criteria
}

// reorderDestructive sets is_destructive_db_change on matching tasks and
// makes every non-destructive task an implicit dependency, so destructive
// tasks always run last.
func reorderDestructive(tasks []planTask) {
	nonDestructive := make([]int, 0, len(tasks))
	destructive := make([]int, 0)
	for i, t := range tasks {
		if isDestructive(t) {
			destructive = append(destructive, i)
		} else {
			nonDestructive = append(nonDestructive, i)
		}
	}
	for _, di := range destructive {
		for _, ni := range nonDestructive {
			tasks[di].DependsOn = appendUnique(tasks[di].DependsOn, ni)
		}
	}
}

func appendUnique(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func isDestructive(t planTask) bool {
	haystack := strings.ToLower(t.Title + " " + t.Description)
	for _, kw := range destructiveKeywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func needsEnvironmentNote(t planTask) bool {
	haystack := strings.ToLower(t.Title + " " + t.Description)
	for _, kw := range guiKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// persist assigns Task IDs and writes every task + its dependency edges,
// retrying ID assignment on a unique-key race.
func (p *Planner) persist(ctx context.Context, projectID, orderID string, planTasks []planTask) ([]model.Task, error) {
	existing, err := p.store.ListTasksByOrder(ctx, projectID, orderID)
	if err != nil {
		return nil, err
	}
	next := len(existing) + 1

	ids := make([]string, len(planTasks))
	out := make([]model.Task, 0, len(planTasks))

	for i, pt := range planTasks {
		var id string
		const maxAttempts = 5
		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			id = idgen.Next("TASK", next)
			next++

			description := pt.Description
			if needsEnvironmentNote(pt) {
				description += environmentConstraintNote
			}
			description += "\n\nAcceptance criteria:\n- " + strings.Join(synthesizeAcceptanceCriteria(pt), "\n- ")

			status := model.TaskQueued
			if len(pt.DependsOn) > 0 {
				status = model.TaskBlocked
			}

			priority := model.Priority(pt.Priority)
			if priority != model.PriorityP0 && priority != model.PriorityP1 && priority != model.PriorityP2 {
				priority = model.PriorityP1
			}
			modelTier := model.Model(pt.Model)
			if modelTier != model.ModelHaiku && modelTier != model.ModelSonnet && modelTier != model.ModelOpus {
				modelTier = model.ModelSonnet
			}

			task := model.Task{
				ID:                    id,
				ProjectID:             projectID,
				OrderID:               orderID,
				Title:                 pt.Title,
				Description:           description,
				Status:                status,
				Priority:              priority,
				RecommendedModel:      modelTier,
				TargetFiles:           pt.TargetFiles,
				IsDestructiveDBChange: isDestructive(pt),
			}

			lastErr = p.store.CreateTask(ctx, task)
			if lastErr == nil {
				out = append(out, task)
				ids[i] = id
				if err := p.store.RecordChange(ctx, model.ChangeHistory{
					ProjectID: projectID, EntityType: model.EntityTask, EntityID: id,
					FieldName: "status", NewValue: string(status),
					ChangedBy: "planner", ChangeReason: "created by plan for " + orderID,
				}); err != nil {
					return nil, err
				}
				break
			}
		}
		if lastErr != nil {
			return nil, lastErr
		}
	}

	for i, pt := range planTasks {
		for _, depIdx := range pt.DependsOn {
			if depIdx < 0 || depIdx >= len(ids) || ids[depIdx] == "" {
				continue
			}
			if err := p.store.AddTaskDependency(ctx, model.TaskDependency{
				ProjectID: projectID, TaskID: ids[i], DependsOnTaskID: ids[depIdx],
			}); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}
