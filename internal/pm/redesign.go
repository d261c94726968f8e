package pm

import (
	"context"
	"encoding/json"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
)

// RedesignVerdict is what a bounded redesign attempt decided.
type RedesignVerdict struct {
	Decision    string // split | clarify | replan_files | decline
	NewTasks    []model.Task
	DeclineWhy  string
}

// Redesign is the PM Redesign handler for a task that exhausted its rework
// budget (or came back ESCALATED). It invokes the same Planner machinery as
// Plan, scoped to the single failing task, and interprets the response as
// one of split/clarify/replan/decline. Each call counts toward the caller's
// redesign budget; Redesign itself doesn't track the budget, since that
// belongs to the review/escalation loop driving it.
func (p *Planner) Redesign(ctx context.Context, projectID, orderID, failedTaskID, failedTitle, failedDescription string, recommendedModel model.Model, rejectComment string) (RedesignVerdict, error) {
	prompt := buildRedesignPrompt(failedTitle, failedDescription, rejectComment)

	result, err := p.runner.Run(ctx, runner.Spec{
		Command:      p.command,
		Prompt:       prompt,
		Timeout:      p.timeout,
		Model:        recommendedModel,
		AllowedTools: plannerAllowedTools,
	})
	if err != nil {
		return RedesignVerdict{}, err
	}

	var resp redesignResponse
	if err := json.Unmarshal([]byte(extractJSON(result.Stdout)), &resp); err != nil {
		// An unparseable redesign response is treated as a decline, not a
		// hard error — the caller still has REWORK->REJECTED available.
		return RedesignVerdict{Decision: "decline", DeclineWhy: "unparseable redesign response"}, nil
	}

	switch resp.Decision {
	case "decline":
		return RedesignVerdict{Decision: "decline", DeclineWhy: resp.DeclineReason}, nil
	case "split", "clarify", "replan_files":
		tasks, err := p.persist(ctx, projectID, orderID, resp.Tasks)
		if err != nil {
			return RedesignVerdict{}, err
		}
		if err := p.store.RecordChange(ctx, model.ChangeHistory{
			ProjectID: projectID, EntityType: model.EntityTask, EntityID: failedTaskID,
			FieldName: "status", NewValue: "redesigned",
			ChangedBy: "pm_redesign", ChangeReason: string(model.EscalationRedesign) + ": " + resp.Decision,
		}); err != nil {
			return RedesignVerdict{}, err
		}
		return RedesignVerdict{Decision: resp.Decision, NewTasks: tasks}, nil
	default:
		return RedesignVerdict{Decision: "decline", DeclineWhy: "unrecognized decision " + resp.Decision}, nil
	}
}

type redesignResponse struct {
	Decision      string     `json:"decision"`
	DeclineReason string     `json:"decline_reason"`
	Tasks         []planTask `json:"tasks"`
}

func buildRedesignPrompt(title, description, rejectComment string) string {
	return "A task failed review beyond its rework budget. Decide how to redesign it.\n\n" +
		"Failing task: " + title + "\n" + description + "\n\n" +
		"Reviewer feedback across rework attempts:\n" + rejectComment + "\n\n" +
		`Respond with strict JSON only: {"decision":"split"|"clarify"|"replan_files"|"decline",` +
		`"decline_reason":string,"tasks":[{"title":string,"description":string,"priority":"P0"|"P1"|"P2",` +
		`"model":"Haiku"|"Sonnet"|"Opus","depends_on":[int],"target_files":[string]}]}`
}

