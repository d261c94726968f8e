// Package recovery implements AutoRecovery: the single function that maps a
// Worker failure into {Retry, Skip, Rollback, Escalate} and drives the
// resulting Task transition. No other package decides the next status after
// a failure (spec.md §7, "Propagation policy").
package recovery

import (
	"context"
	"log/slog"

	"github.com/swarmguard/aipm-orchestrator/internal/incident"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/resilience"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	ListIncidentsForTask(ctx context.Context, projectID, taskID string) ([]model.Incident, error)
	RecordIncident(ctx context.Context, inc model.Incident) (int64, error)
}

// Classifier is the slice of internal/incident.Classifier this package
// depends on.
type Classifier interface {
	Analyze(ctx context.Context, errText string) (incident.Analysis, error)
}

// TaskFSM is the slice of internal/taskfsm.Machine this package depends on.
type TaskFSM interface {
	Transition(ctx context.Context, projectID, taskID, to string, role model.Role, changedBy, reason string) error
}

// FileRestorer restores a task's working-tree snapshot taken before its
// Worker run, invoked only on the ROLLBACK action. Best-effort: a restore
// failure is logged and the task still goes to REWORK, since staying on a
// half-applied change is worse than retrying from it.
type FileRestorer interface {
	Restore(ctx context.Context, projectID, taskID string) error
}

// defaultHeuristicMaxRetries bounds RETRY when no ErrorPattern matched, per
// the original heuristic (RETRYABLE -> RETRY with max_retries=2).
const defaultHeuristicMaxRetries = 2

// Engine runs AutoRecovery against one failed task.
type Engine struct {
	store      Store
	classifier Classifier
	fsm        TaskFSM
	restorer   FileRestorer
	breaker    *resilience.CircuitBreaker
	log        *slog.Logger
}

func NewEngine(store Store, classifier Classifier, fsm TaskFSM, restorer FileRestorer, breaker *resilience.CircuitBreaker, log *slog.Logger) *Engine {
	return &Engine{store: store, classifier: classifier, fsm: fsm, restorer: restorer, breaker: breaker, log: log}
}

// Decision is the classification + action AutoRecovery chose for one failure.
type Decision struct {
	Analysis   incident.Analysis
	Action     model.RecoveryAction
	RetryCount int
	NextStatus model.TaskStatus
}

// Handle classifies errText, picks an action, runs the resulting Task
// transition, and records the Incident. File-lock release on every failure
// path is the caller's responsibility via taskfsm.Transition's IN_PROGRESS
// exit side effect — Handle only decides the destination status.
func (e *Engine) Handle(ctx context.Context, projectID, taskID string, errText string) (Decision, error) {
	analysis, err := e.classifier.Analyze(ctx, errText)
	if err != nil {
		return Decision{}, err
	}

	retryCount, err := e.countRetries(ctx, projectID, taskID)
	if err != nil {
		return Decision{}, err
	}

	action := e.decide(analysis, retryCount)

	if e.breaker != nil {
		e.breaker.RecordResult(false)
		if e.breaker.State() == "open" && action != model.ActionEscalate {
			action = model.ActionEscalate
		}
	}

	next := e.nextStatus(action)

	if action == model.ActionRollback && e.restorer != nil {
		if err := e.restorer.Restore(ctx, projectID, taskID); err != nil && e.log != nil {
			e.log.Warn("rollback restore failed, continuing to REWORK anyway", "task_id", taskID, "error", err)
		}
	}

	if err := e.fsm.Transition(ctx, projectID, taskID, string(next), model.RoleSystem, "auto_recovery",
		"AutoRecovery: "+string(action)); err != nil {
		return Decision{}, err
	}

	if _, err := e.store.RecordIncident(ctx, model.Incident{
		ProjectID:  projectID,
		TaskID:     taskID,
		Category:   model.IncidentWorker,
		Severity:   severityFor(action),
		PatternID:  analysis.PatternID,
		RootCause:  errText,
		Resolution: "action=" + string(action) + " next_status=" + string(next),
	}); err != nil {
		return Decision{}, err
	}

	return Decision{Analysis: analysis, Action: action, RetryCount: retryCount, NextStatus: next}, nil
}

// decide implements spec.md's pattern/heuristic strategy table.
func (e *Engine) decide(a incident.Analysis, retryCount int) model.RecoveryAction {
	if a.Confidence >= 1.0 && a.PatternID != nil {
		switch a.RecommendedAction {
		case model.ActionRetry:
			if retryCount < a.MaxRetries {
				return model.ActionRetry
			}
			return model.ActionEscalate
		case model.ActionRollback:
			if retryCount < a.MaxRetries {
				return model.ActionRollback
			}
			return model.ActionEscalate
		case model.ActionSkip:
			return model.ActionSkip
		default:
			return model.ActionEscalate
		}
	}

	switch a.Category {
	case model.ErrorRetryable:
		if retryCount < defaultHeuristicMaxRetries {
			return model.ActionRetry
		}
		return model.ActionEscalate
	case model.ErrorSystem:
		return model.ActionSkip
	default:
		return model.ActionEscalate
	}
}

func (e *Engine) nextStatus(action model.RecoveryAction) model.TaskStatus {
	switch action {
	case model.ActionRetry, model.ActionRollback:
		return model.TaskRework
	case model.ActionSkip:
		return model.TaskSkipped
	default:
		return model.TaskCancelled
	}
}

func severityFor(action model.RecoveryAction) model.IncidentSeverity {
	if action == model.ActionEscalate {
		return model.SeverityHigh
	}
	return model.SeverityMedium
}

// countRetries counts how many times this task has already been through
// AutoRecovery, used to enforce a pattern's or the heuristic's max_retries.
func (e *Engine) countRetries(ctx context.Context, projectID, taskID string) (int, error) {
	incidents, err := e.store.ListIncidentsForTask(ctx, projectID, taskID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, inc := range incidents {
		if inc.Category == model.IncidentWorker {
			count++
		}
	}
	return count, nil
}
