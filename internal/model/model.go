// Package model defines the entity types shared by every other package.
// Rows are typed structs, never dynamic maps — validation errors are
// structured values, not strings (see internal/apperr).
package model

import "time"

// Priority is shared by Order and Task.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Rank orders priorities for tie-breaks: lower rank wins (P0 beats P1 beats P2).
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	default:
		return 99
	}
}

// OrderStatus enumerates Order.status.
type OrderStatus string

const (
	OrderPlanning   OrderStatus = "PLANNING"
	OrderInProgress OrderStatus = "IN_PROGRESS"
	OrderReview     OrderStatus = "REVIEW"
	OrderCompleted  OrderStatus = "COMPLETED"
	OrderOnHold     OrderStatus = "ON_HOLD"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// TaskStatus enumerates Task.status — see SPEC_FULL.md §4.2 for the chart.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "QUEUED"
	TaskBlocked     TaskStatus = "BLOCKED"
	TaskInProgress  TaskStatus = "IN_PROGRESS"
	TaskDone        TaskStatus = "DONE"
	TaskRework      TaskStatus = "REWORK"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskRejected    TaskStatus = "REJECTED"
	TaskCancelled   TaskStatus = "CANCELLED"
	TaskSkipped     TaskStatus = "SKIPPED"
	TaskEscalated   TaskStatus = "ESCALATED"
	TaskInterrupted TaskStatus = "INTERRUPTED"
)

// NonTerminal reports whether a task in this status still counts against
// Order completion (spec.md §3 "Lifecycle").
func (s TaskStatus) NonTerminal() bool {
	switch s {
	case TaskQueued, TaskBlocked, TaskInProgress, TaskDone, TaskRework, TaskEscalated:
		return true
	default:
		return false
	}
}

// Model is the recommended AI model tier for a task.
type Model string

const (
	ModelHaiku  Model = "Haiku"
	ModelSonnet Model = "Sonnet"
	ModelOpus   Model = "Opus"
)

// BacklogPriority enumerates Backlog.priority (distinct scale from Order/Task).
type BacklogPriority string

const (
	BacklogHigh   BacklogPriority = "High"
	BacklogMedium BacklogPriority = "Medium"
	BacklogLow    BacklogPriority = "Low"
)

// BacklogStatus enumerates Backlog.status.
type BacklogStatus string

const (
	BacklogTodo       BacklogStatus = "TODO"
	BacklogInProgress BacklogStatus = "IN_PROGRESS"
	BacklogDone       BacklogStatus = "DONE"
	BacklogCanceled   BacklogStatus = "CANCELED"
	BacklogExternal   BacklogStatus = "EXTERNAL"
)

// Role gates who may perform a transition.
type Role string

const (
	RolePM     Role = "PM"
	RoleWorker Role = "Worker"
	RoleSystem Role = "System"
	RoleAny    Role = "ANY"
)

// EntityType names the kind of row a StatusTransition rule applies to.
type EntityType string

const (
	EntityProject EntityType = "project"
	EntityOrder   EntityType = "order"
	EntityTask    EntityType = "task"
	EntityBacklog EntityType = "backlog"
	EntityReview  EntityType = "review"
)

// Project is created externally; the daemon only reads it.
type Project struct {
	ID               string
	Name             string
	Path             string
	Active           bool
	CurrentOrderID   string
	CreatedAt        time.Time
}

// Order is a unit of work derived from a Backlog item.
type Order struct {
	ID          string
	ProjectID   string
	Title       string
	Priority    Priority
	Status      OrderStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Task is the atomic unit of execution.
type Task struct {
	ID                  string
	ProjectID           string
	OrderID             string
	Title               string
	Description         string
	Status              TaskStatus
	Priority            Priority
	Assignee            string
	RecommendedModel    Model
	Complexity          int
	TargetFiles         []string
	IsDestructiveDBChange bool
	RejectCount         int
	ReviewedAt          *time.Time
	StaticAnalysisScore *float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TaskDependency is an edge task_id -> depends_on_task_id.
type TaskDependency struct {
	ProjectID      string
	TaskID         string
	DependsOnTaskID string
}

// BacklogItem is project-scoped intake.
type BacklogItem struct {
	ID              string
	ProjectID       string
	Category        string
	Priority        BacklogPriority
	SortOrder       int
	Status          BacklogStatus
	RelatedOrderID  string
	Title           string
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StatusTransitionRule is the sole source of truth for legal transitions.
type StatusTransitionRule struct {
	ID          int64
	EntityType  EntityType
	FromStatus  *string // nil = initial-state transition
	ToStatus    string
	AllowedRole Role
	IsActive    bool
	Description string
}

// ChangeHistory is an append-only audit row.
type ChangeHistory struct {
	ID           int64
	ProjectID    string
	EntityType   EntityType
	EntityID     string
	FieldName    string
	OldValue     string
	NewValue     string
	ChangedBy    string
	ChangeReason string
	ChangedAt    time.Time
}

// FileLock is an exclusive lease on (project, file_path) held by one task.
type FileLock struct {
	ProjectID  string
	FilePath   string
	TaskID     string
	AcquiredAt time.Time
}

// IncidentCategory classifies an Incident.
type IncidentCategory string

const (
	IncidentWorker IncidentCategory = "WORKER"
	IncidentSystem IncidentCategory = "SYSTEM"
	IncidentData   IncidentCategory = "DATA"
)

// IncidentSeverity ranks an Incident.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "LOW"
	SeverityMedium   IncidentSeverity = "MEDIUM"
	SeverityHigh     IncidentSeverity = "HIGH"
	SeverityCritical IncidentSeverity = "CRITICAL"
)

// Incident records a worker/system/data failure.
type Incident struct {
	ID          int64
	ProjectID   string
	TaskID      string
	Category    IncidentCategory
	Severity    IncidentSeverity
	PatternID   *int64
	RootCause   string
	Resolution  string
	OccurredAt  time.Time
}

// ErrorCategory classifies an ErrorPattern match.
type ErrorCategory string

const (
	ErrorRetryable   ErrorCategory = "RETRYABLE"
	ErrorSystem      ErrorCategory = "SYSTEM"
	ErrorLogic       ErrorCategory = "LOGIC"
	ErrorEnvironment ErrorCategory = "ENVIRONMENT"
	ErrorUnknown     ErrorCategory = "UNKNOWN"
)

// RecoveryAction is the verdict AutoRecovery assigns a failure.
type RecoveryAction string

const (
	ActionRetry    RecoveryAction = "RETRY"
	ActionSkip     RecoveryAction = "SKIP"
	ActionRollback RecoveryAction = "ROLLBACK"
	ActionEscalate RecoveryAction = "ESCALATE"
)

// ErrorPattern is a known failure signature with a recommended action.
type ErrorPattern struct {
	ID                int64
	PatternName       string
	Regex             string
	Category          ErrorCategory
	RecommendedAction RecoveryAction
	MaxRetries        int
}

// BugPatternStatus enumerates BugPattern.status.
type BugPatternStatus string

const (
	BugPatternActive   BugPatternStatus = "ACTIVE"
	BugPatternArchived BugPatternStatus = "ARCHIVED"
)

// BugPattern is a learned rule injected into Worker prompts.
type BugPattern struct {
	ID                 int64
	ProjectID          *string // nil = global
	Title              string
	Description        string
	PatternType        string
	Severity           IncidentSeverity
	Solution           string
	OccurrenceCount    int
	TotalInjections    int
	RelatedFailures    int
	EffectivenessScore float64
	Status             BugPatternStatus
}

// EventType names a durable Event row.
type EventType string

const (
	EventTaskCompleted       EventType = "TASK_COMPLETED"
	EventTaskFailed          EventType = "TASK_FAILED"
	EventDependencyResolved  EventType = "DEPENDENCY_RESOLVED"
	EventWorkerCrashed       EventType = "WORKER_CRASHED"
)

// Event is a small durable row consumed by the Daemon loop.
type Event struct {
	ID         int64
	ProjectID  string
	Type       EventType
	TaskID     string
	Payload    string
	EmittedAt  time.Time
	ConsumedAt *time.Time
}

// EscalationType names an audit event recording a policy-level deviation.
type EscalationType string

const (
	EscalationModelUpgrade       EscalationType = "MODEL_UPGRADE"
	EscalationCriteriaRelaxation EscalationType = "CRITERIA_RELAXATION"
	EscalationTaskReplan         EscalationType = "task_replan"
	EscalationTimeout            EscalationType = "ESCALATION_TIMEOUT"
	EscalationRedesign           EscalationType = "PM_REDESIGN"
	EscalationReviewRejection    EscalationType = "REVIEW_REJECTION"
	EscalationReviewEscalation   EscalationType = "REVIEW_ESCALATION"
)
