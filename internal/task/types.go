package task

import (
	"context"
	"fmt"
	"slices"
	"time"

	"wastelink.org/internal/apperr"
)

// Status is the lifecycle state of a pickup task.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active lists every non-terminal status.
var Active = []Status{StatusScheduled, StatusInProgress, StatusRescheduled}

// ReportStatus mirrors the active task onto the serviced report.
type ReportStatus string

const (
	ReportPending    ReportStatus = "pending"
	ReportAssigned   ReportStatus = "assigned"
	ReportInProgress ReportStatus = "in_progress"
	ReportCompleted  ReportStatus = "completed"
	ReportCancelled  ReportStatus = "cancelled"
)

var (
	ErrTaskNotFound         = fmt.Errorf("%w: task", apperr.ErrNotFound)
	ErrReportNotFound       = fmt.Errorf("%w: report", apperr.ErrNotFound)
	ErrCollectorNotFound    = fmt.Errorf("%w: collector", apperr.ErrNotFound)
	ErrInvalidTransition    = fmt.Errorf("%w: transition not allowed from current status", apperr.ErrStateConflict)
	ErrReportCompleted      = fmt.Errorf("%w: report already completed", apperr.ErrStateConflict)
	ErrReportAssigned       = fmt.Errorf("%w: report already has an active task", apperr.ErrStateConflict)
	ErrNotAssignedCollector = fmt.Errorf("%w: task is assigned to another collector", apperr.ErrAuthorization)
	ErrNotVisible           = fmt.Errorf("%w: task not visible to caller", apperr.ErrAuthorization)
	ErrCollectorUnavailable = fmt.Errorf("%w: collector must be an active collector", apperr.ErrValidation)
	ErrDateNotFuture        = fmt.Errorf("%w: date must be in the future", apperr.ErrValidation)
	ErrInvalidInput         = fmt.Errorf("%w: invalid task input", apperr.ErrValidation)
)

// Task is a scheduled waste collection. Tasks are never deleted.
type Task struct {
	ID               string     `json:"id"`
	ReportID         string     `json:"reportId"`
	CollectorID      string     `json:"collectorId"`
	Status           Status     `json:"status"`
	ScheduledDate    time.Time  `json:"scheduledDate"`
	EstimatedMinutes int        `json:"estimatedDuration"`
	ActualStartTime  *time.Time `json:"actualStartTime,omitempty"`
	ActualEndTime    *time.Time `json:"actualEndTime,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CompletionNotes  string     `json:"completionNotes,omitempty"`
	Images           []string   `json:"images"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Report is the resident submission a task services. Only the fields this
// service mirrors are modelled.
type Report struct {
	ID                  string       `json:"id"`
	OwnerID             string       `json:"ownerId"`
	Status              ReportStatus `json:"status"`
	AssignedCollectorID string       `json:"assignedCollector,omitempty"`
	ScheduledDate       *time.Time   `json:"scheduledPickupDate,omitempty"`
	CompletedAt         *time.Time   `json:"completedAt,omitempty"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// Claimed reports whether an active task already services the report.
func (r Report) Claimed() bool {
	return r.Status == ReportAssigned || r.Status == ReportInProgress || r.AssignedCollectorID != ""
}

// Assignment is the input of Store.CreateAssignment.
type Assignment struct {
	Task Task
	Now  time.Time
}

// ReportPatch lists the report fields a transition rewrites. Zero values
// leave a field untouched unless its Set flag is true.
type ReportPatch struct {
	Status ReportStatus

	SetCollector bool
	CollectorID  string // empty clears

	SetSchedule   bool
	ScheduledDate *time.Time // nil clears

	CompletedAt *time.Time
}

// Transition is one conditional task update. The store applies it only when
// the task's current status is in From and, if Collector is set, the task is
// assigned to that collector. The report patch is written in the same unit.
type Transition struct {
	TaskID    string
	From      []Status
	Collector string

	To              Status // empty keeps the status
	CollectorID     string // empty keeps the collector
	ScheduledDate   *time.Time
	ActualStartTime *time.Time
	ActualEndTime   *time.Time
	Notes           *string
	CompletionNotes *string
	Images          []string

	Report ReportPatch
	Now    time.Time
}

// Allows reports whether the transition may run from status s.
func (t Transition) Allows(s Status) bool { return slices.Contains(t.From, s) }

// Outcome is the committed result of a transition.
type Outcome struct {
	Previous Task
	Task     Task
	Report   Report
}

// Store persists tasks and the report fields they mirror. Both write methods
// are single atomic units: they either apply every change or none.
type Store interface {
	FindTask(ctx context.Context, id string) (Task, error)
	FindReport(ctx context.Context, id string) (Report, error)
	// CreateAssignment claims the report for the task's collector and
	// inserts the task. It fails with ErrReportNotFound, ErrReportCompleted
	// or ErrReportAssigned without writing anything.
	CreateAssignment(ctx context.Context, a Assignment) (Task, Report, error)
	// ApplyTransition fails with ErrTaskNotFound, ErrNotAssignedCollector or
	// ErrInvalidTransition, in that order of precedence, leaving the task and
	// report unchanged.
	ApplyTransition(ctx context.Context, t Transition) (Outcome, error)
}

// Apply rewrites task and report copies per t. Stores call it once the
// conditions hold.
func (t Transition) Apply(task Task, rep Report) (Task, Report) {
	if t.To != "" {
		task.Status = t.To
	}
	if t.CollectorID != "" {
		task.CollectorID = t.CollectorID
	}
	if t.ScheduledDate != nil {
		task.ScheduledDate = *t.ScheduledDate
	}
	if t.ActualStartTime != nil {
		v := *t.ActualStartTime
		task.ActualStartTime = &v
	}
	if t.ActualEndTime != nil {
		v := *t.ActualEndTime
		task.ActualEndTime = &v
	}
	if t.Notes != nil {
		task.Notes = *t.Notes
	}
	if t.CompletionNotes != nil {
		task.CompletionNotes = *t.CompletionNotes
	}
	if t.Images != nil {
		task.Images = slices.Clone(t.Images)
	}
	task.UpdatedAt = t.Now

	p := t.Report
	if p.Status != "" {
		rep.Status = p.Status
	}
	if p.SetCollector {
		rep.AssignedCollectorID = p.CollectorID
	}
	if p.SetSchedule {
		if p.ScheduledDate == nil {
			rep.ScheduledDate = nil
		} else {
			v := *p.ScheduledDate
			rep.ScheduledDate = &v
		}
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		rep.CompletedAt = &v
	}
	rep.UpdatedAt = t.Now
	return task, rep
}
