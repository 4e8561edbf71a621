// Package task owns the pickup-task state machine:
//
//	scheduled ──start──> in_progress ──complete──> completed
//	scheduled|in_progress|rescheduled ──cancel──> cancelled
//	scheduled|in_progress|rescheduled ──reschedule──> rescheduled
//	rescheduled ──start──> in_progress
//
// completed and cancelled are terminal. Every transition is one conditional
// write of the task and its report; notifications and realtime events follow
// the commit and never undo it.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wastelink.org/internal/apperr"
	"wastelink.org/internal/audit"
	"wastelink.org/internal/auth"
	"wastelink.org/internal/ids"
	"wastelink.org/internal/notify"
	"wastelink.org/internal/obs"
	"wastelink.org/internal/realtime"
	"wastelink.org/internal/room"
)

const (
	maxNotesLength = 2000
	maxImages      = 10
)

// Notifier accepts notification drafts without blocking the caller.
type Notifier interface {
	Enqueue(drafts ...notify.Draft)
}

// Coordinator runs lifecycle operations. It is safe for concurrent use.
type Coordinator struct {
	store      Store
	principals auth.PrincipalStore
	notifier   Notifier
	bc         realtime.Broadcaster
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCoordinator wires the coordinator to its collaborators. notifier and bc
// may be nil, in which case side effects are discarded.
func NewCoordinator(store Store, principals auth.PrincipalStore, notifier Notifier, bc realtime.Broadcaster, opts ...Option) (*Coordinator, error) {
	if store == nil || principals == nil {
		return nil, errors.New("task: store and principal store are required")
	}
	if notifier == nil {
		notifier = discard{}
	}
	if bc == nil {
		bc = realtime.Nop{}
	}
	c := &Coordinator{store: store, principals: principals, notifier: notifier, bc: bc, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AssignInput is the input of Assign.
type AssignInput struct {
	ReportID         string    `json:"reportId"`
	CollectorID      string    `json:"collectorId"`
	ScheduledDate    time.Time `json:"scheduledDate"`
	EstimatedMinutes int       `json:"estimatedDuration"`
	Notes            string    `json:"notes"`
}

// Assign creates a scheduled task for a report and claims the report for the
// collector.
func (c *Coordinator) Assign(ctx context.Context, actor auth.Principal, in AssignInput) (Task, error) {
	const op = "assign"
	task, rep, err := c.assign(ctx, actor, in)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	c.succeed(ctx, op, audit.TaskAssign, task, map[string]any{"report_id": rep.ID, "collector_id": task.CollectorID})

	c.notifier.Enqueue(
		notify.Draft{
			UserID:   task.CollectorID,
			Type:     notify.TypeTaskAssigned,
			Title:    "New pickup task",
			Message:  fmt.Sprintf("You have been assigned a pickup on %s.", formatDate(task.ScheduledDate)),
			Data:     taskData(task),
			Priority: notify.PriorityHigh,
		},
		notify.Draft{
			UserID:  rep.OwnerID,
			Type:    notify.TypeTaskAssigned,
			Title:   "Pickup scheduled",
			Message: fmt.Sprintf("A collector will pick up your report on %s.", formatDate(task.ScheduledDate)),
			Data:    taskData(task),
		},
	)
	c.bc.Emit(room.UserRoom(task.CollectorID), realtime.AssignTask, AssignEvent{
		TaskID:           task.ID,
		ReportID:         task.ReportID,
		CollectorID:      task.CollectorID,
		ScheduledDate:    task.ScheduledDate,
		EstimatedMinutes: task.EstimatedMinutes,
		Notes:            task.Notes,
	})
	c.emitUpdate(task, rep)
	return task, nil
}

func (c *Coordinator) assign(ctx context.Context, actor auth.Principal, in AssignInput) (Task, Report, error) {
	if err := auth.RequireRole(actor, auth.RoleAdmin); err != nil {
		return Task{}, Report{}, err
	}
	in.ReportID = strings.TrimSpace(in.ReportID)
	in.CollectorID = strings.TrimSpace(in.CollectorID)
	if in.ReportID == "" || in.CollectorID == "" || in.ScheduledDate.IsZero() || in.EstimatedMinutes <= 0 {
		return Task{}, Report{}, fmt.Errorf("%w: reportId, collectorId, scheduledDate and a positive estimatedDuration are required", ErrInvalidInput)
	}
	notes, err := cleanNotes(in.Notes)
	if err != nil {
		return Task{}, Report{}, err
	}
	if err := c.requireCollector(ctx, in.CollectorID); err != nil {
		return Task{}, Report{}, err
	}
	now := c.now().UTC()
	return c.store.CreateAssignment(ctx, Assignment{
		Now: now,
		Task: Task{
			ID:               ids.NewAt(now),
			ReportID:         in.ReportID,
			CollectorID:      in.CollectorID,
			Status:           StatusScheduled,
			ScheduledDate:    in.ScheduledDate.UTC(),
			EstimatedMinutes: in.EstimatedMinutes,
			Notes:            notes,
			Images:           []string{},
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	})
}

// Start moves a scheduled task to in_progress. Only the assigned collector
// may start it.
func (c *Coordinator) Start(ctx context.Context, actor auth.Principal, taskID string) (Task, error) {
	const op = "start"
	if err := auth.RequireRole(actor, auth.RoleCollector); err != nil {
		return Task{}, c.fail(op, err)
	}
	now := c.now().UTC()
	out, err := c.store.ApplyTransition(ctx, Transition{
		TaskID:          taskID,
		From:            []Status{StatusScheduled, StatusRescheduled},
		Collector:       actor.ID,
		To:              StatusInProgress,
		ActualStartTime: &now,
		Report:          ReportPatch{Status: ReportInProgress},
		Now:             now,
	})
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	c.succeed(ctx, op, audit.TaskStart, out.Task, nil)
	c.emitUpdate(out.Task, out.Report)
	return out.Task, nil
}

// CompleteInput is the input of Complete.
type CompleteInput struct {
	Notes  string   `json:"completionNotes"`
	Images []string `json:"images"`
}

// Complete finishes an in-progress task and the report it services.
func (c *Coordinator) Complete(ctx context.Context, actor auth.Principal, taskID string, in CompleteInput) (Task, error) {
	const op = "complete"
	if err := auth.RequireRole(actor, auth.RoleCollector); err != nil {
		return Task{}, c.fail(op, err)
	}
	notes, err := cleanNotes(in.Notes)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	images, err := cleanImages(in.Images)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	now := c.now().UTC()
	out, err := c.store.ApplyTransition(ctx, Transition{
		TaskID:          taskID,
		From:            []Status{StatusInProgress},
		Collector:       actor.ID,
		To:              StatusCompleted,
		ActualEndTime:   &now,
		CompletionNotes: &notes,
		Images:          images,
		Report:          ReportPatch{Status: ReportCompleted, CompletedAt: &now},
		Now:             now,
	})
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	c.succeed(ctx, op, audit.TaskComplete, out.Task, nil)

	drafts := []notify.Draft{{
		UserID:  out.Report.OwnerID,
		Type:    notify.TypeTaskCompleted,
		Title:   "Pickup completed",
		Message: "Your waste report has been collected.",
		Data:    taskData(out.Task),
	}}
	admins, err := c.principals.ListActivePrincipalsByRole(ctx, auth.RoleAdmin)
	if err != nil {
		obs.Error("list admins for completion notice", err, map[string]any{"task_id": out.Task.ID})
	}
	for _, a := range admins {
		drafts = append(drafts, notify.Draft{
			UserID:  a.ID,
			Type:    notify.TypeTaskCompleted,
			Title:   "Task completed",
			Message: fmt.Sprintf("Task %s was completed by its collector.", out.Task.ID),
			Data:    taskData(out.Task),
		})
	}
	c.notifier.Enqueue(drafts...)
	c.emitUpdate(out.Task, out.Report)
	return out.Task, nil
}

// Cancel ends a non-terminal task and releases its report back to pending.
// Admins may cancel any task; a collector only their own.
func (c *Coordinator) Cancel(ctx context.Context, actor auth.Principal, taskID, reason string) (Task, error) {
	const op = "cancel"
	collector, err := ownerConstraint(actor)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	reason, err = cleanNotes(reason)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	var notes *string
	if reason != "" {
		notes = &reason
	}
	now := c.now().UTC()
	out, err := c.store.ApplyTransition(ctx, Transition{
		TaskID:    taskID,
		From:      Active,
		Collector: collector,
		To:        StatusCancelled,
		Notes:     notes,
		Report: ReportPatch{
			Status:       ReportPending,
			SetCollector: true,
			SetSchedule:  true,
		},
		Now: now,
	})
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	c.succeed(ctx, op, audit.TaskCancel, out.Task, map[string]any{"reason": reason})
	msg := "Your scheduled pickup was cancelled."
	if reason != "" {
		msg = "Your scheduled pickup was cancelled: " + reason
	}
	c.notifier.Enqueue(notify.Draft{
		UserID:  out.Report.OwnerID,
		Type:    notify.TypeTaskCancelled,
		Title:   "Pickup cancelled",
		Message: msg,
		Data:    taskData(out.Task),
	})
	c.emitUpdate(out.Task, out.Report)
	return out.Task, nil
}

// ReassignInput is the input of Reassign.
type ReassignInput struct {
	CollectorID   string     `json:"collectorId"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	Reason        string     `json:"reason"`
}

// Reassign hands a non-terminal task to another active collector.
func (c *Coordinator) Reassign(ctx context.Context, actor auth.Principal, taskID string, in ReassignInput) (Task, error) {
	const op = "reassign"
	if err := auth.RequireRole(actor, auth.RoleAdmin); err != nil {
		return Task{}, c.fail(op, err)
	}
	in.CollectorID = strings.TrimSpace(in.CollectorID)
	if in.CollectorID == "" {
		return Task{}, c.fail(op, fmt.Errorf("%w: collectorId is required", ErrInvalidInput))
	}
	reason, err := cleanNotes(in.Reason)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	if err := c.requireCollector(ctx, in.CollectorID); err != nil {
		return Task{}, c.fail(op, err)
	}
	now := c.now().UTC()
	tr := Transition{
		TaskID:      taskID,
		From:        Active,
		CollectorID: in.CollectorID,
		Report:      ReportPatch{SetCollector: true, CollectorID: in.CollectorID},
		Now:         now,
	}
	if in.ScheduledDate != nil && !in.ScheduledDate.IsZero() {
		date := in.ScheduledDate.UTC()
		tr.ScheduledDate = &date
		tr.Report.SetSchedule = true
		tr.Report.ScheduledDate = &date
	}
	if reason != "" {
		tr.Notes = &reason
	}
	out, err := c.store.ApplyTransition(ctx, tr)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	prev := out.Previous.CollectorID
	c.succeed(ctx, op, audit.TaskReassign, out.Task, map[string]any{"from_collector": prev, "to_collector": in.CollectorID})

	drafts := []notify.Draft{
		{
			UserID:   in.CollectorID,
			Type:     notify.TypeTaskReassigned,
			Title:    "New pickup task",
			Message:  fmt.Sprintf("A pickup on %s has been reassigned to you.", formatDate(out.Task.ScheduledDate)),
			Data:     taskData(out.Task),
			Priority: notify.PriorityHigh,
		},
		{
			UserID:  out.Report.OwnerID,
			Type:    notify.TypeTaskReassigned,
			Title:   "Collector changed",
			Message: "A different collector will handle your pickup.",
			Data:    taskData(out.Task),
		},
	}
	if prev != "" && prev != in.CollectorID {
		drafts = append(drafts, notify.Draft{
			UserID:  prev,
			Type:    notify.TypeTaskReassigned,
			Title:   "Task reassigned",
			Message: "A pickup task was reassigned to another collector.",
			Data:    taskData(out.Task),
		})
	}
	c.notifier.Enqueue(drafts...)

	evt := ReassignEvent{TaskID: out.Task.ID, ReportID: out.Task.ReportID, FromCollectorID: prev, ToCollectorID: in.CollectorID, Task: out.Task}
	if prev != "" && prev != in.CollectorID {
		c.bc.Emit(room.UserRoom(prev), realtime.TaskReassigned, evt)
	}
	c.bc.Emit(room.UserRoom(in.CollectorID), realtime.TaskReassigned, evt)
	c.emitUpdate(out.Task, out.Report)
	return out.Task, nil
}

// RescheduleInput is the input of Reschedule.
type RescheduleInput struct {
	ScheduledDate time.Time `json:"scheduledDate"`
	Reason        string    `json:"reason"`
}

// Reschedule moves a non-terminal task to a future date. The task records
// the rescheduled status and can be started again from it.
func (c *Coordinator) Reschedule(ctx context.Context, actor auth.Principal, taskID string, in RescheduleInput) (Task, error) {
	const op = "reschedule"
	collector, err := ownerConstraint(actor)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	reason, err := cleanNotes(in.Reason)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	now := c.now().UTC()
	if !in.ScheduledDate.After(now) {
		return Task{}, c.fail(op, ErrDateNotFuture)
	}
	date := in.ScheduledDate.UTC()
	tr := Transition{
		TaskID:        taskID,
		From:          Active,
		Collector:     collector,
		To:            StatusRescheduled,
		ScheduledDate: &date,
		Report: ReportPatch{
			Status:        ReportAssigned,
			SetSchedule:   true,
			ScheduledDate: &date,
		},
		Now: now,
	}
	if reason != "" {
		tr.Notes = &reason
	}
	out, err := c.store.ApplyTransition(ctx, tr)
	if err != nil {
		return Task{}, c.fail(op, err)
	}
	c.succeed(ctx, op, audit.TaskReschedule, out.Task, map[string]any{"scheduled_date": date})
	c.notifier.Enqueue(notify.Draft{
		UserID:  out.Report.OwnerID,
		Type:    notify.TypeTaskRescheduled,
		Title:   "Pickup rescheduled",
		Message: fmt.Sprintf("Your pickup has been moved to %s.", formatDate(date)),
		Data:    taskData(out.Task),
	})
	c.emitUpdate(out.Task, out.Report)
	return out.Task, nil
}

// Get returns a task to an admin, its collector or the owner of its report.
func (c *Coordinator) Get(ctx context.Context, actor auth.Principal, taskID string) (Task, error) {
	t, err := c.store.FindTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if actor.IsAdmin() || t.CollectorID == actor.ID {
		return t, nil
	}
	rep, err := c.store.FindReport(ctx, t.ReportID)
	if err != nil {
		return Task{}, err
	}
	if rep.OwnerID != actor.ID {
		return Task{}, ErrNotVisible
	}
	return t, nil
}

// AssignEvent is the payload of assign_task.
type AssignEvent struct {
	TaskID           string    `json:"taskId"`
	ReportID         string    `json:"reportId"`
	CollectorID      string    `json:"collectorId"`
	ScheduledDate    time.Time `json:"scheduledDate"`
	EstimatedMinutes int       `json:"estimatedDuration"`
	Notes            string    `json:"notes,omitempty"`
}

// UpdateEvent is the payload of task_update.
type UpdateEvent struct {
	Task         Task         `json:"task"`
	ReportStatus ReportStatus `json:"reportStatus"`
}

// ReassignEvent is the payload of task_reassigned.
type ReassignEvent struct {
	TaskID          string `json:"taskId"`
	ReportID        string `json:"reportId"`
	FromCollectorID string `json:"fromCollectorId,omitempty"`
	ToCollectorID   string `json:"toCollectorId"`
	Task            Task   `json:"task"`
}

func (c *Coordinator) emitUpdate(t Task, rep Report) {
	evt := UpdateEvent{Task: t, ReportStatus: rep.Status}
	c.bc.Emit(room.RoleRoom(auth.RoleAdmin), realtime.TaskUpdate, evt)
	c.bc.Emit(room.UserRoom(t.CollectorID), realtime.TaskUpdate, evt)
	if rep.OwnerID != "" && rep.OwnerID != t.CollectorID {
		c.bc.Emit(room.UserRoom(rep.OwnerID), realtime.TaskUpdate, evt)
	}
}

func (c *Coordinator) requireCollector(ctx context.Context, id string) error {
	p, err := c.principals.FindPrincipal(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return ErrCollectorNotFound
		}
		return fmt.Errorf("load collector: %w", err)
	}
	if !p.Active || !p.IsCollector() {
		return ErrCollectorUnavailable
	}
	return nil
}

func (c *Coordinator) fail(op string, err error) error {
	obs.TaskTransition(op, apperr.Code(err))
	return err
}

func (c *Coordinator) succeed(ctx context.Context, op, event string, t Task, fields map[string]any) {
	obs.TaskTransition(op, "ok")
	entry := map[string]any{"task_id": t.ID, "status": string(t.Status)}
	for k, v := range fields {
		entry[k] = v
	}
	audit.Record(ctx, event, entry)
}

// ownerConstraint returns the collector id a collector actor is limited to,
// or "" for admins.
func ownerConstraint(actor auth.Principal) (string, error) {
	switch actor.Role {
	case auth.RoleAdmin:
		return "", nil
	case auth.RoleCollector:
		return actor.ID, nil
	default:
		return "", auth.ErrForbidden
	}
}

func cleanNotes(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxNotesLength {
		return "", fmt.Errorf("%w: notes exceed %d characters", ErrInvalidInput, maxNotesLength)
	}
	return s, nil
}

func cleanImages(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, img := range in {
		if img = strings.TrimSpace(img); img != "" {
			out = append(out, img)
		}
	}
	if len(out) > maxImages {
		return nil, fmt.Errorf("%w: at most %d images", ErrInvalidInput, maxImages)
	}
	return out, nil
}

func taskData(t Task) map[string]any {
	return map[string]any{"taskId": t.ID, "reportId": t.ReportID, "status": string(t.Status)}
}

func formatDate(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 MST") }

type discard struct{}

func (discard) Enqueue(...notify.Draft) {}
