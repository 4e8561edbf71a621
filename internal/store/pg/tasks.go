package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goccy/go-json"

	"wastelink.org/internal/task"
)

const (
	taskColumns = `id, report_id, collector_id, status, scheduled_date, estimated_duration_minutes,
		actual_start_time, actual_end_time, notes, completion_notes, images, created_at, updated_at`
	reportColumns = `id, owner_id, status, assigned_collector_id, scheduled_date, completed_at, updated_at`
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTask(row interface{ Scan(...any) error }) (task.Task, error) {
	var (
		t          task.Task
		status     string
		start, end sql.NullTime
		images     []byte
	)
	if err := row.Scan(&t.ID, &t.ReportID, &t.CollectorID, &status, &t.ScheduledDate, &t.EstimatedMinutes,
		&start, &end, &t.Notes, &t.CompletionNotes, &images, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.ScheduledDate = t.ScheduledDate.UTC()
	t.ActualStartTime = timePtr(start)
	t.ActualEndTime = timePtr(end)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.Images = []string{}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &t.Images); err != nil {
			return task.Task{}, err
		}
	}
	return t, nil
}

func scanReport(row interface{ Scan(...any) error }) (task.Report, error) {
	var (
		r                    task.Report
		status               string
		collector            sql.NullString
		scheduled, completed sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &status, &collector, &scheduled, &completed, &r.UpdatedAt); err != nil {
		return task.Report{}, err
	}
	r.Status = task.ReportStatus(status)
	r.AssignedCollectorID = collector.String
	r.ScheduledDate = timePtr(scheduled)
	r.CompletedAt = timePtr(completed)
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func findTask(ctx context.Context, q querier, id string, lock bool) (task.Task, error) {
	query := `select ` + taskColumns + ` from pickup_tasks where id = $1`
	if lock {
		query += ` for update`
	}
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrTaskNotFound
	}
	return t, err
}

func findReport(ctx context.Context, q querier, id string, lock bool) (task.Report, error) {
	query := `select ` + reportColumns + ` from reports where id = $1`
	if lock {
		query += ` for update`
	}
	r, err := scanReport(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Report{}, task.ErrReportNotFound
	}
	return r, err
}

func (s *Store) FindTask(ctx context.Context, id string) (task.Task, error) {
	return findTask(ctx, s.db, id, false)
}

func (s *Store) FindReport(ctx context.Context, id string) (task.Report, error) {
	return findReport(ctx, s.db, id, false)
}

// CreateReport inserts a report row. Reports are created by the intake
// flows; this exists for seeding and tests.
func (s *Store) CreateReport(ctx context.Context, r task.Report) error {
	if r.Status == "" {
		r.Status = task.ReportPending
	}
	_, err := s.db.ExecContext(ctx, `
		insert into reports (id, owner_id, status, assigned_collector_id, scheduled_date, completed_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.OwnerID, string(r.Status), nullIfEmpty(r.AssignedCollectorID), nullTime(r.ScheduledDate), nullTime(r.CompletedAt), r.UpdatedAt.UTC())
	return err
}

func (s *Store) CreateAssignment(ctx context.Context, a task.Assignment) (task.Task, task.Report, error) {
	var (
		created task.Task
		rep     task.Report
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rep, err = findReport(ctx, tx, a.Task.ReportID, true)
		if err != nil {
			return err
		}
		if rep.Status == task.ReportCompleted {
			return task.ErrReportCompleted
		}
		if rep.Claimed() {
			return task.ErrReportAssigned
		}
		images := a.Task.Images
		if images == nil {
			images = []string{}
		}
		raw, err := json.Marshal(images)
		if err != nil {
			return err
		}
		t := a.Task
		_, err = tx.ExecContext(ctx, `
			insert into pickup_tasks (id, report_id, collector_id, status, scheduled_date, estimated_duration_minutes,
				actual_start_time, actual_end_time, notes, completion_notes, images, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			t.ID, t.ReportID, t.CollectorID, string(t.Status), t.ScheduledDate.UTC(), t.EstimatedMinutes,
			nullTime(t.ActualStartTime), nullTime(t.ActualEndTime), t.Notes, t.CompletionNotes, raw,
			t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			if isPgCode(err, pgErrForeignKeyViolation) {
				return task.ErrCollectorNotFound
			}
			return err
		}
		date := t.ScheduledDate
		rep.Status = task.ReportAssigned
		rep.AssignedCollectorID = t.CollectorID
		rep.ScheduledDate = &date
		rep.UpdatedAt = a.Now
		if err := updateReport(ctx, tx, rep); err != nil {
			return err
		}
		t.Images = images
		created = t
		return nil
	})
	if err != nil {
		return task.Task{}, task.Report{}, err
	}
	return created, rep, nil
}

// ApplyTransition locks the task row, checks the transition's conditions
// under the lock and writes task and report together.
func (s *Store) ApplyTransition(ctx context.Context, tr task.Transition) (task.Outcome, error) {
	var out task.Outcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := findTask(ctx, tx, tr.TaskID, true)
		if err != nil {
			return err
		}
		if tr.Collector != "" && cur.CollectorID != tr.Collector {
			return task.ErrNotAssignedCollector
		}
		if !tr.Allows(cur.Status) {
			return task.ErrInvalidTransition
		}
		rep, err := findReport(ctx, tx, cur.ReportID, true)
		if err != nil {
			return err
		}
		next, nextRep := tr.Apply(cur, rep)
		raw, err := json.Marshal(next.Images)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			update pickup_tasks set
				collector_id = $2, status = $3, scheduled_date = $4, actual_start_time = $5,
				actual_end_time = $6, notes = $7, completion_notes = $8, images = $9, updated_at = $10
			where id = $1`,
			next.ID, next.CollectorID, string(next.Status), next.ScheduledDate.UTC(), nullTime(next.ActualStartTime),
			nullTime(next.ActualEndTime), next.Notes, next.CompletionNotes, raw, next.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		if err := updateReport(ctx, tx, nextRep); err != nil {
			return err
		}
		out = task.Outcome{Previous: cur, Task: next, Report: nextRep}
		return nil
	})
	return out, err
}

func updateReport(ctx context.Context, tx *sql.Tx, r task.Report) error {
	_, err := tx.ExecContext(ctx, `
		update reports set
			status = $2, assigned_collector_id = $3, scheduled_date = $4, completed_at = $5, updated_at = $6
		where id = $1`,
		r.ID, string(r.Status), nullIfEmpty(r.AssignedCollectorID), nullTime(r.ScheduledDate), nullTime(r.CompletedAt), r.UpdatedAt.UTC())
	return err
}
