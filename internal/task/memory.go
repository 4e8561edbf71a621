package task

import (
	"context"
	"slices"
	"sync"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. One mutex
// covers tasks and reports so every write is a single atomic step.
type InMemory struct {
	mu      sync.Mutex
	tasks   map[string]Task
	reports map[string]Report
}

// NewInMemory creates an empty task store.
func NewInMemory() *InMemory {
	return &InMemory{
		tasks:   make(map[string]Task),
		reports: make(map[string]Report),
	}
}

// PutReport seeds a report, standing in for the external report flows.
func (s *InMemory) PutReport(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = ReportPending
	}
	s.reports[r.ID] = cloneReport(r)
}

func (s *InMemory) FindTask(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *InMemory) FindReport(ctx context.Context, id string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return Report{}, ErrReportNotFound
	}
	return cloneReport(r), nil
}

func (s *InMemory) CreateAssignment(ctx context.Context, a Assignment) (Task, Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[a.Task.ReportID]
	if !ok {
		return Task{}, Report{}, ErrReportNotFound
	}
	if rep.Status == ReportCompleted {
		return Task{}, Report{}, ErrReportCompleted
	}
	if rep.Claimed() {
		return Task{}, Report{}, ErrReportAssigned
	}
	date := a.Task.ScheduledDate
	rep.Status = ReportAssigned
	rep.AssignedCollectorID = a.Task.CollectorID
	rep.ScheduledDate = &date
	rep.UpdatedAt = a.Now

	t := cloneTask(a.Task)
	s.tasks[t.ID] = t
	s.reports[rep.ID] = rep
	return cloneTask(t), cloneReport(rep), nil
}

func (s *InMemory) ApplyTransition(ctx context.Context, tr Transition) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[tr.TaskID]
	if !ok {
		return Outcome{}, ErrTaskNotFound
	}
	if tr.Collector != "" && cur.CollectorID != tr.Collector {
		return Outcome{}, ErrNotAssignedCollector
	}
	if !tr.Allows(cur.Status) {
		return Outcome{}, ErrInvalidTransition
	}
	rep, ok := s.reports[cur.ReportID]
	if !ok {
		return Outcome{}, ErrReportNotFound
	}
	next, nextRep := tr.Apply(cloneTask(cur), cloneReport(rep))
	s.tasks[next.ID] = next
	s.reports[nextRep.ID] = nextRep
	return Outcome{Previous: cloneTask(cur), Task: cloneTask(next), Report: cloneReport(nextRep)}, nil
}

func cloneTask(t Task) Task {
	t.Images = slices.Clone(t.Images)
	if t.ActualStartTime != nil {
		v := *t.ActualStartTime
		t.ActualStartTime = &v
	}
	if t.ActualEndTime != nil {
		v := *t.ActualEndTime
		t.ActualEndTime = &v
	}
	return t
}

func cloneReport(r Report) Report {
	if r.ScheduledDate != nil {
		v := *r.ScheduledDate
		r.ScheduledDate = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		r.CompletedAt = &v
	}
	return r
}
