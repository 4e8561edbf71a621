package httpapi

import (
	"net/http"

	"wastelink.org/internal/task"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	var in task.AssignInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.deps.Tasks.Assign(r.Context(), principal(r), in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	a.respondTask(w, r)(a.deps.Tasks.Get(r.Context(), principal(r), r.PathValue("id")))
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	a.respondTask(w, r)(a.deps.Tasks.Start(r.Context(), principal(r), r.PathValue("id")))
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in task.CompleteInput
	if err := decodeOptionalJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.respondTask(w, r)(a.deps.Tasks.Complete(r.Context(), principal(r), r.PathValue("id"), in))
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in cancelRequest
	if err := decodeOptionalJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.respondTask(w, r)(a.deps.Tasks.Cancel(r.Context(), principal(r), r.PathValue("id"), in.Reason))
}

func (a *API) handleReassign(w http.ResponseWriter, r *http.Request) {
	var in task.ReassignInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.respondTask(w, r)(a.deps.Tasks.Reassign(r.Context(), principal(r), r.PathValue("id"), in))
}

func (a *API) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var in task.RescheduleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.respondTask(w, r)(a.deps.Tasks.Reschedule(r.Context(), principal(r), r.PathValue("id"), in))
}

func (a *API) respondTask(w http.ResponseWriter, r *http.Request) func(task.Task, error) {
	return func(t task.Task, err error) {
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}
