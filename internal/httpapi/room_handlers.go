package httpapi

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultHistoryLimit = 50

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("room"))
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "room is required")
		return
	}
	page, ok := intParam(q.Get("page"), 1)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "page must be an integer")
		return
	}
	limit, ok := intParam(q.Get("limit"), defaultHistoryLimit)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}
	msgs, err := a.deps.History.History(r.Context(), principal(r), name, page, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":     name,
		"page":     page,
		"limit":    limit,
		"messages": msgs,
	})
}

func intParam(raw string, def int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
