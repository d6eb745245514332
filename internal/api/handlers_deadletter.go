package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/stridefed/courier/internal/store"
)

type DeadLetterHandler struct {
	store store.Store
}

func NewDeadLetterHandler(s store.Store) *DeadLetterHandler {
	return &DeadLetterHandler{store: s}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	letters, err := h.store.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

// Requeue puts a dead-lettered job back on the pending queue with a fresh
// attempt budget. Succeeding afterwards is also what heals a suspended
// server.
func (h *DeadLetterHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to requeue dead letter")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
