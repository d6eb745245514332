package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/store"
)

type StatusHandler struct {
	store store.Store
}

func NewStatusHandler(s store.Store) *StatusHandler {
	return &StatusHandler{store: s}
}

// Get returns delivery statuses for one item. With an `inbox` query
// parameter it returns the single (item, inbox) record.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	if inbox := r.URL.Query().Get("inbox"); inbox != "" {
		st, err := h.store.GetStatus(r.Context(), itemID, inbox)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get delivery status")
			return
		}
		if st == nil {
			writeError(w, http.StatusNotFound, "delivery status not found")
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	statuses, err := h.store.ListStatusesByItem(r.Context(), itemID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list delivery statuses")
		return
	}
	if statuses == nil {
		statuses = []models.DeliveryStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}
