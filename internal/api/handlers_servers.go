package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stridefed/courier/internal/fanout"
	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/reputation"
	"github.com/stridefed/courier/internal/store"
)

type ServerHandler struct {
	store   store.Store
	tracker *reputation.Tracker
	svc     *fanout.Service
}

func NewServerHandler(s store.Store, tracker *reputation.Tracker, svc *fanout.Service) *ServerHandler {
	return &ServerHandler{store: s, tracker: tracker, svc: svc}
}

func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	reps, err := h.store.ListReputations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list server reputations")
		return
	}
	if reps == nil {
		reps = []models.ServerReputation{}
	}
	writeJSON(w, http.StatusOK, reps)
}

func (h *ServerHandler) Get(w http.ResponseWriter, r *http.Request) {
	server := chi.URLParam(r, "server")
	rep, err := h.store.GetReputation(r.Context(), server)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get server reputation")
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "server not seen yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Reset lifts a suspension and zeroes the server's history.
func (h *ServerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	server := chi.URLParam(r, "server")
	if err := h.tracker.Reset(r.Context(), server); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset server reputation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server": server, "status": string(models.ServerHealthy)})
}

type sharedInboxRequest struct {
	SharedInbox string `json:"shared_inbox"`
}

// SetSharedInbox is the discovery side-channel: a collaborator that learned a
// server's shared inbox (from an actor document) caches it here.
func (h *ServerHandler) SetSharedInbox(w http.ResponseWriter, r *http.Request) {
	server := chi.URLParam(r, "server")

	var req sharedInboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner, err := models.ServerOf(req.SharedInbox)
	if err != nil || owner != server {
		writeError(w, http.StatusBadRequest, "shared inbox does not belong to server")
		return
	}

	if err := h.svc.RecordSharedInbox(r.Context(), req.SharedInbox); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record shared inbox")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server": server, "shared_inbox": req.SharedInbox})
}
