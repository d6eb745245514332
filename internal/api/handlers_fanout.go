package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stridefed/courier/internal/fanout"
	"github.com/stridefed/courier/internal/store"
)

type FanoutHandler struct {
	svc *fanout.Service
}

func NewFanoutHandler(svc *fanout.Service) *FanoutHandler {
	return &FanoutHandler{svc: svc}
}

type fanoutRequest struct {
	ItemID   string          `json:"item_id"`
	OriginID string          `json:"origin_id"`
	Payload  json.RawMessage `json:"payload"`
	Inboxes  []string        `json:"inboxes"`
}

const maxPayloadSize = 256 * 1024 // 256KB

// Submit enqueues a fan-out. It answers 202 once every job is durable;
// delivery outcomes are observable through the status endpoints, never here.
func (h *FanoutHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req fanoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.svc.SubmitFanout(r.Context(), req.ItemID, req.OriginID, req.Payload, req.Inboxes)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "delivery store unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"item_id":    req.ItemID,
		"recipients": len(req.Inboxes),
	})
}
