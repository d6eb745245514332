package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/store"
)

// Service is the submission boundary. SubmitFanout returns once every job is
// durably enqueued; delivery itself happens asynchronously and per-recipient
// failures never surface here.
type Service struct {
	store   store.Store
	planner *Planner
	log     zerolog.Logger
}

func NewService(s store.Store, planner *Planner, log zerolog.Logger) *Service {
	return &Service{store: s, planner: planner, log: log}
}

func (s *Service) SubmitFanout(ctx context.Context, itemID, originID string, payload json.RawMessage, inboxes []string) error {
	if itemID == "" {
		return fmt.Errorf("item id is required")
	}
	if originID == "" {
		return fmt.Errorf("origin id is required")
	}
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if len(inboxes) == 0 {
		return fmt.Errorf("at least one recipient inbox is required")
	}

	jobs, err := s.planner.Plan(ctx, itemID, originID, payload, inboxes)
	if err != nil {
		return err
	}

	for i := range jobs {
		job := &jobs[i]
		for _, inbox := range job.Recipients {
			st := &models.DeliveryStatus{
				ItemID:   itemID,
				Endpoint: inbox,
				State:    models.DeliveryPending,
			}
			if err := s.store.SetStatus(ctx, st); err != nil {
				return fmt.Errorf("record delivery status: %w", err)
			}
		}
		// An enqueue failure is back-pressure for the submitter, never a
		// silent drop.
		if err := s.store.EnqueuePending(ctx, job); err != nil {
			return fmt.Errorf("enqueue delivery job: %w", err)
		}
	}

	s.log.Info().
		Str("item_id", itemID).
		Str("origin_id", originID).
		Int("recipients", len(inboxes)).
		Int("jobs", len(jobs)).
		Msg("fan-out enqueued")
	return nil
}

// RecordSharedInbox caches a server's shared inbox on its reputation record.
// Discovery is a collaborator's job (actor fetches carry the endpoint); the
// planner only ever reads the cached value.
func (s *Service) RecordSharedInbox(ctx context.Context, inbox string) error {
	server, err := models.ServerOf(inbox)
	if err != nil {
		return err
	}
	if err := s.store.SetSharedInbox(ctx, server, inbox); err != nil {
		return err
	}
	s.log.Info().Str("server", server).Str("shared_inbox", inbox).Msg("shared inbox recorded")
	return nil
}
