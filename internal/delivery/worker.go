package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stridefed/courier/internal/config"
	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/reputation"
	"github.com/stridefed/courier/internal/store"
)

// Worker executes one delivery job: admission check, transport call, outcome
// classification, then the matching status/retry/dead-letter bookkeeping.
type Worker struct {
	store     store.Store
	tracker   *reputation.Tracker
	transport Transport
	cfg       config.DeliveryConfig
	log       zerolog.Logger
}

func NewWorker(s store.Store, tracker *reputation.Tracker, transport Transport, cfg config.DeliveryConfig, log zerolog.Logger) *Worker {
	return &Worker{
		store:     s,
		tracker:   tracker,
		transport: transport,
		cfg:       cfg,
		log:       log,
	}
}

func (w *Worker) Process(ctx context.Context, job models.DeliveryJob) {
	if len(job.Recipients) == 0 {
		job.Recipients = []string{job.Endpoint}
	}

	// A job whose ledger entry is already terminal is a late duplicate;
	// processing it again is a no-op.
	st, err := w.store.GetStatus(ctx, job.ItemID, job.Recipients[0])
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to read delivery status")
		return
	}
	if st != nil && st.State.Terminal() {
		return
	}

	admitted, err := w.tracker.Admit(ctx, job.Server)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to check server admission")
		return
	}
	if !admitted {
		// Refused before any network call; does not consume an attempt and
		// does not count against the server.
		w.deadLetter(ctx, &job, ReasonServerSuspended, job.Attempt-1)
		return
	}

	code, postErr := w.transport.Post(ctx, job.Endpoint, job.OriginID, job.Payload)
	outcome := ClassifyResult(code, postErr)

	switch outcome.Kind {
	case Success:
		now := time.Now().UTC()
		if err := w.setStatuses(ctx, &job, func(s *models.DeliveryStatus) {
			s.State = models.DeliveryDelivered
			s.Attempts = job.Attempt
			s.LastAttemptAt = &now
		}); err != nil {
			// The delivery itself succeeded; a lost status write is an
			// inconsistency to log, not a failure to retry.
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("delivered but status update failed")
		}
		w.recordOutcome(ctx, job.Server, true)
		w.log.Info().
			Str("job_id", job.ID).
			Str("endpoint", job.Endpoint).
			Int("status_code", outcome.StatusCode).
			Int("attempt", job.Attempt).
			Msg("delivery succeeded")

	case PermanentFailure:
		w.deadLetter(ctx, &job, outcome.Reason, job.Attempt)
		w.recordOutcome(ctx, job.Server, false)

	case RecoverableFailure:
		failed := job.Attempt
		job.Attempt++
		if job.Attempt > w.cfg.MaxAttempts {
			w.deadLetter(ctx, &job, ReasonMaxAttempts, failed)
			w.recordOutcome(ctx, job.Server, false)
			return
		}

		delay := RetryDelay(w.cfg.Backoff, failed)
		now := time.Now().UTC()
		next := now.Add(delay)
		if err := w.store.ScheduleRetry(ctx, &job, next); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to schedule retry")
			return
		}
		if err := w.setStatuses(ctx, &job, func(s *models.DeliveryStatus) {
			s.State = models.DeliveryRetrying
			s.Attempts = failed
			s.LastAttemptAt = &now
			s.NextRetryAt = &next
			s.LastError = outcome.Reason
		}); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to update delivery status")
		}
		w.recordOutcome(ctx, job.Server, false)
		w.log.Info().
			Str("job_id", job.ID).
			Str("endpoint", job.Endpoint).
			Str("error", outcome.Reason).
			Int("attempt", failed).
			Time("next_retry", next).
			Msg("delivery scheduled for retry")
	}
}

func (w *Worker) deadLetter(ctx context.Context, job *models.DeliveryJob, reason string, attempts int) {
	now := time.Now().UTC()
	if err := w.setStatuses(ctx, job, func(s *models.DeliveryStatus) {
		s.State = models.DeliveryDeadLetter
		s.Attempts = attempts
		s.LastAttemptAt = &now
		s.LastError = reason
	}); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to update delivery status")
	}
	if err := w.store.MoveToDeadLetter(ctx, job, reason); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to move job to dead letter")
		return
	}
	w.log.Warn().
		Str("job_id", job.ID).
		Str("endpoint", job.Endpoint).
		Str("reason", reason).
		Int("attempt", job.Attempt).
		Msg("delivery dead-lettered")
}

// setStatuses applies one update to the ledger entry of every recipient
// covered by the job. Batched recipients share the job's fate.
func (w *Worker) setStatuses(ctx context.Context, job *models.DeliveryJob, update func(*models.DeliveryStatus)) error {
	var firstErr error
	for _, inbox := range job.Recipients {
		st := &models.DeliveryStatus{
			ItemID:   job.ItemID,
			Endpoint: inbox,
		}
		update(st)
		if err := w.store.SetStatus(ctx, st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Worker) recordOutcome(ctx context.Context, server string, success bool) {
	if _, err := w.tracker.RecordOutcome(ctx, server, success); err != nil {
		w.log.Error().Err(err).Str("server", server).Msg("failed to record delivery outcome")
	}
}
