package reputation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/store"
)

// Thresholds controls how outcome history maps onto a server status.
type Thresholds struct {
	// Degraded when this many failures in a row, or when the success ratio
	// drops below MinSuccessRatio after at least MinAttempts attempts.
	DegradedThreshold int64
	// Suspended when this many failures in a row. No new deliveries are
	// admitted until a success or an operator reset.
	SuspendThreshold int64
	MinAttempts      int64
	MinSuccessRatio  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedThreshold: 5,
		SuspendThreshold:  10,
		MinAttempts:       10,
		MinSuccessRatio:   0.8,
	}
}

// Tracker maintains per-server delivery health. Counter updates are atomic
// inside the store; the tracker layers classification and admission on top.
type Tracker struct {
	store      store.Store
	thresholds Thresholds
	log        zerolog.Logger
}

func NewTracker(s store.Store, t Thresholds, log zerolog.Logger) *Tracker {
	return &Tracker{store: s, thresholds: t, log: log}
}

// RecordOutcome applies one delivery outcome and recomputes the server
// status. A success unconditionally clears the consecutive-failure streak,
// which is what lets a suspended server recover after a manual retry.
func (t *Tracker) RecordOutcome(ctx context.Context, server string, success bool) (*models.ServerReputation, error) {
	rep, err := t.store.ApplyOutcome(ctx, server, success, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	status := t.Classify(rep)
	if status != rep.Status {
		if err := t.store.SetServerStatus(ctx, server, status); err != nil {
			return nil, err
		}
		t.log.Info().
			Str("server", server).
			Str("from", string(rep.Status)).
			Str("to", string(status)).
			Int64("consecutive_failures", rep.ConsecutiveFailures).
			Msg("server status changed")
		rep.Status = status
	}
	return rep, nil
}

// Classify derives the status from the counters alone, so concurrent writers
// converge on the same answer.
func (t *Tracker) Classify(rep *models.ServerReputation) models.ServerStatus {
	switch {
	case rep.ConsecutiveFailures >= t.thresholds.SuspendThreshold:
		return models.ServerSuspended
	case rep.ConsecutiveFailures >= t.thresholds.DegradedThreshold:
		return models.ServerDegraded
	case rep.TotalAttempts() >= t.thresholds.MinAttempts && rep.SuccessRatio() < t.thresholds.MinSuccessRatio:
		return models.ServerDegraded
	default:
		return models.ServerHealthy
	}
}

// Admit reports whether a new delivery attempt to the server is allowed.
// Unknown servers are admitted; degraded servers are admitted but throttled
// by the scheduler.
func (t *Tracker) Admit(ctx context.Context, server string) (bool, error) {
	rep, err := t.store.GetReputation(ctx, server)
	if err != nil {
		return false, err
	}
	if rep == nil {
		return true, nil
	}
	return rep.Status != models.ServerSuspended, nil
}

// Status returns the current classification without recording anything.
func (t *Tracker) Status(ctx context.Context, server string) (models.ServerStatus, error) {
	rep, err := t.store.GetReputation(ctx, server)
	if err != nil {
		return "", err
	}
	if rep == nil {
		return models.ServerHealthy, nil
	}
	return rep.Status, nil
}

// Reset is the operator override that zeroes a server's history and lifts a
// suspension.
func (t *Tracker) Reset(ctx context.Context, server string) error {
	if err := t.store.ResetReputation(ctx, server); err != nil {
		return err
	}
	t.log.Info().Str("server", server).Msg("server reputation reset")
	return nil
}
