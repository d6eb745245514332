package store

import (
	"context"
	"errors"
	"time"

	"github.com/stridefed/courier/internal/models"
)

// ErrUnavailable marks infrastructure failures of the store itself, as
// opposed to a per-delivery outcome. Callers that hit it on enqueue must
// surface it to the submitter; callers that hit it after a successful
// delivery log it and move on.
var ErrUnavailable = errors.New("delivery store unavailable")

// DeadLetter is a job parked in terminal storage together with the reason it
// will not be retried automatically.
type DeadLetter struct {
	Job    models.DeliveryJob `json:"job"`
	Reason string             `json:"reason"`
	DeadAt time.Time          `json:"dead_at"`
}

// Store is the single source of truth for delivery state: the pending FIFO,
// the per-server retry sets, the dead-letter collection, the per-(item,
// endpoint) status ledger and the per-server reputation records.
//
// Every method is atomic with respect to concurrent callers. Two callers
// never receive the same job from DequeuePending or DueRetries, and
// reputation counter updates are serialized inside the store.
type Store interface {
	// Pending queue (FIFO).
	EnqueuePending(ctx context.Context, job *models.DeliveryJob) error
	DequeuePending(ctx context.Context, limit int) ([]models.DeliveryJob, error)

	// Per-server retry sets, ordered by due time. DueRetries removes what it
	// returns.
	ScheduleRetry(ctx context.Context, job *models.DeliveryJob, notBefore time.Time) error
	DueRetries(ctx context.Context, server string, now time.Time) ([]models.DeliveryJob, error)
	RetryServers(ctx context.Context) ([]string, error)

	// Dead letter. RequeueDeadLetter is the operator override: it moves a
	// dead-lettered job back onto the pending queue with a fresh attempt
	// counter and reopens its ledger entries.
	MoveToDeadLetter(ctx context.Context, job *models.DeliveryJob, reason string) error
	ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, jobID string) (*models.DeliveryJob, error)

	// Status ledger. SetStatus never overwrites a terminal state.
	GetStatus(ctx context.Context, itemID, endpoint string) (*models.DeliveryStatus, error)
	SetStatus(ctx context.Context, st *models.DeliveryStatus) error
	ListStatusesByItem(ctx context.Context, itemID string) ([]models.DeliveryStatus, error)

	// Reputation. ApplyOutcome performs the atomic counter update and
	// returns the record as written; status classification is layered on top
	// via SetServerStatus.
	GetReputation(ctx context.Context, server string) (*models.ServerReputation, error)
	ListReputations(ctx context.Context) ([]models.ServerReputation, error)
	ApplyOutcome(ctx context.Context, server string, success bool, at time.Time) (*models.ServerReputation, error)
	SetServerStatus(ctx context.Context, server string, status models.ServerStatus) error
	SetSharedInbox(ctx context.Context, server, inbox string) error
	ResetReputation(ctx context.Context, server string) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
