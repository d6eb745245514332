package models

import "time"

type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliveryRetrying   DeliveryState = "retrying"
	DeliveryDelivered  DeliveryState = "delivered"
	DeliveryDeadLetter DeliveryState = "dead_letter"
)

// Terminal reports whether the state admits no further attempts.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryDeadLetter
}

// DeliveryStatus is the durable outcome ledger: one record per
// (item, endpoint) pair, written on enqueue and after every attempt.
// Once terminal it is never updated again.
type DeliveryStatus struct {
	ItemID        string        `json:"item_id"`
	Endpoint      string        `json:"endpoint"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
