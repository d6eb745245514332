package models

import "time"

type ServerStatus string

const (
	ServerHealthy   ServerStatus = "healthy"
	ServerDegraded  ServerStatus = "degraded"
	ServerSuspended ServerStatus = "suspended"
)

// ServerReputation tracks delivery health for one destination server. Records
// are created lazily on the first attempt to a server and never deleted.
type ServerReputation struct {
	Server              string       `json:"server"`
	SuccessCount        int64        `json:"success_count"`
	FailureCount        int64        `json:"failure_count"`
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	Status              ServerStatus `json:"status"`
	// SharedInbox is the server's batch endpoint, when a collaborator has
	// discovered one. Empty until then.
	SharedInbox string    `json:"shared_inbox,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TotalAttempts is the lifetime attempt count against the server.
func (r *ServerReputation) TotalAttempts() int64 {
	return r.SuccessCount + r.FailureCount
}

// SuccessRatio returns the lifetime success ratio, or 1 when there is no
// history yet.
func (r *ServerReputation) SuccessRatio() float64 {
	total := r.TotalAttempts()
	if total == 0 {
		return 1
	}
	return float64(r.SuccessCount) / float64(total)
}
