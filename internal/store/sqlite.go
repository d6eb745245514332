package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stridefed/courier/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// One connection serializes writers; the busy timeout covers readers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			origin_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			server TEXT NOT NULL,
			payload TEXT NOT NULL,
			recipients TEXT NOT NULL DEFAULT '[]',
			attempt INTEGER NOT NULL DEFAULT 1,
			queue TEXT NOT NULL DEFAULT 'pending',
			not_before DATETIME,
			reason TEXT NOT NULL DEFAULT '',
			dead_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS statuses (
			item_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME,
			next_retry_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (item_id, endpoint)
		)`,
		`CREATE TABLE IF NOT EXISTS reputations (
			server TEXT PRIMARY KEY,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_success_at DATETIME,
			last_failure_at DATETIME,
			status TEXT NOT NULL DEFAULT 'healthy',
			shared_inbox TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(queue, created_at) WHERE queue = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_retry ON jobs(server, not_before) WHERE queue = 'retry'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_deadletter ON jobs(dead_at) WHERE queue = 'deadletter'`,
		`CREATE INDEX IF NOT EXISTS idx_statuses_item ON statuses(item_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

const jobColumns = `id, item_id, origin_id, endpoint, server, payload, recipients, attempt, created_at`

func (s *SQLiteStore) scanJob(row interface{ Scan(...interface{}) error }) (*models.DeliveryJob, error) {
	var j models.DeliveryJob
	var payload, recipients string
	err := row.Scan(&j.ID, &j.ItemID, &j.OriginID, &j.Endpoint, &j.Server, &payload, &recipients, &j.Attempt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	json.Unmarshal([]byte(recipients), &j.Recipients)
	return &j, nil
}

func (s *SQLiteStore) upsertJob(ctx context.Context, job *models.DeliveryJob, queue string, notBefore *time.Time, reason string, deadAt *time.Time) error {
	recipients, _ := json.Marshal(job.Recipients)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, item_id, origin_id, endpoint, server, payload, recipients, attempt, queue, not_before, reason, dead_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			attempt = excluded.attempt,
			queue = excluded.queue,
			not_before = excluded.not_before,
			reason = excluded.reason,
			dead_at = excluded.dead_at,
			updated_at = excluded.updated_at`,
		job.ID, job.ItemID, job.OriginID, job.Endpoint, job.Server, string(job.Payload), string(recipients),
		job.Attempt, queue, notBefore, reason, deadAt, job.CreatedAt, now,
	)
	return unavailable(err)
}

// claim returns the jobs matched by the given filter and deletes them in the
// same transaction, so a job is handed to exactly one caller.
func (s *SQLiteStore) claim(ctx context.Context, where string, limit int, args ...interface{}) ([]models.DeliveryJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where + ` ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}

	var jobs []models.DeliveryJob
	var ids []interface{}
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, unavailable(err)
		}
		jobs = append(jobs, *j)
		ids = append(ids, j.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, unavailable(err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+placeholders+`)`, ids...); err != nil {
		return nil, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return jobs, nil
}

// --- Pending queue ---

func (s *SQLiteStore) EnqueuePending(ctx context.Context, job *models.DeliveryJob) error {
	return s.upsertJob(ctx, job, "pending", nil, "", nil)
}

func (s *SQLiteStore) DequeuePending(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	return s.claim(ctx, `queue = 'pending'`, limit)
}

// --- Retry sets ---

func (s *SQLiteStore) ScheduleRetry(ctx context.Context, job *models.DeliveryJob, notBefore time.Time) error {
	nb := notBefore.UTC()
	return s.upsertJob(ctx, job, "retry", &nb, "", nil)
}

func (s *SQLiteStore) DueRetries(ctx context.Context, server string, now time.Time) ([]models.DeliveryJob, error) {
	return s.claim(ctx, `queue = 'retry' AND server = ? AND not_before <= ?`, 0, server, now.UTC())
}

func (s *SQLiteStore) RetryServers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT server FROM jobs WHERE queue = 'retry'`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var srv string
		if err := rows.Scan(&srv); err != nil {
			return nil, unavailable(err)
		}
		servers = append(servers, srv)
	}
	return servers, unavailable(rows.Err())
}

// --- Dead letter ---

func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, job *models.DeliveryJob, reason string) error {
	now := time.Now().UTC()
	return s.upsertJob(ctx, job, "deadletter", nil, reason, &now)
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+`, reason, dead_at FROM jobs WHERE queue = 'deadletter' ORDER BY dead_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload, recipients string
		err := rows.Scan(&dl.Job.ID, &dl.Job.ItemID, &dl.Job.OriginID, &dl.Job.Endpoint, &dl.Job.Server,
			&payload, &recipients, &dl.Job.Attempt, &dl.Job.CreatedAt, &dl.Reason, &dl.DeadAt)
		if err != nil {
			return nil, unavailable(err)
		}
		dl.Job.Payload = json.RawMessage(payload)
		json.Unmarshal([]byte(recipients), &dl.Job.Recipients)
		letters = append(letters, dl)
	}
	return letters, unavailable(rows.Err())
}

func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, jobID string) (*models.DeliveryJob, error) {
	jobs, err := s.claim(ctx, `queue = 'deadletter' AND id = ?`, 1, jobID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	job := jobs[0]
	job.Attempt = 1
	if err := s.EnqueuePending(ctx, &job); err != nil {
		return nil, err
	}

	// Reopen the ledger entries. This bypasses the terminal-state guard on
	// SetStatus: a manual requeue is the one sanctioned way back.
	recipients := job.Recipients
	if len(recipients) == 0 {
		recipients = []string{job.Endpoint}
	}
	now := time.Now().UTC()
	for _, inbox := range recipients {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO statuses (item_id, endpoint, state, attempts, last_error, updated_at)
			 VALUES (?, ?, 'pending', 0, '', ?)
			 ON CONFLICT(item_id, endpoint) DO UPDATE SET
				state = 'pending',
				attempts = 0,
				last_attempt_at = NULL,
				next_retry_at = NULL,
				last_error = '',
				updated_at = excluded.updated_at`,
			job.ItemID, inbox, now)
		if err != nil {
			return nil, unavailable(err)
		}
	}
	return &job, nil
}

// --- Status ledger ---

func (s *SQLiteStore) GetStatus(ctx context.Context, itemID, endpoint string) (*models.DeliveryStatus, error) {
	var st models.DeliveryStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, endpoint, state, attempts, last_attempt_at, next_retry_at, last_error, updated_at
		 FROM statuses WHERE item_id = ? AND endpoint = ?`, itemID, endpoint,
	).Scan(&st.ItemID, &st.Endpoint, &st.State, &st.Attempts, &st.LastAttemptAt, &st.NextRetryAt, &st.LastError, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &st, nil
}

// SetStatus upserts a status record. Writes against a record already in a
// terminal state are silently ignored: terminal outcomes are immutable.
func (s *SQLiteStore) SetStatus(ctx context.Context, st *models.DeliveryStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO statuses (item_id, endpoint, state, attempts, last_attempt_at, next_retry_at, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id, endpoint) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		 WHERE statuses.state NOT IN ('delivered', 'dead_letter')`,
		st.ItemID, st.Endpoint, st.State, st.Attempts, st.LastAttemptAt, st.NextRetryAt, st.LastError, time.Now().UTC(),
	)
	return unavailable(err)
}

func (s *SQLiteStore) ListStatusesByItem(ctx context.Context, itemID string) ([]models.DeliveryStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, endpoint, state, attempts, last_attempt_at, next_retry_at, last_error, updated_at
		 FROM statuses WHERE item_id = ? ORDER BY endpoint`, itemID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var statuses []models.DeliveryStatus
	for rows.Next() {
		var st models.DeliveryStatus
		if err := rows.Scan(&st.ItemID, &st.Endpoint, &st.State, &st.Attempts, &st.LastAttemptAt, &st.NextRetryAt, &st.LastError, &st.UpdatedAt); err != nil {
			return nil, unavailable(err)
		}
		statuses = append(statuses, st)
	}
	return statuses, unavailable(rows.Err())
}

// --- Reputation ---

const reputationColumns = `server, success_count, failure_count, consecutive_failures, last_success_at, last_failure_at, status, shared_inbox, created_at, updated_at`

func (s *SQLiteStore) scanReputation(row interface{ Scan(...interface{}) error }) (*models.ServerReputation, error) {
	var r models.ServerReputation
	err := row.Scan(&r.Server, &r.SuccessCount, &r.FailureCount, &r.ConsecutiveFailures,
		&r.LastSuccessAt, &r.LastFailureAt, &r.Status, &r.SharedInbox, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) GetReputation(ctx context.Context, server string) (*models.ServerReputation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reputationColumns+` FROM reputations WHERE server = ?`, server)
	r, err := s.scanReputation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return r, nil
}

func (s *SQLiteStore) ListReputations(ctx context.Context) ([]models.ServerReputation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reputationColumns+` FROM reputations ORDER BY server`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var reps []models.ServerReputation
	for rows.Next() {
		r, err := s.scanReputation(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		reps = append(reps, *r)
	}
	return reps, unavailable(rows.Err())
}

// ApplyOutcome increments the outcome counters for a server in a single
// statement, creating the record on first contact. The increment happens
// inside the database so concurrent workers never lose an update.
func (s *SQLiteStore) ApplyOutcome(ctx context.Context, server string, success bool, at time.Time) (*models.ServerReputation, error) {
	at = at.UTC()
	var err error
	if success {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO reputations (server, success_count, failure_count, consecutive_failures, last_success_at, status, created_at, updated_at)
			 VALUES (?, 1, 0, 0, ?, 'healthy', ?, ?)
			 ON CONFLICT(server) DO UPDATE SET
				success_count = success_count + 1,
				consecutive_failures = 0,
				last_success_at = excluded.last_success_at,
				updated_at = excluded.updated_at`,
			server, at, at, at)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO reputations (server, success_count, failure_count, consecutive_failures, last_failure_at, status, created_at, updated_at)
			 VALUES (?, 0, 1, 1, ?, 'healthy', ?, ?)
			 ON CONFLICT(server) DO UPDATE SET
				failure_count = failure_count + 1,
				consecutive_failures = consecutive_failures + 1,
				last_failure_at = excluded.last_failure_at,
				updated_at = excluded.updated_at`,
			server, at, at, at)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s.GetReputation(ctx, server)
}

func (s *SQLiteStore) SetServerStatus(ctx context.Context, server string, status models.ServerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reputations SET status = ?, updated_at = ? WHERE server = ?`,
		status, time.Now().UTC(), server)
	return unavailable(err)
}

func (s *SQLiteStore) SetSharedInbox(ctx context.Context, server, inbox string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reputations (server, shared_inbox, status, created_at, updated_at)
		 VALUES (?, ?, 'healthy', ?, ?)
		 ON CONFLICT(server) DO UPDATE SET
			shared_inbox = excluded.shared_inbox,
			updated_at = excluded.updated_at`,
		server, inbox, now, now)
	return unavailable(err)
}

func (s *SQLiteStore) ResetReputation(ctx context.Context, server string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reputations SET
			success_count = 0,
			failure_count = 0,
			consecutive_failures = 0,
			status = 'healthy',
			updated_at = ?
		 WHERE server = ?`,
		time.Now().UTC(), server)
	return unavailable(err)
}
