package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// QueueEntry is one scheduled upload per (asin, platform, account) triple.
type QueueEntry struct {
	ID            int64   `db:"id"`
	ASIN          string  `db:"asin"`
	Platform      string  `db:"platform"`
	AccountID     string  `db:"account_id"`
	ScheduledTime string  `db:"scheduled_time"`
	Priority      int     `db:"priority"`
	Status        string  `db:"status"`
	RetryCount    int     `db:"retry_count"`
	ErrorMessage  *string `db:"error_message"`
	CreatedAt     string  `db:"created_at"`
	ProcessedAt   *string `db:"processed_at"`
}

// Enqueue schedules an upload. A UNIQUE violation on the triple is treated
// as idempotent success (created=false).
func (s *Store) Enqueue(asin, platform, accountID, scheduledTime string, priority int) (created bool, err error) {
	_, err = s.db.Exec(`
		INSERT INTO upload_queue (asin, platform, account_id, scheduled_time, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		asin, platform, accountID, scheduledTime, priority, QueuePending, Now())
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s/%s: %w", asin, platform, accountID, err)
	}
	return true, nil
}

// ClaimDue atomically claims up to limit due pending entries for a platform,
// moving them to uploading. Order is (priority DESC, scheduled_time ASC).
func (s *Store) ClaimDue(platform, now string, limit int) ([]QueueEntry, error) {
	var claimed []QueueEntry
	err := s.withTx(func(tx *sqlx.Tx) error {
		if err := tx.Select(&claimed, `
			SELECT * FROM upload_queue
			 WHERE platform = ? AND status = ? AND scheduled_time <= ?
			 ORDER BY priority DESC, scheduled_time ASC
			 LIMIT ?`, platform, QueuePending, now, limit); err != nil {
			return err
		}
		for i := range claimed {
			if _, err := tx.Exec(`UPDATE upload_queue SET status = ? WHERE id = ?`,
				QueueUploading, claimed[i].ID); err != nil {
				return err
			}
			claimed[i].Status = QueueUploading
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim due for %s: %w", platform, err)
	}
	return claimed, nil
}

// CompleteSuccess finishes a queue entry as success with an optional note.
func (s *Store) CompleteSuccess(id int64, note string) error {
	var msg *string
	if note != "" {
		msg = &note
	}
	_, err := s.db.Exec(`
		UPDATE upload_queue SET status = ?, error_message = ?, processed_at = ? WHERE id = ?`,
		QueueSuccess, msg, Now(), id)
	return err
}

// CompleteFailure finishes a queue entry as failed and consumes one retry.
func (s *Store) CompleteFailure(id int64, msg string) error {
	_, err := s.db.Exec(`
		UPDATE upload_queue SET status = ?, error_message = ?, retry_count = retry_count + 1, processed_at = ?
		WHERE id = ?`,
		QueueFailed, msg, Now(), id)
	return err
}

// FailValidation records a validation failure without consuming the retry
// budget, leaving the retry policy decision to the operator.
func (s *Store) FailValidation(id int64, msg string) error {
	_, err := s.db.Exec(`
		UPDATE upload_queue SET status = ?, error_message = ?, processed_at = ? WHERE id = ?`,
		QueueFailed, msg, Now(), id)
	return err
}

// ReleaseInterrupted returns a claimed entry to pending untouched. Used when
// the shutdown signal fires mid-claim; interruption is not failure.
func (s *Store) ReleaseInterrupted(id int64) error {
	_, err := s.db.Exec(`UPDATE upload_queue SET status = ? WHERE id = ? AND status = ?`,
		QueuePending, id, QueueUploading)
	return err
}

// RequeueFailed returns failed entries with retry budget left to pending at
// a fresh scheduled time. Returns the number of rows requeued.
func (s *Store) RequeueFailed(platform string, maxRetries int, scheduledTime string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE upload_queue
		   SET status = ?, scheduled_time = ?, error_message = NULL
		 WHERE platform = ? AND status = ? AND retry_count < ?`,
		QueuePending, scheduledTime, platform, QueueFailed, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("requeue failed for %s: %w", platform, err)
	}
	return res.RowsAffected()
}

// PendingEntries returns all pending entries for a platform in schedule
// order.
func (s *Store) PendingEntries(platform string) ([]QueueEntry, error) {
	var rows []QueueEntry
	err := s.db.Select(&rows, `
		SELECT * FROM upload_queue
		 WHERE platform = ? AND status = ?
		 ORDER BY priority DESC, scheduled_time ASC, id ASC`, platform, QueuePending)
	if err != nil {
		return nil, fmt.Errorf("pending entries for %s: %w", platform, err)
	}
	return rows, nil
}

// Reschedule moves a pending entry to a new scheduled time.
func (s *Store) Reschedule(id int64, scheduledTime string) error {
	_, err := s.db.Exec(`UPDATE upload_queue SET scheduled_time = ? WHERE id = ? AND status = ?`,
		scheduledTime, id, QueuePending)
	return err
}

// PendingCount returns the number of pending entries for a platform.
func (s *Store) PendingCount(platform string) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM upload_queue WHERE platform = ? AND status = ?`,
		platform, QueuePending)
	return n, err
}
