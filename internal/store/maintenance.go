package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CleanupDuplicateQueue removes duplicate (asin, platform, account_id) queue
// rows, keeping the oldest. The UNIQUE index prevents new duplicates; this
// covers rows inserted before the index existed. Idempotent: a second run
// reports zero.
func (s *Store) CleanupDuplicateQueue() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM upload_queue
		 WHERE id NOT IN (
			SELECT MIN(id) FROM upload_queue GROUP BY asin, platform, account_id
		 )`)
	if err != nil {
		return 0, fmt.Errorf("cleanup duplicate queue: %w", err)
	}
	return res.RowsAffected()
}

// BackfillMissingListings creates a pending listing for every queue row that
// lacks one, restoring the pending-queue invariant. Idempotent: a second run
// creates zero listings.
func (s *Store) BackfillMissingListings() (int64, error) {
	var created int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		var orphans []QueueEntry
		if err := tx.Select(&orphans, `
			SELECT q.* FROM upload_queue q
			 LEFT JOIN listings l
			        ON l.asin = q.asin AND l.platform = q.platform AND l.account_id = q.account_id
			 WHERE l.id IS NULL`); err != nil {
			return err
		}
		now := Now()
		for _, q := range orphans {
			if _, err := tx.Exec(`
				INSERT INTO listings (asin, platform, account_id, status, visibility, currency, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 'JPY', ?, ?)`,
				q.ASIN, q.Platform, q.AccountID, StatusPending, VisibilityPublic, now, now); err != nil {
				if isUniqueViolation(err) {
					continue
				}
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("backfill missing listings: %w", err)
	}
	return created, nil
}
